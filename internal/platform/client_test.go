package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBucketStatus(t *testing.T) {
	cases := map[string]string{
		"queued":      StatusPending,
		"Scheduled":   StatusPending,
		"claimed":     StatusAccepted,
		"in_progress": StatusRunning,
		"succeeded":   StatusCompleted,
		"timed_out":   StatusFailed,
		"canceled":    StatusCancelled,
		"weird_state": StatusUnknown,
		"":            StatusUnknown,
	}
	for raw, want := range cases {
		if got := BucketStatus(raw); got != want {
			t.Errorf("BucketStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestStarted(t *testing.T) {
	for _, s := range []string{StatusAccepted, StatusRunning, StatusCompleted} {
		if !Started(s) {
			t.Errorf("Started(%s) = false", s)
		}
	}
	for _, s := range []string{StatusPending, StatusFailed, StatusCancelled, StatusUnknown} {
		if Started(s) {
			t.Errorf("Started(%s) = true", s)
		}
	}
}

func TestSubmitSendsIdempotencyKey(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(Submission{ExecutionID: "exec-1", Status: "queued"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	sub, err := c.Submit(context.Background(), "case_pipeline", map[string]any{"case_id": "c1"}, SubmitOptions{
		IdempotencyKey:    "11111111-1111-1111-1111-111111111111",
		IdempotencyKeyTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ExecutionID != "exec-1" {
		t.Fatalf("execution id = %s", sub.ExecutionID)
	}
	if got["idempotency_key"] != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("idempotency_key = %v", got["idempotency_key"])
	}
	if got["idempotency_key_ttl_sec"] != float64(3600) {
		t.Fatalf("ttl = %v", got["idempotency_key_ttl_sec"])
	}
}

func TestGetStatusBuckets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "in_progress"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	status, err := c.GetStatus(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != StatusRunning {
		t.Fatalf("status = %s, want running", status)
	}
}

func TestCancelToleratesFinishedExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.Cancel(context.Background(), "exec-1"); err != nil {
		t.Fatalf("cancel on finished execution: %v", err)
	}
}
