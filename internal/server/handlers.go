package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/activity"
	"caseline/internal/dispatch"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/repo"
)

func marshalDecision(decision map[string]any) string {
	if len(decision) == 0 {
		return "{}"
	}
	b, err := json.Marshal(decision)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func activityFilters(caseID, kind string, limit int) activity.Filters {
	return activity.Filters{CaseID: caseID, Kind: kind, Limit: limit}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerCases(api huma.API, e engine.Engine, g dispatch.Gateway) {
	type casePath struct {
		CaseID string `path:"case_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID         string `json:"id,omitempty"`
			Name       string `json:"name"`
			DeadlineAt string `json:"deadline_at,omitempty" format:"date-time"`
			PortalURL  string `json:"portal_url,omitempty"`
			Autopilot  bool   `json:"autopilot,omitempty"`
		}
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			DeadlineAt: input.Body.DeadlineAt,
			PortalURL:  input.Body.PortalURL,
			Autopilot:  input.Body.Autopilot,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Case `json:"items"`
		}
	}, error) {
		cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Case `json:"items"`
			}
		}{}
		out.Body.Items = cases
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-case-status",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/status",
		Summary:     "Set case status",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		casePath
		Body struct {
			Status string `json:"status"`
			Force  bool   `json:"force,omitempty"`
		}
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.SetCaseStatus(ctx, input.CaseID, input.Body.Status, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/dispatch",
		Summary:     "Dispatch a run for the case",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		casePath
		Body struct {
			Trigger   string `json:"trigger" enum:"initial_request,followup,inbound_message,resume_retry,manual_review,reset"`
			MessageID string `json:"message_id,omitempty"`
			Source    string `json:"source,omitempty"`
		}
	}) (*struct {
		Body dispatch.Result `json:"body"`
	}, error) {
		source := input.Body.Source
		if source == "" {
			source = "api"
		}
		res, err := g.Dispatch(ctx, dispatch.Request{
			CaseID:    input.CaseID,
			Source:    source,
			Trigger:   input.Body.Trigger,
			MessageID: input.Body.MessageID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dispatch.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-message",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/messages",
		Summary:       "Record a correspondence message",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		casePath
		Body struct {
			Direction  string   `json:"direction" enum:"inbound,outbound"`
			Subject    string   `json:"subject,omitempty"`
			Snippet    string   `json:"snippet,omitempty"`
			Intent     *string  `json:"intent,omitempty"`
			Confidence *float64 `json:"confidence,omitempty"`
		}
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		m, err := e.RecordMessage(ctx, domain.Message{
			CaseID:     input.CaseID,
			Direction:  input.Body.Direction,
			Subject:    input.Body.Subject,
			Snippet:    input.Body.Snippet,
			Intent:     input.Body.Intent,
			Confidence: input.Body.Confidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine, g dispatch.Gateway) {
	type runPath struct {
		RunID string `path:"run_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.AgentRun `json:"items"`
		}
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{CaseID: input.CaseID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.AgentRun `json:"items"`
			}
		}{}
		out.Body.Items = runs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/start",
		Summary:     "Worker callback: run started",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		run, err := e.StartRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/heartbeat",
		Summary:     "Worker callback: run liveness",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		run, err := e.Heartbeat(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/finish",
		Summary:     "Worker callback: run finished",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		runPath
		Body struct {
			Status string `json:"status" enum:"completed,failed,cancelled"`
			Error  string `json:"error,omitempty"`
		}
	}) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		run, err := e.FinishRun(ctx, input.RunID, engine.FinishOptions{
			Status: input.Body.Status,
			Error:  input.Body.Error,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel an active run",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		runPath
		Body struct {
			Reason string `json:"reason,omitempty"`
		}
	}) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		reason := input.Body.Reason
		if principal, ok := principalFromContext(ctx); ok && reason == "" {
			reason = "cancelled by " + principal.Subject
		}
		run, err := e.CancelRun(ctx, input.RunID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		// Best effort: the row is already terminal, the platform execution
		// just gets told to stop chasing it.
		if corr, ok := repo.RunMetadata(run)["correlation_id"].(string); ok && corr != "" && g.Platform != nil {
			if err := g.Platform.Cancel(ctx, corr); err != nil {
				log.Printf("server: cancel execution %s: %v", corr, err)
			}
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Proposal `json:"items"`
		}
	}, error) {
		proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{CaseID: input.CaseID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Proposal `json:"items"`
			}
		}{}
		out.Body.Items = proposals
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/decide",
		Summary:     "Record an operator decision",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
		Body       struct {
			Action   string         `json:"action" enum:"accept,dismiss"`
			Reason   string         `json:"reason,omitempty"`
			Decision map[string]any `json:"decision,omitempty"`
		}
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		var p domain.Proposal
		var err error
		switch input.Body.Action {
		case "dismiss":
			p, err = e.ResolveProposal(ctx, input.ProposalID, domain.ProposalDismissed, input.Body.Reason)
		default:
			p, err = e.ApplyDecision(ctx, input.ProposalID, marshalDecision(input.Body.Decision))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	type casePath struct {
		CaseID string `path:"case_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/schedule",
		Summary:     "Get follow-up schedule",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.FollowUpSchedule `json:"body"`
	}, error) {
		s, err := e.Repo.GetSchedule(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FollowUpSchedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-schedule",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/schedule",
		Summary:     "Set follow-up schedule",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		casePath
		Body struct {
			NextDueAt string `json:"next_due_at,omitempty" format:"date-time"`
			MaxCount  int    `json:"max_count,omitempty"`
			Status    string `json:"status,omitempty" enum:"scheduled,processing,paused,cancelled,max_reached,failed"`
			AutoSend  bool   `json:"auto_send"`
		}
	}) (*struct {
		Body domain.FollowUpSchedule `json:"body"`
	}, error) {
		s, err := e.SetSchedule(ctx, engine.ScheduleOptions{
			CaseID:    input.CaseID,
			NextDueAt: input.Body.NextDueAt,
			MaxCount:  input.Body.MaxCount,
			Status:    input.Body.Status,
			AutoSend:  input.Body.AutoSend,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FollowUpSchedule `json:"body"`
		}{Body: s}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reaper-audit",
		Method:      http.MethodGet,
		Path:        "/reaper/audit",
		Summary:     "List reaper audit entries",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Reaper string `query:"reaper"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.ReaperAudit `json:"items"`
		}
	}, error) {
		items, err := e.Repo.ListReaperAudit(ctx, repo.AuditFilters{CaseID: input.CaseID, Reaper: input.Reaper, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.ReaperAudit `json:"items"`
			}
		}{}
		out.Body.Items = items
		return out, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List activity entries",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Kind   string `query:"kind"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Activity `json:"items"`
		}
	}, error) {
		items, err := e.Activity.Latest(ctx, activityFilters(input.CaseID, input.Kind, input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Activity `json:"items"`
			}
		}{}
		out.Body.Items = items
		return out, nil
	})
}
