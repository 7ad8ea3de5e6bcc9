package domain

// Case statuses.
const (
	CaseDraft                = "draft"
	CaseReady                = "ready"
	CaseSent                 = "sent"
	CaseAwaitingResponse     = "awaiting_response"
	CaseNeedsHumanReview     = "needs_human_review"
	CaseNeedsPhoneCall       = "needs_phone_call"
	CaseNeedsFeeDecision     = "needs_fee_decision"
	CaseNeedsRebuttal        = "needs_rebuttal"
	CaseSubmissionInProgress = "submission_in_progress"
	CaseCompleted            = "completed"
	CaseFailed               = "failed"
)

// Run statuses. ActiveRunStatuses is the set covered by the one-active-run
// uniqueness constraint.
const (
	RunCreated     = "created"
	RunQueued      = "queued"
	RunRunning     = "running"
	RunPaused      = "paused"
	RunWaiting     = "waiting"
	RunGated       = "gated"
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunFailedStale = "failed_stale"
	RunCancelled   = "cancelled"
)

var ActiveRunStatuses = []string{RunCreated, RunQueued, RunRunning, RunPaused, RunWaiting, RunGated}

// Run trigger kinds. TriggerReset supersedes prior runs and bypasses
// identity dedup.
const (
	TriggerInitialRequest = "initial_request"
	TriggerFollowup       = "followup"
	TriggerInboundMessage = "inbound_message"
	TriggerResumeRetry    = "resume_retry"
	TriggerManualReview   = "manual_review"
	TriggerReset          = "reset"
)

// Proposal statuses.
const (
	ProposalDraft            = "draft"
	ProposalPendingApproval  = "pending_approval"
	ProposalDecisionReceived = "decision_received"
	ProposalApproved         = "approved"
	ProposalDismissed        = "dismissed"
	ProposalBlocked          = "blocked"
	ProposalPendingPortal    = "pending_portal"
)

// Follow-up schedule statuses.
const (
	ScheduleScheduled  = "scheduled"
	ScheduleProcessing = "processing"
	SchedulePaused     = "paused"
	ScheduleCancelled  = "cancelled"
	ScheduleMaxReached = "max_reached"
	ScheduleFailed     = "failed"
)

// FollowUpMaxErrors bounds consecutive follow-up failures per case before the
// schedule is marked failed.
const FollowUpMaxErrors = 5

type Case struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status" enum:"draft,ready,sent,awaiting_response,needs_human_review,needs_phone_call,needs_fee_decision,needs_rebuttal,submission_in_progress,completed,failed"`
	DeadlineAt       *string `json:"deadline_at,omitempty" format:"date-time"`
	SentAt           *string `json:"sent_at,omitempty" format:"date-time"`
	PortalURL        *string `json:"portal_url,omitempty"`
	LastPortalStatus *string `json:"last_portal_status,omitempty"`
	Autopilot        bool    `json:"autopilot"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type AgentRun struct {
	ID                string  `json:"id"`
	CaseID            string  `json:"case_id"`
	Trigger           string  `json:"trigger" enum:"initial_request,followup,inbound_message,resume_retry,manual_review,reset"`
	MessageID         *string `json:"message_id,omitempty"`
	Status            string  `json:"status" enum:"created,queued,running,paused,waiting,gated,completed,failed,failed_stale,cancelled"`
	Autopilot         bool    `json:"autopilot"`
	LockAcquired      bool    `json:"lock_acquired"`
	LockKey           *string `json:"lock_key,omitempty"`
	LockExpiresAt     *string `json:"lock_expires_at,omitempty" format:"date-time"`
	HeartbeatAt       *string `json:"heartbeat_at,omitempty" format:"date-time"`
	StartedAt         *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt           *string `json:"ended_at,omitempty" format:"date-time"`
	Error             *string `json:"error,omitempty"`
	RecoveryAttempted bool    `json:"recovery_attempted"`
	RecoveredByReaper bool    `json:"recovered_by_reaper"`
	MetadataJSON      *string `json:"metadata_json,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// Active reports whether the run occupies the case's single active slot.
func (r AgentRun) Active() bool {
	for _, s := range ActiveRunStatuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

type Proposal struct {
	ID           string  `json:"id"`
	CaseID       string  `json:"case_id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status" enum:"draft,pending_approval,decision_received,approved,dismissed,blocked,pending_portal"`
	DedupKey     string  `json:"dedup_key"`
	RetryCount   int     `json:"retry_count"`
	Reason       string  `json:"reason,omitempty"`
	DecisionJSON *string `json:"decision_json,omitempty"`
	DecidedAt    *string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type FollowUpSchedule struct {
	CaseID       string  `json:"case_id"`
	NextDueAt    *string `json:"next_due_at,omitempty" format:"date-time"`
	SentCount    int     `json:"sent_count"`
	MaxCount     int     `json:"max_count"`
	Status       string  `json:"status" enum:"scheduled,processing,paused,cancelled,max_reached,failed"`
	AutoSend     bool    `json:"auto_send"`
	ErrorCount   int     `json:"error_count"`
	ScheduledKey *string `json:"scheduled_key,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type ReaperAudit struct {
	ID          int64  `json:"id"`
	Reaper      string `json:"reaper"`
	TargetKind  string `json:"target_kind"`
	TargetID    string `json:"target_id"`
	CaseID      string `json:"case_id,omitempty"`
	Action      string `json:"action"`
	DetailsJSON string `json:"details_json,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

type Message struct {
	ID         string   `json:"id"`
	CaseID     string   `json:"case_id"`
	Direction  string   `json:"direction" enum:"inbound,outbound"`
	Subject    string   `json:"subject,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
	Intent     *string  `json:"intent,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	ReceivedAt string   `json:"received_at" format:"date-time"`
}

type Activity struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Kind       string `json:"kind"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Payload    string `json:"payload_json"`
}
