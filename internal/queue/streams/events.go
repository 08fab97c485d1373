package streams

// Stream and event type names for the investigation lifecycle. Job dispatch
// and lifecycle notifications travel on separate streams: workers consume
// dispatch as a work queue, while the lifecycle stream fans out to observers
// such as the search indexer.
const (
	// StreamInvestigationEnqueued carries dispatch events consumed by workers.
	StreamInvestigationEnqueued = "investigation.enqueued"
	// StreamInvestigationEvents carries progress and terminal notifications.
	StreamInvestigationEvents = "investigation.events"
)

const (
	EventInvestigationEnqueued  = "investigation.enqueued"
	EventInvestigationProgress  = "investigation.progress"
	EventInvestigationCompleted = "investigation.completed"
)

// EnqueuedPayload asks a worker to pick up an investigation job.
type EnqueuedPayload struct {
	JobID           string `json:"job_id"`
	InvestigationID string `json:"investigation_id"`
	ClusterID       string `json:"cluster_id"`
	Kind            string `json:"kind"`
	Trigger         string `json:"trigger"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
}

// ProgressPayload reports forward motion on a running investigation.
type ProgressPayload struct {
	InvestigationID string `json:"investigation_id"`
	JobID           string `json:"job_id,omitempty"`
	Progress        int    `json:"progress"`
	StepNumber      int    `json:"step_number,omitempty"`
}

// CompletedPayload announces that an investigation reached a terminal
// status. Status is one of COMPLETED, FAILED or CANCELED; Error carries the
// last failure message for FAILED runs.
type CompletedPayload struct {
	InvestigationID string `json:"investigation_id"`
	JobID           string `json:"job_id,omitempty"`
	Status          string `json:"status"`
	Summary         string `json:"summary,omitempty"`
	Error           string `json:"error,omitempty"`
	Attempts        int    `json:"attempts,omitempty"`
}
