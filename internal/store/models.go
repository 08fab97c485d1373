package store

import "time"

// Investigation statuses. Transitions are monotonic:
// PENDING -> IN_PROGRESS -> {COMPLETED, FAILED, CANCELED}; IN_PROGRESS is
// re-entered on every step; terminal states are never overwritten.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCanceled   = "CANCELED"
)

// TerminalStatus reports whether a status can no longer change.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job kinds and statuses tracked on the jobs table.
const (
	JobKindProtocol = "protocol"
	JobKindSmart    = "smart"

	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// CommandResult is the outcome of one command executed against a cluster.
// Execution failures are data: Error=true with the failure message in Output.
type CommandResult struct {
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	Error     bool      `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult is the persisted outcome of one walked step. Append-only: once
// written to Results.Steps it is never mutated.
type StepResult struct {
	StepNumber  int             `json:"step_number"`
	Commands    []CommandResult `json:"commands"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description"`
	Summary     string          `json:"summary"`
}

// ReportSummary is the terminal aggregate produced for smart investigations
// and FINAL-terminated protocol runs.
type ReportSummary struct {
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// InvestigationError records a fatal failure on the investigation itself.
type InvestigationError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Results is the JSONB payload accumulated on an investigation row.
type Results struct {
	Steps   []StepResult        `json:"steps,omitempty"`
	Summary *ReportSummary      `json:"summary,omitempty"`
	Error   *InvestigationError `json:"error,omitempty"`
}

// Investigation is one run of a protocol (or an open-ended smart run)
// against a specific cluster. ProtocolID is nil for smart investigations,
// which carry a free-text Focus instead.
type Investigation struct {
	ID                string    `json:"id"`
	ProtocolID        *string   `json:"protocol_id,omitempty"`
	ClusterID         string    `json:"cluster_id"`
	Focus             string    `json:"focus,omitempty"`
	Status            string    `json:"status"`
	CurrentStepNumber int       `json:"current_step_number"`
	Progress          int       `json:"progress"`
	CancelRequested   bool      `json:"cancel_requested"`
	Results           Results   `json:"results"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Cluster is a registered execution target: Endpoint is the base URL of its
// remote execution service, Token an optional bearer credential.
type Cluster struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Job wraps one investigation attempt series on the queue. The engine never
// sees it; only the worker mutates it.
type Job struct {
	ID              string     `json:"id"`
	InvestigationID string     `json:"investigation_id"`
	ClusterID       string     `json:"cluster_id"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	Progress        int        `json:"progress"`
	LastError       string     `json:"last_error,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Schedule triggers a recurring protocol investigation from a cron expression.
type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ProtocolID string     `json:"protocol_id"`
	ClusterID  string     `json:"cluster_id"`
	CronExpr   string     `json:"cron_expr"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
