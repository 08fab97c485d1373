package server

import (
	"time"

	"github.com/probeops/inquest/internal/search"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthRegisterRequest represents the account registration payload.
type AuthRegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateInvestigationRequest starts an investigation against a cluster.
// Exactly one of ProtocolID/Message must be set: a protocol id walks that
// protocol's step graph, a free-text message starts a smart investigation.
type CreateInvestigationRequest struct {
	ProtocolID string `json:"protocol_id,omitempty"`
	Message    string `json:"message,omitempty"`
	ClusterID  string `json:"cluster_id"`
}

// InvestigationQueuedResponse acknowledges an accepted investigation.
type InvestigationQueuedResponse struct {
	InvestigationID string `json:"investigation_id"`
	JobID           string `json:"job_id"`
}

// CancelResponse reports the status an investigation ended up in after a
// cancel request.
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateClusterRequest registers an execution target.
type CreateClusterRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token,omitempty"`
}

// ProtocolCreatedResponse returns the id and assigned version of a stored
// protocol.
type ProtocolCreatedResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// CreateScheduleRequest registers a recurring protocol investigation.
type CreateScheduleRequest struct {
	Name       string `json:"name"`
	ProtocolID string `json:"protocol_id"`
	ClusterID  string `json:"cluster_id"`
	CronExpr   string `json:"cron_expr"`
}

// EventRecord is one investigation lifecycle event as surfaced by
// GET /api/events, newest first.
type EventRecord struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	OccurredAt      time.Time `json:"occurred_at"`
	InvestigationID string    `json:"investigation_id,omitempty"`
	JobID           string    `json:"job_id,omitempty"`
	Progress        int       `json:"progress,omitempty"`
	Status          string    `json:"status,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// SearchResponse wraps full-text hits over completed investigations.
type SearchResponse struct {
	Query string       `json:"query"`
	Total int          `json:"total"`
	Hits  []search.Hit `json:"hits"`
}
