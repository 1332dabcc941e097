package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/devloop/pkg/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Config holds SQLite store configuration
type Config struct {
	Path            string        `json:"path" yaml:"path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ListOptions filters and paginates ListExecutions.
type ListOptions struct {
	ProjectID string
	States    []workflow.State
	Limit     int
	Offset    int
}

// WorkflowRecord is a persisted execution together with its bookkeeping columns.
type WorkflowRecord struct {
	Execution *workflow.WorkflowExecution `json:"execution"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// TransitionRecord is one persisted history entry.
type TransitionRecord struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflow_id"`
	workflow.StateTransition
}

// ValidationRecord is one persisted validation attempt.
type ValidationRecord struct {
	ID int64 `json:"id"`
	workflow.ValidationRun
}

// EventRecord is a persisted notification event.
type EventRecord struct {
	ID         int64                  `json:"id"`
	EventID    string                 `json:"event_id"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	ProjectID  string                 `json:"project_id,omitempty"`
	Type       string                 `json:"type"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventQuery filters ListEvents. Zero values match everything.
type EventQuery struct {
	WorkflowID string
	Type       string
	Level      string
	Limit      int
	Offset     int
}
