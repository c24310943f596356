package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunOutcome mirrors the engine's run outcome.
type RunOutcome string

const (
	RunOutcomeRunning   RunOutcome = "running"
	RunOutcomeSucceeded RunOutcome = "succeeded"
	RunOutcomeFailed    RunOutcome = "failed"
	RunOutcomeCancelled RunOutcome = "cancelled"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents a converge run
type Run struct {
	ID            string     `json:"id"`
	Node          string     `json:"node"`
	Source        string     `json:"source"` // declaration file or directory
	Outcome       RunOutcome `json:"outcome"`
	WhyRun        bool       `json:"why_run"`
	ResourceCount int        `json:"resource_count"`
	UpdatedCount  int        `json:"updated_count"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         *string    `json:"error,omitempty"`
	Metadata      string     `json:"metadata"` // JSON blob
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ResourceResult is the persisted report of one resource action.
type ResourceResult struct {
	ID           int64         `json:"id"`
	RunID        string        `json:"run_id"`
	Seq          int           `json:"seq"` // execution order within the run
	ResourceType string        `json:"resource_type"`
	ResourceName string        `json:"resource_name"`
	Action       string        `json:"action"`
	Provider     string        `json:"provider"`
	State        string        `json:"state"`
	Updated      bool          `json:"updated"`
	Ignored      bool          `json:"ignored"`
	SkipReason   *string       `json:"skip_reason,omitempty"`
	Converged    string        `json:"converged"`         // JSON array of descriptions
	Trigger      *string       `json:"trigger,omitempty"` // notifying resource and timing
	Error        *string       `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	Type      string     `json:"type"`
	Resource  *string    `json:"resource,omitempty"`
	Action    *string    `json:"action,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Fact represents one namespace of collected node attributes
type Fact struct {
	ID        string     `json:"id"`
	Node      string     `json:"node"`      // node name
	Namespace string     `json:"namespace"` // e.g., "platform", "cpu", "network"
	Value     string     `json:"value"`     // JSON blob
	TTL       int        `json:"ttl"`       // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the fact's TTL has elapsed at now.
func (f *Fact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// ResourceResult operations
	SaveResourceResults(ctx context.Context, runID string, results []*ResourceResult) error
	ListResourceResults(ctx context.Context, runID string) ([]*ResourceResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, node, namespace string) (*Fact, error)
	ListFacts(ctx context.Context, node *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)
	DeleteFact(ctx context.Context, id string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
