// Package storage persists sound matching jobs and their results.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/copyleftdev/synthmatch/internal/patch"
)

// Status is the lifecycle state of a match job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MatchRecord is one persisted match job.
type MatchRecord struct {
	ID          string      `json:"match_id"`
	Status      Status      `json:"status"`
	Estimator   string      `json:"estimator"`
	Target      string      `json:"target,omitempty"`
	Seed        int64       `json:"seed"`
	Patch       patch.Patch `json:"patch,omitempty"`
	Fitness     []float64   `json:"fitness,omitempty"`
	Generations int         `json:"generations"`
	Evaluations int         `json:"evaluations"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Store persists match records. Get returns false when the id is unknown.
type Store interface {
	Init(ctx context.Context) error
	SaveMatch(ctx context.Context, rec MatchRecord) error
	GetMatch(ctx context.Context, id string) (MatchRecord, bool, error)
	ListMatches(ctx context.Context, limit int) ([]MatchRecord, error)
	Close() error
}

// NewStore returns the backend named by kind.
func NewStore(kind, dsn string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
