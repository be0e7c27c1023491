package store

import (
	"context"
	"time"
)

// ExperimentStore persists experiment definitions and their lifecycle.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	ListExperiments(ctx context.Context, opts ListOptions) ([]*Experiment, int, error)
	ListExperimentsByStatus(ctx context.Context, status Status) ([]*Experiment, error)
	UpdateExperiment(ctx context.Context, exp *Experiment, expected []Status) error
	TransitionExperiment(ctx context.Context, id string, to Status, from []Status, startAt *time.Time, results *ResultSet) error
	DeleteExperiment(ctx context.Context, id string, expected []Status) error
}

// AssignmentStore persists sticky assignments. CreateAssignment returns
// apperr.ErrConflict when the unit already has an assignment.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *Assignment) error
	FindAssignment(ctx context.Context, experimentID, userID, sessionID string) (*Assignment, error)
	CountAssignments(ctx context.Context, experimentID string) ([]VariantCount, error)
}

// EventStore is the append-only event log.
type EventStore interface {
	InsertEvents(ctx context.Context, events []*Event) error
	QueryEvents(ctx context.Context, f EventFilter) ([]*Event, error)
	AggregateEvents(ctx context.Context, f EventFilter) ([]EventCount, error)
	CountConversions(ctx context.Context, experimentID, kind string) ([]VariantCount, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	ExperimentStore
	AssignmentStore
	EventStore

	Ping(ctx context.Context) error
	Close() error
}
