package store

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

type Experiment struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Status           Status     `json:"status"`
	Variants         []Variant  `json:"variants"`
	Targeting        Targeting  `json:"targeting"`
	PrimaryMetric    string     `json:"primary_metric"`
	SecondaryMetrics []string   `json:"secondary_metrics,omitempty"`
	MinSampleSize    int        `json:"min_sample_size"`
	ConfidenceLevel  float64    `json:"confidence_level"`
	StartAt          *time.Time `json:"start_at,omitempty"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	Results          *ResultSet `json:"results,omitempty"` // Set only once completed
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Variant is one arm of an experiment. Config is stored and returned uninterpreted.
type Variant struct {
	Name   string          `json:"name"`
	Share  float64         `json:"share"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Targeting restricts which units may be assigned. Empty lists and bounds
// mean no restriction. Order-value bounds are decimal strings.
type Targeting struct {
	Segments      []string `json:"segments,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Sellers       []string `json:"sellers,omitempty"`
	MinOrderValue string   `json:"min_order_value,omitempty"`
	MaxOrderValue string   `json:"max_order_value,omitempty"`
}

// Variant returns the named variant.
func (e *Experiment) Variant(name string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Metrics returns the primary metric followed by the secondary ones.
func (e *Experiment) Metrics() []string {
	metrics := make([]string, 0, 1+len(e.SecondaryMetrics))
	metrics = append(metrics, e.PrimaryMetric)
	return append(metrics, e.SecondaryMetrics...)
}

type ResultSet struct {
	Winner      string           `json:"winner"`
	Significant bool             `json:"significant"`
	Variants    []VariantSummary `json:"variants"`
	CompletedAt time.Time        `json:"completed_at"`
}

type VariantSummary struct {
	Name        string                   `json:"name"`
	Assignments int                      `json:"assignments"`
	Conversions int                      `json:"conversions"`
	Rate        float64                  `json:"rate"`
	CILower     float64                  `json:"ci_lower"`
	CIUpper     float64                  `json:"ci_upper"`
	Metrics     map[string]MetricSummary `json:"metrics,omitempty"`
}

type MetricSummary struct {
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
}

// Assignment binds a unit to a variant. Exactly one of UserID and SessionID is set.
type Assignment struct {
	ID           int64
	ExperimentID string
	UserID       string
	SessionID    string
	Variant      string
	UserAgent    string
	Origin       string
	Referrer     string
	AssignedAt   time.Time
}

type Event struct {
	ID         int64          `json:"id,omitempty"`
	Kind       string         `json:"kind"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ProductID  string         `json:"product_id,omitempty"`
	SellerID   string         `json:"seller_id,omitempty"`
	AddonID    string         `json:"addon_id,omitempty"`
	Experiment string         `json:"experiment,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventFilter selects events. Empty fields match everything; the time range
// is half-open [Since, Until).
type EventFilter struct {
	Kinds      []string
	UserID     string
	SessionID  string
	ProductID  string
	SellerID   string
	Experiment string
	Variant    string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// EventCount is one row of a (product, kind) aggregation.
type EventCount struct {
	ProductID string
	Kind      string
	Count     int
	Units     int
}

// VariantCount is a per-variant tally.
type VariantCount struct {
	Variant string
	Count   int
}

// ListOptions paginates experiment listings. Page starts at 1.
type ListOptions struct {
	Status Status
	Page   int
	Limit  int
}
