// Package assign places units into experiment variants. Assignment is
// advisory: callers that get no assignment fall back to a default
// experience, and internal failures never fail the caller's request.
package assign

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/cache"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/metrics"
	"github.com/marketkit/variantd/internal/store"
)

// Unit identifies who is being assigned. Exactly one field is set.
type Unit struct {
	UserID    string
	SessionID string
}

// Validate checks that exactly one of UserID and SessionID is set.
func (u Unit) Validate() error {
	if u.UserID == "" && u.SessionID == "" {
		return apperr.Validation("user_id", "one of user_id and session_id is required")
	}
	if u.UserID != "" && u.SessionID != "" {
		return apperr.Validation("user_id", "only one of user_id and session_id may be given")
	}
	return nil
}

// ID is the hashed identifier: the user id if present, else the session id.
func (u Unit) ID() string {
	if u.UserID != "" {
		return u.UserID
	}
	return u.SessionID
}

// Assignment is a resolved variant.
type Assignment struct {
	Experiment string          `json:"experiment"`
	Variant    string          `json:"variant"`
	Config     json.RawMessage `json:"config,omitempty"`
	Sticky     bool            `json:"sticky"`
}

// Experiments is the registry view the engine needs. Lookup serves the
// assignment path from the active snapshot; GetByName lets conversions be
// attributed to paused experiments.
type Experiments interface {
	Lookup(name string) (*store.Experiment, bool)
	GetByName(ctx context.Context, name string) (*store.Experiment, error)
}

// Submitter accepts events for asynchronous storage.
type Submitter interface {
	Submit(e *store.Event) error
}

// Options configures optional engine behavior.
type Options struct {
	Cache cache.AssignmentCache

	// DisplayExperiment names the experiment behind GetDisplayConfig.
	DisplayExperiment string
	DisplayDefaults   DisplayConfig
}

type Engine struct {
	experiments Experiments
	assignments store.AssignmentStore
	events      Submitter
	cache       cache.AssignmentCache
	display     string
	defaults    DisplayConfig
	logger      *zap.Logger
}

func New(experiments Experiments, assignments store.AssignmentStore, events Submitter, opts Options, logger *zap.Logger) *Engine {
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.DisplayExperiment == "" {
		opts.DisplayExperiment = DefaultDisplayExperiment
	}
	if opts.DisplayDefaults == (DisplayConfig{}) {
		opts.DisplayDefaults = DefaultDisplayConfig()
	}
	return &Engine{
		experiments: experiments,
		assignments: assignments,
		events:      events,
		cache:       opts.Cache,
		display:     opts.DisplayExperiment,
		defaults:    opts.DisplayDefaults,
		logger:      logging.OrNop(logger),
	}
}

// GetVariant returns the unit's variant for the named experiment, or false
// when none applies. It never fails: errors are logged and reported as no
// assignment.
func (e *Engine) GetVariant(ctx context.Context, name string, unit Unit, attrs Attributes) (*Assignment, bool) {
	a, err := e.Resolve(ctx, name, unit, attrs)
	if err != nil {
		metrics.AssignmentFallbacks.WithLabelValues("error").Inc()
		e.logger.Warn("assignment failed, serving default",
			zap.String("experiment", name), zap.Error(err))
		return nil, false
	}
	return a, a != nil
}

// Resolve is GetVariant with errors surfaced. A nil assignment with a nil
// error means the experiment is not active or the unit is not targeted.
func (e *Engine) Resolve(ctx context.Context, name string, unit Unit, attrs Attributes) (*Assignment, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}

	exp, ok := e.experiments.Lookup(name)
	if !ok || exp.Status != store.StatusActive {
		metrics.AssignmentFallbacks.WithLabelValues("inactive").Inc()
		return nil, nil
	}

	// Sticky assignments win over targeting and hashing.
	existing, err := e.existing(ctx, exp, unit)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		metrics.Assignments.WithLabelValues(exp.Name, existing, "sticky").Inc()
		return assignment(exp, existing, true), nil
	}

	if !Matches(exp.Targeting, attrs) {
		metrics.AssignmentFallbacks.WithLabelValues("not_targeted").Inc()
		return nil, nil
	}

	variant, ok := SelectVariant(exp.Variants, Bucket(unit.ID()))
	if !ok {
		e.logger.Warn("experiment has no variants", zap.String("experiment", exp.Name))
		metrics.AssignmentFallbacks.WithLabelValues("no_variants").Inc()
		return nil, nil
	}
	err = e.assignments.CreateAssignment(ctx, &store.Assignment{
		ExperimentID: exp.ID,
		UserID:       unit.UserID,
		SessionID:    unit.SessionID,
		Variant:      variant.Name,
		UserAgent:    attrs.UserAgent,
		Origin:       attrs.Origin,
		Referrer:     attrs.Referrer,
	})
	if errors.Is(err, apperr.ErrConflict) {
		// A concurrent request assigned this unit first; its choice stands.
		stored, err := e.assignments.FindAssignment(ctx, exp.ID, unit.UserID, unit.SessionID)
		if err != nil {
			return nil, err
		}
		e.remember(ctx, exp.ID, unit, stored.Variant)
		metrics.Assignments.WithLabelValues(exp.Name, stored.Variant, "sticky").Inc()
		return assignment(exp, stored.Variant, true), nil
	}
	if err != nil {
		return nil, err
	}

	e.remember(ctx, exp.ID, unit, variant.Name)
	metrics.Assignments.WithLabelValues(exp.Name, variant.Name, "new").Inc()
	return assignment(exp, variant.Name, false), nil
}

// existing returns the unit's stored variant, or "" if it has none.
func (e *Engine) existing(ctx context.Context, exp *store.Experiment, unit Unit) (string, error) {
	key := cache.UnitKey(unit.UserID, unit.SessionID)
	variant, ok, err := e.cache.Get(ctx, exp.ID, key)
	if err != nil {
		e.logger.Debug("assignment cache read failed", zap.Error(err))
	}
	if ok {
		return variant, nil
	}

	stored, err := e.assignments.FindAssignment(ctx, exp.ID, unit.UserID, unit.SessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	e.remember(ctx, exp.ID, unit, stored.Variant)
	return stored.Variant, nil
}

func (e *Engine) remember(ctx context.Context, experimentID string, unit Unit, variant string) {
	if err := e.cache.Set(ctx, experimentID, cache.UnitKey(unit.UserID, unit.SessionID), variant); err != nil {
		e.logger.Debug("assignment cache write failed", zap.Error(err))
	}
}

func assignment(exp *store.Experiment, variant string, sticky bool) *Assignment {
	a := &Assignment{Experiment: exp.Name, Variant: variant, Sticky: sticky}
	// A variant renamed since assignment keeps its name but has no config.
	if v, ok := exp.Variant(variant); ok {
		a.Config = v.Config
	}
	return a
}

// Conversion describes an outcome reported by the caller.
type Conversion struct {
	// Kind defaults to the conversion kind of the primary metric.
	Kind      string
	ProductID string
	SellerID  string
	AddonID   string
	Metadata  map[string]any
}

// TrackConversion records a conversion for a unit already assigned in the
// named experiment. Units without an assignment are ignored: no event, no
// error. Only invalid input is returned as an error.
func (e *Engine) TrackConversion(ctx context.Context, name string, unit Unit, c Conversion) (bool, error) {
	if err := unit.Validate(); err != nil {
		return false, err
	}

	exp, ok := e.experiments.Lookup(name)
	if !ok {
		// Paused experiments keep attributing conversions.
		var err error
		exp, err = e.experiments.GetByName(ctx, name)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				e.logger.Warn("conversion lookup failed", zap.String("experiment", name), zap.Error(err))
			}
			return false, nil
		}
	}
	if exp.Status == store.StatusDraft || exp.Status == store.StatusCompleted {
		return false, nil
	}

	variant, err := e.existing(ctx, exp, unit)
	if err != nil {
		e.logger.Warn("conversion lookup failed", zap.String("experiment", name), zap.Error(err))
		return false, nil
	}
	if variant == "" {
		return false, nil
	}

	kind := c.Kind
	if kind == "" {
		kind, _ = experiment.ConversionKind(exp.PrimaryMetric)
	}
	event := &store.Event{
		Kind:       kind,
		UserID:     unit.UserID,
		SessionID:  unit.SessionID,
		ProductID:  c.ProductID,
		SellerID:   c.SellerID,
		AddonID:    c.AddonID,
		Experiment: exp.Name,
		Variant:    variant,
		Metadata:   c.Metadata,
	}
	if err := e.events.Submit(event); err != nil {
		return false, err
	}
	return true, nil
}
