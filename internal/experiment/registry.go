// Package experiment manages experiment definitions and their lifecycle, and
// keeps an in-memory snapshot of the active ones for the assignment path.
package experiment

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/metrics"
	"github.com/marketkit/variantd/internal/store"
)

const (
	DefaultRefreshInterval = 5 * time.Minute

	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// mutable lists the statuses in which a definition may change or be deleted.
var mutable = []store.Status{store.StatusDraft, store.StatusPaused}

// Registry owns experiment definitions. Readers on the hot path use the
// snapshot (Lookup, Active), which may lag the database by up to one refresh
// interval for changes made by other processes.
type Registry struct {
	db       store.ExperimentStore
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	snap atomic.Pointer[snapshot]
}

// snapshot is immutable once published.
type snapshot struct {
	byName   map[string]*store.Experiment
	loadedAt time.Time
}

// Config configures a Registry.
type Config struct {
	RefreshInterval time.Duration
}

func New(db store.ExperimentStore, cfg Config, logger *zap.Logger) *Registry {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	r := &Registry{
		db:       db,
		interval: cfg.RefreshInterval,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
	r.snap.Store(&snapshot{byName: map[string]*store.Experiment{}})
	return r
}

// Create validates def and stores it as a draft.
func (r *Registry) Create(ctx context.Context, def Definition) (*store.Experiment, error) {
	def = def.withDefaults()
	now := r.now()
	exp := &store.Experiment{
		ID:               uuid.NewString(),
		Name:             def.Name,
		Description:      def.Description,
		Status:           store.StatusDraft,
		Variants:         def.Variants,
		Targeting:        def.Targeting,
		PrimaryMetric:    def.PrimaryMetric,
		SecondaryMetrics: def.SecondaryMetrics,
		MinSampleSize:    def.MinSampleSize,
		ConfidenceLevel:  def.ConfidenceLevel,
		StartAt:          def.StartAt,
		EndAt:            def.EndAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := Validate(exp); err != nil {
		return nil, err
	}
	if err := r.db.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}

	r.logger.Info("experiment created", zap.String("experiment", exp.Name), zap.String("id", exp.ID))
	return exp, nil
}

// Update applies patch to a draft or paused experiment. Active experiments
// must be paused first; completed ones are frozen.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*store.Experiment, error) {
	exp, err := r.db.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isMutable(exp.Status) {
		return nil, apperr.Conflict("cannot update experiment %q while %s", exp.Name, exp.Status)
	}

	patch.apply(exp)
	if err := Validate(exp); err != nil {
		return nil, err
	}
	exp.UpdatedAt = r.now()

	// The guard catches a start that slipped in since the read above.
	if err := r.db.UpdateExperiment(ctx, exp, mutable); err != nil {
		return nil, err
	}
	return exp, nil
}

// Start moves a draft or paused experiment to active. Starting from draft
// records the start time; resuming keeps it.
func (r *Registry) Start(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := r.db.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	var startAt *time.Time
	switch exp.Status {
	case store.StatusDraft:
		now := r.now()
		startAt = &now
	case store.StatusPaused:
	default:
		return nil, apperr.Conflict("cannot start experiment %q: it is %s", exp.Name, exp.Status)
	}

	return r.transition(ctx, exp, store.StatusActive, []store.Status{exp.Status}, startAt, nil)
}

// Pause stops new assignments for an active experiment. Existing
// assignments stay valid.
func (r *Registry) Pause(ctx context.Context, id string) (*store.Experiment, error) {
	exp, err := r.db.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.StatusActive {
		return nil, apperr.Conflict("cannot pause experiment %q: it is %s", exp.Name, exp.Status)
	}
	return r.transition(ctx, exp, store.StatusPaused, []store.Status{store.StatusActive}, nil, nil)
}

// Complete freezes an active or paused experiment with results attached.
// Status and results are written together.
func (r *Registry) Complete(ctx context.Context, id string, results *store.ResultSet) (*store.Experiment, error) {
	if results == nil {
		return nil, apperr.Validation("results", "are required to complete an experiment")
	}

	exp, err := r.db.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.StatusActive && exp.Status != store.StatusPaused {
		return nil, apperr.Conflict("cannot complete experiment %q: it is %s", exp.Name, exp.Status)
	}
	return r.transition(ctx, exp, store.StatusCompleted,
		[]store.Status{store.StatusActive, store.StatusPaused}, nil, results)
}

// Delete removes a non-active experiment and its assignments.
func (r *Registry) Delete(ctx context.Context, id string) error {
	exp, err := r.db.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status == store.StatusActive {
		return apperr.Conflict("cannot delete experiment %q while active: pause or complete it first", exp.Name)
	}

	err = r.db.DeleteExperiment(ctx, id,
		[]store.Status{store.StatusDraft, store.StatusPaused, store.StatusCompleted})
	if err != nil {
		return err
	}

	r.logger.Info("experiment deleted", zap.String("experiment", exp.Name))
	r.refreshAfterChange(ctx)
	return nil
}

func (r *Registry) transition(ctx context.Context, exp *store.Experiment, to store.Status, from []store.Status, startAt *time.Time, results *store.ResultSet) (*store.Experiment, error) {
	if err := r.db.TransitionExperiment(ctx, exp.ID, to, from, startAt, results); err != nil {
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(to)).Inc()
	r.logger.Info("experiment transitioned",
		zap.String("experiment", exp.Name), zap.String("from", string(exp.Status)), zap.String("to", string(to)))

	r.refreshAfterChange(ctx)
	return r.db.GetExperiment(ctx, exp.ID)
}

// refreshAfterChange makes local transitions visible without waiting for
// the next tick. A failure leaves the periodic refresh to catch up.
func (r *Registry) refreshAfterChange(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("snapshot refresh after change failed", zap.Error(err))
	}
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Experiment, error) {
	return r.db.GetExperiment(ctx, id)
}

func (r *Registry) GetByName(ctx context.Context, name string) (*store.Experiment, error) {
	return r.db.GetExperimentByName(ctx, name)
}

// Page is one page of a listing.
type Page struct {
	Experiments []*store.Experiment `json:"experiments"`
	Total       int                 `json:"total"`
	Page        int                 `json:"page"`
	Limit       int                 `json:"limit"`
}

// List returns one page of experiments, newest first. Page defaults to 1 and
// limit to 20; limit may not exceed 100.
func (r *Registry) List(ctx context.Context, opts store.ListOptions) (*Page, error) {
	if opts.Page == 0 {
		opts.Page = 1
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultPageLimit
	}
	if opts.Page < 1 {
		return nil, apperr.Validation("page", "must be at least 1")
	}
	if opts.Limit < 1 || opts.Limit > MaxPageLimit {
		return nil, apperr.Validation("limit", "must be between 1 and %d", MaxPageLimit)
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, apperr.Validation("status", "unknown status %q", opts.Status)
	}

	exps, total, err := r.db.ListExperiments(ctx, opts)
	if err != nil {
		return nil, err
	}
	if exps == nil {
		exps = []*store.Experiment{}
	}
	return &Page{Experiments: exps, Total: total, Page: opts.Page, Limit: opts.Limit}, nil
}

// Refresh reloads active experiments from the database and swaps the
// snapshot in one step.
func (r *Registry) Refresh(ctx context.Context) error {
	active, err := r.db.ListExperimentsByStatus(ctx, store.StatusActive)
	if err != nil {
		return err
	}

	byName := make(map[string]*store.Experiment, len(active))
	for _, exp := range active {
		byName[exp.Name] = exp
	}
	r.snap.Store(&snapshot{byName: byName, loadedAt: r.now()})
	metrics.ActiveExperiments.Set(float64(len(byName)))
	return nil
}

// Run refreshes the snapshot immediately and then on every interval until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial snapshot refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("snapshot refresh failed", zap.Error(err))
			}
		}
	}
}

// Lookup returns the named experiment if it is in the active snapshot.
// The returned experiment is shared and must not be modified.
func (r *Registry) Lookup(name string) (*store.Experiment, bool) {
	exp, ok := r.snap.Load().byName[name]
	return exp, ok
}

// Active returns the experiments in the snapshot, ordered by name.
func (r *Registry) Active() []*store.Experiment {
	byName := r.snap.Load().byName
	out := make([]*store.Experiment, 0, len(byName))
	for _, exp := range byName {
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SnapshotAge reports how long ago the snapshot was loaded.
func (r *Registry) SnapshotAge() time.Duration {
	loaded := r.snap.Load().loadedAt
	if loaded.IsZero() {
		return 0
	}
	return r.now().Sub(loaded)
}

func isMutable(s store.Status) bool {
	for _, m := range mutable {
		if s == m {
			return true
		}
	}
	return false
}
