package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	ssotel "github.com/sitesquad/sitesquad/internal/adapter/otel"
	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/domain/event"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/domain/usage"
	"github.com/sitesquad/sitesquad/internal/port/browser"
	"github.com/sitesquad/sitesquad/internal/port/cache"
	"github.com/sitesquad/sitesquad/internal/port/database"
	"github.com/sitesquad/sitesquad/internal/port/messagequeue"
	"github.com/sitesquad/sitesquad/internal/port/vision"
)

// Registry is the orchestrator's front door: it starts runs, routes cancel,
// result and subscribe requests to live controllers, and reaps controllers
// whose runs have been terminal past the retention window.
type Registry struct {
	store    database.Store
	engine   browser.Engine
	analyzer vision.Analyzer
	archive  messagequeue.Queue
	quota    *QuotaService
	cache    cache.Cache
	sessions *semaphore.Weighted
	cfg      config.Orchestrator
	metrics  *ssotel.Metrics
	logger   *slog.Logger

	mu          sync.RWMutex
	controllers map[string]*RunController
	buses       map[string]*Bus
}

type RegistryOptions struct {
	Store    database.Store
	Engine   browser.Engine
	Analyzer vision.Analyzer
	Archive  messagequeue.Queue // optional, nil disables event archiving
	Quota    *QuotaService
	Cache    cache.Cache // optional, nil disables the reaped-snapshot cache
	Config   config.Orchestrator
	Metrics  *ssotel.Metrics // optional
	Logger   *slog.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		store:       opts.Store,
		engine:      opts.Engine,
		analyzer:    opts.Analyzer,
		archive:     opts.Archive,
		quota:       opts.Quota,
		cache:       opts.Cache,
		sessions:    semaphore.NewWeighted(opts.Config.MaxConcurrentSessions),
		cfg:         opts.Config,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		controllers: make(map[string]*RunController),
		buses:       make(map[string]*Bus),
	}
}

// StartRun validates the request, consumes a quota slot, persists the new run
// and launches its controller. The returned snapshot is pending-to-running;
// progress arrives through Subscribe.
func (r *Registry) StartRun(ctx context.Context, req testrun.StartRequest) (*testrun.TestRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if _, err := r.quota.Admit(ctx, req.UserID); err != nil {
		if r.metrics != nil {
			r.metrics.QuotaDenied.Add(ctx, 1)
		}
		return nil, err
	}

	run := &testrun.TestRun{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		URL:       req.URL,
		Personas:  append([]persona.ID(nil), req.Personas...),
		Status:    testrun.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	bus := NewBus(run.ID, r.archive)
	ctrl := newRunController(run, bus, r.store, r.engine, r.analyzer,
		r.sessions, r.cfg, r.metrics, r.logger)

	// Registered before the row is written so no stored run is ever visible
	// without its controller; a cancel racing admission lands on the
	// controller, never on a bare row.
	r.mu.Lock()
	r.controllers[run.ID] = ctrl
	r.buses[run.ID] = bus
	r.mu.Unlock()

	if err := r.store.CreateRun(ctx, run); err != nil {
		r.mu.Lock()
		delete(r.controllers, run.ID)
		delete(r.buses, run.ID)
		r.mu.Unlock()
		// The admitted quota slot is not returned; see DESIGN notes.
		return nil, fmt.Errorf("create run: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RunsStarted.Add(ctx, 1,
			metric.WithAttributes(attribute.Int("personas", len(run.Personas))))
	}
	r.logger.Info("run started",
		"run_id", run.ID, "user_id", run.UserID, "url", run.URL, "personas", len(run.Personas))

	// The run outlives the start request.
	ctrl.start(context.WithoutCancel(ctx))

	return ctrl.Snapshot(), nil
}

// Cancel requests cancellation of a live run. Cancelling an already-terminal
// or already-cancelling run is a no-op; an unknown id is ErrNotFound.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.RLock()
	ctrl, ok := r.controllers[id]
	r.mu.RUnlock()
	if ok {
		ctrl.Cancel(ctx)
		return nil
	}

	// Not live. A terminal run cancels as a no-op. A non-terminal row with no
	// controller was orphaned by a process restart; nothing can cancel it
	// cooperatively, so it is finalized as cancelled directly.
	run, err := r.getStored(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = testrun.StatusCancelled
	run.CompletedAt = &now
	if run.Aggregate == nil {
		results := make([]*testrun.AgentResult, 0, len(run.Results))
		for _, pid := range run.Personas {
			if res, ok := run.Results[pid]; ok {
				results = append(results, res)
			}
		}
		run.Aggregate = testrun.ComputeAggregate(results)
	}
	if err := r.store.SaveTerminalRun(ctx, run); err != nil {
		return fmt.Errorf("cancel orphaned run %s: %w", id, err)
	}
	r.logger.Info("orphaned run cancelled", "run_id", id)
	return nil
}

// GetResult returns the run's current state: live snapshot for active runs,
// the stored record for reaped ones.
func (r *Registry) GetResult(ctx context.Context, id string) (*testrun.TestRun, error) {
	r.mu.RLock()
	ctrl, ok := r.controllers[id]
	r.mu.RUnlock()
	if ok {
		return ctrl.Snapshot(), nil
	}
	return r.getStored(ctx, id)
}

// getStored loads a run that has no live controller, preferring the snapshot
// cache. Reaped runs are the common case; non-terminal rows only show up
// after a process restart.
func (r *Registry) getStored(ctx context.Context, id string) (*testrun.TestRun, error) {
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, snapshotKey(id)); err == nil && ok {
			var run testrun.TestRun
			if err := json.Unmarshal(raw, &run); err == nil {
				return &run, nil
			}
		}
	}
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Subscribe attaches to a run's event stream. Live runs stream from their
// bus; terminal runs yield a single-event subscription carrying the terminal
// event so late subscribers always learn the outcome.
func (r *Registry) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	r.mu.RLock()
	bus, ok := r.buses[id]
	r.mu.RUnlock()
	if ok {
		return bus.Subscribe(), nil
	}

	run, err := r.getStored(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s has no live stream: %w", id, domain.ErrNotFound)
	}
	switch run.Status {
	case testrun.StatusFailed:
		return terminalSubscription(event.TestFailed(run.ID, run.Error)), nil
	default:
		return terminalSubscription(event.TestCompleted(run.ID,
			run.Status == testrun.StatusCancelled, run.Aggregate)), nil
	}
}

// CheckUsage reports the user's quota standing without consuming anything.
func (r *Registry) CheckUsage(ctx context.Context, userID string) (usage.Record, error) {
	if userID == "" {
		return usage.Record{}, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	return r.quota.Check(ctx, userID)
}

// ListRuns returns the user's most recent runs, newest first. Live runs are
// reported from their controllers so in-flight status is current.
func (r *Registry) ListRuns(ctx context.Context, userID string, limit int) ([]testrun.TestRun, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	runs, err := r.store.ListRunsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	r.mu.RLock()
	for i := range runs {
		if ctrl, ok := r.controllers[runs[i].ID]; ok {
			runs[i] = *ctrl.Snapshot()
		}
	}
	r.mu.RUnlock()
	return runs, nil
}

// Personas returns the full persona catalog for client display.
func (r *Registry) Personas() []persona.Persona {
	return persona.All()
}

// StartGC launches the background reaper and returns a stop function.
func (r *Registry) StartGC(ctx context.Context) func() {
	gcCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gcCtx.Done():
				return
			case <-ticker.C:
				r.reap(gcCtx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reap releases controllers for terminal runs once every subscriber has
// disconnected, or unconditionally after the retention window. The terminal
// snapshot is cached so GetResult stays cheap right after release.
func (r *Registry) reap(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var reaped []*testrun.TestRun
	for id, ctrl := range r.controllers {
		doneAt, terminal := ctrl.terminal()
		if !terminal {
			continue
		}
		bus := r.buses[id]
		if bus.SubscriberCount() > 0 && now.Sub(doneAt) < r.cfg.Retention {
			continue
		}
		reaped = append(reaped, ctrl.Snapshot())
		bus.Shutdown()
		delete(r.controllers, id)
		delete(r.buses, id)
	}
	r.mu.Unlock()

	for _, run := range reaped {
		if r.cache != nil {
			if raw, err := json.Marshal(run); err == nil {
				_ = r.cache.Set(ctx, snapshotKey(run.ID), raw, r.cfg.Retention)
			}
		}
		r.logger.Debug("run reaped", "run_id", run.ID, "status", run.Status)
	}
}

// LiveRuns reports how many controllers are currently registered.
func (r *Registry) LiveRuns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Dot separator keeps keys valid for NATS KV backed caches.
func snapshotKey(id string) string {
	return "run." + id
}
