package service

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	ssotel "github.com/sitesquad/sitesquad/internal/adapter/otel"
	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/domain/event"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/port/browser"
	"github.com/sitesquad/sitesquad/internal/port/database"
	"github.com/sitesquad/sitesquad/internal/port/vision"
)

// RunController owns one run for its whole lifetime: it launches an agent
// task per requested persona, collects their results, aggregates, persists
// and emits the terminal event. All mutation of the run record happens
// through the controller's mutex.
type RunController struct {
	bus      *Bus
	store    database.Store
	engine   browser.Engine
	analyzer vision.Analyzer
	sessions *semaphore.Weighted
	cfg      config.Orchestrator
	metrics  *ssotel.Metrics
	logger   *slog.Logger

	span trace.Span

	mu        sync.Mutex
	run       *testrun.TestRun
	cancel    context.CancelFunc
	cancelled bool
	doneAt    time.Time
	done      chan struct{}
}

func newRunController(run *testrun.TestRun, bus *Bus, store database.Store,
	engine browser.Engine, analyzer vision.Analyzer, sessions *semaphore.Weighted,
	cfg config.Orchestrator, metrics *ssotel.Metrics, logger *slog.Logger) *RunController {
	return &RunController{
		bus:      bus,
		store:    store,
		engine:   engine,
		analyzer: analyzer,
		sessions: sessions,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("run_id", run.ID),
		run:      run,
		done:     make(chan struct{}),
	}
}

// start transitions the run to running, persists the transition and launches
// the agent tasks. A persistence failure here is an orchestration fault: the
// run fails before any agent starts. A cancel that lands before the cancel
// func is published is honored here so the signal is never lost.
func (c *RunController) start(ctx context.Context) {
	c.mu.Lock()
	id := c.run.ID
	userID := c.run.UserID
	url := c.run.URL
	personas := append([]persona.ID(nil), c.run.Personas...)
	if !c.cancelled {
		c.run.Status = testrun.StatusRunning
	}
	c.mu.Unlock()

	ctx, span := ssotel.StartRunSpan(ctx, id, userID, url)
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.span = span
	c.cancel = cancel
	cancelled := c.cancelled
	c.mu.Unlock()

	if cancelled {
		cancel()
	} else if err := c.store.UpdateRunStatus(ctx, id, testrun.StatusRunning); err != nil {
		c.logger.Error("failed to persist run start", "error", err)
		c.fail("Could not start the test run.")
		cancel()
		return
	}

	go func() {
		defer cancel()

		var wg sync.WaitGroup
		for _, pid := range personas {
			p, _ := persona.Get(pid)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.supervise(runCtx, p, url)
			}()
		}
		wg.Wait()
		c.finish(ctx)
	}()
}

// supervise runs one agent task and guarantees a result even if the task
// panics: a crash becomes a failed AgentResult, never a lost persona.
func (c *RunController) supervise(ctx context.Context, p persona.Persona, url string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("agent task panicked",
				"persona", p.ID, "panic", r, "stack", string(debug.Stack()))
			res := &testrun.AgentResult{
				Persona: p.ID,
				Status:  testrun.ResultFailed,
				Summary: p.Name + " crashed unexpectedly during testing.",
			}
			c.bus.Publish(event.PersonaCompleted(c.bus.runID, res))
			c.recordResult(res)
		}
	}()

	ctx, span := ssotel.StartAgentSpan(ctx, c.bus.runID, string(p.ID))
	defer span.End()

	task := newAgentTask(c.bus.runID, p, url, c.bus, c.engine, c.analyzer, c.sessions, c.cfg)
	c.recordResult(task.run(ctx))
}

func (c *RunController) recordResult(res *testrun.AgentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.Results == nil {
		c.run.Results = make(map[persona.ID]*testrun.AgentResult, len(c.run.Personas))
	}
	c.run.Results[res.Persona] = res
}

// finish aggregates, persists the terminal record and emits the terminal
// event. It runs exactly once, after every agent task has returned.
func (c *RunController) finish(ctx context.Context) {
	c.mu.Lock()
	results := make([]*testrun.AgentResult, 0, len(c.run.Personas))
	for _, pid := range c.run.Personas {
		if res, ok := c.run.Results[pid]; ok {
			results = append(results, res)
		}
	}
	agg := testrun.ComputeAggregate(results)
	c.run.Aggregate = agg

	wasCancelled := c.cancelled
	if wasCancelled {
		c.run.Status = testrun.StatusCancelled
	} else {
		c.run.Status = testrun.StatusCompleted
	}
	now := time.Now().UTC()
	c.run.CompletedAt = &now
	c.doneAt = now
	snapshot := c.run.Clone()
	c.mu.Unlock()

	if err := c.store.SaveTerminalRun(ctx, snapshot); err != nil {
		c.logger.Error("failed to persist terminal run", "error", err)
	}

	c.bus.Publish(event.TestCompleted(snapshot.ID, wasCancelled, agg))
	close(c.done)

	if c.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(snapshot.Status)))
		if wasCancelled {
			c.metrics.RunsCancelled.Add(ctx, 1, attrs)
		} else {
			c.metrics.RunsCompleted.Add(ctx, 1, attrs)
		}
		c.metrics.BugsFound.Add(ctx, int64(agg.TotalBugs), attrs)
		c.metrics.RunDuration.Record(ctx, now.Sub(snapshot.CreatedAt).Seconds(), attrs)
	}
	if c.span != nil {
		c.span.End()
	}
	c.logger.Info("run finished",
		"status", snapshot.Status,
		"total_bugs", agg.TotalBugs,
		"avg_score", agg.AvgScore)
}

// fail marks the run failed before any agent produced work. Used for
// orchestration-level faults only; agent failures still complete the run.
func (c *RunController) fail(message string) {
	c.mu.Lock()
	c.run.Status = testrun.StatusFailed
	c.run.Error = message
	now := time.Now().UTC()
	c.run.CompletedAt = &now
	c.doneAt = now
	snapshot := c.run.Clone()
	c.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveTerminalRun(saveCtx, snapshot); err != nil {
		c.logger.Error("failed to persist failed run", "error", err)
	}

	c.bus.Publish(event.TestFailed(snapshot.ID, message))
	close(c.done)

	if c.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(testrun.StatusFailed)))
		c.metrics.RunsFailed.Add(saveCtx, 1, attrs)
		c.metrics.RunDuration.Record(saveCtx, now.Sub(snapshot.CreatedAt).Seconds(), attrs)
	}
	if c.span != nil {
		c.span.End()
	}
}

// Cancel requests cooperative cancellation. The first call on a running run
// transitions it to cancelling and signals the agent tasks; later calls and
// calls on terminal runs are no-ops. The run still ends with its normal
// terminal event once the agents wind down.
func (c *RunController) Cancel(ctx context.Context) {
	c.mu.Lock()
	if c.cancelled || c.run.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.run.Status = testrun.StatusCancelling
	id := c.run.ID
	cancel := c.cancel
	c.mu.Unlock()

	if err := c.store.UpdateRunStatus(ctx, id, testrun.StatusCancelling); err != nil {
		c.logger.Warn("failed to persist cancelling status", "error", err)
	}

	c.bus.Publish(event.TestCancelling(id, "Stopping test run, finishing current steps."))
	// A nil cancel func means start has not published it yet; start sees the
	// cancelled flag and delivers the signal itself.
	if cancel != nil {
		cancel()
	}
	c.logger.Info("run cancellation requested")
}

// Snapshot returns a deep copy of the run's current state.
func (c *RunController) Snapshot() *testrun.TestRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Clone()
}

// terminal reports whether the run has ended, and when.
func (c *RunController) terminal() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.run.Status.IsTerminal() {
		return time.Time{}, false
	}
	return c.doneAt, true
}

// Done is closed when the run reaches its terminal state.
func (c *RunController) Done() <-chan struct{} {
	return c.done
}
