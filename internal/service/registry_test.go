package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/domain/event"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/domain/usage"
	"github.com/sitesquad/sitesquad/internal/port/browser"
	"github.com/sitesquad/sitesquad/internal/port/vision"
	"github.com/sitesquad/sitesquad/internal/service"
)

// --- Mocks ---

type memStore struct {
	mu        sync.Mutex
	runs      map[string]*testrun.TestRun
	used      map[string]int
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		runs: make(map[string]*testrun.TestRun),
		used: make(map[string]int),
	}
}

func (m *memStore) CreateRun(_ context.Context, run *testrun.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id string, status testrun.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	run.Status = status
	return nil
}

func (m *memStore) SaveTerminalRun(_ context.Context, run *testrun.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*testrun.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *memStore) ListRunsByUser(_ context.Context, userID string, limit int) ([]testrun.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []testrun.TestRun
	for _, run := range m.runs {
		if run.UserID == userID {
			out = append(out, *run.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetUsage(_ context.Context, userID string, limit int) (*usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &usage.Record{UserID: userID, Used: m.used[userID], Limit: limit}, nil
}

func (m *memStore) AdmitUsage(_ context.Context, userID string, limit int) (*usage.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &usage.Record{UserID: userID, Used: m.used[userID], Limit: limit}
	if rec.Used >= limit {
		return rec, false, nil
	}
	m.used[userID]++
	rec.Used++
	return rec, true, nil
}

func (m *memStore) usedBy(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[userID]
}

type fakeSession struct{}

func (fakeSession) Navigate(_ context.Context, _ string) error { return nil }
func (fakeSession) Act(_ context.Context, _ string) (*browser.Observation, error) {
	return &browser.Observation{OK: true}, nil
}
func (fakeSession) Screenshot(_ context.Context) ([]byte, error) { return []byte("png"), nil }
func (fakeSession) Close(_ context.Context) error                { return nil }

type fakeEngine struct{}

func (fakeEngine) NewSession(_ context.Context, _ browser.SessionOptions) (browser.Session, error) {
	return fakeSession{}, nil
}

// fixedAnalyzer reports one high-severity bug and no follow-up actions, so
// every agent task finishes quickly with exactly one bug.
type fixedAnalyzer struct{}

func (fixedAnalyzer) Analyze(_ context.Context, _ []byte, _ vision.Request) (*vision.Findings, error) {
	return &vision.Findings{
		Thought: "inspecting the page",
		Bugs: []testrun.Bug{
			{Title: "Submit button unresponsive", Severity: testrun.SeverityHigh},
		},
	}, nil
}

// cleanAnalyzer never reports a bug.
type cleanAnalyzer struct{}

func (cleanAnalyzer) Analyze(_ context.Context, _ []byte, _ vision.Request) (*vision.Findings, error) {
	return &vision.Findings{Thought: "looks healthy"}, nil
}

// blockingAnalyzer parks the first analysis call until its context is
// cancelled, keeping the run alive for cancellation tests.
type blockingAnalyzer struct {
	started   chan struct{}
	startOnce sync.Once
}

func newBlockingAnalyzer() *blockingAnalyzer {
	return &blockingAnalyzer{started: make(chan struct{})}
}

func (a *blockingAnalyzer) Analyze(ctx context.Context, _ []byte, _ vision.Request) (*vision.Findings, error) {
	a.startOnce.Do(func() { close(a.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() config.Orchestrator {
	return config.Orchestrator{
		MaxConcurrentSessions: 3,
		MaxActions:            12,
		ActionsPerPhase:       3,
		StepRetries:           1,
		MaxStepFailures:       3,
		Retention:             time.Minute,
		GCInterval:            10 * time.Millisecond,
	}
}

func newTestRegistry(store *memStore, analyzer vision.Analyzer, quota config.Quota) *service.Registry {
	return service.NewRegistry(service.RegistryOptions{
		Store:    store,
		Engine:   fakeEngine{},
		Analyzer: analyzer,
		Quota:    service.NewQuotaService(store, quota),
		Config:   testConfig(),
		Logger:   discardLogger(),
	})
}

func waitTerminal(t *testing.T, sub *service.Subscription) []event.Event {
	t.Helper()
	var events []event.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed before terminal event; saw %d events", len(events))
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

// --- Tests ---

func TestRegistryRunLifecycle(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA, persona.Security},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run has no id")
	}

	sub, err := reg.Subscribe(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events := waitTerminal(t, sub)

	last := events[len(events)-1]
	if last.Type != event.TypeTestCompleted {
		t.Fatalf("terminal event = %s, want %s", last.Type, event.TypeTestCompleted)
	}
	var payload event.CompletedPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("unmarshal terminal payload: %v", err)
	}
	if payload.WasCancelled {
		t.Error("was_cancelled = true for a completed run")
	}

	got, err := reg.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != testrun.StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, testrun.StatusCompleted)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %d personas, want 2", len(got.Results))
	}
	for _, id := range []persona.ID{persona.QA, persona.Security} {
		res, ok := got.Results[id]
		if !ok {
			t.Fatalf("missing result for persona %s", id)
		}
		if res.Status != testrun.ResultCompleted {
			t.Errorf("persona %s status = %s, want completed", id, res.Status)
		}
		if len(res.Bugs) != 1 {
			t.Errorf("persona %s bugs = %d, want 1", id, len(res.Bugs))
		}
	}

	agg := got.Aggregate
	if agg == nil {
		t.Fatal("no aggregate on completed run")
	}
	if agg.TotalBugs != 2 || agg.High != 2 {
		t.Errorf("aggregate = %+v, want 2 total / 2 high", agg)
	}
	// Each persona scores 10 - 2 = 8.
	if agg.AvgScore != 8.0 {
		t.Errorf("avg score = %v, want 8.0", agg.AvgScore)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.Status != testrun.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("stored run has no completion time")
	}
}

func TestRegistryValidation(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})

	cases := []struct {
		name string
		req  testrun.StartRequest
	}{
		{"missing user", testrun.StartRequest{URL: "https://e.com", Personas: []persona.ID{persona.QA}}},
		{"missing url", testrun.StartRequest{UserID: "u", Personas: []persona.ID{persona.QA}}},
		{"relative url", testrun.StartRequest{UserID: "u", URL: "example.com", Personas: []persona.ID{persona.QA}}},
		{"bad scheme", testrun.StartRequest{UserID: "u", URL: "ftp://e.com", Personas: []persona.ID{persona.QA}}},
		{"no personas", testrun.StartRequest{UserID: "u", URL: "https://e.com"}},
		{"unknown persona", testrun.StartRequest{UserID: "u", URL: "https://e.com", Personas: []persona.ID{"ghost"}}},
		{"duplicate persona", testrun.StartRequest{UserID: "u", URL: "https://e.com", Personas: []persona.ID{persona.QA, persona.QA}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.StartRun(context.Background(), tc.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if used := store.usedBy("u"); used != 0 {
		t.Errorf("rejected requests consumed %d quota slots", used)
	}
}

func TestRegistryQuotaSingleSlotPerRun(t *testing.T) {
	store := newMemStore()
	store.used["user-1"] = 4 // one slot left of 5
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA, persona.Mobile},
	})
	if err != nil {
		t.Fatalf("StartRun with one slot left: %v", err)
	}

	sub, _ := reg.Subscribe(context.Background(), run.ID)
	waitTerminal(t, sub)

	if used := store.usedBy("user-1"); used != 5 {
		t.Errorf("used = %d, want 5 (one slot for a multi-persona run)", used)
	}

	_, err = reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA},
	})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestRegistryConcurrentStartsRespectQuota(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.StartRun(context.Background(), testrun.StartRequest{
				UserID:   "user-1",
				URL:      "https://example.com",
				Personas: []persona.ID{persona.QA},
			})
		}()
	}
	wg.Wait()

	var granted, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, domain.ErrQuotaExceeded):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if granted != 5 || denied != 15 {
		t.Fatalf("granted = %d, denied = %d, want 5/15", granted, denied)
	}
	if used := store.usedBy("user-1"); used != 5 {
		t.Errorf("used = %d, want exactly 5", used)
	}
}

func TestRegistryCancel(t *testing.T) {
	store := newMemStore()
	analyzer := newBlockingAnalyzer()
	reg := newTestRegistry(store, analyzer, config.Quota{FreeLimit: 5})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	sub, err := reg.Subscribe(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case <-analyzer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never reached the analyzer")
	}

	if err := reg.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Second cancel while winding down is a no-op.
	if err := reg.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	events := waitTerminal(t, sub)

	var cancelling int
	for _, ev := range events {
		if ev.Type == event.TypeTestCancelling {
			cancelling++
		}
	}
	if cancelling != 1 {
		t.Errorf("test_cancelling events = %d, want 1", cancelling)
	}

	last := events[len(events)-1]
	if last.Type != event.TypeTestCompleted {
		t.Fatalf("terminal event = %s, want %s", last.Type, event.TypeTestCompleted)
	}
	var payload event.CompletedPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.WasCancelled {
		t.Error("was_cancelled = false on a cancelled run")
	}

	got, err := reg.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != testrun.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, testrun.StatusCancelled)
	}
	if res := got.Results[persona.QA]; res == nil || res.Status != testrun.ResultCancelled {
		t.Errorf("qa result = %+v, want cancelled", res)
	}

	// Cancelling an already-terminal run stays a no-op.
	if err := reg.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel after terminal: %v", err)
	}
}

func TestRegistryCancelUnknownRun(t *testing.T) {
	reg := newTestRegistry(newMemStore(), fixedAnalyzer{}, config.Quota{FreeLimit: 5})
	if err := reg.Cancel(context.Background(), "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryCancelOrphanedStoredRun(t *testing.T) {
	store := newMemStore()
	orphan := &testrun.TestRun{
		ID:        "orphan-1",
		UserID:    "user-1",
		URL:       "https://example.com",
		Personas:  []persona.ID{persona.QA},
		Status:    testrun.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(context.Background(), orphan); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	// No controller exists for the row, as after a process restart.
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})
	if err := reg.Cancel(context.Background(), orphan.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := reg.GetResult(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != testrun.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, testrun.StatusCancelled)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on the cancelled run")
	}
	if got.Aggregate == nil {
		t.Error("aggregate not computed for the cancelled run")
	}

	// Now terminal, so a second cancel is a no-op.
	if err := reg.Cancel(context.Background(), orphan.ID); err != nil {
		t.Fatalf("Cancel after terminal: %v", err)
	}
}

func TestRegistryCancelRunFoundViaList(t *testing.T) {
	store := newMemStore()
	analyzer := newBlockingAnalyzer()
	reg := newTestRegistry(store, analyzer, config.Quota{FreeLimit: 5})

	started := make(chan error, 1)
	go func() {
		_, err := reg.StartRun(context.Background(), testrun.StartRequest{
			UserID:   "user-1",
			URL:      "https://example.com",
			Personas: []persona.ID{persona.QA},
		})
		started <- err
	}()

	// Discover the run through the listing alone, as a poller would, and
	// cancel it the moment it appears.
	var id string
	deadline := time.Now().Add(5 * time.Second)
	for id == "" {
		if time.Now().After(deadline) {
			t.Fatal("run never appeared in the listing")
		}
		runs, err := reg.ListRuns(context.Background(), "user-1", 10)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) > 0 {
			id = runs[0].ID
		}
	}
	if err := reg.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-started; err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitDeadline := time.Now().Add(10 * time.Second)
	for {
		got, err := reg.GetResult(context.Background(), id)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if got.Status.IsTerminal() {
			if got.Status != testrun.StatusCancelled {
				t.Fatalf("status = %s, want %s", got.Status, testrun.StatusCancelled)
			}
			return
		}
		if time.Now().After(waitDeadline) {
			t.Fatalf("run stuck in %s after cancel", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryGetResultUnknownRun(t *testing.T) {
	reg := newTestRegistry(newMemStore(), fixedAnalyzer{}, config.Quota{FreeLimit: 5})
	if _, err := reg.GetResult(context.Background(), "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := reg.Subscribe(context.Background(), "no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Subscribe err = %v, want ErrNotFound", err)
	}
}

func TestRegistryReapAndLateSubscribe(t *testing.T) {
	store := newMemStore()
	reg := service.NewRegistry(service.RegistryOptions{
		Store:    store,
		Engine:   fakeEngine{},
		Analyzer: fixedAnalyzer{},
		Quota:    service.NewQuotaService(store, config.Quota{FreeLimit: 5}),
		Config: config.Orchestrator{
			MaxConcurrentSessions: 3,
			MaxActions:            12,
			ActionsPerPhase:       3,
			StepRetries:           1,
			MaxStepFailures:       3,
			Retention:             time.Millisecond,
			GCInterval:            5 * time.Millisecond,
		},
		Logger: discardLogger(),
	})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	sub, _ := reg.Subscribe(context.Background(), run.ID)
	waitTerminal(t, sub)
	sub.Close()

	stop := reg.StartGC(context.Background())
	defer stop()

	deadline := time.After(5 * time.Second)
	for reg.LiveRuns() > 0 {
		select {
		case <-deadline:
			t.Fatal("run never reaped")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Late subscriber after the controller is gone still learns the outcome.
	late, err := reg.Subscribe(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("late Subscribe: %v", err)
	}
	events := waitTerminal(t, late)
	if len(events) != 1 || events[0].Type != event.TypeTestCompleted {
		t.Fatalf("late subscriber events = %+v, want single test_completed", events)
	}

	got, err := reg.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult after reap: %v", err)
	}
	if got.Status != testrun.StatusCompleted {
		t.Errorf("status after reap = %s, want completed", got.Status)
	}
}

func TestRegistryUsageAndPersonas(t *testing.T) {
	store := newMemStore()
	store.used["user-1"] = 2
	reg := newTestRegistry(store, fixedAnalyzer{}, config.Quota{FreeLimit: 5})

	rec, err := reg.CheckUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CheckUsage: %v", err)
	}
	if rec.Used != 2 || rec.Remaining != 3 || !rec.BetaActive {
		t.Errorf("usage = %+v, want used 2 / remaining 3 / beta active", rec)
	}

	if _, err := reg.CheckUsage(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty user err = %v, want ErrValidation", err)
	}

	personas := reg.Personas()
	if len(personas) != 5 {
		t.Fatalf("catalog size = %d, want 5", len(personas))
	}
	if personas[0].ID != persona.Performance {
		t.Errorf("first persona = %s, want %s", personas[0].ID, persona.Performance)
	}
}

func TestRegistryCleanRunOnLastSlot(t *testing.T) {
	store := newMemStore()
	store.used["user-1"] = 4
	reg := newTestRegistry(store, cleanAnalyzer{}, config.Quota{FreeLimit: 5})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.Security, persona.QA},
	})
	if err != nil {
		t.Fatalf("StartRun on the last slot: %v", err)
	}

	sub, err := reg.Subscribe(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitTerminal(t, sub)

	got, err := reg.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != testrun.StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, testrun.StatusCompleted)
	}
	if got.Aggregate == nil || got.Aggregate.TotalBugs != 0 {
		t.Fatalf("aggregate = %+v, want zero bugs", got.Aggregate)
	}
	if got.Aggregate.AvgScore != 10.0 {
		t.Errorf("avg score = %v, want 10.0", got.Aggregate.AvgScore)
	}

	rec, err := reg.CheckUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CheckUsage: %v", err)
	}
	if rec.Used != 5 || rec.Remaining != 0 {
		t.Errorf("usage after run = %+v, want used 5 / remaining 0", rec)
	}
}

func TestRegistryBetaGate(t *testing.T) {
	store := newMemStore()
	ended := config.Quota{FreeLimit: 5, BetaEnds: time.Now().Add(-time.Hour)}
	reg := newTestRegistry(store, fixedAnalyzer{}, ended)

	_, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.QA},
	})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded after beta end", err)
	}
	if used := store.usedBy("user-1"); used != 0 {
		t.Errorf("beta-gated request consumed %d slots", used)
	}
}

// crashSession panics on screenshot, simulating an agent goroutine blowing up
// mid-task.
type crashSession struct {
	fakeSession
}

func (crashSession) Screenshot(_ context.Context) ([]byte, error) {
	panic("screenshot buffer corrupted")
}

// crashEngine hands mobile sessions a crashing session and everyone else a
// healthy one.
type crashEngine struct{}

func (crashEngine) NewSession(_ context.Context, opts browser.SessionOptions) (browser.Session, error) {
	if opts.Mobile {
		return crashSession{}, nil
	}
	return fakeSession{}, nil
}

func TestRegistryAgentCrashIsIsolated(t *testing.T) {
	store := newMemStore()
	reg := service.NewRegistry(service.RegistryOptions{
		Store:    store,
		Engine:   crashEngine{},
		Analyzer: fixedAnalyzer{},
		Quota:    service.NewQuotaService(store, config.Quota{FreeLimit: 5}),
		Config:   testConfig(),
		Logger:   discardLogger(),
	})

	run, err := reg.StartRun(context.Background(), testrun.StartRequest{
		UserID:   "user-1",
		URL:      "https://example.com",
		Personas: []persona.ID{persona.Mobile, persona.QA},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	sub, err := reg.Subscribe(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events := waitTerminal(t, sub)

	last := events[len(events)-1]
	if last.Type != event.TypeTestCompleted {
		t.Fatalf("terminal event = %s, want %s", last.Type, event.TypeTestCompleted)
	}

	got, err := reg.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Status != testrun.StatusCompleted {
		t.Fatalf("status = %s, want completed despite one crashed agent", got.Status)
	}

	mobile := got.Results[persona.Mobile]
	if mobile == nil || mobile.Status != testrun.ResultFailed {
		t.Fatalf("mobile result = %+v, want failed", mobile)
	}
	qa := got.Results[persona.QA]
	if qa == nil || qa.Status != testrun.ResultCompleted {
		t.Fatalf("qa result = %+v, want completed", qa)
	}
	if len(qa.Bugs) != 1 {
		t.Errorf("qa bugs = %d, want 1", len(qa.Bugs))
	}
}
