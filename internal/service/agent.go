package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	ssotel "github.com/sitesquad/sitesquad/internal/adapter/otel"
	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/domain/event"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/port/browser"
	"github.com/sitesquad/sitesquad/internal/port/vision"
)

// agentTask drives one persona against one target URL: a bounded sequence of
// navigate/act/observe steps with a screenshot analysis per step. It owns no
// shared state; the controller collects its result.
type agentTask struct {
	runID    string
	persona  persona.Persona
	url      string
	bus      *Bus
	engine   browser.Engine
	analyzer vision.Analyzer
	sessions *semaphore.Weighted
	cfg      config.Orchestrator

	bugs         []testrun.Bug
	seenTitles   map[string]bool
	assessment   string
	stepFailures int
	actions      int
	started      time.Time
}

func newAgentTask(runID string, p persona.Persona, url string, bus *Bus,
	engine browser.Engine, analyzer vision.Analyzer,
	sessions *semaphore.Weighted, cfg config.Orchestrator) *agentTask {
	return &agentTask{
		runID:      runID,
		persona:    p,
		url:        url,
		bus:        bus,
		engine:     engine,
		analyzer:   analyzer,
		sessions:   sessions,
		cfg:        cfg,
		seenTitles: make(map[string]bool),
	}
}

// run executes the full structured test. It always returns a result and
// emits exactly one persona_completed event; the cancellation signal is
// checked between steps, never mid-step.
func (a *agentTask) run(ctx context.Context) *testrun.AgentResult {
	a.started = time.Now()

	// Cap on live browser sessions across the whole process.
	if err := a.sessions.Acquire(ctx, 1); err != nil {
		return a.finish(testrun.ResultCancelled, "Cancelled before the browser session started.")
	}
	defer a.sessions.Release(1)

	a.bus.Publish(event.PersonaStarted(a.runID, a.persona.ID))

	session, err := a.engine.NewSession(ctx, browser.SessionOptions{
		ViewportWidth:  a.persona.Viewport.Width,
		ViewportHeight: a.persona.Viewport.Height,
		Mobile:         a.persona.Viewport.Mobile,
		UserAgent:      a.persona.Viewport.UserAgent,
	})
	if err != nil {
		if cancelled(ctx) {
			return a.finish(testrun.ResultCancelled, "Cancelled before the browser session started.")
		}
		return a.finish(testrun.ResultFailed, fmt.Sprintf("Could not start a browser session: %v", trim(err)))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	// Phase 1: initial load.
	a.phase(persona.PhaseInitialLoad)
	if err := session.Navigate(ctx, a.url); err != nil {
		if cancelled(ctx) {
			return a.finish(testrun.ResultCancelled, "Cancelled during page load.")
		}
		a.addBug(testrun.Bug{
			Title:          "Page failed to load",
			Severity:       testrun.SeverityCritical,
			Description:    fmt.Sprintf("The page at %s did not load: %v", a.url, trim(err)),
			Impact:         "Users cannot access the site at all.",
			Recommendation: "Check server availability and DNS for the target URL.",
		})
		return a.finish(testrun.ResultFailed, "The target page could not be loaded.")
	}
	if st, done := a.checkpoint(ctx); done {
		return st
	}
	if failed := a.analyzeStep(ctx, session, persona.PhaseInitialLoad, false); failed {
		return a.finish(testrun.ResultFailed, "Too many automation failures during initial load.")
	}

	// Phases 2-5: action phases, up to cfg.ActionsPerPhase actions each.
	for _, ph := range persona.ActionPhases {
		if st, done := a.checkpoint(ctx); done {
			return st
		}
		a.phase(ph)
		if failed := a.runPhase(ctx, session, ph); failed {
			return a.finish(testrun.ResultFailed, fmt.Sprintf("Too many automation failures while testing %s.", ph))
		}
	}

	// Phase 6: final review.
	if st, done := a.checkpoint(ctx); done {
		return st
	}
	a.phase(persona.PhaseFinalReview)
	if failed := a.analyzeStep(ctx, session, persona.PhaseFinalReview, false); failed {
		return a.finish(testrun.ResultFailed, "Too many automation failures during final review.")
	}

	return a.finish(testrun.ResultCompleted, "")
}

// runPhase performs up to ActionsPerPhase act-observe-analyze iterations for
// one phase. Returns true when failures exhausted the task's budget.
func (a *agentTask) runPhase(ctx context.Context, session browser.Session, ph persona.Phase) bool {
	for i := 0; i < a.cfg.ActionsPerPhase; i++ {
		if cancelled(ctx) || a.actions >= a.cfg.MaxActions {
			return false
		}

		findings, ok := a.analyze(ctx, session, ph, true)
		if !ok {
			if a.exhausted() {
				return true
			}
			return false // skip the rest of this phase after a failed step
		}
		a.record(findings)

		act := findings.Action
		if act == nil || act.Type == "done" || act.Type == "skip" {
			return false
		}
		if err := a.execute(ctx, session, act); err != nil {
			a.stepFailures++
			slog.Debug("agent action failed",
				"run_id", a.runID, "persona", a.persona.ID, "action", act.Type, "error", err)
			if a.exhausted() {
				return true
			}
			continue
		}
		a.actions++
	}
	return false
}

// analyzeStep is a single screenshot-and-analyze pass with no page action.
func (a *agentTask) analyzeStep(ctx context.Context, session browser.Session, ph persona.Phase, wantsAction bool) bool {
	findings, ok := a.analyze(ctx, session, ph, wantsAction)
	if !ok {
		return a.exhausted()
	}
	a.record(findings)
	return false
}

// analyze captures a screenshot and submits it to the vision model with the
// persona's methodology. Failures are recoverable: they are retried a bounded
// number of times, then counted against the task's failure budget.
func (a *agentTask) analyze(ctx context.Context, session browser.Session, ph persona.Phase, wantsAction bool) (*vision.Findings, bool) {
	shot, err := session.Screenshot(ctx)
	if err != nil {
		if errors.Is(err, browser.ErrFatal) {
			a.stepFailures = a.cfg.MaxStepFailures // escalate immediately
			return nil, false
		}
		a.stepFailures++
		return nil, false
	}

	req := vision.Request{
		Prompt:      a.prompt(ph),
		URL:         a.url,
		WantsAction: wantsAction,
	}

	ctx, span := ssotel.StartVisionSpan(ctx, a.runID, string(a.persona.ID), string(ph))
	defer span.End()

	var findings *vision.Findings
	for attempt := 0; attempt <= a.cfg.StepRetries; attempt++ {
		if cancelled(ctx) {
			return nil, false
		}
		findings, err = a.analyzer.Analyze(ctx, shot, req)
		if err == nil {
			return findings, true
		}
	}
	a.stepFailures++
	slog.Debug("vision analysis failed",
		"run_id", a.runID, "persona", a.persona.ID, "phase", ph, "error", err)
	return nil, false
}

// record folds one set of findings into the task state and emits events.
func (a *agentTask) record(f *vision.Findings) {
	if f.Thought != "" {
		a.bus.Publish(event.Action(a.runID, a.persona.ID, f.Thought))
	}
	for _, bug := range f.Bugs {
		a.addBug(bug)
	}
	if f.Assessment != "" {
		a.assessment = f.Assessment
	}
}

// addBug deduplicates by title, stamps ownership and emits bug_found
// immediately so observers see bugs as they are discovered.
func (a *agentTask) addBug(bug testrun.Bug) {
	if bug.Title == "" || a.seenTitles[bug.Title] {
		return
	}
	if !bug.Severity.Valid() {
		bug.Severity = testrun.SeverityMedium
	}
	bug.FoundBy = a.persona.ID
	a.seenTitles[bug.Title] = true
	a.bugs = append(a.bugs, bug)
	a.bus.Publish(event.BugFound(a.runID, a.persona.ID, bug))
}

// execute translates the model's chosen action into an automation call.
func (a *agentTask) execute(ctx context.Context, session browser.Session, act *vision.Action) error {
	var instruction string
	switch act.Type {
	case "click":
		instruction = fmt.Sprintf("Click the element labeled %q", act.Target)
	case "type":
		text := act.Text
		if text == "" {
			text = "test@example.com"
		}
		instruction = fmt.Sprintf("Type %q into the first visible input field", text)
	case "scroll":
		instruction = "Scroll down one viewport"
	default:
		return fmt.Errorf("unknown action type %q", act.Type)
	}

	obs, err := session.Act(ctx, instruction)
	if err != nil {
		return err
	}
	if !obs.OK {
		return fmt.Errorf("action had no effect: %s", obs.Detail)
	}
	return nil
}

// checkpoint is the cooperative cancellation check between steps.
func (a *agentTask) checkpoint(ctx context.Context) (*testrun.AgentResult, bool) {
	if cancelled(ctx) {
		return a.finish(testrun.ResultCancelled, ""), true
	}
	return nil, false
}

func (a *agentTask) exhausted() bool {
	return a.stepFailures >= a.cfg.MaxStepFailures
}

func (a *agentTask) phase(ph persona.Phase) {
	a.bus.Publish(event.PhaseChanged(a.runID, a.persona.ID, string(ph)))
}

// prompt assembles the vision request for the current phase.
func (a *agentTask) prompt(ph persona.Phase) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %s.\n%s\n\nCURRENT PHASE: %s\n",
		a.persona.Name, a.persona.Role, a.persona.Prompt, ph)
	if len(a.persona.Checklist) > 0 {
		sb.WriteString("\nYOUR CHECKLIST:\n")
		for _, item := range a.persona.Checklist {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
	}
	if ph == persona.PhaseFinalReview {
		fmt.Fprintf(&sb, "\nFound %d issues so far. Look one final time for anything missed, focusing on %s, and give an overall assessment.\n",
			len(a.bugs), a.persona.Focus)
	}
	return sb.String()
}

// finish builds the single AgentResult for this task and emits the
// persona_completed terminal event.
func (a *agentTask) finish(status testrun.ResultStatus, detail string) *testrun.AgentResult {
	res := &testrun.AgentResult{
		Persona:      a.persona.ID,
		Status:       status,
		Bugs:         a.bugs,
		QualityScore: testrun.Score(a.bugs),
		Summary:      a.summary(status, detail),
		DurationSec:  time.Since(a.started).Seconds(),
	}
	a.bus.Publish(event.PersonaCompleted(a.runID, res))
	return res
}

// summary writes the persona's report paragraph.
func (a *agentTask) summary(status testrun.ResultStatus, detail string) string {
	name := fmt.Sprintf("%s (%s)", a.persona.Name, a.persona.Role)

	var sb strings.Builder
	switch {
	case status == testrun.ResultFailed:
		fmt.Fprintf(&sb, "%s could not finish testing. %s", name, detail)
		if n := len(a.bugs); n > 0 {
			fmt.Fprintf(&sb, " %d issue(s) were recorded before the failure.", n)
		}
	case status == testrun.ResultCancelled:
		fmt.Fprintf(&sb, "%s stopped early on request. %d issue(s) found in the completed portion.", name, len(a.bugs))
	case len(a.bugs) == 0:
		fmt.Fprintf(&sb, "%s completed testing. No significant issues found in the areas tested.", name)
	default:
		var critical, high int
		for _, b := range a.bugs {
			switch b.Severity {
			case testrun.SeverityCritical:
				critical++
			case testrun.SeverityHigh:
				high++
			}
		}
		switch {
		case critical > 0:
			fmt.Fprintf(&sb, "%s found %d issues including %d critical. Immediate attention required.", name, len(a.bugs), critical)
		case high > 0:
			fmt.Fprintf(&sb, "%s found %d issues including %d high severity. Review recommended.", name, len(a.bugs), high)
		default:
			fmt.Fprintf(&sb, "%s found %d minor issues. The site is functional but has room for improvement.", name, len(a.bugs))
		}
	}
	if a.assessment != "" {
		fmt.Fprintf(&sb, " Assessment: %s", trimTo(a.assessment, 200))
	}
	return sb.String()
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func trim(err error) string {
	return trimTo(err.Error(), 120)
}

func trimTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
