// Package event defines the tagged union of observable run events.
package event

import (
	"encoding/json"
	"time"

	"github.com/sitesquad/sitesquad/internal/domain/persona"
	"github.com/sitesquad/sitesquad/internal/domain/testrun"
)

// Type identifies the kind of run event.
type Type string

const (
	TypePersonaStarted   Type = "persona_started"
	TypePhase            Type = "phase"
	TypeAction           Type = "action"
	TypeBugFound         Type = "bug_found"
	TypePersonaCompleted Type = "persona_completed"
	TypeTestCancelling   Type = "test_cancelling"
	TypeTestCompleted    Type = "test_completed"
	TypeTestFailed       Type = "test_failed"
)

// Event is one observable moment in a run. Events are append-only and ordered
// per run: Seq is assigned by the run's event bus in arrival order.
type Event struct {
	Type      Type            `json:"type"`
	RunID     string          `json:"run_id"`
	Persona   persona.ID      `json:"persona,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Terminal reports whether the event ends its run's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeTestCompleted || e.Type == TypeTestFailed
}

// PhasePayload accompanies TypePhase.
type PhasePayload struct {
	Phase string `json:"phase"`
}

// ActionPayload accompanies TypeAction: the agent's narrated reasoning.
type ActionPayload struct {
	Thought string `json:"thought"`
}

// BugPayload accompanies TypeBugFound.
type BugPayload struct {
	Bug testrun.Bug `json:"bug"`
}

// PersonaCompletedPayload accompanies TypePersonaCompleted.
type PersonaCompletedPayload struct {
	Status       testrun.ResultStatus `json:"status"`
	BugsCount    int                  `json:"bugs_count"`
	QualityScore float64              `json:"quality_score"`
}

// MessagePayload accompanies TypeTestCancelling and TypeTestFailed.
type MessagePayload struct {
	Message string `json:"message"`
}

// CompletedPayload accompanies TypeTestCompleted.
type CompletedPayload struct {
	WasCancelled bool               `json:"was_cancelled"`
	Aggregate    *testrun.Aggregate `json:"aggregate,omitempty"`
}

func newEvent(t Type, runID string, p persona.ID, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Event{
		Type:      t,
		RunID:     runID,
		Persona:   p,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
}

// PersonaStarted builds a persona_started event.
func PersonaStarted(runID string, p persona.ID) Event {
	return newEvent(TypePersonaStarted, runID, p, nil)
}

// PhaseChanged builds a phase event.
func PhaseChanged(runID string, p persona.ID, phase string) Event {
	return newEvent(TypePhase, runID, p, PhasePayload{Phase: phase})
}

// Action builds an action narration event.
func Action(runID string, p persona.ID, thought string) Event {
	return newEvent(TypeAction, runID, p, ActionPayload{Thought: thought})
}

// BugFound builds a bug_found event.
func BugFound(runID string, p persona.ID, bug testrun.Bug) Event {
	return newEvent(TypeBugFound, runID, p, BugPayload{Bug: bug})
}

// PersonaCompleted builds a persona_completed event from an agent result.
func PersonaCompleted(runID string, res *testrun.AgentResult) Event {
	return newEvent(TypePersonaCompleted, runID, res.Persona, PersonaCompletedPayload{
		Status:       res.Status,
		BugsCount:    len(res.Bugs),
		QualityScore: res.QualityScore,
	})
}

// TestCancelling builds a test_cancelling event.
func TestCancelling(runID, message string) Event {
	return newEvent(TypeTestCancelling, runID, "", MessagePayload{Message: message})
}

// TestCompleted builds the terminal event for a run that finished or was
// cancelled after partial work.
func TestCompleted(runID string, wasCancelled bool, agg *testrun.Aggregate) Event {
	return newEvent(TypeTestCompleted, runID, "", CompletedPayload{
		WasCancelled: wasCancelled,
		Aggregate:    agg,
	})
}

// TestFailed builds the terminal event for an orchestration-level fault.
func TestFailed(runID, message string) Event {
	return newEvent(TypeTestFailed, runID, "", MessagePayload{Message: message})
}
