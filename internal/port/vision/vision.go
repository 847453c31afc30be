// Package vision defines the port for the vision-capable model service that
// inspects screenshots and narrates findings.
package vision

import (
	"context"

	"github.com/sitesquad/sitesquad/internal/domain/testrun"
)

// Request carries the evaluation context for one screenshot analysis.
type Request struct {
	Prompt      string // persona methodology + phase instruction
	URL         string // page under test
	WantsAction bool   // ask the model to pick the next page action
}

// Action is the model's choice of next step on the page.
type Action struct {
	Type   string `json:"type"` // click, type, scroll, skip, done
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Findings is the structured result of one analysis call.
type Findings struct {
	Thought    string        `json:"thought"`
	Bugs       []testrun.Bug `json:"bugs"`
	Action     *Action       `json:"action,omitempty"`
	Assessment string        `json:"overall_assessment,omitempty"`
}

// Analyzer submits a screenshot plus context to the vision model.
// Calls may fail or time out; the first occurrence is a recoverable step
// failure for the caller.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, req Request) (*Findings, error)
}
