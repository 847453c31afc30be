// Package testrun defines the TestRun domain entity: one request to test one
// URL with one or more personas, and everything the run produces.
package testrun

import (
	"fmt"
	"net/url"
	"time"

	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/domain/persona"
)

// Status represents the lifecycle state of a test run.
// Transitions are monotonic: pending → running → {completed, cancelling → cancelled, failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// TestRun represents one orchestrated test of a target URL.
// It is owned exclusively by its run controller while active and becomes an
// immutable record once terminal.
type TestRun struct {
	ID          string                        `json:"id"`
	UserID      string                        `json:"user_id"`
	URL         string                        `json:"url"`
	Personas    []persona.ID                  `json:"personas"`
	Status      Status                        `json:"status"`
	Results     map[persona.ID]*AgentResult   `json:"results,omitempty"`
	Aggregate   *Aggregate                    `json:"aggregate,omitempty"`
	Error       string                        `json:"error,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
	CompletedAt *time.Time                    `json:"completed_at,omitempty"`
}

// StartRequest holds the fields needed to start a new test run.
type StartRequest struct {
	UserID   string       `json:"user_id"`
	URL      string       `json:"url"`
	Personas []persona.ID `json:"personas"`
}

const maxURLLength = 2000

// Validate checks a StartRequest: absolute http/https URL, non-empty persona
// set drawn from the catalog, no duplicates.
func (r *StartRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if r.URL == "" {
		return fmt.Errorf("url is required: %w", domain.ErrValidation)
	}
	if len(r.URL) > maxURLLength {
		return fmt.Errorf("url too long (max %d chars): %w", maxURLLength, domain.ErrValidation)
	}
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute with http or https scheme: %w", domain.ErrValidation)
	}
	if len(r.Personas) == 0 {
		return fmt.Errorf("select at least one persona: %w", domain.ErrValidation)
	}
	seen := make(map[persona.ID]bool, len(r.Personas))
	for _, id := range r.Personas {
		if !persona.Valid(id) {
			return fmt.Errorf("unknown persona %q: %w", id, domain.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("duplicate persona %q: %w", id, domain.ErrValidation)
		}
		seen[id] = true
	}
	return nil
}

// Clone returns a deep copy of the run, safe to hand to callers while the
// controller keeps mutating the original.
func (t *TestRun) Clone() *TestRun {
	cp := *t
	cp.Personas = append([]persona.ID(nil), t.Personas...)
	if t.Results != nil {
		cp.Results = make(map[persona.ID]*AgentResult, len(t.Results))
		for id, res := range t.Results {
			r := *res
			r.Bugs = append([]Bug(nil), res.Bugs...)
			cp.Results[id] = &r
		}
	}
	if t.Aggregate != nil {
		agg := *t.Aggregate
		cp.Aggregate = &agg
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		cp.CompletedAt = &done
	}
	return &cp
}
