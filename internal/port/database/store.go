// Package database defines the port interface for durable run and usage storage.
package database

import (
	"context"

	"github.com/sitesquad/sitesquad/internal/domain/testrun"
	"github.com/sitesquad/sitesquad/internal/domain/usage"
)

// Store is the persistence port. The orchestrator treats it as a key-value
// store with read-after-write consistency for its own writes.
type Store interface {
	// CreateRun persists a new run row in its pending state.
	CreateRun(ctx context.Context, run *testrun.TestRun) error

	// UpdateRunStatus records a non-terminal status transition.
	UpdateRunStatus(ctx context.Context, id string, status testrun.Status) error

	// SaveTerminalRun persists the terminal status, per-agent results and
	// aggregate of a finished run.
	SaveTerminalRun(ctx context.Context, run *testrun.TestRun) error

	// GetRun loads a run row with its results.
	// Returns domain.ErrNotFound when no such run exists.
	GetRun(ctx context.Context, id string) (*testrun.TestRun, error)

	// ListRunsByUser returns the user's most recent runs, newest first.
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]testrun.TestRun, error)

	// GetUsage reads the user's usage counter without mutating it.
	// A user with no recorded runs gets a zero-used record.
	GetUsage(ctx context.Context, userID string, limit int) (*usage.Record, error)

	// AdmitUsage atomically tests used < limit and increments on success.
	// Returns the post-admission record and whether the slot was granted.
	// Concurrent admissions for the same user must not over-admit.
	AdmitUsage(ctx context.Context, userID string, limit int) (*usage.Record, bool, error)
}
