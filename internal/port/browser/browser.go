// Package browser defines the port for the external page-automation engine.
package browser

import (
	"context"
	"errors"
)

// ErrFatal wraps engine errors that end an agent task (target unreachable,
// session crash). Errors not wrapping ErrFatal are recoverable step failures.
var ErrFatal = errors.New("browser: fatal")

// SessionOptions configure a new browser session.
type SessionOptions struct {
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Mobile         bool   `json:"mobile"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// Observation is the engine's description of what an action did.
type Observation struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Session is one live browser page under automation. Calls block with a
// bounded timeout enforced by the adapter; they are not indefinite waits.
type Session interface {
	// Navigate loads the given URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// Act performs a natural-language instruction (click, type, scroll)
	// against the current page.
	Act(ctx context.Context, instruction string) (*Observation, error)

	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the session.
	Close(ctx context.Context) error
}

// Engine creates browser sessions.
type Engine interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}
