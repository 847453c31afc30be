// Package messagequeue defines the message queue port for the durable run
// event archive.
package messagequeue

import "context"

// Queue is the port interface for publishing run events to external consumers.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Drain gracefully flushes pending messages before closing.
	Drain() error

	// Close shuts down the connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// SubjectRunEvents is the subject prefix for archived run events; the run id
// is appended as the final token (runs.events.{run_id}).
const SubjectRunEvents = "runs.events"
