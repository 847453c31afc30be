// Package ws implements the WebSocket adapter that streams run events to
// clients in real time.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/service"
)

// RunStreams is the slice of the orchestrator the streamer needs.
type RunStreams interface {
	Subscribe(ctx context.Context, id string) (*service.Subscription, error)
}

// Frame is the envelope for control messages on the stream. Run events are
// written as-is; control frames carry only a type and optional run id.
type Frame struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

// Streamer upgrades /ws/{id} requests and forwards the run's event stream.
// A client disconnect only detaches the subscription; the run keeps going.
type Streamer struct {
	streams   RunStreams
	keepalive time.Duration
	logger    *slog.Logger
}

// NewStreamer creates a Streamer.
func NewStreamer(streams RunStreams, keepalive time.Duration, logger *slog.Logger) *Streamer {
	return &Streamer{streams: streams, keepalive: keepalive, logger: logger}
}

// Handle is the HTTP entrypoint for one run's event stream.
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	sub, err := s.streams.Subscribe(r.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, "run not found", status)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "run_id", runID, "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsWriter{conn: conn}

	if err := wc.writeJSON(ctx, Frame{Type: "connected", RunID: runID}); err != nil {
		return
	}
	s.logger.Debug("stream attached", "run_id", runID, "remote", r.RemoteAddr)

	// Read loop: consume client frames, answer pings, detect disconnects.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type == "ping" {
				if err := wc.writeJSON(ctx, Frame{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.writeJSON(ctx, Frame{Type: "keepalive"}); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Terminal event delivered; close out cleanly.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("event marshal failed", "run_id", runID, "error", err)
				continue
			}
			if err := wc.write(ctx, data); err != nil {
				return
			}
		}
	}
}

// wsWriter serializes writes; the websocket library allows one writer at a
// time and the pong path races the event path.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWriter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(ctx, data)
}
