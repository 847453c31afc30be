// Package browserd provides an HTTP client for the browser-automation daemon.
// The daemon exposes session-scoped endpoints for navigation, natural-language
// page actions and screenshots.
package browserd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/port/browser"
	"github.com/sitesquad/sitesquad/internal/resilience"
)

// Engine implements browser.Engine against the automation daemon.
type Engine struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
	cfg        config.Browser
}

// NewEngine creates a new Engine for the daemon at cfg.URL.
func NewEngine(cfg config.Browser) *Engine {
	return &Engine{
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.NavigateTimeout,
		},
		cfg: cfg,
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (e *Engine) SetBreaker(b *resilience.Breaker) {
	e.breaker = b
}

// NewSession asks the daemon for a fresh browser context.
func (e *Engine) NewSession(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal session options: %w", err)
	}

	resp, err := e.doRequest(ctx, http.MethodPost, "/v1/sessions", body)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if created.SessionID == "" {
		return nil, fmt.Errorf("create session: daemon returned no session id")
	}

	return &session{engine: e, id: created.SessionID}, nil
}

// Health checks whether the daemon is reachable.
func (e *Engine) Health(ctx context.Context) error {
	_, err := e.doRequest(ctx, http.MethodGet, "/v1/health", nil)
	return err
}

func (e *Engine) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusGone {
			// The daemon reaped the session; the agent cannot continue.
			return fmt.Errorf("session gone: %w", browser.ErrFatal)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("browserd error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if e.breaker != nil {
		if err := e.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// session is one daemon-side browser context.
type session struct {
	engine *Engine
	id     string
}

func (s *session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.engine.cfg.NavigateTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return fmt.Errorf("marshal navigate: %w", err)
	}
	if _, err := s.engine.doRequest(navCtx, http.MethodPost, s.path("/navigate"), body); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (s *session) Act(ctx context.Context, instruction string) (*browser.Observation, error) {
	actCtx, cancel := context.WithTimeout(ctx, s.engine.cfg.CallTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"instruction": instruction})
	if err != nil {
		return nil, fmt.Errorf("marshal act: %w", err)
	}
	resp, err := s.engine.doRequest(actCtx, http.MethodPost, s.path("/act"), body)
	if err != nil {
		return nil, fmt.Errorf("act: %w", err)
	}

	var obs browser.Observation
	if err := json.Unmarshal(resp, &obs); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	return &obs, nil
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(ctx, s.engine.cfg.CallTimeout)
	defer cancel()

	resp, err := s.engine.doRequest(shotCtx, http.MethodGet, s.path("/screenshot"), nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	var shot struct {
		Data string `json:"data"` // base64 PNG
	}
	if err := json.Unmarshal(resp, &shot); err != nil {
		return nil, fmt.Errorf("unmarshal screenshot: %w", err)
	}
	png, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return png, nil
}

func (s *session) Close(ctx context.Context) error {
	if _, err := s.engine.doRequest(ctx, http.MethodDelete, s.path(""), nil); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *session) path(suffix string) string {
	return "/v1/sessions/" + s.id + suffix
}
