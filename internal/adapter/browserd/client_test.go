package browserd_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sitesquad/sitesquad/internal/adapter/browserd"
	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/port/browser"
)

func testBrowserConfig(url string) config.Browser {
	return config.Browser{
		URL:             url,
		CallTimeout:     5 * time.Second,
		NavigateTimeout: 5 * time.Second,
	}
}

func TestNewSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}

		var opts browser.SessionOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			t.Fatalf("decode options: %v", err)
		}
		if opts.ViewportWidth != 375 || !opts.Mobile {
			t.Fatalf("options not forwarded: %+v", opts)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
	}))
	defer srv.Close()

	engine := browserd.NewEngine(testBrowserConfig(srv.URL))
	sess, err := engine.NewSession(context.Background(), browser.SessionOptions{
		ViewportWidth:  375,
		ViewportHeight: 812,
		Mobile:         true,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if sess == nil {
		t.Fatal("nil session")
	}
}

func TestSessionCalls(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/sessions":
			_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
		case "POST /v1/sessions/sess-1/navigate":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["url"] != "https://example.com" {
				t.Fatalf("navigate url = %q", body["url"])
			}
			_, _ = w.Write([]byte(`{}`))
		case "POST /v1/sessions/sess-1/act":
			_, _ = w.Write([]byte(`{"ok":true,"detail":"clicked"}`))
		case "GET /v1/sessions/sess-1/screenshot":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"data": base64.StdEncoding.EncodeToString(png),
			})
		case "DELETE /v1/sessions/sess-1":
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	engine := browserd.NewEngine(testBrowserConfig(srv.URL))
	sess, err := engine.NewSession(context.Background(), browser.SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := sess.Navigate(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	obs, err := sess.Act(context.Background(), "Click the login button")
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if !obs.OK || obs.Detail != "clicked" {
		t.Fatalf("observation = %+v", obs)
	}

	shot, err := sess.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(shot) != string(png) {
		t.Fatalf("screenshot bytes = %v, want %v", shot, png)
	}

	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionGoneIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
			return
		}
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	engine := browserd.NewEngine(testBrowserConfig(srv.URL))
	sess, err := engine.NewSession(context.Background(), browser.SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	_, err = sess.Screenshot(context.Background())
	if !errors.Is(err, browser.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
}

func TestServerErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sessions" {
			_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
			return
		}
		http.Error(w, "element not found", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	engine := browserd.NewEngine(testBrowserConfig(srv.URL))
	sess, err := engine.NewSession(context.Background(), browser.SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	_, err = sess.Act(context.Background(), "Click nothing")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, browser.ErrFatal) {
		t.Fatalf("err = %v, should not be fatal", err)
	}
}
