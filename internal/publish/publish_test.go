package publish

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samvad-hq/vidrelay/internal/config"
	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/retry"
	"github.com/samvad-hq/vidrelay/pkg/channels"
)

var testSession = credentials.SessionMaterial{
	URL:     "https://dest.example",
	Cookies: []credentials.Cookie{{Name: "sessionid", Value: "abc", Path: "/"}},
}

func writeMedia(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rendered.mp4")
	if err := os.WriteFile(p, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAPIPublishSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if c, err := r.Cookie("sessionid"); err != nil || c.Value != "abc" {
			t.Errorf("missing session cookie")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		} else if r.FormValue("source_id") != "vid1" {
			t.Errorf("source_id = %q", r.FormValue("source_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status_code":0,"item_id":"plat-42"}`))
	}))
	defer srv.Close()

	p, err := NewAPIPublisher(APIOptions{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewAPIPublisher: %v", err)
	}
	res, err := p.Publish(context.Background(), Media{Path: writeMedia(t), SourceID: "vid1"}, testSession)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.PlatformID != "plat-42" || res.Strategy != StrategyAPI {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAPIPublishRateLimitedThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"status_code":0,"item_id":"plat-2"}`))
	}))
	defer srv.Close()

	api, err := NewAPIPublisher(APIOptions{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var slept []time.Duration
	runner := retry.Runner{
		Config: retry.Config{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2},
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	res, err := WithRetry(api, runner, nil).Publish(context.Background(), Media{Path: writeMedia(t), SourceID: "v"}, testSession)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Attempts != 2 || res.PlatformID != "plat-2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(slept) != 1 || slept[0] < 5*time.Second {
		t.Fatalf("expected one wait of at least 5s, got %v", slept)
	}
}

func TestAPIPublishAuthFailureNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	api, _ := NewAPIPublisher(APIOptions{BaseURL: srv.URL}, nil)
	runner := retry.Runner{
		Config: retry.Config{MaxAttempts: 4, InitialBackoff: time.Millisecond},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
	_, err := WithRetry(api, runner, nil).Publish(context.Background(), Media{Path: writeMedia(t)}, testSession)
	if domain.KindOf(err) != domain.KindSessionInvalid {
		t.Fatalf("kind = %s, want session_invalid", domain.KindOf(err))
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if got := AttemptsOf(err); got != 1 {
		t.Fatalf("AttemptsOf = %d, want 1", got)
	}
}

func TestRetryReportsAttemptsOnTerminalError(t *testing.T) {
	var calls int
	inner := Func(func(context.Context, Media, credentials.SessionMaterial) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, domain.Errorf(domain.KindTransientNetwork, "publish", "connection reset")
		}
		return Result{}, domain.Errorf(domain.KindContentDefect, "publish", "status 400")
	})
	runner := retry.Runner{
		Config: retry.Config{MaxAttempts: 5, InitialBackoff: time.Millisecond},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
	_, err := WithRetry(inner, runner, nil).Publish(context.Background(), Media{}, testSession)
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect", domain.KindOf(err))
	}
	if got := AttemptsOf(err); got != 3 {
		t.Fatalf("AttemptsOf = %d, want 3", got)
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("error = %v", err)
	}
}

func TestAPIPublishPlatformRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status_code":7,"status_msg":"video too short"}`))
	}))
	defer srv.Close()

	api, _ := NewAPIPublisher(APIOptions{BaseURL: srv.URL}, nil)
	_, err := api.Publish(context.Background(), Media{Path: writeMedia(t)}, testSession)
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect", domain.KindOf(err))
	}
}

func TestStatusError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[int]domain.Kind{
		200: "",
		401: domain.KindSessionInvalid,
		403: domain.KindSessionInvalid,
		429: domain.KindRateLimited,
		503: domain.KindTransientNetwork,
		413: domain.KindContentDefect,
	}
	for status, want := range cases {
		if got := domain.KindOf(StatusError("op", status, "", nil, now)); got != want {
			t.Fatalf("status %d: kind %q, want %q", status, got, want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("5", now); got != 5*time.Second {
		t.Fatalf("seconds form = %v", got)
	}
	date := now.Add(30 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 30*time.Second {
		t.Fatalf("date form = %v", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage = %v", got)
	}
}

func TestClassifyPage(t *testing.T) {
	sel := DefaultSelectors()
	cases := []struct {
		html string
		want PageState
	}{
		{`<html><body><input type="file"></body></html>`, PageReady},
		{`<html><body><form action="/login/submit"><input name="username"></form></body></html>`, PageLogin},
		{`<html><body><input type="file"><div id="captcha-verify-image"></div></body></html>`, PageChallenge},
		{`<html><body><p>loading</p></body></html>`, PageUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyPage(tc.html, sel); got != tc.want {
			t.Fatalf("ClassifyPage(%q) = %s, want %s", tc.html, got, tc.want)
		}
	}
}

func TestPublishedID(t *testing.T) {
	html := `<html><body><a href="https://dest.example/@acct/video/7301234567890?lang=en">view</a></body></html>`
	if got := PublishedID(html, DefaultSelectors()); got != "7301234567890" {
		t.Fatalf("PublishedID = %q", got)
	}
	if got := PublishedID(`<html></html>`, DefaultSelectors()); got != "" {
		t.Fatalf("PublishedID on empty page = %q", got)
	}
}

func TestRegistryBuild(t *testing.T) {
	cfg := &config.Config{PublishAPIURL: "http://localhost:1", BrowserUploadURL: "https://dest.example/upload"}
	reg := DefaultRegistry()

	if _, err := reg.Build(Deps{Config: cfg, Channel: channels.ChannelConfig{PublishMethod: "api"}}, retry.Runner{}); err != nil {
		t.Fatalf("api build: %v", err)
	}
	if _, err := reg.Build(Deps{Config: cfg, Channel: channels.ChannelConfig{PublishMethod: "browser"}}, retry.Runner{}); err != nil {
		t.Fatalf("browser build: %v", err)
	}
	_, err := reg.Build(Deps{Config: cfg, Channel: channels.ChannelConfig{PublishMethod: "carrier-pigeon"}}, retry.Runner{})
	if domain.KindOf(err) != domain.KindConfigurationInvalid {
		t.Fatalf("kind = %s, want configuration_invalid", domain.KindOf(err))
	}
}
