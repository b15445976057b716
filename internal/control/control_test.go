package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/scheduler"
	"github.com/samvad-hq/vidrelay/internal/status"
)

type fakeController struct {
	started   []string
	stopped   []string
	triggered []RunRequest
	triggerFn func(id, url string, force bool) (domain.ItemDescriptor, error)
}

func (f *fakeController) Summary() Summary {
	return Summary{Channels: 1, Running: 1, GlobalConcurrency: 4}
}

func (f *fakeController) Channels() []ChannelView {
	return []ChannelView{{ID: "c1", Name: "One", Enabled: true, Running: true}}
}

func (f *fakeController) Channel(id string) (ChannelDetail, error) {
	if id != "c1" {
		return ChannelDetail{}, ErrUnknownChannel
	}
	return ChannelDetail{ChannelView: ChannelView{ID: "c1", Running: true}, SessionValid: true}, nil
}

func (f *fakeController) Start(id string) error {
	if id != "c1" {
		return ErrUnknownChannel
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeController) Stop(id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeController) Trigger(id, rawURL string, force bool) (domain.ItemDescriptor, error) {
	f.triggered = append(f.triggered, RunRequest{URL: rawURL, Force: force})
	if f.triggerFn != nil {
		return f.triggerFn(id, rawURL, force)
	}
	return domain.ItemDescriptor{ChannelID: id, SourceID: "vid1", Source: domain.SourceManual}, nil
}

func (f *fakeController) ReloadSession(string) error {
	return domain.Errorf(domain.KindSessionInvalid, "load session", "required cookie missing")
}

func (f *fakeController) Logs(id string, limit int) ([]status.LogLine, error) {
	lines := []status.LogLine{{Level: "info", Message: "a"}, {Level: "warn", Message: "b"}}
	if limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

func (f *fakeController) Events(string, int) ([]domain.ProgressEvent, error) {
	return []domain.ProgressEvent{{RunID: "r1", To: domain.StageFetching}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutesStatusCodes(t *testing.T) {
	ctl := &fakeController{}
	h := NewServer(ctl, "", nil).Routes()

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/channels", "", http.StatusOK},
		{http.MethodGet, "/api/channels/c1", "", http.StatusOK},
		{http.MethodGet, "/api/channels/nope", "", http.StatusNotFound},
		{http.MethodPost, "/api/channels/c1/start", "", http.StatusAccepted},
		{http.MethodPost, "/api/channels/nope/start", "", http.StatusNotFound},
		{http.MethodPost, "/api/channels/c1/stop", "", http.StatusAccepted},
		{http.MethodPost, "/api/channels/c1/runs", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`, http.StatusAccepted},
		{http.MethodPost, "/api/channels/c1/runs", `{"url":""}`, http.StatusBadRequest},
		{http.MethodPost, "/api/channels/c1/runs", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/api/channels/c1/session/reload", "", http.StatusUnprocessableEntity},
		{http.MethodGet, "/api/channels/c1/logs?limit=1", "", http.StatusOK},
		{http.MethodGet, "/api/channels/c1/events", "", http.StatusOK},
		{http.MethodDelete, "/api/channels/c1", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		w := do(t, h, tc.method, tc.path, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s %s = %d, want %d (body %s)", tc.method, tc.path, w.Code, tc.want, w.Body.String())
		}
	}
	if len(ctl.started) != 1 || len(ctl.stopped) != 1 || len(ctl.triggered) != 1 {
		t.Fatalf("controller calls: %+v", ctl)
	}
}

func TestRunConflicts(t *testing.T) {
	ctl := &fakeController{triggerFn: func(string, string, bool) (domain.ItemDescriptor, error) {
		return domain.ItemDescriptor{}, scheduler.ErrDuplicate
	}}
	h := NewServer(ctl, "", nil).Routes()
	w := do(t, h, http.MethodPost, "/api/channels/c1/runs", `{"url":"dQw4w9WgXcQ"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", w.Code)
	}

	ctl.triggerFn = func(string, string, bool) (domain.ItemDescriptor, error) {
		return domain.ItemDescriptor{}, domain.Errorf(domain.KindConfigurationInvalid, "manual", "not a video url")
	}
	w = do(t, h, http.MethodPost, "/api/channels/c1/runs", `{"url":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", w.Code)
	}
}

func TestBearerToken(t *testing.T) {
	h := NewServer(&fakeController{}, "secret", nil).Routes()
	if w := do(t, h, http.MethodGet, "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctl := &fakeController{}
	srv := httptest.NewServer(NewServer(ctl, "tok", nil).Routes())
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	ctx := context.Background()

	sum, err := c.Summary(ctx)
	if err != nil || sum.GlobalConcurrency != 4 {
		t.Fatalf("Summary = %+v, %v", sum, err)
	}
	chs, err := c.Channels(ctx)
	if err != nil || len(chs) != 1 || chs[0].ID != "c1" {
		t.Fatalf("Channels = %+v, %v", chs, err)
	}
	run, err := c.Trigger(ctx, "c1", "https://youtu.be/dQw4w9WgXcQ", true)
	if err != nil || run.Item.SourceID != "vid1" {
		t.Fatalf("Trigger = %+v, %v", run, err)
	}
	if !ctl.triggered[0].Force {
		t.Fatalf("force flag not forwarded")
	}
	logs, err := c.Logs(ctx, "c1", 1)
	if err != nil || len(logs.Lines) != 1 || logs.Lines[0].Message != "b" {
		t.Fatalf("Logs = %+v, %v", logs, err)
	}
	if _, err := c.Channel(ctx, "nope"); err == nil || !strings.Contains(err.Error(), "unknown channel") {
		t.Fatalf("Channel(nope) err = %v", err)
	}
	if err := c.ReloadSession(ctx, "c1"); err == nil {
		t.Fatalf("expected reload error")
	}
}
