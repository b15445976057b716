package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

const tunnelsJSON = `{"tunnels":[
 {"name":"cmd","public_url":"http://abc.ngrok.app","proto":"http","config":{"addr":"http://localhost:8080"}},
 {"name":"cmd (https)","public_url":"https://abc.ngrok.app","proto":"https","config":{"addr":"http://localhost:8080"}},
 {"name":"other","public_url":"https://other.ngrok.app","proto":"https","config":{"addr":"http://localhost:9999"}}
]}`

func TestPublicURLPrefersHTTPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tunnels" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(tunnelsJSON))
	}))
	defer srv.Close()

	tn := New(Options{APIURL: srv.URL}, nil)
	got, err := tn.PublicURL(context.Background(), 8080)
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if got != "https://abc.ngrok.app" {
		t.Fatalf("url = %q", got)
	}
	if _, err := tn.PublicURL(context.Background(), 7000); err == nil {
		t.Fatalf("expected error for unforwarded port")
	}
}

type fakeProcess struct{ stopped *atomic.Bool }

func (p fakeProcess) Stop() error {
	p.stopped.Store(true)
	return nil
}

type fakeStarter struct {
	started atomic.Bool
	stopped atomic.Bool
	args    []string
}

func (f *fakeStarter) Start(_ context.Context, _ string, args []string) (Process, error) {
	f.args = args
	f.started.Store(true)
	return fakeProcess{stopped: &f.stopped}, nil
}

func TestEnsureStartsAgentWhenMissing(t *testing.T) {
	starter := &fakeStarter{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !starter.started.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(tunnelsJSON))
	}))
	defer srv.Close()

	tn := New(Options{APIURL: srv.URL, AuthToken: "tok", Starter: starter, Wait: 5 * time.Second}, nil)
	got, err := tn.Ensure(context.Background(), 8080)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if got != "https://abc.ngrok.app" {
		t.Fatalf("url = %q", got)
	}
	if len(starter.args) < 4 || starter.args[0] != "http" || starter.args[1] != "8080" || starter.args[3] != "tok" {
		t.Fatalf("args = %v", starter.args)
	}
	if err := tn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !starter.stopped.Load() {
		t.Fatalf("agent not stopped")
	}
}

func TestEnsureWithoutTokenIsConfigurationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	tn := New(Options{APIURL: srv.URL}, nil)
	_, err := tn.Ensure(context.Background(), 8080)
	if domain.KindOf(err) != domain.KindConfigurationInvalid {
		t.Fatalf("kind = %s", domain.KindOf(err))
	}
}
