package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetPageSendsUserAgentAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "relay-test/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Accept-Language"); got != "en-US" {
			t.Errorf("Accept-Language = %q", got)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	client := NewRestyClientWithOptions(Options{Timeout: 2 * time.Second, UserAgent: "relay-test/1.0"})
	status, body, err := client.GetPage(context.Background(), srv.URL, map[string]string{"Accept-Language": "en-US"})
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", status)
	}
	if string(body) != "busy" {
		t.Fatalf("body = %q", body)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	if got := Snippet(long); len(got) != 515 {
		t.Fatalf("len = %d", len(got))
	}
	if Snippet(nil) != "<empty>" {
		t.Fatalf("empty snippet")
	}
}
