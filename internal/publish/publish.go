// Package publish uploads rendered media to the destination account. Two
// strategies share one contract so the pipeline never branches on method.
package publish

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samvad-hq/vidrelay/internal/credentials"
	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

// Media is the rendered file plus the metadata posted with it.
type Media struct {
	Path      string
	Title     string
	SourceID  string
	SourceURL string
}

// Result is a successful publish.
type Result struct {
	PlatformID  string    `json:"platform_id"`
	Strategy    string    `json:"strategy"`
	Attempts    int       `json:"attempts"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher publishes one media file using the given session.
type Publisher interface {
	Publish(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error)

func (f Func) Publish(ctx context.Context, media Media, session credentials.SessionMaterial) (Result, error) {
	return f(ctx, media, session)
}

// StatusError maps an HTTP status to a domain error. 2xx returns nil.
func StatusError(op string, status int, retryAfter string, body []byte, now time.Time) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return domain.RateLimited(op, ParseRetryAfter(retryAfter, now),
			fmt.Errorf("status %d: %s", status, httpclient.Snippet(body)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Errorf(domain.KindSessionInvalid, op, "status %d: %s", status, httpclient.Snippet(body))
	case status == http.StatusRequestTimeout || status >= 500:
		err := domain.Errorf(domain.KindTransientNetwork, op, "status %d: %s", status, httpclient.Snippet(body))
		if hint := ParseRetryAfter(retryAfter, now); hint > 0 {
			return domain.RateLimited(op, hint, err)
		}
		return err
	default:
		return domain.Errorf(domain.KindContentDefect, op, "status %d: %s", status, httpclient.Snippet(body))
	}
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// HTTPCookies converts session cookies for net/http based clients.
func HTTPCookies(sm credentials.SessionMaterial) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(sm.Cookies))
	for _, c := range sm.Cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if exp := c.Expires(); !exp.IsZero() {
			hc.Expires = exp
		}
		out = append(out, hc)
	}
	return out
}
