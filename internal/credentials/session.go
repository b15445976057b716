package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

// Cookie is one cookie record as exported by browser cookie extensions.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
	Session        bool    `json:"session,omitempty"`
}

// Expires returns the cookie expiry, or zero for session cookies.
func (c Cookie) Expires() time.Time {
	if c.Session || c.ExpirationDate <= 0 {
		return time.Time{}
	}
	sec := int64(c.ExpirationDate)
	return time.Unix(sec, 0)
}

// SessionMaterial is the destination account's cookie bundle.
type SessionMaterial struct {
	URL     string   `json:"url"`
	Cookies []Cookie `json:"cookies"`
}

// ParseSessionMaterial decodes either {"url":..., "cookies":[...]} or a bare
// cookie array.
func ParseSessionMaterial(raw []byte) (SessionMaterial, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return SessionMaterial{}, errors.New("session export is empty")
	}
	var sm SessionMaterial
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &sm.Cookies); err != nil {
			return SessionMaterial{}, fmt.Errorf("decode cookie array: %w", err)
		}
	} else if err := json.Unmarshal([]byte(trimmed), &sm); err != nil {
		return SessionMaterial{}, fmt.Errorf("decode session export: %w", err)
	}
	for i := range sm.Cookies {
		sm.Cookies[i].Name = strings.TrimSpace(sm.Cookies[i].Name)
		if sm.Cookies[i].Path == "" {
			sm.Cookies[i].Path = "/"
		}
	}
	return sm, nil
}

// Cookie returns the first cookie with the given name.
func (s SessionMaterial) Cookie(name string) (Cookie, bool) {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// Validate checks that every required auth cookie is present, non-empty and unexpired.
func (s SessionMaterial) Validate(required []string, now time.Time) error {
	if len(s.Cookies) == 0 {
		return domain.Errorf(domain.KindSessionInvalid, "validate session", "no cookies")
	}
	for _, name := range required {
		c, ok := s.Cookie(name)
		if !ok || strings.TrimSpace(c.Value) == "" {
			return domain.Errorf(domain.KindSessionInvalid, "validate session", "required cookie %q missing", name)
		}
		if exp := c.Expires(); !exp.IsZero() && !exp.After(now) {
			return domain.Errorf(domain.KindSessionInvalid, "validate session", "cookie %q expired at %s", name, exp.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// Session holds one channel's SessionMaterial. It is read-only to the pipeline
// and changes only on Reload or Invalidate.
type Session struct {
	mu       sync.RWMutex
	path     string
	required []string
	now      func() time.Time
	material SessionMaterial
	invalid  error
	loadedAt time.Time
}

// LoadSession imports the session file once. A validation failure is stored,
// not returned, so the channel can still detect while publishing is halted.
func LoadSession(path string, required []string, now func() time.Time) (*Session, error) {
	if now == nil {
		now = time.Now
	}
	s := &Session{path: path, required: required, now: now}
	if err := s.Reload(); err != nil && domain.KindOf(err) != domain.KindSessionInvalid {
		return nil, err
	}
	return s, nil
}

// NewStaticSession wraps already-parsed material.
func NewStaticSession(sm SessionMaterial, required []string) *Session {
	s := &Session{required: required, now: time.Now, material: sm, loadedAt: time.Now()}
	s.invalid = sm.Validate(required, s.now())
	return s
}

// Reload re-imports the session file and revalidates it.
func (s *Session) Reload() error {
	if strings.TrimSpace(s.path) == "" {
		return domain.Errorf(domain.KindConfigurationInvalid, "load session", "session file not configured")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		err = domain.Wrap(domain.KindSessionInvalid, "load session", err)
		s.mu.Lock()
		s.invalid = err
		s.mu.Unlock()
		return err
	}
	sm, err := ParseSessionMaterial(raw)
	if err != nil {
		err = domain.Wrap(domain.KindSessionInvalid, "load session", err)
	} else {
		err = sm.Validate(s.required, s.now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil || sm.Cookies != nil {
		s.material = sm
	}
	s.invalid = err
	s.loadedAt = s.now()
	return err
}

// Current returns the material, or a SessionInvalid error when it cannot be used.
func (s *Session) Current() (SessionMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalid != nil {
		return SessionMaterial{}, s.invalid
	}
	if err := s.material.Validate(s.required, s.now()); err != nil {
		return SessionMaterial{}, err
	}
	return s.material, nil
}

// Invalidate marks the session unusable until the next Reload.
func (s *Session) Invalidate(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if domain.KindOf(cause) != domain.KindSessionInvalid {
		cause = domain.Wrap(domain.KindSessionInvalid, "publish", cause)
	}
	s.invalid = cause
}

// Valid reports whether Current would succeed.
func (s *Session) Valid() bool {
	_, err := s.Current()
	return err == nil
}

// Path returns the backing file.
func (s *Session) Path() string { return s.path }
