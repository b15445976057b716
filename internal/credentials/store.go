package credentials

import (
	"time"

	"github.com/samvad-hq/vidrelay/pkg/channels"
)

// Store bundles everything one channel needs to authenticate: listing keys,
// destination session, proxy and user agent. One Store per channel.
type Store struct {
	ChannelID string
	Keys      *CredentialSet
	Session   *Session
	Proxy     *channels.Proxy
	UserAgent string
}

// Options tunes NewStore.
type Options struct {
	Cooldown        time.Duration
	RequiredCookies []string
	Now             func() time.Time
}

// NewStore builds the credential store for a validated channel.
func NewStore(cfg channels.ChannelConfig, opts Options) (*Store, error) {
	session, err := LoadSession(cfg.Destination.SessionFile, opts.RequiredCookies, opts.Now)
	if err != nil {
		return nil, err
	}
	st := &Store{
		ChannelID: cfg.ID,
		Keys:      NewCredentialSet(cfg.APIKeys, opts.Cooldown, opts.Now),
		Session:   session,
		UserAgent: cfg.UserAgent,
	}
	if p, ok := cfg.ProxySpec(); ok {
		st.Proxy = &p
	}
	return st, nil
}

// ProxyURL returns the proxy as a URL, or "" when none is configured.
func (s *Store) ProxyURL() string {
	if s == nil || s.Proxy == nil {
		return ""
	}
	return s.Proxy.URL()
}
