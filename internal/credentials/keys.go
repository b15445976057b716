package credentials

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// quotaResetZone is where the listing API resets daily quotas.
var quotaResetZone = loadZone("America/Los_Angeles", -8*60*60)

func loadZone(name string, fallbackOffset int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, fallbackOffset)
	}
	return loc
}

// Reason says why a key was taken out of rotation.
type Reason string

const (
	ReasonQuota Reason = "quota"
	ReasonAuth  Reason = "auth"
	ReasonOther Reason = "error"
)

// KeyStatus is a read-only view of one key.
type KeyStatus struct {
	Index          int       `json:"index"`
	Hint           string    `json:"hint"`
	Exhausted      bool      `json:"exhausted"`
	ExhaustedUntil time.Time `json:"exhausted_until,omitempty"`
	Reason         Reason    `json:"reason,omitempty"`
}

type keyState struct {
	key            string
	exhaustedUntil time.Time
	reason         Reason
}

// CredentialSet is an ordered list of equivalent API keys with per-key
// exhaustion state. All access goes through one mutex per channel.
type CredentialSet struct {
	mu       sync.Mutex
	keys     []keyState
	cooldown time.Duration
	now      func() time.Time
}

// NewCredentialSet builds a set. cooldown applies to non-quota failures.
func NewCredentialSet(keys []string, cooldown time.Duration, now func() time.Time) *CredentialSet {
	if now == nil {
		now = time.Now
	}
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	set := &CredentialSet{cooldown: cooldown, now: now}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set.keys = append(set.keys, keyState{key: k})
		}
	}
	return set
}

// Len returns the number of keys configured.
func (c *CredentialSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Available returns keys usable right now, in configured order.
func (c *CredentialSet) Available() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.keys))
	for i := range c.keys {
		if c.keys[i].exhaustedUntil.After(now) {
			continue
		}
		out = append(out, c.keys[i].key)
	}
	return out
}

// MarkExhausted takes key out of rotation. Quota exhaustion lasts until the
// next daily reset; anything else lasts for the cooldown.
func (c *CredentialSet) MarkExhausted(key string, reason Reason) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	until := now.Add(c.cooldown)
	if reason == ReasonQuota {
		until = NextQuotaReset(now)
	}
	for i := range c.keys {
		if c.keys[i].key == key {
			c.keys[i].exhaustedUntil = until
			c.keys[i].reason = reason
		}
	}
	return until
}

// Reset returns every key to rotation.
func (c *CredentialSet) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.keys {
		c.keys[i].exhaustedUntil = time.Time{}
		c.keys[i].reason = ""
	}
}

// Status returns masked per-key state.
func (c *CredentialSet) Status() []KeyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]KeyStatus, 0, len(c.keys))
	for i, k := range c.keys {
		st := KeyStatus{Index: i, Hint: MaskKey(k.key)}
		if k.exhaustedUntil.After(now) {
			st.Exhausted = true
			st.ExhaustedUntil = k.exhaustedUntil
			st.Reason = k.reason
		}
		out = append(out, st)
	}
	return out
}

// NextQuotaReset returns the next midnight in the quota reset zone.
func NextQuotaReset(now time.Time) time.Time {
	local := now.In(quotaResetZone)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, quotaResetZone)
}

// MaskKey hides all but the ends of a key for logs and status output.
func MaskKey(k string) string {
	if len(k) <= 6 {
		return "***"
	}
	return k[:3] + "..." + k[len(k)-3:]
}
