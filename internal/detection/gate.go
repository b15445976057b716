// Package detection discovers new items per channel through the listing API
// and push notifications, and admits each one at most once.
package detection

import (
	"fmt"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/storage"
)

// Verdict is the gate's decision for one item.
type Verdict string

const (
	Admitted  Verdict = "admitted"
	Stale     Verdict = "stale"
	Duplicate Verdict = "duplicate"
	Undated   Verdict = "undated"
)

// Gate applies the freshness window and then the persisted seen-set.
// Stale items never touch the seen-set.
type Gate struct {
	store     storage.Store
	channelID string
	freshness time.Duration
	now       func() time.Time
}

// NewGate builds a gate. A negative freshness disables the age check.
func NewGate(store storage.Store, channelID string, freshness time.Duration, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, channelID: channelID, freshness: freshness, now: now}
}

// Fresh reports whether item is inside the freshness window.
func (g *Gate) Fresh(item domain.ItemDescriptor) Verdict {
	if g.freshness < 0 {
		return Admitted
	}
	if item.PublishedAt.IsZero() {
		return Undated
	}
	if g.now().Sub(item.PublishedAt) > g.freshness {
		return Stale
	}
	return Admitted
}

// Admit checks freshness, then atomically marks the item seen. Only the first
// caller for a given item gets Admitted.
func (g *Gate) Admit(item domain.ItemDescriptor) (Verdict, error) {
	if v := g.Fresh(item); v != Admitted {
		return v, nil
	}
	return g.admitSeen(item)
}

// AdmitManual skips the freshness window for operator-requested runs.
func (g *Gate) AdmitManual(item domain.ItemDescriptor) (Verdict, error) {
	return g.admitSeen(item)
}

func (g *Gate) admitSeen(item domain.ItemDescriptor) (Verdict, error) {
	ok, err := g.store.Admit(g.channelID, item.Fingerprint())
	if err != nil {
		return "", domain.Wrap(domain.KindUnexpectedFault, "admit", fmt.Errorf("seen-set: %w", err))
	}
	if !ok {
		return Duplicate, nil
	}
	return Admitted, nil
}
