package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

// Package storage persists the per-channel seen-set and terminal run history.

// Store tracks which source items each channel has admitted.
type Store interface {
	Close() error
	// Admit atomically checks and marks an item. It returns true only for the
	// first caller for a given channel/item pair.
	Admit(channelID, itemID string) (bool, error)
	Seen(channelID, itemID string) (bool, error)
	Mark(channelID, itemID string) error
	RecordRun(run domain.PipelineRun) error
	RecentRuns(channelID string, limit int) ([]domain.PipelineRun, error)
}

// Options controls retention characteristics for concrete store implementations.
type Options struct {
	SeenTTL         time.Duration
	CleanupInterval time.Duration
	// RunHistory is the number of terminal runs kept per channel.
	RunHistory int
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

const (
	TypeBBolt  = "bbolt"
	TypeSQLite = "sqlite"
	TypeMemory = "memory"

	defaultSeenTTL         = 30 * 24 * time.Hour
	defaultCleanupInterval = 12 * time.Hour
	defaultRunHistory      = 200
)

// NewStore creates the configured storage backend.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	switch typ {
	case TypeMemory, "":
		return newMemoryStore(opts), nil
	case TypeBBolt:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	case TypeSQLite:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("sqlite storage requires a path")
		}
		return openSQLite(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

func normalizeOptions(opts Options) Options {
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = defaultSeenTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.RunHistory <= 0 {
		opts.RunHistory = defaultRunHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}
