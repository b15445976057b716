package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"github.com/samvad-hq/vidrelay/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seen_items (
	channel_id TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (channel_id, item_id)
);
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_channel ON pipeline_runs(channel_id, started_at);
`

// sqliteStore implements Store on a single SQLite file. One connection keeps
// Admit's check-and-insert atomic without explicit locking.
type sqliteStore struct {
	db   *sql.DB
	opts Options
}

func openSQLite(path string, opts Options) (Store, error) {
	opts = normalizeOptions(opts)
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &sqliteStore{db: db, opts: opts}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Admit(channelID, itemID string) (bool, error) {
	now := s.opts.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin admit: %w", err)
	}
	defer tx.Rollback()

	del := sq.Delete("seen_items").Where(sq.And{
		sq.Eq{"channel_id": channelID, "item_id": itemID},
		sq.LtOrEq{"expires_at": now.Unix()},
	})
	if _, err := del.RunWith(tx).Exec(); err != nil {
		return false, fmt.Errorf("drop expired entry: %w", err)
	}

	ins := sq.Insert("seen_items").
		Columns("channel_id", "item_id", "expires_at").
		Values(channelID, itemID, now.Add(s.opts.SeenTTL).Unix()).
		Suffix("ON CONFLICT(channel_id, item_id) DO NOTHING")
	res, err := ins.RunWith(tx).Exec()
	if err != nil {
		return false, fmt.Errorf("insert seen entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit admit: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) Seen(channelID, itemID string) (bool, error) {
	var count int
	err := sq.Select("COUNT(1)").From("seen_items").
		Where(sq.Eq{"channel_id": channelID, "item_id": itemID}).
		Where(sq.Gt{"expires_at": s.opts.Now().Unix()}).
		RunWith(s.db).QueryRow().Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query seen entry: %w", err)
	}
	return count > 0, nil
}

func (s *sqliteStore) Mark(channelID, itemID string) error {
	_, err := sq.Insert("seen_items").
		Columns("channel_id", "item_id", "expires_at").
		Values(channelID, itemID, s.opts.Now().Add(s.opts.SeenTTL).Unix()).
		Suffix("ON CONFLICT(channel_id, item_id) DO UPDATE SET expires_at = excluded.expires_at").
		RunWith(s.db).Exec()
	if err != nil {
		return fmt.Errorf("mark seen entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecordRun(run domain.PipelineRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = sq.Insert("pipeline_runs").
		Columns("id", "channel_id", "started_at", "payload").
		Values(run.ID, run.Item.ChannelID, run.StartedAt.UnixNano(), string(payload)).
		Suffix("ON CONFLICT(id) DO UPDATE SET payload = excluded.payload").
		RunWith(s.db).Exec()
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	keep := sq.Select("id").From("pipeline_runs").
		Where(sq.Eq{"channel_id": run.Item.ChannelID}).
		OrderBy("started_at DESC").
		Limit(uint64(s.opts.RunHistory))
	keepSQL, keepArgs, err := keep.ToSql()
	if err != nil {
		return err
	}
	args := append([]any{run.Item.ChannelID}, keepArgs...)
	_, err = s.db.Exec("DELETE FROM pipeline_runs WHERE channel_id = ? AND id NOT IN ("+keepSQL+")", args...)
	if err != nil {
		return fmt.Errorf("trim run history: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentRuns(channelID string, limit int) ([]domain.PipelineRun, error) {
	q := sq.Select("payload").From("pipeline_runs").
		Where(sq.Eq{"channel_id": channelID}).
		OrderBy("started_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(s.db).Query()
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run domain.PipelineRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
