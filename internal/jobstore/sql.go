package jobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `CREATE TABLE IF NOT EXISTS diffido_timers (
	schedule_id  TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL DEFAULT '',
	next_fire    BIGINT NOT NULL DEFAULT 0,
	last_fire    BIGINT NOT NULL DEFAULT 0,
	last_outcome TEXT NOT NULL DEFAULT '',
	updated_at   BIGINT NOT NULL DEFAULT 0
)`

const upsert = `INSERT INTO diffido_timers (schedule_id, fingerprint, next_fire, last_fire, last_outcome, updated_at)
VALUES (:schedule_id, :fingerprint, :next_fire, :last_fire, :last_outcome, :updated_at)
ON CONFLICT (schedule_id) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	next_fire = excluded.next_fire,
	last_fire = excluded.last_fire,
	last_outcome = excluded.last_outcome,
	updated_at = excluded.updated_at`

type sqlStore struct {
	db *sqlx.DB
}

func openSQLite(ctx context.Context, path string, busy time.Duration) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite job store: %w", err)
	}
	// SQLite prefers a single writer; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	return newSQLStore(ctx, db)
}

func openPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres job store: %w", err)
	}
	return newSQLStore(ctx, db)
}

func newSQLStore(ctx context.Context, db *sqlx.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) Load(ctx context.Context) (map[string]Timer, error) {
	var rows []Timer
	if err := s.db.SelectContext(ctx, &rows, `SELECT schedule_id, fingerprint, next_fire, last_fire, last_outcome, updated_at FROM diffido_timers`); err != nil {
		return nil, err
	}
	out := make(map[string]Timer, len(rows))
	for _, r := range rows {
		out[r.ScheduleID] = r
	}
	return out, nil
}

func (s *sqlStore) Save(ctx context.Context, t Timer) error {
	if t.UpdatedAt == 0 {
		t.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx, upsert, t)
	return err
}

func (s *sqlStore) Delete(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM diffido_timers WHERE schedule_id = ?`), scheduleID)
	return err
}

func (s *sqlStore) Close() error { return s.db.Close() }
