package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/storewire/relay/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_entries (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    BLOB,
	priority   INTEGER NOT NULL,
	timestamp  INTEGER NOT NULL,
	retries    INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_user ON offline_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_offline_expiry ON offline_entries(expires_at);

CREATE TABLE IF NOT EXISTS presence_records (
	user_id      TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	last_seen    INTEGER NOT NULL,
	online_since INTEGER NOT NULL,
	context      TEXT,
	activity     TEXT,
	device_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ip_blocks (
	ip       TEXT PRIMARY KEY,
	until_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	role       TEXT,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore is the production Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertEntry(ctx context.Context, entry *models.OfflineEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_entries (id, user_id, type, payload, priority, timestamp, retries, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			retries = excluded.retries,
			expires_at = excluded.expires_at`,
		entry.ID, entry.UserID, entry.Type, []byte(entry.Payload),
		int(entry.Priority), entry.Timestamp.UnixMilli(), entry.Retries, entry.ExpiresAt.UnixMilli())
	return err
}

func (s *SQLiteStore) ListEntries(ctx context.Context, userID string) ([]*models.OfflineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, payload, priority, timestamp, retries, expires_at
		FROM offline_entries WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OfflineEntry
	for rows.Next() {
		var (
			entry    models.OfflineEntry
			payload  []byte
			priority int
			ts, exp  int64
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Type, &payload,
			&priority, &ts, &entry.Retries, &exp); err != nil {
			return nil, err
		}
		entry.Payload = payload
		entry.Priority = models.Priority(priority)
		entry.Timestamp = time.UnixMilli(ts)
		entry.ExpiresAt = time.UnixMilli(exp)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkConsumed(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM offline_entries WHERE user_id = ? AND id IN (%s)`, placeholders),
		args...)
	return err
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_entries WHERE expires_at > 0 AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) SavePresence(ctx context.Context, rec *models.PresenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_records (user_id, state, last_seen, online_since, context, activity, device_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			last_seen = excluded.last_seen,
			online_since = excluded.online_since,
			context = excluded.context,
			activity = excluded.activity,
			device_count = excluded.device_count`,
		rec.UserID, string(rec.State), rec.LastSeen.UnixMilli(), rec.OnlineSince.UnixMilli(),
		rec.Context, rec.Activity, rec.DeviceCount)
	return err
}

func (s *SQLiteStore) LoadPresence(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, last_seen, online_since, context, activity, device_count
		FROM presence_records WHERE user_id = ?`, userID)
	rec, err := scanPresence(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) LoadAllPresence(ctx context.Context) ([]*models.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, state, last_seen, online_since, context, activity, device_count
		FROM presence_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(row rowScanner) (*models.PresenceRecord, error) {
	var (
		rec      models.PresenceRecord
		state    string
		seen, on int64
	)
	if err := row.Scan(&rec.UserID, &state, &seen, &on, &rec.Context, &rec.Activity, &rec.DeviceCount); err != nil {
		return nil, err
	}
	rec.State = models.PresenceState(state)
	rec.LastSeen = time.UnixMilli(seen)
	rec.OnlineSince = time.UnixMilli(on)
	return &rec, nil
}

func (s *SQLiteStore) Block(ctx context.Context, ip string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_blocks (ip, until_ts) VALUES (?, ?)
		ON CONFLICT(ip) DO UPDATE SET until_ts = excluded.until_ts`,
		ip, until.UnixMilli())
	return err
}

func (s *SQLiteStore) Blocked(ctx context.Context, ip string) (bool, error) {
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ts FROM ip_blocks WHERE ip = ?`, ip).Scan(&until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() < until, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, role, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			role = excluded.role,
			expires_at = excluded.expires_at`,
		sess.ID, sess.UserID, sess.Role, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess         Session
		created, exp int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, created_at, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Role, &created, &exp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.ExpiresAt = time.UnixMilli(exp)
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
