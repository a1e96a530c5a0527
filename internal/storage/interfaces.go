// Package storage provides the durable store behind the relay core:
// the offline-message mirror, presence persistence, the IP block list,
// and server-side session records.
//
// Two implementations exist: SQLite for production and an in-memory
// store for tests and single-shot deployments. Callers treat every
// error as a soft failure (fail open) per the relay's degradation rules.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/storewire/relay/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Session is a server-side session record matched against client tokens.
type Session struct {
	ID        string
	UserID    string
	Role      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// OfflineStore mirrors high/critical offline entries durably.
type OfflineStore interface {
	// UpsertEntry inserts or replaces a mirrored entry by id.
	UpsertEntry(ctx context.Context, entry *models.OfflineEntry) error
	// ListEntries returns all unconsumed entries for a user.
	ListEntries(ctx context.Context, userID string) ([]*models.OfflineEntry, error)
	// MarkConsumed deletes delivered entries by id.
	MarkConsumed(ctx context.Context, userID string, ids []string) error
	// PurgeExpired removes entries past their expiry, returning the count.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// PresenceStore persists presence records across restarts.
type PresenceStore interface {
	SavePresence(ctx context.Context, rec *models.PresenceRecord) error
	LoadPresence(ctx context.Context, userID string) (*models.PresenceRecord, error)
	LoadAllPresence(ctx context.Context) ([]*models.PresenceRecord, error)
}

// BlocklistStore persists reputation blocks independent of process lifetime.
type BlocklistStore interface {
	// Block records an IP block until the given expiry.
	Block(ctx context.Context, ip string, until time.Time) error
	// Blocked reports whether the IP currently holds an unexpired block.
	Blocked(ctx context.Context, ip string) (bool, error)
}

// SessionStore validates and manages server-side sessions.
type SessionStore interface {
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Store groups the durable collaborators behind one handle.
type Store interface {
	OfflineStore
	PresenceStore
	BlocklistStore
	SessionStore

	Close() error
}
