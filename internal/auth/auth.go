// Package auth verifies client tokens against server-side sessions and
// derives the permission set attached to each connection.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/storewire/relay/internal/storage"
)

var (
	ErrAuthDisabled   = errors.New("auth disabled")
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionMissing = errors.New("no matching session")
	ErrSessionExpired = errors.New("session expired")
)

// Permission gates a single client capability.
type Permission string

const (
	PermRead      Permission = "read"
	PermSend      Permission = "send"
	PermJoin      Permission = "join"
	PermPresence  Permission = "presence"
	PermBroadcast Permission = "broadcast"
	PermAdmin     Permission = "admin"
)

// Identity is the result of admission: either an authenticated user or a
// guest with the fixed minimal permission set.
type Identity struct {
	UserID      string
	SessionID   string
	Role        string
	Guest       bool
	Permissions map[Permission]bool
}

// Can reports whether the identity holds the permission.
func (id *Identity) Can(p Permission) bool {
	return id != nil && id.Permissions[p]
}

// rolePermissions maps a session role to its permission set. Unknown
// roles get customer permissions.
func rolePermissions(role string) map[Permission]bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin":
		return map[Permission]bool{
			PermRead: true, PermSend: true, PermJoin: true,
			PermPresence: true, PermBroadcast: true, PermAdmin: true,
		}
	case "vendor":
		return map[Permission]bool{
			PermRead: true, PermSend: true, PermJoin: true,
			PermPresence: true, PermBroadcast: true,
		}
	default:
		return map[Permission]bool{
			PermRead: true, PermSend: true, PermJoin: true, PermPresence: true,
		}
	}
}

// Guest returns the unauthenticated identity. Public read-only features
// must stay reachable, so guests are admitted, never rejected.
func Guest() *Identity {
	return &Identity{
		Guest: true,
		Permissions: map[Permission]bool{
			PermRead: true, PermJoin: true,
		},
	}
}

// Service validates signed tokens and matches them to session records.
type Service struct {
	jwt      *JWTVerifier
	sessions storage.SessionStore
	logger   *slog.Logger
}

// NewService builds the auth service. An empty secret disables token
// verification entirely; every connection is then a guest.
func NewService(secret string, sessions storage.SessionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{sessions: sessions, logger: logger}
	if strings.TrimSpace(secret) != "" {
		s.jwt = NewJWTVerifier(secret)
	}
	return s
}

// Enabled reports whether token verification is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// Authenticate validates a signed token plus its server-side session
// record and returns the authenticated identity. The empty token is not
// an error at this layer; callers admit those as guests.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionMissing
		}
		// Infrastructure failure: fail open with the token's own claims
		// so a session-store outage cannot take down connection handling.
		s.logger.Warn("session lookup failed, accepting token claims",
			"session_id", claims.SessionID, "error", err)
		return identityFromClaims(claims, claims.Role), nil
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	if sess.UserID != claims.Subject {
		s.logger.Warn("session user mismatch",
			"session_id", claims.SessionID, "token_user", claims.Subject, "session_user", sess.UserID)
		return nil, ErrSessionMissing
	}
	return identityFromClaims(claims, sess.Role), nil
}

func identityFromClaims(claims *Claims, role string) *Identity {
	return &Identity{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		Role:        role,
		Permissions: rolePermissions(role),
	}
}
