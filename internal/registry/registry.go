// Package registry owns per-connection state: identity, device,
// network quality, channel membership, and the delivery sink. It is the
// single writer for connection lifecycle; every derived index (channel
// directory, presence linkage) is purged through Remove.
package registry

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/pkg/models"
)

var (
	// ErrGone marks delivery to a connection removed mid-flight. Callers
	// treat it as a no-op, not a failure of the wider fan-out.
	ErrGone = errors.New("connection gone")
)

// Sink is the outbound half of a connection. The WebSocket session
// implements it; tests use in-memory fakes.
type Sink interface {
	// Send enqueues a payload for the client. It must not block
	// indefinitely; a full buffer or closed socket returns an error.
	Send(payload any) error
}

// ConnStatus tracks the lifecycle of a registered connection.
type ConnStatus string

const (
	StatusActive       ConnStatus = "active"
	StatusIdle         ConnStatus = "idle"
	StatusDisconnected ConnStatus = "disconnected"
)

// Connection is the registry's record of one live client connection.
// Mutable fields are guarded by mu; the registry is the only writer.
type Connection struct {
	ID string

	mu            sync.RWMutex
	userID        string
	sessionID     string
	guest         bool
	role          string
	device        models.Device
	location      string
	network       models.NetworkClass
	status        ConnStatus
	authenticated bool
	connectedAt   time.Time
	lastActivity  time.Time
	sink          Sink
}

// Snapshot is a read-only copy of connection state for the query surface.
type Snapshot struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id,omitempty"`
	SessionID     string              `json:"session_id,omitempty"`
	Guest         bool                `json:"guest"`
	Role          string              `json:"role,omitempty"`
	Device        models.Device       `json:"device"`
	Location      string              `json:"location,omitempty"`
	Network       models.NetworkClass `json:"network"`
	Status        ConnStatus          `json:"status"`
	Authenticated bool                `json:"authenticated"`
	ConnectedAt   time.Time           `json:"connected_at"`
	LastActivity  time.Time           `json:"last_activity"`
	Channels      []string            `json:"channels,omitempty"`
}

func (c *Connection) snapshot(channels []string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:            c.ID,
		UserID:        c.userID,
		SessionID:     c.sessionID,
		Guest:         c.guest,
		Role:          c.role,
		Device:        c.device,
		Location:      c.location,
		Network:       c.network,
		Status:        c.status,
		Authenticated: c.authenticated,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		Channels:      channels,
	}
}

// UserID returns the owning user id, or "" for an unbound guest.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the server-side session id attached at admission or Bind.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Role returns the role the identity's permissions derive from.
func (c *Connection) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Guest reports whether the connection is still unauthenticated.
func (c *Connection) Guest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guest
}

// Network returns the connection's current network class.
func (c *Connection) Network() models.NetworkClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network
}

// Location returns the connection's best-effort location tag.
func (c *Connection) Location() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.location
}

// Device returns the parsed device descriptor.
func (c *Connection) Device() models.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// Authenticated reports whether the connection carries a verified identity.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) gone() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusDisconnected
}

// Metadata seeds a new connection at admission.
type Metadata struct {
	Device   models.Device
	Location string
	Network  models.NetworkClass
	Sink     Sink
}

// Unlinker releases the presence linkage for a closing connection.
// Wired to presence.Tracker.Disconnect.
type Unlinker func(userID, connID string)

const connShards = 32

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry is the sharded connection table plus the channel directory.
type Registry struct {
	shards    [connShards]*connShard
	directory *ChannelDirectory
	unlink    Unlinker
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option customizes a Registry.
type Option func(*Registry)

// WithUnlinker wires the presence release hook called during Remove.
func WithUnlinker(u Unlinker) Option {
	return func(r *Registry) { r.unlink = u }
}

// WithMetrics records connection counts in Prometheus.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New builds an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		directory: NewChannelDirectory(),
		logger:    logger,
	}
	for i := range r.shards {
		r.shards[i] = &connShard{conns: make(map[string]*Connection)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Directory exposes the channel directory for recipient resolution.
func (r *Registry) Directory() *ChannelDirectory {
	return r.directory
}

func (r *Registry) shard(connID string) *connShard {
	h := fnv.New32a()
	h.Write([]byte(connID))
	return r.shards[h.Sum32()%connShards]
}

// Admit registers a new connection and returns its id. Identity fields
// come from the gate; metadata seeds device/location/network state.
func (r *Registry) Admit(userID, sessionID, role string, guest bool, meta Metadata) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:            uuid.NewString(),
		userID:        userID,
		sessionID:     sessionID,
		role:          role,
		guest:         guest,
		device:        meta.Device,
		location:      meta.Location,
		network:       meta.Network,
		status:        StatusActive,
		authenticated: !guest && userID != "",
		connectedAt:   now,
		lastActivity:  now,
		sink:          meta.Sink,
	}

	shard := r.shard(conn.ID)
	shard.mu.Lock()
	shard.conns[conn.ID] = conn
	shard.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}
	r.logger.Debug("connection admitted",
		"conn_id", conn.ID, "user_id", userID, "guest", guest, "network", meta.Network)
	return conn
}

// Bind upgrades a guest connection to an authenticated identity after
// an in-band auth exchange. Identity fields are guarded by the
// connection mutex, so concurrent readers on the dispatch path see
// either the guest or the bound identity, never a torn mix.
func (r *Registry) Bind(connID, userID, sessionID, role string) error {
	conn := r.Get(connID)
	if conn == nil {
		return ErrGone
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status == StatusDisconnected {
		return ErrGone
	}
	conn.userID = userID
	conn.sessionID = sessionID
	conn.role = role
	conn.guest = false
	conn.authenticated = true
	r.logger.Debug("connection bound", "conn_id", connID, "user_id", userID, "role", role)
	return nil
}

// Get returns the connection or nil.
func (r *Registry) Get(connID string) *Connection {
	shard := r.shard(connID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.conns[connID]
}

// Lookup returns a query-surface snapshot of the connection.
func (r *Registry) Lookup(connID string) (Snapshot, bool) {
	conn := r.Get(connID)
	if conn == nil {
		return Snapshot{}, false
	}
	return conn.snapshot(r.directory.Channels(connID)), true
}

// Join adds the connection to a channel.
func (r *Registry) Join(connID, channel string) error {
	conn := r.Get(connID)
	if conn == nil || conn.gone() {
		return ErrGone
	}
	r.directory.Add(channel, connID)
	r.touch(conn)
	return nil
}

// Leave removes the connection from a channel.
func (r *Registry) Leave(connID, channel string) error {
	conn := r.Get(connID)
	if conn == nil || conn.gone() {
		return ErrGone
	}
	r.directory.Remove(channel, connID)
	r.touch(conn)
	return nil
}

// Touch records client activity on the connection.
func (r *Registry) Touch(connID string) {
	if conn := r.Get(connID); conn != nil {
		r.touch(conn)
	}
}

func (r *Registry) touch(conn *Connection) {
	conn.mu.Lock()
	conn.lastActivity = time.Now()
	if conn.status == StatusIdle {
		conn.status = StatusActive
	}
	conn.mu.Unlock()
}

// UpdateNetworkQuality reclassifies the connection's link.
func (r *Registry) UpdateNetworkQuality(connID string, class models.NetworkClass) error {
	conn := r.Get(connID)
	if conn == nil || conn.gone() {
		return ErrGone
	}
	conn.mu.Lock()
	previous := conn.network
	conn.network = class
	conn.mu.Unlock()
	if previous != class {
		r.logger.Debug("network quality updated",
			"conn_id", connID, "from", previous, "to", class)
	}
	return nil
}

// Remove unregisters the connection. It is idempotent and purges derived
// state in a fixed order: channel memberships first, then the presence
// linkage, then the record itself, so a concurrent fan-out never targets
// a half-removed connection.
func (r *Registry) Remove(connID string) {
	conn := r.Get(connID)
	if conn == nil {
		return
	}

	conn.mu.Lock()
	if conn.status == StatusDisconnected {
		conn.mu.Unlock()
		return
	}
	conn.status = StatusDisconnected
	userID := conn.userID
	conn.mu.Unlock()

	channels := r.directory.RemoveAll(connID)

	if r.unlink != nil && userID != "" {
		r.unlink(userID, connID)
	}

	shard := r.shard(connID)
	shard.mu.Lock()
	delete(shard.conns, connID)
	shard.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
	r.logger.Debug("connection removed",
		"conn_id", connID, "user_id", userID, "channels_left", len(channels))
}

// Deliver sends a payload to one connection. Delivery to a connection
// removed mid-flight is a no-op (ErrGone); other failures come from the
// sink and are the caller's to count.
func (r *Registry) Deliver(connID string, payload any) error {
	conn := r.Get(connID)
	if conn == nil {
		return ErrGone
	}
	conn.mu.RLock()
	sink := conn.sink
	disconnected := conn.status == StatusDisconnected
	conn.mu.RUnlock()
	if disconnected || sink == nil {
		return ErrGone
	}
	return sink.Send(payload)
}

// FanOut delivers the payload to every current member of the channel.
// members is the membership count at resolution time; delivered counts
// successful sends, so a connection removed mid-flight (ErrGone) is
// neither delivered nor failed. Individual failures are counted and
// logged, never aborting the rest.
func (r *Registry) FanOut(channel string, payload any) (members, delivered, failed int) {
	ids := r.directory.Members(channel)
	for _, id := range ids {
		if err := r.Deliver(id, payload); err != nil {
			if !errors.Is(err, ErrGone) {
				failed++
				r.logger.Debug("fan-out delivery failed",
					"channel", channel, "conn_id", id, "error", err)
			}
			continue
		}
		delivered++
	}
	return len(ids), delivered, failed
}

// ConnectionsForUser returns the ids of the user's live connections.
func (r *Registry) ConnectionsForUser(userID string) []string {
	var out []string
	for _, shard := range r.shards {
		shard.mu.RLock()
		for id, conn := range shard.conns {
			conn.mu.RLock()
			match := conn.userID == userID && conn.status != StatusDisconnected
			conn.mu.RUnlock()
			if match {
				out = append(out, id)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// Each visits every live connection. Used for global broadcasts and
// condition-filtered resolution.
func (r *Registry) Each(fn func(conn *Connection)) {
	for _, shard := range r.shards {
		shard.mu.RLock()
		conns := make([]*Connection, 0, len(shard.conns))
		for _, conn := range shard.conns {
			conns = append(conns, conn)
		}
		shard.mu.RUnlock()
		for _, conn := range conns {
			if !conn.gone() {
				fn(conn)
			}
		}
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.conns)
		shard.mu.RUnlock()
	}
	return total
}
