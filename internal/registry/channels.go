package registry

import "sync"

// ChannelDirectory is the reverse index of channel name to connection
// ids, used for fan-out. It keeps a forward index (channel → conns) for
// member resolution and a reverse index (conn → channels) so a
// disconnect purges every membership in O(joined channels).
type ChannelDirectory struct {
	mu       sync.RWMutex
	channels map[string]map[string]bool // channel -> set of conn ids
	conns    map[string]map[string]bool // conn id -> set of channels
}

// NewChannelDirectory builds an empty directory.
func NewChannelDirectory() *ChannelDirectory {
	return &ChannelDirectory{
		channels: make(map[string]map[string]bool),
		conns:    make(map[string]map[string]bool),
	}
}

// Add joins a connection to a channel.
func (d *ChannelDirectory) Add(channel, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[channel] == nil {
		d.channels[channel] = make(map[string]bool)
	}
	d.channels[channel][connID] = true
	if d.conns[connID] == nil {
		d.conns[connID] = make(map[string]bool)
	}
	d.conns[connID][channel] = true
}

// Remove drops a connection from one channel.
func (d *ChannelDirectory) Remove(channel, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(channel, connID)
}

func (d *ChannelDirectory) removeLocked(channel, connID string) {
	if members, ok := d.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(d.channels, channel)
		}
	}
	if chans, ok := d.conns[connID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(d.conns, connID)
		}
	}
}

// RemoveAll purges a connection from every channel it had joined and
// returns the affected channel names.
func (d *ChannelDirectory) RemoveAll(connID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	chans := d.conns[connID]
	if len(chans) == 0 {
		delete(d.conns, connID)
		return nil
	}
	affected := make([]string, 0, len(chans))
	for channel := range chans {
		affected = append(affected, channel)
		if members, ok := d.channels[channel]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(d.channels, channel)
			}
		}
	}
	delete(d.conns, connID)
	return affected
}

// Members returns a snapshot of the connection ids joined to a channel.
func (d *ChannelDirectory) Members(channel string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.channels[channel]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Channels returns a snapshot of the channels a connection has joined.
func (d *ChannelDirectory) Channels(connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	chans := d.conns[connID]
	if len(chans) == 0 {
		return nil
	}
	out := make([]string, 0, len(chans))
	for channel := range chans {
		out = append(out, channel)
	}
	return out
}

// Contains reports whether the connection is joined to the channel.
func (d *ChannelDirectory) Contains(channel, connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[channel][connID]
}

// MemberCount returns the membership size of a channel.
func (d *ChannelDirectory) MemberCount(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels[channel])
}

// ChannelCount returns the number of channels with at least one member.
func (d *ChannelDirectory) ChannelCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}
