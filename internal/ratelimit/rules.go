package ratelimit

import (
	"time"

	"github.com/storewire/relay/internal/config"
)

// Well-known limited actions. Producers may check arbitrary action names;
// unknown actions fall back to DefaultRule.
const (
	ActionSendMessage    = "send_message"
	ActionJoinChannel    = "join_channel"
	ActionPresenceUpdate = "presence_update"
	ActionHeartbeat      = "heartbeat"
	ActionBroadcast      = "broadcast"
	ActionAdmin          = "admin"
	ActionOfflineSync    = "offline_sync"
	// ActionConnectionAttempt backs the gate's per-IP connection-rate
	// check, distinct from message-rate actions.
	ActionConnectionAttempt = "connection_attempt"
)

// Rule is a per-action fixed-window limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRule applies to actions without an explicit table entry.
var DefaultRule = Rule{Limit: 60, Window: time.Minute}

// defaultRules differentiates limits per action: strict for broadcast and
// administrative traffic, loose for presence heartbeats.
func defaultRules() map[string]Rule {
	return map[string]Rule{
		ActionSendMessage:       {Limit: 30, Window: time.Minute},
		ActionJoinChannel:       {Limit: 20, Window: time.Minute},
		ActionPresenceUpdate:    {Limit: 60, Window: time.Minute},
		ActionHeartbeat:         {Limit: 120, Window: time.Minute},
		ActionBroadcast:         {Limit: 5, Window: time.Minute},
		ActionAdmin:             {Limit: 10, Window: time.Minute},
		ActionOfflineSync:       {Limit: 6, Window: time.Minute},
		ActionConnectionAttempt: {Limit: 20, Window: time.Minute},
	}
}

// RuleTable resolves the limit for each action.
type RuleTable struct {
	rules map[string]Rule
}

// NewRuleTable builds the table from defaults plus config overrides.
func NewRuleTable(overrides []config.RateLimitRule) *RuleTable {
	rules := defaultRules()
	for _, o := range overrides {
		rules[o.Action] = Rule{Limit: o.Limit, Window: o.Window}
	}
	return &RuleTable{rules: rules}
}

// Lookup returns the rule for an action, falling back to DefaultRule.
func (t *RuleTable) Lookup(action string) Rule {
	if t != nil {
		if rule, ok := t.rules[action]; ok {
			return rule
		}
	}
	return DefaultRule
}
