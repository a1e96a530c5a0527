package models

import "time"

// NoticeKind enumerates the lifecycle notifications the server pushes to
// clients alongside ordinary message delivery.
type NoticeKind string

const (
	NoticeConnectionEstablished NoticeKind = "connection_established"
	NoticeAuthenticated         NoticeKind = "authenticated"
	NoticeAuthenticationFailed  NoticeKind = "authentication_failed"
	NoticeChannelsJoined        NoticeKind = "channels_joined"
	NoticeChannelsLeft          NoticeKind = "channels_left"
	NoticePresenceUpdate        NoticeKind = "presence_update"
	NoticeMessage               NoticeKind = "message"
	NoticeRateLimitWarning      NoticeKind = "rate_limit_warning"
	NoticeGlobalRateLimit       NoticeKind = "global_rate_limit_warning"
	NoticeForceDisconnect       NoticeKind = "force_disconnect"
	NoticeNetworkOptimization   NoticeKind = "network_optimization"
)

// Notice is the envelope for server-to-client lifecycle notifications.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Payload   any        `json:"payload,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewNotice stamps a notice with the current time.
func NewNotice(kind NoticeKind, payload any) *Notice {
	return &Notice{Kind: kind, Payload: payload, Timestamp: time.Now().UTC()}
}
