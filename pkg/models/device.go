package models

// DeviceKind classifies the client platform parsed from the user agent.
type DeviceKind string

const (
	DeviceDesktop DeviceKind = "desktop"
	DeviceMobile  DeviceKind = "mobile"
	DeviceTablet  DeviceKind = "tablet"
	DeviceBot     DeviceKind = "bot"
	DeviceUnknown DeviceKind = "unknown"
)

// Device describes the client platform attached to a connection. It is
// advisory input: condition filters match on Kind, and Suspicious feeds
// the gate's IP reputation score.
type Device struct {
	Kind       DeviceKind `json:"kind"`
	OS         string     `json:"os,omitempty"`
	Browser    string     `json:"browser,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Suspicious bool       `json:"suspicious,omitempty"`
}
