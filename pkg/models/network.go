package models

import (
	"strings"
	"time"
)

// NetworkClass buckets a connection's link quality. It drives rate-limit
// multipliers and offline-drain pacing: degraded links get stricter limits
// and smaller, slower sync batches.
type NetworkClass string

const (
	NetworkPoor      NetworkClass = "poor"
	NetworkFair      NetworkClass = "fair"
	NetworkGood      NetworkClass = "good"
	NetworkExcellent NetworkClass = "excellent"
)

// ParseNetworkClass maps a wire string to a class, defaulting to good.
func ParseNetworkClass(s string) NetworkClass {
	switch NetworkClass(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkPoor:
		return NetworkPoor
	case NetworkFair:
		return NetworkFair
	case NetworkGood:
		return NetworkGood
	case NetworkExcellent:
		return NetworkExcellent
	default:
		return NetworkGood
	}
}

// LimitMultiplier scales rate limits downward on constrained links so a
// degraded client cannot saturate its own connection.
func (c NetworkClass) LimitMultiplier() float64 {
	switch c {
	case NetworkPoor:
		return 0.3
	case NetworkFair:
		return 0.6
	case NetworkGood:
		return 0.8
	case NetworkExcellent:
		return 1.0
	default:
		return 0.8
	}
}

// DrainBatchSize is the default offline-sync batch size for the class.
func (c NetworkClass) DrainBatchSize() int {
	switch c {
	case NetworkPoor:
		return 3
	case NetworkFair:
		return 5
	case NetworkGood:
		return 10
	case NetworkExcellent:
		return 20
	default:
		return 10
	}
}

// DrainBatchDelay is the default pause between offline-sync batches.
func (c NetworkClass) DrainBatchDelay() time.Duration {
	switch c {
	case NetworkPoor:
		return 500 * time.Millisecond
	case NetworkFair:
		return 250 * time.Millisecond
	case NetworkGood:
		return 100 * time.Millisecond
	case NetworkExcellent:
		return 25 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}
