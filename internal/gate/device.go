package gate

import (
	"strings"

	"github.com/storewire/relay/pkg/models"
)

// automatedSignatures mark user agents that are almost certainly not a
// shopper's browser. Matching one flags the device and feeds the IP
// suspicion score; it never blocks admission on its own.
var automatedSignatures = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"headlesschrome", "phantomjs", "selenium", "puppeteer", "playwright",
}

// ParseDevice classifies a raw user-agent string. Parsing is advisory:
// an unrecognized agent degrades to unknown, never to a rejection.
func ParseDevice(userAgent string) models.Device {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	device := models.Device{Kind: models.DeviceUnknown, UserAgent: userAgent}
	if ua == "" {
		device.Suspicious = true
		return device
	}

	for _, sig := range automatedSignatures {
		if strings.Contains(ua, sig) {
			device.Kind = models.DeviceBot
			device.Suspicious = true
			return device
		}
	}

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		device.Kind = models.DeviceTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		device.Kind = models.DeviceMobile
	default:
		device.Kind = models.DeviceDesktop
	}

	switch {
	case strings.Contains(ua, "windows"):
		device.OS = "windows"
	case strings.Contains(ua, "android"):
		device.OS = "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		device.OS = "ios"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		device.OS = "macos"
	case strings.Contains(ua, "linux"):
		device.OS = "linux"
	}

	switch {
	case strings.Contains(ua, "edg/"):
		device.Browser = "edge"
	case strings.Contains(ua, "chrome"):
		device.Browser = "chrome"
	case strings.Contains(ua, "firefox"):
		device.Browser = "firefox"
	case strings.Contains(ua, "safari"):
		device.Browser = "safari"
	}

	return device
}
