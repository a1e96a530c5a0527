package gate

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/storewire/relay/pkg/models"
)

// ClassifyNetwork derives a best-effort network class from client hints.
// Precedence: an explicit X-Network-Class header, then the ECT
// (effective connection type) hint, then the Downlink bandwidth hint.
// Absent hints default to good.
func ClassifyNetwork(header http.Header) models.NetworkClass {
	if explicit := header.Get("X-Network-Class"); explicit != "" {
		return models.ParseNetworkClass(explicit)
	}

	switch strings.ToLower(strings.TrimSpace(header.Get("ECT"))) {
	case "slow-2g", "2g":
		return models.NetworkPoor
	case "3g":
		return models.NetworkFair
	case "4g":
		return models.NetworkGood
	}

	if downlink := header.Get("Downlink"); downlink != "" {
		if mbps, err := strconv.ParseFloat(strings.TrimSpace(downlink), 64); err == nil {
			switch {
			case mbps < 0.5:
				return models.NetworkPoor
			case mbps < 2:
				return models.NetworkFair
			case mbps < 10:
				return models.NetworkGood
			default:
				return models.NetworkExcellent
			}
		}
	}

	if strings.EqualFold(header.Get("Save-Data"), "on") {
		return models.NetworkFair
	}
	return models.NetworkGood
}

// ClassifyLocation reads the geography tag set by the edge proxy.
// Empty when no proxy header is present.
func ClassifyLocation(header http.Header) string {
	for _, key := range []string{"X-Geo-Country", "CF-IPCountry", "X-Country-Code"} {
		if v := strings.TrimSpace(header.Get(key)); v != "" && v != "XX" {
			return strings.ToUpper(v)
		}
	}
	return ""
}
