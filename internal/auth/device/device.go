// Package device summarises the client device behind an authentication
// attempt for the audit trail.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

const (
	unknownDevice = "Unknown Device"
	maxLen        = 120
)

// Describe returns "Browser on Platform" for browser clients. Kiosk software
// that is not a browser is reported by its leading product token, e.g.
// "biovote-kiosk/2.1 on Linux".
func Describe(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return unknownDevice
	}
	ua := useragent.New(userAgent)

	client, _ := ua.Browser()
	if client == "" || ua.Bot() {
		client = productToken(userAgent)
	}
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}

	out := client
	if platform != "" {
		out += " on " + platform
	}
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return strings.TrimSpace(out)
}

func productToken(userAgent string) string {
	if i := strings.IndexAny(userAgent, " ("); i > 0 {
		return userAgent[:i]
	}
	return userAgent
}
