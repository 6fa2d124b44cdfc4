// Package theme provides the Lip Gloss palette and shared styles for
// relay-watch. It is a leaf package with no internal imports.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Connection colors.
var (
	ColorConnected    = lipgloss.Color("#22c55e")
	ColorConnecting   = lipgloss.Color("#d97706")
	ColorDisconnected = lipgloss.Color("#dc2626")
)

// Notification colors, keyed by the notification "type" field.
var (
	ColorInfo    = lipgloss.Color("#3b82f6")
	ColorSuccess = lipgloss.Color("#16a34a")
	ColorWarning = lipgloss.Color("#d97706")
	ColorError   = lipgloss.Color("#dc2626")
)

// Gauge thresholds.
var (
	ColorGaugeLow  = lipgloss.Color("#22c55e") // <50%
	ColorGaugeMid  = lipgloss.Color("#d97706") // 50-80%
	ColorGaugeHigh = lipgloss.Color("#dc2626") // >80%
)

// Event log colors.
var (
	ColorEventLifecycle = lipgloss.Color("#7c3aed")
	ColorEventData      = lipgloss.Color("#2563eb")
	ColorEventOutbound  = lipgloss.Color("#06b6d4")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#a855f7")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// NotificationColor returns the color for a notification type.
func NotificationColor(kind string) lipgloss.Color {
	switch kind {
	case "info":
		return ColorInfo
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorDefault
	}
}

// StatusColor maps a component status word from a systemStatus document
// ("operational", "healthy", "degraded", ...) to a color.
func StatusColor(status string) lipgloss.Color {
	switch strings.ToLower(status) {
	case "operational", "healthy", "good", "ok", "success", "completed":
		return ColorSuccess
	case "degraded", "warning", "slow", "pending":
		return ColorWarning
	case "down", "failed", "error", "unhealthy":
		return ColorError
	default:
		return ColorDefault
	}
}

// GaugeColor returns the color for a utilization fraction in [0,1].
func GaugeColor(pct float64) lipgloss.Color {
	switch {
	case pct > 0.8:
		return ColorGaugeHigh
	case pct > 0.5:
		return ColorGaugeMid
	default:
		return ColorGaugeLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)
)
