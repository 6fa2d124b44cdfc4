// Package dashboard renders the relay's shared state: live metrics, KPI
// values, system status, and the activity and notification feeds.
package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirsinexus/relay/internal/client"
	"github.com/sirsinexus/relay/internal/theme"
)

// MaxFeed is the number of activities and notifications kept for display.
const MaxFeed = 8

// Model holds the dashboard state.
type Model struct {
	Width int

	kpis          map[string]json.RawMessage
	activities    []client.Record
	notifications []client.Record
	status        map[string]json.RawMessage
	metrics       *client.Metrics
}

// New creates a dashboard model.
func New() Model {
	return Model{kpis: make(map[string]json.RawMessage)}
}

// SetSnapshot replaces everything with the state carried by a welcome frame.
func (m *Model) SetSnapshot(s client.Snapshot) {
	m.kpis = make(map[string]json.RawMessage, len(s.KPIs))
	for k, v := range s.KPIs {
		m.kpis[k] = v
	}
	m.activities = capped(s.Activities)
	m.notifications = capped(s.Notifications)
	m.SetSystemStatus(s.SystemStatus)
}

// ApplyKPI stores an absolute value, or adds a demo change to the current
// numeric value.
func (m *Model) ApplyKPI(u client.KPIUpdate) {
	if u.KPIID == "" {
		return
	}
	if len(u.Value) > 0 {
		m.kpis[u.KPIID] = u.Value
		return
	}
	if u.Change == nil {
		return
	}
	cur, _ := number(m.kpis[u.KPIID])
	m.kpis[u.KPIID] = json.RawMessage(strconv.FormatFloat(cur+float64(*u.Change), 'f', -1, 64))
}

// KPI returns the display form of one KPI value.
func (m Model) KPI(id string) (string, bool) {
	raw, ok := m.kpis[id]
	if !ok {
		return "", false
	}
	return formatValue(raw), true
}

// AddActivity prepends an activity.
func (m *Model) AddActivity(r client.Record) {
	m.activities = prepend(m.activities, r)
}

// AddNotification prepends a notification.
func (m *Model) AddNotification(r client.Record) {
	m.notifications = prepend(m.notifications, r)
}

// Activities returns the displayed activities, newest first.
func (m Model) Activities() []client.Record { return m.activities }

// Notifications returns the displayed notifications, newest first.
func (m Model) Notifications() []client.Record { return m.notifications }

// SetSystemStatus replaces the system status document. Non-object
// documents clear it.
func (m *Model) SetSystemStatus(raw json.RawMessage) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		doc = nil
	}
	m.status = doc
}

// SetMetrics records the latest metrics sample.
func (m *Model) SetMetrics(v client.Metrics) {
	m.metrics = &v
}

// View renders the full dashboard.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	half := (width - 2) / 2

	feeds := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(half).Render(m.renderActivities(half)),
		lipgloss.NewStyle().Width(half).Render(m.renderNotifications(half)),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderMetricsRow(width),
		m.renderKPIs(),
		m.renderSystemStatus(),
		"",
		feeds,
	)
}

func (m Model) renderMetricsRow(width int) string {
	var content string
	if m.metrics == nil {
		content = theme.StyleDimmed.Render("Waiting for metrics...")
	} else {
		stat := lipgloss.NewStyle().Padding(0, 1)
		parts := []string{
			stat.Render("CPU " + renderGauge(m.metrics.CPU/100, 12)),
			stat.Render("Mem " + renderGauge(m.metrics.Memory/100, 12)),
			stat.Foreground(theme.ColorInfo).Render(fmt.Sprintf("Req: %s", formatCount(m.metrics.Requests))),
			stat.Foreground(theme.ColorAccent).Render(fmt.Sprintf("Resp: %dms", m.metrics.ResponseTime)),
		}
		content = strings.Join(parts, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render("|"))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) renderKPIs() string {
	header := theme.StyleHeader.Render("  KPIs")
	if len(m.kpis) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, theme.StyleDimmed.Render("  No KPIs yet"))
	}

	ids := make([]string, 0, len(m.kpis))
	for id := range m.kpis {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	colName := 20
	for _, id := range ids {
		colName = max(colName, len(id)+2)
	}
	dim := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	bright := lipgloss.NewStyle().Foreground(theme.ColorBright).Bold(true)

	lines := []string{header}
	for _, id := range ids {
		lines = append(lines, "  "+dim.Width(colName).Render(id)+bright.Render(formatValue(m.kpis[id])))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderSystemStatus() string {
	if len(m.status) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m.status))
	for k := range m.status {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		word := componentStatus(m.status[k])
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.StatusColor(word)).Render(k+": "+word))
	}
	return "  " + theme.StyleHeader.Render("System ") + strings.Join(parts, "  ")
}

func (m Model) renderActivities(width int) string {
	lines := []string{theme.StyleHeader.Render("  Activity")}
	if len(m.activities) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, theme.StyleDimmed.Render("  Nothing yet"))...)
	}
	for _, a := range m.activities {
		text := fmt.Sprintf("%s %s", field(a, "user"), field(a, "action"))
		line := "  " + theme.StyleDimmed.Render(clock(field(a, "timestamp"))) + " " + truncate(text, width-16)
		if s := field(a, "status"); s != "" {
			line += " " + lipgloss.NewStyle().Foreground(theme.StatusColor(s)).Render(s)
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderNotifications(width int) string {
	lines := []string{theme.StyleHeader.Render("  Notifications")}
	if len(m.notifications) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, theme.StyleDimmed.Render("  Nothing yet"))...)
	}
	for _, n := range m.notifications {
		title := field(n, "title")
		if title == "" {
			title = field(n, "message")
		}
		mark := lipgloss.NewStyle().Foreground(theme.NotificationColor(field(n, "type"))).Render("■")
		lines = append(lines, "  "+theme.StyleDimmed.Render(clock(field(n, "timestamp")))+" "+mark+" "+truncate(title, width-16))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderGauge draws a small bar for a fraction in [0,1] followed by its
// percentage.
func renderGauge(pct float64, barWidth int) string {
	filled := max(0, min(int(pct*float64(barWidth)), barWidth))
	color := theme.GaugeColor(pct)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", barWidth-filled))
	return bar + lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf(" %3.0f%%", pct*100))
}

// componentStatus extracts the "status" word of one system component.
func componentStatus(raw json.RawMessage) string {
	var obj struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Status != "" {
		return obj.Status
	}
	return formatValue(raw)
}

func formatValue(raw json.RawMessage) string {
	if n, ok := number(raw); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Value) > 0 {
		return formatValue(obj.Value)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func number(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func field(r client.Record, key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// clock shortens an ISO timestamp to its wall-clock part.
func clock(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// capped copies at most MaxFeed records of a newest-first list.
func capped(in []client.Record) []client.Record {
	return append([]client.Record(nil), in[:min(len(in), MaxFeed)]...)
}

func prepend(list []client.Record, r client.Record) []client.Record {
	out := make([]client.Record, 0, min(len(list)+1, MaxFeed))
	out = append(out, r)
	for _, x := range list {
		if len(out) == MaxFeed {
			break
		}
		out = append(out, x)
	}
	return out
}

// formatCount formats large numbers with K/M suffixes.
func formatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
