package scenes

import (
	"fmt"
	"strings"
	"time"

	"threatlens/internal/tui/api"
	"threatlens/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// AlertsScene displays recent threat alerts
type AlertsScene struct {
	client     *api.Client
	alerts     []api.Alert
	totalCount int64
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// alertsMsg carries updated alerts
type alertsMsg struct {
	alerts     []api.Alert
	totalCount int64
	err        string
}

// NewAlertsScene creates a new alerts scene
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the alerts scene
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

// fetchAlerts fetches alerts from the API
func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.client.GetAlerts(100)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		if resp.Error != "" {
			return alertsMsg{err: resp.Error}
		}
		return alertsMsg{
			alerts:     resp.Alerts,
			totalCount: int64(resp.Total),
		}
	}
}

// TickCmd returns a command that ticks every interval
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Update handles messages for the alerts scene
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-12)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.alerts)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "pgup":
			a.cursor = max(0, a.cursor-a.maxRows)
			a.offset = max(0, a.offset-a.maxRows)
		case "pgdown":
			a.cursor = min(len(a.alerts)-1, a.cursor+a.maxRows)
			a.offset = min(max(0, len(a.alerts)-a.maxRows), a.offset+a.maxRows)
		case "r":
			// Manual refresh
			a.loading = true
			return a, a.fetchAlerts()
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.totalCount = msg.totalCount
		a.err = msg.err
		a.lastUpdate = time.Now()
		// Reset cursor if out of bounds
		if a.cursor >= len(a.alerts) {
			a.cursor = max(0, len(a.alerts)-1)
		}
		return a, nil

	case TickMsg:
		if msg.Scene == "alerts" {
			// Auto-refresh alerts
			return a, a.fetchAlerts()
		}
		return a, nil
	}

	return a, nil
}

// View renders the alert list
func (a *AlertsScene) View() string {
	var b strings.Builder

	title := styles.Title.Render("  Threat Alerts")
	b.WriteString(title)
	b.WriteString("\n\n")

	if a.loading && len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  Loading alerts..."))
		return b.String()
	}

	// Error display
	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Make sure the analyzer is running and reachable."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	// No alerts
	if len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts found."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Alerts appear here once user activity batches score above the detection threshold."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Send activity via the HTTP API (POST /v1/analyze) or the Kafka events topic."))
		return b.String()
	}

	// Alert count and status
	countText := fmt.Sprintf("  Showing %d of %d alerts", len(a.alerts), a.totalCount)
	b.WriteString(styles.Subtitle.Render(countText))
	if a.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	// Table header
	header := fmt.Sprintf("  %-10s %-10s %-16s %-18s %-6s %s",
		"Created", "Severity", "User", "Threat", "Risk", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	// Table rows
	endIdx := min(a.offset+a.maxRows, len(a.alerts))
	visibleAlerts := a.alerts[a.offset:endIdx]
	for i, alert := range visibleAlerts {
		idx := a.offset + i
		row := a.renderAlertRow(alert, idx == a.cursor)
		b.WriteString(row)
		b.WriteString("\n")
	}

	// Scroll indicator
	if len(a.alerts) > a.maxRows {
		scrollInfo := fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			a.offset+1, endIdx, len(a.alerts))
		b.WriteString(styles.Muted.Render(scrollInfo))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	// Last update time
	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (a *AlertsScene) renderAlertRow(alert api.Alert, selected bool) string {
	created := alert.CreatedAt.Format("15:04:05")
	severity := a.formatSeverity(alert.Severity)
	user := truncate(alert.UserID, 16)
	threat := truncate(alert.ThreatType, 18)
	risk := fmt.Sprintf("%.2f", alert.RiskScore)
	title := truncate(alert.Title, 40)

	row := fmt.Sprintf("  %-10s %s %-16s %-18s %-6s %s", created, severity, user, threat, risk, title)

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}

	return row
}

func (a *AlertsScene) formatSeverity(sev string) string {
	padded := fmt.Sprintf("%-10s", strings.ToUpper(sev))
	return styles.Severity(sev).Render(padded)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
