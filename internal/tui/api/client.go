// Package api provides the HTTP client the TUI uses to talk to the
// threatlens backend.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client handles API communication with the threatlens backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new API client. apiKey may be empty when the
// backend runs without authentication.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	AlertsTotal   int    `json:"alerts_total"`
}

// Alert is the subset of an alert the TUI renders.
type Alert struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ThreatType string    `json:"threat_type"`
	Severity   string    `json:"severity"`
	Priority   string    `json:"priority"`
	RiskScore  float64   `json:"risk_score"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// AlertsResponse is the body of GET /v1/alerts.
type AlertsResponse struct {
	Alerts []Alert `json:"alerts"`
	Count  int     `json:"count"`
	Total  int     `json:"total"`
	Error  string  `json:"error"`
}

// Stats aggregates backend state for the dashboard and system views.
type Stats struct {
	Healthy        bool
	HealthStatus   string
	StatusReason   string
	Uptime         string
	UptimeSeconds  int
	QueueDepth     int
	QueueCapacity  int
	QueueUsage     float64
	QueueDropped   int64
	AlertsTotal    int
	EventsAccepted int64
	EventsRejected int64
	BatchesTotal   int64
	EventsPerSec   float64
}

func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return resp, nil
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	resp, err := c.get("/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// GetAlerts fetches recent alerts, newest first.
func (c *Client) GetAlerts(limit int) (*AlertsResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	resp, err := c.get(fmt.Sprintf("/v1/alerts?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}

	var alerts AlertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &alerts, nil
}

// parsePrometheusMetrics parses Prometheus-format metrics.
func parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

// GetStats fetches combined stats for the dashboard and system views.
func (c *Client) GetStats() (*Stats, error) {
	health, healthErr := c.GetHealth()

	stats := &Stats{
		Healthy:      false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
	}

	if healthErr != nil {
		stats.StatusReason = healthErr.Error()
		return stats, nil
	}

	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueDepth = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.AlertsTotal = health.AlertsTotal
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))

	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	if health.Status == "degraded" {
		stats.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", stats.QueueUsage)
	} else if stats.Healthy {
		stats.StatusReason = "All systems operational"
	}

	// Enrich from the Prometheus endpoint when it responds.
	resp, err := c.get("/metrics")
	if err == nil {
		defer resp.Body.Close()
		buf := new(strings.Builder)
		buf.Grow(4096)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
			buf.WriteString("\n")
		}
		metrics := parsePrometheusMetrics(buf.String())

		if accepted, ok := metrics["threatlens_events_accepted_total"]; ok {
			stats.EventsAccepted = int64(accepted)
		}
		if rejected, ok := metrics["threatlens_events_rejected_total"]; ok {
			stats.EventsRejected = int64(rejected)
		}
		if batches, ok := metrics["threatlens_batches_received_total"]; ok {
			stats.BatchesTotal = int64(batches)
		}
		if dropped, ok := metrics["threatlens_queue_dropped_total"]; ok {
			stats.QueueDropped = int64(dropped)
		}
		if uptime, ok := metrics["threatlens_uptime_seconds"]; ok && uptime > 0 {
			stats.EventsPerSec = float64(stats.EventsAccepted) / uptime
		}
	}

	return stats, nil
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
