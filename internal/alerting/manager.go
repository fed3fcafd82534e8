// Package alerting turns detected threats into alerts and fans them out
// to notification channels.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatlens/internal/logging"
	"threatlens/internal/schema"
)

// NotificationChannel delivers an alert to an external destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *schema.Alert) error
}

// ManagerConfig controls alert generation and delivery.
type ManagerConfig struct {
	// MinScores gates alerts whose strategy confidence falls below a
	// per-severity floor. The floors are on the confidence scale, not
	// the severity-weighted risk score: weighting first would demand
	// near-total confidence before any high-severity threat could
	// alert.
	MinScores map[schema.Severity]float64

	// Rolling-window rate caps. Net of reservations released by later
	// gates, budget is consumed only by created alerts.
	UserHourlyLimit       int
	ThreatTypeHourlyLimit int
	RateWindow            time.Duration

	// DedupCooldown suppresses repeat alerts for the same user and
	// threat type. Zero disables deduplication.
	DedupCooldown time.Duration

	// ChannelTimeout bounds each notification delivery attempt.
	ChannelTimeout time.Duration

	// HistoryLimit caps the in-memory alert store.
	HistoryLimit int
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinScores: map[schema.Severity]float64{
			schema.SeverityLow:      0.3,
			schema.SeverityMedium:   0.5,
			schema.SeverityHigh:     0.7,
			schema.SeverityCritical: 0.8,
		},
		UserHourlyLimit:       10,
		ThreatTypeHourlyLimit: 5,
		RateWindow:            time.Hour,
		DedupCooldown:         15 * time.Minute,
		ChannelTimeout:        30 * time.Second,
		HistoryLimit:          10000,
	}
}

// Manager generates alerts from threats and routes them to channels by
// priority. All methods are safe for concurrent use.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	store   *Store
	limiter *rateLimiter
	dedup   *dedupTracker
	now     func() time.Time

	mu       sync.RWMutex
	channels map[string]NotificationChannel
	routes   map[schema.Priority][]string

	generated       uint64
	suppressedScore uint64
	suppressedRate  uint64
	suppressedDup   uint64
	notifyFailures  uint64
}

// NewManager creates an alert manager with the default priority routes.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "alert_manager"),
		store:    NewStore(cfg.HistoryLimit),
		limiter:  newRateLimiter(cfg.RateWindow, cfg.UserHourlyLimit, cfg.ThreatTypeHourlyLimit),
		dedup:    newDedupTracker(cfg.DedupCooldown),
		now:      time.Now,
		channels: make(map[string]NotificationChannel),
		routes:   defaultRoutes(),
	}
}

// defaultRoutes maps alert priority to channel names. Higher priorities
// reach more channels; everything lands in the SIEM.
func defaultRoutes() map[schema.Priority][]string {
	return map[schema.Priority][]string{
		schema.PriorityCritical: {"email", "chat", "webhook", "siem"},
		schema.PriorityHigh:     {"email", "chat", "siem"},
		schema.PriorityMedium:   {"email", "siem"},
		schema.PriorityLow:      {"siem"},
	}
}

// RegisterChannel adds a notification channel, keyed by its name.
func (m *Manager) RegisterChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// SetRoutes replaces the priority-to-channel routing table.
func (m *Manager) SetRoutes(routes map[schema.Priority][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = routes
}

// Store exposes the alert store for the query API.
func (m *Manager) Store() *Store {
	return m.store
}

// ProcessThreats evaluates each threat against the generation gates,
// creates alerts for those that pass, and delivers notifications. It
// returns the created alerts after all deliveries have completed.
func (m *Manager) ProcessThreats(ctx context.Context, userID string, threats []schema.Threat) []schema.Alert {
	m.logger.Info("processing threats", "user_id", userID, "count", len(threats))

	alerts := make([]schema.Alert, 0, len(threats))
	for i := range threats {
		threat := &threats[i]
		if !m.shouldAlert(userID, threat) {
			continue
		}

		alert := m.createAlert(userID, threat)
		m.store.Add(alert)
		atomic.AddUint64(&m.generated, 1)

		m.sendNotifications(ctx, &alert)

		alerts = append(alerts, alert)
	}

	m.logger.Info("threat processing complete",
		"user_id", userID,
		"threats", len(threats),
		"alerts", len(alerts),
	)
	return alerts
}

// shouldAlert applies the generation gates in order: minimum score,
// rate limits, duplicate cooldown. The rate budget is reserved here,
// under the limiter lock, so two concurrent batches at cap-1 cannot
// both pass; a reservation undone by the dedup gate is released. The
// dedup tracker records the sighting even when it suppresses.
func (m *Manager) shouldAlert(userID string, threat *schema.Threat) bool {
	if threat.Confidence < m.cfg.MinScores[threat.Severity] {
		atomic.AddUint64(&m.suppressedScore, 1)
		m.logger.Debug("alert below score threshold",
			"user_id", userID,
			"threat_type", threat.ThreatType,
			"confidence", threat.Confidence,
		)
		return false
	}

	now := m.now()

	if !m.limiter.Reserve(userID, string(threat.ThreatType), now) {
		atomic.AddUint64(&m.suppressedRate, 1)
		m.logger.Info("alert rate limited",
			"user_id", userID,
			"threat_type", threat.ThreatType,
		)
		return false
	}

	if m.cfg.DedupCooldown > 0 && m.dedup.Duplicate(userID, string(threat.ThreatType), now) {
		m.limiter.Release(userID, string(threat.ThreatType), now)
		atomic.AddUint64(&m.suppressedDup, 1)
		m.logger.Info("duplicate alert suppressed",
			"user_id", userID,
			"threat_type", threat.ThreatType,
		)
		return false
	}

	return true
}

func (m *Manager) createAlert(userID string, threat *schema.Threat) schema.Alert {
	now := m.now()
	return schema.Alert{
		ID:          uuid.NewString(),
		UserID:      userID,
		ThreatType:  threat.ThreatType,
		Severity:    threat.Severity,
		Priority:    priorityFor(threat.Severity, threat.RiskScore),
		RiskScore:   threat.RiskScore,
		Confidence:  threat.Confidence,
		Title:       threat.Title,
		Description: threat.Description,
		// Evidence leaves the process via channels, the SIEM
		// forwarder and the archive; credentials captured in
		// event data must not travel with it.
		Evidence:           logging.MaskMap(threat.Evidence),
		RecommendedActions: recommendedActions(threat.ThreatType),
		Status:             schema.StatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// priorityFor derives alert priority from severity and risk score,
// whichever puts it higher.
func priorityFor(severity schema.Severity, riskScore float64) schema.Priority {
	switch {
	case severity == schema.SeverityCritical || riskScore >= 0.9:
		return schema.PriorityCritical
	case severity == schema.SeverityHigh || riskScore >= 0.7:
		return schema.PriorityHigh
	case severity == schema.SeverityMedium || riskScore >= 0.5:
		return schema.PriorityMedium
	default:
		return schema.PriorityLow
	}
}

// sendNotifications fans an alert out to every channel routed for its
// priority. Deliveries run concurrently with a per-channel timeout and
// are awaited together; one channel failing never blocks the others.
func (m *Manager) sendNotifications(ctx context.Context, alert *schema.Alert) {
	m.mu.RLock()
	names := m.routes[alert.Priority]
	targets := make([]NotificationChannel, 0, len(names))
	for _, name := range names {
		ch, ok := m.channels[name]
		if !ok {
			m.logger.Debug("no channel registered", "channel", name)
			continue
		}
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch NotificationChannel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, m.cfg.ChannelTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, alert); err != nil {
				atomic.AddUint64(&m.notifyFailures, 1)
				m.logger.Error("notification failed",
					"channel", ch.Name(),
					"alert_id", alert.ID,
					"error", err,
				)
				return
			}
			m.logger.Debug("notification sent",
				"channel", ch.Name(),
				"alert_id", alert.ID,
			)
		}(ch)
	}
	wg.Wait()
}

// Cleanup evicts expired rate-limiter and dedup state. Intended to be
// called periodically from a maintenance goroutine.
func (m *Manager) Cleanup() {
	now := m.now()
	pruned := m.limiter.Cleanup(now)
	evicted := m.dedup.Cleanup(now)
	m.logger.Debug("alert manager cleanup",
		"rate_keys_pruned", pruned,
		"dedup_keys_evicted", evicted,
	)
}

// Stats reports alert generation counters and store contents.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.store.Stats()
	stats["generated"] = atomic.LoadUint64(&m.generated)
	stats["suppressed_score"] = atomic.LoadUint64(&m.suppressedScore)
	stats["suppressed_rate"] = atomic.LoadUint64(&m.suppressedRate)
	stats["suppressed_duplicate"] = atomic.LoadUint64(&m.suppressedDup)
	stats["notify_failures"] = atomic.LoadUint64(&m.notifyFailures)
	return stats
}
