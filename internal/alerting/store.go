package alerting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"threatlens/internal/schema"
)

// Common errors for the alert store.
var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrInvalidStatus = errors.New("invalid alert status")
)

// AlertFilter selects alerts for listing. Zero-valued fields match
// everything; Offset and Limit paginate the newest-first result.
type AlertFilter struct {
	UserID     string
	ThreatType schema.ThreatType
	Severity   schema.Severity
	Priority   schema.Priority
	Status     schema.AlertStatus
	Since      time.Time
	Until      time.Time
	Offset     int
	Limit      int
}

func (f *AlertFilter) matches(a *schema.Alert) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.ThreatType != "" && a.ThreatType != f.ThreatType {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Store keeps recent alerts in memory for the query API. When the
// history limit is exceeded the oldest alerts are evicted.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*schema.Alert
	order  []string
	limit  int
}

// NewStore creates an alert store capped at limit entries. A limit of
// zero or less means unbounded.
func NewStore(limit int) *Store {
	return &Store{
		alerts: make(map[string]*schema.Alert),
		limit:  limit,
	}
}

// Add inserts an alert, evicting the oldest entries past the cap.
func (s *Store) Add(alert schema.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts[alert.ID] = &alert
	s.order = append(s.order, alert.ID)

	for s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.alerts, oldest)
	}
}

// Get returns the alert with the given ID.
func (s *Store) Get(id string) (schema.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return schema.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return *a, nil
}

// List returns alerts matching the filter, newest first.
func (s *Store) List(f AlertFilter) []schema.Alert {
	s.mu.RLock()

	matched := make([]schema.Alert, 0, len(s.order))
	for _, id := range s.order {
		a := s.alerts[id]
		if f.matches(a) {
			matched = append(matched, *a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []schema.Alert{}
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// UpdateStatus transitions an alert to a new lifecycle status.
func (s *Store) UpdateStatus(id string, status schema.AlertStatus, now time.Time) (schema.Alert, error) {
	if !status.IsValid() {
		return schema.Alert{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return schema.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}

	a.Status = status
	a.UpdatedAt = now
	return *a, nil
}

// Count returns the number of stored alerts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

// Stats summarizes the stored alerts for the dashboard endpoint.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeverity := make(map[string]int)
	byPriority := make(map[string]int)
	byStatus := make(map[string]int)

	for _, a := range s.alerts {
		bySeverity[string(a.Severity)]++
		byPriority[string(a.Priority)]++
		byStatus[string(a.Status)]++
	}

	return map[string]interface{}{
		"total":       len(s.alerts),
		"by_severity": bySeverity,
		"by_priority": byPriority,
		"by_status":   byStatus,
	}
}
