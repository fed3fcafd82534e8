// Package features converts raw behavioral event batches into flat
// named feature vectors. Extraction is tolerant by design: missing or
// malformed event_data fields are skipped, and an empty batch yields an
// empty vector, never an error.
package features

import (
	"sort"

	"threatlens/internal/schema"
)

// Config holds configuration for the feature extractor.
type Config struct {
	// Work hours window, inclusive on both ends. An event whose local
	// hour falls inside the window counts as in-hours.
	WorkHoursStart int `yaml:"work_hours_start"`
	WorkHoursEnd   int `yaml:"work_hours_end"`
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{
		WorkHoursStart: 9,
		WorkHoursEnd:   17,
	}
}

// Extractor computes feature vectors from event batches.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor with the given configuration.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract groups events by type, applies the type-specific extraction
// function for each group, then adds cross-type temporal features.
func (e *Extractor) Extract(events []schema.Event) schema.FeatureVector {
	fv := schema.FeatureVector{}
	if len(events) == 0 {
		return fv
	}

	byType := make(map[schema.EventType][]schema.Event)
	for _, ev := range events {
		byType[ev.EventType] = append(byType[ev.EventType], ev)
	}

	for typ, typed := range byType {
		switch typ {
		case schema.EventKeystroke:
			merge(fv, extractKeystroke(typed))
		case schema.EventMouseMovement:
			merge(fv, extractMouse(typed))
		case schema.EventFileAccess:
			merge(fv, extractFile(typed))
		case schema.EventNetworkRequest:
			merge(fv, extractNetwork(typed))
		case schema.EventLogin:
			merge(fv, extractLogin(typed))
		case schema.EventApplicationUsage:
			merge(fv, extractApp(typed))
		}
	}

	merge(fv, e.extractTemporal(events))
	return fv
}

func merge(dst, src schema.FeatureVector) {
	for k, v := range src {
		dst[k] = v
	}
}

func extractKeystroke(events []schema.Event) schema.FeatureVector {
	fv := schema.FeatureVector{}
	dwell := collect(events, "dwell_time")
	flight := collect(events, "flight_time")
	speed := collect(events, "typing_speed")

	if len(dwell) > 0 {
		fv["avg_dwell_time"] = mean(dwell)
		fv["std_dwell_time"] = std(dwell)
		fv["median_dwell_time"] = median(dwell)
	}
	if len(flight) > 0 {
		fv["avg_flight_time"] = mean(flight)
		fv["std_flight_time"] = std(flight)
		fv["median_flight_time"] = median(flight)
	}
	if len(speed) > 0 {
		fv["avg_typing_speed"] = mean(speed)
		fv["std_typing_speed"] = std(speed)
		fv["max_typing_speed"] = maxOf(speed)
	}
	return fv
}

func extractMouse(events []schema.Event) schema.FeatureVector {
	fv := schema.FeatureVector{}
	velocity := collect(events, "velocity")
	accel := collect(events, "acceleration")
	clicks := collect(events, "click_frequency")

	if len(velocity) > 0 {
		fv["avg_mouse_velocity"] = mean(velocity)
		fv["std_mouse_velocity"] = std(velocity)
		fv["max_mouse_velocity"] = maxOf(velocity)
	}
	if len(accel) > 0 {
		fv["avg_mouse_acceleration"] = mean(accel)
		fv["std_mouse_acceleration"] = std(accel)
	}
	if len(clicks) > 0 {
		fv["avg_click_frequency"] = mean(clicks)
		fv["total_clicks"] = float64(len(clicks))
	}
	return fv
}

func extractFile(events []schema.Event) schema.FeatureVector {
	fileTypes := make(map[string]struct{})
	uniqueFiles := make(map[string]struct{})
	var sizes []float64

	for _, ev := range events {
		if s, ok := stringField(ev, "file_type"); ok {
			fileTypes[s] = struct{}{}
		}
		if s, ok := stringField(ev, "file_path"); ok {
			uniqueFiles[s] = struct{}{}
		}
		if v, ok := numericField(ev, "file_size"); ok {
			sizes = append(sizes, v)
		}
	}

	fv := schema.FeatureVector{
		"unique_file_types":     float64(len(fileTypes)),
		"total_file_accesses":   float64(len(events)),
		"unique_files_accessed": float64(len(uniqueFiles)),
	}
	if len(sizes) > 0 {
		fv["avg_file_size"] = mean(sizes)
		fv["total_file_size"] = sum(sizes)
		fv["max_file_size"] = maxOf(sizes)
	}
	return fv
}

func extractNetwork(events []schema.Event) schema.FeatureVector {
	domains := make(map[string]struct{})
	protocols := make(map[string]struct{})
	var volumes []float64

	for _, ev := range events {
		if s, ok := stringField(ev, "domain"); ok {
			domains[s] = struct{}{}
		}
		if s, ok := stringField(ev, "protocol"); ok {
			protocols[s] = struct{}{}
		}
		if v, ok := numericField(ev, "data_volume"); ok {
			volumes = append(volumes, v)
		}
	}

	fv := schema.FeatureVector{
		"unique_domains":         float64(len(domains)),
		"unique_protocols":       float64(len(protocols)),
		"total_network_requests": float64(len(events)),
	}
	if len(volumes) > 0 {
		fv["total_data_volume"] = sum(volumes)
		fv["avg_data_volume"] = mean(volumes)
		fv["max_data_volume"] = maxOf(volumes)
	}
	return fv
}

func extractLogin(events []schema.Event) schema.FeatureVector {
	locations := make(map[string]struct{})
	devices := make(map[string]struct{})
	failed := 0

	for _, ev := range events {
		if s, ok := stringField(ev, "location"); ok {
			locations[s] = struct{}{}
		}
		if s, ok := stringField(ev, "device_id"); ok {
			devices[s] = struct{}{}
		}
		// Absent success field counts as a successful login.
		if v, ok := ev.EventData["success"]; ok {
			if b, ok := v.(bool); ok && !b {
				failed++
			}
		}
	}

	successRate := 0.0
	if len(events) > 0 {
		successRate = float64(len(events)-failed) / float64(len(events))
	}

	return schema.FeatureVector{
		"unique_login_locations": float64(len(locations)),
		"unique_devices":         float64(len(devices)),
		"total_login_attempts":   float64(len(events)),
		"failed_login_attempts":  float64(failed),
		"login_success_rate":     successRate,
	}
}

func extractApp(events []schema.Event) schema.FeatureVector {
	apps := make(map[string]struct{})
	var durations []float64

	for _, ev := range events {
		if s, ok := stringField(ev, "application"); ok {
			apps[s] = struct{}{}
		}
		if v, ok := numericField(ev, "duration"); ok {
			durations = append(durations, v)
		}
	}

	fv := schema.FeatureVector{
		"unique_applications": float64(len(apps)),
		"total_app_sessions":  float64(len(events)),
	}
	if len(durations) > 0 {
		fv["total_usage_time"] = sum(durations)
		fv["avg_session_duration"] = mean(durations)
		fv["max_session_duration"] = maxOf(durations)
	}
	return fv
}

func (e *Extractor) extractTemporal(events []schema.Event) schema.FeatureVector {
	timestamps := make([]int64, 0, len(events))
	inWorkHours := 0
	for _, ev := range events {
		timestamps = append(timestamps, ev.Timestamp.UnixNano())
		h := ev.Timestamp.Hour()
		if h >= e.cfg.WorkHoursStart && h <= e.cfg.WorkHoursEnd {
			inWorkHours++
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	intervals := make([]float64, 0, len(timestamps))
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, float64(timestamps[i]-timestamps[i-1])/1e9)
	}

	span := 0.0
	if len(timestamps) > 1 {
		span = float64(timestamps[len(timestamps)-1]-timestamps[0]) / 1e9
	}

	fv := schema.FeatureVector{
		"events_in_work_hours": float64(inWorkHours),
		"work_hours_ratio":     float64(inWorkHours) / float64(len(events)),
		"total_time_span":      span,
	}
	if len(intervals) > 0 {
		fv["avg_event_interval"] = mean(intervals)
		fv["std_event_interval"] = std(intervals)
		fv["median_event_interval"] = median(intervals)
	}
	return fv
}

// collect gathers the named numeric field from every event that has it.
func collect(events []schema.Event, field string) []float64 {
	var out []float64
	for _, ev := range events {
		if v, ok := numericField(ev, field); ok {
			out = append(out, v)
		}
	}
	return out
}

func numericField(ev schema.Event, field string) (float64, bool) {
	v, ok := ev.EventData[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringField(ev schema.Event, field string) (string, bool) {
	v, ok := ev.EventData[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
