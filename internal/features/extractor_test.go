package features

import (
	"math"
	"testing"
	"time"

	"threatlens/internal/schema"
)

func ts(hour, minute int) time.Time {
	return time.Date(2025, 6, 2, hour, minute, 0, 0, time.UTC)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ---
// Per-type extraction
// ---

func TestExtract_EmptyBatch(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	fv := e.Extract(nil)
	if len(fv) != 0 {
		t.Errorf("Extract(nil) = %v, want empty vector", fv)
	}
}

func TestExtract_Keystroke(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventKeystroke, Timestamp: ts(10, 0),
			EventData: map[string]any{"dwell_time": 100.0, "flight_time": 50.0, "typing_speed": 60.0}},
		{UserID: "u", EventType: schema.EventKeystroke, Timestamp: ts(10, 1),
			EventData: map[string]any{"dwell_time": 200.0, "flight_time": 70.0, "typing_speed": 80.0}},
	}

	fv := e.Extract(events)

	if !almostEqual(fv["avg_dwell_time"], 150.0) {
		t.Errorf("avg_dwell_time = %v, want 150", fv["avg_dwell_time"])
	}
	if !almostEqual(fv["std_dwell_time"], 50.0) {
		t.Errorf("std_dwell_time = %v, want 50", fv["std_dwell_time"])
	}
	if !almostEqual(fv["median_dwell_time"], 150.0) {
		t.Errorf("median_dwell_time = %v, want 150", fv["median_dwell_time"])
	}
	if !almostEqual(fv["avg_flight_time"], 60.0) {
		t.Errorf("avg_flight_time = %v, want 60", fv["avg_flight_time"])
	}
	if !almostEqual(fv["max_typing_speed"], 80.0) {
		t.Errorf("max_typing_speed = %v, want 80", fv["max_typing_speed"])
	}
}

func TestExtract_FileAccess(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventFileAccess, Timestamp: ts(10, 0),
			EventData: map[string]any{"file_path": "/a.csv", "file_type": ".csv", "file_size": 1000.0}},
		{UserID: "u", EventType: schema.EventFileAccess, Timestamp: ts(10, 1),
			EventData: map[string]any{"file_path": "/b.csv", "file_type": ".csv", "file_size": 3000.0}},
		{UserID: "u", EventType: schema.EventFileAccess, Timestamp: ts(10, 2),
			EventData: map[string]any{"file_path": "/a.csv", "file_type": ".csv"}},
	}

	fv := e.Extract(events)

	if fv["total_file_accesses"] != 3 {
		t.Errorf("total_file_accesses = %v, want 3", fv["total_file_accesses"])
	}
	if fv["unique_files_accessed"] != 2 {
		t.Errorf("unique_files_accessed = %v, want 2", fv["unique_files_accessed"])
	}
	if fv["unique_file_types"] != 1 {
		t.Errorf("unique_file_types = %v, want 1", fv["unique_file_types"])
	}
	if !almostEqual(fv["total_file_size"], 4000.0) {
		t.Errorf("total_file_size = %v, want 4000", fv["total_file_size"])
	}
	if !almostEqual(fv["max_file_size"], 3000.0) {
		t.Errorf("max_file_size = %v, want 3000", fv["max_file_size"])
	}
}

func TestExtract_Login(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventLogin, Timestamp: ts(9, 0),
			EventData: map[string]any{"location": "office", "device_id": "d1", "success": true}},
		{UserID: "u", EventType: schema.EventLogin, Timestamp: ts(9, 5),
			EventData: map[string]any{"location": "home", "device_id": "d1", "success": false}},
		{UserID: "u", EventType: schema.EventLogin, Timestamp: ts(9, 10),
			EventData: map[string]any{"location": "office", "device_id": "d2"}},
		{UserID: "u", EventType: schema.EventLogin, Timestamp: ts(9, 15),
			EventData: map[string]any{"success": false}},
	}

	fv := e.Extract(events)

	if fv["unique_login_locations"] != 2 {
		t.Errorf("unique_login_locations = %v, want 2", fv["unique_login_locations"])
	}
	if fv["unique_devices"] != 2 {
		t.Errorf("unique_devices = %v, want 2", fv["unique_devices"])
	}
	if fv["failed_login_attempts"] != 2 {
		t.Errorf("failed_login_attempts = %v, want 2", fv["failed_login_attempts"])
	}
	if !almostEqual(fv["login_success_rate"], 0.5) {
		t.Errorf("login_success_rate = %v, want 0.5", fv["login_success_rate"])
	}
}

func TestExtract_Network(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventNetworkRequest, Timestamp: ts(11, 0),
			EventData: map[string]any{"domain": "example.com", "protocol": "https", "data_volume": 500.0}},
		{UserID: "u", EventType: schema.EventNetworkRequest, Timestamp: ts(11, 1),
			EventData: map[string]any{"domain": "files.example.com", "protocol": "https", "data_volume": 1500.0}},
	}

	fv := e.Extract(events)

	if fv["unique_domains"] != 2 {
		t.Errorf("unique_domains = %v, want 2", fv["unique_domains"])
	}
	if fv["unique_protocols"] != 1 {
		t.Errorf("unique_protocols = %v, want 1", fv["unique_protocols"])
	}
	if !almostEqual(fv["total_data_volume"], 2000.0) {
		t.Errorf("total_data_volume = %v, want 2000", fv["total_data_volume"])
	}
	if !almostEqual(fv["avg_data_volume"], 1000.0) {
		t.Errorf("avg_data_volume = %v, want 1000", fv["avg_data_volume"])
	}
}

// ---
// Temporal features
// ---

func TestExtract_Temporal(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventSystemCommand, Timestamp: ts(10, 0)},
		{UserID: "u", EventType: schema.EventSystemCommand, Timestamp: ts(10, 1)},
		{UserID: "u", EventType: schema.EventSystemCommand, Timestamp: ts(23, 0)},
		{UserID: "u", EventType: schema.EventSystemCommand, Timestamp: ts(23, 2)},
	}

	fv := e.Extract(events)

	if fv["events_in_work_hours"] != 2 {
		t.Errorf("events_in_work_hours = %v, want 2", fv["events_in_work_hours"])
	}
	if !almostEqual(fv["work_hours_ratio"], 0.5) {
		t.Errorf("work_hours_ratio = %v, want 0.5", fv["work_hours_ratio"])
	}
	wantSpan := ts(23, 2).Sub(ts(10, 0)).Seconds()
	if !almostEqual(fv["total_time_span"], wantSpan) {
		t.Errorf("total_time_span = %v, want %v", fv["total_time_span"], wantSpan)
	}
	if fv["median_event_interval"] <= 0 {
		t.Errorf("median_event_interval = %v, want > 0", fv["median_event_interval"])
	}
}

func TestExtract_WorkHoursBoundaries(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	tests := []struct {
		name string
		hour int
		want float64
	}{
		{"start of window", 9, 1},
		{"end of window", 17, 1},
		{"before window", 8, 0},
		{"after window", 18, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv := e.Extract([]schema.Event{
				{UserID: "u", EventType: schema.EventSystemCommand, Timestamp: ts(tt.hour, 30)},
			})
			if fv["events_in_work_hours"] != tt.want {
				t.Errorf("events_in_work_hours = %v, want %v", fv["events_in_work_hours"], tt.want)
			}
		})
	}
}

// ---
// Input tolerance
// ---

func TestExtract_SkipsMalformedFields(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventKeystroke, Timestamp: ts(10, 0),
			EventData: map[string]any{"dwell_time": "not-a-number"}},
		{UserID: "u", EventType: schema.EventKeystroke, Timestamp: ts(10, 1),
			EventData: map[string]any{"dwell_time": 120.0}},
		{UserID: "u", EventType: schema.EventKeystroke, Timestamp: ts(10, 2)},
	}

	fv := e.Extract(events)

	if !almostEqual(fv["avg_dwell_time"], 120.0) {
		t.Errorf("avg_dwell_time = %v, want 120 (malformed value skipped)", fv["avg_dwell_time"])
	}
}

func TestExtract_IntFieldsCoerced(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	events := []schema.Event{
		{UserID: "u", EventType: schema.EventFileAccess, Timestamp: ts(10, 0),
			EventData: map[string]any{"file_size": 2048}},
	}

	fv := e.Extract(events)

	if !almostEqual(fv["total_file_size"], 2048.0) {
		t.Errorf("total_file_size = %v, want 2048", fv["total_file_size"])
	}
}
