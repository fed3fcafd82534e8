package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"threatlens/internal/schema"
)

// CEFConfig identifies this product in emitted Common Event Format lines.
type CEFConfig struct {
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
	Version string `yaml:"version"`
}

// DefaultCEFConfig returns the device identity used in CEF headers.
func DefaultCEFConfig() CEFConfig {
	return CEFConfig{
		Vendor:  "ThreatLens",
		Product: "ThreatLens",
		Version: "1.0",
	}
}

var cefEscaper = strings.NewReplacer("=", "\\=", "|", "\\|")

// FormatCEF renders an alert as a CEF:0 line. The threat type is the
// event class ID, the risk score and confidence travel in the cs1/cs2
// custom string extensions, and rt carries the creation time in epoch
// milliseconds.
func FormatCEF(cfg CEFConfig, alert *schema.Alert) string {
	header := fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d",
		cfg.Vendor,
		cfg.Product,
		cfg.Version,
		alert.ThreatType,
		alert.Title,
		severityNumber(alert.Severity),
	)

	extension := fmt.Sprintf("rt=%d src=%s cs1=%s cs1Label=RiskScore cs2=%s cs2Label=Confidence msg=%s",
		alert.CreatedAt.UnixMilli(),
		alert.UserID,
		formatScore(alert.RiskScore),
		formatScore(alert.Confidence),
		cefEscaper.Replace(alert.Description),
	)

	return header + "|" + extension
}

// severityNumber maps alert severity onto the CEF 0..10 scale.
func severityNumber(s schema.Severity) int {
	switch s {
	case schema.SeverityLow:
		return 3
	case schema.SeverityMedium:
		return 6
	case schema.SeverityHigh:
		return 8
	case schema.SeverityCritical:
		return 10
	default:
		return 6
	}
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
