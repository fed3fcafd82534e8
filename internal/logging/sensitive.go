// Package logging provides log and evidence redaction for threatlens.
//
// Behavioral events carry arbitrary event_data captured from endpoint
// agents, and that data flows into alert evidence which leaves the
// process through notification channels, the SIEM forwarder and the
// S3 archive. Anything that looks like a credential is masked before
// it is logged or attached to an alert.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains field names whose values are always masked.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"session_id":    true,
	"cookie":        true,
	"x-api-key":     true,
	"smtp_password": true,
	"webhook_url":   true,
}

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name is sensitive, either
// exactly or by containing a sensitive keyword.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskAPIKey masks an API key, showing only leading and trailing
// characters for correlation in logs.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// SensitivePatterns matches credential material embedded in raw
// strings, such as command lines or URLs captured in event data.
var SensitivePatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-.]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS access key IDs
	regexp.MustCompile(`(?i)(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks credential patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s

	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}

	return result
}

// MaskMap returns a copy of an evidence or event-data map with
// sensitive fields masked. Nested maps are masked recursively; string
// values of non-sensitive fields are still scanned for embedded
// credential patterns. A nil map stays nil.
func MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	masked := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveField(k) {
			masked[k] = MaskedValue
			continue
		}
		switch val := v.(type) {
		case string:
			masked[k] = MaskSensitivePatterns(val)
		case map[string]any:
			masked[k] = MaskMap(val)
		default:
			masked[k] = v
		}
	}
	return masked
}
