package s3

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Region == "" {
		t.Error("expected default region")
	}
	if cfg.Bucket == "" {
		t.Error("expected default bucket")
	}
	if cfg.MaxRetries < 1 {
		t.Error("expected at least one retry")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty bucket",
			modify: func(c *Config) {
				c.Bucket = ""
			},
			wantErr: true,
		},
		{
			name: "empty region",
			modify: func(c *Config) {
				c.Region = ""
			},
			wantErr: true,
		},
		{
			name: "negative retries",
			modify: func(c *Config) {
				c.MaxRetries = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		class    string
		expected types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"standard", types.StorageClassStandard},
		{"INTELLIGENT_TIERING", types.StorageClassIntelligentTiering},
		{"GLACIER", types.StorageClassGlacier},
		{"DEEP_ARCHIVE", types.StorageClassDeepArchive},
		{"unknown", types.StorageClassStandard},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			if got := cfg.GetStorageClass(); got != tt.expected {
				t.Errorf("GetStorageClass() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFullKey(t *testing.T) {
	withPrefix := &Client{config: &Config{Prefix: "alerts"}}
	if got := withPrefix.fullKey("batches/x.json.gz"); got != "alerts/batches/x.json.gz" {
		t.Errorf("fullKey() = %q", got)
	}

	noPrefix := &Client{config: &Config{}}
	if got := noPrefix.fullKey("batches/x.json.gz"); got != "batches/x.json.gz" {
		t.Errorf("fullKey() without prefix = %q", got)
	}
}

func TestTrimPrefix(t *testing.T) {
	if got := trimPrefix("alerts/manifests/a.json", "alerts"); got != "manifests/a.json" {
		t.Errorf("trimPrefix() = %q", got)
	}
	if got := trimPrefix("manifests/a.json", ""); got != "manifests/a.json" {
		t.Errorf("trimPrefix() with empty prefix = %q", got)
	}
}
