package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"threatlens/internal/schema"
)

// Common errors for the SIEM channel.
var ErrNoSIEMEndpoint = errors.New("no SIEM endpoint configured")

// SplunkConfig configures HTTP Event Collector forwarding.
type SplunkConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	Index      string `yaml:"index"`
	SourceType string `yaml:"source_type"`
	Source     string `yaml:"source"`
}

// DTLSConfig configures CEF forwarding over DTLS to a collector.
type DTLSConfig struct {
	Address string `yaml:"address"`

	// Optional client certificate for mutual TLS.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CA certificate for validating the collector.
	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables collector certificate validation.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// SIEMConfig configures the SIEM notification channel. At least one
// endpoint must be set.
type SIEMConfig struct {
	CEF    CEFConfig     `yaml:"cef"`
	Splunk *SplunkConfig `yaml:"splunk"`
	DTLS   *DTLSConfig   `yaml:"dtls"`
}

// SIEMChannel renders alerts as CEF lines and forwards them to the
// configured SIEM endpoints. Endpoint failures are collected so one
// destination going down does not hide the line from the others.
type SIEMChannel struct {
	config SIEMConfig
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewSIEMChannel creates a SIEM notification channel.
func NewSIEMChannel(cfg SIEMConfig, logger *slog.Logger) *SIEMChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CEF == (CEFConfig{}) {
		cfg.CEF = DefaultCEFConfig()
	}
	return &SIEMChannel{
		config: cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger.With("component", "siem_channel"),
	}
}

func (s *SIEMChannel) Name() string { return "siem" }

// Send forwards the alert to every configured endpoint.
func (s *SIEMChannel) Send(ctx context.Context, alert *schema.Alert) error {
	if s.config.Splunk == nil && s.config.DTLS == nil {
		return ErrNoSIEMEndpoint
	}

	line := FormatCEF(s.config.CEF, alert)

	var errs []error
	if s.config.Splunk != nil {
		if err := s.sendSplunk(ctx, line); err != nil {
			errs = append(errs, fmt.Errorf("splunk: %w", err))
		}
	}
	if s.config.DTLS != nil {
		if err := s.sendDTLS(ctx, line); err != nil {
			errs = append(errs, fmt.Errorf("dtls: %w", err))
		}
	}
	return errors.Join(errs...)
}

// sendSplunk posts the CEF line to the Splunk HTTP Event Collector.
func (s *SIEMChannel) sendSplunk(ctx context.Context, line string) error {
	cfg := s.config.Splunk

	sourceType := cfg.SourceType
	if sourceType == "" {
		sourceType = "threatlens:alert"
	}
	source := cfg.Source
	if source == "" {
		source = "threatlens"
	}
	index := cfg.Index
	if index == "" {
		index = "security"
	}

	payload := map[string]interface{}{
		"event":      line,
		"sourcetype": sourceType,
		"source":     source,
		"index":      index,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal HEC payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.URL+"/services/collector/event", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HEC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Splunk "+cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HEC returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// sendDTLS writes the CEF line over a persistent DTLS connection,
// reconnecting once on a stale connection.
func (s *SIEMChannel) sendDTLS(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := []byte(line + "\n")

	if s.conn != nil {
		if _, err := s.conn.Write(data); err == nil {
			return nil
		}
		s.conn.Close()
		s.conn = nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn

	if _, err := s.conn.Write(data); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("DTLS write failed: %w", err)
	}
	return nil
}

func (s *SIEMChannel) dial(ctx context.Context) (net.Conn, error) {
	cfg := s.config.DTLS

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve collector address: %w", err)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dtlsConfig := &dtls.Config{
		InsecureSkipVerify:   cfg.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, timeout)
		},
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		dtlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		dtlsConfig.RootCAs = caPool
	}

	conn, err := dtls.Dial("udp", addr, dtlsConfig)
	if err != nil {
		return nil, fmt.Errorf("DTLS dial failed: %w", err)
	}

	s.logger.Debug("DTLS connection established", "address", cfg.Address)
	return conn, nil
}

// Close shuts down the persistent DTLS connection if open.
func (s *SIEMChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
