// Package config loads and validates the engine's own configuration
// (not a per-charger file, the teacher's unit): yaml.v3-decoded,
// validator/v10-validated, with a documented default for every field,
// in the manner of the teacher's config.Config (config/config.go).
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every engine-wide tunable named in §6.
type Config struct {
	MaxSessions int `yaml:"max_sessions" validate:"gt=0"`

	DefaultHeartbeatSec    int `yaml:"default_heartbeat_sec" validate:"gt=0"`
	DefaultMeterValuesSec  int `yaml:"default_meter_values_sec" validate:"gt=0"`
	OCPPRequestTimeoutMs   int `yaml:"ocpp_request_timeout_ms" validate:"gt=0"`

	ReconnectInitialMs int `yaml:"reconnect_initial_ms" validate:"gt=0"`
	ReconnectMaxMs     int `yaml:"reconnect_max_ms" validate:"gtefield=ReconnectInitialMs"`

	OutboundQueueDepth int `yaml:"outbound_queue_depth" validate:"gt=0"`

	NominalVoltageV  float64 `yaml:"nominal_voltage_v" validate:"gt=0"`
	StationMaxPowerKw float64 `yaml:"station_max_power_kw" validate:"gt=0"`

	LoadTestPacingPerSec int `yaml:"load_test_pacing_per_sec" validate:"gt=0"`
	LoadTestBatchSize    int `yaml:"load_test_batch_size" validate:"gt=0"`

	Timezone string `yaml:"timezone" validate:"required"`

	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds the CSMS WebSocket's TLS material, the same fields
// the teacher's per-charger config.TLSConfig exposed (config/config.go
// GetTLSConfig), generalized here to the whole fleet rather than one
// charger.
type TLSConfig struct {
	CAFile         string `yaml:"ca_file"`
	ServerCertFile string `yaml:"server_cert_file"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	SkipVerify     bool   `yaml:"skip_verify"`
}

// Default returns the documented defaults for every field (§6).
func Default() *Config {
	return &Config{
		MaxSessions:            50000,
		DefaultHeartbeatSec:    30,
		DefaultMeterValuesSec:  10,
		OCPPRequestTimeoutMs:   30000,
		ReconnectInitialMs:     1000,
		ReconnectMaxMs:         30000,
		OutboundQueueDepth:     128,
		NominalVoltageV:        230,
		StationMaxPowerKw:      22,
		LoadTestPacingPerSec:   100,
		LoadTestBatchSize:      50,
		Timezone:               "UTC",
	}
}

var v = validator.New()

// Load reads and parses a YAML config file, merging declared fields
// over the documented defaults, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation and any cross-field invariants
// the tags can't express.
func (c *Config) Validate() error {
	if err := v.Struct(c); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone, the anchor for recurring
// SCP daily/weekly windows (§4.7).
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.DefaultHeartbeatSec) * time.Second
}

func (c *Config) MeterValuesInterval() time.Duration {
	return time.Duration(c.DefaultMeterValuesSec) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.OCPPRequestTimeoutMs) * time.Millisecond
}

func (c *Config) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMs) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// GetTLSConfig builds a *tls.Config from the configured TLS material,
// or (nil, nil) when TLS isn't configured at all.
func (c *Config) GetTLSConfig() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}

	tlsConfig := &tls.Config{}
	if c.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	certPool := x509.NewCertPool()
	hasCerts := false

	if c.TLS.CAFile != "" {
		caCert, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		hasCerts = true
	}

	if c.TLS.ServerCertFile != "" {
		serverCert, err := os.ReadFile(c.TLS.ServerCertFile)
		if err != nil {
			return nil, fmt.Errorf("read server certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(serverCert) {
			return nil, fmt.Errorf("parse server certificate")
		}
		hasCerts = true
	}

	if hasCerts {
		tlsConfig.RootCAs = certPool
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
