// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/qabel/go-index-server/internal/db"
	"github.com/qabel/go-index-server/internal/noisebox"
	"github.com/qabel/go-index-server/internal/verification"
)

// Log configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Configuration for the server's HTTP endpoint
type HTTPConfig struct {
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
	IP       string `mapstructure:"ip"`
	Port     string `mapstructure:"port"`
}

// ListenAddress returns the concatenated IP:Port address for listening
func (h *HTTPConfig) ListenAddress() string {
	return h.IP + ":" + h.Port
}

// UseTLS returns true if TLS should be used (cert and key are both set)
func (h *HTTPConfig) UseTLS() bool {
	return h.CertPath != "" && h.KeyPath != ""
}

func (h *HTTPConfig) validate() error {
	if h.IP == "" {
		return errors.New("the server's HTTP IP address is required")
	}
	if h.Port == "" {
		return errors.New("the server's HTTP port is required")
	}
	// Both cert and key must be set together or both must be unset
	if (h.CertPath == "" && h.KeyPath != "") || (h.CertPath != "" && h.KeyPath == "") {
		return errors.New("both certificate and key must be provided together, or neither")
	}
	return nil
}

// Database configuration
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) getState() (*db.State, error) {
	if dc.DSN == "" {
		return nil, errors.New("database configuration error: dsn is required")
	}
	return db.InitDb(dc.Type, dc.DSN)
}

// Index configuration: the server identity and update engine knobs.
type IndexConfig struct {
	ServerPrivateKey     string `mapstructure:"server_private_key"`
	PendingRequestMaxAge string `mapstructure:"pending_request_max_age"`
	ShallowVerification  bool   `mapstructure:"shallow_verification"`
	ExternalURL          string `mapstructure:"external_url"`

	maxAge time.Duration
}

// DefaultPendingRequestMaxAge applies when no maximum age is configured.
const DefaultPendingRequestMaxAge = 72 * time.Hour

func (ic *IndexConfig) validate() error {
	if ic.ServerPrivateKey == "" {
		return errors.New("index configuration error: server_private_key is required")
	}
	if _, err := noisebox.KeyPairFromConfig(ic.ServerPrivateKey); err != nil {
		return errors.New("server_private_key must be 32 bytes or 64 hexadecimal characters")
	}
	ic.maxAge = DefaultPendingRequestMaxAge
	if ic.PendingRequestMaxAge != "" {
		maxAge, err := time.ParseDuration(ic.PendingRequestMaxAge)
		if err != nil {
			return fmt.Errorf("invalid pending_request_max_age: %w", err)
		}
		if maxAge <= 0 {
			return errors.New("pending_request_max_age must be positive")
		}
		ic.maxAge = maxAge
	}
	if ic.ExternalURL != "" {
		parsed, err := url.Parse(ic.ExternalURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("external_url must be an absolute http(s) URL, got %q", ic.ExternalURL)
		}
	}
	return nil
}

// MaxAge returns the validated pending request expiry interval.
func (ic *IndexConfig) MaxAge() time.Duration {
	return ic.maxAge
}

// Accounting authorization configuration.
type AccountingConfig struct {
	RequireAuthorization bool   `mapstructure:"require_authorization"`
	URL                  string `mapstructure:"url"`
	APISecret            string `mapstructure:"api_secret"`
}

func (ac *AccountingConfig) validate() error {
	if !ac.RequireAuthorization {
		return nil
	}
	if ac.URL == "" || ac.APISecret == "" {
		return errors.New("accounting configuration error: url and api_secret are required when authorization is enabled")
	}
	return nil
}

// SMTP transport parameters for the "smtp" mail backend.
type SMTPParams struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Plivo transport parameters for the "plivo" SMS backend.
type PlivoParams struct {
	AuthID    string `mapstructure:"auth_id"`
	AuthToken string `mapstructure:"auth_token"`
}

// MailConfig selects and parameterizes the mail transport.
// Unmarshalling requires two steps: first the backend name is decoded, then
// the RawParams are decoded into the backend-specific parameters. See
// UnmarshalParams() below.
type MailConfig struct {
	DefaultFrom string                 `mapstructure:"default_from"`
	Backend     string                 `mapstructure:"backend"`
	RawParams   map[string]interface{} `mapstructure:"params"`
	SMTPParams  *SMTPParams
}

// UnmarshalParams converts RawParams to the typed parameter field matching
// the backend. This must be called after Viper unmarshaling.
func (mc *MailConfig) UnmarshalParams() error {
	switch mc.Backend {
	case "", "outbox":
		// In-memory outbox; nothing to decode.
	case "smtp":
		var params SMTPParams
		if err := mapstructure.Decode(mc.RawParams, &params); err != nil {
			return fmt.Errorf("failed to decode params for smtp mail backend: %w", err)
		}
		mc.SMTPParams = &params
	default:
		return fmt.Errorf("unsupported mail backend %q", mc.Backend)
	}
	mc.RawParams = nil
	return nil
}

func (mc *MailConfig) validate() error {
	if err := mc.UnmarshalParams(); err != nil {
		return err
	}
	if mc.Backend == "smtp" {
		if mc.DefaultFrom == "" {
			return errors.New("mail configuration error: default_from is required for the smtp backend")
		}
		if mc.SMTPParams.Host == "" {
			return errors.New("mail configuration error: smtp host is required")
		}
		if mc.SMTPParams.Port == 0 {
			mc.SMTPParams.Port = 587
		}
	}
	return nil
}

// Mailer builds the configured mail transport. The fallback outbox is
// returned so dry-run deployments have something to inspect.
func (mc *MailConfig) Mailer(outbox *verification.Outbox) verification.Mailer {
	if mc.Backend == "smtp" {
		return &verification.SMTPMailer{
			Host:     mc.SMTPParams.Host,
			Port:     mc.SMTPParams.Port,
			Username: mc.SMTPParams.Username,
			Password: mc.SMTPParams.Password,
			From:     mc.DefaultFrom,
		}
	}
	return outbox
}

// SMSConfig selects and parameterizes the SMS transport and carries the
// country-code policy.
type SMSConfig struct {
	DefaultFrom          string                 `mapstructure:"default_from"`
	DefaultRegion        string                 `mapstructure:"default_region"`
	AllowedCountries     []int                  `mapstructure:"allowed_countries"`
	BlacklistedCountries []int                  `mapstructure:"blacklisted_countries"`
	Backend              string                 `mapstructure:"backend"`
	RawParams            map[string]interface{} `mapstructure:"params"`
	PlivoParams          *PlivoParams
}

// UnmarshalParams converts RawParams to the typed parameter field matching
// the backend. This must be called after Viper unmarshaling.
func (sc *SMSConfig) UnmarshalParams() error {
	switch sc.Backend {
	case "", "outbox":
	case "plivo":
		var params PlivoParams
		if err := mapstructure.Decode(sc.RawParams, &params); err != nil {
			return fmt.Errorf("failed to decode params for plivo SMS backend: %w", err)
		}
		sc.PlivoParams = &params
	default:
		return fmt.Errorf("unsupported SMS backend %q", sc.Backend)
	}
	sc.RawParams = nil
	return nil
}

func (sc *SMSConfig) validate() error {
	if err := sc.UnmarshalParams(); err != nil {
		return err
	}
	if sc.Backend == "plivo" {
		if sc.PlivoParams.AuthID == "" || sc.PlivoParams.AuthToken == "" {
			return errors.New("sms configuration error: plivo auth_id and auth_token are required")
		}
		if sc.DefaultFrom == "" {
			return errors.New("sms configuration error: default_from is required for the plivo backend")
		}
	}
	if sc.DefaultRegion == "" {
		sc.DefaultRegion = "DE"
	}
	return nil
}

// Sender builds the configured SMS transport.
func (sc *SMSConfig) Sender(outbox *verification.Outbox) verification.SMSSender {
	if sc.Backend == "plivo" {
		return &verification.PlivoSender{
			AuthID:    sc.PlivoParams.AuthID,
			AuthToken: sc.PlivoParams.AuthToken,
			From:      sc.DefaultFrom,
		}
	}
	return outbox
}

// Structure to hold the contents of the configuration file
type IndexServerConfig struct {
	Log        LogConfig        `mapstructure:"log"`
	DB         DatabaseConfig   `mapstructure:"db"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Index      IndexConfig      `mapstructure:"index"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Mail       MailConfig       `mapstructure:"mail"`
	SMS        SMSConfig        `mapstructure:"sms"`
}

func (c *IndexServerConfig) validate() error {
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	if err := c.Index.validate(); err != nil {
		return err
	}
	if err := c.Accounting.validate(); err != nil {
		return err
	}
	if err := c.Mail.validate(); err != nil {
		return err
	}
	return c.SMS.validate()
}
