// Package config loads the YAML configuration of the signing tool.
package config

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/gopdfsign/keys"
	"github.com/georgepadayatti/gopdfsign/sign/signers"
	"github.com/georgepadayatti/gopdfsign/sign/timestamps"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidValue         = errors.New("invalid value")
)

// Keystore types
const (
	KeystorePKCS12 = "pkcs12"
	KeystorePKCS11 = "pkcs11"
	KeystorePEM    = "pem"
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

// SigningConfig selects the credentials and describes the signature.
type SigningConfig struct {
	// Keystore is the path of the credential container. The CLI argument
	// takes precedence.
	Keystore string `yaml:"keystore" json:"keystore,omitempty"`

	// KeystoreType is one of pkcs12, pkcs11 or pem.
	KeystoreType string `yaml:"keystore-type" json:"keystore_type,omitempty"`

	// Alias selects a container entry; the first one is used when empty.
	Alias string `yaml:"alias" json:"alias,omitempty"`

	// PromptPassphrase reads the passphrase from the terminal.
	PromptPassphrase bool `yaml:"prompt-passphrase" json:"prompt_passphrase"`

	// PKCS11Module is the PKCS#11 shared object for the pkcs11 type.
	PKCS11Module string `yaml:"pkcs11-module" json:"pkcs11_module,omitempty"`

	// TokenLabel picks a token for the pkcs11 type.
	TokenLabel string `yaml:"token-label" json:"token_label,omitempty"`

	Name        string `yaml:"name" json:"name,omitempty"`
	Location    string `yaml:"location" json:"location,omitempty"`
	Reason      string `yaml:"reason" json:"reason,omitempty"`
	ContactInfo string `yaml:"contact-info" json:"contact_info,omitempty"`

	// Page is the 0-based page that carries the signature widget.
	Page int `yaml:"page" json:"page"`

	// FieldName is the signature field name; generated when empty.
	FieldName string `yaml:"field-name" json:"field_name,omitempty"`

	// DigestAlgorithm is sha256, sha384 or sha512.
	DigestAlgorithm string `yaml:"digest-algorithm" json:"digest_algorithm,omitempty"`

	// PlaceholderSize overrides the estimated signature budget in bytes.
	PlaceholderSize int `yaml:"placeholder-size" json:"placeholder_size,omitempty"`
}

// SetDefaults sets default values for the signing configuration.
func (c *SigningConfig) SetDefaults() {
	if c.KeystoreType == "" {
		c.KeystoreType = KeystorePKCS12
	}
	if c.Name == "" {
		c.Name = signers.DefaultSignerName
	}
	if c.Location == "" {
		c.Location = signers.DefaultLocation
	}
	if c.Reason == "" {
		c.Reason = signers.DefaultReason
	}
	if c.DigestAlgorithm == "" {
		c.DigestAlgorithm = "sha256"
	}
}

// Validate validates the signing configuration.
func (c *SigningConfig) Validate() error {
	switch c.KeystoreType {
	case KeystorePKCS12, KeystorePEM:
	case KeystorePKCS11:
		if c.PKCS11Module == "" {
			return &ConfigError{Field: "pkcs11-module", Message: "required for keystore-type pkcs11", Err: ErrMissingRequiredField}
		}
	default:
		return invalid("keystore-type", "%q is not one of pkcs12, pkcs11, pem", c.KeystoreType)
	}
	if c.Page < 0 {
		return invalid("page", "must not be negative, got %d", c.Page)
	}
	if c.PlaceholderSize < 0 {
		return invalid("placeholder-size", "must not be negative, got %d", c.PlaceholderSize)
	}
	if _, err := c.Digest(); err != nil {
		return err
	}
	return nil
}

// Digest returns the configured digest algorithm.
func (c *SigningConfig) Digest() (crypto.Hash, error) {
	h, ok := signers.DigestAlgorithms[strings.ToLower(c.DigestAlgorithm)]
	if !ok {
		return 0, invalid("digest-algorithm", "unsupported digest %q", c.DigestAlgorithm)
	}
	return h, nil
}

// Request returns the signature request described by the configuration.
func (c *SigningConfig) Request() signers.SignatureRequest {
	return signers.SignatureRequest{
		FieldName:    c.FieldName,
		Name:         c.Name,
		Location:     c.Location,
		Reason:       c.Reason,
		ContactInfo:  c.ContactInfo,
		PageIndex:    c.Page,
		ContentsSize: c.PlaceholderSize,
	}
}

// OpenContainer opens the configured credential container. For PKCS#12 the
// passphrase also unlocks the file.
func (c *SigningConfig) OpenContainer(passphrase string) (keys.Container, error) {
	var (
		container keys.Container
		err       error
	)
	switch c.KeystoreType {
	case KeystorePKCS11:
		container, err = keys.OpenPKCS11(keys.PKCS11Options{ModulePath: c.PKCS11Module, TokenLabel: c.TokenLabel})
	case KeystorePEM:
		container, err = keys.OpenPEMFile(c.Keystore)
	default:
		container, err = keys.OpenPKCS12File(c.Keystore, passphrase)
	}
	if err != nil {
		return nil, err
	}
	return container, nil
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL; timestamps are off when empty.
	URL string `yaml:"url" json:"url,omitempty"`

	// Username for HTTP authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// Retries is the number of additional attempts after a transport failure.
	Retries uint `yaml:"retries" json:"retries,omitempty"`
}

// SetDefaults sets default values for the timestamp configuration.
func (c *TimestampConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("url", "%q is not an http(s) URL", c.URL)
		}
	}
	if c.Timeout < 0 {
		return invalid("timeout", "must not be negative, got %s", c.Timeout)
	}
	return nil
}

// Timestamper builds the configured time-stamp client, or nil when no URL
// is set.
func (c *TimestampConfig) Timestamper() timestamps.Timestamper {
	if c.URL == "" {
		return nil
	}
	ts := timestamps.NewHTTPTimestamper(c.URL)
	ts.HTTPClient = &http.Client{Timeout: c.Timeout}
	if c.Username != "" {
		ts.SetCredentials(c.Username, c.Password)
	}
	if c.Retries > 0 {
		return timestamps.NewRetryingTimestamper(ts, c.Retries+1)
	}
	return ts
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return invalid("level", "%v", err)
	}
	if c.Format != "text" && c.Format != "json" {
		return invalid("format", "%q is not one of text, json", c.Format)
	}
	return nil
}

// Logger builds a logger writing to the configured output. The returned
// closer releases a log file, if one was opened.
func (c *LoggingConfig) Logger() (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), nil, invalid("level", "%v", err)
	}
	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch c.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}
	if c.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: c.Output != "" && c.Output != "stderr" && c.Output != "stdout"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Signing contains signing configuration.
	Signing *SigningConfig `yaml:"signing" json:"signing,omitempty"`

	// Timestamp contains default timestamp configuration.
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in missing sections and default values.
func (c *AppConfig) SetDefaults() {
	if c.Signing == nil {
		c.Signing = &SigningConfig{}
	}
	if c.Timestamp == nil {
		c.Timestamp = &TimestampConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Signing.SetDefaults()
	c.Timestamp.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	if err := c.Signing.Validate(); err != nil {
		return err
	}
	if err := c.Timestamp.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses, defaults and validates configuration from YAML
// data. Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, &ConfigError{Message: err.Error(), Err: ErrUnexpectedField}
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
