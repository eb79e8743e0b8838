// Package config provides YAML configuration loading with environment
// variable overrides for sendipede.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.yml"

// defaultTimeout bounds dialing and every protocol exchange with the relay.
const defaultTimeout = 30 * time.Second

// Transport names accepted by the transport setting.
const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportGraph  = "graph"
	TransportStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Sender    string        `yaml:"sender" validate:"required,email"`
	Transport string        `yaml:"transport" validate:"oneof=smtp ses graph stdout"`
	SES       SESConfig     `yaml:"ses"`
	Graph     GraphConfig   `yaml:"graph"`
	DKIM      DKIMConfig    `yaml:"dkim"`
	Logging   LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the mail relay settings used by the smtp transport.
type ServerConfig struct {
	Name     string        `yaml:"name"`
	Port     int           `yaml:"port" validate:"min=0,max=65535"`
	SSL      bool          `yaml:"ssl"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Session  int           `yaml:"session" validate:"min=0"`
	Timeout  time.Duration `yaml:"timeout"`
	CAFile   string        `yaml:"ca_file"`
	Helo     string        `yaml:"helo"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API settings.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// DKIMConfig holds optional DKIM signing settings.
type DKIMConfig struct {
	Selector string `yaml:"selector"`
	Domain   string `yaml:"domain"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables and validates the result.
// Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules of the
// selected transport.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Transport {
	case TransportSMTP:
		if c.Server.Name == "" {
			return errors.New("invalid configuration: server.name is required for the smtp transport")
		}
		if c.Server.Port == 0 {
			return errors.New("invalid configuration: server.port is required for the smtp transport")
		}
		if c.Server.SSL && c.Server.Password == "" {
			return errors.New("invalid configuration: server.password is required when server.ssl is enabled")
		}
	case TransportSES:
		if !c.SESConfigured() {
			return errors.New("invalid configuration: ses.region is required for the ses transport")
		}
	case TransportGraph:
		if !c.GraphConfigured() {
			return errors.New("invalid configuration: graph.tenant_id, graph.client_id and graph.client_secret are required for the graph transport")
		}
	}

	if (c.DKIM.Selector == "") != (c.DKIM.KeyFile == "") {
		return errors.New("invalid configuration: dkim.selector and dkim.key_file must be set together")
	}

	return nil
}

// AuthEnabled returns true if the relay expects authentication.
func (c *Config) AuthEnabled() bool {
	return c.Server.Password != ""
}

// AuthIdentity returns the login name presented to the relay.
func (c *Config) AuthIdentity() string {
	if c.Server.Username != "" {
		return c.Server.Username
	}
	return c.Sender
}

// SessionSize returns the maximum number of recipients per session;
// zero means unbounded.
func (c *Config) SessionSize() int {
	return max(c.Server.Session, 0)
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// DKIMEnabled returns true if messages should be DKIM-signed.
func (c *Config) DKIMEnabled() bool {
	return c.DKIM.Selector != "" && c.DKIM.KeyFile != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Transport = TransportSMTP
	c.Server.Port = 25
	c.Server.Timeout = defaultTimeout
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SENDIPEDE_SERVER_NAME"); v != "" {
		c.Server.Name = v
	}
	if v := os.Getenv("SENDIPEDE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SENDIPEDE_SERVER_SSL"); v != "" {
		if ssl, err := strconv.ParseBool(v); err == nil {
			c.Server.SSL = ssl
		}
	}
	if v := os.Getenv("SENDIPEDE_SERVER_USERNAME"); v != "" {
		c.Server.Username = v
	}
	if v := os.Getenv("SENDIPEDE_SERVER_PASSWORD"); v != "" {
		c.Server.Password = v
	}
	if v := os.Getenv("SENDIPEDE_SERVER_SESSION"); v != "" {
		if session, err := strconv.Atoi(v); err == nil {
			c.Server.Session = session
		}
	}
	if v := os.Getenv("SENDIPEDE_SERVER_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			c.Server.Timeout = timeout
		}
	}
	if v := os.Getenv("SENDIPEDE_SERVER_CA_FILE"); v != "" {
		c.Server.CAFile = v
	}
	if v := os.Getenv("SENDIPEDE_SERVER_HELO"); v != "" {
		c.Server.Helo = v
	}
	if v := os.Getenv("SENDIPEDE_SENDER"); v != "" {
		c.Sender = v
	}
	if v := os.Getenv("SENDIPEDE_TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}

	if v := os.Getenv("DKIM_SELECTOR"); v != "" {
		c.DKIM.Selector = v
	}
	if v := os.Getenv("DKIM_DOMAIN"); v != "" {
		c.DKIM.Domain = v
	}
	if v := os.Getenv("DKIM_KEY_FILE"); v != "" {
		c.DKIM.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
