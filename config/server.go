package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Mode values for ServerConfig.Mode: takeover expects
// an existing database file (only its existence is checked; its schema is
// not verified), standalone creates and
// seeds one, auto takes over when the database exists and falls back to
// standalone otherwise.
const (
	ServerModeTakeover   = "takeover"
	ServerModeStandalone = "standalone"
	ServerModeAuto       = "auto"
)

// DatabaseConfig carries the DB_* environment knobs. The engine's store
// backend is SQLite, so Name is the database file path; Host, Port, User,
// and Password are accepted for compatibility with the documented
// environment surface and folded into the DSN only when a future backend
// uses them.
type DatabaseConfig struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Name     string `json:"name" yaml:"name"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// ServerConfig is the engine bootstrap file read by cmd/channelengine: the
// process-level knobs plus the channel seed list deployed at
// startup.
type ServerConfig struct {
	ServerID string `json:"serverId,omitempty" yaml:"serverId,omitempty"`

	// Port serves the Prometheus metrics endpoint; the REST control plane
	// (out of core scope) mounts in front of the same listener.
	Port int `json:"port" yaml:"port"`

	Database DatabaseConfig `json:"database" yaml:"database"`

	Mode           string `json:"mode,omitempty" yaml:"mode,omitempty"`
	EncryptionKey  string `json:"encryptionKey,omitempty" yaml:"encryptionKey,omitempty"`
	ShadowMode     bool   `json:"shadowMode,omitempty" yaml:"shadowMode,omitempty"`
	ClusterEnabled bool   `json:"clusterEnabled,omitempty" yaml:"clusterEnabled,omitempty"`
	WSMaxClients   int    `json:"wsMaxClients,omitempty" yaml:"wsMaxClients,omitempty"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty"`

	Channels []*ChannelConfig `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Validate applies defaults and checks process-level invariants plus every
// seeded channel.
func (c *ServerConfig) Validate() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Mode == "" {
		c.Mode = ServerModeAuto
	}
	switch c.Mode {
	case ServerModeTakeover, ServerModeStandalone, ServerModeAuto:
	default:
		return fmt.Errorf("server: mode must be takeover, standalone, or auto, got %q", c.Mode)
	}
	if c.Database.Name == "" {
		c.Database.Name = "channelengine.db"
	}

	names := map[string]bool{}
	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return err
		}
		if names[ch.Name] {
			return fmt.Errorf("server: duplicate channel name %q", ch.Name)
		}
		names[ch.Name] = true
	}
	return nil
}

// LoadServerConfig reads a YAML bootstrap file, applies the environment
// overrides on top, and validates the result. path may be ""
// to configure purely from the environment.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("server: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("server: parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers the documented environment knobs over the file values;
// environment wins.
func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.Port = n
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("MIRTH_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("MIRTH_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("MIRTH_SHADOW_MODE"); v != "" {
		c.ShadowMode = v == "true"
	}
	if v := os.Getenv("MIRTH_CLUSTER_ENABLED"); v != "" {
		c.ClusterEnabled = v == "true"
	}
	if v := os.Getenv("MIRTH_WS_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WSMaxClients = n
		}
	}
}
