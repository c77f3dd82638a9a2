package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storyline/internal/parse"
	"storyline/internal/session"
	"storyline/internal/tracker"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config models storyline.yml.
type Config struct {
	Tracker struct {
		Endpoint  string `yaml:"endpoint"`
		Timeout   string `yaml:"timeout"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"tracker"`
	Parsing struct {
		Malformed string `yaml:"malformed"`
	} `yaml:"parsing"`
	Session struct {
		Store string `yaml:"store"`
		Key   string `yaml:"key"`
	} `yaml:"session"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tracker.Endpoint == "" {
		return fmt.Errorf("config.tracker.endpoint is required")
	}
	u, err := url.Parse(c.Tracker.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.tracker.endpoint must be an absolute url, got %q", c.Tracker.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config.tracker.endpoint scheme must be http or https")
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("config.parsing.malformed: %w", err)
	}
	switch c.Session.Store {
	case "", StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config.session.store must be %s or %s", StoreSQLite, StoreMemory)
	}
	if strings.TrimSpace(c.Session.Key) == "" && c.Session.Key != "" {
		return fmt.Errorf("config.session.key is blank")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Timeout parses tracker.timeout; empty means no timeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.Tracker.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Tracker.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config.tracker.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config.tracker.timeout must not be negative")
	}
	return d, nil
}

// Policy parses parsing.malformed.
func (c *Config) Policy() (parse.Policy, error) {
	return parse.ParsePolicy(c.Parsing.Malformed)
}

// SessionKey returns the token store key.
func (c *Config) SessionKey() string {
	if c.Session.Key == "" {
		return session.DefaultKey
	}
	return c.Session.Key
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return fmt.Sprintf(defaultTemplate, tracker.DefaultEndpoint, parse.FailSoft, StoreSQLite, session.DefaultKey)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault()), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  endpoint: %s
  # 0s waits for as long as the server takes.
  timeout: 0s
  user_agent: storyline

parsing:
  # fail-soft keeps records with a bad id, strict drops the whole document.
  malformed: %s

session:
  store: %s
  key: %s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
