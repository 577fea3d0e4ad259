package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/org/admingate/internal/policy"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when ADMINGATE_CONFIG is unset.
const DefaultFile = "config.yaml"

// Config is the gateway process configuration.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	TLSCertFile       string        `yaml:"tls_cert"`
	TLSKeyFile        string        `yaml:"tls_key"`
	DBUrl             string        `yaml:"db_url"`
	MigrationsDir     string        `yaml:"migrations_dir"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file"`
	UpstreamURL       string        `yaml:"upstream_url"`
	PropagateIdentity bool          `yaml:"propagate_identity"`
	TokenPepper       string        `yaml:"token_pepper"`
	RateLimit         RateLimit     `yaml:"rate_limit"`
	Audit             Audit         `yaml:"audit"`
	RoutesFile        string        `yaml:"routes_file"`
	Routes            []policy.Rule `yaml:"routes"`
	Bootstrap         Bootstrap     `yaml:"bootstrap"`
}

// RateLimit is a per-client-IP token bucket. RPS <= 0 disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Audit tunes the audit sink.
type Audit struct {
	BufferSize   int  `yaml:"buffer_size"`
	LogDecisions bool `yaml:"log_decisions"`
	// MemoryCapacity bounds retained entries with the in-memory store.
	MemoryCapacity int `yaml:"memory_capacity"`
}

// Bootstrap issues a first token at startup when none is active.
type Bootstrap struct {
	Owner  string   `yaml:"owner"`
	Scopes []string `yaml:"scopes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		MigrationsDir: "migrations",
		LogLevel:      "info",
		RateLimit:     RateLimit{RPS: 100, Burst: 200},
		Audit:         Audit{BufferSize: 1024},
	}
}

// File returns the config path chosen by the environment.
func File() string {
	if v := os.Getenv("ADMINGATE_CONFIG"); v != "" {
		return v
	}
	return DefaultFile
}

// Load reads name over the defaults and applies environment overrides. A
// missing file is not an error; found reports whether it existed.
func Load(name string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(name)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing config %s: %w", name, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, false, fmt.Errorf("reading config %s: %w", name, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, found, err
	}
	return cfg, found, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ADMINGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("ADMINGATE_UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = v
	}
	if v := os.Getenv("ADMINGATE_TOKEN_PEPPER"); v != "" {
		cfg.TokenPepper = v
	}
	if v := os.Getenv("ADMINGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ADMINGATE_PROPAGATE_IDENTITY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ADMINGATE_PROPAGATE_IDENTITY: %w", err)
		}
		cfg.PropagateIdentity = b
	}
	if v := os.Getenv("ADMINGATE_BOOTSTRAP_OWNER"); v != "" {
		cfg.Bootstrap.Owner = v
	}
	if v := os.Getenv("ADMINGATE_BOOTSTRAP_SCOPES"); v != "" {
		cfg.Bootstrap.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	return nil
}

// RouteTable builds the route table: routes_file, then inline routes, then
// the built-in catalog.
func (c Config) RouteTable() (*policy.Table, error) {
	switch {
	case c.RoutesFile != "":
		return policy.LoadFile(c.RoutesFile)
	case len(c.Routes) > 0:
		return policy.NewTable(c.Routes)
	}
	return policy.NewTable(policy.DefaultRules())
}
