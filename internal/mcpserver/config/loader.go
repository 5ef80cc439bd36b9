package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from a file path and applies environment
// variable overrides. Validation is deferred to allow CLI flag overrides to
// be applied first.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		fileConfig, err := loadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = fileConfig
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnvironment creates a configuration using only environment
// variables. Validation is deferred to allow CLI flag overrides to be
// applied first.
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	if err := resolveDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveDurations parses the *Raw string duration fields set from JSON
// (time.Duration itself doesn't round-trip through encoding/json) into
// their typed counterparts, falling back to the DefaultConfig value when a
// raw field was not set in the file.
func resolveDurations(cfg *Config) error {
	defaults := DefaultConfig()

	parse := func(raw string, fallback time.Duration) (time.Duration, error) {
		if raw == "" {
			return fallback, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, err)
		}
		return d, nil
	}

	var err error
	if cfg.SessionTTL, err = parse(cfg.SessionTTLRaw, defaults.SessionTTL); err != nil {
		return err
	}
	if cfg.CallTimeout, err = parse(cfg.CallTimeoutRaw, defaults.CallTimeout); err != nil {
		return err
	}
	if cfg.IdleTimeout, err = parse(cfg.IdleTimeoutRaw, defaults.IdleTimeout); err != nil {
		return err
	}
	if cfg.RestartCooldown, err = parse(cfg.RestartCoolRaw, defaults.RestartCooldown); err != nil {
		return err
	}
	if cfg.RestartMax == 0 {
		cfg.RestartMax = defaults.RestartMax
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from environment
// variables, taking precedence over file-loaded values.
func applyEnvironmentOverrides(cfg *Config) error {
	if dbURL := os.Getenv("MCP_DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if cmd := os.Getenv("MCP_CHILD_COMMAND"); cmd != "" {
		cfg.Child.Command = cmd
	}
	if args := os.Getenv("MCP_CHILD_ARGS"); args != "" {
		cfg.Child.Args = strings.Fields(args)
	}
	if pv := os.Getenv("MCP_CHILD_PROTOCOL_VERSION"); pv != "" {
		cfg.Child.ProtocolVersion = pv
	}

	if devMode := os.Getenv("MCP_DEV_MODE"); devMode == "true" || devMode == "1" {
		cfg.DevMode = true
	}
	if debug := os.Getenv("MCP_DEBUG"); debug == "true" || debug == "1" {
		cfg.Debug = true
	}
	if logLevel := os.Getenv("MCP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if addr := os.Getenv("MCP_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	if origins := os.Getenv("MCP_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.AllowedOrigins = make([]string, 0, len(parts))
		for _, o := range parts {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}

	if secret := os.Getenv("MCP_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if v := os.Getenv("MCP_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_SESSION_TTL: %v", ErrInvalidDuration, err)
		}
		cfg.SessionTTL = d
	}
	if v := os.Getenv("MCP_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_CALL_TIMEOUT: %v", ErrInvalidDuration, err)
		}
		cfg.CallTimeout = d
	}
	if v := os.Getenv("MCP_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_IDLE_TIMEOUT: %v", ErrInvalidDuration, err)
		}
		cfg.IdleTimeout = d
	}
	if v := os.Getenv("MCP_RESTART_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_RESTART_COOLDOWN: %v", ErrInvalidDuration, err)
		}
		cfg.RestartCooldown = d
	}
	if v := os.Getenv("MCP_RESTART_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MCP_RESTART_MAX: %v", ErrInvalidDuration, err)
		}
		cfg.RestartMax = n
	}

	return nil
}
