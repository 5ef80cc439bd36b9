// Package config loads and validates gateway configuration.
package config

import "time"

// Config holds all configuration for the gateway.
type Config struct {
	DatabaseURL string `json:"databaseUrl"`

	Child ChildConfig `json:"child"`

	Plans map[string]PlanLimits `json:"plans,omitempty"`

	SessionTTL      time.Duration `json:"-"`
	SessionTTLRaw   string        `json:"sessionTtl,omitempty"`
	CallTimeout     time.Duration `json:"-"`
	CallTimeoutRaw  string        `json:"callTimeout,omitempty"`
	IdleTimeout     time.Duration `json:"-"`
	IdleTimeoutRaw  string        `json:"idleTimeout,omitempty"`
	RestartMax      int           `json:"restartMax,omitempty"`
	RestartCooldown time.Duration `json:"-"`
	RestartCoolRaw  string        `json:"restartCooldown,omitempty"`

	JWTSecret string `json:"-"` // never stored in the config file; env-only

	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	ListenAddr     string   `json:"listenAddr,omitempty"`

	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"` // enables X-Debug-Tenant header fallback
	LogLevel string `json:"logLevel"`
}

// ChildConfig describes how to spawn the per-tenant MCP child process.
type ChildConfig struct {
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
}

// PlanLimits mirrors quota.PlanLimits; duplicated here (not imported) so the
// config package has no dependency on the quota package.
type PlanLimits struct {
	Verified   int `json:"verified"`
	Unverified int `json:"unverified"`
}

// Validate checks that the configuration is usable. Auth-related fields are
// only required outside dev mode, mirroring the two-phase load/override/
// validate shape used throughout the gateway.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.Child.Command == "" {
		return ErrMissingChildCommand
	}
	if !c.DevMode && c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Debug:      false,
		DevMode:    false,
		LogLevel:   "info",
		Child: ChildConfig{
			ProtocolVersion: "2025-03-26",
		},
		SessionTTL:      30 * time.Minute,
		CallTimeout:     60 * time.Second,
		IdleTimeout:     10 * time.Minute,
		RestartMax:      3,
		RestartCooldown: 30 * time.Second,
		AllowedOrigins:  []string{},
	}
}

// OutwardProtocolVersion is the MCP protocol version the gateway advertises
// on its own (caller-facing) /mcp surface — independent of Child.ProtocolVersion,
// which is what the gateway speaks to the child.
const OutwardProtocolVersion = "2024-11-05"
