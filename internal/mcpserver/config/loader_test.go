package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, key := range keys {
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range keys {
			os.Unsetenv(key)
		}
	})
}

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		checks  func(*testing.T, *Config)
	}{
		{
			name: "minimal dev mode config",
			envVars: map[string]string{
				"MCP_DATABASE_URL":  "postgres://localhost/seomcp",
				"MCP_CHILD_COMMAND": "/usr/bin/mcp-child",
				"MCP_DEV_MODE":      "true",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.DatabaseURL != "postgres://localhost/seomcp" {
					t.Errorf("expected DatabaseURL set, got %s", cfg.DatabaseURL)
				}
				if !cfg.DevMode {
					t.Error("expected DevMode=true")
				}
			},
		},
		{
			name: "child command and args from env",
			envVars: map[string]string{
				"MCP_DATABASE_URL":  "postgres://localhost/seomcp",
				"MCP_CHILD_COMMAND": "/usr/bin/mcp-child",
				"MCP_CHILD_ARGS":    "--flag value",
				"MCP_DEV_MODE":      "true",
			},
			checks: func(t *testing.T, cfg *Config) {
				if len(cfg.Child.Args) != 2 || cfg.Child.Args[0] != "--flag" {
					t.Errorf("expected child args parsed from env, got %v", cfg.Child.Args)
				}
			},
		},
		{
			name: "default values when no env set",
			envVars: map[string]string{
				"MCP_DEV_MODE": "true",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":8080" {
					t.Errorf("expected default ListenAddr, got %s", cfg.ListenAddr)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
				}
				if cfg.SessionTTL != 30*time.Minute {
					t.Errorf("expected default SessionTTL=30m, got %s", cfg.SessionTTL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t, "MCP_DATABASE_URL", "MCP_CHILD_COMMAND", "MCP_CHILD_ARGS",
				"MCP_DEV_MODE", "MCP_DEBUG", "MCP_LOG_LEVEL", "MCP_JWT_SECRET")

			for key, value := range tt.envVars {
				os.Setenv(key, value)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	testConfigPath := filepath.Join(tmpDir, "test_config.json")
	testConfigJSON := `{
  "databaseUrl": "postgres://test-db/seomcp",
  "debug": true,
  "logLevel": "debug",
  "child": {
    "command": "/usr/bin/mcp-child",
    "protocolVersion": "2025-03-26"
  }
}`
	if err := os.WriteFile(testConfigPath, []byte(testConfigJSON), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}

	tests := []struct {
		name       string
		configPath string
		envVars    map[string]string
		wantErr    bool
		checks     func(*testing.T, *Config)
	}{
		{
			name:       "load from file",
			configPath: testConfigPath,
			checks: func(t *testing.T, cfg *Config) {
				if cfg.DatabaseURL != "postgres://test-db/seomcp" {
					t.Errorf("expected DatabaseURL from file, got %s", cfg.DatabaseURL)
				}
				if cfg.Child.Command != "/usr/bin/mcp-child" {
					t.Errorf("expected child command from file, got %s", cfg.Child.Command)
				}
			},
		},
		{
			name:       "env overrides file",
			configPath: testConfigPath,
			envVars: map[string]string{
				"MCP_DATABASE_URL": "postgres://override-db/seomcp",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.DatabaseURL != "postgres://override-db/seomcp" {
					t.Errorf("expected env to override file DatabaseURL, got %s", cfg.DatabaseURL)
				}
				if !cfg.Debug {
					t.Error("expected Debug=true from file")
				}
			},
		},
		{
			name:       "nonexistent file",
			configPath: "/nonexistent/config.json",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t, "MCP_DATABASE_URL")
			for key, value := range tt.envVars {
				os.Setenv(key, value)
			}

			cfg, err := Load(tt.configPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && tt.checks != nil {
				tt.checks(t, cfg)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{
			name: "valid dev mode config",
			config: &Config{
				DatabaseURL: "postgres://localhost/seomcp",
				Child:       ChildConfig{Command: "/usr/bin/mcp-child"},
				DevMode:     true,
			},
			wantErr: nil,
		},
		{
			name: "missing database url",
			config: &Config{
				Child:   ChildConfig{Command: "/usr/bin/mcp-child"},
				DevMode: true,
			},
			wantErr: ErrMissingDatabaseURL,
		},
		{
			name: "missing child command",
			config: &Config{
				DatabaseURL: "postgres://localhost/seomcp",
				DevMode:     true,
			},
			wantErr: ErrMissingChildCommand,
		},
		{
			name: "missing jwt secret in production",
			config: &Config{
				DatabaseURL: "postgres://localhost/seomcp",
				Child:       ChildConfig{Command: "/usr/bin/mcp-child"},
				DevMode:     false,
			},
			wantErr: ErrMissingJWTSecret,
		},
		{
			name: "valid production config",
			config: &Config{
				DatabaseURL: "postgres://localhost/seomcp",
				Child:       ChildConfig{Command: "/usr/bin/mcp-child"},
				DevMode:     false,
				JWTSecret:   "super-secret",
			},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
