package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates that no Postgres connection string was configured.
	ErrMissingDatabaseURL = errors.New("databaseUrl is required in configuration")

	// ErrMissingChildCommand indicates that no child process command was configured.
	ErrMissingChildCommand = errors.New("child.command is required in configuration")

	// ErrMissingJWTSecret indicates that the signed-credential secret is
	// missing when not in dev mode.
	ErrMissingJWTSecret = errors.New("jwtSecret is required (env MCP_JWT_SECRET) when not in dev mode")

	// ErrConfigFileNotFound indicates that the config file was not found.
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON.
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrInvalidDuration indicates a duration field could not be parsed.
	ErrInvalidDuration = errors.New("invalid duration value in configuration")
)
