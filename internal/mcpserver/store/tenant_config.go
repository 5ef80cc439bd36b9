package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
)

// TenantConfigProducer yields the per-tenant child-process spawn
// configuration, implementing instance.ConfigProducer. The stored config
// path may encode encrypted provider credentials for the child; this layer
// only hands the path along, it never reads or decrypts it.
type TenantConfigProducer struct {
	db              *pgxpool.Pool
	childCommand    string
	childArgs       []string
	protocolVersion string
	idleTimeout     time.Duration
	callTimeout     time.Duration
	restartMax      int
	restartCooldown time.Duration
}

// NewTenantConfigProducer wires a TenantConfigProducer to db and the
// deployment-wide child process defaults.
func NewTenantConfigProducer(
	db *pgxpool.Pool,
	childCommand string,
	childArgs []string,
	protocolVersion string,
	idleTimeout, callTimeout, restartCooldown time.Duration,
	restartMax int,
) *TenantConfigProducer {
	return &TenantConfigProducer{
		db:              db,
		childCommand:    childCommand,
		childArgs:       childArgs,
		protocolVersion: protocolVersion,
		idleTimeout:     idleTimeout,
		callTimeout:     callTimeout,
		restartMax:      restartMax,
		restartCooldown: restartCooldown,
	}
}

// InstanceConfig looks up tenantID's config document path and returns the
// full spawn Config for its Instance.
func (p *TenantConfigProducer) InstanceConfig(tenantID string) (instance.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var configPath string
	err := p.db.QueryRow(ctx, `
		SELECT config_path FROM tenant_configs WHERE tenant_id = $1
	`, tenantID).Scan(&configPath)
	if err == pgx.ErrNoRows {
		return instance.Config{}, fmt.Errorf("no config document for tenant %s", tenantID)
	}
	if err != nil {
		return instance.Config{}, fmt.Errorf("tenant config lookup: %w", err)
	}

	return instance.Config{
		TenantID:        tenantID,
		Command:         p.childCommand,
		Args:            p.childArgs,
		Env:             []string{"MCP_TENANT_CONFIG=" + configPath},
		ConfigPath:      configPath,
		ProtocolVersion: p.protocolVersion,
		IdleTimeout:     p.idleTimeout,
		CallTimeout:     p.callTimeout,
		RestartMax:      p.restartMax,
		RestartCooldown: p.restartCooldown,
	}, nil
}
