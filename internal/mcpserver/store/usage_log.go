package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome is the result of one tool-call attempt, as recorded in the usage
// log.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeError          Outcome = "error"
	OutcomeQuotaExhausted Outcome = "quota-exhausted"
)

// UsageRecord is one append-only usage-log row.
type UsageRecord struct {
	TenantID     string
	CredentialID string
	ToolName     string
	Outcome      Outcome
	DurationMS   int64
	Timestamp    time.Time
}

// UsageLog is the append-only collaborator backing the quota accountant and
// the pipeline's per-attempt logging requirement.
type UsageLog struct {
	db *pgxpool.Pool
}

// NewUsageLog wires a UsageLog to db.
func NewUsageLog(db *pgxpool.Pool) *UsageLog {
	return &UsageLog{db: db}
}

// Append writes one usage-log row. The pipeline calls this exactly once per
// tool-call attempt, regardless of outcome.
func (l *UsageLog) Append(ctx context.Context, rec UsageRecord) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO usage_log (tenant_id, credential_id, tool_name, outcome, duration_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TenantID, rec.CredentialID, rec.ToolName, string(rec.Outcome), rec.DurationMS, rec.Timestamp)
	return err
}

// CountSince counts rows for tenantID with timestamps >= since. There is no
// materialized counter; this scan of the log is the source of truth for the
// quota window.
func (l *UsageLog) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := l.db.QueryRow(ctx, `
		SELECT count(*) FROM usage_log WHERE tenant_id = $1 AND occurred_at >= $2
	`, tenantID, since).Scan(&count)
	return count, err
}
