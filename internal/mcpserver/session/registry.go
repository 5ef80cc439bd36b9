// Package session binds an authenticated caller to a specific child
// Instance across requests, identified by an opaque token.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/metrics"
)

// DefaultTTL is how long a session remains valid after its last access.
const DefaultTTL = 30 * time.Minute

// sweepSchedule mirrors the spec's "every 5 minutes" expiry pass.
const sweepSchedule = "@every 5m"

// Session is a binding between one tenant identity and one Instance,
// identified by an opaque 256-bit token.
type Session struct {
	Token      string
	TenantID   string
	Instance   *instance.Instance
	CreatedAt  time.Time
	LastAccess time.Time
}

// ErrNotFound is returned uniformly for an unknown token, an expired
// session, or a cross-tenant lookup — the registry never distinguishes
// those cases to a caller, so session existence cannot be leaked.
var ErrNotFound = fmt.Errorf("session not found")

// Registry holds all live sessions, process-wide.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	cron     *cron.Cron
}

// NewRegistry creates a registry and starts its 5-minute expiry sweep.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		cron:     cron.New(),
	}
	if _, err := r.cron.AddFunc(sweepSchedule, r.sweep); err != nil {
		log.Error().Err(err).Msg("failed to schedule session sweep")
	}
	r.cron.Start()
	return r
}

// Stop halts the background sweep. Used during graceful shutdown.
func (r *Registry) Stop() {
	r.cron.Stop()
}

// Create allocates a cryptographically random 256-bit token and stores a
// new session bound to tenantID and inst, with now as both creation and
// last-access time.
func (r *Registry) Create(tenantID string, inst *instance.Instance) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now()
	sess := &Session{
		Token:      token,
		TenantID:   tenantID,
		Instance:   inst,
		CreatedAt:  now,
		LastAccess: now,
	}

	r.mu.Lock()
	r.sessions[token] = sess
	metrics.SessionCount.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	return token, nil
}

// Resolve looks up token and checks it is bound to tenantID and unexpired.
// Any failure — missing token, expiry, or tenant mismatch — returns
// ErrNotFound, never a distinguishable "forbidden" outcome, so a caller
// cannot probe for the existence of another tenant's session.
func (r *Registry) Resolve(token, tenantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}

	if time.Since(sess.LastAccess) > r.ttl {
		delete(r.sessions, token)
		return nil, ErrNotFound
	}

	if sess.TenantID != tenantID {
		return nil, ErrNotFound
	}

	sess.LastAccess = time.Now()
	return sess, nil
}

// Destroy removes the session and kills its bound Instance.
func (r *Registry) Destroy(token string) {
	r.mu.Lock()
	sess, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
		metrics.SessionCount.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok && sess.Instance != nil {
		sess.Instance.Kill()
	}
}

// DestroyAll removes every session without killing instances; killing them
// is left to the pool's DrainAll.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	metrics.SessionCount.Set(0)
	r.mu.Unlock()
}

// Len reports the number of live sessions. Used by tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweep() {
	r.mu.Lock()
	now := time.Now()
	expired := 0
	for token, sess := range r.sessions {
		if now.Sub(sess.LastAccess) > r.ttl {
			delete(r.sessions, token)
			expired++
		}
	}
	if expired > 0 {
		metrics.SessionCount.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if expired > 0 {
		log.Info().Int("count", expired).Msg("swept expired mcp sessions")
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
