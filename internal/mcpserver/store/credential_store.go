// Package store holds the Postgres-backed collaborator surfaces the core
// gateway consumes: credential verification, usage logging, and per-tenant
// child configuration.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCredentialNotFound is returned for an unknown or revoked credential.
var ErrCredentialNotFound = errors.New("credential not found")

// TenantIdentity is what the credential-verification collaborator resolves
// a bearer credential to.
type TenantIdentity struct {
	TenantID     string
	Plan         string
	Verified     bool
	CredentialID string
	Scopes       []string // empty means unrestricted
}

// Claims is the custom JWT claim set carried by a signed API key. Tenants
// on the "agency"/"enterprise" plans may be issued one of these instead of
// an opaque key, avoiding a database round trip on the hot path.
type Claims struct {
	jwt.RegisteredClaims
	TenantID     string   `json:"tenant_id"`
	Plan         string   `json:"plan"`
	Verified     bool     `json:"verified"`
	CredentialID string   `json:"credential_id"`
	Scopes       []string `json:"scopes,omitempty"`
}

// CredentialStore resolves a bearer credential to a TenantIdentity. It
// tries the signed-JWT fast path first (when a secret is configured and the
// bearer has JWT shape); any credential that does not verify as a signed JWT
// falls back to a lookup against the credentials table.
type CredentialStore struct {
	db        *pgxpool.Pool
	jwtSecret []byte
}

// NewCredentialStore wires a CredentialStore to db for the opaque-key
// fallback and jwtSecret for validating signed API keys.
func NewCredentialStore(db *pgxpool.Pool, jwtSecret []byte) *CredentialStore {
	return &CredentialStore{db: db, jwtSecret: jwtSecret}
}

// Verify resolves bearer to a tenant identity, or ErrCredentialNotFound.
func (s *CredentialStore) Verify(ctx context.Context, bearer string) (TenantIdentity, error) {
	if looksLikeJWT(bearer) && len(s.jwtSecret) > 0 {
		if identity, err := s.verifyJWT(bearer); err == nil {
			return identity, nil
		}
		// fall through: an unparseable or invalid-signature JWT might still
		// be a coincidentally dot-separated opaque key; try the DB lookup
		// before giving up.
	}
	return s.verifyOpaque(ctx, bearer)
}

func (s *CredentialStore) verifyJWT(bearer string) (TenantIdentity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return TenantIdentity{}, err
	}
	if claims.TenantID == "" || claims.CredentialID == "" {
		return TenantIdentity{}, fmt.Errorf("token missing tenant_id or credential_id claim")
	}
	return TenantIdentity{
		TenantID:     claims.TenantID,
		Plan:         claims.Plan,
		Verified:     claims.Verified,
		CredentialID: claims.CredentialID,
		Scopes:       claims.Scopes,
	}, nil
}

// verifyOpaque looks up a long-lived opaque API key by the SHA-256 hash of
// its raw bytes, so the database never stores the key itself.
func (s *CredentialStore) verifyOpaque(ctx context.Context, bearer string) (TenantIdentity, error) {
	sum := sha256.Sum256([]byte(bearer))
	hash := hex.EncodeToString(sum[:])

	var identity TenantIdentity
	var scopes []string
	var revokedAt *time.Time

	row := s.db.QueryRow(ctx, `
		SELECT tenant_id, plan, verified, credential_id, scopes, revoked_at
		FROM credentials
		WHERE key_hash = $1
	`, hash)

	err := row.Scan(&identity.TenantID, &identity.Plan, &identity.Verified,
		&identity.CredentialID, &scopes, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantIdentity{}, ErrCredentialNotFound
	}
	if err != nil {
		return TenantIdentity{}, fmt.Errorf("credential lookup: %w", err)
	}
	if revokedAt != nil {
		return TenantIdentity{}, ErrCredentialNotFound
	}

	identity.Scopes = scopes
	return identity, nil
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
