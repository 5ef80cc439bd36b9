// Package server exposes the gateway's Streamable HTTP MCP surface: the
// chi router, authentication and origin middleware, and the request
// pipeline that forwards calls to each tenant's child Instance.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/config"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/metrics"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/quota"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/session"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/store"
)

const tenantIdentityKey contextKey = "tenantIdentity"

// WithTenantIdentity attaches identity to ctx.
func WithTenantIdentity(ctx context.Context, identity store.TenantIdentity) context.Context {
	return context.WithValue(ctx, tenantIdentityKey, identity)
}

// TenantIdentityFromContext retrieves the identity attached by authMiddleware.
func TenantIdentityFromContext(ctx context.Context) (store.TenantIdentity, bool) {
	identity, ok := ctx.Value(tenantIdentityKey).(store.TenantIdentity)
	return identity, ok
}

// TenantIDFromContext is a convenience accessor used by BurstLimiter, which
// only needs the tenant id, not the full identity.
func TenantIDFromContext(ctx context.Context) string {
	identity, ok := TenantIdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return identity.TenantID
}

// MCPServer is the gateway's Streamable HTTP MCP server.
type MCPServer struct {
	cfg         *config.Config
	httpServer  *http.Server
	credentials *store.CredentialStore
	sessions    *session.Registry
	pipeline    *Pipeline
	burst       *BurstLimiter
}

// NewMCPServer wires an MCPServer to its collaborators.
func NewMCPServer(
	cfg *config.Config,
	credentials *store.CredentialStore,
	pool *instance.Pool,
	sessions *session.Registry,
	quotaAcct *quota.Accountant,
	usage *store.UsageLog,
) *MCPServer {
	return &MCPServer{
		cfg:         cfg,
		credentials: credentials,
		sessions:    sessions,
		pipeline:    NewPipeline(pool, sessions, quotaAcct, usage),
		burst: NewBurstLimiter(BurstLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         120,
		}),
	}
}

// Routes builds the chi router for the gateway's own surface.
func (s *MCPServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.originMiddleware)
		r.Use(s.authMiddleware)
		r.Use(s.burst.Middleware)

		r.Post("/mcp", s.handleMCPPost)
		r.Get("/mcp", s.handleMCPGet)
		r.Delete("/mcp", s.handleMCPDelete)
	})

	return r
}

// Start begins serving on addr until Shutdown is called or ListenAndServe
// fails. WriteTimeout is intentionally left unset so SSE streams can stay
// open indefinitely.
func (s *MCPServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("starting mcp gateway")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// originMiddleware rejects requests whose Origin header is not allowlisted,
// guarding against DNS rebinding per the Streamable HTTP transport's
// recommendation. Skipped entirely in dev mode.
func (s *MCPServer) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DevMode {
			next.ServeHTTP(w, r)
			return
		}
		if len(s.cfg.AllowedOrigins) == 0 {
			log.Warn().Msg("no allowed origins configured, accepting all origins")
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		for _, allowed := range s.cfg.AllowedOrigins {
			if origin == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		log.Warn().Str("origin", origin).Msg("origin not in allowlist")
		http.Error(w, "origin not allowed", http.StatusForbidden)
	})
}

// authMiddleware resolves the caller's tenant identity from the Authorization
// header (or, in dev mode, the X-Debug-Tenant header) and attaches it to the
// request context. It does not itself check protocol version or session
// state — those are message-shaped concerns handled per-method in Dispatch.
func (s *MCPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DevMode {
			if debugTenant := r.Header.Get("X-Debug-Tenant"); debugTenant != "" {
				identity := store.TenantIdentity{
					TenantID:     debugTenant,
					Plan:         "free",
					Verified:     true,
					CredentialID: "dev-mode",
				}
				next.ServeHTTP(w, r.WithContext(WithTenantIdentity(r.Context(), identity)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			writeRPCError(w, nil, NewRPCErrorWithStatus(http.StatusUnauthorized, InvalidRequest, "missing or malformed authorization header", nil))
			return
		}
		bearer := strings.TrimPrefix(authHeader, "Bearer ")

		identity, err := s.credentials.Verify(r.Context(), bearer)
		if err != nil {
			writeRPCError(w, nil, NewRPCErrorWithStatus(http.StatusUnauthorized, InvalidRequest, "invalid or revoked credential", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenantIdentity(r.Context(), identity)))
	})
}

// handleMCPPost handles POST /mcp: single JSON-RPC message or batch.
func (s *MCPServer) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	protocolVersion := r.Header.Get("Mcp-Protocol-Version")
	if protocolVersion != "" && protocolVersion != "2025-03-26" && protocolVersion != config.OutwardProtocolVersion {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	identity, _ := TenantIdentityFromContext(r.Context())
	sessionID := r.Header.Get("Mcp-Session-Id")

	body, err := readBody(r)
	if err != nil {
		writeRPCError(w, nil, NewRPCError(ParseError, "invalid JSON", nil))
		return
	}

	wantsSSE := acceptsSSE(r)

	if isBatch(body) {
		var reqs []JSONRPCRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeRPCError(w, nil, NewRPCError(ParseError, "invalid JSON", nil))
			return
		}
		s.handleBatch(w, r, identity, sessionID, reqs, wantsSSE)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, NewRPCError(ParseError, "invalid JSON", nil))
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, NewRPCError(InvalidRequest, "invalid jsonrpc version", nil))
		return
	}

	outcome := s.pipeline.Dispatch(r.Context(), identity, sessionID, req)

	if outcome.NewSessionID != "" {
		w.Header().Set("Mcp-Session-Id", outcome.NewSessionID)
	}
	setRateLimitHeaders(w, outcome.Quota)

	if outcome.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if outcome.HTTPStatus != 0 {
		status = outcome.HTTPStatus
	}

	// A rejection ahead of session resolution (bad header, unknown or
	// cross-tenant session) carries its own status and is never worth
	// streaming back over SSE.
	if wantsSSE && status == http.StatusOK {
		stream, err := NewSSEStream(r.Context(), w, sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer stream.Close()
		_ = stream.SendMessage(outcome.Response)
		return
	}

	writeJSONResponse(w, status, outcome.Response)
}

func (s *MCPServer) handleBatch(w http.ResponseWriter, r *http.Request, identity store.TenantIdentity, sessionID string, reqs []JSONRPCRequest, wantsSSE bool) {
	responses, newSessionID, httpStatus := s.pipeline.DispatchBatch(r.Context(), identity, sessionID, reqs)

	if newSessionID != "" {
		w.Header().Set("Mcp-Session-Id", newSessionID)
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if httpStatus != 0 {
		status = httpStatus
	}

	if wantsSSE && status == http.StatusOK {
		stream, err := NewSSEStream(r.Context(), w, sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer stream.Close()
		for i := range responses {
			_ = stream.SendMessage(&responses[i])
		}
		return
	}

	writeJSONResponse(w, status, responses)
}

// setRateLimitHeaders renders the quota accountant's decision as
// X-RateLimit-Limit/-Remaining/-Used headers, using -1 for the unbounded
// plans that never had a ceiling to report. d is nil for every outcome that
// never reached the quota accountant (initialize, ping, tools/list,
// scope-rejected tools/call), in which case no headers are set.
func setRateLimitHeaders(w http.ResponseWriter, d *quota.Decision) {
	if d == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", itoaRateLimit(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", itoaRateLimit(d.Remaining))
	w.Header().Set("X-RateLimit-Used", itoaRateLimit(d.Used))
}

func itoaRateLimit(n int) string {
	if n == quota.Unbounded {
		return "-1"
	}
	return strconv.Itoa(n)
}

// handleMCPGet is reserved for server-initiated streaming; the gateway does
// not yet push unsolicited messages, so it reports the transport's documented
// fallback rather than opening a stream with nothing to send.
func (s *MCPServer) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, DELETE")
	http.Error(w, "server-initiated streaming not supported", http.StatusMethodNotAllowed)
}

// handleMCPDelete destroys the session named by Mcp-Session-Id and kills its
// bound Instance.
func (s *MCPServer) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	identity, _ := TenantIdentityFromContext(r.Context())
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	if _, err := s.sessions.Resolve(sessionID, identity.TenantID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.sessions.Destroy(sessionID)
	w.WriteHeader(http.StatusOK)
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func isBatch(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRPCError writes a single JSON-RPC error envelope under rpcErr's HTTP
// status. id may be nil for transport-level failures that precede request
// parsing.
func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	code, message, data := rpcErr.ToJSONRPCError()
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
	writeJSONResponse(w, rpcErr.Status(), resp)
}
