package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/metrics"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/quota"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/session"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/store"
)

const maxMethodNameInMessage = 64

// serverName/serverVersion are the gateway's own identity, returned from its
// initialize reply regardless of what the child advertises.
const (
	serverName    = "seomcp-proxy"
	serverVersion = "1.0.0"
)

// Outcome reports the disposition of one dispatched message, used by the
// HTTP layer to decide status code and whether a session header should be
// set.
type Outcome struct {
	Response     *JSONRPCResponse // nil for notifications
	NewSessionID string           // set only on a successful initialize
	HTTPStatus   int              // 0 means the JSON-RPC default (HTTP 200)
	Quota        *quota.Decision  // set for tools/call outcomes, nil otherwise
}

// Pipeline implements the authenticate -> dispatch -> quota -> forward ->
// usage-log sequence for one MCP message, independent of how it arrived
// (single request, one element of a batch, or over SSE).
type Pipeline struct {
	pool     *instance.Pool
	sessions *session.Registry
	quota    *quota.Accountant
	usage    *store.UsageLog
}

// NewPipeline wires a Pipeline to its collaborators.
func NewPipeline(pool *instance.Pool, sessions *session.Registry, quotaAcct *quota.Accountant, usage *store.UsageLog) *Pipeline {
	return &Pipeline{pool: pool, sessions: sessions, quota: quotaAcct, usage: usage}
}

// Dispatch handles one JSON-RPC message on behalf of identity. sessionID is
// the caller-supplied Mcp-Session-Id header, empty for "initialize". A
// notification (no id on req) always yields a nil Response.
func (p *Pipeline) Dispatch(ctx context.Context, identity store.TenantIdentity, sessionID string, req JSONRPCRequest) Outcome {
	isNotification := req.IsNotification()

	if req.Method == "initialize" {
		out := p.handleInitialize(ctx, identity, req)
		if isNotification {
			out.Response = nil
		}
		return out
	}

	// ping is a liveness probe, answered locally without waking the child,
	// touching a session, or consuming quota.
	if req.Method == "ping" {
		if isNotification {
			return Outcome{}
		}
		return Outcome{Response: &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mustMarshal(map[string]any{"status": "ok"})}}
	}

	sess, rpcErr := p.resolveSession(sessionID, identity.TenantID)
	if rpcErr != nil {
		if isNotification {
			// a notification with a bad session is still just dropped; the
			// caller gets 202 either way since notifications carry no body.
			return Outcome{}
		}
		return Outcome{Response: errorResponse(req.ID, rpcErr), HTTPStatus: rpcErr.Status()}
	}

	if isNotification {
		if err := sess.Instance.Notify(ctx, req.Method, req.Params); err != nil {
			log.Warn().Str("tenant_id", identity.TenantID).Str("method", req.Method).Err(err).
				Msg("failed to forward notification")
		}
		return Outcome{}
	}

	switch {
	case req.Method == "tools/list":
		return Outcome{Response: p.forward(ctx, sess.Instance, req)}
	case req.Method == "tools/call":
		resp, decision := p.handleToolCall(ctx, identity, sess, req)
		return Outcome{Response: resp, Quota: decision}
	default:
		return Outcome{Response: errorResponse(req.ID, methodNotFoundError(req.Method))}
	}
}

// DispatchBatch handles every message in a batch in array order. The
// returned responses slice has an entry only for messages that carry an id
// (notifications are forwarded but produce no response), preserving
// index-for-index correspondence with the request subarray that has ids.
// newSessionID is set if any message in the batch was a successful
// initialize (in practice, at most one — initialize is never meaningfully
// batched with other messages, but nothing here assumes that). httpStatus is
// the first non-default status any outcome in the batch carried (a missing
// or cross-tenant session, say), or 0 if every outcome rode the JSON-RPC
// default.
func (p *Pipeline) DispatchBatch(ctx context.Context, identity store.TenantIdentity, sessionID string, reqs []JSONRPCRequest) (responses []JSONRPCResponse, newSessionID string, httpStatus int) {
	for _, req := range reqs {
		outcome := p.Dispatch(ctx, identity, sessionID, req)
		if outcome.NewSessionID != "" {
			newSessionID = outcome.NewSessionID
			sessionID = outcome.NewSessionID
		}
		if outcome.Response != nil {
			responses = append(responses, *outcome.Response)
		}
		if httpStatus == 0 && outcome.HTTPStatus != 0 {
			httpStatus = outcome.HTTPStatus
		}
	}
	return responses, newSessionID, httpStatus
}

func (p *Pipeline) handleInitialize(ctx context.Context, identity store.TenantIdentity, req JSONRPCRequest) Outcome {
	inst, err := p.pool.Acquire(identity.TenantID)
	if err != nil {
		return Outcome{Response: errorResponse(req.ID, instanceError(err))}
	}

	token, err := p.sessions.Create(identity.TenantID, inst)
	if err != nil {
		return Outcome{Response: errorResponse(req.ID, internalError("failed to create session"))}
	}

	result := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mustMarshal(result)}
	return Outcome{Response: resp, NewSessionID: token}
}

func (p *Pipeline) resolveSession(sessionID, tenantID string) (*session.Session, *RPCError) {
	if sessionID == "" {
		return nil, NewRPCErrorWithStatus(400, InvalidRequest, "missing Mcp-Session-Id header", nil)
	}
	sess, err := p.sessions.Resolve(sessionID, tenantID)
	if err != nil {
		return nil, NewRPCErrorWithStatus(404, InvalidRequest, "session not found", nil)
	}
	return sess, nil
}

// handleToolCall forwards a tools/call request subject to scope and quota
// checks. The returned *quota.Decision is non-nil whenever the quota
// accountant was actually consulted (i.e. scope passed), so the HTTP layer
// can render X-RateLimit-* headers on every tool-call reply, allowed or
// denied alike, not just the denial's error data block.
func (p *Pipeline) handleToolCall(ctx context.Context, identity store.TenantIdentity, sess *session.Session, req JSONRPCRequest) (*JSONRPCResponse, *quota.Decision) {
	toolName, scopeErr := p.checkScope(identity, req)
	if scopeErr != nil {
		p.logUsage(ctx, identity, toolName, store.OutcomeError, 0)
		return errorResponse(req.ID, scopeErr), nil
	}

	decision, err := p.quota.CheckAndCharge(ctx, identity.TenantID, identity.Plan, identity.Verified)
	if err != nil {
		p.logUsage(ctx, identity, toolName, store.OutcomeError, 0)
		return errorResponse(req.ID, internalError("quota check failed")), nil
	}

	if !decision.Allowed {
		metrics.QuotaDenials.WithLabelValues(identity.Plan).Inc()
		p.logUsage(ctx, identity, toolName, store.OutcomeQuotaExhausted, 0)
		return errorResponse(req.ID, rateLimitedError(decision)), &decision
	}

	start := time.Now()
	resp := p.forward(ctx, sess.Instance, req)
	duration := time.Since(start)

	outcome := store.OutcomeSuccess
	if resp.Error != nil {
		outcome = store.OutcomeError
	}
	metrics.RequestDuration.WithLabelValues("tools/call", string(outcome)).Observe(duration.Seconds())
	p.logUsage(ctx, identity, toolName, outcome, duration.Milliseconds())

	return resp, &decision
}

func (p *Pipeline) checkScope(identity store.TenantIdentity, req JSONRPCRequest) (string, *RPCError) {
	var params struct {
		Name string `json:"name"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	if len(identity.Scopes) == 0 {
		return params.Name, nil
	}
	for _, scope := range identity.Scopes {
		if scope == params.Name {
			return params.Name, nil
		}
	}
	return params.Name, methodNotFoundError(params.Name)
}

func (p *Pipeline) forward(ctx context.Context, inst *instance.Instance, req JSONRPCRequest) *JSONRPCResponse {
	result, err := inst.Send(ctx, req.Method, req.Params)
	if err != nil {
		return errorResponse(req.ID, instanceError(err))
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (p *Pipeline) logUsage(ctx context.Context, identity store.TenantIdentity, toolName string, outcome store.Outcome, durationMS int64) {
	rec := store.UsageRecord{
		TenantID:     identity.TenantID,
		CredentialID: identity.CredentialID,
		ToolName:     toolName,
		Outcome:      outcome,
		DurationMS:   durationMS,
		Timestamp:    time.Now(),
	}
	if err := p.usage.Append(ctx, rec); err != nil {
		log.Error().Str("tenant_id", identity.TenantID).Err(err).Msg("failed to append usage log row")
	}
}

func methodNotFoundError(method string) *RPCError {
	return NewRPCError(MethodNotFound, fmt.Sprintf("method not found: %s", truncateMethod(method)), nil)
}

func internalError(message string) *RPCError {
	return NewRPCError(InternalError, message, nil)
}

func instanceError(err error) *RPCError {
	return NewRPCError(InternalError, err.Error(), nil)
}

func rateLimitedError(d quota.Decision) *RPCError {
	return NewRPCError(RateLimited, "rate limit exceeded", map[string]any{
		"used":  d.Used,
		"limit": d.Limit,
		"plan":  d.Plan,
	})
}

func errorResponse(id json.RawMessage, rpcErr *RPCError) *JSONRPCResponse {
	code, message, data := rpcErr.ToJSONRPCError()
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

func truncateMethod(method string) string {
	if len(method) <= maxMethodNameInMessage {
		return method
	}
	return method[:maxMethodNameInMessage] + "..."
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
