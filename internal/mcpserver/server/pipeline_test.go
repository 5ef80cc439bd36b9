package server

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantacodes/seomcp-proxy/internal/db"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/quota"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/session"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/store"
)

// TestMain lets this binary re-exec itself as a fake MCP child, matching the
// technique used by internal/mcpserver/instance's tests.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperChild()
		return
	}
	os.Exit(m.Run())
}

func runHelperChild() {
	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var frame struct {
			ID     json.RawMessage `json:"id,omitempty"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if len(frame.ID) == 0 {
			continue
		}
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      frame.ID,
			"result":  map[string]any{"method": frame.Method},
		})
		out.Write(data)
		out.Write([]byte{'\n'})
		out.Flush()
	}
}

// getTestDB mirrors the teacher's integration-test convention: skip unless
// TEST_DATABASE_URL is set, rather than fail the whole suite in environments
// without a live Postgres instance.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping pipeline integration tests")
	}
	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if _, err := pool.Exec(context.Background(), "DELETE FROM usage_log"); err != nil {
		t.Fatalf("failed to clean usage_log: %v", err)
	}
	return pool
}

type stubProducer struct {
	cfg instance.Config
}

func (p *stubProducer) InstanceConfig(tenantID string) (instance.Config, error) {
	cfg := p.cfg
	cfg.TenantID = tenantID
	return cfg, nil
}

func newTestPipeline(t *testing.T, plans map[string]quota.PlanLimits) *Pipeline {
	t.Helper()
	pool := getTestDB(t)
	t.Cleanup(func() { pool.Close() })

	producer := &stubProducer{cfg: instance.Config{
		Command:         os.Args[0],
		Args:            []string{"-test.run=TestMain"},
		Env:             []string{"GO_WANT_HELPER_PROCESS=1"},
		ProtocolVersion: "2025-03-26",
		InitTimeout:     500 * time.Millisecond,
		CallTimeout:     500 * time.Millisecond,
		IdleTimeout:     10 * time.Minute,
		RestartMax:      3,
		RestartCooldown: 10 * time.Second,
	}}
	instancePool := instance.NewPool(producer)
	sessions := session.NewRegistry(30 * time.Minute)
	t.Cleanup(sessions.Stop)
	usage := store.NewUsageLog(pool)
	quotaAcct := quota.New(usage, plans)

	return NewPipeline(instancePool, sessions, quotaAcct, usage)
}

func identity(tenantID, plan string) store.TenantIdentity {
	return store.TenantIdentity{TenantID: tenantID, Plan: plan, Verified: true, CredentialID: "cred-1"}
}

func reqWithID(id int, method string, params json.RawMessage) JSONRPCRequest {
	idRaw, _ := json.Marshal(id)
	return JSONRPCRequest{JSONRPC: "2.0", ID: idRaw, Method: method, Params: params}
}

func notification(method string) JSONRPCRequest {
	return JSONRPCRequest{JSONRPC: "2.0", Method: method}
}

// TestPipeline_InitializeThenToolsList covers scenario S1.
func TestPipeline_InitializeThenToolsList(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	if out.Response == nil || out.Response.Error != nil {
		t.Fatalf("initialize failed: %+v", out.Response)
	}
	if out.NewSessionID == "" {
		t.Fatal("initialize did not return a session id")
	}

	out2 := p.Dispatch(ctx, id, out.NewSessionID, reqWithID(2, "tools/list", nil))
	if out2.Response == nil || out2.Response.Error != nil {
		t.Fatalf("tools/list failed: %+v", out2.Response)
	}
}

// TestPipeline_NotificationYieldsNoResponse covers scenario S2.
func TestPipeline_NotificationYieldsNoResponse(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	sessionID := out.NewSessionID

	out2 := p.Dispatch(ctx, id, sessionID, notification("notifications/progress"))
	if out2.Response != nil {
		t.Errorf("expected nil response for a notification, got %+v", out2.Response)
	}
}

// TestPipeline_UnknownMethodNotFound covers scenario S3.
func TestPipeline_UnknownMethodNotFound(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	sessionID := out.NewSessionID

	out2 := p.Dispatch(ctx, id, sessionID, reqWithID(2, "tools/frobnicate", nil))
	if out2.Response == nil || out2.Response.Error == nil {
		t.Fatal("expected a method-not-found error")
	}
	if out2.Response.Error.Code != MethodNotFound {
		t.Errorf("error code = %d, want %d", out2.Response.Error.Code, MethodNotFound)
	}
}

// TestPipeline_QuotaDenial covers scenario S4.
func TestPipeline_QuotaDenial(t *testing.T) {
	p := newTestPipeline(t, map[string]quota.PlanLimits{"free": {Verified: 0, Unverified: 0}})
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	sessionID := out.NewSessionID

	out2 := p.Dispatch(ctx, id, sessionID, reqWithID(2, "tools/call", json.RawMessage(`{"name":"search"}`)))
	if out2.Response == nil || out2.Response.Error == nil {
		t.Fatal("expected a quota-denial error")
	}
	if out2.Response.Error.Code != RateLimited {
		t.Errorf("error code = %d, want %d", out2.Response.Error.Code, RateLimited)
	}
}

// TestPipeline_CrossTenantSessionRejected covers scenario S5.
func TestPipeline_CrossTenantSessionRejected(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	idA := identity("tenant-a", "free")
	idB := identity("tenant-b", "free")

	out := p.Dispatch(ctx, idA, "", reqWithID(1, "initialize", nil))
	sessionID := out.NewSessionID

	out2 := p.Dispatch(ctx, idB, sessionID, reqWithID(2, "tools/list", nil))
	if out2.Response == nil || out2.Response.Error == nil {
		t.Fatal("expected cross-tenant session lookup to fail")
	}
	rpcErr := NewRPCErrorWithStatus(404, InvalidRequest, "session not found", nil)
	if out2.Response.Error.Code != rpcErr.Code {
		t.Errorf("error code = %d, want %d", out2.Response.Error.Code, rpcErr.Code)
	}
	if out2.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %d, want 404", out2.HTTPStatus)
	}
}

func TestPipeline_MissingSessionHeader(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "tools/list", nil))
	if out.Response == nil || out.Response.Error == nil {
		t.Fatal("expected missing-session error")
	}
	if out.Response.Error.Code != InvalidRequest {
		t.Errorf("error code = %d, want %d", out.Response.Error.Code, InvalidRequest)
	}
	if out.HTTPStatus != 400 {
		t.Errorf("HTTPStatus = %d, want 400", out.HTTPStatus)
	}
}

// TestPipeline_Ping covers the liveness probe: answered locally, without a
// session, without touching the quota accountant.
func TestPipeline_Ping(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "ping", nil))
	if out.Response == nil || out.Response.Error != nil {
		t.Fatalf("expected a successful ping response, got %+v", out.Response)
	}
	if out.HTTPStatus != 0 {
		t.Errorf("HTTPStatus = %d, want 0 (ping always rides the JSON-RPC default)", out.HTTPStatus)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out.Response.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("status = %q, want %q", result.Status, "ok")
	}
}

// TestPipeline_ToolCallCarriesQuotaDecision covers the X-RateLimit-*
// header requirement: a successful tools/call outcome carries the quota
// decision that authorized it, not just denials.
func TestPipeline_ToolCallCarriesQuotaDecision(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	out := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	sessionID := out.NewSessionID

	out2 := p.Dispatch(ctx, id, sessionID, reqWithID(2, "tools/call", json.RawMessage(`{"name":"search"}`)))
	if out2.Quota == nil {
		t.Fatal("expected a non-nil quota decision on a successful tools/call outcome")
	}
	if !out2.Quota.Allowed {
		t.Errorf("Quota.Allowed = false, want true")
	}
}

// TestPipeline_BatchOrder covers Testable Property 8: the response array
// preserves the order of requests that carry an id, skipping notifications.
func TestPipeline_BatchOrder(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()
	id := identity("tenant-a", "free")

	init := p.Dispatch(ctx, id, "", reqWithID(1, "initialize", nil))
	sessionID := init.NewSessionID

	batch := []JSONRPCRequest{
		notification("notifications/progress"),
		reqWithID(2, "tools/list", nil),
		reqWithID(3, "tools/frobnicate", nil),
	}

	responses, newSessionID, httpStatus := p.DispatchBatch(ctx, id, sessionID, batch)
	if httpStatus != 0 {
		t.Errorf("httpStatus = %d, want 0 (every outcome in this batch rides the JSON-RPC default)", httpStatus)
	}
	if newSessionID != "" {
		t.Errorf("newSessionID = %q, want empty (no initialize in this batch)", newSessionID)
	}
	if len(responses) != 2 {
		t.Fatalf("len(responses) = %d, want 2 (notification produces no response)", len(responses))
	}

	var firstID, secondID int
	if err := json.Unmarshal(responses[0].ID, &firstID); err != nil {
		t.Fatalf("unmarshal first response id: %v", err)
	}
	if err := json.Unmarshal(responses[1].ID, &secondID); err != nil {
		t.Fatalf("unmarshal second response id: %v", err)
	}
	if firstID != 2 || secondID != 3 {
		t.Errorf("response ids = [%d, %d], want [2, 3]", firstID, secondID)
	}
}
