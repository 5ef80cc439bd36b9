// Package instance wraps one per-tenant child process speaking MCP over a
// line-delimited JSON-RPC stdio transport.
package instance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/metrics"
)

// State is one of the Instance lifecycle states.
type State int

const (
	StateUnstarted State = iota
	StateInitializing
	StateReady
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

var (
	ErrRestartExhausted = errors.New("restart exhausted")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrTimeout          = errors.New("timeout")
	ErrInstanceDead     = errors.New("instance terminated")
	ErrWriteFailure     = errors.New("write failure")
)

// Config describes how to spawn and speak to a tenant's child process.
type Config struct {
	TenantID        string
	Command         string
	Args            []string
	Env             []string
	ConfigPath      string
	ProtocolVersion string // version sent in the child-facing initialize handshake
	IdleTimeout     time.Duration
	CallTimeout     time.Duration
	RestartMax      int
	RestartCooldown time.Duration
	InitTimeout     time.Duration
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) asError() error {
	return fmt.Errorf("child error %d: %s", e.Code, e.Message)
}

type callResult struct {
	response json.RawMessage
	err      error
}

type pendingEntry struct {
	result chan callResult
	timer  *time.Timer
}

type initFuture struct {
	done chan struct{}
	err  error
}

// Instance is one live (or not-yet-started) child process for one tenant.
// It owns the child's handle, the pending-request table, and the idle and
// restart bookkeeping described by the component design.
type Instance struct {
	cfg Config

	// OnTerminated is invoked exactly once, the moment this Instance becomes
	// permanently unusable (idle eviction, crash, or explicit kill). The
	// Pool uses it to remove the tenant's map entry so the next acquire
	// constructs a fresh Instance.
	OnTerminated func()

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	stdin        *framerWriter
	exited       chan struct{} // closed by monitorExit once cmd.Wait() returns
	restartCount int
	lastRestart  time.Time
	initFut      *initFuture
	idleTimer    *time.Timer
	terminateOne sync.Once

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	nextID int64
}

// framerWriter is a tiny indirection so Instance can swap the sink on respawn
// without callers holding a stale *Framer.
type framerWriter struct {
	f *Framer
}

// New creates an Instance in the unstarted state. It does not spawn a child
// until ensureReady is called, directly or via send/notify.
func New(cfg Config, onTerminated func()) *Instance {
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = 3
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "2025-03-26"
	}
	return &Instance{
		cfg:          cfg,
		state:        StateUnstarted,
		pending:      make(map[string]*pendingEntry),
		OnTerminated: onTerminated,
	}
}

// State reports the current lifecycle state. Used by tests.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// ensureReady spawns the child and performs the MCP handshake if needed,
// waits out an in-flight handshake if one is underway, or returns
// immediately (after rearming the idle timer) if already ready.
func (inst *Instance) ensureReady(ctx context.Context) error {
	inst.mu.Lock()

	if inst.state == StateReady {
		inst.armIdleLocked()
		inst.mu.Unlock()
		return nil
	}

	if inst.state == StateInitializing {
		fut := inst.initFut
		inst.mu.Unlock()
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// unstarted, terminating, or dead: attempt a (re)spawn, subject to the
	// restart cap and cooldown.
	now := time.Now()
	if !inst.lastRestart.IsZero() && now.Sub(inst.lastRestart) > inst.cfg.RestartCooldown {
		inst.restartCount = 0
	}
	if inst.restartCount >= inst.cfg.RestartMax {
		inst.mu.Unlock()
		return ErrRestartExhausted
	}
	inst.restartCount++
	inst.lastRestart = now
	metrics.InstanceRestarts.WithLabelValues(inst.cfg.TenantID).Inc()

	fut := &initFuture{done: make(chan struct{})}
	inst.initFut = fut
	inst.state = StateInitializing
	inst.mu.Unlock()

	err := inst.spawnAndHandshake(ctx)

	inst.mu.Lock()
	if err != nil {
		inst.state = StateDead
		inst.mu.Unlock()
		fut.err = err
		close(fut.done)
		inst.terminate()
		return err
	}
	inst.state = StateReady
	inst.armIdleLocked()
	inst.mu.Unlock()
	close(fut.done)
	return nil
}

func (inst *Instance) spawnAndHandshake(ctx context.Context) error {
	cmd := exec.Command(inst.cfg.Command, inst.cfg.Args...)
	cmd.Env = append(os.Environ(), inst.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}

	exitedCh := make(chan struct{})

	inst.mu.Lock()
	inst.cmd = cmd
	inst.stdin = &framerWriter{f: NewFramer(stdin)}
	inst.exited = exitedCh
	inst.mu.Unlock()

	values := make(chan json.RawMessage, 16)
	go ReadLoop(stdout, values)
	go copyStderrToLog(inst.cfg.TenantID, stderr)
	go inst.dispatchLoop(values)
	go inst.monitorExit(cmd, exitedCh)

	initCtx, cancel := context.WithTimeout(ctx, inst.cfg.InitTimeout)
	defer cancel()

	params, _ := json.Marshal(map[string]any{
		"protocolVersion": inst.cfg.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "seomcp-proxy",
			"version": "1.0.0",
		},
	})

	resp, err := inst.callLocked(initCtx, "initialize", params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_ = resp

	if err := inst.writeNotification("notifications/initialized", nil); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	log.Info().
		Str("tenant_id", inst.cfg.TenantID).
		Str("instance_state", StateReady.String()).
		Int("restart_count", inst.restartCount).
		Msg("instance ready")

	return nil
}

// callLocked performs a request/response round trip used only during the
// handshake, before the instance is in the ready state and reachable by
// ordinary send() callers.
func (inst *Instance) callLocked(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := inst.allocID()
	entry := &pendingEntry{result: make(chan callResult, 1)}
	inst.pendingMu.Lock()
	inst.pending[id] = entry
	inst.pendingMu.Unlock()

	idRaw, _ := json.Marshal(id)
	req := rpcRequest{JSONRPC: "2.0", ID: idRaw, Method: method, Params: params}
	if err := inst.stdin.f.Write(req); err != nil {
		inst.removePending(id)
		return nil, ErrWriteFailure
	}

	select {
	case res := <-entry.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-ctx.Done():
		inst.removePending(id)
		return nil, ctx.Err()
	}
}

func (inst *Instance) writeNotification(method string, params json.RawMessage) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	if err := inst.stdin.f.Write(req); err != nil {
		return ErrWriteFailure
	}
	return nil
}

func (inst *Instance) allocID() string {
	return fmt.Sprintf("%d", atomic.AddInt64(&inst.nextID, 1))
}

// Send implicitly calls ensureReady, registers a waiter, writes the request,
// and blocks for the matching response, a timeout, or instance death.
func (inst *Instance) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := inst.ensureReady(ctx); err != nil {
		return nil, err
	}

	id := inst.allocID()
	entry := &pendingEntry{result: make(chan callResult, 1)}

	callCtx, cancel := context.WithTimeout(ctx, inst.cfg.CallTimeout)
	defer cancel()

	entry.timer = time.AfterFunc(inst.cfg.CallTimeout, func() {
		if removed := inst.takePending(id); removed != nil {
			removed.result <- callResult{err: ErrTimeout}
		}
	})

	inst.pendingMu.Lock()
	inst.pending[id] = entry
	inst.pendingMu.Unlock()

	inst.mu.Lock()
	stdin := inst.stdin
	inst.mu.Unlock()

	idRaw, _ := json.Marshal(id)
	paramsRaw := params
	if paramsRaw == nil {
		paramsRaw = json.RawMessage("{}")
	}
	req := rpcRequest{JSONRPC: "2.0", ID: idRaw, Method: method, Params: paramsRaw}

	if stdin == nil {
		inst.removePending(id)
		return nil, ErrWriteFailure
	}
	if err := stdin.f.Write(req); err != nil {
		inst.removePending(id)
		return nil, ErrWriteFailure
	}

	select {
	case res := <-entry.result:
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-callCtx.Done():
		inst.removePending(id)
		return nil, ErrTimeout
	}
}

// Notify writes a notification; no waiter is registered and the call never
// blocks beyond the write itself.
func (inst *Instance) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if err := inst.ensureReady(ctx); err != nil {
		return err
	}
	inst.mu.Lock()
	stdin := inst.stdin
	inst.mu.Unlock()
	if stdin == nil {
		return ErrWriteFailure
	}
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	if err := stdin.f.Write(req); err != nil {
		return ErrWriteFailure
	}
	return nil
}

// dispatchLoop is the single background task that consumes parsed values
// from standard output and resolves pending waiters by id.
func (inst *Instance) dispatchLoop(values <-chan json.RawMessage) {
	for raw := range values {
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if len(resp.ID) == 0 || string(resp.ID) == "null" {
			continue // out-of-band message without a correlating id
		}

		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			// numeric ids arrive unquoted; normalize to the same string
			// space used by allocID so numeric and string-typed ids
			// compare equal to what we sent.
			id = string(resp.ID)
		}

		entry := inst.takePending(id)
		if entry == nil {
			continue // unknown id, or a duplicate for an id already resolved
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if resp.Error != nil {
			entry.result <- callResult{err: resp.Error.asError()}
		} else {
			entry.result <- callResult{response: resp.Result}
		}
	}
	// stdout closed: the exit hook (monitorExit) owns failing remaining
	// waiters, since it has the exit code to report.
}

func (inst *Instance) takePending(id string) *pendingEntry {
	inst.pendingMu.Lock()
	defer inst.pendingMu.Unlock()
	entry, ok := inst.pending[id]
	if !ok {
		return nil
	}
	delete(inst.pending, id)
	return entry
}

func (inst *Instance) removePending(id string) {
	inst.pendingMu.Lock()
	delete(inst.pending, id)
	inst.pendingMu.Unlock()
}

func (inst *Instance) failAllPending(err error) {
	inst.pendingMu.Lock()
	entries := inst.pending
	inst.pending = make(map[string]*pendingEntry)
	inst.pendingMu.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.result <- callResult{err: err}
	}
}

// monitorExit waits for the child to exit and fails every pending waiter
// with the child-exited outcome, then tears the instance down. exited is
// this spawn's own exit channel (captured at spawn time, not read off inst,
// so a later respawn's channel can never be mistaken for this one's).
func (inst *Instance) monitorExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	inst.mu.Lock()
	already := inst.state == StateDead
	inst.state = StateTerminating
	if inst.stdin != nil {
		inst.stdin.f.MarkClosed()
	}
	inst.mu.Unlock()

	if already {
		return
	}

	log.Warn().
		Str("tenant_id", inst.cfg.TenantID).
		Err(err).
		Str("instance_state", StateTerminating.String()).
		Msg("child process exited")

	inst.failAllPending(fmt.Errorf("%w: %v", ErrInstanceDead, err))

	inst.mu.Lock()
	inst.state = StateDead
	inst.mu.Unlock()

	inst.terminate()
}

// drainTimeout bounds how long Kill waits for a SIGTERM'd child to exit on
// its own before it resorts to SIGKILL.
const drainTimeout = 5 * time.Second

// Kill drains the child: it signals SIGTERM, closes stdin, and waits up to
// drainTimeout for the process to exit on its own before force-killing it.
// It also cancels the idle timer, fails every pending waiter, and marks the
// instance dead. Safe to call more than once.
func (inst *Instance) Kill() {
	inst.mu.Lock()
	if inst.state == StateDead {
		inst.mu.Unlock()
		return
	}
	inst.state = StateTerminating
	if inst.idleTimer != nil {
		inst.idleTimer.Stop()
	}
	cmd := inst.cmd
	stdin := inst.stdin
	exited := inst.exited
	inst.mu.Unlock()

	if stdin != nil {
		stdin.f.MarkClosed()
		if c, ok := stdin.f.w.(io.Closer); ok {
			_ = c.Close()
		}
	}

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = cmd.Process.Kill()
		} else if exited != nil {
			select {
			case <-exited:
			case <-time.After(drainTimeout):
				_ = cmd.Process.Kill()
			}
		}
	}

	inst.failAllPending(ErrInstanceDead)

	inst.mu.Lock()
	inst.state = StateDead
	inst.mu.Unlock()

	inst.terminate()
}

// terminate invokes OnTerminated exactly once for this Instance's lifetime.
func (inst *Instance) terminate() {
	inst.terminateOne.Do(func() {
		if inst.OnTerminated != nil {
			inst.OnTerminated()
		}
	})
}

func (inst *Instance) armIdleLocked() {
	if inst.idleTimer != nil {
		inst.idleTimer.Stop()
	}
	inst.idleTimer = time.AfterFunc(inst.cfg.IdleTimeout, inst.onIdleFire)
}

func (inst *Instance) onIdleFire() {
	inst.pendingMu.Lock()
	pendingCount := len(inst.pending)
	inst.pendingMu.Unlock()

	if pendingCount > 0 {
		inst.mu.Lock()
		inst.armIdleLocked()
		inst.mu.Unlock()
		return
	}

	log.Info().
		Str("tenant_id", inst.cfg.TenantID).
		Str("instance_state", StateTerminating.String()).
		Msg("instance idle timeout, evicting")

	metrics.InstanceEvictions.WithLabelValues(inst.cfg.TenantID).Inc()
	inst.Kill()
}

// copyStderrToLog mirrors the child's standard error to the operator log,
// one scanned line at a time, until the pipe closes.
func copyStderrToLog(tenantID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		log.Info().Str("tenant_id", tenantID).Str("child_stderr", scanner.Text()).Msg("child stderr")
	}
}
