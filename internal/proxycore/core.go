// Package proxycore implements the per-upstream-server proxy from spec
// §4.8: one Core owns a client-facing transport, a spawned upstream child
// process and its transport, a circuit breaker, and the pending-requests
// table that ties a client request to its eventual upstream response (or
// timeout).
package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dotsetlabs/overwatch/internal/approval"
	"github.com/dotsetlabs/overwatch/internal/audit"
	"github.com/dotsetlabs/overwatch/internal/ctxkeys"
	sentinelerrors "github.com/dotsetlabs/overwatch/internal/errors"
	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/policy"
	"github.com/dotsetlabs/overwatch/internal/session"
	"github.com/dotsetlabs/overwatch/internal/shadow"
	"github.com/dotsetlabs/overwatch/internal/transport"
	"github.com/google/uuid"
)

// State is a Core's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// Config configures a Core. Shared resources (Policy, Session, Audit,
// Approval, Shadow) are constructed once by the orchestrator and handed to
// every Core it owns, per spec §5's shared-resource model.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string

	MaxMessageSize      int
	RequestTimeout      time.Duration
	SweepInterval       time.Duration
	FailMode            string // "open", "closed", "readonly"
	ShutdownGrace       time.Duration
	MaxRecoveryAttempts int
	Breaker             BreakerConfig

	Policy   *policy.Engine
	Session  *session.Cache
	Audit    *audit.Sink
	Approval approval.Handler
	Shadow   *shadow.Detector
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = 10 * 1024 * 1024
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Second
	}
	if out.FailMode == "" {
		out.FailMode = "closed"
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 5 * time.Second
	}
	if out.MaxRecoveryAttempts <= 0 {
		out.MaxRecoveryAttempts = 5
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Core is one upstream server's proxy: it relays client<->upstream traffic
// through the policy engine, enforcing size limits, breaker state, and
// approval prompts on every tools/call.
type Core struct {
	cfg     Config
	breaker *CircuitBreaker
	pending *pendingTable

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd

	clientTransport   *transport.Transport
	upstreamTransport *transport.Transport

	runCtx           context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	recoveryAttempts int

	// exited is closed exactly once, by waitForExit, after cmd.Wait()
	// returns for the currently-running child. Shutdown waits on it
	// instead of calling cmd.Wait() itself, since calling Wait twice
	// concurrently on the same *exec.Cmd is invalid.
	exited chan struct{}
}

// New constructs a Core in the stopped state. Call Start to spawn the
// upstream process and begin relaying.
func New(cfg Config) *Core {
	cfg = cfg.withDefaults()
	return &Core{
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.Name, cfg.Breaker, cfg.Metrics),
		pending: newPendingTable(),
	}
}

// Name returns the upstream server name this Core proxies.
func (c *Core) Name() string { return c.cfg.Name }

// State returns the Core's current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount reports the number of in-flight requests awaiting an
// upstream response.
func (c *Core) PendingCount() int { return c.pending.Len() }

// BreakerState reports the circuit breaker's current state.
func (c *Core) BreakerState() BreakerState { return c.breaker.State() }

// Start spawns the upstream child process, wires both transports, and
// begins relaying between clientR/clientW and the child's stdio. It
// returns once the relay goroutines are running; call Shutdown to stop.
func (c *Core) Start(ctx context.Context, clientR io.Reader, clientW io.Writer) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("proxycore: %s already started", c.cfg.Name)
	}
	c.mu.Unlock()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = sanitizeEnv(os.Environ(), c.cfg.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proxycore: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proxycore: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("proxycore: starting %s: %w", c.cfg.Command, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	exited := make(chan struct{})

	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.runCtx = runCtx
	c.cancel = cancel
	c.clientTransport = transport.New(clientR, clientW, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize}, c.cfg.Logger)
	c.upstreamTransport = transport.New(stdout, stdin, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize}, c.cfg.Logger)
	c.state = StateRunning
	c.mu.Unlock()

	clientEvents := c.clientTransport.Subscribe()
	upstreamEvents := c.upstreamTransport.Subscribe()

	c.wg.Add(4)
	go func() { defer c.wg.Done(); c.clientTransport.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.upstreamTransport.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.dispatchClientEvents(clientEvents) }()
	go func() { defer c.wg.Done(); c.dispatchUpstreamEvents(upstreamEvents) }()

	go c.sweepLoop(runCtx)
	go c.waitForExit(cmd, exited)

	return nil
}

// waitForExit blocks until cmd exits, closes exited exactly once so
// Shutdown never calls cmd.Wait() itself, and triggers failure handling
// for an exit that wasn't already part of a Shutdown in progress.
func (c *Core) waitForExit(cmd *exec.Cmd, exited chan struct{}) {
	_ = cmd.Wait()
	close(exited)
	c.onUpstreamClosed()
}

func (c *Core) dispatchClientEvents(events <-chan transport.Event) {
	for ev := range events {
		switch ev.Kind {
		case transport.EventMessage:
			c.handleClientMessage(ev.Message)
		case transport.EventError:
			c.cfg.Logger.Warn("client transport error", "server", c.cfg.Name, "error", ev.Err)
		case transport.EventClose:
			return
		}
	}
}

func (c *Core) dispatchUpstreamEvents(events <-chan transport.Event) {
	for ev := range events {
		switch ev.Kind {
		case transport.EventMessage:
			c.handleUpstreamMessage(ev.Message)
		case transport.EventError:
			c.cfg.Logger.Warn("upstream transport error", "server", c.cfg.Name, "error", ev.Err)
		case transport.EventClose:
			return
		}
	}
}

// handleClientMessage applies spec §4.8's six ordered steps to one frame
// received from the client: size check, breaker check, request-metric
// increment, then routing by message shape (notification / non-tool-call
// request / tools/call).
func (c *Core) handleClientMessage(raw json.RawMessage) {
	var req transport.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.cfg.Logger.Warn("client protocol error: unparseable request", "server", c.cfg.Name, "error", err)
		return
	}

	ctx := ctxkeys.WithTraceID(context.Background(), uuid.New().String())

	if len(raw) > c.cfg.MaxMessageSize {
		c.replyError(req.ID, sentinelerrors.TooLarge(len(raw), c.cfg.MaxMessageSize))
		return
	}
	if !c.breaker.CanExecute() {
		c.replyError(req.ID, sentinelerrors.CircuitBreakerOpen(c.cfg.Name))
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordProxyRequest(c.cfg.Name)
	}

	if req.IsNotification() {
		if err := c.upstreamTransport.Send(raw); err != nil {
			c.cfg.Logger.Warn("forwarding notification to upstream failed", "server", c.cfg.Name, "error", err)
		}
		return
	}

	if req.Method != "tools/call" {
		c.forwardTracked(req.ID, req.Method, "", raw)
		return
	}

	c.handleToolCall(ctx, req)
}

func (c *Core) handleToolCall(ctx context.Context, req transport.Request) {
	var params transport.ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.replyError(req.ID, sentinelerrors.Denied("malformed tools/call params"))
		return
	}
	tool := params.Name
	args := params.Arguments
	traceID, _ := ctxkeys.TraceIDFrom(ctx)
	log := c.cfg.Logger.With("server", c.cfg.Name, "tool", tool, "trace_id", traceID)

	decision := c.cfg.Policy.Evaluate(c.cfg.Name, tool, args)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPolicyEvaluation(c.cfg.Name, string(decision.Action))
	}

	switch decision.Action {
	case policy.ActionDeny:
		log.Info("tool call denied by policy", "reason", decision.Reason, "rule", decision.MatchedRule)
		c.replyError(req.ID, sentinelerrors.Denied(decision.Reason))
		c.logAudit(ctx, tool, args, decision.RiskLevel, audit.DecisionDenied, "", decision.Reason)
		return

	case policy.ActionPrompt:
		if grant, ok := c.cfg.Session.Check(tool, c.cfg.Name); ok {
			log.Debug("tool call allowed via existing session grant", "grant_id", grant.ID)
			c.sendToolCall(ctx, req, tool, args, decision.RiskLevel, grant.ID)
			return
		}

		result, err := c.requestApproval(ctx, tool, args, decision.RiskLevel, decision.Reason)
		if err != nil {
			if c.cfg.FailMode == "open" {
				log.Warn("approval handler error, forwarding under fail_mode=open", "error", err)
				c.sendToolCall(ctx, req, tool, args, decision.RiskLevel, "")
				return
			}
			c.replyError(req.ID, sentinelerrors.Denied("approval handler error: "+err.Error()))
			c.logAudit(ctx, tool, args, decision.RiskLevel, audit.DecisionDenied, "", "approval handler error")
			return
		}
		if !result.Approved {
			reason := result.Reason
			if reason == "" {
				reason = "User denied"
			}
			c.replyError(req.ID, sentinelerrors.Denied(reason))
			c.logAudit(ctx, tool, args, decision.RiskLevel, audit.DecisionDenied, "", reason)
			return
		}

		var sessionID string
		if result.SessionDuration != "" {
			grant := c.cfg.Session.Create(session.CreateOptions{
				Scope:     session.ScopeExact,
				Pattern:   tool,
				Duration:  session.Duration(result.SessionDuration),
				Server:    c.cfg.Name,
				Approver:  "approval-handler",
				ToolName:  tool,
				ToolArgs:  args,
				RiskLevel: decision.RiskLevel.String(),
				Reason:    decision.Reason,
				Source:    "approval",
			})
			sessionID = grant.ID
		}
		c.sendToolCall(ctx, req, tool, args, decision.RiskLevel, sessionID)

	default: // allow, smart resolved to allow by the engine
		c.sendToolCall(ctx, req, tool, args, decision.RiskLevel, "")
	}
}

func (c *Core) requestApproval(ctx context.Context, tool string, args json.RawMessage, risk shadow.RiskLevel, reason string) (*approval.Result, error) {
	if c.cfg.Approval == nil {
		return nil, fmt.Errorf("no approval handler configured")
	}
	req := approval.Request{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Server:    c.cfg.Name,
		Tool:      tool,
		Args:      args,
		RiskLevel: risk.String(),
		Reason:    reason,
	}
	return c.cfg.Approval.RequestApproval(ctx, req)
}

// sendToolCall re-marshals req (ID/Method/Params unchanged) and forwards it
// as a tracked, timed request, auditing the allow decision immediately —
// audit entries observe decision-before-response ordering per spec §4.6.
func (c *Core) sendToolCall(ctx context.Context, req transport.Request, tool string, args json.RawMessage, risk shadow.RiskLevel, sessionID string) {
	raw, err := json.Marshal(req)
	if err != nil {
		c.replyError(req.ID, sentinelerrors.Denied("internal error re-encoding request"))
		return
	}
	c.forwardTracked(req.ID, req.Method, tool, raw)
	c.logAudit(ctx, tool, args, risk, audit.DecisionAllowed, sessionID, "")
}

func (c *Core) forwardTracked(id interface{}, method, tool string, raw json.RawMessage) {
	timer := time.AfterFunc(c.cfg.RequestTimeout, func() { c.onRequestTimeout(id) })
	pr := &pendingRequest{ID: id, Method: method, Tool: tool, Server: c.cfg.Name, StartTime: time.Now(), Timer: timer}
	if !c.pending.Add(id, pr) {
		timer.Stop()
		c.cfg.Logger.Warn("duplicate request id from client, dropping", "server", c.cfg.Name, "id", id)
		return
	}
	if err := c.upstreamTransport.Send(raw); err != nil {
		if removed, ok := c.pending.Remove(id); ok {
			removed.Timer.Stop()
		}
		c.breaker.RecordFailure()
		c.replyError(id, sentinelerrors.UpstreamUnavailable(c.cfg.Name))
	}
}

func (c *Core) onRequestTimeout(id interface{}) {
	req, ok := c.pending.Remove(id)
	if !ok {
		return
	}
	c.breaker.RecordFailure()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordProxyTimeout(c.cfg.Name)
	}
	c.replyError(req.ID, sentinelerrors.Timeout(c.cfg.Name, req.Tool))
}

// sweepLoop is the periodic safety net from spec §4.8's two-layer timeout
// scheme: it catches any pending request whose per-request timer failed to
// fire (e.g. under goroutine starvation). Removal is still exactly-once,
// guarded by the same pendingTable mutex as every other completion path.
func (c *Core) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for key, req := range c.pending.Snapshot() {
				if now.Sub(req.StartTime) < c.cfg.RequestTimeout {
					continue
				}
				removed, ok := c.pending.RemoveByKey(key)
				if !ok {
					continue
				}
				removed.Timer.Stop()
				c.breaker.RecordFailure()
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordProxyTimeout(c.cfg.Name)
				}
				c.replyError(removed.ID, sentinelerrors.Timeout(c.cfg.Name, removed.Tool))
			}
		}
	}
}

// handleUpstreamMessage relays one frame from the upstream child to the
// client. Responses complete their matching pending request, if any;
// requests/notifications originating from the upstream (e.g. a sampling
// callback) are relayed untouched.
func (c *Core) handleUpstreamMessage(raw json.RawMessage) {
	if len(raw) > c.cfg.MaxMessageSize {
		c.cfg.Logger.Warn("upstream sent an oversized message, forwarding anyway", "server", c.cfg.Name, "size", len(raw))
	}

	var resp transport.Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ID == nil {
		if err := c.clientTransport.Send(raw); err != nil {
			c.cfg.Logger.Warn("forwarding upstream message to client failed", "server", c.cfg.Name, "error", err)
		}
		return
	}

	if req, ok := c.pending.Remove(resp.ID); ok {
		req.Timer.Stop()
		c.breaker.RecordSuccess()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveRequestDuration(c.cfg.Name, req.Tool, time.Since(req.StartTime).Seconds())
		}
		if req.Method == "tools/list" && resp.Error == nil {
			c.checkShadowing(resp.Result)
		}
	}

	if err := c.clientTransport.Send(raw); err != nil {
		c.cfg.Logger.Warn("forwarding upstream response to client failed", "server", c.cfg.Name, "error", err)
	}
}

// checkShadowing compares each incoming tool descriptor against its prior
// fingerprint before RegisterServer overwrites it, so a mid-session
// definition change (schema or description) is caught rather than silently
// replaced.
func (c *Core) checkShadowing(result json.RawMessage) {
	if c.cfg.Shadow == nil {
		return
	}
	var body struct {
		Tools []shadow.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return
	}

	for _, desc := range body.Tools {
		mutation := c.cfg.Shadow.CheckForMutation(c.cfg.Name, desc)
		if mutation.Detected && mutation.Report != nil {
			r := mutation.Report
			c.cfg.Logger.Warn("tool mutation finding", "server", c.cfg.Name, "tool", r.ToolName, "kind", r.Kind, "severity", r.Severity.String(), "message", r.Message)
		}
	}

	report := c.cfg.Shadow.RegisterServer(c.cfg.Name, body.Tools)
	for _, r := range report.Reports {
		if r.Severity >= shadow.SeverityHigh {
			c.cfg.Logger.Warn("tool shadowing finding", "server", c.cfg.Name, "kind", r.Kind, "severity", r.Severity.String(), "message", r.Message)
		}
	}
}

func (c *Core) replyError(id interface{}, oerr *sentinelerrors.OverwatchError) {
	if id == nil {
		return
	}
	resp := transport.Response{JSONRPC: "2.0", ID: id, Error: &transport.RPCError{Code: oerr.Code, Message: oerr.Error()}}
	if err := c.clientTransport.Send(resp); err != nil {
		c.cfg.Logger.Warn("sending error response to client failed", "server", c.cfg.Name, "error", err)
	}
}

func (c *Core) logAudit(ctx context.Context, tool string, args json.RawMessage, risk shadow.RiskLevel, decision audit.Decision, sessionID, errMsg string) {
	if c.cfg.Audit == nil {
		return
	}
	c.cfg.Audit.Log(ctx, audit.Entry{
		Server:    c.cfg.Name,
		Tool:      tool,
		Args:      args,
		RiskLevel: risk.String(),
		Decision:  decision,
		SessionID: sessionID,
		Error:     errMsg,
	})
}

// onUpstreamClosed fires when the upstream child process exits, whether
// cleanly or not, outside of a Shutdown already in progress. Pending
// requests are resolved per fail_mode, the breaker records the failure,
// and a bounded recovery loop attempts to respawn the child.
func (c *Core) onUpstreamClosed() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordProxyFailure(c.cfg.Name)
	}
	c.breaker.RecordFailure()

	switch c.cfg.FailMode {
	case "closed":
		for key := range c.pending.Snapshot() {
			if removed, ok := c.pending.RemoveByKey(key); ok {
				removed.Timer.Stop()
				c.replyError(removed.ID, sentinelerrors.UpstreamUnavailable(c.cfg.Name))
			}
		}
	case "readonly":
		c.cfg.Logger.Warn("upstream closed under fail_mode=readonly, leaving pending requests to time out", "server", c.cfg.Name)
	default: // "open"
		c.cfg.Logger.Warn("upstream closed under fail_mode=open, continuing best-effort", "server", c.cfg.Name)
	}

	go c.attemptRecovery()
}

// attemptRecovery respawns the upstream process up to MaxRecoveryAttempts
// times with exponential backoff (1s, 2s, 4s, ... capped at 16s), per spec
// §4.8. It gives up silently after the last attempt; the breaker and
// fail_mode handling continue to govern client-visible behavior regardless
// of whether recovery ever succeeds.
func (c *Core) attemptRecovery() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.recoveryAttempts++
	attempt := c.recoveryAttempts
	runCtx := c.runCtx
	c.mu.Unlock()

	if attempt > c.cfg.MaxRecoveryAttempts {
		c.cfg.Logger.Error("upstream recovery attempts exhausted, giving up", "server", c.cfg.Name, "attempts", attempt-1)
		return
	}

	delayMs := 1000 << (attempt - 1)
	if delayMs > 16000 {
		delayMs = 16000
	}
	c.cfg.Logger.Warn("attempting upstream recovery", "server", c.cfg.Name, "attempt", attempt, "delay_ms", delayMs)
	time.Sleep(time.Duration(delayMs) * time.Millisecond)

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = sanitizeEnv(os.Environ(), c.cfg.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.cfg.Logger.Error("upstream recovery failed: stdin pipe", "server", c.cfg.Name, "error", err)
		go c.attemptRecovery()
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.cfg.Logger.Error("upstream recovery failed: stdout pipe", "server", c.cfg.Name, "error", err)
		go c.attemptRecovery()
		return
	}
	if err := cmd.Start(); err != nil {
		c.cfg.Logger.Error("upstream recovery failed: spawn", "server", c.cfg.Name, "error", err)
		go c.attemptRecovery()
		return
	}

	newUpstream := transport.New(stdout, stdin, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize}, c.cfg.Logger)
	upstreamEvents := newUpstream.Subscribe()
	exited := make(chan struct{})

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		_ = cmd.Process.Kill()
		return
	}
	c.cmd = cmd
	c.exited = exited
	c.upstreamTransport = newUpstream
	c.recoveryAttempts = 0
	c.mu.Unlock()

	c.wg.Add(2)
	go func() { defer c.wg.Done(); newUpstream.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.dispatchUpstreamEvents(upstreamEvents) }()
	go c.waitForExit(cmd, exited)

	c.breaker.Reset()
	c.cfg.Logger.Info("upstream recovery succeeded", "server", c.cfg.Name)
}

// Shutdown idempotently drains in-flight requests, stops both transports,
// and terminates the child process: SIGTERM first, SIGKILL after
// ShutdownGrace if it hasn't exited.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	cancel := c.cancel
	cmd := c.cmd
	exited := c.exited
	clientTransport := c.clientTransport
	upstreamTransport := c.upstreamTransport
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for key := range c.pending.Snapshot() {
		if removed, ok := c.pending.RemoveByKey(key); ok {
			removed.Timer.Stop()
			c.replyError(removed.ID, sentinelerrors.ShuttingDown())
		}
	}

	if clientTransport != nil {
		clientTransport.Close()
	}
	if upstreamTransport != nil {
		upstreamTransport.Close()
	}

	if cmd != nil && cmd.Process != nil && exited != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(c.cfg.ShutdownGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}
