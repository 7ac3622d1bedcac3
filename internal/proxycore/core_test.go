package proxycore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dotsetlabs/overwatch/internal/approval"
	"github.com/dotsetlabs/overwatch/internal/audit"
	"github.com/dotsetlabs/overwatch/internal/policy"
	"github.com/dotsetlabs/overwatch/internal/session"
	"github.com/dotsetlabs/overwatch/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// newTestSessionCache builds an unpersisted session cache for core tests
// that only care about grant semantics, not store wiring.
func newTestSessionCache(t *testing.T) *session.Cache {
	t.Helper()
	cache, err := session.New(context.Background(), session.Config{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return cache
}

// lastFrameBody returns the JSON body of the last Content-Length-framed
// message written to buf.
func lastFrameBody(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	data := buf.Bytes()
	idx := bytes.LastIndex(data, []byte("\r\n\r\n"))
	if idx < 0 {
		t.Fatalf("no framed message found in buffer: %q", data)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data[idx+4:], &out); err != nil {
		t.Fatalf("unmarshal frame body: %v (body=%q)", err, data[idx+4:])
	}
	return out
}

func newTestPolicyEngine(t *testing.T, server string, rules ...policy.Rule) *policy.Engine {
	t.Helper()
	set := policy.Set{
		Version:       1,
		DefaultAction: policy.ActionAllow,
		Servers: map[string]policy.ServerRules{
			server: {Rules: rules},
		},
	}
	return policy.NewEngine(set, discardLogger(), nil)
}

type testCore struct {
	core       *Core
	clientOut  *bytes.Buffer
	upstreamOut *bytes.Buffer
}

func newTestCoreHarness(t *testing.T, cfg Config) *testCore {
	t.Helper()
	cfg.Name = "fs"
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	c := New(cfg)
	c.state = StateRunning

	clientOut := &bytes.Buffer{}
	upstreamOut := &bytes.Buffer{}
	c.clientTransport = transport.New(bytes.NewReader(nil), clientOut, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize}, discardLogger())
	c.upstreamTransport = transport.New(bytes.NewReader(nil), upstreamOut, transport.Limits{MaxMessageSize: c.cfg.MaxMessageSize}, discardLogger())

	return &testCore{core: c, clientOut: clientOut, upstreamOut: upstreamOut}
}

func rawRequest(t *testing.T, id interface{}, method string, params interface{}) json.RawMessage {
	t.Helper()
	p, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := transport.Request{JSONRPC: "2.0", ID: id, Method: method, Params: p}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return raw
}

func TestHandleClientMessageRejectsOversizedRequest(t *testing.T) {
	tc := newTestCoreHarness(t, Config{MaxMessageSize: 10})
	raw := rawRequest(t, float64(1), "tools/list", nil)

	tc.core.handleClientMessage(raw)

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32004 {
		t.Errorf("code = %v, want -32004 (REQUEST_TOO_LARGE)", errObj["code"])
	}
}

func TestHandleClientMessageRejectsWhenBreakerOpen(t *testing.T) {
	tc := newTestCoreHarness(t, Config{Breaker: BreakerConfig{FailureThreshold: 1}})
	tc.core.breaker.RecordFailure() // trips open

	raw := rawRequest(t, float64(1), "tools/list", nil)
	tc.core.handleClientMessage(raw)

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32005 {
		t.Errorf("code = %v, want -32005 (CIRCUIT_BREAKER_OPEN)", errObj["code"])
	}
}

func TestHandleClientMessageForwardsNotificationUntracked(t *testing.T) {
	tc := newTestCoreHarness(t, Config{})
	raw := rawRequest(t, nil, "notifications/initialized", nil)

	tc.core.handleClientMessage(raw)

	if tc.core.pending.Len() != 0 {
		t.Fatalf("notifications must not be tracked, pending len = %d", tc.core.pending.Len())
	}
	body := lastFrameBody(t, tc.upstreamOut)
	if body["method"] != "notifications/initialized" {
		t.Errorf("forwarded body = %+v", body)
	}
}

func TestHandleClientMessageForwardsNonToolCallTracked(t *testing.T) {
	tc := newTestCoreHarness(t, Config{})
	raw := rawRequest(t, float64(42), "resources/list", nil)

	tc.core.handleClientMessage(raw)

	if tc.core.pending.Len() != 1 {
		t.Fatalf("pending len = %d, want 1", tc.core.pending.Len())
	}
	body := lastFrameBody(t, tc.upstreamOut)
	if body["method"] != "resources/list" {
		t.Errorf("forwarded body = %+v", body)
	}
}

func TestToolCallDeniedByPolicyRepliesAndAudits(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"delete_file"}, Action: policy.ActionDeny}
	sink, err := audit.New(context.Background(), audit.Config{})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	tc := newTestCoreHarness(t, Config{
		Policy: newTestPolicyEngine(t, "fs", rule),
		Audit:  sink,
	})

	raw := rawRequest(t, float64(1), "tools/call", transport.ToolCallParams{Name: "delete_file"})
	tc.core.handleClientMessage(raw)

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32001 {
		t.Errorf("code = %v, want -32001 (TOOL_DENIED)", errObj["code"])
	}
	if tc.core.pending.Len() != 0 {
		t.Fatal("a denied tool call must never enter the pending table")
	}

	entries := sink.Query(audit.Filter{})
	if len(entries) != 1 || entries[0].Decision != audit.DecisionDenied {
		t.Fatalf("got audit entries %+v", entries)
	}
}

func TestToolCallAllowedForwardsAndAuditsImmediately(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"read_file"}, Action: policy.ActionAllow}
	sink, err := audit.New(context.Background(), audit.Config{})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	tc := newTestCoreHarness(t, Config{
		Policy: newTestPolicyEngine(t, "fs", rule),
		Audit:  sink,
	})

	raw := rawRequest(t, float64(7), "tools/call", transport.ToolCallParams{Name: "read_file"})
	tc.core.handleClientMessage(raw)

	if tc.core.pending.Len() != 1 {
		t.Fatalf("pending len = %d, want 1", tc.core.pending.Len())
	}
	body := lastFrameBody(t, tc.upstreamOut)
	if body["method"] != "tools/call" {
		t.Errorf("forwarded body = %+v", body)
	}

	entries := sink.Query(audit.Filter{})
	if len(entries) != 1 || entries[0].Decision != audit.DecisionAllowed {
		t.Fatalf("got audit entries %+v, want one allowed entry logged before the upstream response", entries)
	}
}

// approvalRecorder always denies and records whether it was invoked, for
// asserting that a live session grant skips the approval round trip.
type approvalRecorder struct {
	called  bool
	result  *approval.Result
	err     error
}

func (a *approvalRecorder) RequestApproval(ctx context.Context, req approval.Request) (*approval.Result, error) {
	a.called = true
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}
func (a *approvalRecorder) Close() error { return nil }

func TestToolCallPromptSkipsApprovalWhenSessionGrantActive(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"write_file"}, Action: policy.ActionPrompt}
	cache := newTestSessionCache(t)
	t.Cleanup(cache.Stop)
	cache.Create(session.CreateOptions{Scope: session.ScopeExact, Pattern: "write_file", Duration: session.Duration5Min, Server: "fs"})

	rec := &approvalRecorder{}
	tc := newTestCoreHarness(t, Config{
		Policy:   newTestPolicyEngine(t, "fs", rule),
		Session:  cache,
		Approval: rec,
	})

	raw := rawRequest(t, float64(9), "tools/call", transport.ToolCallParams{Name: "write_file"})
	tc.core.handleClientMessage(raw)

	if rec.called {
		t.Fatal("approval handler should not be called when a live session grant matches")
	}
	if tc.core.pending.Len() != 1 {
		t.Fatalf("pending len = %d, want 1 (forwarded via the existing grant)", tc.core.pending.Len())
	}
}

func TestToolCallPromptDeniedByApproval(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"write_file"}, Action: policy.ActionPrompt}
	cache := newTestSessionCache(t)
	t.Cleanup(cache.Stop)

	rec := &approvalRecorder{result: &approval.Result{Approved: false, Reason: "not today"}}
	tc := newTestCoreHarness(t, Config{
		Policy:   newTestPolicyEngine(t, "fs", rule),
		Session:  cache,
		Approval: rec,
	})

	raw := rawRequest(t, float64(9), "tools/call", transport.ToolCallParams{Name: "write_file"})
	tc.core.handleClientMessage(raw)

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error response, got %+v", resp)
	}
	if !strings.Contains(fmt.Sprint(errObj["message"]), "not today") {
		t.Errorf("error message = %v, want it to include the approval reason", errObj["message"])
	}
}

func TestToolCallPromptApprovalHandlerErrorFailsClosedByDefault(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"write_file"}, Action: policy.ActionPrompt}
	cache := newTestSessionCache(t)
	t.Cleanup(cache.Stop)

	rec := &approvalRecorder{err: fmt.Errorf("webhook unreachable")}
	tc := newTestCoreHarness(t, Config{
		Policy:   newTestPolicyEngine(t, "fs", rule),
		Session:  cache,
		Approval: rec,
		FailMode: "closed",
	})

	raw := rawRequest(t, float64(9), "tools/call", transport.ToolCallParams{Name: "write_file"})
	tc.core.handleClientMessage(raw)

	resp := lastFrameBody(t, tc.clientOut)
	if _, ok := resp["error"]; !ok {
		t.Fatalf("expected a denial when the approval handler errors under fail_mode=closed, got %+v", resp)
	}
	if tc.core.pending.Len() != 0 {
		t.Fatal("a closed-fail-mode denial must not forward the call")
	}
}

func TestToolCallPromptApprovalHandlerErrorFailsOpenWhenConfigured(t *testing.T) {
	rule := policy.Rule{ToolPatterns: []string{"write_file"}, Action: policy.ActionPrompt}
	cache := newTestSessionCache(t)
	t.Cleanup(cache.Stop)

	rec := &approvalRecorder{err: fmt.Errorf("webhook unreachable")}
	tc := newTestCoreHarness(t, Config{
		Policy:   newTestPolicyEngine(t, "fs", rule),
		Session:  cache,
		Approval: rec,
		FailMode: "open",
	})

	raw := rawRequest(t, float64(9), "tools/call", transport.ToolCallParams{Name: "write_file"})
	tc.core.handleClientMessage(raw)

	if tc.core.pending.Len() != 1 {
		t.Fatal("fail_mode=open should forward the call despite the approval handler error")
	}
}

func TestRequestTimeoutRepliesAndRecordsBreakerFailure(t *testing.T) {
	tc := newTestCoreHarness(t, Config{RequestTimeout: 10 * time.Millisecond})
	raw := rawRequest(t, float64(5), "resources/list", nil)
	tc.core.handleClientMessage(raw)

	time.Sleep(30 * time.Millisecond)

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a timeout error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32003 {
		t.Errorf("code = %v, want -32003 (REQUEST_TIMEOUT)", errObj["code"])
	}
	if tc.core.pending.Len() != 0 {
		t.Fatal("timed-out request must be removed from the pending table")
	}
}

func TestUpstreamResponseCompletesPendingRequestExactlyOnce(t *testing.T) {
	tc := newTestCoreHarness(t, Config{RequestTimeout: time.Hour})
	raw := rawRequest(t, float64(3), "resources/list", nil)
	tc.core.handleClientMessage(raw)

	respRaw, _ := json.Marshal(transport.Response{JSONRPC: "2.0", ID: float64(3), Result: json.RawMessage(`{"ok":true}`)})
	tc.core.handleUpstreamMessage(respRaw)

	if tc.core.pending.Len() != 0 {
		t.Fatalf("pending len = %d, want 0 after the response arrived", tc.core.pending.Len())
	}
	if tc.core.breaker.State() != BreakerClosed {
		t.Errorf("breaker state = %v, want closed after a success", tc.core.breaker.State())
	}

	// A duplicate/late response for the same id must not panic or double-count.
	tc.core.handleUpstreamMessage(respRaw)
}

func TestShutdownRepliesShuttingDownToPendingRequests(t *testing.T) {
	tc := newTestCoreHarness(t, Config{RequestTimeout: time.Hour})
	raw := rawRequest(t, float64(11), "resources/list", nil)
	tc.core.handleClientMessage(raw)

	if tc.core.pending.Len() != 1 {
		t.Fatalf("pending len = %d, want 1 before shutdown", tc.core.pending.Len())
	}

	if err := tc.core.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resp := lastFrameBody(t, tc.clientOut)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a shutdown error response, got %+v", resp)
	}
	if int(errObj["code"].(float64)) != -32006 {
		t.Errorf("code = %v, want -32006 (SERVER_SHUTTING_DOWN)", errObj["code"])
	}
	if tc.core.State() != StateStopped {
		t.Errorf("state = %v, want stopped", tc.core.State())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	tc := newTestCoreHarness(t, Config{})
	if err := tc.core.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := tc.core.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
