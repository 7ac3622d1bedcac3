package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordersDoNotPanic(t *testing.T) {
	m := New()
	m.RecordShadowRegistration("fs", "ok")
	m.RecordShadowReport("collision", "critical")
	m.RecordPolicyEvaluation("fs", "deny")
	m.RecordProxyRequest("fs")
	m.RecordProxyFailure("fs")
	m.RecordProxyTimeout("fs")
	m.ObserveRequestDuration("fs", "read_file", 0.01)
	m.SetCircuitBreakerState("fs", BreakerOpen)
	m.SetActiveGrants(3)
	m.RecordAuditEntry("allowed")
	m.RecordWebhookAttempt("approved")
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RecordProxyRequest("fs")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "overwatch_proxy_requests_total") {
		t.Error("expected exposition to contain overwatch_proxy_requests_total")
	}
}
