package config

import (
	"fmt"
	"strings"

	"github.com/dotsetlabs/overwatch/internal/policy"
)

// Validate checks doc for errors, collecting all of them rather than
// stopping at the first. Per the policy-validation disposition in
// DESIGN.md, the servers/policies block is validated by delegating to
// internal/policy.Validate — a single rule set, not a duplicated one.
func Validate(doc *Document) error {
	var errs []string

	if doc.Version != 1 {
		errs = append(errs, fmt.Sprintf("version must be 1, got %d", doc.Version))
	}
	if len(doc.Servers) == 0 {
		errs = append(errs, "servers must not be empty")
	}

	findings := policy.Validate(doc.toPolicyDocument())
	for _, f := range findings {
		if f.Severity == policy.SevError {
			errs = append(errs, fmt.Sprintf("policy: [%s] %s", f.Code, f.Message))
		}
	}

	if doc.Defaults.TimeoutMs < 0 {
		errs = append(errs, "defaults.timeout_ms must not be negative")
	}
	if doc.Defaults.SessionDurationMs < 0 {
		errs = append(errs, "defaults.session_duration_ms must not be negative")
	}

	if !isValidFailMode(doc.Proxy.FailMode) {
		errs = append(errs, fmt.Sprintf("proxy.fail_mode must be one of: open, closed, readonly (got %q)", doc.Proxy.FailMode))
	}
	if doc.Proxy.MaxMessageSize < 1 {
		errs = append(errs, "proxy.max_message_size must be positive")
	}
	if doc.Proxy.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, "proxy.circuit_breaker.failure_threshold must be positive")
	}
	if doc.Proxy.CircuitBreaker.SuccessThreshold < 1 {
		errs = append(errs, "proxy.circuit_breaker.success_threshold must be positive")
	}

	if !isValidApprovalMode(doc.Approval.Mode) {
		errs = append(errs, fmt.Sprintf("approval.mode must be one of: terminal, webhook (got %q)", doc.Approval.Mode))
	}
	if doc.Approval.Mode == "webhook" && doc.Approval.Webhook.URL == "" {
		errs = append(errs, "approval.webhook.url is required when approval.mode is webhook")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidFailMode(m string) bool {
	switch m {
	case "open", "closed", "readonly":
		return true
	}
	return false
}

func isValidApprovalMode(m string) bool {
	switch m {
	case "terminal", "webhook":
		return true
	}
	return false
}
