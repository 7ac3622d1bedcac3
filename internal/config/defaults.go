package config

import "time"

// ApplyDefaults fills zero-valued fields with spec-mandated defaults. It
// runs after YAML parsing and before validation.
func ApplyDefaults(doc *Document) {
	if doc.Defaults.Action == "" {
		doc.Defaults.Action = "prompt"
	}
	if doc.Defaults.TimeoutMs == 0 {
		doc.Defaults.TimeoutMs = 30000
	}
	if doc.Defaults.SessionDurationMs == 0 {
		doc.Defaults.SessionDurationMs = 15 * 60 * 1000
	}

	if doc.Audit.Path == "" {
		doc.Audit.Path = "overwatch.db"
	}

	if doc.Logging.Level == "" {
		doc.Logging.Level = "info"
	}
	if doc.Logging.Format == "" {
		doc.Logging.Format = "json"
	}

	if doc.Store.Path == "" {
		doc.Store.Path = doc.Audit.Path
	}
	if doc.Store.PoolSize == 0 {
		doc.Store.PoolSize = 4
	}

	if doc.Metrics.Listen == "" {
		doc.Metrics.Listen = "127.0.0.1:9090"
	}

	if doc.Approval.Mode == "" {
		doc.Approval.Mode = "terminal"
	}
	applyWebhookDefaults(&doc.Approval.Webhook)

	applyProxyDefaults(&doc.Proxy)

	if doc.Session.CleanupInterval.Duration == 0 {
		doc.Session.CleanupInterval.Duration = 60 * time.Second
	}
}

func applyWebhookDefaults(w *WebhookConfig) {
	if w.Timeout.Duration == 0 {
		w.Timeout.Duration = 60 * time.Second
	}
	if w.BaseDelay.Duration == 0 {
		w.BaseDelay.Duration = 1 * time.Second
	}
	if w.MaxDelay.Duration == 0 {
		w.MaxDelay.Duration = 30 * time.Second
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
}

func applyProxyDefaults(p *ProxyConfig) {
	if p.MaxMessageSize == 0 {
		p.MaxMessageSize = 10 * 1024 * 1024 // 10MB
	}
	if p.RequestTimeout.Duration == 0 {
		p.RequestTimeout.Duration = 30 * time.Second
	}
	if p.SweepInterval.Duration == 0 {
		p.SweepInterval.Duration = 5 * time.Second
	}
	if p.FailMode == "" {
		p.FailMode = "closed"
	}
	if p.ShutdownGrace.Duration == 0 {
		p.ShutdownGrace.Duration = 5 * time.Second
	}
	if p.MaxRecoveryAttempts == 0 {
		p.MaxRecoveryAttempts = 5
	}

	if p.CircuitBreaker.FailureThreshold == 0 {
		p.CircuitBreaker.FailureThreshold = 5
	}
	if p.CircuitBreaker.ResetTimeout.Duration == 0 {
		p.CircuitBreaker.ResetTimeout.Duration = 60 * time.Second
	}
	if p.CircuitBreaker.SuccessThreshold == 0 {
		p.CircuitBreaker.SuccessThreshold = 2
	}
}
