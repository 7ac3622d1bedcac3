// Package config handles YAML configuration parsing, defaults, and
// validation for Overwatch.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dotsetlabs/overwatch/internal/policy"
	"gopkg.in/yaml.v3"
)

// Document is the root configuration document from spec §6: version,
// per-invocation defaults, one entry per upstream server, audit sink
// settings, and tool-shadowing detector settings. Unknown top-level
// fields are reserved for the ambient sections below (logging, store,
// metrics, approval, proxy) rather than rejected.
type Document struct {
	Version       int               `yaml:"version"`
	Defaults      DefaultsConfig    `yaml:"defaults"`
	Servers       map[string]Server `yaml:"servers"`
	Audit         AuditConfig       `yaml:"audit"`
	ToolShadowing ShadowingConfig   `yaml:"tool_shadowing"`

	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Approval ApprovalConfig `yaml:"approval"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Session  SessionConfig  `yaml:"session"`
}

// DefaultsConfig is spec §6's `defaults` block: the fallback action and
// the two millisecond-integer durations it names explicitly.
type DefaultsConfig struct {
	Action            policy.Action `yaml:"action"`
	TimeoutMs         int           `yaml:"timeout_ms"`
	SessionDurationMs int           `yaml:"session_duration_ms"`
}

// Server is one entry in the `servers` map: the upstream command to
// spawn plus its declared policy rules.
type Server struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Policies []PolicyRule      `yaml:"policies"`
}

// PolicyRule mirrors spec §6's per-policy shape. Tools accepts either a
// bare string or a list, per the spec's `tools: string|[string]`.
type PolicyRule struct {
	Tools  StringOrSlice     `yaml:"tools"`
	Action policy.Action     `yaml:"action"`
	Paths  *policy.PathRules `yaml:"paths"`
}

// AuditConfig is spec §6's `audit` block.
type AuditConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	RedactPII bool     `yaml:"redact_pii"`
	Retention Duration `yaml:"retention"`
}

// ShadowingConfig is spec §6's `tool_shadowing` block.
type ShadowingConfig struct {
	Enabled           bool `yaml:"enabled"`
	CheckDescriptions bool `yaml:"check_descriptions"`
	DetectMutations   bool `yaml:"detect_mutations"`
}

// LoggingConfig controls structured log output, matching the teacher's
// logging block but trimmed to what Overwatch's slog setup needs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig configures the embedded SQLite store (internal/store).
type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ApprovalConfig selects and configures the approval.Handler
// implementation used for `prompt`-action decisions.
type ApprovalConfig struct {
	Mode    string        `yaml:"mode"` // "terminal" or "webhook"
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig mirrors approval.WebhookConfig's tunables.
type WebhookConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Timeout     Duration `yaml:"timeout"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// ProxyConfig carries the per-core tunables spec §4.8 names that aren't
// part of the declarative policy document: message size limits, the
// two-layer timeout scheme, the circuit breaker, and upstream recovery.
type ProxyConfig struct {
	MaxMessageSize      int      `yaml:"max_message_size"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	FailMode            string   `yaml:"fail_mode"` // "open", "closed", "readonly"
	ShutdownGrace       Duration `yaml:"shutdown_grace"`
	MaxRecoveryAttempts int      `yaml:"max_recovery_attempts"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig is spec §4.8's circuit breaker tunables.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// SessionConfig configures the session grant cache's background cleanup.
type SessionConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Duration is a time.Duration that parses YAML strings like "30s" or
// "5m" via time.ParseDuration.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// StringOrSlice decodes a YAML scalar or sequence of strings into a
// []string, for fields like policies[].tools that spec §6 allows to be
// written either way.
type StringOrSlice []string

// UnmarshalYAML implements yaml.Unmarshaler for StringOrSlice.
func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringOrSlice{single}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*s = StringOrSlice(list)
	return nil
}

// Load reads, parses, defaults, and validates a configuration file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&doc)

	if err := Validate(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// ToPolicySet converts the servers/policies section of doc into a
// policy.Set, the shape internal/policy.Engine and Reloader operate on.
func (d *Document) ToPolicySet() policy.Set {
	set := policy.Set{
		Version:       d.Version,
		DefaultAction: d.Defaults.Action,
		Servers:       make(map[string]policy.ServerRules, len(d.Servers)),
	}
	for name, srv := range d.Servers {
		rules := make([]policy.Rule, 0, len(srv.Policies))
		for _, p := range srv.Policies {
			rule := policy.Rule{ToolPatterns: []string(p.Tools), Action: p.Action}
			if p.Paths != nil {
				rule.Paths = *p.Paths
			}
			rules = append(rules, rule)
		}
		set.Servers[name] = policy.ServerRules{Rules: rules}
	}
	return set
}

// ParsePolicySet loads path as a full configuration document and returns
// only its policy.Set — the signature internal/policy.ReloaderConfig.Parse
// expects, so the policy file watcher can re-read the same document the
// orchestrator loaded at startup.
func ParsePolicySet(path string) (policy.Set, error) {
	doc, err := Load(path)
	if err != nil {
		return policy.Set{}, err
	}
	return doc.ToPolicySet(), nil
}

func (d *Document) toPolicyDocument() policy.Document {
	doc := policy.Document{
		Version:       d.Version,
		DefaultAction: d.Defaults.Action,
		Servers:       make(map[string]policy.ServerDocument, len(d.Servers)),
	}
	for name, srv := range d.Servers {
		rules := make([]policy.Rule, 0, len(srv.Policies))
		for _, p := range srv.Policies {
			rule := policy.Rule{ToolPatterns: []string(p.Tools), Action: p.Action}
			if p.Paths != nil {
				rule.Paths = *p.Paths
			}
			rules = append(rules, rule)
		}
		doc.Servers[name] = policy.ServerDocument{Command: srv.Command, Rules: rules}
	}
	return doc
}
