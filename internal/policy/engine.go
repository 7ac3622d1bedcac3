package policy

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/shadow"
)

// Engine evaluates (server, tool, args) -> Decision. One instance is
// shared by every proxy core in the orchestrator; UpdatePolicies swaps
// the compiled rule set atomically under a read-write lock so concurrent
// evaluations always observe either the old or the new set, never a mix.
type Engine struct {
	mu      sync.RWMutex
	set     Set
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an Engine with an initial, already-validated Set.
func NewEngine(set Set, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{set: set, logger: logger, metrics: m}
}

// UpdatePolicies validates the candidate set and, on success, swaps it in
// atomically. strict additionally refuses sets that produce warnings.
// Returns the findings either way.
func (e *Engine) UpdatePolicies(set Set, strict bool) []Finding {
	findings := Validate(toDocument(set))
	if HasErrors(findings) {
		return findings
	}
	if strict && HasWarnings(findings) {
		return findings
	}

	e.mu.Lock()
	e.set = set
	e.mu.Unlock()
	return findings
}

func toDocument(set Set) Document {
	doc := Document{Version: set.Version, DefaultAction: set.DefaultAction, Servers: make(map[string]ServerDocument, len(set.Servers))}
	for name, rules := range set.Servers {
		doc.Servers[name] = ServerDocument{Command: "ignored-at-policy-layer", Rules: rules.Rules}
	}
	return doc
}

// ListPolicies returns a snapshot of the currently active rule set.
func (e *Engine) ListPolicies() Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

var pathArgKeySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(pathArgKeys))
	for _, k := range pathArgKeys {
		m[k] = struct{}{}
	}
	return m
}()

// Evaluate decides the action for one tool invocation, in rule declaration
// order, per §4.4's evaluation order.
func (e *Engine) Evaluate(server, tool string, args json.RawMessage) Decision {
	e.mu.RLock()
	set := e.set
	e.mu.RUnlock()

	decision := e.evaluateAgainst(set, server, tool, args)
	if e.metrics != nil {
		e.metrics.RecordPolicyEvaluation(server, string(decision.Action))
	}
	return decision
}

func (e *Engine) evaluateAgainst(set Set, server, tool string, args json.RawMessage) Decision {
	rules := set.Servers[server].Rules
	pathValue, hasPathValue := extractPathArg(args)

	for _, rule := range rules {
		if len(rule.ToolPatterns) > 0 && !matchAny(rule.ToolPatterns, tool) {
			continue
		}

		if hasPathValue {
			if matchAny(rule.Paths.Deny, pathValue) {
				return Decision{Action: ActionDeny, RiskLevel: shadow.RiskDangerous, Reason: "deny path", MatchedRule: rule.Description}
			}
			if matchAny(rule.Paths.Allow, pathValue) {
				return Decision{Action: ActionAllow, RiskLevel: shadow.RiskSafe, Reason: "allow path", MatchedRule: rule.Description}
			}
		}

		switch rule.Action {
		case ActionAllow, ActionPrompt, ActionDeny:
			return Decision{Action: rule.Action, RiskLevel: shadow.RiskWrite, Reason: rule.Description, MatchedRule: rule.Description}
		}
		// smart or unset: fall through to the next rule / name inference.
	}

	return inferByName(tool, set.DefaultAction)
}

// extractPathArg looks for any of the path-typed argument keys in a
// tool-call args object and returns its string value.
func extractPathArg(args json.RawMessage) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(args, &m); err != nil {
		return "", false
	}
	for _, key := range pathArgKeys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

var (
	destructiveWords = []string{"delete", "remove", "drop", "truncate"}
	writeWords       = []string{"write", "create", "update", "insert", "modify", "set"}
	readWords        = []string{"read", "get", "list", "search", "find", "query"}
)

// inferByName runs the fallback risk-inference heuristic over the
// lowercased tool name when no rule produced a decision.
func inferByName(tool string, defaultAction Action) Decision {
	lower := strings.ToLower(tool)

	if containsAny(lower, destructiveWords) {
		return Decision{Action: ActionPrompt, RiskLevel: shadow.RiskDestructive, Reason: "name inference: destructive verb"}
	}
	if containsAny(lower, writeWords) {
		return Decision{Action: ActionPrompt, RiskLevel: shadow.RiskWrite, Reason: "name inference: write verb"}
	}
	if containsAny(lower, readWords) {
		return Decision{Action: ActionAllow, RiskLevel: shadow.RiskRead, Reason: "name inference: read verb"}
	}
	return Decision{Action: defaultAction, RiskLevel: shadow.RiskWrite, Reason: "default action"}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
