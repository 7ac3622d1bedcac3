// Package policy implements the declarative policy engine: it matches
// (server, tool, args) invocations against compiled rules, validates and
// hot-reloads the policy document, and infers risk when no rule decides.
package policy

import "github.com/dotsetlabs/overwatch/internal/shadow"

// Action is a rule or default action.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionPrompt Action = "prompt"
	ActionDeny   Action = "deny"
	ActionSmart  Action = "smart"
)

// PathRules constrains a rule's decision by a path-typed argument value.
type PathRules struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Rule is one entry in a server's rule list. A rule is global if
// ToolPatterns is empty; smart if Action is ActionSmart or empty and it
// defers to path matching then to name inference.
type Rule struct {
	Description  string    `yaml:"description,omitempty" json:"description,omitempty"`
	ToolPatterns []string  `yaml:"tools,omitempty" json:"tools,omitempty"`
	Action       Action    `yaml:"action,omitempty" json:"action,omitempty"`
	Paths        PathRules `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Deprecated: retained only so DEPRECATED_ANALYZER can be raised and
	// the field surfaced in validation warnings; never consulted.
	Analyzer string `yaml:"analyzer,omitempty" json:"analyzer,omitempty"`
}

// ServerRules is one server's ordered rule list, evaluated in declaration
// order.
type ServerRules struct {
	Rules []Rule
}

// Set is the full compiled/validated policy document: version=1,
// default_action, and per-server rule lists.
type Set struct {
	Version       int
	DefaultAction Action
	Servers       map[string]ServerRules
}

// Decision is the result of evaluating one invocation.
type Decision struct {
	Action      Action
	RiskLevel   shadow.RiskLevel
	Reason      string
	MatchedRule string
}

// pathArgKeys are the argument keys inspected for path-based matching.
var pathArgKeys = []string{"path", "file", "filename", "filepath", "directory", "dir"}
