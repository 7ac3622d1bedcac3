package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity distinguishes a validation error (refuses the load) from a
// warning (only fails the load in strict mode).
type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

// Code enumerates the validation findings table. This is the single rule
// set applied both by the config loader and the policy engine's own
// reload path (see DESIGN.md's disposition of the source's divergent
// validateConfig/validatePolicies behavior).
type Code string

const (
	CodeInvalidVersion       Code = "INVALID_VERSION"
	CodeInvalidDefaultAction Code = "INVALID_DEFAULT_ACTION"
	CodeMissingCommand       Code = "MISSING_COMMAND"
	CodeInvalidPolicyAction  Code = "INVALID_POLICY_ACTION"
	CodeInvalidToolPattern   Code = "INVALID_TOOL_PATTERN"
	CodeInvalidPathPattern   Code = "INVALID_PATH_PATTERN"
	CodeDeprecatedAnalyzer   Code = "DEPRECATED_ANALYZER"
	CodeEmptyPolicy          Code = "EMPTY_POLICY"
	CodeConflictingPaths     Code = "CONFLICTING_PATHS"
)

// Finding is one validation error or warning.
type Finding struct {
	Code     Code
	Severity Severity
	Server   string
	Message  string
}

// ServerDocument is the validation-facing view of one server entry: its
// upstream command (required) and declared rules.
type ServerDocument struct {
	Command string
	Rules   []Rule
}

// Document is the validation-facing view of a full policy/config document.
// internal/config builds this from its own parsed YAML and calls Validate
// so both entry points share one rule set.
type Document struct {
	Version       int
	DefaultAction Action
	Servers       map[string]ServerDocument
}

var invalidPatternChars = regexp.MustCompile("[<>\"|;`$]")

// Validate runs the full validation table over doc and returns every
// finding (errors and warnings both; callers decide strictness).
func Validate(doc Document) []Finding {
	var findings []Finding

	if doc.Version != 1 {
		findings = append(findings, Finding{Code: CodeInvalidVersion, Severity: SevError,
			Message: fmt.Sprintf("version must be 1, got %d", doc.Version)})
	}

	if !isValidDefaultAction(doc.DefaultAction) {
		findings = append(findings, Finding{Code: CodeInvalidDefaultAction, Severity: SevError,
			Message: fmt.Sprintf("default_action %q must be one of allow, prompt, deny", doc.DefaultAction)})
	}

	servers := make([]string, 0, len(doc.Servers))
	for name := range doc.Servers {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	for _, name := range servers {
		srv := doc.Servers[name]
		if strings.TrimSpace(srv.Command) == "" {
			findings = append(findings, Finding{Code: CodeMissingCommand, Severity: SevError, Server: name,
				Message: "server entry has no upstream command"})
		}
		for i, rule := range srv.Rules {
			findings = append(findings, validateRule(name, i, rule)...)
		}
	}

	return findings
}

func validateRule(server string, index int, rule Rule) []Finding {
	var findings []Finding
	label := fmt.Sprintf("%s[%d]", server, index)

	if rule.Action != "" && !isValidRuleAction(rule.Action) {
		findings = append(findings, Finding{Code: CodeInvalidPolicyAction, Severity: SevError, Server: server,
			Message: fmt.Sprintf("%s: action %q must be one of allow, prompt, deny, smart", label, rule.Action)})
	}

	for _, pat := range rule.ToolPatterns {
		if err := validateToolPattern(pat); err != nil {
			findings = append(findings, Finding{Code: CodeInvalidToolPattern, Severity: SevError, Server: server,
				Message: fmt.Sprintf("%s: tool pattern %q: %v", label, pat, err)})
		}
	}

	for _, pat := range append(append([]string{}, rule.Paths.Allow...), rule.Paths.Deny...) {
		if err := validatePathPattern(pat); err != nil {
			findings = append(findings, Finding{Code: CodeInvalidPathPattern, Severity: SevError, Server: server,
				Message: fmt.Sprintf("%s: path pattern %q: %v", label, pat, err)})
		}
	}

	if rule.Analyzer != "" {
		findings = append(findings, Finding{Code: CodeDeprecatedAnalyzer, Severity: SevWarning, Server: server,
			Message: fmt.Sprintf("%s: legacy 'analyzer' field is ignored", label)})
	}

	if rule.Action == "" && len(rule.Paths.Allow) == 0 && len(rule.Paths.Deny) == 0 && len(rule.ToolPatterns) == 0 {
		findings = append(findings, Finding{Code: CodeEmptyPolicy, Severity: SevWarning, Server: server,
			Message: fmt.Sprintf("%s: rule defines no action, no paths, and no tools", label)})
	}

	if conflict := findConflictingPath(rule.Paths); conflict != "" {
		findings = append(findings, Finding{Code: CodeConflictingPaths, Severity: SevWarning, Server: server,
			Message: fmt.Sprintf("%s: pattern %q appears in both paths.allow and paths.deny", label, conflict)})
	}

	return findings
}

func isValidDefaultAction(a Action) bool {
	switch a {
	case ActionAllow, ActionPrompt, ActionDeny:
		return true
	default:
		return false
	}
}

func isValidRuleAction(a Action) bool {
	switch a {
	case ActionAllow, ActionPrompt, ActionDeny, ActionSmart:
		return true
	default:
		return false
	}
}

func validateToolPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if len(pattern) > 256 {
		return fmt.Errorf("exceeds 256 characters")
	}
	if invalidPatternChars.MatchString(pattern) {
		return fmt.Errorf(`contains a disallowed character from < > " | ; ` + "`" + ` $`)
	}
	if _, err := compileGlob(pattern); err != nil {
		return fmt.Errorf("failed to compile: %w", err)
	}
	return nil
}

func validatePathPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if len(pattern) > 1024 {
		return fmt.Errorf("exceeds 1024 characters")
	}
	if strings.ContainsRune(pattern, 0) {
		return fmt.Errorf("contains a NUL byte")
	}
	return nil
}

// findConflictingPath returns the first stripped pattern present in both
// Allow and Deny, or "" if none.
func findConflictingPath(paths PathRules) string {
	deny := make(map[string]bool, len(paths.Deny))
	for _, p := range paths.Deny {
		deny[strings.TrimSpace(p)] = true
	}
	for _, p := range paths.Allow {
		if deny[strings.TrimSpace(p)] {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

// HasErrors reports whether any finding is a hard error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SevError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any finding is a warning.
func HasWarnings(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SevWarning {
			return true
		}
	}
	return false
}
