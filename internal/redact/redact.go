// Package redact implements spec §4.2: pure functions that scrub
// credentials and PII from strings and structured values before they are
// persisted or exported by internal/audit. Patterns are grounded on the
// pack's own detectors — see DESIGN.md.
package redact

import (
	"regexp"
	"strings"
)

// rule is one (label, regex, replacement template) triple. template is
// applied via Regexp.Expand semantics: "[REDACTED]" for whole-match
// replacement, or "${key}[REDACTED]${suffix}" for k=v-style matches where
// the key prefix and its delimiter must survive.
type rule struct {
	label    string
	re       *regexp.Regexp
	template string
}

const redacted = "[REDACTED]"

// credentialPatterns covers high-entropy, provider-specific credential
// formats. The AWS/GitHub/OpenAI/JWT/private-key shapes are adapted from
// coal-lobstertrap's inspector.CredentialPatterns; the remaining providers
// (GitLab, Anthropic, Stripe, Slack, npm, PyPI, Google, SendGrid, Twilio,
// Mailchimp, Firebase) extend that set to the full roster spec.md §4.2
// names, following the same "compile a literal token shape" style since
// no example repo carries tokens for those providers specifically.
var credentialPatterns = []rule{
	{"aws_access_key_id", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), redacted},
	{"github_pat", regexp.MustCompile(`\bghp_[a-zA-Z0-9]{36}\b`), redacted},
	{"github_fine_grained_pat", regexp.MustCompile(`\bgithub_pat_[a-zA-Z0-9_]{22,}\b`), redacted},
	{"gitlab_pat", regexp.MustCompile(`\bglpat-[a-zA-Z0-9_-]{20}\b`), redacted},
	{"openai_key", regexp.MustCompile(`\bsk-(proj-)?[a-zA-Z0-9_-]{20,}\b`), redacted},
	{"anthropic_key", regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9_-]{20,}\b`), redacted},
	{"stripe_key", regexp.MustCompile(`\b(sk|pk|rk)_(live|test)_[a-zA-Z0-9]{16,}\b`), redacted},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[a-zA-Z0-9-]{10,}\b`), redacted},
	{"npm_token", regexp.MustCompile(`\bnpm_[a-zA-Z0-9]{36}\b`), redacted},
	{"pypi_token", regexp.MustCompile(`\bpypi-[a-zA-Z0-9_-]{50,}\b`), redacted},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`), redacted},
	{"sendgrid_key", regexp.MustCompile(`\bSG\.[a-zA-Z0-9_-]{22}\.[a-zA-Z0-9_-]{43}\b`), redacted},
	{"twilio_key", regexp.MustCompile(`\bSK[0-9a-fA-F]{32}\b`), redacted},
	{"mailchimp_key", regexp.MustCompile(`\b[0-9a-f]{32}-us[0-9]{1,2}\b`), redacted},
	{"heroku_api_key", regexp.MustCompile(`(?i)\bheroku[_-]?api[_-]?key\b\s*[:=]\s*["']?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`), redacted},
	{"firebase_server_key", regexp.MustCompile(`\bAAAA[A-Za-z0-9_-]{10,}:[A-Za-z0-9_-]{100,}\b`), redacted},
	{"jwt", regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{"private_key_armor", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----[\s\S]*?-----END (RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----`), redacted},
}

// piiPatterns is adapted from Triage-Sec-Palisade's PIIDetector regex
// table (SSN, the four major card networks, email, phone, IBAN), with an
// IPv4 pattern added per spec.md §4.2's explicit family list.
var piiPatterns = []rule{
	{"ssn", regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), redacted},
	{"credit_card_visa", regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), redacted},
	{"credit_card_mastercard", regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), redacted},
	{"credit_card_amex", regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), redacted},
	{"credit_card_discover", regexp.MustCompile(`\b6011[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), redacted},
	{"email", regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), redacted},
	{"phone_us", regexp.MustCompile(`(\+1[-\s]?)?\(?\d{3}\)?[-\s.]?\d{3}[-\s.]?\d{4}\b`), redacted},
	{"ipv4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), redacted},
}

// genericSecretPatterns covers non-provider-specific secret shapes:
// key=value assignments, bearer/basic auth headers, and connection-string
// passwords. Adapted from coal-lobstertrap's generic api_key/token/password
// entries in inspector.CredentialPatterns, split into named "key"/"value"
// (and, for connection strings, "suffix") groups so the key prefix and its
// delimiter survive redaction per spec.md §4.2.
var genericSecretPatterns = []rule{
	{
		"kv_secret",
		regexp.MustCompile(`(?i)(?P<key>\b(password|passwd|pwd|secret|token|api[_-]?key|apikey|access[_-]?key|client[_-]?secret)\s*[:=]\s*)(?P<value>"[^"]*"|'[^']*'|\S+)`),
		"${key}" + redacted,
	},
	{
		"auth_header",
		regexp.MustCompile(`(?i)(?P<key>\b(bearer|basic)\s+)(?P<value>[a-zA-Z0-9+/_.\-=]+)`),
		"${key}" + redacted,
	},
	{
		"connection_string_password",
		regexp.MustCompile(`(?P<key>://[^:@/\s]+:)(?P<value>[^@\s]+)(?P<suffix>@)`),
		"${key}" + redacted + "${suffix}",
	},
}

var allPatterns = func() []rule {
	var all []rule
	all = append(all, credentialPatterns...)
	all = append(all, piiPatterns...)
	all = append(all, genericSecretPatterns...)
	return all
}()

// String replaces every match of every enabled pattern in s with
// "[REDACTED]", preserving the key prefix and delimiter for k=v-style
// generic-secret matches.
func String(s string) string {
	for _, r := range allPatterns {
		s = r.re.ReplaceAllString(s, r.template)
	}
	return s
}

// ContainsSensitive returns true iff any enabled pattern matches s.
// regexp.Regexp.MatchString carries no match state between calls, so
// repeated calls never need an explicit reset.
func ContainsSensitive(s string) bool {
	for _, r := range allPatterns {
		if r.re.MatchString(s) {
			return true
		}
	}
	return false
}

// sensitiveKeyMarkers are the case-insensitive substrings that make a
// mapping key's entire value opaque during structural redaction,
// extending isSensitiveKey from Kkasuga904-Gate's execution-log redactor
// with the auth/credential/api_key markers spec.md §4.2 names.
var sensitiveKeyMarkers = []string{
	"password", "secret", "token", "key", "auth", "credential", "api_key", "apikey",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Struct recursively walks a decoded JSON value (as produced by
// encoding/json into interface{}): maps, slices, and scalars. A mapping
// key that contains one of the sensitive markers has its entire value
// replaced unvisited; every other value is recursed into, and string
// scalars are passed through String.
func Struct(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = Struct(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Struct(child)
		}
		return out
	case string:
		return String(val)
	default:
		return val
	}
}
