package shadow

import "regexp"

// descriptionPattern is one entry in the fixed prompt-injection catalog.
// A hit on either the raw or normalized text flags the pattern; the
// report's overall severity is the maximum severity hit.
type descriptionPattern struct {
	tag      string
	category string
	severity Severity
	re       *regexp.Regexp
}

var descriptionPatterns = buildDescriptionPatterns()

func buildDescriptionPatterns() []descriptionPattern {
	mustCompile := func(tag, category string, sev Severity, pattern string) descriptionPattern {
		return descriptionPattern{tag: tag, category: category, severity: sev, re: regexp.MustCompile("(?i)" + pattern)}
	}

	return []descriptionPattern{
		// Instruction override — critical. Whitespace is matched with \s*
		// rather than \s+ because the normalization pipeline strips
		// zero-width joiners outright (per spec) rather than replacing
		// them with a space, so obfuscated payloads like
		// "ignore<ZWSP>all<ZWSP>previous<ZWSP>instructions" collapse to
		// word-adjacent text with no separators at all.
		mustCompile("instruction_override", "instruction_override", SeverityCritical,
			`ignore\s*(all\s*)?(previous|prior|above)\s*instructions?`),
		mustCompile("disregard_instructions", "instruction_override", SeverityCritical,
			`disregard\s*(all\s*)?(previous|prior|above)\s*(instructions?|rules?|prompts?)`),
		mustCompile("new_instructions", "instruction_override", SeverityCritical,
			`(forget|override)\s*(everything|all|your)\s*(you\s*)?(know|instructions?|training)`),

		// Role manipulation — medium/high. "act as a/an ..." is kept at
		// medium/prompt even though it also matches benign creative-writing
		// requests; see DESIGN.md for the accepted false-positive rate.
		mustCompile("role_manipulation_act_as", "role_manipulation", SeverityMedium,
			`act\s+as\s+(a|an)?\s*\w+`),
		mustCompile("role_manipulation_you_are_now", "role_manipulation", SeverityHigh,
			`you\s+are\s+now\s+(a|an)\s+\w+`),
		mustCompile("role_manipulation_pretend", "role_manipulation", SeverityHigh,
			`pretend\s+(you('re| are)|to\s+be)\s+`),
		mustCompile("role_manipulation_dan", "role_manipulation", SeverityHigh,
			`\bdan\s+mode\b|developer\s+mode\s+enabled`),

		// Exfiltration — high/critical.
		mustCompile("exfil_system_prompt", "exfiltration", SeverityCritical,
			`(reveal|print|show|output|leak)\s+(your|the)\s+(system\s+prompt|instructions?|api\s+key|credentials?)`),
		mustCompile("exfil_send_data", "exfiltration", SeverityHigh,
			`(send|post|exfiltrate|upload)\s+(this|the|all)\s+(data|contents?|file|conversation)\s+to\s+`),
		mustCompile("exfil_env_vars", "exfiltration", SeverityHigh,
			`(dump|list|print)\s+(all\s+)?environment\s+variables`),

		// Context-boundary tokens — high/critical.
		mustCompile("ctx_boundary_system_tag", "context_boundary", SeverityCritical, `</?system>`),
		mustCompile("ctx_boundary_inst", "context_boundary", SeverityCritical, `\[/?inst\]`),
		mustCompile("ctx_boundary_sys_tag", "context_boundary", SeverityCritical, `<<sys>>|<</sys>>`),
		mustCompile("ctx_boundary_chatml", "context_boundary", SeverityHigh, `<\|im_(start|end)\|>`),
		mustCompile("ctx_boundary_roleplay", "context_boundary", SeverityHigh, `\b(human|assistant)\s*:\s`),

		// Hidden comment injection — high/critical.
		mustCompile("hidden_html_comment", "hidden_comment", SeverityHigh, `<!--[\s\S]*?-->`),
		mustCompile("hidden_json_comment", "hidden_comment", SeverityCritical, `/\*[\s\S]*?(ignore|system|admin)[\s\S]*?\*/`),

		// Control-character injection — critical. Matched against the raw
		// string directly since normalization strips these.
		mustCompile("control_char_injection", "control_char", SeverityCritical,
			"[\x00-\x08\x0B\x0C\x0E-\x1F]"),

		// Obfuscation hooks — high/critical.
		mustCompile("obfuscation_base64", "obfuscation", SeverityHigh, `base64\s*:`),
		mustCompile("obfuscation_atob", "obfuscation", SeverityHigh, `atob\s*\(`),
		mustCompile("obfuscation_eval", "obfuscation", SeverityCritical, `eval\s*\(`),

		// Privilege escalation — high/critical.
		mustCompile("privesc_sudo", "privilege_escalation", SeverityHigh, `\bsudo\b|\brun\s+as\s+(root|admin|administrator)\b`),
		mustCompile("privesc_grant_access", "privilege_escalation", SeverityCritical,
			`(grant|escalate|elevate)\s+(full|admin|root)\s+(access|privileges?|permissions?)`),

		// Credential patterns — high.
		mustCompile("credential_apikey", "credential", SeverityHigh, `(api[_-]?key|secret|token)\s*[:=]\s*['"]?[a-z0-9_\-]{16,}`),
		mustCompile("credential_password", "credential", SeverityHigh, `password\s*[:=]\s*['"]?\S{6,}`),
	}
}

// scanDescription evaluates the catalog over both raw and normalized text
// and returns the matched tags along with the max severity hit.
func scanDescription(raw, normalized string) (tags []string, severity Severity, hit bool) {
	seen := make(map[string]bool)
	for _, p := range descriptionPatterns {
		if p.re.MatchString(raw) || p.re.MatchString(normalized) {
			if !seen[p.tag] {
				seen[p.tag] = true
				tags = append(tags, p.tag)
			}
			hit = true
			if p.severity > severity {
				severity = p.severity
			}
		}
	}
	return tags, severity, hit
}
