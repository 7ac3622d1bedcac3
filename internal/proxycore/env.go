package proxycore

import (
	"regexp"
	"strings"
)

// sensitiveEnvName matches environment variable names that commonly carry
// credentials — the proxy inherits its parent environment minus this
// blocklist (spec §6); only operator-specified env overrides are trusted
// afterward, applied unfiltered.
var sensitiveEnvName = regexp.MustCompile(`(?i)(_|^)(KEY|SECRET|TOKEN|PASSWORD|PASSWD|CREDENTIAL|PRIVATE|AUTH|APIKEY|ACCESS_KEY)(_|$)`)

// sanitizeEnv filters parentEnv (in "NAME=VALUE" form, as returned by
// os.Environ) against the sensitive-name blocklist, then merges overrides
// in unfiltered — an operator explicitly setting a credential in a
// server's env block is trusted.
func sanitizeEnv(parentEnv []string, overrides map[string]string) []string {
	out := make([]string, 0, len(parentEnv)+len(overrides))
	for _, kv := range parentEnv {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if sensitiveEnvName.MatchString(name) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
