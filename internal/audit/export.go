package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dotsetlabs/overwatch/internal/shadow"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

var riskLevelByName = map[string]shadow.RiskLevel{
	"safe":        shadow.RiskSafe,
	"read":        shadow.RiskRead,
	"write":       shadow.RiskWrite,
	"destructive": shadow.RiskDestructive,
	"dangerous":   shadow.RiskDangerous,
}

// Export renders entries matching filter in the requested format.
func (s *Sink) Export(ctx context.Context, format Format, filter Filter) ([]byte, error) {
	entries := s.Query(filter)
	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatCSV:
		return exportCSV(entries)
	case FormatCEF:
		return exportCEF(entries), nil
	default:
		return nil, fmt.Errorf("audit: unknown export format %q", format)
	}
}

// ExportSigned renders entries in the requested format and produces a
// detached JWS signature over the rendered bytes using key, so an auditor
// can verify the export was not tampered with after the fact. Signing is
// an optional supplement to the base export contract: omit key to skip it.
func (s *Sink) ExportSigned(ctx context.Context, format Format, filter Filter, key jwa.SignatureAlgorithm, signingKey any) (data []byte, signature []byte, err error) {
	data, err = s.Export(ctx, format, filter)
	if err != nil {
		return nil, nil, err
	}
	sig, err := jws.Sign(data, jws.WithKey(key, signingKey), jws.WithDetachedPayload(data))
	if err != nil {
		return nil, nil, fmt.Errorf("audit: sign export: %w", err)
	}
	return data, sig, nil
}

func exportJSON(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// exportCSV renders the exact header spec §4.6 names, with every value
// double-quoted (empty fields as "") — csv.Writer's default heuristic only
// quotes fields that need it, so the rows are built by hand instead.
func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("id,timestamp,server,tool,risk_level,decision,duration\n")

	for _, e := range entries {
		duration := ""
		if e.Duration != nil {
			duration = strconv.FormatInt(e.Duration.Milliseconds(), 10)
		}
		fields := []string{
			e.ID,
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			e.Server,
			e.Tool,
			e.RiskLevel,
			string(e.Decision),
			duration,
		}
		for i, f := range fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
			buf.WriteByte('"')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func exportCEF(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		risk := e.RiskLevel
		severity := 5
		if rl, ok := riskLevelByName[risk]; ok {
			severity = rl.CEFSeverity()
		}

		extension := fmt.Sprintf("rt=%d cs1=%s cs1Label=Tool", e.Timestamp.UnixMilli(), e.Tool)
		if e.Server != "" {
			extension += fmt.Sprintf(" cs2=%s cs2Label=Server", e.Server)
		}
		extension += fmt.Sprintf(" outcome=%s", e.Decision)

		fmt.Fprintf(&buf, "CEF:0|DotsetLabs|Overwatch|1.0|%s|MCP Tool Call|%d|%s\n", risk, severity, extension)
	}
	return buf.Bytes()
}
