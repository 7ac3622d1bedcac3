package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	s := newTestSink(t)
	before := time.Now()
	e := s.Log(context.Background(), Entry{Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed})

	if e.ID == "" {
		t.Fatal("expected a generated id")
	}
	if e.Timestamp.Before(before) {
		t.Fatalf("timestamp %v predates log call at %v", e.Timestamp, before)
	}
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	s := newTestSink(t)
	var seen []string

	unsub := s.Subscribe(func(e Entry) { seen = append(seen, e.Tool) })
	defer unsub()

	s.Log(context.Background(), Entry{Tool: "a"})
	s.Log(context.Background(), Entry{Tool: "b"})
	s.Log(context.Background(), Entry{Tool: "c"})

	want := []string{"a", "b", "c"}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestQueryFiltersAndOrdersDescending(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	s.Log(ctx, Entry{Server: "fs", Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed})
	s.Log(ctx, Entry{Server: "fs", Tool: "delete_file", RiskLevel: "destructive", Decision: DecisionDenied})
	s.Log(ctx, Entry{Server: "net", Tool: "fetch_url", RiskLevel: "read", Decision: DecisionAllowed})

	all := s.Query(Filter{})
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	if all[0].Tool != "fetch_url" {
		t.Errorf("expected newest-first ordering, got %s first", all[0].Tool)
	}

	denied := s.Query(Filter{Decision: DecisionDenied})
	if len(denied) != 1 || denied[0].Tool != "delete_file" {
		t.Errorf("expected only delete_file for decision=denied, got %+v", denied)
	}

	fsOnly := s.Query(Filter{Server: "fs"})
	if len(fsOnly) != 2 {
		t.Errorf("expected 2 entries for server=fs, got %d", len(fsOnly))
	}

	limited := s.Query(Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to cap results to 1, got %d", len(limited))
	}
}

func TestStatsAggregatesAndRanksTopTools(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	s.Log(ctx, Entry{Server: "fs", Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed})
	s.Log(ctx, Entry{Server: "fs", Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed})
	s.Log(ctx, Entry{Server: "fs", Tool: "delete_file", RiskLevel: "destructive", Decision: DecisionDenied})
	s.Log(ctx, Entry{Server: "net", Tool: "fetch_url", RiskLevel: "read", Decision: DecisionAllowed})

	stats := s.Stats(time.Time{})
	if stats.Total != 4 || stats.Allowed != 3 || stats.Denied != 1 {
		t.Fatalf("got %+v", stats)
	}
	if stats.ByServer["fs"] != 3 || stats.ByServer["net"] != 1 {
		t.Errorf("by_server = %+v", stats.ByServer)
	}
	if len(stats.TopTools) == 0 || stats.TopTools[0].Tool != "read_file" || stats.TopTools[0].Count != 2 {
		t.Errorf("top_tools = %+v, expected read_file first with count 2", stats.TopTools)
	}
}

func TestStatsTopToolsStableUnderTies(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	// Each tool appears once — under a tie, insertion order must win.
	s.Log(ctx, Entry{Tool: "charlie"})
	s.Log(ctx, Entry{Tool: "alpha"})
	s.Log(ctx, Entry{Tool: "bravo"})

	stats := s.Stats(time.Time{})
	want := []string{"charlie", "alpha", "bravo"}
	if len(stats.TopTools) != 3 {
		t.Fatalf("got %+v", stats.TopTools)
	}
	for i, tool := range want {
		if stats.TopTools[i].Tool != tool {
			t.Fatalf("got %+v, want order %v", stats.TopTools, want)
		}
	}
}

func TestExportJSON(t *testing.T) {
	s := newTestSink(t)
	s.Log(context.Background(), Entry{Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed})

	data, err := s.Export(context.Background(), FormatJSON, Filter{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(entries) != 1 || entries[0].Tool != "read_file" {
		t.Fatalf("got %+v", entries)
	}
}

func TestExportCSVHeaderAndQuoting(t *testing.T) {
	s := newTestSink(t)
	d := 42 * time.Millisecond
	s.Log(context.Background(), Entry{Server: "fs", Tool: "read_file", RiskLevel: "read", Decision: DecisionAllowed, Duration: &d})
	s.Log(context.Background(), Entry{Tool: "fetch_url", RiskLevel: "read", Decision: DecisionAllowed})

	data, err := s.Export(context.Background(), FormatCSV, Filter{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "id,timestamp,server,tool,risk_level,decision,duration" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header + 2 rows)", len(lines))
	}
	// second logged entry (fs row since query is newest-first) has no server, so
	// the field must render as an empty quoted pair.
	if !strings.Contains(lines[1], `,"",`) {
		t.Fatalf("expected an empty quoted field for missing server, got %q", lines[1])
	}
	for _, field := range strings.Split(lines[1], ",") {
		if !strings.HasPrefix(field, `"`) || !strings.HasSuffix(field, `"`) {
			t.Errorf("field %q is not double-quoted", field)
		}
	}
}

func TestExportCEFFormat(t *testing.T) {
	s := newTestSink(t)
	s.Log(context.Background(), Entry{Server: "fs", Tool: "delete_file", RiskLevel: "destructive", Decision: DecisionDenied})

	data, err := s.Export(context.Background(), FormatCEF, Filter{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	line := strings.TrimRight(string(data), "\n")
	if !strings.HasPrefix(line, "CEF:0|DotsetLabs|Overwatch|1.0|destructive|MCP Tool Call|8|") {
		t.Fatalf("unexpected CEF record: %q", line)
	}
	if !strings.Contains(line, "cs1=delete_file cs1Label=Tool") {
		t.Errorf("missing tool extension field: %q", line)
	}
	if !strings.Contains(line, "cs2=fs cs2Label=Server") {
		t.Errorf("missing server extension field: %q", line)
	}
	if !strings.Contains(line, "outcome=denied") {
		t.Errorf("missing outcome extension field: %q", line)
	}
}

func TestLogRedactsArgsAndErrorWhenEnabled(t *testing.T) {
	s, err := New(context.Background(), Config{Redact: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	args, err := json.Marshal(map[string]interface{}{
		"path":    "/tmp/report.txt",
		"api_key": "sk-abcdefghijklmnopqrstuvwx",
		"contact": "jane.doe@example.com",
	})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}

	e := s.Log(context.Background(), Entry{
		Tool:      "send_report",
		RiskLevel: "write",
		Decision:  DecisionAllowed,
		Args:      args,
		Error:     "upload failed for token=abc123secretvalue",
	})

	if strings.Contains(string(e.Args), "sk-abcdefghijklmnopqrstuvwx") {
		t.Errorf("Args still contains the raw api key: %s", e.Args)
	}
	if strings.Contains(string(e.Args), "jane.doe@example.com") {
		t.Errorf("Args still contains the raw email: %s", e.Args)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(e.Args, &decoded); err != nil {
		t.Fatalf("redacted Args is not valid JSON: %v", err)
	}
	if decoded["path"] != "/tmp/report.txt" {
		t.Errorf("expected the non-sensitive path field to survive, got %v", decoded["path"])
	}
	if strings.Contains(e.Error, "abc123secretvalue") {
		t.Errorf("Error still contains the raw secret: %s", e.Error)
	}

	stored := s.Query(Filter{})
	if len(stored) != 1 || strings.Contains(string(stored[0].Args), "sk-abcdefghijklmnopqrstuvwx") {
		t.Errorf("expected the cached entry to already be redacted, got %+v", stored)
	}
}

func TestLogDoesNotRedactWhenDisabled(t *testing.T) {
	s := newTestSink(t)
	args, _ := json.Marshal(map[string]interface{}{"api_key": "sk-abcdefghijklmnopqrstuvwx"})
	e := s.Log(context.Background(), Entry{Tool: "t", RiskLevel: "read", Decision: DecisionAllowed, Args: args})
	if !strings.Contains(string(e.Args), "sk-abcdefghijklmnopqrstuvwx") {
		t.Errorf("expected Args to pass through unredacted when Config.Redact is false, got %s", e.Args)
	}
}

func TestWarmStartFromStore(t *testing.T) {
	// A nil Store disables persistence; New must still succeed with an
	// empty in-memory tail rather than erroring.
	s, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New with nil store: %v", err)
	}
	if got := s.Query(Filter{}); len(got) != 0 {
		t.Fatalf("expected empty tail, got %+v", got)
	}
}
