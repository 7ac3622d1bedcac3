package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/redact"
	"github.com/dotsetlabs/overwatch/internal/store"
	"github.com/google/uuid"
)

const defaultCacheSize = 10000

// Subscriber receives every logged entry, synchronously, in insertion
// order. A subscriber must not block — Sink makes no attempt to recover a
// slow or wedged subscriber.
type Subscriber func(Entry)

// Sink is the append-only audit log. internal/store is the system of
// record; Sink keeps a bounded in-memory tail (warmed from the store on
// startup) to serve Query/Stats/subscriber fan-out off the hot path.
type Sink struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int

	subMu sync.Mutex
	subs  []Subscriber

	store   *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	redact  bool
}

// Config configures a Sink.
type Config struct {
	Store     *store.Store // optional; nil disables durable persistence
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	CacheSize int // default 10000

	// Redact runs every entry's Args and Error through internal/redact
	// before it is cached, persisted, or handed to subscribers — spec
	// §4.2/§7 require sensitive values to be scrubbed before export, and
	// scrubbing at Log time means every downstream reader (Query, Stats,
	// Export, subscribers) sees the same redacted view.
	Redact bool
}

// New creates a Sink, warming its in-memory tail from the store (if one
// is configured).
func New(ctx context.Context, cfg Config) (*Sink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	s := &Sink{
		maxSize: cacheSize,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  logger,
		redact:  cfg.Redact,
	}

	if cfg.Store != nil {
		rows, err := cfg.Store.QueryAuditEntries(ctx, store.AuditEntryFilter{Limit: cacheSize})
		if err != nil {
			return nil, err
		}
		// Store returns newest-first; the in-memory tail is kept
		// oldest-first so append-and-trim behaves like a ring buffer.
		for i := len(rows) - 1; i >= 0; i-- {
			s.entries = append(s.entries, entryFromRow(rows[i]))
		}
	}

	return s, nil
}

// Subscribe registers a tail subscriber and returns a function to remove
// it.
func (s *Sink) Subscribe(sub Subscriber) func() {
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	idx := len(s.subs) - 1
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// Log assigns a fresh id and timestamp to entry, appends it, notifies
// subscribers synchronously in insertion order, and persists it. Storage
// errors are logged and swallowed, never propagated to the request flow
// (spec §7).
func (s *Sink) Log(ctx context.Context, entry Entry) Entry {
	entry.ID = uuid.New().String()
	entry.Timestamp = time.Now()
	if s.redact {
		entry = redactEntry(entry)
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	s.mu.Unlock()

	s.subMu.Lock()
	subs := append([]Subscriber(nil), s.subs...)
	s.subMu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub(entry)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordAuditEntry(string(entry.Decision))
		if entry.Duration != nil {
			s.metrics.ObserveRequestDuration(entry.Server, entry.Tool, entry.Duration.Seconds())
		}
	}

	if s.store != nil {
		if err := s.store.InsertAuditEntry(ctx, toRow(entry)); err != nil {
			s.logger.Error("audit: failed to persist entry", "id", entry.ID, "error", err)
		}
	}

	return entry
}

// Query returns entries matching filter, newest first.
func (s *Sink) Query(filter Filter) []Entry {
	s.mu.Lock()
	all := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	var out []Entry
	for _, e := range all {
		if matchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func matchesFilter(e Entry, f Filter) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Server != "" && e.Server != f.Server {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	return true
}

// Stats summarizes every entry with timestamp >= since (zero = all time).
// top_tools is the top 10 by count, stable under ties by insertion order.
func (s *Sink) Stats(since time.Time) Stats {
	s.mu.Lock()
	all := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	stats := Stats{ByRiskLevel: make(map[string]int), ByServer: make(map[string]int)}
	toolOrder := make([]string, 0)
	toolCounts := make(map[string]int)

	for _, e := range all {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		switch e.Decision {
		case DecisionAllowed:
			stats.Allowed++
		case DecisionDenied:
			stats.Denied++
		}
		stats.ByRiskLevel[e.RiskLevel]++
		if e.Server != "" {
			stats.ByServer[e.Server]++
		}
		if _, seen := toolCounts[e.Tool]; !seen {
			toolOrder = append(toolOrder, e.Tool)
		}
		toolCounts[e.Tool]++
	}

	sort.SliceStable(toolOrder, func(i, j int) bool { return toolCounts[toolOrder[i]] > toolCounts[toolOrder[j]] })
	if len(toolOrder) > 10 {
		toolOrder = toolOrder[:10]
	}
	for _, tool := range toolOrder {
		stats.TopTools = append(stats.TopTools, ToolCount{Tool: tool, Count: toolCounts[tool]})
	}

	return stats
}

// redactEntry scrubs an entry's Args (a decoded-then-redacted-then
// re-encoded JSON value, so key-based structural redaction applies) and
// Error (plain string redaction) before the entry is cached or persisted.
func redactEntry(e Entry) Entry {
	if len(e.Args) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(e.Args, &decoded); err == nil {
			if reencoded, err := json.Marshal(redact.Struct(decoded)); err == nil {
				e.Args = reencoded
			}
		} else if reencoded, merr := json.Marshal(redact.String(string(e.Args))); merr == nil {
			e.Args = reencoded
		}
	}
	if e.Error != "" {
		e.Error = redact.String(e.Error)
	}
	return e
}

func toRow(e Entry) store.AuditEntryRow {
	row := store.AuditEntryRow{
		ID:        e.ID,
		Timestamp: e.Timestamp.UnixMilli(),
		Server:    e.Server,
		Tool:      e.Tool,
		RiskLevel: e.RiskLevel,
		Decision:  string(e.Decision),
		SessionID: e.SessionID,
		Error:     e.Error,
	}
	if len(e.Args) > 0 {
		row.Args = string(e.Args)
	}
	if e.Duration != nil {
		row.HasDuration = true
		row.DurationMs = e.Duration.Milliseconds()
	}
	return row
}

func entryFromRow(row store.AuditEntryRow) Entry {
	e := Entry{
		ID:        row.ID,
		Timestamp: time.UnixMilli(row.Timestamp),
		Server:    row.Server,
		Tool:      row.Tool,
		RiskLevel: row.RiskLevel,
		Decision:  Decision(row.Decision),
		SessionID: row.SessionID,
		Error:     row.Error,
	}
	if row.Args != "" {
		e.Args = json.RawMessage(row.Args)
	}
	if row.HasDuration {
		d := time.Duration(row.DurationMs) * time.Millisecond
		e.Duration = &d
	}
	return e
}
