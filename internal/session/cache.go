package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/store"
	"github.com/google/uuid"
)

// Cache holds every grant keyed by id, plus an insertion-order index so
// Check can scan most-recent-first per §4.5. Cleanup runs on a background
// ticker adapted from the teacher's per-subject rate limiter janitor
// (sync.Map + periodic sweep of stale entries), generalized here to a
// mutex-guarded slice since grants must be scanned in order, not just
// looked up by key.
type Cache struct {
	mu    sync.Mutex
	byID  map[string]*Grant
	order []string // grant IDs, oldest first; Check scans in reverse

	cleanupInterval time.Duration
	lastCleanup     time.Time

	cancel  context.CancelFunc
	stopped chan struct{}
	metrics *metrics.Metrics

	store  *store.Store // optional; nil disables durable persistence
	logger *slog.Logger
}

// Config configures a Cache.
type Config struct {
	CleanupInterval time.Duration // default 60s
	Metrics         *metrics.Metrics

	// Store is the system of record for grants with a non-empty audit
	// block and for every revocation, so a process restart does not
	// silently resurrect a revoked-but-uncommitted grant or lose active
	// ones. Nil disables persistence entirely.
	Store  *store.Store
	Logger *slog.Logger
}

// New creates a Cache, warming it from Store (if one is configured), and
// starts its background cleanup goroutine. Call Stop to release it.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		byID:            make(map[string]*Grant),
		cleanupInterval: interval,
		metrics:         cfg.Metrics,
		stopped:         make(chan struct{}),
		store:           cfg.Store,
		logger:          logger,
	}

	if cfg.Store != nil {
		rows, err := cfg.Store.LoadActiveSessions(ctx, time.Now().UnixMilli())
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			g := grantFromRow(row)
			c.byID[g.ID] = g
			c.order = append(c.order, g.ID)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.cleanupLoop(loopCtx)
	return c, nil
}

// persist writes g's current state through Store. Storage errors are
// logged and swallowed, mirroring internal/audit.Sink.Log — persistence
// failures never propagate to the request flow.
func (c *Cache) persist(g *Grant) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertSession(context.Background(), toSessionRow(g)); err != nil {
		c.logger.Error("session: failed to persist grant", "id", g.ID, "error", err)
	}
}

func toSessionRow(g *Grant) store.SessionRow {
	row := store.SessionRow{
		ID:        g.ID,
		Scope:     string(g.Scope),
		Pattern:   g.Pattern,
		Server:    g.Server,
		CreatedAt: g.CreatedAt.UnixMilli(),
		ExpiresAt: g.ExpiresAt.UnixMilli(),
		Approver:  g.Approver,
		UseCount:  g.UseCount,
	}
	if g.Audit != nil {
		row.ToolName = g.Audit.ToolName
		row.RiskLevel = g.Audit.RiskLevel
		row.Reason = g.Audit.Reason
		row.Source = g.Audit.Source
		if len(g.Audit.ToolArgs) > 0 {
			row.ToolArgs = string(g.Audit.ToolArgs)
		}
	}
	if !g.LastUsedAt.IsZero() {
		row.HasLastUsed = true
		row.LastUsedAt = g.LastUsedAt.UnixMilli()
	}
	if g.Revocation != nil {
		row.HasRevoked = true
		row.RevokedAt = g.Revocation.At.UnixMilli()
		row.RevokedBy = g.Revocation.By
		row.RevokeReason = g.Revocation.Reason
	}
	return row
}

func grantFromRow(row store.SessionRow) *Grant {
	g := &Grant{
		ID:        row.ID,
		Scope:     Scope(row.Scope),
		Pattern:   row.Pattern,
		Server:    row.Server,
		Approver:  row.Approver,
		CreatedAt: time.UnixMilli(row.CreatedAt),
		ExpiresAt: time.UnixMilli(row.ExpiresAt),
		UseCount:  row.UseCount,
	}
	if row.ToolName != "" || row.ToolArgs != "" || row.RiskLevel != "" || row.Reason != "" || row.Source != "" {
		audit := &AuditInfo{
			ToolName:  row.ToolName,
			RiskLevel: row.RiskLevel,
			Reason:    row.Reason,
			Source:    row.Source,
		}
		if row.ToolArgs != "" {
			audit.ToolArgs = json.RawMessage(row.ToolArgs)
		}
		g.Audit = audit
	}
	if row.HasLastUsed {
		g.LastUsedAt = time.UnixMilli(row.LastUsedAt)
	}
	if row.HasRevoked {
		g.Revocation = &Revocation{At: time.UnixMilli(row.RevokedAt), By: row.RevokedBy, Reason: row.RevokeReason}
	}
	return g
}

// Stop halts the background cleanup goroutine. Safe to call once; the
// timer it drives is unreferenced from process exit the moment the
// goroutine returns.
func (c *Cache) Stop() {
	c.cancel()
	<-c.stopped
}

// newGrantID mints a 128-bit random grant id via google/uuid, matching the
// id style the rest of the pack's services use for entity ids.
func newGrantID() string {
	return uuid.New().String()
}

// Create registers a new grant and returns it.
func (c *Cache) Create(opts CreateOptions) *Grant {
	now := time.Now()
	g := &Grant{
		ID:        newGrantID(),
		Scope:     opts.Scope,
		Pattern:   opts.Pattern,
		Server:    opts.Server,
		Approver:  opts.Approver,
		CreatedAt: now,
		ExpiresAt: now.Add(durationFor(opts.Duration)),
	}
	if opts.ToolName != "" || len(opts.ToolArgs) > 0 || opts.RiskLevel != "" || opts.Reason != "" || opts.Source != "" {
		g.Audit = &AuditInfo{
			ToolName:  opts.ToolName,
			ToolArgs:  opts.ToolArgs,
			RiskLevel: opts.RiskLevel,
			Reason:    opts.Reason,
			Source:    opts.Source,
		}
	}

	c.mu.Lock()
	c.byID[g.ID] = g
	c.order = append(c.order, g.ID)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetActiveGrants(c.countActiveLocked())
	}
	if g.Audit != nil {
		c.persist(g)
	}
	return g
}

func (c *Cache) countActiveLocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for _, g := range c.byID {
		if g.active(now) {
			n++
		}
	}
	return n
}

// Check scans active grants most-recent-first for one matching (tool,
// server). The first match wins and has its use_count/last_used_at
// updated.
func (c *Cache) Check(tool, server string) (*Grant, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.order) - 1; i >= 0; i-- {
		g, ok := c.byID[c.order[i]]
		if !ok || !g.active(now) {
			continue
		}
		if !grantMatches(g, tool, server) {
			continue
		}
		g.UseCount++
		g.LastUsedAt = now
		return g, true
	}
	return nil, false
}

func grantMatches(g *Grant, tool, server string) bool {
	if g.Server != "" && g.Server != server {
		return false
	}
	switch g.Scope {
	case ScopeExact:
		return g.Pattern == tool
	case ScopeTool:
		return toolGlobMatch(g.Pattern, tool)
	case ScopeServer:
		return g.Server == "" || g.Server == server
	default:
		return false
	}
}

// toolGlobMatch implements the restricted glob described in §4.5: bare
// "*" matches everything, "*suffix" / "prefix*" match by suffix/prefix,
// anything else must match exactly.
func toolGlobMatch(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	hasPrefixStar := strings.HasPrefix(pattern, "*")
	hasSuffixStar := strings.HasSuffix(pattern, "*")
	switch {
	case hasPrefixStar && hasSuffixStar && len(pattern) >= 2:
		return strings.Contains(tool, pattern[1:len(pattern)-1])
	case hasSuffixStar:
		return strings.HasPrefix(tool, pattern[:len(pattern)-1])
	case hasPrefixStar:
		return strings.HasSuffix(tool, pattern[1:])
	default:
		return pattern == tool
	}
}

// Revoke stamps a revocation on one grant, iff it is not already revoked.
func (c *Cache) Revoke(id, by, reason string) bool {
	c.mu.Lock()
	g, ok := c.byID[id]
	if !ok || g.revoked() {
		c.mu.Unlock()
		return false
	}
	g.Revocation = &Revocation{At: time.Now(), By: by, Reason: reason}
	c.mu.Unlock()

	c.persist(g)
	return true
}

// RevokeByPattern bulk-revokes every active, non-revoked grant whose
// Pattern equals pattern.
func (c *Cache) RevokeByPattern(pattern, by, reason string) int {
	return c.revokeWhere(by, reason, func(g *Grant) bool { return g.Pattern == pattern })
}

// RevokeByServer bulk-revokes every active, non-revoked grant whose
// Server equals server.
func (c *Cache) RevokeByServer(server, by, reason string) int {
	return c.revokeWhere(by, reason, func(g *Grant) bool { return g.Server == server })
}

// RevokeAll revokes every active, non-revoked grant.
func (c *Cache) RevokeAll(by, reason string) int {
	return c.revokeWhere(by, reason, func(*Grant) bool { return true })
}

func (c *Cache) revokeWhere(by, reason string, match func(*Grant) bool) int {
	now := time.Now()
	c.mu.Lock()
	var revoked []*Grant
	for _, g := range c.byID {
		if !g.active(now) {
			continue
		}
		if !match(g) {
			continue
		}
		g.Revocation = &Revocation{At: now, By: by, Reason: reason}
		revoked = append(revoked, g)
	}
	c.mu.Unlock()

	for _, g := range revoked {
		c.persist(g)
	}
	return len(revoked)
}

// Cleanup physically prunes expired grants and returns the count removed.
// Expired grants are already ignored by Check/List; this only reclaims
// memory.
func (c *Cache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	removed := 0
	for _, id := range c.order {
		g := c.byID[id]
		if g.expired(now) {
			delete(c.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	c.lastCleanup = now
	return removed
}

func (c *Cache) cleanupLoop(ctx context.Context) {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
			if c.metrics != nil {
				c.metrics.SetActiveGrants(c.countActiveLocked())
			}
		}
	}
}

// List returns every grant, most-recently-created first.
func (c *Cache) List() []*Grant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Grant, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		out = append(out, c.byID[c.order[i]])
	}
	return out
}

// Stats summarizes the cache's current contents.
func (c *Cache) Stats() Stats {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{ByScope: make(map[Scope]int), ByServer: make(map[string]int), LastCleanup: c.lastCleanup}
	for _, g := range c.byID {
		s.Total++
		s.TotalApprovals += g.UseCount
		switch {
		case g.revoked():
			s.Revoked++
		case g.expired(now):
			s.Expired++
		default:
			s.Active++
		}
		s.ByScope[g.Scope]++
		if g.Server != "" {
			s.ByServer[g.Server]++
		}
	}
	return s
}
