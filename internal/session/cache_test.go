package session

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetlabs/overwatch/internal/store"
)

func newTestCache() *Cache {
	c, err := New(context.Background(), Config{CleanupInterval: time.Hour})
	if err != nil {
		panic(err)
	}
	return c
}

func TestGrantHonoredAndRevoked(t *testing.T) {
	// S6 — Session grant honors and revokes.
	c := newTestCache()
	defer c.Stop()

	grant := c.Create(CreateOptions{Scope: ScopeTool, Pattern: "read_*", Duration: Duration5Min})

	got, ok := c.Check("read_file", "")
	if !ok || got.ID != grant.ID {
		t.Fatalf("expected match on read_file, got ok=%v grant=%+v", ok, got)
	}
	if got.UseCount != 1 {
		t.Errorf("UseCount = %d, want 1", got.UseCount)
	}

	if !c.Revoke(grant.ID, "admin", "policy change") {
		t.Fatal("expected Revoke to succeed")
	}

	if _, ok := c.Check("read_file", ""); ok {
		t.Error("expected no match after revocation")
	}
}

func TestRevokeTwiceFails(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	g := c.Create(CreateOptions{Scope: ScopeExact, Pattern: "write_file", Duration: DurationOnce})
	if !c.Revoke(g.ID, "", "") {
		t.Fatal("first revoke should succeed")
	}
	if c.Revoke(g.ID, "", "") {
		t.Error("second revoke should fail (already revoked)")
	}
}

func TestExactScopeRequiresEquality(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "read_file", Duration: Duration15Min})

	if _, ok := c.Check("read_other", ""); ok {
		t.Error("exact scope must not match a different tool name")
	}
	if _, ok := c.Check("read_file", ""); !ok {
		t.Error("exact scope should match identical tool name")
	}
}

func TestServerConstraintFiltersMatch(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeTool, Pattern: "*", Server: "fs", Duration: Duration5Min})

	if _, ok := c.Check("anything", "other-server"); ok {
		t.Error("grant scoped to server fs must not match a different server")
	}
	if _, ok := c.Check("anything", "fs"); !ok {
		t.Error("grant scoped to server fs should match fs")
	}
}

func TestToolGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, tool string
		want          bool
	}{
		{"*", "anything", true},
		{"read_*", "read_file", true},
		{"read_*", "write_file", false},
		{"*_file", "read_file", true},
		{"*_file", "read_dir", false},
		{"*file*", "prefix_file_suffix", true},
		{"read_file", "read_file", true},
		{"read_file", "read_files", false},
	}
	for _, c := range cases {
		if got := toolGlobMatch(c.pattern, c.tool); got != c.want {
			t.Errorf("toolGlobMatch(%q, %q) = %v, want %v", c.pattern, c.tool, got, c.want)
		}
	}
}

func TestMostRecentGrantWinsFirst(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	older := c.Create(CreateOptions{Scope: ScopeTool, Pattern: "read_*", Duration: Duration5Min})
	newer := c.Create(CreateOptions{Scope: ScopeTool, Pattern: "read_*", Duration: Duration5Min})

	got, ok := c.Check("read_file", "")
	if !ok || got.ID != newer.ID {
		t.Fatalf("expected most recent grant %s to win, got %v", newer.ID, got)
	}
	_ = older
}

func TestExpiredGrantNotMatched(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "read_file", Duration: DurationOnce})
	time.Sleep(1100 * time.Millisecond)

	if _, ok := c.Check("read_file", ""); ok {
		t.Error("expected expired grant not to match")
	}
}

func TestRevokeByPatternAndServerAndAll(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "a", Duration: Duration5Min})
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "a", Duration: Duration5Min})
	c.Create(CreateOptions{Scope: ScopeServer, Pattern: "*", Server: "fs", Duration: Duration5Min})

	if n := c.RevokeByPattern("a", "admin", "cleanup"); n != 2 {
		t.Errorf("RevokeByPattern = %d, want 2", n)
	}
	if n := c.RevokeByServer("fs", "admin", "cleanup"); n != 1 {
		t.Errorf("RevokeByServer = %d, want 1", n)
	}

	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "b", Duration: Duration5Min})
	if n := c.RevokeAll("admin", "shutdown"); n != 1 {
		t.Errorf("RevokeAll = %d, want 1", n)
	}
}

func TestCleanupPrunesExpired(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "a", Duration: DurationOnce})
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "b", Duration: Duration5Min})
	time.Sleep(1100 * time.Millisecond)

	if n := c.Cleanup(); n != 1 {
		t.Errorf("Cleanup pruned %d, want 1", n)
	}
	if len(c.List()) != 1 {
		t.Errorf("List returned %d entries, want 1 remaining", len(c.List()))
	}
}

func TestStatsAggregation(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	g1 := c.Create(CreateOptions{Scope: ScopeExact, Pattern: "a", Server: "fs", Duration: Duration5Min})
	c.Create(CreateOptions{Scope: ScopeTool, Pattern: "b*", Duration: DurationOnce})
	c.Check("a", "fs")
	c.Revoke(g1.ID, "admin", "done")
	time.Sleep(1100 * time.Millisecond)

	s := c.Stats()
	if s.Total != 2 {
		t.Errorf("Total = %d, want 2", s.Total)
	}
	if s.Revoked != 1 {
		t.Errorf("Revoked = %d, want 1", s.Revoked)
	}
	if s.Expired != 1 {
		t.Errorf("Expired = %d, want 1", s.Expired)
	}
	if s.TotalApprovals != 1 {
		t.Errorf("TotalApprovals = %d, want 1", s.TotalApprovals)
	}
	if s.ByServer["fs"] != 1 {
		t.Errorf("ByServer[fs] = %d, want 1", s.ByServer["fs"])
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:", PoolSize: 1})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateWithAuditPersistsAndRevokePersists(t *testing.T) {
	st := openTestStore(t)
	c, err := New(context.Background(), Config{CleanupInterval: time.Hour, Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	g := c.Create(CreateOptions{
		Scope: ScopeExact, Pattern: "write_file", Duration: Duration5Min, Server: "fs",
		ToolName: "write_file", RiskLevel: "destructive", Reason: "wrote to disk", Source: "approval",
	})

	rows, err := st.LoadActiveSessions(context.Background(), time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("LoadActiveSessions: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != g.ID {
		t.Fatalf("expected the audited grant to be persisted, got %+v", rows)
	}

	if !c.Revoke(g.ID, "admin", "policy change") {
		t.Fatal("expected Revoke to succeed")
	}
	rows, err = st.LoadActiveSessions(context.Background(), time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("LoadActiveSessions: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected the revoked grant to no longer be active, got %+v", rows)
	}
}

func TestCreateWithoutAuditDoesNotPersist(t *testing.T) {
	st := openTestStore(t)
	c, err := New(context.Background(), Config{CleanupInterval: time.Hour, Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "read_file", Duration: Duration5Min})

	rows, err := st.LoadActiveSessions(context.Background(), time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("LoadActiveSessions: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected a grant with no audit block to stay unpersisted, got %+v", rows)
	}
}

func TestNewWarmsFromStore(t *testing.T) {
	st := openTestStore(t)
	row := store.SessionRow{
		ID: "warm-1", Scope: "exact", Pattern: "read_file", Server: "fs",
		CreatedAt: 0, ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		ToolName: "read_file", RiskLevel: "read",
	}
	if err := st.UpsertSession(context.Background(), row); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	c, err := New(context.Background(), Config{CleanupInterval: time.Hour, Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	got, ok := c.Check("read_file", "fs")
	if !ok || got.ID != "warm-1" {
		t.Fatalf("expected the warm-started grant to be active, got ok=%v grant=%+v", ok, got)
	}
}

func TestBackgroundCleanupTick(t *testing.T) {
	c, err := New(context.Background(), Config{CleanupInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()
	c.Create(CreateOptions{Scope: ScopeExact, Pattern: "a", Duration: DurationOnce})
	time.Sleep(1300 * time.Millisecond)

	if len(c.List()) != 0 {
		t.Errorf("expected background cleanup to prune expired grant, got %d remaining", len(c.List()))
	}
}
