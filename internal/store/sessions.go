package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SessionRow is the persisted shape of one session.Grant, one-for-one
// with the sessions table (Revocation flattened to three columns).
type SessionRow struct {
	ID           string
	Scope        string
	Pattern      string
	Server       string
	CreatedAt    int64 // ms
	ExpiresAt    int64 // ms
	Approver     string
	ToolName     string
	ToolArgs     string // JSON
	RiskLevel    string
	Reason       string
	Source       string
	UseCount     int
	LastUsedAt   int64
	HasLastUsed  bool
	RevokedAt    int64
	HasRevoked   bool
	RevokedBy    string
	RevokeReason string
}

// UpsertSession inserts or replaces a grant row — used both at creation
// and whenever usage/revocation state changes, so the store always
// reflects the in-memory cache's latest view.
func (s *Store) UpsertSession(ctx context.Context, row SessionRow) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	var lastUsed, revokedAt any
	if row.HasLastUsed {
		lastUsed = row.LastUsedAt
	}
	if row.HasRevoked {
		revokedAt = row.RevokedAt
	}

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(id, scope, pattern, server, created_at, expires_at, approver, tool_name, tool_args,
		 risk_level, reason, source, use_count, last_used_at, revoked_at, revoked_by, revoke_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			use_count = excluded.use_count,
			last_used_at = excluded.last_used_at,
			revoked_at = excluded.revoked_at,
			revoked_by = excluded.revoked_by,
			revoke_reason = excluded.revoke_reason`, &sqlitex.ExecOptions{
		Args: []any{
			row.ID, row.Scope, row.Pattern, nullableString(row.Server), row.CreatedAt, row.ExpiresAt,
			nullableString(row.Approver), nullableString(row.ToolName), nullableString(row.ToolArgs),
			nullableString(row.RiskLevel), nullableString(row.Reason), nullableString(row.Source),
			row.UseCount, lastUsed, revokedAt, nullableString(row.RevokedBy), nullableString(row.RevokeReason),
		},
	})
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// LoadActiveSessions returns every non-expired, non-revoked grant row,
// used to warm the in-memory cache on startup.
func (s *Store) LoadActiveSessions(ctx context.Context, nowMs int64) ([]SessionRow, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var rows []SessionRow
	err = sqlitex.Execute(conn, `SELECT id, scope, pattern, server, created_at, expires_at, approver,
		tool_name, tool_args, risk_level, reason, source, use_count, last_used_at, revoked_at, revoked_by, revoke_reason
		FROM sessions WHERE expires_at > ? AND revoked_at IS NULL`, &sqlitex.ExecOptions{
		Args: []any{nowMs},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: load active sessions: %w", err)
	}
	return rows, nil
}

// Columns: id(0), scope(1), pattern(2), server(3), created_at(4),
// expires_at(5), approver(6), tool_name(7), tool_args(8), risk_level(9),
// reason(10), source(11), use_count(12), last_used_at(13), revoked_at(14),
// revoked_by(15), revoke_reason(16).
func scanSession(stmt *sqlite.Stmt) SessionRow {
	row := SessionRow{
		ID:        stmt.ColumnText(0),
		Scope:     stmt.ColumnText(1),
		Pattern:   stmt.ColumnText(2),
		Server:    stmt.ColumnText(3),
		CreatedAt: stmt.ColumnInt64(4),
		ExpiresAt: stmt.ColumnInt64(5),
		Approver:  stmt.ColumnText(6),
		ToolName:  stmt.ColumnText(7),
		ToolArgs:  stmt.ColumnText(8),
		RiskLevel: stmt.ColumnText(9),
		Reason:    stmt.ColumnText(10),
		Source:    stmt.ColumnText(11),
		UseCount:  stmt.ColumnInt(12),
	}
	if !stmt.ColumnIsNull(13) {
		row.LastUsedAt = stmt.ColumnInt64(13)
		row.HasLastUsed = true
	}
	if !stmt.ColumnIsNull(14) {
		row.RevokedAt = stmt.ColumnInt64(14)
		row.HasRevoked = true
	}
	row.RevokedBy = stmt.ColumnText(15)
	row.RevokeReason = stmt.ColumnText(16)
	return row
}
