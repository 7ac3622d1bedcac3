package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// AuditEntryRow is the persisted shape of one audit.Entry, one-for-one
// with the audit_entries table.
type AuditEntryRow struct {
	ID          string
	Timestamp   int64 // ms
	Server      string
	Tool        string
	Args        string // JSON, may be empty
	RiskLevel   string
	Decision    string
	SessionID   string
	DurationMs  int64
	HasDuration bool
	Error       string
}

// InsertAuditEntry persists one audit entry. Called inline at log() time;
// per spec §7, storage errors here are non-fatal to the request flow —
// callers log and continue rather than propagating.
func (s *Store) InsertAuditEntry(ctx context.Context, row AuditEntryRow) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	var duration any
	if row.HasDuration {
		duration = row.DurationMs
	}

	err = sqlitex.Execute(conn, `INSERT INTO audit_entries
		(id, timestamp, server, tool, args, risk_level, decision, session_id, duration, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			row.ID, row.Timestamp, nullableString(row.Server), row.Tool, nullableString(row.Args),
			row.RiskLevel, row.Decision, nullableString(row.SessionID), duration, nullableString(row.Error),
		},
	})
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

// AuditEntryFilter mirrors audit.Filter for the store's query path.
type AuditEntryFilter struct {
	Since, Until int64 // ms, 0 = unbounded
	Server       string
	Tool         string
	RiskLevel    string
	Decision     string
	Limit        int
}

// QueryAuditEntries returns rows matching filter, newest first.
func (s *Store) QueryAuditEntries(ctx context.Context, filter AuditEntryFilter) ([]AuditEntryRow, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var conditions []string
	var args []any
	if filter.Since > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if filter.Until > 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.Until)
	}
	if filter.Server != "" {
		conditions = append(conditions, "server = ?")
		args = append(args, filter.Server)
	}
	if filter.Tool != "" {
		conditions = append(conditions, "tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.RiskLevel != "" {
		conditions = append(conditions, "risk_level = ?")
		args = append(args, filter.RiskLevel)
	}
	if filter.Decision != "" {
		conditions = append(conditions, "decision = ?")
		args = append(args, filter.Decision)
	}

	query := `SELECT id, timestamp, server, tool, args, risk_level, decision, session_id, duration, error
		FROM audit_entries`
	if len(conditions) > 0 {
		query += " WHERE " + joinAnd(conditions)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []AuditEntryRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, scanAuditEntry(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query audit entries: %w", err)
	}
	return rows, nil
}

func scanAuditEntry(stmt *sqlite.Stmt) AuditEntryRow {
	row := AuditEntryRow{
		ID:        stmt.ColumnText(0),
		Timestamp: stmt.ColumnInt64(1),
		Server:    stmt.ColumnText(2),
		Tool:      stmt.ColumnText(3),
		Args:      stmt.ColumnText(4),
		RiskLevel: stmt.ColumnText(5),
		Decision:  stmt.ColumnText(6),
		SessionID: stmt.ColumnText(7),
		Error:     stmt.ColumnText(9),
	}
	if !stmt.ColumnIsNull(8) {
		row.DurationMs = stmt.ColumnInt64(8)
		row.HasDuration = true
	}
	return row
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinAnd(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += " AND " + c
	}
	return out
}
