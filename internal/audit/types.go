// Package audit implements the append-only audit sink from spec §4.6:
// every policy decision is logged, queryable by filter, summarized by
// stats, and exportable to json/csv/cef.
package audit

import (
	"encoding/json"
	"time"
)

// Decision is the outcome recorded for one tool call.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Entry is one audit record. ID and Timestamp are assigned by Sink.Log;
// callers supply everything else.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	RiskLevel string          `json:"risk_level"`
	Decision  Decision        `json:"decision"`
	SessionID string          `json:"session_id,omitempty"`
	Duration  *time.Duration  `json:"duration,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Filter selects a subset of entries for Query. Zero-valued fields are
// not applied.
type Filter struct {
	Since, Until time.Time
	Server       string
	Tool         string
	RiskLevel    string
	Decision     Decision
	Limit        int
}

// Stats summarizes entries up to now, optionally since a time bound.
type Stats struct {
	Total       int            `json:"total"`
	Allowed     int            `json:"allowed"`
	Denied      int            `json:"denied"`
	ByRiskLevel map[string]int `json:"by_risk_level"`
	ByServer    map[string]int `json:"by_server"`
	TopTools    []ToolCount    `json:"top_tools"`
}

// ToolCount is one entry in Stats.TopTools.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// Format is an export serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatCEF  Format = "cef"
)
