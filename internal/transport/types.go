package transport

import "encoding/json"

// Request is a JSON-RPC 2.0 request or notification (ID is nil for the
// latter). Params is left raw so callers can decode into a method-specific
// shape without a double round-trip.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsNotification reports whether a decoded Request carries no id.
func (r Request) IsNotification() bool {
	return r.ID == nil
}

// ParseMethod extracts the method and whether the frame carries a request
// id from a raw JSON-RPC frame, without fully decoding params. Returns
// ok=false if the frame is not a request/notification (e.g. it is a
// response).
func ParseMethod(raw json.RawMessage) (method string, isRequest bool) {
	var probe struct {
		Method string      `json:"method"`
		ID     interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.Method == "" {
		return "", false
	}
	return probe.Method, true
}

// ToolCallParams is the params block of a "tools/call" request, the only
// method the security engine interposes on directly; every other method
// is relayed unmodified.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
