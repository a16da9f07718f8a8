// Package rpc is a JSON-RPC 2.0 server over newline-delimited byte streams.
// One line carries one request or one batch; one line goes back per answered
// request or batch. Requests without an id member are notifications and get
// no response; an explicit "id": null is a request like any other.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Standard and server-defined error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotInitialized = -32001
	CodeAnswerTimeout  = -32002
)

// Symbolic names carried in error.data.code for the server-defined codes.
const (
	SymNotInitialized = "ORCHESTRATOR_NOT_INITIALIZED"
	SymAnswerTimeout  = "ANSWER_TIMEOUT"
)

// Error is a JSON-RPC error object. Handlers return it to choose the code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// InvalidParams returns a -32602 error with a formatted message.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params: " + fmt.Sprintf(format, args...)}
}

// request is a validated request envelope.
type request struct {
	id     json.RawMessage // nil when absent
	hasID  bool
	method string
	params json.RawMessage
}

// response is written for every request that has an id and for every
// invalid request. Exactly one of Result and Error is set.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, e *Error) *response {
	if id == nil {
		id = nullID
	}
	return &response{JSONRPC: Version, ID: id, Error: e}
}

func resultResponse(id json.RawMessage, result any) (*response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if id == nil {
		id = nullID
	}
	return &response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// usableID reports whether raw is a valid id value: a string, a number or
// null.
func usableID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	default:
		return bytes.Equal(raw, nullID)
	}
}

// parseRequest validates one candidate. A non-nil error response means the
// candidate is invalid; it is always written, with the candidate's id when
// that id is usable.
func parseRequest(raw json.RawMessage) (*request, *response) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errorResponse(nil, invalidRequest("request must be an object"))
	}

	var id json.RawMessage
	idRaw, hasID := fields["id"]
	if hasID {
		if !usableID(idRaw) {
			return nil, errorResponse(nil, invalidRequest("id must be a string, number or null"))
		}
		id = bytes.TrimSpace(idRaw)
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != Version {
		return nil, errorResponse(id, invalidRequest(`"jsonrpc" must be "2.0"`))
	}

	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
		return nil, errorResponse(id, invalidRequest("method must be a non-empty string"))
	}

	params := fields["params"]
	if p := bytes.TrimSpace(params); len(p) > 0 && p[0] != '{' && p[0] != '[' && !bytes.Equal(p, nullID) {
		return nil, errorResponse(id, invalidRequest("params must be an object or array"))
	}

	return &request{id: id, hasID: hasID, method: method, params: params}, nil
}

func invalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request: " + detail}
}
