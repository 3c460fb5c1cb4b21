package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported wire protocol version.
const ProtocolVersion = "2.0"

// SentinelID is the request id attached to a parse-error response when no id
// could be recovered from the malformed input.
const SentinelID = "unknown"

// Request represents a protocol request (with an ID) or notification (without ID).
type Request struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	ID              *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore must
// never receive a reply.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a protocol response.
type Response struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	ID              *RequestID      `json:"id,omitempty"`
}

// Notification is a server-initiated one-way message.
type Notification struct {
	ProtocolVersion string `json:"protocolVersion"`
	Method          string `json:"method"`
	Params          any    `json:"params,omitempty"`
}

// NewNotification builds a server-initiated notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		ProtocolVersion: ProtocolVersion,
		Method:          method,
		Params:          params,
	}
}

// NewResultResponse builds a successful response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		ProtocolVersion: ProtocolVersion,
		Result:          resultBytes,
		ID:              id,
	}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		ProtocolVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a protocol error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ParseRequest decodes a single wire message into a Request, enforcing
// envelope semantics. It returns an error for invalid JSON, a missing method,
// or a version mismatch.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("invalid protocol version: expected %q, got %q", ProtocolVersion, req.ProtocolVersion)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request message missing method")
	}
	return &req, nil
}

// ExtractID makes a best-effort attempt to recover the id from a malformed
// message so a parse-error response can still be correlated. Malformed input
// is usually truncated rather than garbage, so it walks whatever tokens the
// decoder can still produce instead of unmarshalling the whole message. It
// returns the sentinel id when nothing can be recovered.
func ExtractID(data []byte) *RequestID {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return NewRequestID(SentinelID)
	}

	for {
		keyTok, err := dec.Token()
		if err != nil {
			return NewRequestID(SentinelID)
		}
		key, ok := keyTok.(string)
		if !ok {
			// Closing brace: the object ended without an id.
			return NewRequestID(SentinelID)
		}

		valTok, err := dec.Token()
		if err != nil {
			return NewRequestID(SentinelID)
		}
		if key == "id" {
			switch v := valTok.(type) {
			case string:
				return NewRequestID(v)
			case json.Number:
				if n, err := v.Int64(); err == nil {
					return NewRequestID(n)
				}
				if f, err := v.Float64(); err == nil {
					return NewRequestID(f)
				}
			}
			return NewRequestID(SentinelID)
		}

		// Some other key: skip its value, including nested structures.
		if d, ok := valTok.(json.Delim); ok && (d == '{' || d == '[') {
			depth := 1
			for depth > 0 {
				t, err := dec.Token()
				if err != nil {
					return NewRequestID(SentinelID)
				}
				if d, ok := t.(json.Delim); ok {
					switch d {
					case '{', '[':
						depth++
					case '}', ']':
						depth--
					}
				}
			}
		}
	}
}
