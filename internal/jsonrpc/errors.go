package jsonrpc

// ErrorCode is a protocol error code carried in an error response.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the message is not a valid request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal server error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeNotInitialized indicates a request arrived before the session
	// completed the initialize handshake.
	ErrorCodeNotInitialized ErrorCode = -32002
	// ErrorCodeRateLimited indicates the request was rejected by admission
	// control (rate limit or open circuit breaker). Clients should back off.
	ErrorCodeRateLimited ErrorCode = -32005
)
