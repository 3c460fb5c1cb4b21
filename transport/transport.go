// Package transport defines the contract every wire binding must satisfy so
// the rest of the server stays transport-agnostic. The stdio and httprpc
// packages are peer implementations of this contract.
package transport

import (
	"context"

	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
)

// RequestHandler processes a request and returns the response to send back.
// It must never return nil for a request carrying an id.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response

// NotificationHandler processes a one-way message. Failures are the
// handler's to log; the transport never surfaces them to the peer.
type NotificationHandler func(ctx context.Context, req *jsonrpc.Request)

// HealthStatus is a point-in-time snapshot of a transport's liveness.
type HealthStatus struct {
	MessagesReceived  uint64 `json:"messagesReceived"`
	NotificationsSent uint64 `json:"notificationsSent"`
	StreamOpen        bool   `json:"streamOpen"`
}

// Transport frames and parses wire messages over some duplex channel.
//
// Implementations must classify incoming messages by the presence of an id
// (no id means notification, never answered), must convert unparseable input
// into a parse-error response rather than failing the stream, and must be
// safe for concurrent SendNotification calls.
type Transport interface {
	// Kind identifies the binding ("stdio", "http") and becomes the
	// transportKind recorded on sessions it produces.
	Kind() string

	// Start begins reading messages. It returns once the receive loop is
	// running; the loop itself stops when ctx is canceled or the underlying
	// stream closes.
	Start(ctx context.Context) error

	// Stop flushes pending writes and tears the transport down. Safe to call
	// more than once.
	Stop(ctx context.Context) error

	// OnRequest registers the handler invoked for each request. Must be
	// called before Start.
	OnRequest(h RequestHandler)

	// OnNotification registers the handler invoked for each inbound
	// notification. Must be called before Start.
	OnNotification(h NotificationHandler)

	// SendNotification emits a server-initiated one-way message to the peer.
	SendNotification(ctx context.Context, method string, params any) error

	// HealthStatus reports receive/send counters and stream state.
	HealthStatus() HealthStatus
}
