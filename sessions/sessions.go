// Package sessions owns session lifecycle and activity tracking. A session
// moves created → initialized → active, with every routed request refreshing
// its activity timestamp, and is destroyed by explicit termination, transport
// close, or the idle-timeout sweep.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/agentic-flow/toolrpc-go/authn"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateTerminated  State = "terminated"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotInitialized is returned when a method other than initialize is
	// routed before the initialize handshake completed.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized guards against a repeated initialize handshake.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// ClientInfo is the client metadata supplied during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session is the server-side state for one logical client connection.
type Session struct {
	ID              string          `json:"id"`
	TransportKind   string          `json:"transportKind"`
	State           State           `json:"state"`
	Authenticated   bool            `json:"authenticated"`
	Auth            *authn.AuthData `json:"authData,omitempty"`
	Initialized     bool            `json:"initialized"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastActivityAt  time.Time       `json:"lastActivityAt"`
}

// Permissions returns the session's permission set, nil when unauthenticated.
func (s *Session) Permissions() []string {
	if s.Auth == nil {
		return nil
	}
	return s.Auth.Permissions
}

// User returns the authenticated principal's name, empty when unauthenticated.
func (s *Session) User() string {
	if s.Auth == nil {
		return ""
	}
	return s.Auth.User
}

// Store persists sessions. Implementations must be safe for concurrent use;
// the manager serializes read-modify-write cycles above this interface.
type Store interface {
	Put(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}
