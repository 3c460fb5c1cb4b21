package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/google/uuid"
)

const defaultIdleTimeout = time.Hour

// Manager drives the session state machine over a Store. It serializes
// read-modify-write cycles so concurrent request handling and the idle sweep
// cannot interleave partial updates.
type Manager struct {
	store Store
	log   *slog.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides how long a session may stay inactive before the
// sweep terminates it.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithSweepInterval overrides the idle sweep cadence.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		log:           slog.Default(),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session in state created.
func (m *Manager) Create(ctx context.Context, transportKind string) (*Session, error) {
	now := m.now()
	sess := &Session{
		ID:             uuid.NewString(),
		TransportKind:  transportKind,
		State:          StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	m.log.Debug("session created",
		slog.String("session_id", sess.ID),
		slog.String("transport", transportKind))
	return sess, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Initialize completes the handshake, recording client metadata and moving
// the session to initialized. Only then may other methods be routed to it.
func (m *Manager) Initialize(ctx context.Context, id string, info ClientInfo, protocolVersion string) (*Session, error) {
	return m.update(ctx, id, func(sess *Session) error {
		if sess.Initialized {
			return ErrAlreadyInitialized
		}
		sess.Initialized = true
		sess.State = StateInitialized
		sess.ClientInfo = info
		sess.ProtocolVersion = protocolVersion
		return nil
	})
}

// Touch records request activity, moving an initialized session to active.
func (m *Manager) Touch(ctx context.Context, id string) (*Session, error) {
	return m.update(ctx, id, func(sess *Session) error {
		sess.LastActivityAt = m.now()
		if sess.State == StateInitialized {
			sess.State = StateActive
		}
		return nil
	})
}

// Attach records a successful authentication on the session.
func (m *Manager) Attach(ctx context.Context, id string, auth *authn.AuthData) (*Session, error) {
	return m.update(ctx, id, func(sess *Session) error {
		sess.Authenticated = true
		sess.Auth = auth
		return nil
	})
}

// Detach clears the session's principal after a logout.
func (m *Manager) Detach(ctx context.Context, id string) (*Session, error) {
	return m.update(ctx, id, func(sess *Session) error {
		sess.Authenticated = false
		sess.Auth = nil
		return nil
	})
}

// Terminate removes a session. Removing an unknown id is not an error so
// transport-close and explicit termination can race benignly.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Debug("session terminated", slog.String("session_id", id))
	return nil
}

// SweepIdle terminates sessions idle past the configured timeout, returning
// the ids it removed.
func (m *Manager) SweepIdle(ctx context.Context) ([]string, error) {
	cutoff := m.now().Add(-m.idleTimeout)

	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, sess := range all {
		if sess.LastActivityAt.Before(cutoff) {
			if err := m.Terminate(ctx, sess.ID); err != nil {
				m.log.Warn("failed to terminate idle session",
					slog.String("session_id", sess.ID),
					slog.String("err", err.Error()))
				continue
			}
			removed = append(removed, sess.ID)
		}
	}
	return removed, nil
}

// Count reports how many sessions are live.
func (m *Manager) Count(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// Run drives the idle sweep until ctx is canceled. Each tick isolates its
// own failures.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := m.SweepIdle(ctx)
			if err != nil {
				m.log.Error("idle sweep failed", slog.String("err", err.Error()))
				continue
			}
			if len(removed) > 0 {
				m.log.Info("swept idle sessions", slog.Int("count", len(removed)))
			}
		}
	}
}

func (m *Manager) update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(sess); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return sess, nil
}
