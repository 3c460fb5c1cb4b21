package authn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Authentication methods selectable via configuration.
const (
	MethodToken = "token"
	MethodBasic = "basic"
	MethodOAuth = "oauth"
)

// AnonymousUser is the principal assigned when authentication is disabled.
const AnonymousUser = "anonymous"

// Wildcard grants every permission.
const Wildcard = "*"

const defaultSessionTimeout = time.Hour

var (
	// ErrAuthFailed is the generic failure surfaced to callers. The precise
	// cause goes to the log only, so clients cannot probe which factor failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMethodUnsupported indicates the configured auth method has no
	// implementation. OAuth is defined but unsupported; it never silently
	// succeeds.
	ErrMethodUnsupported = errors.New("authentication method not supported")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenUnknown = errors.New("token unknown")
)

// UserConfig is one configured basic-auth principal. PasswordHash is the
// hex-encoded sha256 of the password (see HashPassword).
type UserConfig struct {
	Username     string
	PasswordHash string
	Permissions  []string
}

// Config controls the manager's behavior.
type Config struct {
	Enabled bool
	Method  string

	// Tokens is the static allow-list consulted when a presented token is
	// not found in the issued-token store. Allow-list tokens authenticate as
	// operator credentials with wildcard permission.
	Tokens []string

	Users []UserConfig

	// SessionTimeout bounds both issued-token lifetime and session idleness.
	SessionTimeout time.Duration

	// Secret signs minted token values. Generated at construction when empty.
	Secret []byte

	// SweepInterval is the cadence of the expired-token sweep.
	SweepInterval time.Duration
}

// Credentials carries whatever the client presented. Fields are interpreted
// according to the configured method.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Result is the outcome of an authentication attempt.
type Result struct {
	Success     bool     `json:"success"`
	User        string   `json:"user,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Token       string   `json:"token,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// AuthData is the principal attached to an authenticated session.
type AuthData struct {
	User        string   `json:"user"`
	Permissions []string `json:"permissions"`
}

// Manager owns the token store and the revocation set. All methods are safe
// for concurrent use.
type Manager struct {
	cfg Config
	log *slog.Logger

	secret []byte

	mu      sync.RWMutex
	tokens  map[string]*Token
	revoked map[string]time.Time

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

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

// NewManager constructs a Manager from config, generating a signing secret
// when none is supplied.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if cfg.Enabled {
		switch cfg.Method {
		case MethodToken, MethodBasic, MethodOAuth:
		default:
			return nil, fmt.Errorf("unknown auth method %q", cfg.Method)
		}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
	}

	m := &Manager{
		cfg:     cfg,
		log:     slog.Default(),
		secret:  secret,
		tokens:  make(map[string]*Token),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SessionTimeout exposes the configured timeout for session idle sweeps.
func (m *Manager) SessionTimeout() time.Duration { return m.cfg.SessionTimeout }

// Enabled reports whether authentication is enforced.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Authenticate validates the presented credentials per the configured method.
// When authentication is disabled every caller succeeds as the anonymous
// principal with wildcard permission.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) Result {
	if !m.cfg.Enabled {
		return Result{Success: true, User: AnonymousUser, Permissions: []string{Wildcard}}
	}

	switch m.cfg.Method {
	case MethodToken:
		return m.authenticateToken(creds.Token)
	case MethodBasic:
		return m.authenticateBasic(creds.Username, creds.Password)
	case MethodOAuth:
		m.log.Warn("oauth authentication requested but not supported")
		return Result{Success: false, Error: ErrMethodUnsupported.Error()}
	default:
		return Result{Success: false, Error: ErrAuthFailed.Error()}
	}
}

func (m *Manager) authenticateToken(value string) Result {
	if value == "" {
		return Result{Success: false, Error: ErrAuthFailed.Error()}
	}

	if tok, err := m.ValidateToken(value); err == nil {
		return Result{Success: true, User: tok.User, Permissions: tok.Permissions, Token: tok.Value}
	}

	// Fall back to the static allow-list. Every entry is compared so the
	// work done does not depend on where (or whether) a match occurs.
	matched := false
	for _, allowed := range m.cfg.Tokens {
		if timingSafeEqual(value, allowed) {
			matched = true
		}
	}
	if !matched {
		m.log.Warn("token authentication failed")
		return Result{Success: false, Error: ErrAuthFailed.Error()}
	}

	return Result{Success: true, User: "operator", Permissions: []string{Wildcard}, Token: value}
}

func (m *Manager) authenticateBasic(username, password string) Result {
	var found *UserConfig
	for i := range m.cfg.Users {
		if m.cfg.Users[i].Username == username {
			found = &m.cfg.Users[i]
			break
		}
	}

	// Compare against a dummy digest when the user is unknown so lookup
	// misses are not distinguishable by timing.
	hash := HashPassword(password)
	expected := strings.Repeat("0", len(hash))
	if found != nil {
		expected = found.PasswordHash
	}
	if !timingSafeEqual(hash, expected) || found == nil {
		m.log.Warn("basic authentication failed", slog.String("username", username))
		return Result{Success: false, Error: ErrAuthFailed.Error()}
	}

	tok, err := m.GenerateToken(found.Username, found.Permissions)
	if err != nil {
		m.log.Error("failed to mint session token", slog.String("err", err.Error()))
		return Result{Success: false, Error: ErrAuthFailed.Error()}
	}

	return Result{Success: true, User: tok.User, Permissions: tok.Permissions, Token: tok.Value}
}

// Authorize evaluates a permission against a session's principal. A nil
// AuthData means the session never authenticated.
func (m *Manager) Authorize(auth *AuthData, permission string) bool {
	if !m.cfg.Enabled {
		return true
	}
	if auth == nil {
		return false
	}
	return PermissionCovers(auth.Permissions, permission)
}

// PermissionCovers reports whether a permission set grants the permission:
// by wildcard, by exact match, or by a prefix entry "p*" where the permission
// starts with "p".
func PermissionCovers(perms []string, permission string) bool {
	for _, p := range perms {
		if p == Wildcard || p == permission {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, Wildcard); ok && strings.HasPrefix(permission, prefix) {
			return true
		}
	}
	return false
}

// GenerateToken mints and stores a token for the given principal with expiry
// now + sessionTimeout.
func (m *Manager) GenerateToken(user string, permissions []string) (*Token, error) {
	createdAt := m.now()
	expiresAt := createdAt.Add(m.cfg.SessionTimeout)

	value, err := m.mintValue(user, permissions, createdAt, expiresAt)
	if err != nil {
		return nil, err
	}

	tok := &Token{
		Value:       value,
		User:        user,
		Permissions: permissions,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}

	m.mu.Lock()
	m.tokens[value] = tok
	m.mu.Unlock()

	return tok, nil
}

// ValidateToken checks a presented token value. Revoked values fail
// permanently; expired values fail and are evicted from the store. The
// outcome is idempotent: re-validating an evicted expired token still
// reports expiry, never resurrection.
func (m *Manager) ValidateToken(value string) (*Token, error) {
	m.mu.RLock()
	_, revoked := m.revoked[value]
	tok, live := m.tokens[value]
	m.mu.RUnlock()

	if revoked {
		return nil, ErrTokenRevoked
	}

	now := m.now()
	if live {
		if tok.Expired(now) {
			m.mu.Lock()
			delete(m.tokens, value)
			m.mu.Unlock()
			return nil, ErrTokenExpired
		}
		return tok, nil
	}

	// Not in the store: a verifiable signature with an elapsed exp means a
	// previously swept token, which must keep reporting expiry.
	claims, err := m.parseValue(value)
	if err != nil {
		return nil, ErrTokenUnknown
	}
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return nil, ErrTokenUnknown
}

// RevokeToken permanently invalidates a token value. The value joins the
// negative cache and leaves the store, so an invariant holds: no value is
// ever simultaneously live and revoked.
func (m *Manager) RevokeToken(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[value] = m.now()
	delete(m.tokens, value)
}

// SweepExpired removes tokens whose expiry has passed and returns how many
// were evicted.
func (m *Manager) SweepExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for value, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.tokens, value)
			evicted++
		}
	}
	return evicted
}

// Run drives the periodic expired-token sweep until ctx is canceled. A
// failed tick is logged and never stops the loop.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("token sweep panicked", slog.Any("panic", r))
					}
				}()
				if n := m.SweepExpired(); n > 0 {
					m.log.Debug("swept expired tokens", slog.Int("count", n))
				}
			}()
		}
	}
}

// TokenCount reports how many tokens are currently live. Used by health
// reporting and tests.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

func (m *Manager) newID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
