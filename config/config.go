// Package config collects the server's environment-driven configuration
// surface: auth, sessions, admission control, and fallback. Values decode
// from the environment with envdecode struct tags; Validate catches boot
// mistakes before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/agentic-flow/toolrpc-go/authn"
)

// Auth configures the auth manager.
type Auth struct {
	Enabled bool   `env:"AUTH_ENABLED,default=false"`
	Method  string `env:"AUTH_METHOD,default=token"`
	// Tokens is the static allow-list for the token method.
	Tokens []string `env:"AUTH_TOKENS"`
	// Users holds "name:passwordHash:perm1;perm2" entries for basic auth.
	Users          []string      `env:"AUTH_USERS"`
	SessionTimeout time.Duration `env:"AUTH_SESSION_TIMEOUT,default=1h"`
	// Secret signs issued tokens; generated at boot when absent.
	Secret string `env:"AUTH_SECRET"`
}

// ParseUsers expands the "name:passwordHash:perm1;perm2" user entries.
func (a Auth) ParseUsers() ([]authn.UserConfig, error) {
	users := make([]authn.UserConfig, 0, len(a.Users))
	for _, entry := range a.Users {
		name, rest, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed user entry %q, want name:passwordHash:perms", entry)
		}
		hash, permsStr, _ := strings.Cut(rest, ":")
		if hash == "" {
			return nil, fmt.Errorf("user entry %q is missing a password hash", entry)
		}
		var perms []string
		for _, p := range strings.Split(permsStr, ";") {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, p)
			}
		}
		users = append(users, authn.UserConfig{
			Username:     name,
			PasswordHash: hash,
			Permissions:  perms,
		})
	}
	return users, nil
}

// Sessions configures session lifetime housekeeping.
type Sessions struct {
	// Store selects the backing store: "memory" or "redis".
	Store         string        `env:"SESSIONS_STORE,default=memory"`
	IdleTimeout   time.Duration `env:"SESSIONS_IDLE_TIMEOUT,default=30m"`
	SweepInterval time.Duration `env:"SESSIONS_SWEEP_INTERVAL,default=1m"`
}

// Admission configures rate limiting and the circuit breaker.
type Admission struct {
	Enabled           bool          `env:"ADMISSION_ENABLED,default=false"`
	RequestsPerSecond float64       `env:"ADMISSION_RPS,default=50"`
	Burst             int           `env:"ADMISSION_BURST,default=100"`
	FailureThreshold  float64       `env:"ADMISSION_FAILURE_THRESHOLD,default=0.5"`
	MinSamples        int           `env:"ADMISSION_MIN_SAMPLES,default=10"`
	Window            time.Duration `env:"ADMISSION_WINDOW,default=30s"`
	Cooldown          time.Duration `env:"ADMISSION_COOLDOWN,default=15s"`
}

// Fallback configures the degrade/restore coordinator.
type Fallback struct {
	Enabled              bool          `env:"FALLBACK_ENABLED,default=false"`
	MaxQueueSize         int           `env:"FALLBACK_MAX_QUEUE_SIZE,default=100"`
	QueueTimeout         time.Duration `env:"FALLBACK_QUEUE_TIMEOUT,default=5m"`
	NotificationInterval time.Duration `env:"FALLBACK_NOTIFICATION_INTERVAL,default=30s"`
	ProbeInterval        time.Duration `env:"FALLBACK_PROBE_INTERVAL,default=10s"`
	ProbeTimeout         time.Duration `env:"FALLBACK_PROBE_TIMEOUT,default=3s"`
	ExecTimeout          time.Duration `env:"FALLBACK_EXEC_TIMEOUT,default=30s"`
	// CommandMapPath points at the JSON method→command mapping for the
	// secondary execution path. Hot-reloaded while running.
	CommandMapPath string `env:"FALLBACK_COMMAND_MAP"`
	// ProbeCommand is a space-separated argv for the liveness probe.
	ProbeCommand []string `env:"FALLBACK_PROBE_COMMAND,separator= "`
}

// Config is the full boot configuration.
type Config struct {
	ServerName    string `env:"SERVER_NAME,default=toolrpc"`
	ServerVersion string `env:"SERVER_VERSION,default=dev"`
	// WorkingDir is handed to tool handlers through the execution context.
	WorkingDir string `env:"SERVER_WORKING_DIR"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	Auth      Auth
	Sessions  Sessions
	Admission Admission
	Fallback  Fallback
}

// FromEnv decodes the configuration from the environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Auth.Method {
	case "token", "basic", "oauth":
	default:
		return fmt.Errorf("unknown auth method %q", c.Auth.Method)
	}
	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("auth session timeout must be positive, got %s", c.Auth.SessionTimeout)
	}
	switch c.Sessions.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session store %q", c.Sessions.Store)
	}
	if c.Admission.Enabled {
		if c.Admission.RequestsPerSecond <= 0 {
			return fmt.Errorf("admission rate must be positive, got %g", c.Admission.RequestsPerSecond)
		}
		if c.Admission.FailureThreshold <= 0 || c.Admission.FailureThreshold > 1 {
			return fmt.Errorf("admission failure threshold must be in (0, 1], got %g", c.Admission.FailureThreshold)
		}
	}
	if c.Fallback.Enabled && c.Fallback.MaxQueueSize <= 0 {
		return fmt.Errorf("fallback queue size must be positive, got %d", c.Fallback.MaxQueueSize)
	}
	return nil
}
