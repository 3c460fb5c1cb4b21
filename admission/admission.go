// Package admission decides whether a request may be dispatched, combining a
// per-session token-bucket rate limit with a server-wide circuit breaker.
// Rejected requests never reach the router; they are counted and surfaced
// with a distinct error code so clients can apply backoff.
package admission

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited indicates the session exceeded its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrCircuitOpen indicates the breaker is rejecting all requests.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// BreakerState is the circuit breaker's position in its state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Config controls admission behavior. Thresholds, window, and cooldown are
// deployment tuning, not protocol contract.
type Config struct {
	Enabled bool

	// RequestsPerSecond and Burst configure each session's token bucket.
	RequestsPerSecond float64
	Burst             int

	// FailureThreshold is the failure rate (0..1) within the window that
	// trips the breaker, once MinSamples outcomes have been observed.
	FailureThreshold float64
	MinSamples       int
	Window           time.Duration
	// Cooldown is how long the breaker stays open before admitting a
	// half-open trial request.
	Cooldown time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 50
	}
	if out.Burst <= 0 {
		out.Burst = 100
	}
	if out.FailureThreshold <= 0 || out.FailureThreshold > 1 {
		out.FailureThreshold = 0.5
	}
	if out.MinSamples <= 0 {
		out.MinSamples = 10
	}
	if out.Window <= 0 {
		out.Window = 30 * time.Second
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 15 * time.Second
	}
	return out
}

// Metrics is a point-in-time snapshot of admission counters.
type Metrics struct {
	TotalAdmitted         uint64       `json:"totalAdmitted"`
	RateLimitedRequests   uint64       `json:"rateLimitedRequests"`
	CircuitBreakerTrips   uint64       `json:"circuitBreakerTrips"`
	AverageResponseTimeMs float64      `json:"averageResponseTime"`
	RequestsPerSecond     float64      `json:"requestsPerSecond"`
	BreakerState          BreakerState `json:"breakerState"`
}

// Controller implements admission control. All methods are safe for
// concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// breaker state, guarded by mu
	state         BreakerState
	windowStart   time.Time
	windowSuccess int
	windowFailure int
	openedAt      time.Time
	trialInFlight bool

	// metrics, guarded by mu
	admitted       uint64
	rateLimited    uint64
	trips          uint64
	completed      uint64
	totalLatencyMs float64
	rpsWindowStart time.Time
	rpsCount       uint64

	now func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		limiters: make(map[string]*rate.Limiter),
		state:    BreakerClosed,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.windowStart = c.now()
	c.rpsWindowStart = c.windowStart
	return c
}

// ShouldAllowRequest is consulted before a request is routed. It returns nil
// to admit, ErrRateLimited or ErrCircuitOpen to reject.
func (c *Controller) ShouldAllowRequest(sessionID string) error {
	if !c.cfg.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	trial, err := c.breakerAdmitLocked()
	if err != nil {
		c.rateLimited++
		return err
	}

	lim, ok := c.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
		c.limiters[sessionID] = lim
	}
	if !lim.AllowN(c.now(), 1) {
		c.rateLimited++
		return ErrRateLimited
	}

	// The trial slot is claimed only once the request is actually admitted;
	// a rate-limited request must leave the slot free for the next caller.
	if trial {
		c.trialInFlight = true
	}
	c.admitted++
	return nil
}

func (c *Controller) breakerAdmitLocked() (trial bool, err error) {
	switch c.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		if c.now().Sub(c.openedAt) < c.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		// Cooldown elapsed: admit exactly one trial request.
		c.state = BreakerHalfOpen
		c.trialInFlight = false
		fallthrough
	case BreakerHalfOpen:
		if c.trialInFlight {
			return false, ErrCircuitOpen
		}
		return true, nil
	default:
		return false, nil
	}
}

// RecordRequestStart marks the start of an admitted request and returns the
// timestamp RecordRequestEnd expects back.
func (c *Controller) RecordRequestStart() time.Time {
	return c.now()
}

// RecordRequestEnd closes the bracket around an admitted request, feeding
// latency and throughput metrics and the breaker's failure window.
func (c *Controller) RecordRequestEnd(start time.Time, success bool) {
	end := c.now()
	latency := float64(end.Sub(start).Microseconds()) / 1000.0

	c.mu.Lock()
	defer c.mu.Unlock()

	c.completed++
	c.totalLatencyMs += latency
	c.rpsCount++

	c.observeOutcomeLocked(success, end)
}

func (c *Controller) observeOutcomeLocked(success bool, at time.Time) {
	switch c.state {
	case BreakerHalfOpen:
		c.trialInFlight = false
		if success {
			c.log.Info("circuit breaker closed after successful trial")
			c.state = BreakerClosed
			c.resetWindowLocked(at)
		} else {
			c.log.Warn("circuit breaker reopened after failed trial")
			c.state = BreakerOpen
			c.openedAt = at
			c.trips++
		}
		return
	case BreakerOpen:
		return
	}

	// Closed: count the outcome within the rolling window.
	if at.Sub(c.windowStart) > c.cfg.Window {
		c.resetWindowLocked(at)
	}
	if success {
		c.windowSuccess++
	} else {
		c.windowFailure++
	}

	samples := c.windowSuccess + c.windowFailure
	if samples >= c.cfg.MinSamples {
		failureRate := float64(c.windowFailure) / float64(samples)
		if failureRate >= c.cfg.FailureThreshold {
			c.log.Warn("circuit breaker tripped",
				slog.Float64("failure_rate", failureRate),
				slog.Int("samples", samples))
			c.state = BreakerOpen
			c.openedAt = at
			c.trips++
		}
	}
}

func (c *Controller) resetWindowLocked(at time.Time) {
	c.windowStart = at
	c.windowSuccess = 0
	c.windowFailure = 0
}

// RemoveSession drops a terminated session's limiter.
func (c *Controller) RemoveSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, sessionID)
}

// Snapshot returns current admission metrics. Throughput is computed over
// the elapsed portion of the current window.
func (c *Controller) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		TotalAdmitted:       c.admitted,
		RateLimitedRequests: c.rateLimited,
		CircuitBreakerTrips: c.trips,
		BreakerState:        c.state,
	}
	if c.completed > 0 {
		m.AverageResponseTimeMs = c.totalLatencyMs / float64(c.completed)
	}
	if elapsed := c.now().Sub(c.rpsWindowStart).Seconds(); elapsed > 0 {
		m.RequestsPerSecond = float64(c.rpsCount) / elapsed
	}
	return m
}

// State reports the breaker's current state.
func (c *Controller) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
