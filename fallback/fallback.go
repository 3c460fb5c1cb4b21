// Package fallback keeps the server accepting operations when the primary
// execution path is unavailable. Affected operations are held in a bounded
// FIFO queue and replayed (or redirected to a secondary CLI-based execution
// path) until the primary recovers.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders fallback operations. High and critical operations bypass
// queuing and execute immediately through the secondary path while fallback
// is active.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) immediate() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Operation is one deferred invocation.
type Operation struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  Priority        `json:"priority"`
	Retryable bool            `json:"retryable"`
}

// ErrNoCommandMapping indicates a method has no secondary-path equivalent;
// such operations fail non-retryably in fallback mode.
var ErrNoCommandMapping = errors.New("no fallback command mapping for method")

// EventKind classifies coordinator lifecycle events.
type EventKind string

const (
	EventFallbackEnabled  EventKind = "fallback-enabled"
	EventFallbackDisabled EventKind = "fallback-disabled"
)

// Event is a coordinator lifecycle notification.
type Event struct {
	Kind       EventKind
	At         time.Time
	QueueDepth int
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Active     bool `json:"active"`
	QueueDepth int  `json:"queueDepth"`
	// Executed counts operations completed through the secondary path.
	Executed uint64 `json:"executed"`
	// Failed counts evictions, expiries, unmapped methods, and execution
	// failures of non-retryable operations.
	Failed  uint64 `json:"failed"`
	Evicted uint64 `json:"evicted"`
	Expired uint64 `json:"expired"`
}

// Executor runs one secondary-path command invocation.
type Executor func(ctx context.Context, argv []string) error

// ProbeFunc checks the primary path's liveness. It must honor ctx.
type ProbeFunc func(ctx context.Context) error

// NotifyFunc delivers a status notification to connected clients.
type NotifyFunc func(ctx context.Context, method string, params any) error

// Config controls queue bounds and timer cadence.
type Config struct {
	// Enabled gates the whole coordinator; when false it only ever queues.
	Enabled bool

	MaxQueueSize int
	// QueueTimeout is the maximum age an operation may reach before a drain
	// skips it as expired.
	QueueTimeout time.Duration
	// NotificationInterval is the cadence of backlog status notifications
	// while fallback is active and the queue non-empty.
	NotificationInterval time.Duration

	// ProbeCommand is the argv used by the default liveness probe.
	ProbeCommand []string
	ProbeInterval time.Duration
	// ProbeTimeout bounds each probe so a hung probe cannot stall
	// detection.
	ProbeTimeout time.Duration

	// ExecTimeout bounds each secondary-path command.
	ExecTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = 100
	}
	if out.QueueTimeout <= 0 {
		out.QueueTimeout = 5 * time.Minute
	}
	if out.NotificationInterval <= 0 {
		out.NotificationInterval = 30 * time.Second
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = 10 * time.Second
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 3 * time.Second
	}
	if out.ExecTimeout <= 0 {
		out.ExecTimeout = 30 * time.Second
	}
	return out
}

// Coordinator detects primary-path outage, queues affected operations, and
// replays them through the secondary path.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	probe    ProbeFunc
	notify   NotifyFunc
	exec     Executor
	onEvent  func(Event)
	commands *CommandMap

	mu      sync.Mutex
	active  bool
	queue   []*Operation
	stats   Stats

	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithProbe overrides the liveness probe.
func WithProbe(p ProbeFunc) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.probe = p
		}
	}
}

// WithNotifier sets the sink for backlog status notifications.
func WithNotifier(n NotifyFunc) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notify = n
		}
	}
}

// WithExecutor overrides the secondary-path command runner. Intended for
// tests.
func WithExecutor(e Executor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.exec = e
		}
	}
}

// WithEventHandler registers a callback for lifecycle events.
func WithEventHandler(fn func(Event)) Option {
	return func(c *Coordinator) { c.onEvent = fn }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Coordinator over the given method→command map.
func New(cfg Config, commands *CommandMap, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		commands: commands,
		now:      time.Now,
	}
	c.probe = c.defaultProbe
	c.exec = c.defaultExec
	for _, opt := range opts {
		opt(c)
	}
	if c.commands == nil {
		c.commands = NewCommandMap(nil)
	}
	return c
}

func (c *Coordinator) defaultProbe(ctx context.Context) error {
	if len(c.cfg.ProbeCommand) == 0 {
		return errors.New("no probe command configured")
	}
	return c.defaultExec(ctx, c.cfg.ProbeCommand)
}

func (c *Coordinator) defaultExec(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w (output: %s)", argv[0], err, out)
	}
	return nil
}

// IsPrimaryAvailable runs the liveness probe under its own timeout so a hung
// probe cannot stall detection.
func (c *Coordinator) IsPrimaryAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.probe(probeCtx); err != nil {
		c.log.Debug("primary liveness probe failed", slog.String("err", err.Error()))
		return false
	}
	return true
}

// Active reports whether fallback mode is currently engaged.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// EnableFallback engages degraded mode and immediately attempts execution of
// any already-queued high/critical operations.
func (c *Coordinator) EnableFallback(ctx context.Context) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	depth := len(c.queue)

	// Pull out queued immediate-priority operations to run now.
	var urgent []*Operation
	var rest []*Operation
	for _, op := range c.queue {
		if op.Priority.immediate() {
			urgent = append(urgent, op)
		} else {
			rest = append(rest, op)
		}
	}
	c.queue = rest
	c.mu.Unlock()

	c.log.Warn("fallback mode enabled", slog.Int("queued", depth))
	c.emit(Event{Kind: EventFallbackEnabled, At: c.now(), QueueDepth: depth})

	for _, op := range urgent {
		c.executeOrRequeue(ctx, op)
	}
}

// DisableFallback disengages degraded mode and triggers an immediate drain
// attempt of the queue.
func (c *Coordinator) DisableFallback(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	depth := len(c.queue)
	c.mu.Unlock()

	c.log.Info("fallback mode disabled", slog.Int("queued", depth))
	c.emit(Event{Kind: EventFallbackDisabled, At: c.now(), QueueDepth: depth})

	c.ProcessQueue(ctx)
}

// QueueOperation records an operation for later replay. When the queue is at
// capacity the oldest entry is evicted first and counted as failed. While
// fallback is active, high/critical operations bypass queuing entirely and
// lower priorities get an immediate execution attempt in addition to being
// queued.
func (c *Coordinator) QueueOperation(ctx context.Context, op *Operation) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = c.now()
	}
	if op.Priority == "" {
		op.Priority = PriorityMedium
	}

	c.mu.Lock()
	active := c.active
	if active && op.Priority.immediate() {
		c.mu.Unlock()
		c.executeOrRequeue(ctx, op)
		return
	}

	c.enqueueLocked(op)
	c.mu.Unlock()

	if active {
		if ok := c.executeOperation(ctx, op); ok {
			c.remove(op.ID)
		}
	}
}

// ProcessQueue drains the queue FIFO through the secondary path. Operations
// older than the queue timeout are skipped and counted as failed; retryable
// execution failures are re-queued, non-retryable ones dropped.
func (c *Coordinator) ProcessQueue(ctx context.Context) {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.QueueTimeout)
	for _, op := range batch {
		if op.Timestamp.Before(cutoff) {
			c.mu.Lock()
			c.stats.Expired++
			c.stats.Failed++
			c.mu.Unlock()
			c.log.Warn("dropping expired fallback operation",
				slog.String("op_id", op.ID),
				slog.String("method", op.Method))
			continue
		}
		if ok := c.executeOperation(ctx, op); !ok && op.Retryable {
			c.mu.Lock()
			c.queue = append(c.queue, op)
			c.mu.Unlock()
		}
	}
}

// enqueueLocked appends an operation, evicting the oldest entry first when
// the queue is at capacity. Caller holds c.mu.
func (c *Coordinator) enqueueLocked(op *Operation) {
	if len(c.queue) >= c.cfg.MaxQueueSize {
		evicted := c.queue[0]
		c.queue = c.queue[1:]
		c.stats.Evicted++
		c.stats.Failed++
		c.log.Warn("fallback queue overflow, evicted oldest operation",
			slog.String("op_id", evicted.ID),
			slog.String("method", evicted.Method))
	}
	c.queue = append(c.queue, op)
}

// executeOrRequeue runs an operation immediately and, when the attempt fails
// and the operation is retryable, puts it on the queue so a later drain can
// try again. A failed immediate attempt must never lose the operation.
func (c *Coordinator) executeOrRequeue(ctx context.Context, op *Operation) {
	if ok := c.executeOperation(ctx, op); !ok && op.Retryable {
		c.mu.Lock()
		c.enqueueLocked(op)
		c.mu.Unlock()
	}
}

// executeOperation runs one operation through the secondary path, counting
// the outcome. Returns true on success. A failed non-retryable operation is
// counted as failed here; re-queueing retryable ones is the caller's call.
func (c *Coordinator) executeOperation(ctx context.Context, op *Operation) bool {
	argv, ok := c.commands.Resolve(op.Method, op.Params)
	if !ok {
		c.mu.Lock()
		c.stats.Failed++
		c.mu.Unlock()
		c.log.Error("fallback execution impossible",
			slog.String("method", op.Method),
			slog.String("err", ErrNoCommandMapping.Error()))
		// Unmapped methods can never succeed; make sure they do not retry.
		op.Retryable = false
		return false
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	if err := c.exec(execCtx, argv); err != nil {
		c.mu.Lock()
		if !op.Retryable {
			c.stats.Failed++
		}
		c.mu.Unlock()
		c.log.Warn("secondary-path execution failed",
			slog.String("op_id", op.ID),
			slog.String("method", op.Method),
			slog.String("err", err.Error()))
		return false
	}

	c.mu.Lock()
	c.stats.Executed++
	c.mu.Unlock()
	return true
}

func (c *Coordinator) remove(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, op := range c.queue {
		if op.ID == opID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// QueueDepth reports how many operations are waiting.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Snapshot returns current counters.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Active = c.active
	s.QueueDepth = len(c.queue)
	return s
}

func (c *Coordinator) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Run supervises the degrade/restore loop: a probe ticker toggles fallback
// mode, a drain ticker replays the queue while active, and a status ticker
// notifies operators of backlog while active and non-empty. Every tick
// isolates its own failures.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	probeTicker := time.NewTicker(c.cfg.ProbeInterval)
	defer probeTicker.Stop()
	notifyTicker := time.NewTicker(c.cfg.NotificationInterval)
	defer notifyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-probeTicker.C:
			c.tick(ctx)

		case <-notifyTicker.C:
			c.notifyBacklog(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("fallback probe tick panicked", slog.Any("panic", r))
		}
	}()

	available := c.IsPrimaryAvailable(ctx)
	switch {
	case !available && !c.Active():
		c.EnableFallback(ctx)
	case available && c.Active():
		c.DisableFallback(ctx)
	case c.Active():
		// Still degraded: keep draining what the secondary path can take.
		c.ProcessQueue(ctx)
	}
}

func (c *Coordinator) notifyBacklog(ctx context.Context) {
	if c.notify == nil || !c.Active() {
		return
	}
	depth := c.QueueDepth()
	if depth == 0 {
		return
	}
	if err := c.notify(ctx, "fallback/status", map[string]any{
		"active":     true,
		"queueDepth": depth,
	}); err != nil {
		c.log.Warn("failed to send fallback status notification", slog.String("err", err.Error()))
	}
}
