package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/agentic-flow/toolrpc-go/internal/logctx"
)

// DefaultProtocolVersion is the wire version synthesized capabilities
// declare support for.
const DefaultProtocolVersion = "2.0"

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrDuplicateTool     = errors.New("tool already registered")
	ErrMalformedToolName = errors.New("tool name must be namespace/name")
	ErrMissingHandler    = errors.New("tool handler is required")
	ErrMissingSchema     = errors.New("tool input schema is required")
	// ErrPermissionDenied indicates the caller lacks a required permission.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrProtocolIncompatible indicates the client's protocol version is not
	// supported by the tool's capability.
	ErrProtocolIncompatible = errors.New("protocol version incompatible")
)

// Handler executes a tool invocation. Input has already passed schema
// validation; the registry never inspects the result beyond serializing it.
type Handler func(ctx context.Context, input json.RawMessage, ec *ExecContext) (any, error)

// Tool describes a callable operation.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
	Handler     Handler     `json:"-"`
}

// Capability is a tool's compatibility and classification metadata, separate
// from its executable behavior.
type Capability struct {
	Version                   string   `json:"version"`
	Category                  string   `json:"category"`
	Tags                      []string `json:"tags,omitempty"`
	RequiredPermissions       []string `json:"requiredPermissions,omitempty"`
	SupportedProtocolVersions []string `json:"supportedProtocolVersions"`
	Deprecated                bool     `json:"deprecated,omitzero"`
	Dependencies              []string `json:"dependencies,omitempty"`
}

// Metrics is one tool's invocation record. Values only ever reset by
// explicit operator action.
type Metrics struct {
	Invocations            uint64     `json:"invocations"`
	Successes              uint64     `json:"successes"`
	Failures               uint64     `json:"failures"`
	TotalExecutionTimeMs   int64      `json:"totalExecutionTimeMs"`
	AverageExecutionTimeMs float64    `json:"averageExecutionTimeMs"`
	LastInvokedAt          *time.Time `json:"lastInvokedAt,omitempty"`
}

// ExecContext carries the caller's identity and environment into a handler.
// Managers holds opaque references to whatever domain collaborators are
// configured; the registry never inspects them.
type ExecContext struct {
	SessionID       string
	Permissions     []string
	ProtocolVersion string
	WorkingDir      string
	Managers        map[string]any
}

type entry struct {
	tool Tool
	cap  Capability

	metricsMu sync.Mutex
	metrics   Metrics
}

// Registry is a concurrency-safe tool catalog.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.Default(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the catalog. A nil capability is synthesized from
// the descriptor.
func (r *Registry) Register(tool Tool, cap *Capability) error {
	ns, _, ok := strings.Cut(tool.Name, "/")
	if !ok || ns == "" || tool.Name == ns+"/" {
		return fmt.Errorf("%w: %q", ErrMalformedToolName, tool.Name)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %q", ErrMissingHandler, tool.Name)
	}
	if tool.InputSchema.Type == "" {
		return fmt.Errorf("%w: %q", ErrMissingSchema, tool.Name)
	}

	resolved := synthesizeCapability(tool, cap)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Name)
	}
	r.entries[tool.Name] = &entry{tool: tool, cap: resolved}

	r.log.Debug("tool registered",
		slog.String("name", tool.Name),
		slog.String("category", resolved.Category))
	return nil
}

// synthesizeCapability resolves capability defaults once at registration
// time: category from the namespace segment, tags derived from the
// description, default protocol compatibility.
func synthesizeCapability(tool Tool, cap *Capability) Capability {
	resolved := Capability{}
	if cap != nil {
		resolved = *cap
	}
	ns, _, _ := strings.Cut(tool.Name, "/")
	if resolved.Version == "" {
		resolved.Version = "1.0.0"
	}
	if resolved.Category == "" {
		resolved.Category = ns
	}
	if len(resolved.Tags) == 0 {
		resolved.Tags = deriveTags(ns, tool.Description)
	}
	if len(resolved.SupportedProtocolVersions) == 0 {
		resolved.SupportedProtocolVersions = []string{DefaultProtocolVersion}
	}
	return resolved
}

// tagKeywords are scanned in descriptions when synthesizing capability tags.
var tagKeywords = []string{
	"agent", "swarm", "task", "memory", "query", "system", "file", "network", "math",
}

func deriveTags(ns, description string) []string {
	tags := []string{ns}
	lower := strings.ToLower(description)
	for _, kw := range tagKeywords {
		if kw != ns && strings.Contains(lower, kw) {
			tags = append(tags, kw)
		}
	}
	return tags
}

// Get returns the descriptor and capability for a tool name.
func (r *Registry) Get(name string) (Tool, Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, Capability{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return e.tool, e.cap, nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ExecuteTool validates the input and capability constraints, invokes the
// handler, and updates the tool's metrics regardless of outcome.
func (r *Registry) ExecuteTool(ctx context.Context, name string, input json.RawMessage, ec *ExecContext) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	ctx = logctx.WithToolData(ctx, &logctx.ToolData{ToolName: name, Category: e.cap.Category})

	// Pre-dispatch rejections never reach the handler and never count as
	// invocations; metrics track handler outcomes only.
	if err := e.tool.InputSchema.ValidateInput(input); err != nil {
		return nil, err
	}
	if err := r.checkCapability(ctx, e, ec); err != nil {
		return nil, err
	}

	start := r.now()
	result, err := e.tool.Handler(ctx, input, ec)
	elapsed := r.now().Sub(start)

	r.recordOutcome(e, elapsed, err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Registry) checkCapability(ctx context.Context, e *entry, ec *ExecContext) error {
	if e.cap.Deprecated {
		// Deprecation warns, it never rejects.
		r.log.WarnContext(ctx, "deprecated tool invoked", slog.String("name", e.tool.Name))
	}

	var perms []string
	clientVersion := DefaultProtocolVersion
	if ec != nil {
		perms = ec.Permissions
		if ec.ProtocolVersion != "" {
			clientVersion = ec.ProtocolVersion
		}
	}

	for _, required := range e.cap.RequiredPermissions {
		if !authn.PermissionCovers(perms, required) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, required)
		}
	}

	if !protocolCompatible(clientVersion, e.cap.SupportedProtocolVersions) {
		return fmt.Errorf("%w: client %s, supported %v",
			ErrProtocolIncompatible, clientVersion, e.cap.SupportedProtocolVersions)
	}
	return nil
}

// protocolCompatible requires a supported version with the same major and a
// client minor no greater than the supported minor.
func protocolCompatible(client string, supported []string) bool {
	cMajor, cMinor, ok := parseVersion(client)
	if !ok {
		return false
	}
	for _, s := range supported {
		sMajor, sMinor, ok := parseVersion(s)
		if !ok {
			continue
		}
		if cMajor == sMajor && cMinor <= sMinor {
			return true
		}
	}
	return false
}

func parseVersion(v string) (major, minor int, ok bool) {
	maj, min, found := strings.Cut(v, ".")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(maj)
	if err != nil {
		return 0, 0, false
	}
	// A trailing patch segment is tolerated and ignored.
	min, _, _ = strings.Cut(min, ".")
	minor, err = strconv.Atoi(min)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func (r *Registry) recordOutcome(e *entry, elapsed time.Duration, success bool) {
	invokedAt := r.now()

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.metrics.Invocations++
	if success {
		e.metrics.Successes++
	} else {
		e.metrics.Failures++
	}
	e.metrics.TotalExecutionTimeMs += elapsed.Milliseconds()
	e.metrics.AverageExecutionTimeMs = float64(e.metrics.TotalExecutionTimeMs) / float64(e.metrics.Invocations)
	e.metrics.LastInvokedAt = &invokedAt
}

// Metrics returns a copy of a tool's metrics record.
func (r *Registry) Metrics(name string) (Metrics, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics, nil
}

// ResetMetrics zeroes a tool's counters. This is explicit operator action;
// nothing else ever resets metrics.
func (r *Registry) ResetMetrics(name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.metrics = Metrics{}
	return nil
}

// ToolInfo is a catalog listing: descriptor plus capability, without the
// handler.
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
	Capability  Capability  `json:"capability"`
}

// Query filters DiscoverTools results. All populated filters are conjunctive.
type Query struct {
	// Category matches the capability category exactly.
	Category string
	// Tags must all be present on the tool.
	Tags []string
	// Capability matches either a tag or the category.
	Capability string
	// ProtocolVersion keeps only tools compatible with this client version.
	ProtocolVersion string
	// IncludeDeprecated includes deprecated tools; they are excluded by default.
	IncludeDeprecated bool
	// Permissions keeps only tools whose required permissions this set covers.
	Permissions []string
}

// DiscoverTools filters the catalog. An empty query returns every
// non-deprecated tool, sorted by name.
func (r *Registry) DiscoverTools(q Query) []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolInfo
	for _, e := range r.entries {
		if !matchesQuery(e, q) {
			continue
		}
		out = append(out, ToolInfo{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.tool.InputSchema,
			Capability:  e.cap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matchesQuery(e *entry, q Query) bool {
	if e.cap.Deprecated && !q.IncludeDeprecated {
		return false
	}
	if q.Category != "" && e.cap.Category != q.Category {
		return false
	}
	for _, tag := range q.Tags {
		if !containsString(e.cap.Tags, tag) {
			return false
		}
	}
	if q.Capability != "" && q.Capability != e.cap.Category && !containsString(e.cap.Tags, q.Capability) {
		return false
	}
	if q.ProtocolVersion != "" && !protocolCompatible(q.ProtocolVersion, e.cap.SupportedProtocolVersions) {
		return false
	}
	if q.Permissions != nil {
		for _, required := range e.cap.RequiredPermissions {
			if !authn.PermissionCovers(q.Permissions, required) {
				return false
			}
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
