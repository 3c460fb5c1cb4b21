package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func addTool() Tool {
	return Tool{
		Name:        "math/add",
		Description: "Adds two numbers",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProperty{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
			Required: []string{"a", "b"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, ec *ExecContext) (any, error) {
			var args struct{ A, B float64 }
			var raw map[string]float64
			if err := json.Unmarshal(input, &raw); err != nil {
				return nil, err
			}
			args.A, args.B = raw["a"], raw["b"]
			return map[string]float64{"sum": args.A + args.B}, nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	if err := r.Register(addTool(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(addTool(), nil); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateTool", err)
	}

	bad := addTool()
	bad.Name = "noseparator"
	if err := r.Register(bad, nil); !errors.Is(err, ErrMalformedToolName) {
		t.Errorf("malformed name: err = %v", err)
	}

	bad = addTool()
	bad.Name = "math/sub"
	bad.Handler = nil
	if err := r.Register(bad, nil); !errors.Is(err, ErrMissingHandler) {
		t.Errorf("missing handler: err = %v", err)
	}

	bad = addTool()
	bad.Name = "math/mul"
	bad.InputSchema = InputSchema{}
	if err := r.Register(bad, nil); !errors.Is(err, ErrMissingSchema) {
		t.Errorf("missing schema: err = %v", err)
	}
}

func TestSynthesizedCapability(t *testing.T) {
	r := New()
	tool := addTool()
	tool.Description = "Adds two numbers for agent math"
	if err := r.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, cap, err := r.Get("math/add")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cap.Category != "math" {
		t.Errorf("category = %q, want math (namespace segment)", cap.Category)
	}
	if len(cap.SupportedProtocolVersions) != 1 || cap.SupportedProtocolVersions[0] != DefaultProtocolVersion {
		t.Errorf("protocol versions = %v", cap.SupportedProtocolVersions)
	}
	wantTags := map[string]bool{"math": true, "agent": true}
	for _, tag := range cap.Tags {
		delete(wantTags, tag)
	}
	if len(wantTags) > 0 {
		t.Errorf("tags = %v, missing %v", cap.Tags, wantTags)
	}
}

func TestExecuteToolSchemaValidation(t *testing.T) {
	r := New()
	if err := r.Register(addTool(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	// Missing required property: the error must name it.
	_, err := r.ExecuteTool(ctx, "math/add", json.RawMessage(`{"a":1}`), nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Property != "b" || !strings.Contains(err.Error(), `"b"`) {
		t.Errorf("error does not name the offending property: %v", err)
	}

	// Wrong type.
	_, err = r.ExecuteTool(ctx, "math/add", json.RawMessage(`{"a":1,"b":"two"}`), nil)
	if !errors.As(err, &verr) || verr.Property != "b" {
		t.Errorf("type mismatch: err = %v", err)
	}

	// Valid input succeeds and counts exactly one invocation and success.
	result, err := r.ExecuteTool(ctx, "math/add", json.RawMessage(`{"a":1,"b":2}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sum := result.(map[string]float64)["sum"]; sum != 3 {
		t.Errorf("sum = %v, want 3", sum)
	}
	m, err := r.Metrics("math/add")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Invocations != 1 || m.Successes != 1 || m.Failures != 0 {
		t.Errorf("metrics = %+v, want 1 invocation, 1 success", m)
	}
	if m.LastInvokedAt == nil {
		t.Error("LastInvokedAt not set")
	}
}

func TestHandlerFailureCountsAsFailure(t *testing.T) {
	r := New()
	tool := Tool{
		Name:        "sys/boom",
		InputSchema: InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *ExecContext) (any, error) {
			return nil, errors.New("kaput")
		},
	}
	if err := r.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.ExecuteTool(context.Background(), "sys/boom", nil, nil); err == nil {
		t.Fatal("expected handler error")
	}
	m, _ := r.Metrics("sys/boom")
	if m.Invocations != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v, want 1 invocation, 1 failure", m)
	}
}

func TestResetMetricsIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(addTool(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.ExecuteTool(context.Background(), "math/add", json.RawMessage(`{"a":1,"b":2}`), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := r.ResetMetrics("math/add"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	m, err := r.Metrics("math/add")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Invocations != 0 || m.Successes != 0 || m.Failures != 0 || m.TotalExecutionTimeMs != 0 {
		t.Errorf("metrics after reset = %+v, want zeroes", m)
	}
	if m.LastInvokedAt != nil {
		t.Errorf("LastInvokedAt after reset = %v, want nil", m.LastInvokedAt)
	}
}

func TestRequiredPermissions(t *testing.T) {
	r := New()
	tool := addTool()
	if err := r.Register(tool, &Capability{RequiredPermissions: []string{"math.execute"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	input := json.RawMessage(`{"a":1,"b":2}`)

	if _, err := r.ExecuteTool(ctx, "math/add", input, &ExecContext{Permissions: []string{"other"}}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if _, err := r.ExecuteTool(ctx, "math/add", input, &ExecContext{Permissions: []string{"math.*"}}); err != nil {
		t.Errorf("prefix permission rejected: %v", err)
	}
	if _, err := r.ExecuteTool(ctx, "math/add", input, &ExecContext{Permissions: []string{"*"}}); err != nil {
		t.Errorf("wildcard rejected: %v", err)
	}
}

func TestProtocolVersionCompatibility(t *testing.T) {
	r := New()
	if err := r.Register(addTool(), &Capability{SupportedProtocolVersions: []string{"2.1"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	input := json.RawMessage(`{"a":1,"b":2}`)

	cases := []struct {
		client string
		ok     bool
	}{
		{"2.0", true},  // minor below supported
		{"2.1", true},  // exact
		{"2.2", false}, // client minor above supported
		{"3.0", false}, // major mismatch
	}
	for _, tc := range cases {
		_, err := r.ExecuteTool(ctx, "math/add", input, &ExecContext{ProtocolVersion: tc.client})
		if tc.ok && err != nil {
			t.Errorf("client %s: unexpected error %v", tc.client, err)
		}
		if !tc.ok && !errors.Is(err, ErrProtocolIncompatible) {
			t.Errorf("client %s: err = %v, want ErrProtocolIncompatible", tc.client, err)
		}
	}
}

func TestDeprecatedWarnsButExecutes(t *testing.T) {
	r := New()
	if err := r.Register(addTool(), &Capability{Deprecated: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.ExecuteTool(context.Background(), "math/add", json.RawMessage(`{"a":1,"b":2}`), nil); err != nil {
		t.Errorf("deprecated tool rejected: %v", err)
	}
}

func TestDiscoverTools(t *testing.T) {
	r := New()
	if err := r.Register(addTool(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	agents := addTool()
	agents.Name = "agents/spawn"
	if err := r.Register(agents, &Capability{
		Category:            "agents",
		Tags:                []string{"agents", "swarm"},
		RequiredPermissions: []string{"agents.spawn"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	old := addTool()
	old.Name = "math/legacy"
	if err := r.Register(old, &Capability{Deprecated: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// No filters: every non-deprecated tool, sorted.
	all := r.DiscoverTools(Query{})
	if len(all) != 2 || all[0].Name != "agents/spawn" || all[1].Name != "math/add" {
		t.Fatalf("unfiltered = %+v", all)
	}

	if got := r.DiscoverTools(Query{Category: "nosuch"}); len(got) != 0 {
		t.Errorf("non-matching category returned %v", got)
	}
	if got := r.DiscoverTools(Query{Category: "math"}); len(got) != 1 || got[0].Name != "math/add" {
		t.Errorf("category filter = %v", got)
	}
	if got := r.DiscoverTools(Query{Tags: []string{"swarm"}}); len(got) != 1 || got[0].Name != "agents/spawn" {
		t.Errorf("tag filter = %v", got)
	}
	if got := r.DiscoverTools(Query{IncludeDeprecated: true}); len(got) != 3 {
		t.Errorf("deprecated inclusion = %v", got)
	}
	if got := r.DiscoverTools(Query{Permissions: []string{"math.*"}}); len(got) != 1 || got[0].Name != "math/add" {
		t.Errorf("permission coverage = %v", got)
	}
	// Conjunctive: category matches but tag does not.
	if got := r.DiscoverTools(Query{Category: "agents", Tags: []string{"nosuch"}}); len(got) != 0 {
		t.Errorf("conjunctive filters = %v", got)
	}
}

func TestNewToolTypedDecoding(t *testing.T) {
	type args struct {
		Name  string `json:"name"`
		Count int    `json:"count,omitempty"`
	}
	tool := NewTool[args]("agents/echo", func(ctx context.Context, a args, ec *ExecContext) (any, error) {
		return map[string]any{"name": a.Name, "count": a.Count}, nil
	}, WithDescription("Echoes agent parameters"))

	if tool.InputSchema.Type != "object" {
		t.Fatalf("schema type = %q", tool.InputSchema.Type)
	}
	if _, ok := tool.InputSchema.Properties["name"]; !ok {
		t.Errorf("schema missing reflected property: %+v", tool.InputSchema.Properties)
	}

	r := New()
	if err := r.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := r.ExecuteTool(context.Background(), "agents/echo", json.RawMessage(`{"name":"worker"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.(map[string]any)["name"] != "worker" {
		t.Errorf("result = %v", out)
	}

	// Strict decoding rejects unknown fields.
	if _, err := r.ExecuteTool(context.Background(), "agents/echo", json.RawMessage(`{"name":"w","bogus":1}`), nil); err == nil {
		t.Error("unknown field accepted under strict decoding")
	}
}

func TestMetricsTiming(t *testing.T) {
	current := time.Now()
	r := New(WithClock(func() time.Time {
		// Each call advances 5ms so an invocation appears to take 5ms.
		current = current.Add(5 * time.Millisecond)
		return current
	}))
	tool := Tool{
		Name:        "sys/sleep",
		InputSchema: InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *ExecContext) (any, error) {
			return nil, nil
		},
	}
	if err := r.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.ExecuteTool(context.Background(), "sys/sleep", nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, _ := r.Metrics("sys/sleep")
	if m.TotalExecutionTimeMs != 5 {
		t.Errorf("TotalExecutionTimeMs = %d, want 5", m.TotalExecutionTimeMs)
	}
	if m.AverageExecutionTimeMs != 5 {
		t.Errorf("AverageExecutionTimeMs = %v, want 5", m.AverageExecutionTimeMs)
	}
}
