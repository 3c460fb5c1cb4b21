package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/registry"
)

func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	tool := registry.Tool{
		Name:        "math/add",
		Description: "Adds two numbers",
		InputSchema: registry.InputSchema{
			Type: "object",
			Properties: map[string]registry.SchemaProperty{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
			Required: []string{"a", "b"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
			var raw map[string]float64
			if err := json.Unmarshal(input, &raw); err != nil {
				return nil, err
			}
			return map[string]float64{"sum": raw["a"] + raw["b"]}, nil
		},
	}
	if err := reg.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(reg), reg
}

func request(t *testing.T, method, params string) *jsonrpc.Request {
	t.Helper()
	return &jsonrpc.Request{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		Method:          method,
		Params:          json.RawMessage(params),
		ID:              jsonrpc.NewRequestID("r1"),
	}
}

func TestDispatchSuccess(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := r.Dispatch(context.Background(), request(t, "math/add", `{"a":1,"b":2}`), nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var result map[string]float64
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["sum"] != 3 {
		t.Errorf("sum = %v", result["sum"])
	}

	stats := r.Stats()
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := r.Dispatch(context.Background(), request(t, "no/such", `{}`), nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("resp = %+v, want method-not-found", resp)
	}
	if stats := r.Stats(); stats.FailedRequests != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDispatchValidationErrorNamesProperty(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := r.Dispatch(context.Background(), request(t, "math/add", `{"a":1}`), nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want invalid-params", resp)
	}
	data, ok := resp.Error.Data.(map[string]string)
	if !ok || data["property"] != "b" {
		t.Errorf("error data = %v, want property b", resp.Error.Data)
	}
}

func TestDispatchWrapsHandlerFailure(t *testing.T) {
	r, reg := newTestRouter(t)
	tool := registry.Tool{
		Name:        "sys/fail",
		InputSchema: registry.InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
			return nil, errors.New("downstream exploded")
		},
	}
	if err := reg.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), request(t, "sys/fail", `{}`), nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("resp = %+v, want internal error", resp)
	}
	if resp.Error.Message != "downstream exploded" {
		t.Errorf("message = %q, original not preserved", resp.Error.Message)
	}
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	r, reg := newTestRouter(t)
	tool := registry.Tool{
		Name:        "sys/panic",
		InputSchema: registry.InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
			panic("unexpected")
		},
	}
	if err := reg.Register(tool, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), request(t, "sys/panic", `{}`), nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("resp = %+v, want internal error", resp)
	}
}

func TestDispatchGenericAuthorizationMessage(t *testing.T) {
	r, reg := newTestRouter(t)
	tool := registry.Tool{
		Name:        "admin/wipe",
		InputSchema: registry.InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
			return "ok", nil
		},
	}
	if err := reg.Register(tool, &registry.Capability{RequiredPermissions: []string{"admin.wipe"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := r.Dispatch(context.Background(), request(t, "admin/wipe", `{}`),
		&registry.ExecContext{Permissions: []string{"tools.*"}})
	if resp.Error == nil {
		t.Fatal("expected error")
	}
	if resp.Error.Message != "authorization failed" {
		t.Errorf("message = %q, must not leak which factor failed", resp.Error.Message)
	}
}
