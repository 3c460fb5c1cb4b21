package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentic-flow/toolrpc-go/admission"
	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/agentic-flow/toolrpc-go/fallback"
	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/registry"
	"github.com/agentic-flow/toolrpc-go/sessions"
	"github.com/agentic-flow/toolrpc-go/sessions/memorystore"
	"github.com/agentic-flow/toolrpc-go/transport"
)

// fakeTransport drives the server's handlers directly, bypassing any real
// stream.
type fakeTransport struct {
	onRequest      transport.RequestHandler
	onNotification transport.NotificationHandler
	notifications  []string
}

func (f *fakeTransport) Kind() string                    { return "fake" }
func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error  { return nil }
func (f *fakeTransport) OnRequest(h transport.RequestHandler) {
	f.onRequest = h
}
func (f *fakeTransport) OnNotification(h transport.NotificationHandler) {
	f.onNotification = h
}
func (f *fakeTransport) SendNotification(ctx context.Context, method string, params any) error {
	f.notifications = append(f.notifications, method)
	return nil
}
func (f *fakeTransport) HealthStatus() transport.HealthStatus {
	return transport.HealthStatus{StreamOpen: true}
}

type harness struct {
	t      *testing.T
	tr     *fakeTransport
	server *Server
	reg    *registry.Registry
	nextID int
}

type harnessConfig struct {
	authCfg   *authn.Config
	admission *admission.Controller
	fallback  *fallback.Coordinator
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	authCfg := authn.Config{SessionTimeout: time.Hour}
	if hc.authCfg != nil {
		authCfg = *hc.authCfg
	}
	auth, err := authn.NewManager(authCfg)
	if err != nil {
		t.Fatalf("failed to construct auth manager: %v", err)
	}

	reg := registry.New()
	addHandler := func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
		var args struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		return map[string]float64{"sum": args.A + args.B}, nil
	}
	if err := reg.Register(registry.Tool{
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
		Handler: addHandler,
	}, nil); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	if err := reg.Register(registry.Tool{
		Name:        "math/fail",
		Description: "Always fails",
		InputSchema: registry.InputSchema{Type: "object"},
		Handler: func(ctx context.Context, input json.RawMessage, ec *registry.ExecContext) (any, error) {
			return nil, errors.New("downstream unavailable")
		},
	}, nil); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	sess := sessions.NewManager(memorystore.New())
	tr := &fakeTransport{}
	opts := []Option{WithInfo(Info{Name: "toolrpc-test", Version: "0.0.1"})}
	if hc.admission != nil {
		opts = append(opts, WithAdmission(hc.admission))
	}
	if hc.fallback != nil {
		opts = append(opts, WithFallback(hc.fallback))
	}
	srv := New(tr, reg, sess, auth, opts...)
	srv.startedAt = time.Now()

	return &harness{t: t, tr: tr, server: srv, reg: reg}
}

func (h *harness) request(method string, params any) *jsonrpc.Response {
	h.t.Helper()
	return h.requestCtx(context.Background(), method, params)
}

func (h *harness) requestCtx(ctx context.Context, method string, params any) *jsonrpc.Response {
	h.t.Helper()
	h.nextID++
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			h.t.Fatalf("failed to marshal params: %v", err)
		}
		raw = data
	}
	req := &jsonrpc.Request{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		Method:          method,
		Params:          raw,
		ID:              jsonrpc.NewRequestID(int64(h.nextID)),
	}
	resp := h.tr.onRequest(ctx, req)
	if resp == nil {
		h.t.Fatalf("no response for request %s", method)
	}
	return resp
}

func (h *harness) initialize() *jsonrpc.Response {
	h.t.Helper()
	return h.request(methodInitialize, map[string]any{
		"protocolVersion": "2.0",
		"clientInfo":      map[string]string{"name": "test-client", "version": "1.0"},
	})
}

func (h *harness) mustResult(resp *jsonrpc.Response, out any) {
	h.t.Helper()
	if resp.Error != nil {
		h.t.Fatalf("unexpected error response: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		h.t.Fatalf("failed to decode result: %v", err)
	}
}

func TestInitializeHandshake(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	var result initializeResult
	h.mustResult(h.initialize(), &result)

	if result.ProtocolVersion != "2.0" {
		t.Errorf("expected protocol version 2.0, got %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "toolrpc-test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if result.SessionID == "" {
		t.Error("expected a session id")
	}
	// Auth disabled: the session authenticates as the anonymous wildcard
	// principal during the handshake.
	if result.Auth == nil || result.Auth.User != authn.AnonymousUser {
		t.Errorf("expected anonymous auth result, got %+v", result.Auth)
	}
}

func TestMethodsBeforeInitializeAreRejected(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	for _, method := range []string{"math/add", methodToolsList, methodSystemInfo} {
		resp := h.request(method, nil)
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
			t.Errorf("%s before initialize: expected -32002, got %+v", method, resp.Error)
		}
	}
}

func TestDoubleInitializeIsRejected(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.mustResult(h.initialize(), &initializeResult{})

	resp := h.initialize()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid-request error, got %+v", resp.Error)
	}
}

func TestToolDispatch(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.mustResult(h.initialize(), &initializeResult{})

	var result struct {
		Sum float64 `json:"sum"`
	}
	h.mustResult(h.request("math/add", map[string]float64{"a": 1, "b": 2}), &result)
	if result.Sum != 3 {
		t.Errorf("expected sum 3, got %g", result.Sum)
	}

	metrics, err := h.reg.Metrics("math/add")
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Invocations != 1 || metrics.Successes != 1 {
		t.Errorf("expected invocations=1 successes=1, got %+v", metrics)
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.mustResult(h.initialize(), &initializeResult{})

	resp := h.request("no/such", nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}
}

func TestToolsListAndSchema(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.mustResult(h.initialize(), &initializeResult{})

	var listed struct {
		Tools []registry.ToolInfo `json:"tools"`
	}
	h.mustResult(h.request(methodToolsList, map[string]any{"category": "math"}), &listed)
	if len(listed.Tools) != 2 {
		t.Fatalf("expected 2 math tools, got %d", len(listed.Tools))
	}

	var schema struct {
		Name        string               `json:"name"`
		InputSchema registry.InputSchema `json:"inputSchema"`
	}
	h.mustResult(h.request(methodToolsSchema, map[string]string{"name": "math/add"}), &schema)
	if schema.Name != "math/add" || schema.InputSchema.Properties["a"].Type != "number" {
		t.Errorf("unexpected schema payload: %+v", schema)
	}

	resp := h.request(methodToolsSchema, map[string]string{"name": "math/none"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("expected invalid-params for unknown tool, got %+v", resp.Error)
	}
}

func TestAuthLoginFailureIsGeneric(t *testing.T) {
	h := newHarness(t, harnessConfig{authCfg: &authn.Config{
		Enabled:        true,
		Method:         authn.MethodToken,
		Tokens:         []string{"valid-token"},
		SessionTimeout: time.Hour,
	}})
	h.mustResult(h.initialize(), &initializeResult{})

	var result authn.Result
	h.mustResult(h.request(methodAuthLogin, map[string]string{"token": "wrong"}), &result)
	if result.Success {
		t.Fatal("expected failed login")
	}
	if result.Error != "authentication failed" {
		t.Errorf("auth failure must not leak which factor failed, got %q", result.Error)
	}

	h.mustResult(h.request(methodAuthLogin, map[string]string{"token": "valid-token"}), &result)
	if !result.Success {
		t.Fatal("expected allow-list token to authenticate")
	}
}

func TestSystemHealthReportsDegradedBreaker(t *testing.T) {
	adm := admission.New(admission.Config{
		Enabled:           true,
		RequestsPerSecond: 1000,
		Burst:             1000,
		FailureThreshold:  0.5,
		MinSamples:        1,
		Window:            time.Minute,
		Cooldown:          time.Minute,
	})
	h := newHarness(t, harnessConfig{admission: adm})
	h.mustResult(h.initialize(), &initializeResult{})

	resp := h.request("math/fail", map[string]any{})
	if resp.Error == nil {
		t.Fatal("expected handler failure")
	}

	var health struct {
		Status string `json:"status"`
	}
	h.mustResult(h.request(methodSystemHealth, nil), &health)
	if health.Status != "degraded" {
		t.Errorf("expected degraded status with open breaker, got %q", health.Status)
	}
}

func TestCircuitOpenQueuesFallbackOperation(t *testing.T) {
	adm := admission.New(admission.Config{
		Enabled:           true,
		RequestsPerSecond: 1000,
		Burst:             1000,
		FailureThreshold:  0.5,
		MinSamples:        1,
		Window:            time.Minute,
		Cooldown:          time.Minute,
	})
	fb := fallback.New(fallback.Config{Enabled: true, MaxQueueSize: 10},
		fallback.NewCommandMap(nil),
		fallback.WithExecutor(func(ctx context.Context, argv []string) error { return nil }))
	h := newHarness(t, harnessConfig{admission: adm, fallback: fb})
	h.mustResult(h.initialize(), &initializeResult{})

	// Trip the breaker with one failing invocation.
	h.request("math/fail", map[string]any{})

	resp := h.request("math/add", map[string]float64{"a": 1, "b": 2})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRateLimited {
		t.Fatalf("expected admission rejection, got %+v", resp.Error)
	}
	if fb.QueueDepth() != 1 {
		t.Errorf("expected rejected operation queued for fallback, depth %d", fb.QueueDepth())
	}
}

func TestToolsResetRequiresAdminPermission(t *testing.T) {
	h := newHarness(t, harnessConfig{authCfg: &authn.Config{
		Enabled:        true,
		Method:         authn.MethodToken,
		Tokens:         []string{"operator-token"},
		SessionTimeout: time.Hour,
	}})
	h.mustResult(h.initialize(), &initializeResult{})

	resp := h.request(methodToolsReset, map[string]string{"name": "math/add"})
	if resp.Error == nil || resp.Error.Message != "authorization failed" {
		t.Fatalf("expected generic authorization failure, got %+v", resp.Error)
	}

	// Allow-list tokens authenticate with wildcard permission, which covers
	// the admin gate.
	var login authn.Result
	h.mustResult(h.request(methodAuthLogin, map[string]string{"token": "operator-token"}), &login)
	if !login.Success {
		t.Fatal("expected operator login to succeed")
	}

	var reset struct {
		Reset bool `json:"reset"`
	}
	h.mustResult(h.request(methodToolsReset, map[string]string{"name": "math/add"}), &reset)
	if !reset.Reset {
		t.Error("expected reset to succeed for operator")
	}
}

// peerCtx simulates one multiplexing-transport client echoing its session id.
func peerCtx(sessionID string) context.Context {
	return transport.WithPeerSession(context.Background(), sessionID)
}

func TestMultiplexedPeersGetDistinctSessions(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	var a, b initializeResult
	h.mustResult(h.requestCtx(peerCtx(""), methodInitialize, map[string]any{
		"protocolVersion": "2.0",
	}), &a)
	h.mustResult(h.requestCtx(peerCtx(""), methodInitialize, map[string]any{
		"protocolVersion": "2.0",
	}), &b)

	if a.SessionID == "" || b.SessionID == "" {
		t.Fatal("expected session ids for both peers")
	}
	if a.SessionID == b.SessionID {
		t.Fatalf("peers must not share a session, both got %s", a.SessionID)
	}

	// Each peer's echoed id resolves back to its own initialized session.
	var sum struct {
		Sum float64 `json:"sum"`
	}
	h.mustResult(h.requestCtx(peerCtx(a.SessionID), "math/add", map[string]float64{"a": 1, "b": 2}), &sum)
	if sum.Sum != 3 {
		t.Errorf("expected sum 3 for peer a, got %g", sum.Sum)
	}

	// An unknown echoed id lands on a fresh, uninitialized session instead of
	// someone else's.
	resp := h.requestCtx(peerCtx("no-such-session"), "math/add", map[string]float64{"a": 1, "b": 2})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("expected -32002 for unknown peer id, got %+v", resp.Error)
	}
}

func TestMultiplexedPeersDoNotShareAuth(t *testing.T) {
	h := newHarness(t, harnessConfig{authCfg: &authn.Config{
		Enabled:        true,
		Method:         authn.MethodToken,
		Tokens:         []string{"operator-token"},
		SessionTimeout: time.Hour,
	}})

	var a, b initializeResult
	h.mustResult(h.requestCtx(peerCtx(""), methodInitialize, map[string]any{
		"protocolVersion": "2.0",
	}), &a)
	h.mustResult(h.requestCtx(peerCtx(""), methodInitialize, map[string]any{
		"protocolVersion": "2.0",
	}), &b)

	var login authn.Result
	h.mustResult(h.requestCtx(peerCtx(a.SessionID), methodAuthLogin, map[string]string{"token": "operator-token"}), &login)
	if !login.Success {
		t.Fatal("expected peer a login to succeed")
	}

	// Peer a is now authorized for the admin gate; peer b must not inherit it.
	var reset struct {
		Reset bool `json:"reset"`
	}
	h.mustResult(h.requestCtx(peerCtx(a.SessionID), methodToolsReset, map[string]string{"name": "math/add"}), &reset)
	if !reset.Reset {
		t.Error("expected reset to succeed for authenticated peer")
	}

	resp := h.requestCtx(peerCtx(b.SessionID), methodToolsReset, map[string]string{"name": "math/add"})
	if resp.Error == nil || resp.Error.Message != "authorization failed" {
		t.Fatalf("peer b must not inherit peer a's principal, got %+v", resp.Error)
	}
}

func TestTerminateClearsActiveSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	var init initializeResult
	h.mustResult(h.initialize(), &init)

	h.mustResult(h.request(methodTerminate, nil), &map[string]any{})

	// The next request lands on a fresh, uninitialized session.
	resp := h.request("math/add", map[string]float64{"a": 1, "b": 2})
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("expected -32002 after terminate, got %+v", resp.Error)
	}

	var second initializeResult
	h.mustResult(h.initialize(), &second)
	if second.SessionID == init.SessionID {
		t.Error("expected a new session id after termination")
	}
}
