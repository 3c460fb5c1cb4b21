// Package httprpc binds the wire protocol to HTTP POST. Each request body
// carries exactly one envelope; notifications are acknowledged with 204 No
// Content. Server-initiated notifications accumulate in a bounded buffer the
// client drains with GET.
package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/transport"
)

const maxBodyBytes = 4 * 1024 * 1024

// SessionHeader carries the session id an HTTP client echoes back on every
// request after initialize has returned one. Requests without it get a fresh
// session of their own; clients never share one.
const SessionHeader = "Toolrpc-Session-Id"

var jsonMediaType = contenttype.NewMediaType("application/json")

// Transport serves the protocol over HTTP. Implements transport.Transport.
type Transport struct {
	addr string
	log  *slog.Logger

	onRequest      transport.RequestHandler
	onNotification transport.NotificationHandler

	srv      *http.Server
	listener net.Listener

	// Outbound notifications wait here until the client drains them.
	pendingMu  sync.Mutex
	pending    []*jsonrpc.Notification
	maxPending int

	started  atomic.Bool
	open     atomic.Bool
	received atomic.Uint64
	sent     atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMaxPendingNotifications bounds the outbound notification buffer.
func WithMaxPendingNotifications(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxPending = n
		}
	}
}

// New constructs an HTTP transport listening on addr.
func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:       addr,
		log:        slog.Default(),
		maxPending: 256,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Kind() string { return "http" }

// OnRequest registers the request handler. Must be called before Start.
func (t *Transport) OnRequest(h transport.RequestHandler) { t.onRequest = h }

// OnNotification registers the inbound notification handler. Must be called
// before Start.
func (t *Transport) OnNotification(h transport.NotificationHandler) { t.onNotification = h }

// Start binds the listener and begins serving. Returns once the listener is
// accepting.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	if t.onRequest == nil {
		return errors.New("no request handler registered")
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", t.handlePost)
	mux.HandleFunc("GET /notifications", t.handleGetNotifications)

	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	t.open.Store(true)

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("http server exited", slog.String("err", err.Error()))
		}
		t.open.Store(false)
	}()

	t.log.Info("http transport listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, useful when listening on port 0.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (t *Transport) Stop(ctx context.Context) error {
	if t.srv == nil {
		return nil
	}
	t.open.Store(false)
	if err := t.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// SendNotification buffers a server-initiated notification for the next
// drain. The oldest entry is dropped when the buffer is full.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	n := jsonrpc.NewNotification(method, params)
	t.pendingMu.Lock()
	if len(t.pending) >= t.maxPending {
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, n)
	t.pendingMu.Unlock()
	t.sent.Add(1)
	return nil
}

// HealthStatus reports receive/send counters and listener state.
func (t *Transport) HealthStatus() transport.HealthStatus {
	return transport.HealthStatus{
		MessagesReceived:  t.received.Load(),
		NotificationsSent: t.sent.Load(),
		StreamOpen:        t.open.Load(),
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	t.received.Add(1)

	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		// One envelope per body; a malformed body still gets a protocol-level
		// parse error rather than a bare HTTP failure.
		resp := jsonrpc.NewErrorResponse(jsonrpc.ExtractID(body), jsonrpc.ErrorCodeParseError, err.Error(), nil)
		writeResponse(w, t.log, resp)
		return
	}

	// Every request context carries the peer's session id (possibly empty) so
	// the handler correlates each HTTP client to its own session.
	ctx := transport.WithPeerSession(r.Context(), r.Header.Get(SessionHeader))

	if req.IsNotification() {
		if t.onNotification != nil {
			t.onNotification(ctx, req)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := t.onRequest(ctx, req)
	if resp == nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "no response produced", nil)
	}
	writeResponse(w, t.log, resp)
}

func (t *Transport) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if batch == nil {
		batch = []*jsonrpc.Notification{}
	}
	if err := json.NewEncoder(w).Encode(batch); err != nil {
		t.log.Warn("failed to write notification batch", slog.String("err", err.Error()))
	}
}

func writeResponse(w http.ResponseWriter, log *slog.Logger, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
