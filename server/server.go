// Package server is the composition root: it wires a transport to the
// session, auth, admission, routing, and registry layers, exposes the
// built-in protocol methods, and supervises the background loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-flow/toolrpc-go/admission"
	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/agentic-flow/toolrpc-go/fallback"
	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/internal/logctx"
	"github.com/agentic-flow/toolrpc-go/registry"
	"github.com/agentic-flow/toolrpc-go/router"
	"github.com/agentic-flow/toolrpc-go/sessions"
	"github.com/agentic-flow/toolrpc-go/transport"
)

// Info identifies the server in the initialize handshake and system/info.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Server owns one transport. stdio-style bindings carry exactly one logical
// connection, so the server tracks a single active session for them and
// clears it on termination. Multiplexing transports (HTTP) correlate each
// peer to its own session via the id the peer echoes back.
type Server struct {
	info         Info
	instructions string
	workingDir   string
	managers     map[string]any

	log  *slog.Logger
	tr   transport.Transport
	sess *sessions.Manager
	auth *authn.Manager
	adm  *admission.Controller
	reg  *registry.Registry
	rt   *router.Router
	fb   *fallback.Coordinator

	startedAt time.Time

	mu              sync.Mutex
	activeSessionID string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithInfo sets the server name and version advertised to clients.
func WithInfo(info Info) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the free-form usage text returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithWorkingDir sets the working directory handed to tool handlers.
func WithWorkingDir(dir string) Option {
	return func(s *Server) { s.workingDir = dir }
}

// WithManagers attaches opaque domain managers that tool handlers can reach
// through their execution context. The core never inspects them.
func WithManagers(managers map[string]any) Option {
	return func(s *Server) { s.managers = managers }
}

// WithAdmission enables admission control on every routed request.
func WithAdmission(c *admission.Controller) Option {
	return func(s *Server) { s.adm = c }
}

// WithFallback attaches a fallback coordinator. Tool invocations rejected by
// an open circuit are queued on it for replay.
func WithFallback(c *fallback.Coordinator) Option {
	return func(s *Server) { s.fb = c }
}

// New wires a server over the given transport and layers.
func New(tr transport.Transport, reg *registry.Registry, sess *sessions.Manager, auth *authn.Manager, opts ...Option) *Server {
	s := &Server{
		info: Info{Name: "toolrpc", Version: "dev"},
		log:  slog.Default(),
		tr:   tr,
		sess: sess,
		auth: auth,
		reg:  reg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rt = router.New(reg, router.WithLogger(s.log))
	tr.OnRequest(s.handleRequest)
	tr.OnNotification(s.handleNotification)
	return s
}

// Run starts the transport and the background loops, then blocks until ctx
// is canceled. Shutdown terminates sessions and stops the transport;
// in-flight requests complete because the transport drains before Stop
// returns.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []func(context.Context) error{
		s.auth.Run,
		s.sess.Run,
	}
	if s.fb != nil {
		loops = append(loops, s.fb.Run)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("background loop exited", slog.String("err", err.Error()))
			}
		}(loop)
	}

	if err := s.tr.Start(runCtx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	s.log.Info("server started",
		slog.String("name", s.info.Name),
		slog.String("version", s.info.Version),
		slog.String("transport", s.tr.Kind()))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	s.shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	return ctx.Err()
}

func (s *Server) shutdown(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.activeSessionID
	s.activeSessionID = ""
	s.mu.Unlock()

	if sessionID != "" {
		if err := s.sess.Terminate(ctx, sessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			s.log.Warn("failed to terminate session on shutdown", slog.String("err", err.Error()))
		}
	}
	if err := s.tr.Stop(ctx); err != nil {
		s.log.Warn("failed to stop transport", slog.String("err", err.Error()))
	}
	s.log.Info("server stopped")
}

// session resolves the session a request belongs to. Multiplexing transports
// stamp each request with the peer's session id and every peer gets its own
// session; the single active-session pointer applies only to one-connection
// transports like stdio.
func (s *Server) session(ctx context.Context) (*sessions.Session, error) {
	if peerID, ok := transport.PeerSession(ctx); ok {
		if peerID != "" {
			sess, err := s.sess.Get(ctx, peerID)
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, sessions.ErrSessionNotFound) {
				return nil, err
			}
			// Unknown or swept id; the peer starts over with a fresh session.
		}
		return s.sess.Create(ctx, s.tr.Kind())
	}

	s.mu.Lock()
	id := s.activeSessionID
	s.mu.Unlock()

	if id != "" {
		sess, err := s.sess.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			return nil, err
		}
		// Swept out from under us (idle timeout); fall through and recreate.
	}

	sess, err := s.sess.Create(ctx, s.tr.Kind())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.activeSessionID = sess.ID
	s.mu.Unlock()
	return sess, nil
}

func (s *Server) clearSession(id string) {
	s.mu.Lock()
	if s.activeSessionID == id {
		s.activeSessionID = ""
	}
	s.mu.Unlock()
}

func (s *Server) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID: req.ID.String(),
		Method:    req.Method,
		Transport: s.tr.Kind(),
	})

	sess, err := s.session(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to resolve session", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error: session unavailable", nil)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		User:      sess.User(),
		State:     string(sess.State),
	})

	if req.Method == methodInitialize {
		return s.handleInitialize(ctx, sess, req)
	}
	if !sess.Initialized {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeNotInitialized, "server not initialized", nil)
	}

	if sess, err = s.sess.Touch(ctx, sess.ID); err != nil {
		s.log.ErrorContext(ctx, "failed to touch session", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error: session unavailable", nil)
	}

	if builtin := s.builtin(req.Method); builtin != nil {
		return builtin(ctx, sess, req)
	}
	return s.dispatchTool(ctx, sess, req)
}

// dispatchTool routes a tool invocation through admission control and the
// router. Circuit-open rejections of retryable work are handed to the
// fallback coordinator so they replay when a path recovers.
func (s *Server) dispatchTool(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if s.adm != nil {
		if err := s.adm.ShouldAllowRequest(sess.ID); err != nil {
			return s.rejectAdmission(ctx, req, err)
		}
	}

	ec := &registry.ExecContext{
		SessionID:       sess.ID,
		Permissions:     sess.Permissions(),
		ProtocolVersion: sess.ProtocolVersion,
		WorkingDir:      s.workingDir,
		Managers:        s.managers,
	}

	var start time.Time
	if s.adm != nil {
		start = s.adm.RecordRequestStart()
	}
	resp := s.rt.Dispatch(ctx, req, ec)
	if s.adm != nil {
		s.adm.RecordRequestEnd(start, resp.Error == nil)
	}
	return resp
}

func (s *Server) rejectAdmission(ctx context.Context, req *jsonrpc.Request, admErr error) *jsonrpc.Response {
	if errors.Is(admErr, admission.ErrCircuitOpen) && s.fb != nil {
		op := &fallback.Operation{
			Type:      "request",
			Method:    req.Method,
			Params:    req.Params,
			Priority:  fallback.PriorityMedium,
			Retryable: true,
		}
		s.fb.QueueOperation(ctx, op)
		s.log.WarnContext(ctx, "circuit open, operation queued for fallback",
			slog.String("op_id", op.ID))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRateLimited, admErr.Error(),
			map[string]any{"queued": true, "operationId": op.ID})
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRateLimited, admErr.Error(), nil)
}

func (s *Server) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		Method:    req.Method,
		Transport: s.tr.Kind(),
	})
	switch req.Method {
	case methodTerminated:
		id, multiplexed := transport.PeerSession(ctx)
		if !multiplexed {
			s.mu.Lock()
			id = s.activeSessionID
			s.mu.Unlock()
		}
		if id == "" {
			return
		}
		if err := s.sess.Terminate(ctx, id); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			s.log.WarnContext(ctx, "failed to terminate session", slog.String("err", err.Error()))
		}
		if s.adm != nil {
			s.adm.RemoveSession(id)
		}
		s.clearSession(id)
	default:
		s.log.DebugContext(ctx, "ignoring notification", slog.String("method", req.Method))
	}
}
