// Package router dispatches parsed requests to tool handlers and converts
// every failure into a structured error response. Nothing a handler does can
// escape the router: errors and panics alike become internal-error envelopes
// while the process keeps serving.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/registry"
)

// Stats are server-wide request counters, independent of per-tool metrics.
type Stats struct {
	TotalRequests      uint64 `json:"totalRequests"`
	SuccessfulRequests uint64 `json:"successfulRequests"`
	FailedRequests     uint64 `json:"failedRequests"`
}

// Router routes requests by method name through the tool registry.
type Router struct {
	reg *registry.Registry
	log *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// New constructs a Router over a registry.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch executes the request's method and returns exactly one response,
// success or error.
func (r *Router) Dispatch(ctx context.Context, req *jsonrpc.Request, ec *registry.ExecContext) *jsonrpc.Response {
	result, err := r.execute(ctx, req, ec)
	if err != nil {
		r.count(false)
		return r.errorResponse(ctx, req, err)
	}

	resp, merr := jsonrpc.NewResultResponse(req.ID, result)
	if merr != nil {
		r.count(false)
		r.log.ErrorContext(ctx, "failed to marshal result", slog.String("err", merr.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	r.count(true)
	return resp
}

func (r *Router) execute(ctx context.Context, req *jsonrpc.Request, ec *registry.ExecContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "tool handler panicked",
				slog.String("method", req.Method),
				slog.Any("panic", rec))
			err = errors.New("internal error: handler panic")
		}
	}()
	return r.reg.ExecuteTool(ctx, req.Method, req.Params, ec)
}

func (r *Router) errorResponse(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	var verr *registry.ValidationError
	switch {
	case errors.Is(err, registry.ErrToolNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			"method not found: "+req.Method, nil)
	case errors.As(err, &verr):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			verr.Error(), map[string]string{"property": verr.Property})
	case errors.Is(err, registry.ErrPermissionDenied):
		// Deliberately generic: the caller learns nothing about which
		// factor failed.
		r.log.WarnContext(ctx, "authorization rejected", slog.String("method", req.Method))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
			"authorization failed", nil)
	case errors.Is(err, registry.ErrProtocolIncompatible):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			err.Error(), nil)
	}

	// Handler failure: preserve the message and, where available, the
	// structured data.
	r.log.ErrorContext(ctx, "tool execution failed",
		slog.String("method", req.Method),
		slog.String("err", err.Error()))
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, rpcErr.Message, rpcErr.Data)
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}

func (r *Router) count(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalRequests++
	if success {
		r.stats.SuccessfulRequests++
	} else {
		r.stats.FailedRequests++
	}
}

// Stats returns a copy of the aggregate counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
