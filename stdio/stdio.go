package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/transport"
)

// maxLineBytes bounds a single wire message. Lines beyond this are a protocol
// violation and terminate the stream.
const maxLineBytes = 4 * 1024 * 1024

var _ transport.Transport = (*Transport)(nil)

// ErrAlreadyStarted is returned by Start when the transport is already running.
var ErrAlreadyStarted = errors.New("stdio: transport already started")

// Transport is the newline-delimited stdio binding of the transport contract.
type Transport struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	onRequest      transport.RequestHandler
	onNotification transport.NotificationHandler

	writeMu sync.Mutex // serializes whole-line writes

	started  atomic.Bool
	open     atomic.Bool
	received atomic.Uint64
	sent     atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Transport.
type Option func(*Transport)

// WithIO sets the reader and writer for the transport.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		if r != nil {
			t.r = r
		}
		if w != nil {
			t.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New constructs a stdio Transport bound to os.Stdin/os.Stdout by default.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:    os.Stdin,
		w:    os.Stdout,
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements transport.Transport.
func (t *Transport) Kind() string { return "stdio" }

// OnRequest implements transport.Transport.
func (t *Transport) OnRequest(h transport.RequestHandler) { t.onRequest = h }

// OnNotification implements transport.Transport.
func (t *Transport) OnNotification(h transport.NotificationHandler) { t.onNotification = h }

// Start begins the read loop in a background goroutine. It returns
// immediately; the loop exits on EOF or context cancellation.
func (t *Transport) Start(ctx context.Context) error {
	if t.onRequest == nil {
		return fmt.Errorf("stdio: no request handler registered")
	}
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.open.Store(true)

	go t.readLoop(loopCtx)
	return nil
}

// Stop tears the transport down. Pending writes complete first because the
// read loop and SendNotification share the write mutex.
func (t *Transport) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.open.Store(false)
	if !t.started.Load() {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNotification implements transport.Transport.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	if !t.open.Load() {
		return fmt.Errorf("stdio: transport closed")
	}
	if err := t.writeLine(jsonrpc.NewNotification(method, params)); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// HealthStatus implements transport.Transport.
func (t *Transport) HealthStatus() transport.HealthStatus {
	return transport.HealthStatus{
		MessagesReceived:  t.received.Load(),
		NotificationsSent: t.sent.Load(),
		StreamOpen:        t.open.Load(),
	}
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)
	defer t.open.Store(false)

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.received.Add(1)
		t.handleLine(ctx, line)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.log.Error("stdio read loop failed", slog.String("err", err.Error()))
	}
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	req, err := jsonrpc.ParseRequest(line)
	if err != nil {
		t.log.Warn("dropping malformed message", slog.String("err", err.Error()))
		resp := jsonrpc.NewErrorResponse(jsonrpc.ExtractID(line), jsonrpc.ErrorCodeParseError, "parse error", nil)
		if werr := t.writeLine(resp); werr != nil {
			t.log.Error("failed to write parse-error response", slog.String("err", werr.Error()))
		}
		return
	}

	if req.IsNotification() {
		if t.onNotification != nil {
			t.onNotification(ctx, req)
		}
		return
	}

	resp := t.onRequest(ctx, req)
	if resp == nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error: empty response", nil)
	}
	if err := t.writeLine(resp); err != nil {
		t.log.Error("failed to write response", slog.String("err", err.Error()))
	}
}

func (t *Transport) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stdio: marshal outbound message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}
