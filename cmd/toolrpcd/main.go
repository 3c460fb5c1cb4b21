// Command toolrpcd runs the tool-invocation RPC server over stdio or HTTP,
// configured entirely from the environment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-flow/toolrpc-go/admission"
	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/agentic-flow/toolrpc-go/config"
	"github.com/agentic-flow/toolrpc-go/fallback"
	"github.com/agentic-flow/toolrpc-go/flowtools"
	"github.com/agentic-flow/toolrpc-go/httprpc"
	"github.com/agentic-flow/toolrpc-go/internal/logctx"
	"github.com/agentic-flow/toolrpc-go/registry"
	"github.com/agentic-flow/toolrpc-go/server"
	"github.com/agentic-flow/toolrpc-go/sessions"
	"github.com/agentic-flow/toolrpc-go/sessions/memorystore"
	"github.com/agentic-flow/toolrpc-go/sessions/redisstore"
	"github.com/agentic-flow/toolrpc-go/stdio"
	"github.com/agentic-flow/toolrpc-go/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	// Protocol traffic owns stdout on the stdio binding; logs go to stderr.
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	users, err := cfg.Auth.ParseUsers()
	if err != nil {
		return err
	}
	auth, err := authn.NewManager(authn.Config{
		Enabled:        cfg.Auth.Enabled,
		Method:         cfg.Auth.Method,
		Tokens:         cfg.Auth.Tokens,
		Users:          users,
		SessionTimeout: cfg.Auth.SessionTimeout,
		Secret:         []byte(cfg.Auth.Secret),
	}, authn.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to construct auth manager: %w", err)
	}

	var store sessions.Store
	switch cfg.Sessions.Store {
	case "redis":
		redisStore, err := redisstore.NewFromEnv()
		if err != nil {
			return fmt.Errorf("failed to connect session store: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
	default:
		store = memorystore.New()
	}
	sess := sessions.NewManager(store,
		sessions.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		sessions.WithSweepInterval(cfg.Sessions.SweepInterval),
		sessions.WithLogger(log))

	reg := registry.New(registry.WithLogger(log))
	if err := flowtools.Register(reg); err != nil {
		return err
	}
	agents := flowtools.NewAgentManager()
	tasks := flowtools.NewTaskManager(agents)

	var tr transport.Transport
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		tr = httprpc.New(addr, httprpc.WithLogger(log))
	} else {
		tr = stdio.New(stdio.WithLogger(log))
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithInfo(server.Info{Name: cfg.ServerName, Version: cfg.ServerVersion}),
		server.WithWorkingDir(cfg.WorkingDir),
		server.WithManagers(map[string]any{
			flowtools.AgentManagerKey: agents,
			flowtools.TaskManagerKey:  tasks,
		}),
	}

	if cfg.Admission.Enabled {
		opts = append(opts, server.WithAdmission(admission.New(admission.Config{
			Enabled:           true,
			RequestsPerSecond: cfg.Admission.RequestsPerSecond,
			Burst:             cfg.Admission.Burst,
			FailureThreshold:  cfg.Admission.FailureThreshold,
			MinSamples:        cfg.Admission.MinSamples,
			Window:            cfg.Admission.Window,
			Cooldown:          cfg.Admission.Cooldown,
		}, admission.WithLogger(log))))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Fallback.Enabled {
		commands := fallback.NewCommandMap(nil)
		if path := cfg.Fallback.CommandMapPath; path != "" {
			commands, err = fallback.LoadCommandMap(path)
			if err != nil {
				return err
			}
			go func() {
				if err := commands.Watch(ctx, path, log); err != nil && ctx.Err() == nil {
					log.Warn("command map watcher stopped", slog.String("err", err.Error()))
				}
			}()
		}
		fb := fallback.New(fallback.Config{
			Enabled:              true,
			MaxQueueSize:         cfg.Fallback.MaxQueueSize,
			QueueTimeout:         cfg.Fallback.QueueTimeout,
			NotificationInterval: cfg.Fallback.NotificationInterval,
			ProbeCommand:         cfg.Fallback.ProbeCommand,
			ProbeInterval:        cfg.Fallback.ProbeInterval,
			ProbeTimeout:         cfg.Fallback.ProbeTimeout,
			ExecTimeout:          cfg.Fallback.ExecTimeout,
		}, commands,
			fallback.WithLogger(log),
			fallback.WithNotifier(tr.SendNotification))
		opts = append(opts, server.WithFallback(fb))
	}

	srv := server.New(tr, reg, sess, auth, opts...)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
