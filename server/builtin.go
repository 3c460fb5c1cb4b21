package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/agentic-flow/toolrpc-go/admission"
	"github.com/agentic-flow/toolrpc-go/authn"
	"github.com/agentic-flow/toolrpc-go/fallback"
	"github.com/agentic-flow/toolrpc-go/internal/jsonrpc"
	"github.com/agentic-flow/toolrpc-go/registry"
	"github.com/agentic-flow/toolrpc-go/router"
	"github.com/agentic-flow/toolrpc-go/sessions"
)

// Built-in methods every deployment exposes. Everything else routes to the
// tool registry.
const (
	methodInitialize   = "initialize"
	methodSystemInfo   = "system/info"
	methodSystemHealth = "system/health"
	methodToolsList    = "tools/list"
	methodToolsSchema  = "tools/schema"
	methodToolsReset   = "tools/reset"
	methodAuthLogin    = "auth/login"
	methodAuthLogout   = "auth/logout"
	methodTerminate    = "session/terminate"

	// methodTerminated is the client-side notification announcing it is gone.
	methodTerminated = "notifications/terminated"
)

type builtinHandler func(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response

func (s *Server) builtin(method string) builtinHandler {
	switch method {
	case methodSystemInfo:
		return s.handleSystemInfo
	case methodSystemHealth:
		return s.handleSystemHealth
	case methodToolsList:
		return s.handleToolsList
	case methodToolsSchema:
		return s.handleToolsSchema
	case methodToolsReset:
		return s.handleToolsReset
	case methodAuthLogin:
		return s.handleAuthLogin
	case methodAuthLogout:
		return s.handleAuthLogout
	case methodTerminate:
		return s.handleTerminate
	default:
		return nil
	}
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      sessions.ClientInfo `json:"clientInfo"`
	// Credentials may be supplied inline to combine handshake and login.
	Credentials *authn.Credentials `json:"credentials,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Info           `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
	SessionID       string         `json:"sessionId"`
	Auth            *authn.Result  `json:"auth,omitempty"`
}

func (s *Server) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed initialize params", nil)
		}
	}
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = jsonrpc.ProtocolVersion
	}

	var authResult *authn.Result
	if params.Credentials != nil || !s.auth.Enabled() {
		creds := authn.Credentials{}
		if params.Credentials != nil {
			creds = *params.Credentials
		}
		result := s.auth.Authenticate(ctx, creds)
		if !result.Success {
			// Detail stays in the log; the client learns only that it failed.
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "authentication failed", nil)
		}
		if _, err := s.sess.Attach(ctx, sess.ID, &authn.AuthData{
			User:        result.User,
			Permissions: result.Permissions,
		}); err != nil {
			s.log.ErrorContext(ctx, "failed to attach auth to session", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		authResult = &result
	}

	if _, err := s.sess.Initialize(ctx, sess.ID, params.ClientInfo, params.ProtocolVersion); err != nil {
		if errors.Is(err, sessions.ErrAlreadyInitialized) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
		}
		s.log.ErrorContext(ctx, "failed to initialize session", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	return s.result(req.ID, initializeResult{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities: map[string]any{
			"tools": map[string]any{"list": true, "schema": true},
		},
		Instructions: s.instructions,
		SessionID:    sess.ID,
		Auth:         authResult,
	})
}

func (s *Server) handleSystemInfo(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	tools := s.reg.DiscoverTools(registry.Query{IncludeDeprecated: true, Permissions: []string{authn.Wildcard}})
	return s.result(req.ID, map[string]any{
		"name":            s.info.Name,
		"version":         s.info.Version,
		"protocolVersion": jsonrpc.ProtocolVersion,
		"transport":       s.tr.Kind(),
		"startedAt":       s.startedAt.UTC().Format(time.RFC3339),
		"uptimeSeconds":   int64(time.Since(s.startedAt).Seconds()),
		"toolCount":       len(tools),
		"authEnabled":     s.auth.Enabled(),
	})
}

type healthReport struct {
	Status    string                 `json:"status"`
	Transport transportHealth        `json:"transport"`
	Sessions  int                    `json:"sessions"`
	Router    router.Stats           `json:"router"`
	Admission *admission.Metrics     `json:"admission,omitempty"`
	Fallback  *fallback.Stats        `json:"fallback,omitempty"`
}

type transportHealth struct {
	Kind              string `json:"kind"`
	StreamOpen        bool   `json:"streamOpen"`
	MessagesReceived  uint64 `json:"messagesReceived"`
	NotificationsSent uint64 `json:"notificationsSent"`
}

func (s *Server) handleSystemHealth(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	th := s.tr.HealthStatus()
	report := healthReport{
		Status: "ok",
		Transport: transportHealth{
			Kind:              s.tr.Kind(),
			StreamOpen:        th.StreamOpen,
			MessagesReceived:  th.MessagesReceived,
			NotificationsSent: th.NotificationsSent,
		},
		Router: s.rt.Stats(),
	}
	if count, err := s.sess.Count(ctx); err == nil {
		report.Sessions = count
	}
	if s.adm != nil {
		m := s.adm.Snapshot()
		report.Admission = &m
		if s.adm.State() != admission.BreakerClosed {
			report.Status = "degraded"
		}
	}
	if s.fb != nil {
		st := s.fb.Snapshot()
		report.Fallback = &st
		if st.Active {
			report.Status = "degraded"
		}
	}
	if !th.StreamOpen {
		report.Status = "degraded"
	}
	return s.result(req.ID, report)
}

type toolsListParams struct {
	Category          string   `json:"category,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Capability        string   `json:"capability,omitempty"`
	IncludeDeprecated bool     `json:"includeDeprecated,omitempty"`
}

// handleToolsList lists the tools visible to the calling session: query
// filters are conjunctive and the session's permission set prunes tools it
// could never invoke.
func (s *Server) handleToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params toolsListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed tools/list params", nil)
		}
	}
	tools := s.reg.DiscoverTools(registry.Query{
		Category:          params.Category,
		Tags:              params.Tags,
		Capability:        params.Capability,
		ProtocolVersion:   sess.ProtocolVersion,
		IncludeDeprecated: params.IncludeDeprecated,
		Permissions:       sess.Permissions(),
	})
	return s.result(req.ID, map[string]any{"tools": tools})
}

type toolsSchemaParams struct {
	Name string `json:"name"`
}

func (s *Server) handleToolsSchema(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params toolsSchemaParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/schema requires a tool name", nil)
	}
	tool, cap, err := s.reg.Get(params.Name)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name,
			map[string]any{"name": params.Name})
	}
	return s.result(req.ID, map[string]any{
		"name":        tool.Name,
		"description": tool.Description,
		"inputSchema": tool.InputSchema,
		"capability":  cap,
	})
}

// metricsResetPermission gates the operator-only metrics reset.
const metricsResetPermission = "admin.metrics"

// handleToolsReset zeroes one tool's metrics. Reset is an explicit operator
// action, never automatic, so it is gated on an admin permission.
func (s *Server) handleToolsReset(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if !s.auth.Authorize(sess.Auth, metricsResetPermission) {
		// Same generic message as any other authorization failure.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "authorization failed", nil)
	}
	var params toolsSchemaParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/reset requires a tool name", nil)
	}
	if err := s.reg.ResetMetrics(params.Name); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name,
			map[string]any{"name": params.Name})
	}
	return s.result(req.ID, map[string]any{"reset": true})
}

func (s *Server) handleAuthLogin(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var creds authn.Credentials
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &creds); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed credentials", nil)
		}
	}
	result := s.auth.Authenticate(ctx, creds)
	if result.Success {
		if _, err := s.sess.Attach(ctx, sess.ID, &authn.AuthData{
			User:        result.User,
			Permissions: result.Permissions,
		}); err != nil {
			s.log.ErrorContext(ctx, "failed to attach auth to session", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}
	// Failure is a result, not a protocol error; the message is generic by
	// contract.
	return s.result(req.ID, result)
}

type authLogoutParams struct {
	Token string `json:"token,omitempty"`
}

func (s *Server) handleAuthLogout(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params authLogoutParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed logout params", nil)
		}
	}
	if params.Token != "" {
		s.auth.RevokeToken(params.Token)
	}
	if _, err := s.sess.Detach(ctx, sess.ID); err != nil {
		s.log.ErrorContext(ctx, "failed to detach auth from session", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return s.result(req.ID, map[string]any{"success": true})
}

func (s *Server) handleTerminate(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if err := s.sess.Terminate(ctx, sess.ID); err != nil {
		s.log.ErrorContext(ctx, "failed to terminate session", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if s.adm != nil {
		s.adm.RemoveSession(sess.ID)
	}
	s.clearSession(sess.ID)
	return s.result(req.ID, map[string]any{"terminated": true})
}

func (s *Server) result(id *jsonrpc.RequestID, payload any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, payload)
	if err != nil {
		s.log.Error("failed to encode result", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error: unencodable result", nil)
	}
	return resp
}
