// Package mcp exposes the script server as Model Context Protocol tools, over
// stdio or mounted on the HTTP API.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
	"scriptserver/internal/schedule"
	"scriptserver/internal/scripts"
	"scriptserver/internal/store"
)

const version = "1.0.0"

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	executions *execution.Service
	schedules  *schedule.Service
	catalog    *scripts.Catalog
	history    *store.Store
	logger     *slog.Logger
	location   *time.Location
	// stdio callers carry no identity and act as this user
	defaultUser core.User

	server *server.MCPServer
	tools  []string
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(executions *execution.Service, schedules *schedule.Service, catalog *scripts.Catalog, history *store.Store, logger *slog.Logger, location *time.Location, defaultUser string) *MCPServer {
	s := &MCPServer{
		executions:  executions,
		schedules:   schedules,
		catalog:     catalog,
		history:     history,
		logger:      logger,
		location:    location,
		defaultUser: core.User{ID: defaultUser, AuditNames: map[string]string{"auth": defaultUser}},
	}
	s.server = server.NewMCPServer(
		"scriptserver",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Run serves the stdio transport until stdin closes or ctx is cancelled.
// Nothing else may write to stdout meanwhile.
func (s *MCPServer) Run(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	err := server.NewStdioServer(s.server).Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HTTPHandler serves the streamable HTTP transport. Tool calls act as the
// user attached to the request by the API middleware.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user, ok := core.UserFromContext(r.Context()); ok {
				return core.ContextWithUser(ctx, user)
			}
			return ctx
		}),
	)
}

func (s *MCPServer) user(ctx context.Context) core.User {
	if user, ok := core.UserFromContext(ctx); ok {
		return user
	}
	return s.defaultUser
}

func (s *MCPServer) registerTools() {
	s.registerScriptTools()
	s.registerScheduleTools()
	s.logger.Info("MCP tools registered", "count", len(s.tools))
}

func (s *MCPServer) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.server.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

// toolError reports err to the caller. Errors outside the public taxonomy are
// logged and replaced by a generic message.
func (s *MCPServer) toolError(ctx context.Context, action string, err error) *mcp.CallToolResult {
	if core.Kind(err) == core.ErrInternal {
		s.logger.ErrorContext(ctx, action, "err", err)
	}
	return mcp.NewToolResultError(action + ": " + core.PublicMessage(err))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
