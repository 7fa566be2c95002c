package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
)

const maxWait = 10 * time.Minute

func (s *MCPServer) registerScriptTools() {
	s.addTool(mcp.NewTool("script_list",
		mcp.WithDescription("List the scripts you may run, with their parameters"),
	), s.handleListScripts)

	s.addTool(mcp.NewTool("script_run",
		mcp.WithDescription("Start a script. Optionally wait for it to finish and return its output"),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("Script name as returned by script_list"),
		),
		mcp.WithObject("parameters",
			mcp.Description("Parameter values keyed by parameter name"),
		),
		mcp.WithNumber("wait_seconds",
			mcp.Description("Seconds to wait for the execution to finish, 0 returns immediately"),
			mcp.Min(0),
			mcp.Max(maxWait.Seconds()),
		),
	), s.handleRunScript)

	s.addTool(mcp.NewTool("script_stop",
		mcp.WithDescription("Ask a running execution to terminate"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleStopScript)

	s.addTool(mcp.NewTool("script_kill",
		mcp.WithDescription("Force-kill a running execution and its child processes"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleKillScript)

	s.addTool(mcp.NewTool("script_input",
		mcp.WithDescription("Send a line of input to a running execution"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to send; a newline is appended"),
		),
	), s.handleScriptInput)

	s.addTool(mcp.NewTool("execution_status",
		mcp.WithDescription("Show the status of an execution"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
	), s.handleExecutionStatus)

	s.addTool(mcp.NewTool("execution_log",
		mcp.WithDescription("Get the output of an execution"),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines, default all"),
			mcp.Min(0),
		),
	), s.handleExecutionLog)
}

func (s *MCPServer) handleListScripts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.catalog.List(s.user(ctx))
	if len(list) == 0 {
		return mcp.NewToolResultText("No scripts available"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d script(s):\n\n", len(list))
	for _, script := range list {
		fmt.Fprintf(&b, "%s\n", script.Name())
		if desc := script.Description(); desc != "" {
			fmt.Fprintf(&b, "  %s\n", desc)
		}
		if script.Schedulable() {
			b.WriteString("  schedulable\n")
		}
		for _, p := range script.Parameters() {
			fmt.Fprintf(&b, "  - %s (%s", p.Name, p.Type)
			if p.Required {
				b.WriteString(", required")
			}
			if len(p.Values) > 0 {
				fmt.Fprintf(&b, ", one of %s", strings.Join(p.Values, "|"))
			}
			if p.Default != nil {
				fmt.Fprintf(&b, ", default %v", p.Default)
			}
			b.WriteString(")\n")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params, _ := request.GetArguments()["parameters"].(map[string]any)
	wait := time.Duration(mcp.ParseFloat64(request, "wait_seconds", 0) * float64(time.Second))
	wait = min(wait, maxWait)

	user := s.user(ctx)
	id, err := s.executions.StartScript(ctx, name, user, params)
	if err != nil {
		return s.toolError(ctx, "start script", err), nil
	}
	s.logger.InfoContext(ctx, "script started over mcp", "execution_id", id, "script", name, "user", user.ID)
	if wait <= 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Execution started\nID: %s\nScript: %s", id, name)), nil
	}

	e, err := s.executions.GetActiveExecutor(id, user)
	if err != nil {
		return s.toolError(ctx, "get execution", err), nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.Finished():
	case <-timer.C:
		return mcp.NewToolResultText(fmt.Sprintf("Execution %s is still running after %s; use execution_status or execution_log to follow it", id, wait)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var b strings.Builder
	writeExecution(&b, e)
	if data, err := s.history.ReadLog(id, 0); err == nil {
		fmt.Fprintf(&b, "\nOutput:\n%s", data)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStopScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, request, "stop", s.executions.StopScript)
}

func (s *MCPServer) handleKillScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, request, "kill", s.executions.KillScript)
}

func (s *MCPServer) control(ctx context.Context, request mcp.CallToolRequest, verb string, action func(context.Context, string, core.User) error) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := action(ctx, id, s.user(ctx)); err != nil {
		return s.toolError(ctx, verb+" execution", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Sent %s to execution %s", verb, id)), nil
}

func (s *MCPServer) handleScriptInput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text := mcp.ParseString(request, "text", "")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := s.executions.WriteInput(id, s.user(ctx), []byte(text)); err != nil {
		return s.toolError(ctx, "send input", err), nil
	}
	return mcp.NewToolResultText("Input sent"), nil
}

func (s *MCPServer) handleExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	user := s.user(ctx)

	var b strings.Builder
	e, err := s.executions.GetActiveExecutor(id, user)
	if err == nil {
		writeExecution(&b, e)
		return mcp.NewToolResultText(b.String()), nil
	}
	// evicted or from a previous server run
	if !errors.Is(err, core.ErrNotFound) {
		return s.toolError(ctx, "get execution", err), nil
	}

	rec, err := s.record(ctx, id, user)
	if err != nil {
		return s.toolError(ctx, "get execution", err), nil
	}
	fmt.Fprintf(&b, "Execution: %s\nScript: %s\nStatus: %s\n", rec.ID, rec.ScriptName, rec.Status)
	if rec.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *rec.ExitCode)
	}
	fmt.Fprintf(&b, "Started: %s\nFinished: %s\n", formatTime(&rec.StartedAt), formatTime(rec.FinishedAt))
	if rec.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", *rec.Error)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleExecutionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.record(ctx, id, s.user(ctx)); err != nil {
		return s.toolError(ctx, "get execution", err), nil
	}
	data, err := s.history.ReadLog(id, int(mcp.ParseFloat64(request, "tail", 0)))
	if err != nil {
		return s.toolError(ctx, "read log", err), nil
	}
	if len(data) == 0 {
		return mcp.NewToolResultText("(no output)"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) record(ctx context.Context, id string, user core.User) (*core.ExecutionRecord, error) {
	rec, err := s.history.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Owner.ID != user.ID && !s.executions.IsAdmin(user) {
		return nil, core.Forbiddenf("execution %s belongs to another user", id)
	}
	return rec, nil
}

func writeExecution(b *strings.Builder, e *execution.Execution) {
	fmt.Fprintf(b, "Execution: %s\nScript: %s\nStatus: %s\n", e.ID, e.ScriptName, e.Status())
	if code := e.ExitCode(); code != nil {
		fmt.Fprintf(b, "Exit code: %d\n", *code)
	}
	started, finished := e.StartedAt(), e.FinishedAt()
	fmt.Fprintf(b, "Started: %s\nFinished: %s\n", formatTime(&started), formatTime(&finished))
	for _, file := range e.OutputFiles() {
		fmt.Fprintf(b, "File: %s %s\n", file.Filename, file.URL)
	}
}
