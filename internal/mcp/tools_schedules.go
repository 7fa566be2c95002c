package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"scriptserver/internal/core"
	"scriptserver/internal/schedule"
)

func scheduleOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("start_datetime",
			mcp.Description("First fire time, RFC 3339 or 'YYYY-MM-DD HH:MM' in server time"),
		),
		mcp.WithBoolean("repeatable",
			mcp.Description("Fire repeatedly instead of once"),
		),
		mcp.WithString("repeat_unit",
			mcp.Description("Interval unit of a repeatable schedule"),
			mcp.Enum("minutes", "hours", "days", "weeks", "months"),
		),
		mcp.WithNumber("repeat_period",
			mcp.Description("Fire every N repeat units"),
			mcp.Min(1),
		),
		mcp.WithString("weekdays",
			mcp.Description("Comma separated weekdays for weekly schedules, e.g. 'monday,friday'"),
		),
		mcp.WithString("cron",
			mcp.Description("5-field cron expression; replaces repeat_unit and repeat_period"),
		),
		mcp.WithString("end_option",
			mcp.Description("When a repeatable schedule stops"),
			mcp.Enum(string(schedule.EndNever), string(schedule.EndMaxExecutions), string(schedule.EndDatetime)),
		),
		mcp.WithString("end_arg",
			mcp.Description("Execution count for max_executions, RFC 3339 time for end_datetime"),
		),
	}
}

func (s *MCPServer) registerScheduleTools() {
	create := []mcp.ToolOption{
		mcp.WithDescription("Schedule a script to run once or repeatedly"),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("Script name; it must be schedulable"),
		),
		mcp.WithObject("parameters",
			mcp.Description("Parameter values keyed by parameter name"),
		),
		mcp.WithString("description",
			mcp.Description("Free text shown in schedule listings"),
		),
	}
	s.addTool(mcp.NewTool("schedule_create", append(create, scheduleOptions()...)...), s.handleCreateSchedule)

	s.addTool(mcp.NewTool("schedule_list",
		mcp.WithDescription("List your scheduling jobs ordered by next fire time"),
		mcp.WithString("script",
			mcp.Description("Only list jobs of this script"),
		),
	), s.handleListSchedules)

	s.addTool(mcp.NewTool("schedule_delete",
		mcp.WithDescription("Delete a scheduling job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleDeleteSchedule)

	s.addTool(mcp.NewTool("schedule_toggle",
		mcp.WithDescription("Pause or resume a scheduling job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("true resumes the job, false pauses it"),
		),
	), s.handleToggleSchedule)

	preview := []mcp.ToolOption{
		mcp.WithDescription("Preview the upcoming fire times of a schedule without saving it"),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(100),
		),
	}
	s.addTool(mcp.NewTool("schedule_preview", append(preview, scheduleOptions()...)...), s.handlePreviewSchedule)

	s.addTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("5-field cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)
}

// parseSchedule builds a schedule config from the flat tool arguments.
func (s *MCPServer) parseSchedule(request mcp.CallToolRequest) (schedule.Config, error) {
	cfg := schedule.Config{
		Repeatable:   mcp.ParseBoolean(request, "repeatable", false),
		RepeatUnit:   schedule.RepeatUnit(mcp.ParseString(request, "repeat_unit", "")),
		RepeatPeriod: int(mcp.ParseFloat64(request, "repeat_period", 0)),
		Cron:         mcp.ParseString(request, "cron", ""),
		EndOption:    schedule.EndOption(mcp.ParseString(request, "end_option", "")),
		EndArg:       schedule.EndArg(mcp.ParseString(request, "end_arg", "")),
	}
	if cfg.Cron != "" {
		cfg.Repeatable = true
	}

	if raw := strings.TrimSpace(mcp.ParseString(request, "start_datetime", "")); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			start, err = time.ParseInLocation("2006-01-02 15:04", raw, s.location)
		}
		if err != nil {
			return cfg, core.InvalidSchedulef("start_datetime %q is not a valid time", raw)
		}
		cfg.StartAt = start
	}

	for _, name := range strings.Split(mcp.ParseString(request, "weekdays", ""), ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		var day schedule.Weekday
		if err := day.UnmarshalText([]byte(name)); err != nil {
			return cfg, err
		}
		cfg.Weekdays = append(cfg.Weekdays, day)
	}
	return cfg, nil
}

func (s *MCPServer) handleCreateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cfg, err := s.parseSchedule(request)
	if err != nil {
		return s.toolError(ctx, "create schedule", err), nil
	}
	params, _ := request.GetArguments()["parameters"].(map[string]any)

	user := s.user(ctx)
	job, err := s.schedules.CreateJob(ctx, user, &schedule.Job{
		Schedule:        cfg,
		ScriptName:      script,
		ParameterValues: params,
		Description:     mcp.ParseString(request, "description", ""),
		Enabled:         true,
	})
	if err != nil {
		return s.toolError(ctx, "create schedule", err), nil
	}
	view, err := s.schedules.GetJob(user, job.ID)
	if err != nil {
		return s.toolError(ctx, "create schedule", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule created\nID: %s\nScript: %s\nNext fire: %s",
		job.ID, job.ScriptName, formatTime(view.NextFireTime))), nil
}

func (s *MCPServer) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	views := s.schedules.GetJobs(s.user(ctx), mcp.ParseString(request, "script", ""))
	if len(views) == 0 {
		return mcp.NewToolResultText("No scheduling jobs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d job(s):\n\n", len(views))
	for _, v := range views {
		state := "enabled"
		switch {
		case v.Expired:
			state = "expired"
		case !v.Enabled:
			state = "paused"
		}
		fmt.Fprintf(&b, "%s [%s]\n", v.ID, state)
		fmt.Fprintf(&b, "  Script: %s\n", v.ScriptName)
		if v.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", v.Description)
		}
		fmt.Fprintf(&b, "  Schedule: %s\n", describeSchedule(v.Schedule))
		fmt.Fprintf(&b, "  Next fire: %s\n", formatTime(v.NextFireTime))
		fmt.Fprintf(&b, "  Executions: %d, last %s\n", v.ExecutionsCount, formatTime(v.LastExecution))
		if v.AutoDeleteAt != nil {
			fmt.Fprintf(&b, "  Deleted at: %s\n", formatTime(v.AutoDeleteAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleDeleteSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.schedules.DeleteJob(ctx, s.user(ctx), id); err != nil {
		return s.toolError(ctx, "delete schedule", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule deleted: %s", id)), nil
}

func (s *MCPServer) handleToggleSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.schedules.ToggleEnabled(ctx, s.user(ctx), id, enabled)
	if err != nil {
		return s.toolError(ctx, "toggle schedule", err), nil
	}
	state := "paused"
	if job.Enabled {
		state = "enabled"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule %s is %s", id, state)), nil
}

func (s *MCPServer) handlePreviewSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, err := s.parseSchedule(request)
	if err != nil {
		return s.toolError(ctx, "preview schedule", err), nil
	}
	times, err := s.schedules.Preview(cfg, int(mcp.ParseFloat64(request, "count", 5)))
	if err != nil {
		return s.toolError(ctx, "preview schedule", err), nil
	}
	return mcp.NewToolResultText(formatTimes(times)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr, err := request.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cronSchedule, err := core.ParseCron(expr)
	if err != nil {
		return s.toolError(ctx, "preview cron", err), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	return mcp.NewToolResultText(formatTimes(core.NextOccurrences(cronSchedule, time.Now().In(s.location), count))), nil
}

func formatTimes(times []time.Time) string {
	if len(times) == 0 {
		return "The schedule never fires"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Next %d fire time(s):\n", len(times))
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatTime(&t))
	}
	return b.String()
}

func describeSchedule(cfg schedule.Config) string {
	switch {
	case !cfg.Repeatable:
		return "once at " + formatTime(&cfg.StartAt)
	case cfg.Cron != "":
		return "cron " + cfg.Cron
	case len(cfg.Weekdays) > 0:
		days := make([]string, 0, len(cfg.Weekdays))
		for _, d := range cfg.Weekdays {
			days = append(days, time.Weekday(d).String())
		}
		return fmt.Sprintf("every %d week(s) on %s from %s", cfg.RepeatPeriod, strings.Join(days, ", "), formatTime(&cfg.StartAt))
	}
	return fmt.Sprintf("every %d %s from %s", cfg.RepeatPeriod, cfg.RepeatUnit, formatTime(&cfg.StartAt))
}
