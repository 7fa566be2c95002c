package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"scriptserver/internal/core"
)

var ErrExecutionNotFound = core.Mark(errors.New("execution not found"), core.ErrNotFound)

const executionColumns = `id, owner, owner_audit, script_name, job_id, command, working_dir, status, exit_code, error, started_at, finished_at`

// ExecutionFilter narrows ListExecutions. Empty fields match everything.
type ExecutionFilter struct {
	Owner      string
	ScriptName string
	JobID      string
	Limit      int
	Offset     int
}

// RecordStarted stores a new running execution.
func (s *Store) RecordStarted(ctx context.Context, rec *core.ExecutionRecord) error {
	command, err := json.Marshal(rec.Command)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	audit, err := json.Marshal(rec.Owner.AuditNames)
	if err != nil {
		return errors.Wrap(err, "encode audit names")
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Owner.ID, string(audit), rec.ScriptName, nullableString(rec.JobID), string(command),
		rec.WorkingDir, rec.Status, nullableInt(rec.ExitCode), nullableString(rec.Error),
		formatTime(rec.StartedAt), nullableTime(rec.FinishedAt))
	if err != nil {
		return errors.Wrap(err, "insert execution")
	}
	return nil
}

// RecordFinished stores the terminal state of an execution.
func (s *Store) RecordFinished(ctx context.Context, id string, status core.ExecutionStatus, exitCode *int, errMsg *string, finishedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, exit_code = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, nullableInt(exitCode), nullableString(errMsg), formatTime(finishedAt), id)
	if err != nil {
		return errors.Wrap(err, "mark execution finished")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListExecutions returns history newest first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*core.ExecutionRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.ScriptName != "" {
		where = append(where, "script_name = ?")
		args = append(args, filter.ScriptName)
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()
	var recs []*core.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobStats counts the executions a scheduling job started.
func (s *Store) JobStats(ctx context.Context, jobID string) (core.JobStats, error) {
	var (
		count int
		last  sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1), MAX(started_at) FROM executions WHERE job_id = ?
	`, jobID).Scan(&count, &last)
	if err != nil {
		return core.JobStats{}, errors.Wrap(err, "job stats")
	}
	stats := core.JobStats{Executions: count}
	if last.Valid {
		t, err := parseTime(last.String)
		if err != nil {
			return core.JobStats{}, err
		}
		stats.LastStartedAt = &t
	}
	return stats, nil
}

// LogPath returns the absolute path for the execution's combined log file.
func (s *Store) LogPath(executionID string) string {
	return filepath.Join(s.StateDir, "runs", executionID, "combined.log")
}

// EnsureLogDir makes sure the directory for an execution's log exists.
func (s *Store) EnsureLogDir(executionID string) error {
	return os.MkdirAll(filepath.Dir(s.LogPath(executionID)), 0o755)
}

// RemoveLogDir deletes the execution's log directory.
func (s *Store) RemoveLogDir(executionID string) error {
	return errors.Wrap(os.RemoveAll(filepath.Dir(s.LogPath(executionID))), "remove log dir")
}

// ReadLog returns the execution's log, or only its last tail lines when
// tail is positive.
func (s *Store) ReadLog(executionID string, tail int) ([]byte, error) {
	data, err := os.ReadFile(s.LogPath(executionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, core.NotFoundf("log of execution %s not found", executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read log")
	}
	return TailLines(data, tail), nil
}

// TailLines keeps the last n lines of data. n <= 0 keeps everything.
func TailLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return data
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// PruneOldLogs removes log files beyond the retention limit for a script.
func (s *Store) PruneOldLogs(ctx context.Context, scriptName string) error {
	if s.LogRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM executions
		WHERE script_name = ? AND finished_at IS NOT NULL
		ORDER BY started_at DESC
		LIMIT -1 OFFSET ?
	`, scriptName, s.LogRetention)
	if err != nil {
		return errors.Wrap(err, "query executions for pruning")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		path := s.LogPath(id)
		_ = os.Remove(path)
		dir := filepath.Dir(path)
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return rows.Err()
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.ExecutionRecord, error) {
	var (
		id         string
		owner      string
		ownerAudit sql.NullString
		scriptName string
		jobID      sql.NullString
		command    string
		workingDir sql.NullString
		status     string
		exitCode   sql.NullInt64
		errMsg     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	if err := scanner.Scan(&id, &owner, &ownerAudit, &scriptName, &jobID, &command, &workingDir,
		&status, &exitCode, &errMsg, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan execution")
	}
	rec := &core.ExecutionRecord{
		ID:         id,
		Owner:      core.User{ID: owner},
		ScriptName: scriptName,
		WorkingDir: workingDir.String,
		Status:     core.ExecutionStatus(status),
	}
	if ownerAudit.Valid && ownerAudit.String != "" {
		if err := json.Unmarshal([]byte(ownerAudit.String), &rec.Owner.AuditNames); err != nil {
			return nil, errors.Wrap(err, "decode audit names")
		}
	}
	if err := json.Unmarshal([]byte(command), &rec.Command); err != nil {
		return nil, errors.Wrap(err, "decode command")
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = started
	if jobID.Valid {
		rec.JobID = &jobID.String
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		rec.FinishedAt = &t
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		rec.ExitCode = &val
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	return rec, nil
}
