package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"scriptserver/internal/core"
	"scriptserver/internal/schedule"
)

var ErrJobNotFound = core.Mark(errors.New("scheduling job not found"), core.ErrNotFound)

// SaveJob inserts the job or replaces the stored copy.
func (s *Store) SaveJob(ctx context.Context, job *schedule.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	now := formatTime(time.Now())
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedule_jobs (id, owner, script_name, enabled, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			script_name = excluded.script_name,
			enabled = excluded.enabled,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, job.ID, job.User.ID, job.ScriptName, job.Enabled, string(payload), now, now)
	if err != nil {
		return errors.Wrap(err, "save job")
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedule_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*schedule.Job, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM schedule_jobs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, errors.Wrap(err, "get job")
	}
	return decodeJob(payload)
}

// ListJobs returns every stored job, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]*schedule.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT payload FROM schedule_jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var jobs []*schedule.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func decodeJob(payload string) (*schedule.Job, error) {
	var job schedule.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}
