package schedule

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
	"scriptserver/internal/timer"
)

const (
	// RetentionSettingKey is the settings key holding the one-time job
	// retention in minutes.
	RetentionSettingKey     = "onetime_retention_minutes"
	DefaultRetentionMinutes = 30
	// RetainForever disables deletion of fired one-time jobs.
	RetainForever = -1

	maxPreview = 100
)

// Repository persists jobs and the retention setting.
type Repository interface {
	SaveJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]*Job, error)
	JobStats(ctx context.Context, jobID string) (core.JobStats, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Executor starts scripts on behalf of jobs.
type Executor interface {
	ValidateStart(scriptName string, owner core.User, params map[string]any) (execution.ScriptConfig, error)
	StartScript(ctx context.Context, scriptName string, owner core.User, params map[string]any, opts ...execution.StartOption) (string, error)
	IsAdmin(user core.User) bool
}

// JobView is a job together with its derived runtime state.
type JobView struct {
	*Job
	NextFireTime    *time.Time `json:"next_fire_time"`
	ExecutionsCount int        `json:"executions_count"`
	LastExecution   *time.Time `json:"last_execution"`
	Expired         bool       `json:"expired"`
	AutoDeleteAt    *time.Time `json:"auto_delete_at,omitempty"`
}

type jobState struct {
	job        *Job
	executions int
	lastRun    *time.Time
	expired    bool
	deleteAt   time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone recurrence rules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithDefaultRetention sets the one-time job retention used until one is
// stored with SetRetentionMinutes.
func WithDefaultRetention(minutes int) Option {
	return func(s *Service) {
		if minutes >= RetainForever {
			s.retention = minutes
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service keeps persisted jobs armed on a timer wheel and starts their
// scripts when they fire.
type Service struct {
	repo   Repository
	exec   Executor
	wheel  *timer.Wheel
	clock  clockwork.Clock
	loc    *time.Location
	logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	jobs      map[string]*jobState
	retention int
	stopped   bool
}

func NewService(repo Repository, exec Executor, wheel *timer.Wheel, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		exec:      exec,
		wheel:     wheel,
		clock:     wheel.Clock(),
		loc:       time.Local,
		logger:    slog.Default(),
		ctx:       context.Background(),
		jobs:      make(map[string]*jobState),
		retention: DefaultRetentionMinutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the persisted jobs and arms them. One-time jobs whose start
// time passed while the server was down are treated as already fired.
func (s *Service) Start(ctx context.Context) error {
	retention, err := s.loadRetention(ctx)
	if err != nil {
		return err
	}
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}

	states := make([]*jobState, 0, len(jobs))
	for _, job := range jobs {
		stats, err := s.repo.JobStats(ctx, job.ID)
		if err != nil {
			return errors.Wrapf(err, "load stats for %s", job.LogName())
		}
		states = append(states, &jobState{job: job, executions: stats.Executions, lastRun: stats.LastStartedAt})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = context.WithoutCancel(ctx)
	s.retention = retention
	s.stopped = false
	now := s.clock.Now()
	for _, st := range states {
		s.jobs[st.job.ID] = st
		if !st.job.Schedule.Repeatable && !st.job.Schedule.StartAt.After(now) {
			st.expired = true
			s.armExpiryLocked(st, st.job.Schedule.StartAt)
			continue
		}
		s.armLocked(st)
	}
	s.logger.InfoContext(ctx, "scheduler started", "jobs", len(states), "retention_minutes", retention)
	return nil
}

// Stop disarms every job. Jobs stay persisted.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id := range s.jobs {
		s.wheel.Cancel(jobKey(id))
		s.wheel.Cancel(expireKey(id))
	}
}

func (s *Service) loadRetention(ctx context.Context) (int, error) {
	raw, ok, err := s.repo.GetSetting(ctx, RetentionSettingKey)
	if err != nil {
		return 0, errors.Wrap(err, "load retention setting")
	}
	s.mu.Lock()
	fallback := s.retention
	s.mu.Unlock()
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < RetainForever {
		s.logger.WarnContext(ctx, "ignoring bad retention setting", "value", raw)
		return fallback, nil
	}
	return n, nil
}

// CreateJob validates job, assigns it an id owned by user, persists it and
// arms it.
func (s *Service) CreateJob(ctx context.Context, user core.User, job *Job) (*Job, error) {
	job = job.clone()
	job.ID = core.NewID()
	job.User = user
	if job.ParameterValues == nil {
		job.ParameterValues = map[string]any{}
	}
	if err := s.validate(job); err != nil {
		return nil, err
	}
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "save %s", job.LogName())
	}

	s.mu.Lock()
	st := &jobState{job: job}
	s.jobs[job.ID] = st
	s.armLocked(st)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "job created", "job", job.LogName(), "user", user.ID)
	return job.clone(), nil
}

// UpdateJob replaces the schedule, parameters and description of an existing
// job. The id and owner never change.
func (s *Service) UpdateJob(ctx context.Context, user core.User, job *Job) (*Job, error) {
	current, err := s.accessible(job.ID, user)
	if err != nil {
		return nil, err
	}
	job = job.clone()
	job.User = current.User
	if job.ParameterValues == nil {
		job.ParameterValues = map[string]any{}
	}
	if err := s.validate(job); err != nil {
		return nil, err
	}
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "save %s", job.LogName())
	}

	s.mu.Lock()
	st, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return nil, s.discardSaved(ctx, job)
	}
	st.job = job
	st.expired = false
	st.deleteAt = time.Time{}
	s.wheel.Cancel(expireKey(job.ID))
	s.armLocked(st)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "job updated", "job", job.LogName(), "user", user.ID)
	return job.clone(), nil
}

// DeleteJob disarms and removes the job.
func (s *Service) DeleteJob(ctx context.Context, user core.User, id string) error {
	job, err := s.accessible(id, user)
	if err != nil {
		return err
	}
	s.forget(id)
	if err := s.repo.DeleteJob(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(err, "delete %s", job.LogName())
	}
	s.logger.InfoContext(ctx, "job deleted", "job", job.LogName(), "user", user.ID)
	return nil
}

// ToggleEnabled pauses or resumes a job. Re-enabled recurring jobs continue
// from the current time.
func (s *Service) ToggleEnabled(ctx context.Context, user core.User, id string, enabled bool) (*Job, error) {
	job, err := s.accessible(id, user)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "save %s", job.LogName())
	}

	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, s.discardSaved(ctx, job)
	}
	st.job = job
	s.armLocked(st)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "job toggled", "job", job.LogName(), "enabled", enabled)
	return job.clone(), nil
}

// discardSaved removes the row of a job that was deleted or expired while
// it was being saved.
func (s *Service) discardSaved(ctx context.Context, job *Job) error {
	if err := s.repo.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(err, "delete %s", job.LogName())
	}
	return core.NotFoundf("job %s not found", job.ID)
}

// GetJobs lists the jobs user may see, optionally narrowed to one script,
// ordered by next fire time with unarmed jobs last.
func (s *Service) GetJobs(user core.User, scriptName string) []JobView {
	admin := s.exec.IsAdmin(user)

	s.mu.Lock()
	views := make([]JobView, 0, len(s.jobs))
	for _, st := range s.jobs {
		if !admin && st.job.User.ID != user.ID {
			continue
		}
		if scriptName != "" && st.job.ScriptName != scriptName {
			continue
		}
		views = append(views, s.viewLocked(st))
	}
	s.mu.Unlock()

	slices.SortFunc(views, func(a, b JobView) int {
		switch {
		case a.NextFireTime == nil && b.NextFireTime != nil:
			return 1
		case a.NextFireTime != nil && b.NextFireTime == nil:
			return -1
		case a.NextFireTime != nil:
			if c := a.NextFireTime.Compare(*b.NextFireTime); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return views
}

// GetJob returns a single job view.
func (s *Service) GetJob(user core.User, id string) (JobView, error) {
	if _, err := s.accessible(id, user); err != nil {
		return JobView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return JobView{}, core.NotFoundf("job %s not found", id)
	}
	return s.viewLocked(st), nil
}

func (s *Service) viewLocked(st *jobState) JobView {
	view := JobView{
		Job:             st.job.clone(),
		ExecutionsCount: st.executions,
		Expired:         st.expired,
	}
	if st.lastRun != nil {
		last := *st.lastRun
		view.LastExecution = &last
	}
	if next, ok := s.wheel.When(jobKey(st.job.ID)); ok {
		view.NextFireTime = &next
	}
	if !st.deleteAt.IsZero() {
		at := st.deleteAt
		view.AutoDeleteAt = &at
	}
	return view
}

// RetentionMinutes is how long fired one-time jobs are kept. RetainForever
// keeps them until deleted by hand.
func (s *Service) RetentionMinutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

// SetRetentionMinutes persists the retention and reschedules the deletion
// of every fired one-time job accordingly.
func (s *Service) SetRetentionMinutes(ctx context.Context, minutes int) error {
	if minutes < RetainForever {
		return core.InvalidParameterf("retention must be %d or more minutes, got %d", RetainForever, minutes)
	}
	if err := s.repo.SetSetting(ctx, RetentionSettingKey, strconv.Itoa(minutes)); err != nil {
		return errors.Wrap(err, "save retention setting")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = minutes
	for _, st := range s.jobs {
		if st.job.Schedule.Repeatable || !st.expired {
			continue
		}
		firedAt := st.job.Schedule.StartAt
		if st.lastRun != nil {
			firedAt = *st.lastRun
		}
		s.armExpiryLocked(st, firedAt)
	}
	s.logger.InfoContext(ctx, "retention updated", "retention_minutes", minutes)
	return nil
}

// Preview returns up to n upcoming fire times of cfg from now.
func (s *Service) Preview(cfg Config, n int) ([]time.Time, error) {
	now := s.clock.Now()
	if err := cfg.Validate(now); err != nil {
		return nil, err
	}
	n = min(max(n, 1), maxPreview)
	out := make([]time.Time, 0, n)
	after := now
	for i := range n {
		next, ok := cfg.NextTime(after, s.loc, i)
		if !ok {
			break
		}
		out = append(out, next)
		after = next
	}
	return out, nil
}

func (s *Service) validate(job *Job) error {
	if job.ScriptName == "" {
		return core.InvalidParameterf("script_name is required")
	}
	cfg, err := s.exec.ValidateStart(job.ScriptName, job.User, job.ParameterValues)
	if err != nil {
		return err
	}
	if !cfg.Schedulable() {
		return core.InvalidParameterf("script %q cannot be scheduled", job.ScriptName)
	}
	return job.Schedule.Validate(s.clock.Now())
}

// accessible returns a copy of the job if user owns it or administers.
func (s *Service) accessible(id string, user core.User) (*Job, error) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	var job *Job
	if ok {
		job = st.job.clone()
	}
	s.mu.Unlock()

	if !ok {
		return nil, core.NotFoundf("job %s not found", id)
	}
	if job.User.ID != user.ID && !s.exec.IsAdmin(user) {
		return nil, core.Forbiddenf("job %s belongs to another user", id)
	}
	return job, nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	s.wheel.Cancel(jobKey(id))
	s.wheel.Cancel(expireKey(id))
}

// armLocked puts the job's next fire time on the wheel, or disarms it when
// it is disabled or has nothing left to fire.
func (s *Service) armLocked(st *jobState) {
	id := st.job.ID
	s.wheel.Cancel(jobKey(id))
	if s.stopped || !st.job.Enabled || (st.expired && !st.job.Schedule.Repeatable) {
		return
	}
	next, ok := st.job.Schedule.NextTime(s.clock.Now(), s.loc, st.executions)
	if !ok {
		st.expired = true
		if !st.job.Schedule.Repeatable {
			s.armExpiryLocked(st, st.job.Schedule.StartAt)
		}
		return
	}
	st.expired = false
	s.wheel.Schedule(next, jobKey(id), func() { s.fire(id) })
	s.logger.Debug("job armed", "job", st.job.LogName(), "next_fire_time", next)
}

// armExpiryLocked schedules deletion of a fired one-time job.
func (s *Service) armExpiryLocked(st *jobState, firedAt time.Time) {
	id := st.job.ID
	s.wheel.Cancel(expireKey(id))
	if s.retention == RetainForever {
		st.deleteAt = time.Time{}
		return
	}
	st.deleteAt = firedAt.Add(time.Duration(s.retention) * time.Minute)
	s.wheel.Schedule(st.deleteAt, expireKey(id), func() { s.expire(id) })
}

func (s *Service) fire(id string) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok || s.stopped || !st.job.Enabled {
		s.mu.Unlock()
		return
	}
	job := st.job.clone()
	now := s.clock.Now()
	st.executions++
	st.lastRun = &now
	ctx := s.ctx
	s.mu.Unlock()

	logger := s.logger.With("job", job.LogName(), "user", job.User.ID)
	executionID, err := s.exec.StartScript(ctx, job.ScriptName, job.User, job.ParameterValues, execution.FromJob(job.ID))
	if err != nil {
		logger.ErrorContext(ctx, "scheduled start failed", "err", err)
	} else {
		logger.InfoContext(ctx, "scheduled start", "execution_id", executionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.jobs[id]; !ok || current != st {
		return
	}
	if job.Schedule.Repeatable {
		s.armLocked(st)
		return
	}
	st.expired = true
	s.armExpiryLocked(st, now)
}

func (s *Service) expire(id string) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok || !st.expired || st.job.Schedule.Repeatable {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	ctx := s.ctx
	name := st.job.LogName()
	s.mu.Unlock()

	if err := s.repo.DeleteJob(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.logger.ErrorContext(ctx, "delete expired job", "job", name, "err", err)
		return
	}
	s.logger.InfoContext(ctx, "expired job deleted", "job", name)
}

func jobKey(id string) string    { return "job:" + id }
func expireKey(id string) string { return "expire:" + id }
