package schedule_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
	"scriptserver/internal/schedule"
	"scriptserver/internal/store"
	"scriptserver/internal/timer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var (
	alice = core.User{ID: "alice"}
	bob   = core.User{ID: "bob"}
	root  = core.User{ID: "root"}
)

type fakeScript struct {
	name        string
	schedulable bool
}

func (f fakeScript) Name() string                         { return f.name }
func (f fakeScript) WorkingDirectory() string             { return "" }
func (f fakeScript) ConnectionIDs() []string              { return nil }
func (f fakeScript) Schedulable() bool                    { return f.schedulable }
func (f fakeScript) OutputFiles(map[string]any) []string { return nil }
func (f fakeScript) InputPrompt() string                  { return "" }

func (f fakeScript) Materialize(map[string]any) (execution.Invocation, error) {
	return execution.Invocation{Command: []string{f.name}}, nil
}

type start struct {
	script string
	user   string
	params map[string]any
}

// fakeExecutor records starts instead of spawning processes.
type fakeExecutor struct {
	mu     sync.Mutex
	starts []start
}

func (f *fakeExecutor) ValidateStart(scriptName string, owner core.User, _ map[string]any) (execution.ScriptConfig, error) {
	switch scriptName {
	case "backup":
		return fakeScript{name: scriptName, schedulable: true}, nil
	case "interactive":
		return fakeScript{name: scriptName}, nil
	}
	return nil, core.NotFoundf("script %q not found", scriptName)
}

func (f *fakeExecutor) StartScript(_ context.Context, scriptName string, owner core.User, params map[string]any, _ ...execution.StartOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, start{script: scriptName, user: owner.ID, params: params})
	return core.NewID(), nil
}

func (f *fakeExecutor) IsAdmin(user core.User) bool { return user.ID == "root" }

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type harness struct {
	svc   *schedule.Service
	exec  *fakeExecutor
	repo  *store.Store
	wheel *timer.Wheel
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	repo, err := store.Open(ctx, t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(epoch)
	wheel := timer.New(clock, logger)
	exec := &fakeExecutor{}
	svc := schedule.NewService(repo, exec, wheel, schedule.WithLocation(time.UTC), schedule.WithLogger(logger))
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)
	return &harness{svc: svc, exec: exec, repo: repo, wheel: wheel, clock: clock}
}

func everyMinute(from time.Time) schedule.Config {
	return schedule.Config{
		Repeatable:   true,
		StartAt:      from,
		RepeatUnit:   schedule.UnitMinutes,
		RepeatPeriod: 1,
	}
}

func (h *harness) create(t *testing.T, user core.User, cfg schedule.Config) *schedule.Job {
	t.Helper()
	job, err := h.svc.CreateJob(context.Background(), user, &schedule.Job{
		ScriptName:      "backup",
		Schedule:        cfg,
		ParameterValues: map[string]any{"target": "s3"},
		Enabled:         true,
	})
	require.NoError(t, err)
	return job
}

func TestRecurringJobFiresOncePerWindow(t *testing.T) {
	h := newHarness(t)
	h.create(t, alice, everyMinute(epoch.Add(60*time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.wheel.Start(ctx)
	t.Cleanup(func() { assert.NoError(t, h.wheel.Stop()) })

	for range 185 {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		h.clock.Advance(time.Second)
	}
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	assert.Equal(t, 3, h.exec.count())
	h.exec.mu.Lock()
	assert.Equal(t, start{script: "backup", user: "alice", params: map[string]any{"target": "s3"}}, h.exec.starts[0])
	h.exec.mu.Unlock()
}

func TestMissedWindowsDoNotBurst(t *testing.T) {
	h := newHarness(t)
	job := h.create(t, alice, everyMinute(epoch.Add(time.Minute)))

	h.clock.Advance(10*time.Minute + 30*time.Second)
	assert.Equal(t, 1, h.wheel.RunDue(h.clock.Now()))
	assert.Equal(t, 0, h.wheel.RunDue(h.clock.Now()))
	assert.Equal(t, 1, h.exec.count())

	view, err := h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFireTime)
	assert.Equal(t, epoch.Add(11*time.Minute), *view.NextFireTime)
	assert.Equal(t, 1, view.ExecutionsCount)
	require.NotNil(t, view.LastExecution)
	assert.Equal(t, h.clock.Now(), *view.LastExecution)
}

func TestMaxExecutionsExpiresRecurringJob(t *testing.T) {
	h := newHarness(t)
	cfg := everyMinute(epoch.Add(time.Minute))
	cfg.EndOption = schedule.EndMaxExecutions
	cfg.EndArg = "2"
	job := h.create(t, alice, cfg)

	for range 3 {
		h.clock.Advance(time.Minute)
		h.wheel.RunDue(h.clock.Now())
	}
	assert.Equal(t, 2, h.exec.count())

	view, err := h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	assert.True(t, view.Expired)
	assert.Nil(t, view.NextFireTime)
}

func TestOneTimeJobRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fireAt := epoch.Add(time.Minute)
	job := h.create(t, alice, schedule.Config{StartAt: fireAt})
	assert.Equal(t, schedule.DefaultRetentionMinutes, h.svc.RetentionMinutes())

	h.clock.Advance(time.Minute)
	require.Equal(t, 1, h.wheel.RunDue(h.clock.Now()))
	assert.Equal(t, 1, h.exec.count())

	view, err := h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	assert.True(t, view.Expired)
	require.NotNil(t, view.AutoDeleteAt)
	assert.Equal(t, fireAt.Add(30*time.Minute), *view.AutoDeleteAt)

	h.clock.Advance(29 * time.Minute)
	h.wheel.RunDue(h.clock.Now())
	assert.Len(t, h.svc.GetJobs(alice, ""), 1)

	h.clock.Advance(time.Minute)
	h.wheel.RunDue(h.clock.Now())
	assert.Empty(t, h.svc.GetJobs(alice, ""))
	_, err = h.repo.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, h.exec.count())
}

func TestRetainForever(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.SetRetentionMinutes(ctx, schedule.RetainForever))
	require.ErrorIs(t, h.svc.SetRetentionMinutes(ctx, -2), core.ErrInvalidParameter)

	job := h.create(t, alice, schedule.Config{StartAt: epoch.Add(time.Minute)})
	h.clock.Advance(time.Minute)
	h.wheel.RunDue(h.clock.Now())

	h.clock.Advance(365 * 24 * time.Hour)
	h.wheel.RunDue(h.clock.Now())
	view, err := h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	assert.True(t, view.Expired)
	assert.Nil(t, view.AutoDeleteAt)

	// lowering the retention afterwards schedules the deletion
	require.NoError(t, h.svc.SetRetentionMinutes(ctx, 5))
	h.wheel.RunDue(h.clock.Now())
	assert.Empty(t, h.svc.GetJobs(alice, ""))

	raw, ok, err := h.repo.GetSetting(ctx, schedule.RetentionSettingKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", raw)
}

func TestJobsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	recurringJob := h.create(t, alice, everyMinute(epoch.Add(time.Minute)))
	h.create(t, bob, schedule.Config{StartAt: epoch.Add(time.Hour)})
	h.svc.Stop()
	assert.Equal(t, 0, h.wheel.Pending())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := schedule.NewService(h.repo, h.exec, h.wheel, schedule.WithLocation(time.UTC), schedule.WithLogger(logger))
	require.NoError(t, restarted.Start(ctx))
	t.Cleanup(restarted.Stop)

	views := restarted.GetJobs(root, "")
	require.Len(t, views, 2)
	assert.Equal(t, recurringJob.ID, views[0].ID)
	assert.Equal(t, epoch.Add(time.Minute), *views[0].NextFireTime)
	assert.Equal(t, 2, h.wheel.Pending())
}

func TestJobAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, alice, everyMinute(epoch.Add(time.Minute)))

	assert.Empty(t, h.svc.GetJobs(bob, ""))
	assert.Len(t, h.svc.GetJobs(root, ""), 1)
	assert.Len(t, h.svc.GetJobs(alice, "backup"), 1)
	assert.Empty(t, h.svc.GetJobs(alice, "other"))

	_, err := h.svc.GetJob(bob, job.ID)
	require.ErrorIs(t, err, core.ErrForbidden)
	require.ErrorIs(t, h.svc.DeleteJob(ctx, bob, job.ID), core.ErrForbidden)
	_, err = h.svc.ToggleEnabled(ctx, bob, job.ID, false)
	require.ErrorIs(t, err, core.ErrForbidden)
	_, err = h.svc.UpdateJob(ctx, bob, job)
	require.ErrorIs(t, err, core.ErrForbidden)
	require.ErrorIs(t, h.svc.DeleteJob(ctx, alice, "missing"), core.ErrNotFound)

	updated := *job
	updated.User = bob
	updated.Description = "nightly"
	got, err := h.svc.UpdateJob(ctx, root, &updated)
	require.NoError(t, err)
	assert.Equal(t, alice, got.User, "owner never changes")
	assert.Equal(t, "nightly", got.Description)

	require.NoError(t, h.svc.DeleteJob(ctx, root, job.ID))
	assert.Empty(t, h.svc.GetJobs(root, ""))
	assert.Equal(t, 0, h.wheel.Pending())
}

func TestCreateJobValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		scenario string
		given    schedule.Job
		then     error
	}{
		{"unknown script", schedule.Job{ScriptName: "missing", Schedule: everyMinute(epoch)}, core.ErrNotFound},
		{"script not schedulable", schedule.Job{ScriptName: "interactive", Schedule: everyMinute(epoch)}, core.ErrInvalidParameter},
		{"no script", schedule.Job{Schedule: everyMinute(epoch)}, core.ErrInvalidParameter},
		{"one-time in the past", schedule.Job{ScriptName: "backup", Schedule: schedule.Config{StartAt: epoch.Add(-time.Second)}}, core.ErrInvalidSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := h.svc.CreateJob(ctx, alice, &tt.given)
			require.ErrorIs(t, err, tt.then)
		})
	}
	assert.Empty(t, h.svc.GetJobs(root, ""))
}

func TestToggleEnabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.create(t, alice, everyMinute(epoch.Add(time.Minute)))

	_, err := h.svc.ToggleEnabled(ctx, alice, job.ID, false)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	h.wheel.RunDue(h.clock.Now())
	assert.Equal(t, 0, h.exec.count())

	view, err := h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	assert.False(t, view.Enabled)
	assert.Nil(t, view.NextFireTime)

	_, err = h.svc.ToggleEnabled(ctx, alice, job.ID, true)
	require.NoError(t, err)
	view, err = h.svc.GetJob(alice, job.ID)
	require.NoError(t, err)
	require.NotNil(t, view.NextFireTime)
	assert.Equal(t, epoch.Add(6*time.Minute), *view.NextFireTime)

	stored, err := h.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
}

func TestPreview(t *testing.T) {
	h := newHarness(t)

	times, err := h.svc.Preview(everyMinute(epoch.Add(-30*time.Second)), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		epoch.Add(30 * time.Second),
		epoch.Add(90 * time.Second),
		epoch.Add(150 * time.Second),
	}, times)

	times, err = h.svc.Preview(schedule.Config{StartAt: epoch.Add(time.Hour)}, 5)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{epoch.Add(time.Hour)}, times)

	_, err = h.svc.Preview(schedule.Config{Repeatable: true, Cron: "nope"}, 5)
	require.ErrorIs(t, err, core.ErrInvalidSchedule)
}

// racingRepo runs onSave once, right after the first save that follows it
// being set.
type racingRepo struct {
	*store.Store
	onSave func()
}

func (r *racingRepo) SaveJob(ctx context.Context, job *schedule.Job) error {
	if err := r.Store.SaveJob(ctx, job); err != nil {
		return err
	}
	if hook := r.onSave; hook != nil {
		r.onSave = nil
		hook()
	}
	return nil
}

func TestMutationDoesNotResurrectDeletedJob(t *testing.T) {
	tests := []struct {
		scenario string
		mutate   func(svc *schedule.Service, job *schedule.Job) error
	}{
		{
			scenario: "update",
			mutate: func(svc *schedule.Service, job *schedule.Job) error {
				job.Description = "renamed"
				_, err := svc.UpdateJob(context.Background(), alice, job)
				return err
			},
		},
		{
			scenario: "toggle",
			mutate: func(svc *schedule.Service, job *schedule.Job) error {
				_, err := svc.ToggleEnabled(context.Background(), alice, job.ID, false)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			ctx := context.Background()
			st, err := store.Open(ctx, t.TempDir(), 10)
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			repo := &racingRepo{Store: st}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			wheel := timer.New(clockwork.NewFakeClockAt(epoch), logger)
			svc := schedule.NewService(repo, &fakeExecutor{}, wheel, schedule.WithLocation(time.UTC), schedule.WithLogger(logger))
			require.NoError(t, svc.Start(ctx))
			t.Cleanup(svc.Stop)

			job, err := svc.CreateJob(ctx, alice, &schedule.Job{
				ScriptName: "backup",
				Schedule:   everyMinute(epoch.Add(time.Minute)),
				Enabled:    true,
			})
			require.NoError(t, err)

			repo.onSave = func() { require.NoError(t, svc.DeleteJob(ctx, alice, job.ID)) }
			require.ErrorIs(t, tt.mutate(svc, job), core.ErrNotFound)

			assert.Empty(t, svc.GetJobs(alice, ""))
			assert.Equal(t, 0, wheel.Pending())
			_, err = st.GetJob(ctx, job.ID)
			require.ErrorIs(t, err, store.ErrJobNotFound)
		})
	}
}
