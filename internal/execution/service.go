// Package execution starts scripts as OS processes and tracks them until
// they finish.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"scriptserver/internal/core"
	"scriptserver/internal/logging"
	"scriptserver/internal/notify"
	"scriptserver/internal/process"
)

// Invocation is a script's command line and extra environment after
// parameter substitution.
type Invocation struct {
	Command []string
	Env     map[string]string
}

// ScriptConfig is a script definition as seen by the engine.
type ScriptConfig interface {
	Name() string
	WorkingDirectory() string
	// Materialize substitutes values into the command line. Bad values
	// yield an error marked core.ErrInvalidParameter.
	Materialize(values map[string]any) (Invocation, error)
	ConnectionIDs() []string
	Schedulable() bool
	// OutputFiles lists the artifact paths the script may produce.
	OutputFiles(values map[string]any) []string
	InputPrompt() string
}

// ScriptCatalog resolves script names. Unknown names yield core.ErrNotFound.
type ScriptCatalog interface {
	Find(name string) (ScriptConfig, error)
}

// Authorizer decides who may run scripts and who administers.
type Authorizer interface {
	CanAccess(user core.User, scriptName string) bool
	IsAdmin(user core.User) bool
}

// Credentials is what the injector adds to a process. TempFiles are removed
// on cleanup.
type Credentials struct {
	Env       map[string]string
	TempFiles []string
}

// CredentialInjector resolves connection ids into process credentials.
type CredentialInjector func(ctx context.Context, connectionIDs []string) (*Credentials, error)

// History persists execution records and their logs.
type History interface {
	RecordStarted(ctx context.Context, rec *core.ExecutionRecord) error
	RecordFinished(ctx context.Context, id string, status core.ExecutionStatus, exitCode *int, errMsg *string, finishedAt time.Time) error
	LogPath(id string) string
	EnsureLogDir(id string) error
	RemoveLogDir(id string) error
	PruneOldLogs(ctx context.Context, scriptName string) error
}

// StartOption tweaks a single StartScript call.
type StartOption func(*startOptions)

type startOptions struct {
	jobID string
}

// FromJob tags the execution as started by a scheduling job.
func FromJob(jobID string) StartOption {
	return func(o *startOptions) { o.jobID = jobID }
}

// Option configures a Service.
type Option func(*Service)

func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

func WithInjector(fn CredentialInjector) Option {
	return func(s *Service) { s.inject = fn }
}

// WithNotifier sets where start failures are reported.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.alerts = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithKeepFinished bounds how many finished executions stay in memory.
func WithKeepFinished(n int) Option {
	return func(s *Service) { s.keepFinished = n }
}

// WithProcessOptions is applied to every spawned process.
func WithProcessOptions(opts ...process.Option) Option {
	return func(s *Service) { s.processOpts = append(s.processOpts, opts...) }
}

// WithFileURL overrides how artifact download URLs are built.
func WithFileURL(fn func(executionID string, index int) string) Option {
	return func(s *Service) { s.fileURL = fn }
}

// Service is the public contract for starting, stopping and inspecting
// executions.
type Service struct {
	catalog      ScriptCatalog
	auth         Authorizer
	inject       CredentialInjector
	alerts       notify.Notifier
	history      History
	logger       *slog.Logger
	clock        clockwork.Clock
	keepFinished int
	processOpts  []process.Option
	fileURL      func(string, int) string

	registry *Registry
	wg       sync.WaitGroup
}

func NewService(catalog ScriptCatalog, auth Authorizer, opts ...Option) *Service {
	s := &Service{
		catalog: catalog,
		auth:    auth,
		alerts:  &notify.NoOpNotifier{},
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		fileURL: func(id string, index int) string {
			return fmt.Sprintf("/v1/executions/%s/files/%d", id, index)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = NewRegistry(s.keepFinished, s.logger)
	return s
}

// Registry exposes the execution registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// IsAdmin reports whether user administers the server.
func (s *Service) IsAdmin(user core.User) bool {
	return s.auth.IsAdmin(user)
}

// StartScript launches scriptName for owner and returns the execution id.
// Access is checked before the script is looked up, so callers without
// access get core.ErrForbidden whether or not the script exists.
func (s *Service) StartScript(ctx context.Context, scriptName string, owner core.User, params map[string]any, opts ...StartOption) (string, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := s.logger.With("script", scriptName, "user", owner.ID)

	cfg, inv, err := s.resolve(scriptName, owner, params)
	if err != nil {
		return "", err
	}

	creds := &Credentials{}
	if s.inject != nil && len(cfg.ConnectionIDs()) > 0 {
		creds, err = s.inject(ctx, cfg.ConnectionIDs())
		if err != nil {
			err = core.StartFailure(err, "inject connections for %s", scriptName)
			s.alertStartFailure(ctx, scriptName, owner, err)
			return "", err
		}
	}

	env := make(map[string]string, len(inv.Env)+len(creds.Env))
	maps.Copy(env, inv.Env)
	maps.Copy(env, creds.Env)
	snapshot := Snapshot{Command: inv.Command, WorkingDir: cfg.WorkingDirectory(), Env: env}

	id := core.NewID()
	handle := process.New(process.Spec{
		Command:    snapshot.Command,
		WorkingDir: snapshot.WorkingDir,
		Env:        snapshot.Env,
	}, append([]process.Option{process.WithLogger(logger)}, s.processOpts...)...)

	// attach the log before spawning so the file sees the first byte
	sinkDone := s.attachLog(ctx, id, handle, logger)

	if err := handle.Start(); err != nil {
		handle.Output().Close()
		<-sinkDone
		if s.history != nil {
			if err := s.history.RemoveLogDir(id); err != nil {
				logger.Warn("remove log dir", "execution_id", id, "err", err)
			}
		}
		removeFiles(creds.TempFiles, logger)
		s.alertStartFailure(ctx, scriptName, owner, err)
		return "", err
	}

	e := newExecution(id, scriptName, owner, handle, snapshot, s.clock.Now())
	e.JobID = o.jobID
	e.inputPrompt = cfg.InputPrompt()
	e.outputPaths = cfg.OutputFiles(params)
	if len(creds.TempFiles) > 0 {
		files := creds.TempFiles
		e.addCleanup(func() { removeFiles(files, logger) })
	}
	s.registry.Insert(e)

	ctx = logging.ContextAttrs(ctx, slog.String("execution_id", id), slog.String("script", scriptName))
	if s.history != nil {
		rec := &core.ExecutionRecord{
			ID:         id,
			Owner:      owner,
			ScriptName: scriptName,
			Command:    snapshot.Command,
			WorkingDir: snapshot.WorkingDir,
			Status:     core.ExecutionStatusRunning,
			StartedAt:  e.startedAt,
		}
		if o.jobID != "" {
			rec.JobID = &o.jobID
		}
		if err := s.history.RecordStarted(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "record execution start", "err", err)
		}
	}

	s.wg.Add(1)
	go s.watch(context.WithoutCancel(ctx), e, sinkDone)

	s.logger.InfoContext(ctx, "execution started", "user", owner.ID, "pid", handle.Pid(), "job_id", o.jobID)
	return id, nil
}

// ValidateStart runs every check StartScript performs before spawning.
func (s *Service) ValidateStart(scriptName string, owner core.User, params map[string]any) (ScriptConfig, error) {
	cfg, _, err := s.resolve(scriptName, owner, params)
	return cfg, err
}

func (s *Service) resolve(scriptName string, owner core.User, params map[string]any) (ScriptConfig, Invocation, error) {
	if !s.auth.CanAccess(owner, scriptName) {
		return nil, Invocation{}, core.Forbiddenf("access to script %q denied", scriptName)
	}
	cfg, err := s.catalog.Find(scriptName)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, Invocation{}, err
		}
		return nil, Invocation{}, errors.Wrapf(err, "load script %s", scriptName)
	}
	inv, err := cfg.Materialize(params)
	if err != nil {
		if core.Kind(err) == core.ErrInternal {
			err = core.Mark(err, core.ErrInvalidParameter)
		}
		return nil, Invocation{}, err
	}
	if len(inv.Command) == 0 {
		return nil, Invocation{}, core.InvalidParameterf("script %q resolved to an empty command", scriptName)
	}
	return cfg, inv, nil
}

func (s *Service) attachLog(ctx context.Context, id string, handle *process.Handle, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	sub := handle.Subscribe()
	var file *os.File
	if s.history != nil {
		if err := s.history.EnsureLogDir(id); err != nil {
			logger.Error("ensure log dir", "execution_id", id, "err", err)
		} else if f, err := os.Create(s.history.LogPath(id)); err != nil {
			logger.Error("create log file", "execution_id", id, "err", err)
		} else {
			file = f
		}
	}
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			chunk, err := sub.Next(context.WithoutCancel(ctx))
			if err != nil {
				break
			}
			if file != nil {
				if _, err := file.Write(chunk); err != nil {
					logger.Error("write log", "execution_id", id, "err", err)
					file.Close()
					file = nil
				}
			}
		}
		if file != nil {
			file.Close()
		}
	}()
	return done
}

func (s *Service) watch(ctx context.Context, e *Execution, sinkDone <-chan struct{}) {
	defer s.wg.Done()

	exit := e.handle.Wait()
	<-sinkDone

	status := core.ExecutionStatusFinished
	switch {
	case exit.Err != nil:
		status = core.ExecutionStatusFailed
	case e.handle.KillRequested():
		status = core.ExecutionStatusKilled
	case e.handle.StopRequested():
		status = core.ExecutionStatusStopped
	}
	code := exit.Code
	finishedAt := s.clock.Now()

	e.setFiles(s.collectOutputFiles(e))
	s.registry.Finish(e.ID, status, &code, finishedAt)

	if s.history != nil {
		var errMsg *string
		if exit.Err != nil {
			msg := exit.Err.Error()
			errMsg = &msg
		}
		if err := s.history.RecordFinished(ctx, e.ID, status, &code, errMsg, finishedAt); err != nil {
			s.logger.ErrorContext(ctx, "record execution finish", "err", err)
		}
		if err := s.history.PruneOldLogs(ctx, e.ScriptName); err != nil {
			s.logger.WarnContext(ctx, "prune logs", "err", err)
		}
	}
	s.logger.InfoContext(ctx, "execution finished", "status", status, "exit_code", code)
}

func (s *Service) collectOutputFiles(e *Execution) []OutputFile {
	var files []OutputFile
	for _, path := range e.outputPaths {
		if !filepath.IsAbs(path) {
			if !filepath.IsLocal(path) {
				s.logger.Warn("ignoring output file outside the working directory", "execution_id", e.ID, "path", path)
				continue
			}
			if e.snapshot.WorkingDir != "" {
				path = filepath.Join(e.snapshot.WorkingDir, path)
			}
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, OutputFile{
			Path:     path,
			Filename: filepath.Base(path),
			URL:      s.fileURL(e.ID, len(files)),
			Image:    isImage(path),
		})
	}
	return files
}

// StopScript asks a running execution to exit. Unknown and finished
// executions are treated as already stopped.
func (s *Service) StopScript(ctx context.Context, id string, user core.User) error {
	e, err := s.controllable(id, user)
	if err != nil || e == nil {
		return err
	}
	s.logger.InfoContext(ctx, "stopping execution", "execution_id", id, "user", user.ID)
	return e.handle.Stop()
}

// KillScript force-terminates the execution's process tree. Unknown and
// finished executions are treated as already killed.
func (s *Service) KillScript(ctx context.Context, id string, user core.User) error {
	e, err := s.controllable(id, user)
	if err != nil || e == nil {
		return err
	}
	s.logger.InfoContext(ctx, "killing execution", "execution_id", id, "user", user.ID)
	return e.handle.Kill()
}

func (s *Service) controllable(id string, user core.User) (*Execution, error) {
	e, err := s.registry.Get(id)
	if err != nil {
		return nil, nil
	}
	if !s.canControl(e, user) {
		return nil, core.Forbiddenf("execution %s belongs to another user", id)
	}
	if e.Status().Terminal() {
		return nil, nil
	}
	return e, nil
}

func (s *Service) canControl(e *Execution, user core.User) bool {
	return e.Owner.ID == user.ID || s.auth.IsAdmin(user)
}

// GetActiveExecutor returns the execution for attaching a viewer. Finished
// executions stay available until cleaned up or evicted.
func (s *Service) GetActiveExecutor(id string, user core.User) (*Execution, error) {
	e, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.canControl(e, user) {
		return nil, core.Forbiddenf("execution %s belongs to another user", id)
	}
	return e, nil
}

func (s *Service) IsRunning(id string, user core.User) (bool, error) {
	e, err := s.GetActiveExecutor(id, user)
	if err != nil {
		return false, err
	}
	return !e.Status().Terminal(), nil
}

// ListActive returns the running executions user may see.
func (s *Service) ListActive(user core.User) []*Execution {
	if s.auth.IsAdmin(user) {
		return s.registry.ListActive(nil)
	}
	return s.registry.ListActive(&user)
}

// List returns running and retained finished executions user may see.
func (s *Service) List(user core.User) []*Execution {
	if s.auth.IsAdmin(user) {
		return s.registry.List(nil)
	}
	return s.registry.List(&user)
}

// WriteInput forwards p to the execution's stdin.
func (s *Service) WriteInput(id string, user core.User, p []byte) error {
	e, err := s.GetActiveExecutor(id, user)
	if err != nil {
		return err
	}
	return e.WriteInput(p)
}

// Cleanup forgets a finished execution and releases what it still holds,
// such as injected credential files.
func (s *Service) Cleanup(ctx context.Context, id string, user core.User) error {
	e, err := s.GetActiveExecutor(id, user)
	if err != nil {
		return err
	}
	if !e.Status().Terminal() {
		return core.Mark(errors.Newf("execution %s is still running", id), core.ErrStillRunning)
	}
	if _, err := s.registry.Remove(id); err != nil {
		return nil
	}
	e.runCleanups()
	s.logger.DebugContext(ctx, "execution cleaned up", "execution_id", id)
	return nil
}

// Shutdown kills every running execution and waits for their watchers.
func (s *Service) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, e := range s.registry.ListActive(nil) {
		g.Go(func() error {
			return errors.Wrapf(e.handle.Kill(), "kill execution %s", e.ID)
		})
	}
	killErr := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.CombineErrors(killErr, errors.Wrap(ctx.Err(), "wait for executions"))
	}
	for _, e := range s.registry.List(nil) {
		e.runCleanups()
	}
	return killErr
}

func (s *Service) alertStartFailure(ctx context.Context, scriptName string, owner core.User, cause error) {
	s.logger.ErrorContext(ctx, "start script", "script", scriptName, "user", owner.ID, "err", cause)
	title := "Script start failed"
	body := fmt.Sprintf("Failed to start script %q for user %s: %v", scriptName, owner.AuditName(), cause)
	if err := s.alerts.Send(context.WithoutCancel(ctx), title, body); err != nil {
		s.logger.WarnContext(ctx, "send start failure alert", "script", scriptName, "err", err)
	}
}

func removeFiles(paths []string, logger *slog.Logger) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove temp file", "path", path, "err", err)
		}
	}
}
