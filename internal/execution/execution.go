package execution

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"scriptserver/internal/broker"
	"scriptserver/internal/core"
	"scriptserver/internal/process"
)

// Snapshot is the resolved invocation of an execution. It never changes
// after the process started.
type Snapshot struct {
	Command    []string
	WorkingDir string
	Env        map[string]string
}

// OutputFile is a downloadable artifact produced by an execution.
type OutputFile struct {
	Path     string
	Filename string
	URL      string
	Image    bool
}

// Execution is one running or recently finished invocation of a script.
// Its status only changes through the Registry.
type Execution struct {
	ID         string
	Owner      core.User
	ScriptName string
	JobID      string

	snapshot    Snapshot
	handle      *process.Handle
	startedAt   time.Time
	inputPrompt string
	outputPaths []string

	mu         sync.Mutex
	status     core.ExecutionStatus
	exitCode   *int
	finishedAt time.Time
	files      []OutputFile
	cleanups   []func()
	cleaned    bool
	finished   chan struct{}
}

func newExecution(id, scriptName string, owner core.User, handle *process.Handle, snapshot Snapshot, startedAt time.Time) *Execution {
	return &Execution{
		ID:         id,
		Owner:      owner,
		ScriptName: scriptName,
		snapshot:   snapshot,
		handle:     handle,
		startedAt:  startedAt,
		status:     core.ExecutionStatusRunning,
		finished:   make(chan struct{}),
	}
}

// Snapshot returns a copy of the resolved invocation.
func (e *Execution) Snapshot() Snapshot {
	return Snapshot{
		Command:    slices.Clone(e.snapshot.Command),
		WorkingDir: e.snapshot.WorkingDir,
		Env:        maps.Clone(e.snapshot.Env),
	}
}

func (e *Execution) Status() core.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ExitCode is nil while running.
func (e *Execution) ExitCode() *int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

func (e *Execution) StartedAt() time.Time {
	return e.startedAt
}

// FinishedAt is zero while running.
func (e *Execution) FinishedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishedAt
}

// Finished is closed once the execution reached a terminal status.
func (e *Execution) Finished() <-chan struct{} {
	return e.finished
}

// Pid returns the OS process id.
func (e *Execution) Pid() int {
	return e.handle.Pid()
}

// Subscribe attaches a reader to the combined output, starting from the
// retained backlog.
func (e *Execution) Subscribe() *broker.Subscription {
	return e.handle.Subscribe()
}

// WriteInput forwards p to the process's stdin.
func (e *Execution) WriteInput(p []byte) error {
	return e.handle.WriteInput(p)
}

// InputPrompt is the prompt sent to viewers when they attach.
func (e *Execution) InputPrompt() string {
	return e.inputPrompt
}

// OutputFiles returns the artifacts found when the process exited.
func (e *Execution) OutputFiles() []OutputFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.files)
}

// finish performs the single terminal transition. Later calls report false.
func (e *Execution) finish(status core.ExecutionStatus, exitCode *int, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	e.status = status
	e.exitCode = exitCode
	e.finishedAt = at
	close(e.finished)
	return true
}

func (e *Execution) setFiles(files []OutputFile) {
	e.mu.Lock()
	e.files = files
	e.mu.Unlock()
}

func (e *Execution) addCleanup(fn func()) {
	e.mu.Lock()
	e.cleanups = append(e.cleanups, fn)
	e.mu.Unlock()
}

// runCleanups releases held resources once. Safe to call repeatedly.
func (e *Execution) runCleanups() {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return
	}
	e.cleaned = true
	fns := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".bmp"}

func isImage(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}
