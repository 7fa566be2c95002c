package core

import "time"

// User identifies whoever triggered an execution or owns a scheduling job.
type User struct {
	ID         string            `json:"user_id"`
	AuditNames map[string]string `json:"audit_names,omitempty"`
}

// ExecutionStatus represents the lifecycle of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusFinished ExecutionStatus = "finished"
	ExecutionStatusStopped  ExecutionStatus = "stopped"
	ExecutionStatusKilled   ExecutionStatus = "killed"
	ExecutionStatusFailed   ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionStatusRunning && s != ""
}

// AuditName returns the most descriptive name known for the user.
func (u User) AuditName() string {
	for _, key := range []string{"auth", "proxied_username", "hostname", "ip"} {
		if name := u.AuditNames[key]; name != "" {
			return name
		}
	}
	return u.ID
}

// ExecutionRecord is the persisted history of one execution.
type ExecutionRecord struct {
	ID         string
	Owner      User
	ScriptName string
	JobID      *string
	Command    []string
	WorkingDir string
	Status     ExecutionStatus
	ExitCode   *int
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// JobStats summarises the executions started on behalf of a scheduling job.
type JobStats struct {
	Executions    int
	LastStartedAt *time.Time
}
