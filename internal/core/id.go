package core

import "github.com/google/uuid"

// NewID returns a random identifier for executions and scheduling jobs.
// Identifiers are never reused.
func NewID() string {
	return uuid.NewString()
}
