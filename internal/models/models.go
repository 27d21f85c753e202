// Package models defines the core domain types for Runa.
package models

import "time"

// Owner identifies which chat an entity belongs to.
type Owner struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// TaskStatus represents the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	}
	return false
}

// Project represents a filesystem working directory commands execute in.
type Project struct {
	ID         string    `json:"id"`
	Owner      Owner     `json:"owner"`
	Name       string    `json:"name"`
	WorkingDir string    `json:"working_dir"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Session represents a conversation thread. State is an opaque JSON
// blob owned by the LLM layer; the store persists it unchanged.
type Session struct {
	ID        string    `json:"id"`
	Owner     Owner     `json:"owner"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is a session joined with display data for listings.
type SessionSummary struct {
	Session
	MessageCount int    `json:"message_count"`
	ProjectName  string `json:"project_name,omitempty"`
	Active       bool   `json:"active"`
}

// Message is one entry in a session's conversation history.
// Messages are append-only and never mutated after insertion.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Owner     Owner     `json:"owner"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// BackgroundTask tracks one background shell command to a terminal status.
type BackgroundTask struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Command   string     `json:"command"`
	Status    TaskStatus `json:"status"`
	ExitCode  int        `json:"exit_code"`
	Output    string     `json:"output"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// AuditEntry records a state-mutating operation for the audit trail.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SessionID  string    `json:"session_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
