package tui

// SessionItem is a summary of a session for the list view
type SessionItem struct {
	ID           string
	Name         string
	ProjectName  string
	MessageCount int
	Active       bool
}

// MessageItem is one message in the conversation view
type MessageItem struct {
	Role      string
	Content   string
	Timestamp string
}

// TaskItem is a summary of a background task
type TaskItem struct {
	ID       string
	Command  string
	Status   string
	ExitCode int
	Output   string
}
