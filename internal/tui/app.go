// Package tui provides the interactive terminal UI for Runa.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(cyanColor).
			Bold(true)

	assistantMsgStyle = lipgloss.NewStyle().
				Foreground(fgColor)

	daemonUpStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	daemonDownStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// App is the main TUI application model.
type App struct {
	client       *Client
	sessions     []SessionItem
	selectedIdx  int
	tasks        []TaskItem
	taskIdx      int
	messages     []MessageItem
	chatSession  *SessionItem
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string // "sessions", "chat", "tasks"
	message      string
	loading      bool
	waiting      bool
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string, userID, chatID int64) *App {
	ti := textinput.New()
	ti.Placeholder = "Message, or: run: <cmd> | new <name> | del | r"
	ti.Focus()
	ti.CharLimit = 1024
	ti.Width = 80

	vp := viewport.New(80, 20)

	return &App{
		client:   NewClient(apiAddr, userID, chatID),
		input:    ti,
		viewport: vp,
		mode:     "sessions",
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchSessions(),
		a.checkDaemon(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == "chat" || a.mode == "tasks" {
				a.mode = "sessions"
				a.chatSession = nil
				return a, a.fetchSessions()
			}

		case "up", "k":
			if a.mode == "sessions" && a.selectedIdx > 0 && a.input.Value() == "" {
				a.selectedIdx--
			} else if a.mode == "tasks" && a.taskIdx > 0 {
				a.taskIdx--
			} else if a.mode == "chat" {
				a.viewport.LineUp(1)
			}

		case "down", "j":
			if a.mode == "sessions" && a.selectedIdx < len(a.sessions)-1 && a.input.Value() == "" {
				a.selectedIdx++
			} else if a.mode == "tasks" && a.taskIdx < len(a.tasks)-1 {
				a.taskIdx++
			} else if a.mode == "chat" {
				a.viewport.LineDown(1)
			}

		case "tab":
			// Cycle: sessions -> tasks -> sessions
			if a.mode == "tasks" {
				a.mode = "sessions"
				return a, a.fetchSessions()
			}
			a.mode = "tasks"
			return a, a.fetchTasks()

		case "enter":
			text := strings.TrimSpace(a.input.Value())
			if text != "" {
				a.input.SetValue("")
				return a, a.executeCommand(text)
			}
			if a.mode == "sessions" && len(a.sessions) > 0 {
				sess := a.sessions[a.selectedIdx]
				a.chatSession = &sess
				a.mode = "chat"
				return a, tea.Batch(a.activateSession(sess.ID), a.fetchMessages(sess.ID))
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 9

	case sessionsLoadedMsg:
		a.loading = false
		a.sessions = msg.sessions
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(0, len(a.sessions)-1)
		}

	case messagesLoadedMsg:
		a.messages = msg.messages
		a.viewport.SetContent(a.renderMessages())
		a.viewport.GotoBottom()

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.taskIdx >= len(a.tasks) {
			a.taskIdx = max(0, len(a.tasks)-1)
		}

	case chatReplyMsg:
		a.waiting = false
		if a.chatSession != nil {
			return a, a.fetchMessages(a.chatSession.ID)
		}

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case commandResultMsg:
		a.message = msg.message
		switch a.mode {
		case "sessions":
			return a, a.fetchSessions()
		case "tasks":
			return a, a.fetchTasks()
		case "chat":
			if a.chatSession != nil {
				return a, a.fetchMessages(a.chatSession.ID)
			}
		}

	case errMsg:
		a.waiting = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := daemonUpStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = daemonDownStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("RUNA")
	header += "  " + daemonStatus
	if a.chatSession != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.chatSession.Name)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case "sessions":
		b.WriteString(a.renderSessionList(contentHeight))
	case "chat":
		b.WriteString(a.viewport.View())
	case "tasks":
		b.WriteString(a.renderTaskList(contentHeight))
	}

	if a.waiting {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(mutedColor).Render("Thinking..."))
	} else if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "sessions":
		status = fmt.Sprintf(" Sessions: %d | ↑↓:nav | Enter:open | Tab:tasks | new <name> | del | Ctrl+C:quit", len(a.sessions))
	case "chat":
		status = " Enter:send | run: <cmd> / run: <cmd> & | Esc:back | Ctrl+C:quit"
	case "tasks":
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | cancel | r:refresh | Esc:back", len(a.tasks))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderSessionList(height int) string {
	if a.loading {
		return "\n  Loading sessions...\n"
	}
	if len(a.sessions) == 0 {
		return "\n  No sessions yet. Type: new <name> to create one.\n"
	}

	var lines []string
	for i, sess := range a.sessions {
		marker := " "
		if sess.Active {
			marker = daemonUpStyle.Render("●")
		}
		label := fmt.Sprintf("%s %s (%d msgs)", marker, sess.Name, sess.MessageCount)
		if sess.ProjectName != "" {
			label += lipgloss.NewStyle().Foreground(mutedColor).Render("  [" + sess.ProjectName + "]")
		}

		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderTaskList(height int) string {
	if a.loading {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No background tasks.\n"
	}

	var lines []string
	for i, t := range a.tasks {
		cmd := t.Command
		if len(cmd) > 48 {
			cmd = cmd[:48] + "..."
		}
		label := fmt.Sprintf("%s  %s  %s", formatTaskStatus(t.Status), t.ID[:8], cmd)

		if i == a.taskIdx {
			lines = append(lines, selectedStyle.Render("▶ "+label))
		} else {
			lines = append(lines, itemStyle.Render("  "+label))
		}
	}

	if len(lines) > height {
		lines = lines[:height]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderMessages() string {
	if len(a.messages) == 0 {
		return "\n  No messages yet. Say something.\n"
	}

	var b strings.Builder
	for _, m := range a.messages {
		if m.Role == "user" {
			b.WriteString(userMsgStyle.Render("you") + "  " + m.Content + "\n\n")
		} else {
			b.WriteString(assistantMsgStyle.Render(m.Content) + "\n\n")
		}
	}
	return b.String()
}

func formatTaskStatus(status string) string {
	switch status {
	case "pending":
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING")
	case "running":
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case "succeeded":
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case "failed":
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	case "timed_out":
		return lipgloss.NewStyle().Foreground(errorColor).Render("◷ TIMEOUT")
	case "cancelled":
		return lipgloss.NewStyle().Foreground(mutedColor).Render("◌ CANCELLED")
	default:
		return status
	}
}

func (a *App) fetchSessions() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		sessions, err := a.client.ListSessions()
		if err != nil {
			return errMsg{err}
		}
		return sessionsLoadedMsg{sessions}
	}
}

func (a *App) fetchMessages(sessionID string) tea.Cmd {
	return func() tea.Msg {
		messages, err := a.client.ListMessages(sessionID, 50)
		if err != nil {
			return errMsg{err}
		}
		return messagesLoadedMsg{messages}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(20)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) activateSession(sessionID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.ActivateSession(sessionID); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{""}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	cmd := parts[0]

	switch cmd {
	case "new":
		name := strings.TrimSpace(strings.TrimPrefix(input, "new"))
		return func() tea.Msg {
			id, err := a.client.CreateSession(name)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created session %s", id[:8])}
		}

	case "del":
		if a.mode != "sessions" || len(a.sessions) == 0 {
			return func() tea.Msg { return commandResultMsg{"No session selected"} }
		}
		sessionID := a.sessions[a.selectedIdx].ID
		return func() tea.Msg {
			if err := a.client.DeleteSession(sessionID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Session deleted"}
		}

	case "cancel":
		if a.mode != "tasks" || len(a.tasks) == 0 {
			return func() tea.Msg { return commandResultMsg{"No task selected"} }
		}
		taskID := a.tasks[a.taskIdx].ID
		return func() tea.Msg {
			if err := a.client.CancelTask(taskID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Cancel requested"}
		}

	case "r":
		if a.mode == "tasks" {
			return a.fetchTasks()
		}
		return a.fetchSessions()
	}

	// Anything else goes to the assistant as a chat message.
	a.waiting = true
	a.message = ""
	return func() tea.Msg {
		reply, err := a.client.SendChat(input)
		if err != nil {
			return errMsg{err}
		}
		return chatReplyMsg{reply}
	}
}

type sessionsLoadedMsg struct {
	sessions []SessionItem
}

type messagesLoadedMsg struct {
	messages []MessageItem
}

type tasksLoadedMsg struct {
	tasks []TaskItem
}

type chatReplyMsg struct {
	reply string
}

type daemonStatusMsg struct {
	online bool
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}
