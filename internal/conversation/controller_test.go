package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/registry"
	"github.com/runa-bot/runa/internal/store"
)

var testOwner = models.Owner{UserID: 100, ChatID: 200}

// fakeResponder echoes the input and records what it was called with.
type fakeResponder struct {
	lastInput   string
	lastHistory []models.Message
	lastState   string
	reply       string
	returnEmpty bool
	newState    string
	err         error
}

func (f *fakeResponder) Reply(ctx context.Context, input string, history []models.Message, state string) (string, string, error) {
	f.lastInput = input
	f.lastHistory = history
	f.lastState = state
	if f.err != nil {
		return "", "", f.err
	}
	reply := f.reply
	if reply == "" && !f.returnEmpty {
		reply = "echo: " + input
	}
	newState := f.newState
	if newState == "" {
		newState = state
	}
	return reply, newState, nil
}

func newTestController(t *testing.T) (*Controller, *fakeResponder, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	reg := registry.New(s)
	exec := executor.New(s, &executor.Config{
		InlineTimeout:       10 * time.Second,
		BackgroundTimeout:   10 * time.Second,
		MaxOutputBytes:      64 * 1024,
		MaxLiveTasksPerChat: 4,
		CancelGrace:         100 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(func() {
		exec.Stop()
		s.Close()
	})

	resp := &fakeResponder{}
	return New(s, reg, exec, resp, zap.NewNop()), resp, s
}

func TestHandleMessageCreatesSession(t *testing.T) {
	c, _, s := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there", reply)

	// First contact pinned a fresh session with both sides recorded.
	active, err := s.GetActiveSession(testOwner)
	require.NoError(t, err)
	require.NotNil(t, active)

	messages, err := s.ListMessages(active.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "hello there", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "echo: hello there", messages[1].Content)
}

func TestHandleMessageReusesActiveSession(t *testing.T) {
	c, _, s := newTestController(t)

	_, err := c.HandleMessage(context.Background(), testOwner, "first")
	require.NoError(t, err)
	_, err = c.HandleMessage(context.Background(), testOwner, "second")
	require.NoError(t, err)

	sums, err := s.ListSessions(testOwner)
	require.NoError(t, err)
	require.Len(t, sums, 1, "both messages land in one session")
	assert.Equal(t, 4, sums[0].MessageCount)
}

func TestHandleMessageEmptyInput(t *testing.T) {
	c, _, s := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "   ")
	require.NoError(t, err)
	assert.Empty(t, reply)

	// Nothing was created for blank input.
	active, err := s.GetActiveSession(testOwner)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCommandPrefixRouting(t *testing.T) {
	c, resp, _ := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "run: echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", reply)

	reply, err = c.HandleMessage(context.Background(), testOwner, "CMD: echo case insensitive")
	require.NoError(t, err)
	assert.Equal(t, "case insensitive\n", reply)

	assert.Empty(t, resp.lastInput, "commands never reach the responder")

	// A message merely mentioning run: mid-text is chat.
	_, err = c.HandleMessage(context.Background(), testOwner, "what does run: do?")
	require.NoError(t, err)
	assert.Equal(t, "what does run: do?", resp.lastInput)
}

func TestCommandFailureIsReplyText(t *testing.T) {
	c, _, _ := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "run: echo nope >&2; exit 7")
	require.NoError(t, err, "failing commands are a reply, not an error")
	assert.Contains(t, reply, "Command failed (exit 7)")
	assert.Contains(t, reply, "nope")
}

func TestCommandNoOutput(t *testing.T) {
	c, _, _ := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "run: true")
	require.NoError(t, err)
	assert.Equal(t, "(no output)", reply)
}

func TestEmptyCommandUsage(t *testing.T) {
	c, _, _ := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "run:")
	require.NoError(t, err)
	assert.Contains(t, reply, "Usage:")

	reply, err = c.HandleMessage(context.Background(), testOwner, "run: &")
	require.NoError(t, err)
	assert.Contains(t, reply, "Usage:")
}

func TestBackgroundCommand(t *testing.T) {
	c, _, s := newTestController(t)

	reply, err := c.HandleMessage(context.Background(), testOwner, "run: echo bg &")
	require.NoError(t, err)
	assert.Contains(t, reply, "Started background task")

	tasks, err := s.ListTasks(testOwner, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "echo bg", tasks[0].Command, "the & marker is stripped from the command")

	// Wait for the completion message to land in the session.
	active, err := s.GetActiveSession(testOwner)
	require.NoError(t, err)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(tasks[0].ID)
		require.NoError(t, err)
		if task.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	messages, err := s.ListMessages(active.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Contains(t, messages[2].Content, "finished")
	assert.Contains(t, messages[2].Content, "bg")
}

func TestBackgroundCapConflictIsReplyText(t *testing.T) {
	c, _, s := newTestController(t)

	for i := 0; i < 4; i++ {
		_, err := c.HandleMessage(context.Background(), testOwner, "run: sleep 30 &")
		require.NoError(t, err)
	}

	reply, err := c.HandleMessage(context.Background(), testOwner, "run: echo hi &")
	require.NoError(t, err, "the cap is a reply, not an error")
	assert.Contains(t, reply, "unfinished background task")

	// Clean up the sleepers so executor shutdown is quick.
	tasks, err := s.ListTasks(testOwner, 10)
	require.NoError(t, err)
	for _, task := range tasks {
		if !task.Status.Terminal() {
			_ = c.exec.Cancel(task.ID)
		}
	}
}

func TestChatHistoryWindow(t *testing.T) {
	c, resp, _ := newTestController(t)

	for i := 0; i < 15; i++ {
		_, err := c.HandleMessage(context.Background(), testOwner, "ping")
		require.NoError(t, err)
	}

	// 15 exchanges = 30 stored messages; the responder sees at most
	// HistoryLimit of them, including the just-appended input.
	assert.Len(t, resp.lastHistory, HistoryLimit)
	last := resp.lastHistory[len(resp.lastHistory)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "ping", last.Content)
}

func TestResponderStatePersisted(t *testing.T) {
	c, resp, s := newTestController(t)

	resp.newState = `{"topic":"deploys"}`
	_, err := c.HandleMessage(context.Background(), testOwner, "let's talk deploys")
	require.NoError(t, err)

	active, err := s.GetActiveSession(testOwner)
	require.NoError(t, err)
	assert.Equal(t, `{"topic":"deploys"}`, active.State)

	// The next turn hands the stored state back to the responder.
	resp.newState = ""
	_, err = c.HandleMessage(context.Background(), testOwner, "continue")
	require.NoError(t, err)
	assert.Equal(t, `{"topic":"deploys"}`, resp.lastState)
}

func TestEmptyResponderReply(t *testing.T) {
	c, resp, _ := newTestController(t)

	resp.returnEmpty = true
	reply, err := c.HandleMessage(context.Background(), testOwner, "hello")
	require.NoError(t, err)
	assert.Equal(t, "(empty response)", reply)
}
