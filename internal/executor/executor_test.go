package executor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a pool goroutine alive until Close; test
		// cleanup order can leave it briefly running at verification.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

var testOwner = models.Owner{UserID: 100, ChatID: 200}

func testConfig() *Config {
	return &Config{
		InlineTimeout:       10 * time.Second,
		BackgroundTimeout:   10 * time.Second,
		MaxOutputBytes:      64 * 1024,
		MaxLiveTasksPerChat: 4,
		CancelGrace:         100 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, cfg *Config) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	if cfg == nil {
		cfg = testConfig()
	}
	e := New(s, cfg, zap.NewNop())
	t.Cleanup(func() {
		e.Stop()
		s.Close()
	})
	return e, s
}

func newTestSession(t *testing.T, s *store.Store) *models.Session {
	t.Helper()
	sess, err := s.CreateSession(testOwner, "work", "")
	require.NoError(t, err)
	return sess
}

// waitTerminal polls until the task reaches a terminal status.
func waitTerminal(t *testing.T, s *store.Store, taskID string) *models.BackgroundTask {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(taskID)
		require.NoError(t, err)
		require.NotNil(t, task)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish in time", taskID)
	return nil
}

func TestRunInlineSuccess(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	res, err := e.RunInline(context.Background(), sess.ID, "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
	assert.False(t, res.TimedOut)
}

func TestRunInlineFailureIsData(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	res, err := e.RunInline(context.Background(), sess.ID, "echo oops >&2; exit 3", 0)
	require.NoError(t, err, "command failure must not surface as an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Output)
}

func TestRunInlineTimeout(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	start := time.Now()
	res, err := e.RunInline(context.Background(), sess.ID, "sleep 30", 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait for the command")
}

func TestRunInlineCancelled(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := e.RunInline(ctx, sess.ID, "sleep 30", 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res, "cancellation is not a command outcome")
	assert.Less(t, time.Since(start), 5*time.Second, "cancel must not wait for the command")
}

func TestRunInlineProjectWorkDir(t *testing.T) {
	e, s := newTestExecutor(t, nil)

	dir := t.TempDir()
	p, err := s.CreateProject(testOwner, "proj", dir)
	require.NoError(t, err)
	sess, err := s.CreateSession(testOwner, "work", p.ID)
	require.NoError(t, err)

	res, err := e.RunInline(context.Background(), sess.ID, "pwd", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, dir, strings.TrimSpace(res.Output))
}

func TestRunInlineSpawnFailure(t *testing.T) {
	e, s := newTestExecutor(t, nil)

	p, err := s.CreateProject(testOwner, "proj", "/definitely/not/a/dir")
	require.NoError(t, err)
	sess, err := s.CreateSession(testOwner, "work", p.ID)
	require.NoError(t, err)

	res, err := e.RunInline(context.Background(), sess.ID, "echo hi", 0)
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Output, "failed to start")
}

func TestRunInlineUnknownSession(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	_, err := e.RunInline(context.Background(), "nope", "echo hi", 0)
	assert.True(t, store.IsNotFound(err))
}

func TestRunBackgroundLifecycle(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "echo done")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The task record is visible before completion.
	task, err := s.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "echo done", task.Command)

	task = waitTerminal(t, s, id)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 0, task.ExitCode)
	assert.Equal(t, "done\n", task.Output)
	require.NotNil(t, task.EndedAt)

	// Completion is bridged into the conversation.
	messages, err := s.ListMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleAssistant, messages[0].Role)
	assert.Contains(t, messages[0].Content, id)
	assert.Contains(t, messages[0].Content, "finished")
	assert.Contains(t, messages[0].Content, "done")
}

func TestRunBackgroundFailure(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "echo broken; exit 2")
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.ExitCode)
	assert.Contains(t, task.Output, "broken")

	messages, err := s.ListMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "failed (exit 2)")
}

func TestRunBackgroundTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BackgroundTimeout = 200 * time.Millisecond
	e, s := newTestExecutor(t, cfg)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, models.TaskStatusTimedOut, task.Status)

	messages, err := s.ListMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "timed out")
}

func TestRunBackgroundSpawnFailure(t *testing.T) {
	e, s := newTestExecutor(t, nil)

	p, err := s.CreateProject(testOwner, "proj", "/definitely/not/a/dir")
	require.NoError(t, err)
	sess, err := s.CreateSession(testOwner, "work", p.ID)
	require.NoError(t, err)

	id, err := e.RunBackground(sess.ID, "echo hi")
	require.NoError(t, err)

	task := waitTerminal(t, s, id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, -1, task.ExitCode)
	assert.Contains(t, task.Output, "failed to start")
}

func TestRunBackgroundUnknownSession(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	_, err := e.RunBackground("nope", "echo hi")
	assert.True(t, store.IsNotFound(err))
}

func TestLiveTaskCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLiveTasksPerChat = 2
	e, s := newTestExecutor(t, cfg)
	sess := newTestSession(t, s)

	a, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)
	b, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)

	_, err = e.RunBackground(sess.ID, "echo hi")
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// Cancelling frees capacity.
	require.NoError(t, e.Cancel(a))
	waitTerminal(t, s, a)

	c, err := e.RunBackground(sess.ID, "echo hi")
	require.NoError(t, err)
	waitTerminal(t, s, c)

	require.NoError(t, e.Cancel(b))
	waitTerminal(t, s, b)
}

func TestCancelRunningTask(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)

	// Let it reach running before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		if task.Status == models.TaskStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, e.Cancel(id))
	task := waitTerminal(t, s, id)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)

	messages, err := s.ListMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "was cancelled")
}

func TestCancelIsIdempotentWhileLive(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(id))
	// A second cancel while the task winds down is either accepted or
	// reports the terminal state, never panics or corrupts.
	if err := e.Cancel(id); err != nil {
		assert.True(t, store.IsConflict(err))
	}
	waitTerminal(t, s, id)
}

func TestCancelTerminalTask(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "true")
	require.NoError(t, err)
	waitTerminal(t, s, id)

	err = e.Cancel(id)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestCancelUnknownTask(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	err := e.Cancel("nope")
	assert.True(t, store.IsNotFound(err))
}

func TestCancelOrphanedTask(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	// A pending record with no supervising goroutine, as after a
	// daemon restart.
	id := ulid.Make().String()
	_, err := s.CreateTask(id, sess.ID, "echo hi")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(id))
	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestStatus(t *testing.T) {
	e, s := newTestExecutor(t, nil)
	sess := newTestSession(t, s)

	id, err := e.RunBackground(sess.ID, "echo hi")
	require.NoError(t, err)
	waitTerminal(t, s, id)

	tasks, err := e.Status(testOwner, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	other, err := e.Status(models.Owner{UserID: 9, ChatID: 9}, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStopCancelsRunningTasks(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	e := New(s, testConfig(), zap.NewNop())

	sess, err := s.CreateSession(testOwner, "work", "")
	require.NoError(t, err)

	id, err := e.RunBackground(sess.ID, "sleep 30")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestOutputBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutputBytes = 1024
	e, s := newTestExecutor(t, cfg)
	sess := newTestSession(t, s)

	res, err := e.RunInline(context.Background(), sess.ID, "seq 1 10000", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.LessOrEqual(t, len(res.Output), 1024+len("[output truncated]\n"))
	assert.Contains(t, res.Output, "[output truncated]")
	assert.Contains(t, res.Output, "10000", "the newest output survives")
}
