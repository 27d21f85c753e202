// Package executor runs shell commands for conversations: inline
// (blocking one reply) or in the background, tracked as BackgroundTask
// records to a terminal status.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/store"
)

// Config bounds the executor's resource usage.
type Config struct {
	// InlineTimeout applies to run-and-reply commands.
	InlineTimeout time.Duration
	// BackgroundTimeout applies to fire-and-forget commands.
	BackgroundTimeout time.Duration
	// MaxOutputBytes caps captured output per command; older bytes
	// beyond the cap are dropped.
	MaxOutputBytes int
	// MaxLiveTasksPerChat caps concurrently pending+running
	// background tasks per chat.
	MaxLiveTasksPerChat int
	// CancelGrace is how long a cancelled or timed-out process gets
	// between SIGTERM and SIGKILL.
	CancelGrace time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		InlineTimeout:       60 * time.Second,
		BackgroundTimeout:   5 * time.Minute,
		MaxOutputBytes:      64 * 1024,
		MaxLiveTasksPerChat: 4,
		CancelGrace:         5 * time.Second,
	}
}

// InlineResult is the outcome of a synchronous command. A failing or
// timed-out command is data here, not an error.
type InlineResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out"`
}

// taskHandle tracks one in-flight background task.
type taskHandle struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func (h *taskHandle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// Executor spawns shell commands and tracks background ones. Each
// background task runs in its own goroutine; a crashing command never
// takes the executor down with it.
type Executor struct {
	store *store.Store
	cfg   *Config
	log   *zap.Logger

	mu      sync.Mutex
	running map[string]*taskHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an executor.
func New(s *store.Store, cfg *Config, log *zap.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:   s,
		cfg:     cfg,
		log:     log,
		running: make(map[string]*taskHandle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stop terminates all running background tasks and waits for their
// records to reach a terminal state.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
	e.log.Info("executor stopped")
}

// workDirFor resolves the working directory for a session's commands:
// the referenced project's directory, or empty (process default).
func (e *Executor) workDirFor(sessionID string) (string, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", store.NotFoundf("session %s not found", sessionID)
	}
	if sess.ProjectID == "" {
		return "", nil
	}
	p, err := e.store.GetProject(sess.ProjectID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", nil
	}
	return p.WorkingDir, nil
}

// RunInline executes command synchronously, blocking the caller until
// completion or timeout. On timeout the process group is killed and
// the result reports TimedOut. Command failure is reported in the
// result, never as an error; caller cancellation kills the process
// group and returns the context error instead of a result.
func (e *Executor) RunInline(ctx context.Context, sessionID, command string, timeout time.Duration) (*InlineResult, error) {
	workDir, err := e.workDirFor(sessionID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.cfg.InlineTimeout
	}

	out := newBoundedBuffer(e.cfg.MaxOutputBytes)
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out
	configureProc(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Spawn failure is a user-visible outcome, not an executor fault.
		return &InlineResult{ExitCode: -1, Output: fmt.Sprintf("failed to start: %v", err)}, nil
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-waitCh:
	case <-timer.C:
		timedOut = true
		e.killGroup(cmd)
		<-waitCh
	case <-ctx.Done():
		e.killGroup(cmd)
		<-waitCh
		e.log.Info("inline command cancelled",
			zap.String("session_id", sessionID),
			zap.Duration("duration", time.Since(start)))
		return nil, ctx.Err()
	}

	res := &InlineResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   out.String(),
		TimedOut: timedOut,
	}
	e.log.Info("inline command finished",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// RunBackground creates a pending BackgroundTask for command and
// schedules it, returning the task ID immediately. The per-chat live
// task cap is enforced here.
func (e *Executor) RunBackground(sessionID, command string) (string, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", store.NotFoundf("session %s not found", sessionID)
	}

	live, err := e.store.CountLiveTasks(sess.Owner)
	if err != nil {
		return "", err
	}
	if live >= e.cfg.MaxLiveTasksPerChat {
		return "", store.Conflictf("chat already has %d unfinished background task(s); wait or cancel one", live)
	}

	id := ulid.Make().String()
	task, err := e.store.CreateTask(id, sessionID, command)
	if err != nil {
		return "", err
	}

	h := &taskHandle{cancelCh: make(chan struct{})}
	e.mu.Lock()
	e.running[id] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runTask(task, sess.Owner, h)

	e.log.Info("background task scheduled",
		zap.String("task_id", id),
		zap.String("session_id", sessionID))
	return id, nil
}

// runTask supervises one background task from pending to a terminal
// status. It is the only writer of the task's record after creation;
// Cancel only signals, so there is no shared mutable state to race on.
func (e *Executor) runTask(task *models.BackgroundTask, owner models.Owner, h *taskHandle) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
	}()

	// Cancelled before anything started.
	select {
	case <-h.cancelCh:
		e.finish(task, owner, models.TaskStatusCancelled, -1, "cancelled before start")
		return
	case <-e.ctx.Done():
		e.finish(task, owner, models.TaskStatusCancelled, -1, "executor shutting down")
		return
	default:
	}

	workDir, err := e.workDirFor(task.SessionID)
	if err != nil {
		e.finish(task, owner, models.TaskStatusFailed, -1, fmt.Sprintf("resolve working directory: %v", err))
		return
	}

	out := newBoundedBuffer(e.cfg.MaxOutputBytes)
	cmd := exec.Command("/bin/sh", "-c", task.Command)
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out
	configureProc(cmd)

	if err := cmd.Start(); err != nil {
		e.finish(task, owner, models.TaskStatusFailed, -1, fmt.Sprintf("failed to start: %v", err))
		return
	}

	if err := e.store.TransitionTask(task.ID, models.TaskStatusRunning); err != nil {
		e.killGroup(cmd)
		cmd.Wait()
		e.finish(task, owner, models.TaskStatusFailed, -1, fmt.Sprintf("record start: %v", err))
		return
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(e.cfg.BackgroundTimeout)
	defer timer.Stop()

	var status models.TaskStatus
	select {
	case <-waitCh:
		if cmd.ProcessState.ExitCode() == 0 {
			status = models.TaskStatusSucceeded
		} else {
			status = models.TaskStatusFailed
		}
	case <-timer.C:
		e.terminateGroup(cmd, waitCh)
		status = models.TaskStatusTimedOut
	case <-h.cancelCh:
		e.terminateGroup(cmd, waitCh)
		status = models.TaskStatusCancelled
	case <-e.ctx.Done():
		e.terminateGroup(cmd, waitCh)
		status = models.TaskStatusCancelled
	}

	e.finish(task, owner, status, cmd.ProcessState.ExitCode(), out.String())
}

// finish records the terminal status and bridges the result back into
// the conversation as a synthesized assistant message.
func (e *Executor) finish(task *models.BackgroundTask, owner models.Owner, status models.TaskStatus, exitCode int, output string) {
	if err := e.store.FinishTask(task.ID, status, exitCode, output); err != nil {
		e.log.Error("record task result",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	content := completionMessage(task, status, exitCode, output)
	if _, err := e.store.AppendMessage(task.SessionID, owner, models.RoleAssistant, content); err != nil {
		e.log.Error("append completion message",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	e.log.Info("background task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode))
}

func completionMessage(task *models.BackgroundTask, status models.TaskStatus, exitCode int, output string) string {
	var verb string
	switch status {
	case models.TaskStatusSucceeded:
		verb = "finished"
	case models.TaskStatusFailed:
		verb = fmt.Sprintf("failed (exit %d)", exitCode)
	case models.TaskStatusTimedOut:
		verb = "timed out"
	case models.TaskStatusCancelled:
		verb = "was cancelled"
	}
	if output == "" {
		output = "(no output)"
	}
	return fmt.Sprintf("Background task %s %s: %s\n%s", task.ID, verb, task.Command, output)
}

// terminateGroup escalates SIGTERM → grace period → SIGKILL, then
// waits for the process to be reaped.
func (e *Executor) terminateGroup(cmd *exec.Cmd, waitCh <-chan error) {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(e.cfg.CancelGrace):
	}
	e.killGroup(cmd)
	<-waitCh
}

func (e *Executor) killGroup(cmd *exec.Cmd) {
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		e.log.Warn("kill process group", zap.Error(err))
	}
}

// Status returns the most recent background tasks for owner's chat,
// bounded by limit.
func (e *Executor) Status(owner models.Owner, limit int) ([]models.BackgroundTask, error) {
	return e.store.ListTasks(owner, limit)
}

// Cancel requests termination of a task: pending and running tasks
// are signalled (SIGTERM, then SIGKILL after a grace period); tasks
// already terminal report Conflict.
func (e *Executor) Cancel(taskID string) error {
	e.mu.Lock()
	h, ok := e.running[taskID]
	e.mu.Unlock()
	if ok {
		h.requestCancel()
		return nil
	}

	// Not supervised by this process: either terminal, unknown, or
	// orphaned by a restart.
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return store.NotFoundf("task %s not found", taskID)
	}
	if t.Status.Terminal() {
		return store.Conflictf("task %s already finished (%s)", taskID, t.Status)
	}
	return e.store.FinishTask(taskID, models.TaskStatusCancelled, -1, t.Output)
}
