// Package conversation routes inbound chat messages: command-prefixed
// messages go to the executor, everything else to the LLM responder,
// and both sides of the exchange are persisted to the active session.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/registry"
	"github.com/runa-bot/runa/internal/store"
)

// HistoryLimit is how many recent messages the responder sees.
const HistoryLimit = 20

// Responder produces the assistant reply for the non-command path.
// It receives the recent history and the session's opaque state blob,
// and may return a replacement state to persist.
type Responder interface {
	Reply(ctx context.Context, input string, history []models.Message, state string) (reply, newState string, err error)
}

// Controller is the entry point for one inbound chat message. It
// holds no per-conversation state between calls; concurrent chats are
// isolated by construction.
type Controller struct {
	store     *store.Store
	registry  *registry.Registry
	exec      *executor.Executor
	responder Responder
	log       *zap.Logger
}

// New creates a controller.
func New(s *store.Store, r *registry.Registry, e *executor.Executor, resp Responder, log *zap.Logger) *Controller {
	return &Controller{
		store:     s,
		registry:  r,
		exec:      e,
		responder: resp,
		log:       log,
	}
}

// HandleMessage processes one inbound message for owner and returns
// the reply text. Command failures, timeouts, and guard conflicts are
// returned as reply text; only storage and responder failures are
// errors.
func (c *Controller) HandleMessage(ctx context.Context, owner models.Owner, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	sess, err := c.registry.ActiveOrCreate(owner)
	if err != nil {
		return "", err
	}

	if _, err := c.store.AppendMessage(sess.ID, owner, models.RoleUser, text); err != nil {
		return "", err
	}

	var reply string
	if command, ok := parseCommand(text); ok {
		reply, err = c.handleCommand(ctx, sess, command)
	} else {
		reply, err = c.handleChat(ctx, sess, text)
	}
	if err != nil {
		return "", err
	}

	if _, err := c.store.AppendMessage(sess.ID, owner, models.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// parseCommand strips the command marker. "run:" and "cmd:" mark the
// command path; anything else goes to the LLM.
func parseCommand(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, prefix := range []string{"run:", "cmd:"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(text[len(prefix):]), true
		}
	}
	return "", false
}

// handleCommand executes a shell command. A trailing "&" requests
// background execution, shell style.
func (c *Controller) handleCommand(ctx context.Context, sess *models.Session, command string) (string, error) {
	if command == "" {
		return "Usage: run: <shell command>  (append & to run in the background)", nil
	}

	if stripped, ok := strings.CutSuffix(command, "&"); ok {
		return c.runBackground(sess, strings.TrimSpace(stripped))
	}

	res, err := c.exec.RunInline(ctx, sess.ID, command, 0)
	if err != nil {
		return "", err
	}
	return formatInline(res), nil
}

func (c *Controller) runBackground(sess *models.Session, command string) (string, error) {
	if command == "" {
		return "Usage: run: <shell command> &", nil
	}

	taskID, err := c.exec.RunBackground(sess.ID, command)
	if err != nil {
		// Guard conflicts are a user-visible outcome, not a fault.
		if store.IsConflict(err) {
			return err.Error(), nil
		}
		return "", err
	}

	c.log.Info("background task started",
		zap.String("session_id", sess.ID),
		zap.String("task_id", taskID))
	return fmt.Sprintf("Started background task %s; I'll post the result here when it finishes.", taskID), nil
}

func formatInline(res *executor.InlineResult) string {
	output := res.Output
	if output == "" {
		output = "(no output)"
	}
	switch {
	case res.TimedOut:
		return "Command timed out.\n" + output
	case res.ExitCode != 0:
		return fmt.Sprintf("Command failed (exit %d).\n%s", res.ExitCode, output)
	default:
		return output
	}
}

// handleChat delegates to the LLM responder with recent history and
// the session's opaque state, persisting a changed state on success.
func (c *Controller) handleChat(ctx context.Context, sess *models.Session, text string) (string, error) {
	history, err := c.store.ListMessages(sess.ID, HistoryLimit)
	if err != nil {
		return "", err
	}

	reply, newState, err := c.responder.Reply(ctx, text, history, sess.State)
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	if reply == "" {
		reply = "(empty response)"
	}

	if newState != "" && newState != sess.State {
		if err := c.store.UpdateSession(sess.ID, store.SessionUpdate{State: &newState}); err != nil {
			return "", err
		}
	}
	return reply, nil
}
