// Package server provides the HTTP API for Runa: the chat entry point
// plus the management surface over sessions, projects, messages, and
// background tasks.
package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/audit"
	"github.com/runa-bot/runa/internal/auth"
	"github.com/runa-bot/runa/internal/conversation"
	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/registry"
	"github.com/runa-bot/runa/internal/store"
)

// Service provides the API business logic. All state lives in the
// store; the service wires guards, auth, and the audit trail around
// the core operations.
type Service struct {
	store      *store.Store
	registry   *registry.Registry
	exec       *executor.Executor
	controller *conversation.Controller
	allowlist  *auth.Allowlist
	audit      *audit.Recorder
	log        *zap.Logger
}

// NewService creates the API service.
func NewService(s *store.Store, r *registry.Registry, e *executor.Executor, c *conversation.Controller, al *auth.Allowlist, rec *audit.Recorder, log *zap.Logger) *Service {
	return &Service{
		store:      s,
		registry:   r,
		exec:       e,
		controller: c,
		allowlist:  al,
		audit:      rec,
		log:        log,
	}
}

// Chat processes one inbound chat message for owner.
func (s *Service) Chat(ctx context.Context, owner models.Owner, text string) (string, error) {
	if !s.allowlist.Allowed(owner.UserID) {
		s.log.Warn("unauthorized user",
			zap.Int64("user_id", owner.UserID),
			zap.Int64("chat_id", owner.ChatID))
		return "", store.InvalidOwnerf("user %d is not allowed", owner.UserID)
	}

	reply, err := s.controller.HandleMessage(ctx, owner, text)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.audit.Record("chat.message", map[string]interface{}{"owner": owner, "text_len": len(text)}, outcome, "", "")
	return reply, err
}

// --- Sessions ---

// ListSessions returns owner's sessions with display data.
func (s *Service) ListSessions(owner models.Owner) ([]models.SessionSummary, error) {
	return s.store.ListSessions(owner)
}

// GetSession retrieves one session.
func (s *Service) GetSession(id string) (*models.Session, error) {
	return s.store.GetSession(id)
}

// CreateSession creates a session, optionally pinning it active.
func (s *Service) CreateSession(owner models.Owner, name, projectID string, activate bool) (*models.Session, error) {
	sess, err := s.store.CreateSession(owner, name, projectID)
	if err != nil {
		return nil, err
	}
	if activate {
		if err := s.registry.SetActive(owner, sess.ID); err != nil {
			return nil, err
		}
	}
	s.audit.Record("session.create", map[string]interface{}{"owner": owner, "name": name}, "success", sess.ID, "")
	return sess, nil
}

// UpdateSession renames, reparents, or replaces the state of a session.
func (s *Service) UpdateSession(id string, upd store.SessionUpdate) error {
	if err := s.store.UpdateSession(id, upd); err != nil {
		return err
	}
	s.audit.Record("session.update", map[string]interface{}{"id": id}, "success", id, "")
	return nil
}

// DeleteSession deletes a session; the store enforces the
// active-pointer and unfinished-task guards.
func (s *Service) DeleteSession(id string) error {
	if err := s.store.DeleteSession(id); err != nil {
		s.audit.Record("session.delete", map[string]interface{}{"id": id}, "blocked", id, err.Error())
		return err
	}
	s.audit.Record("session.delete", map[string]interface{}{"id": id}, "success", id, "")
	return nil
}

// ActivateSession pins a session as owner's active session.
func (s *Service) ActivateSession(owner models.Owner, sessionID string) error {
	if err := s.registry.SetActive(owner, sessionID); err != nil {
		return err
	}
	s.audit.Record("session.activate", map[string]interface{}{"owner": owner, "id": sessionID}, "success", sessionID, "")
	return nil
}

// ActiveSession returns owner's active session, or nil.
func (s *Service) ActiveSession(owner models.Owner) (*models.Session, error) {
	return s.registry.Active(owner)
}

// ClearActiveSession unpins owner's active session.
func (s *Service) ClearActiveSession(owner models.Owner) error {
	if err := s.registry.ClearActive(owner); err != nil {
		return err
	}
	s.audit.Record("session.clear_active", map[string]interface{}{"owner": owner}, "success", "", "")
	return nil
}

// ListMessages returns a session's recent messages in order.
func (s *Service) ListMessages(sessionID string, limit int) ([]models.Message, error) {
	return s.store.ListMessages(sessionID, limit)
}

// --- Projects ---

// ListProjects returns owner's projects.
func (s *Service) ListProjects(owner models.Owner) ([]models.Project, error) {
	return s.store.ListProjects(owner)
}

// GetProject retrieves one project.
func (s *Service) GetProject(id string) (*models.Project, error) {
	return s.store.GetProject(id)
}

// CreateProject creates a project.
func (s *Service) CreateProject(owner models.Owner, name, workingDir string) (*models.Project, error) {
	p, err := s.store.CreateProject(owner, name, workingDir)
	if err != nil {
		return nil, err
	}
	s.audit.Record("project.create", map[string]interface{}{"owner": owner, "name": name}, "success", "", "")
	return p, nil
}

// UpdateProject renames or repoints a project.
func (s *Service) UpdateProject(id string, upd store.ProjectUpdate) error {
	if err := s.store.UpdateProject(id, upd); err != nil {
		return err
	}
	s.audit.Record("project.update", map[string]interface{}{"id": id}, "success", "", "")
	return nil
}

// DeleteProject deletes a project; the store blocks deletion while
// sessions reference it.
func (s *Service) DeleteProject(id string) error {
	if err := s.store.DeleteProject(id); err != nil {
		s.audit.Record("project.delete", map[string]interface{}{"id": id}, "blocked", "", err.Error())
		return err
	}
	s.audit.Record("project.delete", map[string]interface{}{"id": id}, "success", "", "")
	return nil
}

// --- Background tasks ---

// TaskStatus returns owner's recent background tasks.
func (s *Service) TaskStatus(owner models.Owner, limit int) ([]models.BackgroundTask, error) {
	return s.exec.Status(owner, limit)
}

// GetTask retrieves one task.
func (s *Service) GetTask(id string) (*models.BackgroundTask, error) {
	return s.store.GetTask(id)
}

// CancelTask requests cancellation of a task.
func (s *Service) CancelTask(id string) error {
	if err := s.exec.Cancel(id); err != nil {
		return err
	}
	s.audit.Record("task.cancel", map[string]interface{}{"id": id}, "success", "", "")
	return nil
}
