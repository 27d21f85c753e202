package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runa-bot/runa/internal/models"
)

// DefaultSessionName names sessions created without an explicit name.
func DefaultSessionName(now time.Time) string {
	return fmt.Sprintf("Session %s", now.UTC().Format("2006-01-02 15:04"))
}

// CreateSession inserts a new session. An empty name gets a
// timestamp-derived default; a non-empty projectID must exist and
// belong to the same owner.
func (s *Store) CreateSession(owner models.Owner, name, projectID string) (*models.Session, error) {
	now := time.Now().UTC()
	if name == "" {
		name = DefaultSessionName(now)
	}

	if projectID != "" {
		p, err := s.GetProject(projectID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, NotFoundf("project %s not found", projectID)
		}
		if p.Owner != owner {
			return nil, InvalidOwnerf("project %s belongs to a different chat", projectID)
		}
	}

	sess := &models.Session{
		ID:        uuid.New().String(),
		Owner:     owner,
		Name:      name,
		ProjectID: projectID,
		State:     "{}",
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, chat_id, name, project_id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner.UserID, sess.Owner.ChatID, sess.Name, nullString(sess.ProjectID), sess.State, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, Unknownf("insert session: %v", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
func (s *Store) GetSession(id string) (*models.Session, error) {
	return scanSession(s.db.QueryRow(
		`SELECT id, user_id, chat_id, name, project_id, state, created_at, updated_at FROM sessions WHERE id = ?`,
		id,
	))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var projectID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.Owner.UserID, &sess.Owner.ChatID, &sess.Name, &projectID, &sess.State, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Unknownf("query session: %v", err)
	}
	if projectID.Valid {
		sess.ProjectID = projectID.String
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// ListSessions returns an owner's sessions joined with message counts
// and project names, most recently used first (sessions without user
// messages last, newest created first).
func (s *Store) ListSessions(owner models.Owner) ([]models.SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			s.id, s.user_id, s.chat_id, s.name, s.project_id, s.state, s.created_at, s.updated_at,
			COUNT(m.id) AS message_count,
			COALESCE(p.name, '') AS project_name,
			CASE WHEN a.session_id IS NULL THEN 0 ELSE 1 END AS active,
			MAX(CASE WHEN m.role = 'user' THEN m.timestamp END) AS last_user_message
		FROM sessions s
		LEFT JOIN messages m ON s.id = m.session_id
		LEFT JOIN projects p ON s.project_id = p.id
		LEFT JOIN active_sessions a ON s.id = a.session_id
		WHERE s.user_id = ? AND s.chat_id = ?
		GROUP BY s.id
		ORDER BY last_user_message DESC NULLS LAST, s.created_at DESC`,
		owner.UserID, owner.ChatID,
	)
	if err != nil {
		return nil, Unknownf("query sessions: %v", err)
	}
	defer rows.Close()

	var summaries []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var projectID sql.NullString
		var createdAt, updatedAt string
		var lastUserMessage sql.NullString
		var active int

		err := rows.Scan(
			&sum.Session.ID, &sum.Session.Owner.UserID, &sum.Session.Owner.ChatID,
			&sum.Session.Name, &projectID, &sum.Session.State, &createdAt, &updatedAt,
			&sum.MessageCount, &sum.ProjectName, &active, &lastUserMessage,
		)
		if err != nil {
			return nil, Unknownf("scan session: %v", err)
		}
		if projectID.Valid {
			sum.Session.ProjectID = projectID.String
		}
		sum.Session.CreatedAt = parseTime(createdAt)
		sum.Session.UpdatedAt = parseTime(updatedAt)
		sum.Active = active == 1
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, Unknownf("iterate sessions: %v", err)
	}
	return summaries, nil
}

// SessionUpdate holds optional fields for UpdateSession. Nil fields
// are left unchanged. An empty *ProjectID detaches the session from
// its project.
type SessionUpdate struct {
	Name      *string
	ProjectID *string
	State     *string
}

// MaxStateSize caps the opaque session state blob.
const MaxStateSize = 64 * 1024

// UpdateSession applies upd to a session and refreshes updated_at.
// updated_at changes only when the update succeeds.
func (s *Store) UpdateSession(id string, upd SessionUpdate) error {
	if upd.Name == nil && upd.ProjectID == nil && upd.State == nil {
		return nil
	}
	if upd.State != nil && len(*upd.State) > MaxStateSize {
		return Conflictf("session state exceeds %d bytes", MaxStateSize)
	}

	if upd.ProjectID != nil && *upd.ProjectID != "" {
		sess, err := s.GetSession(id)
		if err != nil {
			return err
		}
		if sess == nil {
			return NotFoundf("session %s not found", id)
		}
		p, err := s.GetProject(*upd.ProjectID)
		if err != nil {
			return err
		}
		if p == nil {
			return NotFoundf("project %s not found", *upd.ProjectID)
		}
		if p.Owner != sess.Owner {
			return InvalidOwnerf("project %s belongs to a different chat", *upd.ProjectID)
		}
	}

	query := `UPDATE sessions SET `
	var args []interface{}
	if upd.Name != nil {
		query += `name = ?, `
		args = append(args, *upd.Name)
	}
	if upd.ProjectID != nil {
		query += `project_id = ?, `
		args = append(args, nullString(*upd.ProjectID))
	}
	if upd.State != nil {
		query += `state = ?, `
		args = append(args, *upd.State)
	}
	query += `updated_at = ? WHERE id = ?`
	args = append(args, fmtTime(time.Now().UTC()), id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return Unknownf("update session: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("update session: %v", err)
	}
	if n == 0 {
		return NotFoundf("session %s not found", id)
	}
	return nil
}

// DeleteSession deletes a session and its messages and tasks. The
// active-pointer and non-terminal-task guards run inside the same
// transaction as the delete so a concurrent switch or task spawn
// cannot race past the checks.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return Unknownf("begin transaction: %v", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM active_sessions WHERE session_id = ?`, id).Scan(&active); err != nil {
		return Unknownf("check active pointer: %v", err)
	}
	if active > 0 {
		return Conflictf("session %s is the active session; switch to another session first", id)
	}

	var live int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM background_tasks WHERE session_id = ? AND status IN ('pending', 'running')`,
		id,
	).Scan(&live); err != nil {
		return Unknownf("check running tasks: %v", err)
	}
	if live > 0 {
		return Conflictf("session %s has %d unfinished background task(s)", id, live)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return Unknownf("delete messages: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM background_tasks WHERE session_id = ?`, id); err != nil {
		return Unknownf("delete tasks: %v", err)
	}

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return Unknownf("delete session: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("delete session: %v", err)
	}
	if n == 0 {
		return NotFoundf("session %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return Unknownf("commit transaction: %v", err)
	}
	return nil
}

// --- Active-session pointer ---
//
// These are the raw table operations; ownership validation and
// per-chat serialization live in the registry package.

// GetActiveSession returns the session the pointer for owner
// references, or (nil, nil) when no pointer exists.
func (s *Store) GetActiveSession(owner models.Owner) (*models.Session, error) {
	return scanSession(s.db.QueryRow(`
		SELECT s.id, s.user_id, s.chat_id, s.name, s.project_id, s.state, s.created_at, s.updated_at
		FROM sessions s
		JOIN active_sessions a ON s.id = a.session_id
		WHERE a.user_id = ? AND a.chat_id = ?`,
		owner.UserID, owner.ChatID,
	))
}

// UpsertActiveSession atomically points owner's active-session row at
// sessionID, replacing any prior pointer. The insert sources the
// session row itself, so a session deleted between the caller's
// validation and this write reports NotFound instead of leaving a
// dangling pointer.
func (s *Store) UpsertActiveSession(owner models.Owner, sessionID string) error {
	res, err := s.db.Exec(`
		INSERT INTO active_sessions (user_id, chat_id, session_id)
		SELECT ?, ?, id FROM sessions WHERE id = ?
		ON CONFLICT(user_id, chat_id) DO UPDATE SET session_id = excluded.session_id`,
		owner.UserID, owner.ChatID, sessionID,
	)
	if err != nil {
		return Unknownf("upsert active session: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("upsert active session: %v", err)
	}
	if n == 0 {
		return NotFoundf("session %s not found", sessionID)
	}
	return nil
}

// ClearActiveSession removes owner's pointer. Clearing an absent
// pointer is a no-op.
func (s *Store) ClearActiveSession(owner models.Owner) error {
	if _, err := s.db.Exec(
		`DELETE FROM active_sessions WHERE user_id = ? AND chat_id = ?`,
		owner.UserID, owner.ChatID,
	); err != nil {
		return Unknownf("clear active session: %v", err)
	}
	return nil
}

// IsActiveSession reports whether any chat's pointer references sessionID.
func (s *Store) IsActiveSession(sessionID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM active_sessions WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return false, Unknownf("check active session: %v", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
