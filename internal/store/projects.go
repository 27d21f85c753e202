package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/runa-bot/runa/internal/models"
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(owner models.Owner, name, workingDir string) (*models.Project, error) {
	now := time.Now().UTC()
	p := &models.Project{
		ID:         uuid.New().String(),
		Owner:      owner,
		Name:       name,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO projects (id, user_id, chat_id, name, working_dir, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Owner.UserID, p.Owner.ChatID, p.Name, p.WorkingDir, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	if err != nil {
		return nil, Unknownf("insert project: %v", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID. Returns (nil, nil) when absent.
func (s *Store) GetProject(id string) (*models.Project, error) {
	var p models.Project
	var createdAt, updatedAt string

	err := s.db.QueryRow(
		`SELECT id, user_id, chat_id, name, working_dir, created_at, updated_at FROM projects WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Owner.UserID, &p.Owner.ChatID, &p.Name, &p.WorkingDir, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Unknownf("query project: %v", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ListProjects returns all projects for an owner, ordered by name.
func (s *Store) ListProjects(owner models.Owner) ([]models.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, chat_id, name, working_dir, created_at, updated_at FROM projects WHERE user_id = ? AND chat_id = ? ORDER BY name`,
		owner.UserID, owner.ChatID,
	)
	if err != nil {
		return nil, Unknownf("query projects: %v", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Owner.UserID, &p.Owner.ChatID, &p.Name, &p.WorkingDir, &createdAt, &updatedAt); err != nil {
			return nil, Unknownf("scan project: %v", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, Unknownf("iterate projects: %v", err)
	}
	return projects, nil
}

// ProjectUpdate holds optional fields for UpdateProject. Nil fields
// are left unchanged.
type ProjectUpdate struct {
	Name       *string
	WorkingDir *string
}

// UpdateProject applies upd to a project and refreshes updated_at.
// A project whose sessions have unfinished background tasks is
// immutable: those commands already resolved their working directory
// against it, so the guard is checked inside the update transaction.
func (s *Store) UpdateProject(id string, upd ProjectUpdate) error {
	if upd.Name == nil && upd.WorkingDir == nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Unknownf("begin transaction: %v", err)
	}
	defer tx.Rollback()

	var live int
	if err := tx.QueryRow(`
		SELECT COUNT(*)
		FROM background_tasks t
		JOIN sessions s ON t.session_id = s.id
		WHERE s.project_id = ? AND t.status IN ('pending', 'running')`,
		id,
	).Scan(&live); err != nil {
		return Unknownf("check running tasks: %v", err)
	}
	if live > 0 {
		return Conflictf("project %s has %d unfinished background task(s); wait or cancel them first", id, live)
	}

	query := `UPDATE projects SET `
	var args []interface{}
	if upd.Name != nil {
		query += `name = ?, `
		args = append(args, *upd.Name)
	}
	if upd.WorkingDir != nil {
		query += `working_dir = ?, `
		args = append(args, *upd.WorkingDir)
	}
	query += `updated_at = ? WHERE id = ?`
	args = append(args, fmtTime(time.Now().UTC()), id)

	res, err := tx.Exec(query, args...)
	if err != nil {
		return Unknownf("update project: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("update project: %v", err)
	}
	if n == 0 {
		return NotFoundf("project %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return Unknownf("commit transaction: %v", err)
	}
	return nil
}

// DeleteProject deletes a project. The referencing-session guard is
// checked inside the same transaction as the delete so a session
// created concurrently cannot slip past the check.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return Unknownf("begin transaction: %v", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE project_id = ?`, id).Scan(&refs); err != nil {
		return Unknownf("count referencing sessions: %v", err)
	}
	if refs > 0 {
		return Conflictf("project %s is referenced by %d session(s); reassign or delete them first", id, refs)
	}

	res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return Unknownf("delete project: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknownf("delete project: %v", err)
	}
	if n == 0 {
		return NotFoundf("project %s not found", id)
	}

	if err := tx.Commit(); err != nil {
		return Unknownf("commit transaction: %v", err)
	}
	return nil
}
