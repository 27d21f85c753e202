package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/runa-bot/runa/internal/models"
)

// AppendMessage appends a message to a session and refreshes the
// session's updated_at inside one transaction. Messages are
// append-only; there is no update or single-message delete.
func (s *Store) AppendMessage(sessionID string, owner models.Owner, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, Conflictf("invalid role %q", role)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, Unknownf("begin transaction: %v", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, Unknownf("check session: %v", err)
	}
	if exists == 0 {
		return nil, NotFoundf("session %s not found", sessionID)
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Owner:     owner,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (id, session_id, user_id, chat_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Owner.UserID, msg.Owner.ChatID, msg.Role, msg.Content, fmtTime(now),
	); err != nil {
		return nil, Unknownf("insert message: %v", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		fmtTime(now), sessionID,
	); err != nil {
		return nil, Unknownf("touch session: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Unknownf("commit transaction: %v", err)
	}
	return msg, nil
}

// ListMessages returns up to limit of the most recent messages in a
// session, in chronological order (ties broken by insertion order).
// limit <= 0 returns all messages.
func (s *Store) ListMessages(sessionID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, session_id, user_id, chat_id, role, content, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp DESC, rowid DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Unknownf("query messages: %v", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Owner.UserID, &m.Owner.ChatID, &m.Role, &m.Content, &ts); err != nil {
			return nil, Unknownf("scan message: %v", err)
		}
		m.Timestamp = parseTime(ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, Unknownf("iterate messages: %v", err)
	}

	// Reverse into chronological order (query fetched newest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
