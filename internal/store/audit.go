package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/runa-bot/runa/internal/models"
)

// WriteAudit appends an entry to the audit trail.
func (s *Store) WriteAudit(action, inputsHash, outcome, sessionID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SessionID:  sessionID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, action, inputs_hash, outcome, session_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, nullString(entry.SessionID), entry.Details, fmtTime(entry.Timestamp),
	)
	if err != nil {
		return nil, Unknownf("insert audit entry: %v", err)
	}
	return entry, nil
}
