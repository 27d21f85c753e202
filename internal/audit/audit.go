// Package audit records state-mutating operations for Runa's audit trail.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/store"
)

// Recorder writes audit entries for state-mutating operations.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a new audit recorder.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes an audit entry. Inputs are hashed, not stored, so the
// trail never retains message or command contents.
func (r *Recorder) Record(action string, inputs interface{}, outcome, sessionID, details string) (*models.AuditEntry, error) {
	return r.store.WriteAudit(action, hashInputs(inputs), outcome, sessionID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
