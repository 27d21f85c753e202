// Package registry owns the active-session pointer: which session
// receives new messages for each (user, chat) pair.
package registry

import (
	"sync"

	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/store"
)

// Registry maintains the per-chat active session. The store's upsert
// keeps the table consistent; the per-key mutex makes concurrent
// SetActive calls for one chat linearizable, so the last caller's
// session is the one observed afterwards.
type Registry struct {
	store *store.Store

	mu    sync.Mutex
	locks map[models.Owner]*sync.Mutex
}

// New creates a Registry backed by s.
func New(s *store.Store) *Registry {
	return &Registry{
		store: s,
		locks: make(map[models.Owner]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing pointer writes for owner.
func (r *Registry) keyLock(owner models.Owner) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		r.locks[owner] = l
	}
	return l
}

// Active returns owner's active session, or (nil, nil) when no
// session is pinned.
func (r *Registry) Active(owner models.Owner) (*models.Session, error) {
	return r.store.GetActiveSession(owner)
}

// SetActive pins sessionID as owner's active session. The session
// must exist and belong to owner; any prior pointer is replaced
// atomically.
func (r *Registry) SetActive(owner models.Owner, sessionID string) error {
	l := r.keyLock(owner)
	l.Lock()
	defer l.Unlock()

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return store.NotFoundf("session %s not found", sessionID)
	}
	if sess.Owner != owner {
		return store.InvalidOwnerf("session %s belongs to a different chat", sessionID)
	}

	return r.store.UpsertActiveSession(owner, sessionID)
}

// ClearActive removes owner's pointer. Clearing when nothing is
// pinned is a no-op.
func (r *Registry) ClearActive(owner models.Owner) error {
	l := r.keyLock(owner)
	l.Lock()
	defer l.Unlock()

	return r.store.ClearActiveSession(owner)
}

// IsActive reports whether sessionID is pinned by any chat.
func (r *Registry) IsActive(sessionID string) (bool, error) {
	return r.store.IsActiveSession(sessionID)
}

// ActiveOrCreate returns owner's active session, creating and pinning
// a default-named one when none exists.
func (r *Registry) ActiveOrCreate(owner models.Owner) (*models.Session, error) {
	l := r.keyLock(owner)
	l.Lock()
	defer l.Unlock()

	sess, err := r.store.GetActiveSession(owner)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess, err = r.store.CreateSession(owner, "", "")
	if err != nil {
		return nil, err
	}
	if err := r.store.UpsertActiveSession(owner, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}
