// Package auth gates the chat surface behind a user allowlist.
package auth

// Allowlist authorizes chat users by ID. An empty allowlist denies
// everyone; there is no open mode.
type Allowlist struct {
	users map[int64]struct{}
}

// NewAllowlist creates an allowlist from the configured user IDs.
func NewAllowlist(userIDs []int64) *Allowlist {
	users := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}
	return &Allowlist{users: users}
}

// Allowed reports whether userID may use the chat surface.
func (a *Allowlist) Allowed(userID int64) bool {
	_, ok := a.users[userID]
	return ok
}
