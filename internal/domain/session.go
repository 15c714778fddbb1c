package domain

import "time"

// RolePlaceholder is the marker role stamped on sessions created before the
// user's real role is known. A cached session still carrying it is treated as
// corrupt and never trusted.
const RolePlaceholder = "pending"

// AuthSession is the offline-usable authentication state for one user on one
// device. It is created at login, refreshed on activity, and deleted on
// logout or expiry.
type AuthSession struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	TenantID          string    `json:"tenant_id"`
	PracticeID        string    `json:"practice_id"`
	CurrentPracticeID string    `json:"current_practice_id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	Role              string    `json:"role"`
	Roles             []string  `json:"roles"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivity      time.Time `json:"last_activity"`
}

// TokenValid reports whether the session's token has not yet expired.
func (s *AuthSession) TokenValid() bool {
	return s != nil && time.Now().Before(s.ExpiresAt)
}

// HasConcreteRole reports whether the session carries a real role rather
// than the placeholder stamped before role resolution.
func (s *AuthSession) HasConcreteRole() bool {
	return s != nil && s.Role != "" && s.Role != RolePlaceholder
}
