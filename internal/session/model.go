// Package session persists the per-device login records that anchor refresh
// secrets. Sessions are never deleted: they expire by time or end in the
// terminal revoked state, and stay behind for audit.
package session

import "time"

// Session is one logged-in device for an identity. Refresh-token material is
// stored only as two one-way digests and never serialized.
type Session struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`

	RefreshLookupDigest     string `json:"-"`
	RefreshVerificationHash string `json:"-"`

	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`

	RevokedAt  *time.Time `json:"revoked_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Live reports whether the session is active at the given instant: not
// revoked and not past its expiry. A zero expiry never expires.
func (s Session) Live(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return s.ExpiresAt.IsZero() || s.ExpiresAt.After(now)
}
