package identity

import "time"

// Role is the closed set of account roles in the marketplace.
type Role string

const (
	RoleFan      Role = "fan"
	RoleArtist   Role = "artist"
	RoleAdmin    Role = "admin"
	RoleBusiness Role = "business"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleFan, RoleArtist, RoleAdmin, RoleBusiness:
		return true
	}
	return false
}

// Identity is the authentication record for one account. Secret fields
// (password hash, OTP state, password-changed-at) are omitted from default
// reads and never serialized.
type Identity struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Email    string `json:"email"`
	UserName string `json:"user_name"`
	Verified bool   `json:"is_verified"`

	PasswordHash      string     `json:"-"`
	OTPCode           string     `json:"-"`
	OTPCooldownEnd    time.Time  `json:"-"`
	PasswordChangedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
