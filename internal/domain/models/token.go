package models

import "time"

// RefreshToken represents a refresh token stored in the database.
// A record is active while RevokedAt is unset and ExpiresAt has not passed;
// ReplacedBy links to the record minted by the rotation that superseded it.
type RefreshToken struct {
	ID          string
	UserID      string
	JTI         string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	ReplacedBy  *string
}

// Revoked reports whether the token has been revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the token's stored expiry has passed at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
