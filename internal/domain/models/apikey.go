package models

import "time"

// APIKey represents an API key stored in the database. The plaintext secret is
// never stored: Fingerprint serves equality lookups, Ciphertext/Nonce hold the
// AEAD-sealed secret for owner-initiated reveal.
//
// MinuteBucket and DayBucket identify the fixed quota windows the used counters
// belong to; zero means the window was never set, and a stale bucket id means
// the counter is logically zero even before it is physically reset.
type APIKey struct {
	ID          string
	UserID      string
	Name        string
	Fingerprint string
	Ciphertext  []byte
	Nonce       []byte

	Active    bool
	ExpiresAt *time.Time

	Scopes []string

	RequestsPerMinute int32
	RequestsPerDay    int64

	MinuteBucket int64
	UsedMinute   int32
	DayBucket    int32
	UsedDay      int64

	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Expired reports whether the key's expiry has passed at now. Keys without an
// expiry never expire.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// MinuteBucketAt returns the fixed minute-window id for now: whole minutes
// since the unix epoch.
func MinuteBucketAt(now time.Time) int64 {
	return now.Unix() / 60
}

// DayBucketAt returns the fixed day-window id for now: the UTC calendar day as
// a yyyymmdd integer.
func DayBucketAt(now time.Time) int32 {
	y, m, d := now.UTC().Date()
	return int32(y*10000 + int(m)*100 + d)
}
