package models

import "time"

// User represents an account stored in the database.
type User struct {
	ID              string
	Email           string
	Name            string
	PassHash        []byte
	CreatedAt       time.Time
	DefaultAPIKeyID *string
}
