package storage

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrTokenNotFound     = errors.New("refresh token not found")
	ErrAPIKeyNotFound    = errors.New("api key not found")
	ErrAPIKeyExists      = errors.New("api key fingerprint already exists")

	// ErrNoQuotaMatch means the atomic consume update matched no document. The
	// caller cannot tell from this alone whether the key is unknown/inactive or
	// merely out of quota; a follow-up read-only probe decides.
	ErrNoQuotaMatch = errors.New("no api key matched quota consume")
)
