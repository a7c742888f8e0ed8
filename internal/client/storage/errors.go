package storage

import "errors"

// Common client storage errors
var (
	// ErrSessionNotFound indicates that the client has not logged in
	ErrSessionNotFound = errors.New("session not found")

	// ErrSiteNotFound indicates that no site clock was saved yet
	ErrSiteNotFound = errors.New("site not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
