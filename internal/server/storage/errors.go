package storage

import "errors"

// Common storage errors
var (
	// ErrObjectNotFound indicates that no object is stored under the hash
	ErrObjectNotFound = errors.New("object not found")

	// ErrBranchNotFound indicates that the branch ref does not exist
	ErrBranchNotFound = errors.New("branch not found")

	// ErrBranchConflict indicates that the branch ref was changed concurrently
	ErrBranchConflict = errors.New("branch was updated concurrently")

	// ErrStorageClosed indicates an operation on a closed store
	ErrStorageClosed = errors.New("storage is closed")
)
