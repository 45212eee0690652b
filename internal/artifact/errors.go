package artifact

import "fmt"

// NotFoundError reports a lookup for a hash the store has never seen.
type NotFoundError struct {
	Hash string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Hash)
}

// StorageError is fatal to the current work unit. The store guarantees that
// a failed write never corrupts previously committed artifacts.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
