package cache

import (
	"errors"
	"fmt"
)

// Errors returned by the cache
var (
	ErrUnknownFolder   = errors.New("unknown folder")
	ErrNotFound        = errors.New("node not found")
	ErrDuplicateKey    = errors.New("duplicate cache key")
	ErrOrphanNode      = errors.New("parent folder not cached")
	ErrNoParent        = errors.New("node has no parent")
	ErrNotDirectory    = errors.New("not a directory")
	ErrRepositoryFetch = errors.New("repository fetch failed")
)

// FetchError reports a failed listing or lookup on the remote repository.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("list %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRepositoryFetch) hold for every FetchError.
func (e *FetchError) Is(target error) bool {
	return target == ErrRepositoryFetch
}
