// Package remote defines the repository the cache mirrors and a WebDAV
// implementation of it.
package remote

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"
)

// ErrNotFound is returned by Stat when the repository has no such element.
var ErrNotFound = errors.New("repository element not found")

// Item is one element reported by the repository.
type Item struct {
	Path       string
	Attributes trees.Attributes
}

// Repository is the read side of the remote store.
type Repository interface {
	// List returns the elements of the collection at path. Servers may
	// include the collection itself; callers filter it out.
	List(ctx context.Context, path string) ([]Item, error)

	// Stat returns a single element, or ErrNotFound.
	Stat(ctx context.Context, path string) (*Item, error)
}

// Mutator is the write side used by the filesystem driver.
type Mutator interface {
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Client is a repository that can also be modified.
type Client interface {
	Repository
	Mutator
}
