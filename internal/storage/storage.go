// Package storage provides object storage abstractions for archiving
// delivered telemetry. Implementations include S3 and the local
// filesystem for development and testing.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the archive sink the retention sweeper writes
// to before deleting expired sent events.
type ObjectStorage interface {
	// Put writes data to objectPath, overwriting any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath.
	// Returns ErrObjectNotFound if it does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes the object at objectPath.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether an object exists at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
