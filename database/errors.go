package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the queried entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected is returned by adapters used before Connect.
	ErrNotConnected = errors.New("database not connected")
	// ErrUnavailable is returned while the supervisor is reconnecting or has given up.
	ErrUnavailable = errors.New("storage backend unavailable")
	// ErrUnsupportedBackend is returned for an unknown backend selector.
	ErrUnsupportedBackend = errors.New("unsupported database type")
	// ErrNotSupported is returned for an optional operation the backend lacks.
	ErrNotSupported = errors.New("operation not supported by backend")
	// ErrInvalidKey is returned when a backend cannot store an identifier as given.
	ErrInvalidKey = errors.New("identifier not accepted by backend")
)

// StorageError is a backend I/O failure for one operation
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConnectionError is a failure to establish a backend session
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with backend and operation. nil stays nil and errors that
// are already a StorageError are returned unchanged.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	return &StorageError{Backend: backend, Op: op, Err: err}
}

// IsNotFound reports whether err means the entity is absent
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
