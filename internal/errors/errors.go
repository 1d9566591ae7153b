package errors

import (
	"errors"
	"fmt"
)

// Sync outcomes. ErrConflict is a designed outcome rather than a failure;
// it is only used to label conflict paths in logs and wrapped errors.
var (
	ErrConnectivity       = errors.New("authority unreachable")
	ErrAuthorityRejection = errors.New("authority rejected request")
	ErrConflict           = errors.New("revision conflict")
)

// Local cache errors.
var (
	ErrStorage       = errors.New("local storage failure")
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidChoice = errors.New("invalid conflict resolution choice")
)

// Household record errors.
var (
	ErrInvalidRecord = errors.New("invalid record")
	ErrDuplicate     = errors.New("record already exists")
)

// StorageError reports a failed local cache operation. The attempted
// mutation was not committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage wraps err as a StorageError for op. Nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}

	return &StorageError{Op: op, Err: err}
}

// Rejection wraps a rejection reason returned by the authority.
func Rejection(reason string) error {
	return fmt.Errorf("%w: %s", ErrAuthorityRejection, reason)
}

// Connectivity wraps a transport failure.
func Connectivity(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}
