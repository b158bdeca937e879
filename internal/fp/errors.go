package fp

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("item not found")
	ErrServerUnreachable = errors.New("server unreachable")
	ErrFilenameCollision = errors.New("filename collision")
	ErrSchemaMismatch    = errors.New("metadata store schema mismatch")
	ErrNoActiveAccount   = errors.New("no active account")
	ErrNotDirectory      = errors.New("item is not a directory")
	ErrBadRequest        = errors.New("bad request")
)

// RemoteError is returned by Remote implementations. Only Code is inspected
// when branching.
type RemoteError struct {
	Op   string
	Path string
	Code int
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: code %d: %v", e.Op, e.Path, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: code %d", e.Op, e.Path, e.Code)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError builds a RemoteError.
func NewRemoteError(op, path string, code int, err error) *RemoteError {
	return &RemoteError{Op: op, Path: path, Code: code, Err: err}
}

// TranslateRemoteError maps a remote failure onto the error taxonomy.
// Errors that are not RemoteErrors are treated as transport failures.
func TranslateRemoteError(err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrFilenameCollision) || errors.Is(err, ErrServerUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	switch {
	case re.Code == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, re.Path)
	case re.Code == 405 || re.Code == 409 || re.Code == 412:
		return fmt.Errorf("%w: %s", ErrFilenameCollision, re.Path)
	case re.Code == 400:
		return fmt.Errorf("%w: %v", ErrBadRequest, re)
	default:
		return fmt.Errorf("%w: %v", ErrServerUnreachable, re)
	}
}
