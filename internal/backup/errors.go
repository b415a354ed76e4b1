package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled marks a run or operation aborted by its owner.
	ErrCanceled = errors.New("backup canceled")
	// ErrNotFound is returned when a task, snapshot or remote item is missing.
	ErrNotFound = errors.New("not found")
	// ErrNoItems is returned when a full run discovers nothing to back up.
	ErrNoItems = errors.New("no items found for backup")
	// ErrExportUnsupported is returned for native documents without an export mapping.
	ErrExportUnsupported = errors.New("export not supported for this document type")
	// ErrFormatUnavailable is returned when an archive format cannot be produced on this host.
	ErrFormatUnavailable = errors.New("archive format unavailable")
	// ErrInvalidRequest marks a malformed run request.
	ErrInvalidRequest = errors.New("invalid request")
)

// RemoteError carries the HTTP status reported by the remote store.
type RemoteError struct {
	Op   string
	Code int
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: remote status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote status %d: %v", e.Op, e.Code, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError wraps err with an operation name and status code.
func NewRemoteError(op string, code int, err error) error {
	return &RemoteError{Op: op, Code: code, Err: err}
}

// StatusCode extracts the remote status from err, or 0 when none is present.
func StatusCode(err error) int {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	return 0
}
