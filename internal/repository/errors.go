package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotHead indicates a rebase onto a revision that has children
	ErrNotHead = errors.New("new parent must be a current head")

	// ErrMergeRebase indicates a rebase of a revision with several parents
	ErrMergeRebase = errors.New("merge revisions cannot be rebased")

	// ErrNothingToMerge indicates a merge request on a repository with a single head
	ErrNothingToMerge = errors.New("repository has fewer than two heads")

	// ErrInvalidID indicates a revision id that cannot name a directory
	ErrInvalidID = errors.New("invalid revision id")

	// ErrInvalidLabel indicates a label that does not fit on one metadata line
	ErrInvalidLabel = errors.New("invalid revision label")

	// ErrReadOnly indicates a mutation of a repository not backed by a directory
	ErrReadOnly = errors.New("repository is read-only")
)

// ReadError reports a malformed revision metadata file.
type ReadError struct {
	Msg  string
	Path string
	Line int
}

// Error implements the error interface
func (e *ReadError) Error() string {
	return fmt.Sprintf("%s (%s:%d)", e.Msg, e.Path, e.Line)
}

// FileSystemError wraps file system failures with the path involved
type FileSystemError struct {
	Path      string // File or directory path
	Operation string // File system operation (read, write, lock, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *FileSystemError) Error() string {
	return fmt.Sprintf("file system error during %s on '%s': %v", e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// NewFileSystemError creates a new FileSystemError
func NewFileSystemError(path, operation string, err error) *FileSystemError {
	return &FileSystemError{
		Path:      path,
		Operation: operation,
		Err:       err,
	}
}
