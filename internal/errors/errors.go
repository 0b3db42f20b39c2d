package errors

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindPathTraversal          Kind = "PATH_TRAVERSAL"
	KindPathDenied             Kind = "PATH_DENIED"
	KindDirtyTree              Kind = "DIRTY_TREE"
	KindTemplate               Kind = "TEMPLATE"
	KindUniqueness             Kind = "UNIQUENESS"
	KindSessionNotFound        Kind = "SESSION_NOT_FOUND"
	KindInvalidSessionState    Kind = "INVALID_SESSION_STATE"
	KindFinalizeConflict       Kind = "FINALIZE_CONFLICT"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindLockTimeout            Kind = "LOCK_TIMEOUT"
	KindFileNotFound           Kind = "FILE_NOT_FOUND"
)

// Error is the structured error every core operation returns on
// failure. Context fields are populated where they apply so callers
// can act on them without parsing the message.
type Error struct {
	Kind      Kind     `json:"kind"`
	Message   string   `json:"message"`
	Path      string   `json:"path,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Details   []string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HasKind reports whether err is (or wraps) an Error of the given kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func PathTraversal(path string) *Error {
	return &Error{
		Kind:    KindPathTraversal,
		Message: fmt.Sprintf("path %q escapes the repository root", path),
		Path:    path,
	}
}

func PathDenied(path string) *Error {
	return &Error{
		Kind:    KindPathDenied,
		Message: fmt.Sprintf("path %q is not authorized", path),
		Path:    path,
	}
}

func DirtyTree(root string) *Error {
	return &Error{
		Kind:    KindDirtyTree,
		Message: fmt.Sprintf("working tree at %s has pending changes", root),
		Path:    root,
	}
}

func Template(problems []string) *Error {
	return &Error{
		Kind:    KindTemplate,
		Message: fmt.Sprintf("commit template invalid: %s", strings.Join(problems, "; ")),
		Details: problems,
	}
}

func Uniqueness(subject string) *Error {
	return &Error{
		Kind:    KindUniqueness,
		Message: fmt.Sprintf("commit subject %q collides with a recent commit", subject),
		Details: []string{subject},
	}
}

func SessionNotFound(id string) *Error {
	return &Error{
		Kind:      KindSessionNotFound,
		Message:   fmt.Sprintf("staged session %s not found", id),
		SessionID: id,
	}
}

func InvalidSessionState(id, status, want string) *Error {
	return &Error{
		Kind:      KindInvalidSessionState,
		Message:   fmt.Sprintf("session %s is %s, want %s", id, status, want),
		SessionID: id,
	}
}

func FinalizeConflict(id string, paths []string) *Error {
	return &Error{
		Kind:      KindFinalizeConflict,
		Message:   fmt.Sprintf("finalize of session %s conflicts on: %s", id, strings.Join(paths, ", ")),
		SessionID: id,
		Conflicts: paths,
	}
}

func ConcurrentModification(id, base string) *Error {
	return &Error{
		Kind:      KindConcurrentModification,
		Message:   fmt.Sprintf("base branch %s advanced since session %s started", base, id),
		SessionID: id,
	}
}

func LockTimeout(root string) *Error {
	return &Error{
		Kind:    KindLockTimeout,
		Message: fmt.Sprintf("timed out waiting for repository lock on %s", root),
		Path:    root,
	}
}

func FileNotFound(path string) *Error {
	return &Error{
		Kind:    KindFileNotFound,
		Message: fmt.Sprintf("file %q does not exist at the current tip", path),
		Path:    path,
	}
}
