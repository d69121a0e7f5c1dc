package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies assetvault errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindExpired
	KindForbidden
	KindEmptyCommit
	KindChunkMismatch
	KindChunkTooLarge
	KindAssetTooLarge
	KindStaleDigest
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, xerrors.E(KindNotFound, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindExpired:
		return "expired"
	case KindForbidden:
		return "forbidden"
	case KindEmptyCommit:
		return "empty commit"
	case KindChunkMismatch:
		return "chunk mismatch"
	case KindChunkTooLarge:
		return "chunk too large"
	case KindAssetTooLarge:
		return "asset too large"
	case KindStaleDigest:
		return "stale digest"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindForbidden
	case errors.Is(err, os.ErrDeadlineExceeded):
		return KindExpired
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
