package common

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type CatalogErrorCode int

const (
	// DuplicateObjectError indicates an attempt to create a relation or index
	// that already exists in the catalog.
	DuplicateObjectError CatalogErrorCode = iota
	// NoSuchObjectError indicates a request for a relation, index or cache entry
	// that does not exist in the catalog.
	NoSuchObjectError
	// DeadlockError is returned by the lock manager when granting a lock could
	// deadlock, necessitating an abort of the unit of work.
	DeadlockError
	// UniqueViolationError is returned by a unique catalog index when a key is
	// already present for another live row.
	UniqueViolationError
	// LayoutMismatchError indicates that a tuple does not have the fixed-width
	// layout a typed view expects.
	LayoutMismatchError
	// WrongObjectTypeError indicates an operation on a relation of the wrong kind.
	WrongObjectTypeError
)

func (ec CatalogErrorCode) String() string {
	switch ec {
	case DuplicateObjectError:
		return "DuplicateObjectError"
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case DeadlockError:
		return "DeadlockError"
	case UniqueViolationError:
		return "UniqueViolationError"
	case LayoutMismatchError:
		return "LayoutMismatchError"
	case WrongObjectTypeError:
		return "WrongObjectTypeError"
	}
	return "unknown"
}

// CatalogError is the error type for catalog operations.
// It wraps a specific CatalogErrorCode with a detailed message, so callers
// (for example the unit-of-work runner) can decide how to react.
type CatalogError struct {
	Code      CatalogErrorCode
	ErrString string
}

func (e CatalogError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// NewError builds a CatalogError with a formatted message.
func NewError(code CatalogErrorCode, format string, args ...any) error {
	return CatalogError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// HasCode reports whether any error in err's chain is a CatalogError with the given code.
func HasCode(err error, code CatalogErrorCode) bool {
	var ce CatalogError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
