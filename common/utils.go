package common

import "github.com/cockroachdb/errors"

// Assert checks a condition and panics if it is false.
//
// Assertions guard the rules of the catalog layer: a violated one means a
// handle is being misused (an attribute number out of range, a tuple used
// after release, an index batch outliving its relation). Continuing would risk
// catalog corruption, so the current unit of work is aborted instead. The panic
// value is an assertion-failure error; the unit-of-work runner recovers it,
// rolls back and reports it.
//
// Do not use it for conditions that can reasonably happen at runtime, such as a
// missing relation or a lock conflict; return an error instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.AssertionFailedWithDepthf(1, format, args...))
	}
}
