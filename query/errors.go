package query

import "fmt"

// Error wraps a fetch or mutation failure with the canonical key that was
// being resolved, so callers can errors.As into it without string matching
//
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query: key %q: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Key: key, Err: err}
}
