package llm

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: an empty or malformed
// reply, a rate limit, a server or network error, or an open breaker.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient: " + e.Reason
	}
	return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err or anything it wraps is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// SchemaError is returned when the reply is well-formed JSON that does not
// match the requested schema. It is never retried.
type SchemaError struct {
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Path, e.Msg)
}

func schemaErr(path, format string, args ...any) error {
	return &SchemaError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
