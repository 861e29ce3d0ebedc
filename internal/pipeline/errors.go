package pipeline

import (
	"errors"
	"fmt"

	"github.com/kalambet/docminer/internal/llm"
)

// PermanentError marks a step failure that retrying cannot fix, such as
// invalid configuration or a missing dependency.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err must not be retried. Schema violations
// from the model service count as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *llm.SchemaError
	return errors.As(err, &se)
}

// StepError is a structured failure recorded in run results and run logs.
// ItemID is set when a single thread or proposal failed and the step as a
// whole went on.
type StepError struct {
	StepID  string         `json:"step_id"`
	ItemID  string         `json:"item_id,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (e StepError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.StepID, e.ItemID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.StepID, e.Message)
}
