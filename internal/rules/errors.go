package rules

import (
	"errors"
	"fmt"
)

var errUnknownFrequency = errors.New("unknown frequency")

// ScheduleIncompleteError reports a schedule without a usable anchor date.
// Compilation of the owning event is aborted when it occurs.
type ScheduleIncompleteError struct {
	ScheduleID string
}

func (e *ScheduleIncompleteError) Error() string {
	return fmt.Sprintf("rules: schedule %q has no start date", e.ScheduleID)
}

// ScheduleInvalidError reports a schedule field that cannot be translated
// into a recurrence rule (unknown frequency, bad weekday code, negative count).
type ScheduleInvalidError struct {
	ScheduleID string
	Field      string
	Value      string
	Err        error
}

func (e *ScheduleInvalidError) Error() string {
	msg := fmt.Sprintf("rules: schedule %q has invalid %s %q", e.ScheduleID, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScheduleInvalidError) Unwrap() error {
	return e.Err
}

// IsCompileError reports whether err stems from a schedule that cannot be
// compiled. Retrying such an event without changing its schedules is useless.
func IsCompileError(err error) bool {
	var incomplete *ScheduleIncompleteError
	var invalid *ScheduleInvalidError
	return errors.As(err, &incomplete) || errors.As(err, &invalid)
}
