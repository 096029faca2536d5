package engine

import "fmt"

// UnknownCallbackError is a webhook for a call that has no reminder, or whose
// reminder has already finished. It is answered with a hang-up and otherwise
// ignored.
type UnknownCallbackError struct {
	ReminderID string
	CallID     string
	Reason     string
}

func (e *UnknownCallbackError) Error() string {
	return fmt.Sprintf("unknown callback (reminder=%q call=%q): %s", e.ReminderID, e.CallID, e.Reason)
}
