package review

import "strings"

// Error is a review failure with a caller-facing code.
type Error struct {
	code    string
	message string
}

func (e *Error) Error() string {
	return e.message
}

// Code returns the caller-facing error code.
func (e *Error) Code() string {
	return e.code
}

// Detail returns the message without the package prefix.
func (e *Error) Detail() string {
	return strings.TrimPrefix(e.message, "review: ")
}

var (
	ErrUnknownProposal   = &Error{code: "not_found", message: "review: unknown proposal"}
	ErrSessionNotFound   = &Error{code: "not_found", message: "review: no open review session"}
	ErrInvalidTransition = &Error{code: "invalid_state", message: "review: transition not allowed from the current state"}
	ErrClosed            = &Error{code: "invalid_state", message: "review: session already saved"}
	ErrEditsInProgress   = &Error{code: "edits_in_progress", message: "review: finish or cancel all edits before saving"}
	ErrInvalidEdit       = &Error{code: "validation_error", message: "review: edited text is empty or too long"}
)
