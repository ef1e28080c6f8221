package pipeline

import "fmt"

// InputError marks a user-correctable problem with the invocation or its
// input files, as opposed to an internal failure.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

func inputErrorf(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}
