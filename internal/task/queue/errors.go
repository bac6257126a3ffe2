package queue

import (
	"errors"
	"fmt"
)

var ErrStopped = errors.New("job queue stopped")

// UnhandledJobError is what the terminal handler receives when a one-off job
// returns an error or panics.
type UnhandledJobError struct {
	// Context identifies the job: "function" for direct references, the path otherwise.
	Context string
	ID      string
	Err     error
}

func (e *UnhandledJobError) Error() string {
	return fmt.Sprintf("Processed job threw an unhandled error (%s): %v", e.Context, e.Err)
}

func (e *UnhandledJobError) Unwrap() error { return e.Err }
