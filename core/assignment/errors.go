package assignment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRequestTimeout matches a TimeoutError.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrBadRequest is returned when the request cannot be served as given.
	ErrBadRequest = errors.New("bad request")
)

// TimeoutError reports that no vehicle acknowledged an assignment.
type TimeoutError struct {
	Attempts int
	// Failed lists the immatriculations that never engaged.
	Failed []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("No vehicles acknowledged assignment after %d attempts. Failed: %s",
		e.Attempts, strings.Join(e.Failed, ", "))
}

// Is makes errors.Is(err, ErrRequestTimeout) true.
func (e *TimeoutError) Is(target error) bool { return target == ErrRequestTimeout }
