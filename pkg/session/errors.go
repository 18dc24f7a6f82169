package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSessionClosed is returned by Session methods called after Session.Close.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInvalidPlacement is returned when an op requests a device that the backend doesn't have,
	// and soft placement is not allowed. See SessionConfig.SetAllowSoftPlacement.
	ErrInvalidPlacement = errors.New("invalid device placement")
)

// exceptionToError converts a value recovered from a panic to an error, prefixed with the formatted message.
func exceptionToError(exception any, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err, ok := exception.(error); ok {
		return errors.WithMessage(err, msg)
	}
	return errors.Errorf("%s: %v", msg, exception)
}
