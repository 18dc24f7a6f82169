package session

import (
	stderrors "errors"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/pkg/errors"
)

// With creates a Session for g, calls fn with it, and closes the Session on every exit path.
//
// It returns fn's error joined with the error from Session.Close, if any. A panic in fn is recovered
// and returned as an error.
func With(g *graph.Graph, fn func(s *Session) error, options ...Option) (err error) {
	s, err := New(g, options...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			err = stderrors.Join(err, errors.WithMessage(closeErr, "closing session"))
		}
	}()

	if exception := exceptions.Try(func() { err = fn(s) }); exception != nil {
		err = exceptionToError(exception, "panic in session %s", s.Handle())
	}
	return err
}
