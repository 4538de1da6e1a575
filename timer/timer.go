// Package timer implements the per-operation deadline scope: a timeout
// that cancels whatever query.Session call is currently in flight on
// expiration, translating the resulting error into errors.KindTimeout.
// timeout == nil disables the timer without changing any other
// behavior. The scope is built from context.WithDeadline, since every
// query.Session method is already context-aware and a cancelled
// context aborts the in-flight statement on its own.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/cameron/datahog/errors"
)

// Scope is one operation's timer. Construct with New and defer
// Scope.Close.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timedOut bool
	timer    *time.Timer
}

// New creates a Scope bound to parent. If timeout is nil the scope never
// fires and behaves as a plain pass-through context.
func New(parent context.Context, timeout *time.Duration) *Scope {
	s := &Scope{}
	if timeout == nil {
		s.ctx, s.cancel = context.WithCancel(parent)
		return s
	}
	deadline := time.Now().Add(*timeout)
	s.ctx, s.cancel = context.WithDeadline(parent, deadline)
	s.timer = time.AfterFunc(*timeout, s.ding)
	return s
}

// Context returns the scope's context. Pass it to every query.Session
// call made during this operation.
func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) ding() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
	s.cancel()
}

// Close releases the scope's resources. Call via defer immediately
// after New.
func (s *Scope) Close() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
}

// TimedOut reports whether the deadline fired before Close.
func (s *Scope) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// Translate converts a driver error observed after the scope's context
// was used into errors.KindTimeout if the scope had in fact timed out,
// and passes it through unchanged otherwise.
func (s *Scope) Translate(err error) error {
	if err == nil {
		return nil
	}
	if s.TimedOut() || s.ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError()
	}
	return err
}
