package state

import (
	"log/slog"
	"sync"
	"time"
)

// State is the process-wide lifecycle latch. Two monotonic conditions:
// shutdown and error. Error implies shutdown. Once raised, a latch stays
// raised; repeated signals are no-ops.
type State struct {
	mu       sync.Mutex
	shutdown chan struct{}
	errored  bool
	errMsg   string
	closed   bool
}

// New returns a State with both latches down.
func New() *State {
	return &State{shutdown: make(chan struct{})}
}

// SignalShutdown raises the shutdown latch. Safe to call any number of
// times from any goroutine.
func (s *State) SignalShutdown(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	slog.Info("shutdown signalled", "reason", reason)
	s.closed = true
	close(s.shutdown)
}

// SignalError raises both latches and records the first error message.
// Later errors do not overwrite the first.
func (s *State) SignalError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.errored {
		s.errored = true
		s.errMsg = msg
		slog.Error("fatal server error", "err", msg)
	}
	if !s.closed {
		s.closed = true
		close(s.shutdown)
	}
}

// ShouldShutdown reports whether the shutdown latch is raised.
func (s *State) ShouldShutdown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// HasError reports whether the error latch is raised.
func (s *State) HasError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// ErrorMessage returns the first recorded error message, if any.
func (s *State) ErrorMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg, s.errored
}

// Done returns a channel closed when shutdown is signalled, for use in
// selects alongside other events.
func (s *State) Done() <-chan struct{} {
	return s.shutdown
}

// WaitForShutdown blocks until the shutdown latch is raised or timeout
// elapses. A zero or negative timeout waits forever. Returns true if the
// latch was raised.
func (s *State) WaitForShutdown(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.shutdown
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.shutdown:
		return true
	case <-t.C:
		return false
	}
}
