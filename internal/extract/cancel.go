package extract

import (
	"errors"
	"sync"
)

var ErrCancelledByUser = errors.New("extraction cancelled by user")

// Token is the single cancellation handle threaded through the gateway,
// locator, correlator and orchestrator. It latches: once cancelled it stays
// cancelled. An optional external predicate lets an outer supervisor request
// cancellation without touching internal state; it is consulted on every
// Err call and latched on first true.
type Token struct {
	mu       sync.Mutex
	done     chan struct{}
	cause    error
	external func() bool
}

func NewToken(external func() bool) *Token {
	return &Token{done: make(chan struct{}), external: external}
}

// Cancel requests cooperative cancellation with the given cause.
func (t *Token) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelledByUser
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause != nil {
		return
	}
	t.cause = cause
	close(t.done)
}

// Done is closed once cancellation has been requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the cancellation cause, or nil while the token is live.
func (t *Token) Err() error {
	t.mu.Lock()
	cause := t.cause
	external := t.external
	t.mu.Unlock()
	if cause != nil {
		return cause
	}
	if external != nil && external() {
		t.Cancel(ErrCancelledByUser)
		t.mu.Lock()
		cause = t.cause
		t.mu.Unlock()
		return cause
	}
	return nil
}
