package jobs

import "sync"

// Reason says why a token was cancelled.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonPaused    Reason = "paused"
	ReasonCancelled Reason = "cancelled"
)

// Token is the cancellation signal of one job run. The Manager creates it
// in Begin and cancels it on pause or cancel; the import loop polls it
// between batches.
type Token struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	reason Reason
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel aborts the run for good.
func (t *Token) Cancel() {
	t.cancel(ReasonCancelled)
}

func (t *Token) cancel(reason Reason) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// IsCancelled reports whether the token was cancelled for any reason.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed on cancellation.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason returns why the token was cancelled, ReasonNone while active.
func (t *Token) Reason() Reason {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}
