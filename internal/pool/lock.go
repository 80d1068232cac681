package pool

import "context"

// promptLock serializes prompt turns against a single managed session.
// Each turn waits for the prior turn's lock before proceeding, then installs
// a fresh lock of its own that the caller releases once its turn completes
// (successfully or not) -- typically from a defer/finally block.
type promptLock struct {
	done chan struct{}
}

func newPromptLock() *promptLock {
	return &promptLock{done: make(chan struct{})}
}

// wait blocks until the lock is released or ctx is done.
func (l *promptLock) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release signals waiters that this turn has finished. Safe to call at most
// once; callers own exactly one promptLock instance each.
func (l *promptLock) release() {
	close(l.done)
}
