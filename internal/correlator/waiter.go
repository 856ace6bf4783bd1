package correlator

import (
	"context"
	"sync"
)

// Waiter is a one-shot subscription for the first unsolicited frame
// accepted by its match function.
type Waiter struct {
	c     *Correlator
	match func([]byte) bool
	ch    chan []byte
	err   error
	once  sync.Once
}

// Expect registers a waiter. Register before sending the command whose
// result it waits for.
func (c *Correlator) Expect(match func(frame []byte) bool) *Waiter {
	w := &Waiter{c: c, match: match, ch: make(chan []byte, 1)}
	c.wmu.Lock()
	c.waiters = append(c.waiters, w)
	c.wmu.Unlock()
	return w
}

// Wait blocks until a matching frame arrives or ctx ends. The waiter is
// removed either way.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	defer w.Cancel()
	select {
	case f, ok := <-w.ch:
		if !ok {
			return nil, w.err
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the waiter without waiting.
func (w *Waiter) Cancel() {
	w.c.removeWaiter(w)
}

func (w *Waiter) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.ch)
	})
}

func (w *Waiter) offer(frame []byte) bool {
	delivered := false
	w.once.Do(func() {
		w.ch <- frame
		delivered = true
	})
	return delivered
}

func (c *Correlator) deliverToWaiter(frame []byte) bool {
	c.wmu.Lock()
	var hit *Waiter
	for i, w := range c.waiters {
		if w.match(frame) {
			hit = w
			c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
			break
		}
	}
	c.wmu.Unlock()
	if hit == nil {
		return false
	}
	return hit.offer(frame)
}

func (c *Correlator) removeWaiter(w *Waiter) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
			return
		}
	}
}

// MatchCode matches frames by discriminator.
func MatchCode(code byte) func([]byte) bool {
	return func(f []byte) bool { return len(f) > 0 && f[0] == code }
}
