// Package notify provides typed publish/subscribe emitters with
// coalescing. Subscribers receive hints only and are expected to re-read
// whatever state they care about.
package notify

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Emitter delivers values of type T to subscribers in subscription order.
// Delivery is synchronous on the emitting goroutine and never happens
// while the emitter's lock is held, so subscribers may call back into
// the emitter.
type Emitter[T any] struct {
	merge func(prev, next T) T

	mu      sync.Mutex
	subs    []subscriber[T]
	nextID  uint64
	holds   int
	pending T
	held    bool
}

// New creates an emitter. merge folds two emissions made while the
// emitter is held into one. A nil merge keeps the latest value.
func New[T any](merge func(prev, next T) T) *Emitter[T] {
	if merge == nil {
		merge = func(_, next T) T { return next }
	}

	return &Emitter[T]{merge: merge}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers v to every subscriber, or merges it into the pending
// value while the emitter is held.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	if e.holds > 0 {
		if e.held {
			e.pending = e.merge(e.pending, v)
		} else {
			e.pending = v
			e.held = true
		}
		e.mu.Unlock()

		return
	}

	subs := e.snapshot()
	e.mu.Unlock()

	deliver(subs, v)
}

// Hold suspends delivery until the returned release function is called.
// Holds nest; the merged value is delivered once when the outermost hold
// is released. Nothing is delivered if nothing was emitted.
func (e *Emitter[T]) Hold() func() {
	e.mu.Lock()
	e.holds++
	e.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(e.release)
	}
}

func (e *Emitter[T]) release() {
	e.mu.Lock()
	e.holds--
	if e.holds > 0 || !e.held {
		e.mu.Unlock()
		return
	}

	v := e.pending
	var zero T
	e.pending = zero
	e.held = false
	subs := e.snapshot()
	e.mu.Unlock()

	deliver(subs, v)
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.subs)
}

// snapshot must be called with e.mu held.
func (e *Emitter[T]) snapshot() []func(T) {
	fns := make([]func(T), len(e.subs))
	for i, s := range e.subs {
		fns[i] = s.fn
	}

	return fns
}

func deliver[T any](fns []func(T), v T) {
	for _, fn := range fns {
		fn(v)
	}
}
