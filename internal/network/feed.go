package network

import (
	"context"
	"sync"
)

// Feed is a buffered Stream fed by a producer. Push blocks while the buffer
// is full and returns false once the feed is closed.
type Feed[T any] struct {
	items   chan T
	errs    chan error
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewFeed creates a feed buffering up to size items. onClose, if set, runs
// once when the feed is closed.
func NewFeed[T any](size int, onClose func()) *Feed[T] {
	return &Feed[T]{
		items:   make(chan T, size),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Next implements Stream. A failure injected with Fail is returned once and
// closes the feed.
func (f *Feed[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-f.done:
		return zero, ErrStreamClosed
	default:
	}
	select {
	case v := <-f.items:
		return v, nil
	case err := <-f.errs:
		f.Close()
		return zero, err
	case <-f.done:
		return zero, ErrStreamClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close implements Stream.
func (f *Feed[T]) Close() error {
	f.once.Do(func() {
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// Push delivers v to the consumer.
func (f *Feed[T]) Push(v T) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.items <- v:
		return true
	case <-f.done:
		return false
	}
}

// Fail makes the next Next call return err. Only the first pending failure
// is kept.
func (f *Feed[T]) Fail(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// Closed reports whether the feed was closed.
func (f *Feed[T]) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
