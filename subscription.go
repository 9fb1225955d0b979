package roomsync

import (
	"context"
	"sync"
)

// Source is an asynchronous pull sequence. Next blocks until a value is
// produced, the sequence ends (ok=false), or the context is done.
// implementations must return promptly once the context is cancelled.
type Source[T any] interface {
	Next(ctx context.Context) (value T, ok bool, err error)
}

// SubscriptionCallbacks receive the pushed values. Any field may be nil.
// at most one of Error or Complete is invoked, and nothing is invoked
// after Unsubscribe returns.
type SubscriptionCallbacks[T any] struct {
	Next     func(value T)
	Error    func(err error)
	Complete func()
}

type Subscription struct {
	cancel context.CancelFunc

	// held while invoking callbacks so that Unsubscribe can fence them out
	invokeLock sync.Mutex
	cancelled  bool
}

// Subscribe adapts the pull sequence into push callbacks. consumption
// runs on its own goroutine until the source ends, the source fails,
// the context is done, or Unsubscribe is called.
func Subscribe[T any](ctx context.Context, source Source[T], callbacks SubscriptionCallbacks[T]) *Subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		cancel: cancel,
	}

	go func() {
		defer cancel()

		for {
			value, ok, err := source.Next(cancelCtx)

			done := false
			func() {
				subscription.invokeLock.Lock()
				defer subscription.invokeLock.Unlock()

				// the pull may have raced cancellation. re-check under
				// the fence so a stale resume invokes nothing.
				if subscription.cancelled {
					done = true
					return
				}
				select {
				case <-cancelCtx.Done():
					done = true
					return
				default:
				}

				if err != nil {
					if callbacks.Error != nil {
						handleCallback(func() {
							callbacks.Error(err)
						})
					}
					done = true
					return
				}
				if !ok {
					if callbacks.Complete != nil {
						handleCallback(func() {
							callbacks.Complete()
						})
					}
					done = true
					return
				}
				if callbacks.Next != nil {
					handleCallback(func() {
						callbacks.Next(value)
					})
				}
			}()
			if done {
				return
			}
		}
	}()

	return subscription
}

// Unsubscribe aborts consumption promptly. After it returns no callback
// will be invoked, even if the source later yields. safe to call twice.
func (self *Subscription) Unsubscribe() {
	// cancel first so a blocked pull unblocks while we wait for the fence
	self.cancel()

	self.invokeLock.Lock()
	defer self.invokeLock.Unlock()
	self.cancelled = true
}
