package notification

import (
	"context"
	"sync"
)

type outboxKey struct{}

// Outbox holds messages queued during a unit of work. AsyncDelivery defers to
// the Outbox on the context instead of enqueueing, so nothing leaves the
// process until the caller flushes after commit.
type Outbox struct {
	mu      sync.Mutex
	pending []func()
}

// WithOutbox attaches an Outbox to ctx. An Outbox already on ctx is reused
// and the returned owned flag is false; only the owner should Flush or Discard.
func WithOutbox(ctx context.Context) (_ context.Context, _ *Outbox, owned bool) {
	if ob := outboxFrom(ctx); ob != nil {
		return ctx, ob, false
	}
	ob := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, ob), ob, true
}

func outboxFrom(ctx context.Context) *Outbox {
	ob, _ := ctx.Value(outboxKey{}).(*Outbox)
	return ob
}

func (o *Outbox) add(fn func()) {
	o.mu.Lock()
	o.pending = append(o.pending, fn)
	o.mu.Unlock()
}

// Len reports how many messages are waiting.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush hands the held messages on in the order they were queued.
func (o *Outbox) Flush() {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Discard drops the held messages.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}
