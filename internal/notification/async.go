package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrDeliveryClosed is returned by AsyncDelivery.Send after Close.
	ErrDeliveryClosed = errors.New("notification delivery closed")

	// ErrQueueFull is returned when the buffer is exhausted.
	ErrQueueFull = errors.New("notification queue full")
)

// AsyncDelivery queues messages and sends them from a background worker, so
// slow transports do not hold a request open. Send fails fast when the queue is full.
type AsyncDelivery struct {
	next   MessageDelivery
	logger zerolog.Logger

	queue chan Message
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncDelivery starts the worker. Call Close to drain the queue and stop it.
func NewAsyncDelivery(next MessageDelivery, buffer int, logger zerolog.Logger) *AsyncDelivery {
	if buffer <= 0 {
		buffer = 64
	}
	d := &AsyncDelivery{
		next:   next,
		logger: logger,
		queue:  make(chan Message, buffer),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *AsyncDelivery) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		if err := d.next.Send(context.Background(), msg); err != nil {
			d.logger.Error().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("async notification dropped")
		}
	}
}

// Send enqueues msg. When ctx carries an Outbox the message waits there until
// the Outbox is flushed; a full queue at that point is logged and the message dropped.
func (d *AsyncDelivery) Send(ctx context.Context, msg Message) error {
	if ob := outboxFrom(ctx); ob != nil {
		ob.add(func() {
			if err := d.enqueue(msg); err != nil {
				d.logger.Error().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("async notification dropped")
			}
		})
		return nil
	}
	return d.enqueue(msg)
}

func (d *AsyncDelivery) enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeliveryClosed
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be sent.
func (d *AsyncDelivery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}
