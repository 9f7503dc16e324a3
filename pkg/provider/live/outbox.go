package live

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultOutboxCapacity is the number of audio messages an [Outbox] buffers
// before it starts dropping. At 4096 samples per 16 kHz frame this is roughly
// eight seconds of speech.
const DefaultOutboxCapacity = 32

// Outbox serialises the outbound messages of one connection. Audio messages go
// through a bounded queue and are dropped when it is full; control messages
// (tool results, setup) go through an unbounded queue and are written before
// any pending audio.
//
// Offer and Post never block. Run drains the queues on a single goroutine.
type Outbox struct {
	audio chan []byte
	wake  chan struct{}

	mu      sync.Mutex
	control [][]byte
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewOutbox returns an Outbox whose audio queue holds capacity messages.
// Non-positive capacities use [DefaultOutboxCapacity].
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		audio: make(chan []byte, capacity),
		wake:  make(chan struct{}, 1),
	}
}

// Offer enqueues an audio message. It reports false if the message was not
// accepted, either because the queue is full (counted as a drop) or because
// the outbox is closed.
func (o *Outbox) Offer(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.audio <- msg:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// Post enqueues a control message. It reports false only if the outbox is
// closed.
func (o *Outbox) Post(msg []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.control = append(o.control, msg)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Close rejects further messages. Pending messages are abandoned.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// Stats returns the audio counters.
func (o *Outbox) Stats() StreamStats {
	return StreamStats{Sent: o.sent.Load(), Dropped: o.dropped.Load()}
}

// Run writes queued messages with write until ctx is cancelled or write
// fails. It returns the write error, or nil on cancellation.
func (o *Outbox) Run(ctx context.Context, write func(context.Context, []byte) error) error {
	for {
		if msg, ok := o.nextControl(); ok {
			if err := write(ctx, msg); err != nil {
				return o.writeErr(ctx, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		case msg := <-o.audio:
			if err := write(ctx, msg); err != nil {
				return o.writeErr(ctx, err)
			}
			o.sent.Add(1)
		}
	}
}

func (o *Outbox) nextControl() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.control) == 0 {
		return nil, false
	}
	msg := o.control[0]
	o.control[0] = nil
	o.control = o.control[1:]
	return msg, true
}

// writeErr hides errors caused by the cancellation that ends Run.
func (o *Outbox) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
