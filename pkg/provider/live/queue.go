package live

import "sync"

// EventQueue is an unbounded, ordered queue that feeds a channel. Producers
// never block on Push. The queue accepts exactly one terminal event; once it
// has been delivered the output channel is closed and later pushes are
// rejected.
//
// The consumer must read from Events until the channel is closed, otherwise
// the delivery goroutine stays parked.
type EventQueue struct {
	out  chan Event
	wake chan struct{}

	mu       sync.Mutex
	buf      []Event
	finished bool
}

// NewEventQueue returns a running queue.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// Events returns the delivery channel.
func (q *EventQueue) Events() <-chan Event { return q.out }

// Push appends ev. It reports false if a terminal event was already pushed,
// in which case ev is discarded.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, ev)
	if ev.Terminal() {
		q.finished = true
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Finished reports whether a terminal event has been pushed.
func (q *EventQueue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

func (q *EventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		ev := q.buf[0]
		q.buf[0] = Event{}
		q.buf = q.buf[1:]
		q.mu.Unlock()

		q.out <- ev
		if ev.Terminal() {
			return
		}
	}
}
