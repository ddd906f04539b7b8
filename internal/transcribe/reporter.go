package transcribe

import (
	"sync"
	"sync/atomic"
)

// Token is a cooperative cancellation flag shared by the consumer and the
// worker. The worker only reads it; Engine.Start clears it.
type Token struct {
	flag atomic.Bool
}

func (t *Token) Cancel()         { t.flag.Store(true) }
func (t *Token) Cancelled() bool { return t.flag.Load() }
func (t *Token) reset()          { t.flag.Store(false) }

// Reporter hands events from the worker to the consumer in emission order.
// Emit never waits on the consumer: events queue without bound until read, and
// nothing is dropped or coalesced. The channel closes after the terminal
// event; Emit calls after that are ignored.
type Reporter struct {
	mu       sync.Mutex
	queue    []Event
	finished bool

	wake      chan struct{}
	out       chan Event
	onDrained func()
}

// NewReporter starts a Reporter. onDrained, if set, runs once just before the
// terminal event is handed to the consumer.
func NewReporter(onDrained func()) *Reporter {
	r := &Reporter{
		wake:      make(chan struct{}, 1),
		out:       make(chan Event),
		onDrained: onDrained,
	}
	go r.pump()
	return r
}

// Events is the consumer side of the stream.
func (r *Reporter) Events() <-chan Event { return r.out }

// Emit queues e. It reports false if the stream already ended.
func (r *Reporter) Emit(e Event) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, e)
	if e.Kind.Terminal() {
		r.finished = true
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Reporter) pump() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 {
			r.mu.Unlock()
			<-r.wake
			r.mu.Lock()
		}
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, e := range batch {
			if e.Kind.Terminal() {
				if r.onDrained != nil {
					r.onDrained()
				}
				r.out <- e
				close(r.out)
				return
			}
			r.out <- e
		}
	}
}
