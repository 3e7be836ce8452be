package nexusbot

import (
	"sync"
)

// eventQueue is an unbounded FIFO of guild events, with a single consumer
// (the guild's worker) and any number of producers. Push never blocks.
type eventQueue struct {
	mu     sync.Mutex
	events []guildEvent
	notify chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// Push appends an event and wakes the consumer. It returns false if the
// queue has been closed.
func (q *eventQueue) Push(ev guildEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, ev)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the oldest event, if any
func (q *eventQueue) Pop() (guildEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = nil
	}
	return ev, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Notify returns a channel that receives a value after one or more
// pushes. The consumer should drain with Pop until it's empty.
func (q *eventQueue) Notify() <-chan struct{} {
	return q.notify
}

// Close stops accepting events and returns anything left unconsumed
func (q *eventQueue) Close() []guildEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	remaining := q.events
	q.events = nil
	return remaining
}
