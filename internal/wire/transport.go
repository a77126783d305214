package wire

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Transport carries whole envelopes. One Send is one message.
type Transport interface {
	Send(msg string) error
	Close() error
}

// Pinger is implemented by transports that can measure round trips.
type Pinger interface {
	Ping() error
}

// Queue is an in-memory Transport that holds sent messages until drained.
// It is used for in-process sessions and protocol tests.
type Queue struct {
	mu     sync.Mutex
	msgs   []string
	pings  int
	closed bool
}

func (q *Queue) Send(msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *Queue) Ping() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pings++
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Drain returns and clears every message sent so far.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.msgs
	q.msgs = nil
	return msgs
}

func (q *Queue) Pings() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pings
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
