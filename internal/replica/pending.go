package replica

import (
	"context"
	"time"
)

// Return is the eventual reply to one dispatched call.
type Return struct {
	ID       int
	Target   Object
	Method   *Method
	Conn     *Connection
	deadline time.Time
	done     chan struct{}
	value    any
	err      error
	then     []func(any, error)
	group    *Collection
}

// Done is closed once the return resolves or is rejected.
func (r *Return) Done() <-chan struct{} { return r.done }

// Result returns the settled value. It is only meaningful after Done.
func (r *Return) Result() (any, error) { return r.value, r.err }

// Then runs fn on the adapter's loop when the return settles, or right away
// if it already has.
func (r *Return) Then(fn func(value any, err error)) {
	select {
	case <-r.done:
		fn(r.value, r.err)
	default:
		r.then = append(r.then, fn)
	}
}

// Wait blocks until the return settles or ctx ends. It must not be called
// from the goroutine that drives the adapter.
func (r *Return) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Return) settle(value any, err error) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	r.value, r.err = value, err
	close(r.done)
	for _, fn := range r.then {
		fn(value, err)
	}
	r.then = nil
	if r.group != nil {
		if err != nil {
			r.group.reject()
		} else {
			r.group.add(Reply{Conn: r.Conn, Value: value})
		}
	}
	return true
}

// Reply is one connection's answer within a Collection.
type Reply struct {
	Conn  *Connection
	Value any
}

// Collection aggregates the replies of one fan-out call. It resolves once
// every targeted connection has replied; each rejection lowers the number of
// replies required.
type Collection struct {
	Method   *Method
	required int
	replies  []Reply
	done     chan struct{}
	then     []func([]Reply)
}

func NewCollection(m *Method, required int) *Collection {
	c := &Collection{Method: m, required: required, done: make(chan struct{})}
	c.attempt()
	return c
}

func (c *Collection) Done() <-chan struct{} { return c.done }

// Replies returns the collected replies. It is only complete after Done.
func (c *Collection) Replies() []Reply { return append([]Reply(nil), c.replies...) }

// Required is the number of replies still counted toward resolution.
func (c *Collection) Required() int { return c.required }

// Then runs fn on the adapter's loop once the collection resolves.
func (c *Collection) Then(fn func([]Reply)) {
	select {
	case <-c.done:
		fn(c.Replies())
	default:
		c.then = append(c.then, fn)
	}
}

// Wait blocks until the collection resolves or ctx ends. It must not be
// called from the goroutine that drives the adapter.
func (c *Collection) Wait(ctx context.Context) ([]Reply, error) {
	select {
	case <-c.done:
		return c.Replies(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Collection) add(r Reply) {
	c.replies = append(c.replies, r)
	c.attempt()
}

func (c *Collection) reject() {
	c.required--
	c.attempt()
}

func (c *Collection) attempt() {
	select {
	case <-c.done:
		return
	default:
	}
	if len(c.replies) < c.required {
		return
	}
	close(c.done)
	for _, fn := range c.then {
		fn(c.Replies())
	}
	c.then = nil
}

// Pending is the outstanding return-ID table of one adapter.
type Pending struct {
	timeout time.Duration
	next    int
	byID    map[int]*Return
}

func NewPending(timeout time.Duration) *Pending {
	return &Pending{timeout: timeout, byID: map[int]*Return{}}
}

// Open allocates a return ID for a call on target. conn is the connection
// expected to reply and col, when set, receives the outcome.
func (p *Pending) Open(target Object, m *Method, conn *Connection, col *Collection, now time.Time) *Return {
	r := &Return{
		ID:       p.next,
		Target:   target,
		Method:   m,
		Conn:     conn,
		deadline: now.Add(p.timeout),
		done:     make(chan struct{}),
		group:    col,
	}
	p.next++
	p.byID[r.ID] = r
	return r
}

func (p *Pending) Get(id int) (*Return, bool) {
	r, ok := p.byID[id]
	return r, ok
}

func (p *Pending) Resolve(id int, value any) bool {
	r, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	return r.settle(value, nil)
}

func (p *Pending) Reject(id int, err error) bool {
	r, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	return r.settle(nil, err)
}

// Expire rejects every return whose deadline has passed.
func (p *Pending) Expire(now time.Time) []*Return {
	var expired []*Return
	for id, r := range p.byID {
		if now.Before(r.deadline) {
			continue
		}
		delete(p.byID, id)
		r.settle(nil, ErrTimeout)
		expired = append(expired, r)
	}
	return expired
}

func (p *Pending) Len() int { return len(p.byID) }
