// Package client is the receiving transport adapter. A Network mirrors the
// authority's objects into a replica Runtime and is driven by a single loop
// goroutine (Run). Transport goroutines hand work to the loop with Post.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/bansheerubber/xcom-clone-sub000/internal/metrics"
	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/wire"
)

var ErrNotConnected = errors.New("not connected")

// Status is the connection state seen by the receiving side
type Status int32

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds client timings
type Config struct {
	ReturnTimeout  time.Duration // Outstanding requests are rejected after this
	ReconnectDelay time.Duration // Wait before redialing after a transport error
	EventQueue     int           // Buffered loop events
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		ReturnTimeout:  5 * time.Second,
		ReconnectDelay: 10 * time.Second,
		EventQueue:     1024,
	}
}

// Network is the receiving side of the replication protocol.
// All methods except Post, Exec, Status, BytesReceived and Run must be called
// from the loop.
type Network struct {
	rt         *replica.Runtime
	cfg        Config
	logger     *log.Logger
	transport  wire.Transport
	latency    float64
	selfID     int
	hasSelf    bool
	queue      []replica.Object
	paused     bool
	pending    *replica.Pending
	onIdentity []func(*replica.Connection)

	status atomic.Int32
	bytes  atomic.Int64
	events chan func()
	done   chan struct{}
}

// NewNetwork creates a network around a replica runtime
func NewNetwork(rt *replica.Runtime, cfg Config) *Network {
	defaults := DefaultConfig()
	if cfg.ReturnTimeout <= 0 {
		cfg.ReturnTimeout = defaults.ReturnTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = defaults.EventQueue
	}
	return &Network{
		rt:      rt,
		cfg:     cfg,
		logger:  rt.Logger(),
		latency: -1,
		pending: replica.NewPending(cfg.ReturnTimeout),
		events:  make(chan func(), cfg.EventQueue),
		done:    make(chan struct{}),
	}
}

func (n *Network) Runtime() *replica.Runtime { return n.rt }
func (n *Network) Config() Config { return n.cfg }

// OnIdentity registers fn to run once this process learns its own connection
func (n *Network) OnIdentity(fn func(*replica.Connection)) {
	n.onIdentity = append(n.onIdentity, fn)
}

// =============================================================================
// LOOP
// =============================================================================

// Run drives the network until ctx ends, ticking at the given interval and
// executing posted events in order.
func (n *Network) Run(ctx context.Context, interval time.Duration) {
	defer close(n.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.Disconnect()
			return
		case fn := <-n.events:
			n.safely(fn)
		case now := <-ticker.C:
			n.safely(func() { n.Tick(now) })
		}
	}
}

// Post queues fn for the loop. It reports false once the loop has stopped.
func (n *Network) Post(fn func()) bool {
	select {
	case n.events <- fn:
		return true
	case <-n.done:
		return false
	}
}

// Exec runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (n *Network) Exec(fn func()) bool {
	finished := make(chan struct{})
	if !n.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-n.done:
		return false
	}
}

func (n *Network) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Printf("🔥 Recovered from panic in network loop: %v", r)
		}
	}()
	fn()
}

// Tick expires outstanding requests
func (n *Network) Tick(now time.Time) {
	if expired := n.pending.Expire(now); len(expired) > 0 {
		metrics.RecordReturnTimeouts(len(expired))
	}
	metrics.UpdatePendingReturns(n.pending.Len())
}

// =============================================================================
// STATUS
// =============================================================================

// Status is safe to read from any goroutine
func (n *Network) Status() Status { return Status(n.status.Load()) }

func (n *Network) setStatus(s Status) {
	if old := Status(n.status.Swap(int32(s))); old != s {
		n.logger.Printf("📡 Network %s -> %s", old, s)
	}
}

// Latency returns the half round trip reported by the authority in
// milliseconds, or -1 while unknown.
func (n *Network) Latency() float64 { return n.latency }

// BytesReceived counts every envelope byte received since creation
func (n *Network) BytesReceived() int64 { return n.bytes.Load() }

// Pending returns the number of outstanding requests
func (n *Network) Pending() int { return n.pending.Len() }

// Self returns this process's own Connection once it is known and received.
func (n *Network) Self() (*replica.Connection, bool) {
	if !n.hasSelf {
		return nil, false
	}
	obj, ok := n.rt.Lookup(replica.ConnectionGroup, n.selfID)
	if !ok {
		return nil, false
	}
	c, ok := obj.(*replica.Connection)
	return c, ok
}

// Connecting marks a dial attempt in progress
func (n *Network) Connecting() {
	n.setStatus(StatusConnecting)
}

// Attach binds an established transport
func (n *Network) Attach(t wire.Transport) {
	n.transport = t
	n.latency = 0
	n.setStatus(StatusConnected)
}

// Detach unbinds the transport after it ended. A transport error moves to
// reconnecting and reports true; a clean close or a local disconnect moves to
// closed.
func (n *Network) Detach(err error) bool {
	n.transport = nil
	n.latency = -1
	if n.Status() == StatusClosed {
		return false
	}
	if err == nil {
		n.setStatus(StatusClosed)
		return false
	}
	n.logger.Printf("⚠️ Connection lost: %v, retrying in %s", err, n.cfg.ReconnectDelay)
	n.setStatus(StatusReconnecting)
	return true
}

// Disconnect closes the transport locally. No reconnect follows.
func (n *Network) Disconnect() {
	n.setStatus(StatusClosed)
	if n.transport != nil {
		n.transport.Close()
		n.transport = nil
	}
	n.latency = -1
}

// =============================================================================
// RECONSTRUCTION QUEUE
// =============================================================================

// Pause stops reconstruction after the current object. Remaining objects,
// and any later batches, wait for Resume.
func (n *Network) Pause() { n.paused = true }

// Resume continues reconstruction where it stopped
func (n *Network) Resume() {
	n.paused = false
	n.drain()
}

func (n *Network) Paused() bool { return n.paused }

// Queued returns the number of objects waiting for reconstruction
func (n *Network) Queued() int { return len(n.queue) }

func (n *Network) drain() {
	for len(n.queue) > 0 && !n.paused {
		obj := n.queue[0]
		n.queue = n.queue[1:]
		if !obj.Registered() || n.rt.Reconstructed(obj) {
			continue
		}
		if err := n.rt.Reconstruct(obj, nil); err != nil {
			n.logger.Printf("⚠️ %v", err)
		}
	}
	if len(n.queue) == 0 {
		n.queue = nil
		n.announceSelf()
	}
}

// applyBatch decodes every entry first, resolves reference lists against the
// populated table, then reconstructs in transmission order.
func (n *Network) applyBatch(entries []wire.ObjectSend) {
	decoded := make([]replica.Object, 0, len(entries))
	refs := make([][]wire.Ref, 0, len(entries))
	for _, e := range entries {
		v, err := n.rt.Decode(e.EncodedObject)
		if err != nil {
			metrics.RecordDecodeFailure()
			continue
		}
		obj, ok := v.(replica.Object)
		if !ok || replica.IsStub(obj) {
			n.logger.Printf("⚠️ Init entry decoded to %T, skipping", v)
			continue
		}
		decoded = append(decoded, obj)
		refs = append(refs, e.ReferenceList)
	}

	for i, obj := range decoded {
		if len(refs[i]) == 0 {
			continue
		}
		ids := make([]replica.Identity, len(refs[i]))
		for j, r := range refs[i] {
			ids[j] = replica.Identity{Group: r.GroupID, ID: r.ObjectID}
		}
		if _, err := n.rt.SetReferences(obj, ids); err != nil {
			n.logger.Printf("⚠️ References of %s %s: %v", obj.ClassName(), obj.Identity(), err)
		}
	}

	n.queue = append(n.queue, decoded...)
	n.drain()
}

func (n *Network) announceSelf() {
	if len(n.onIdentity) == 0 {
		return
	}
	self, ok := n.Self()
	if !ok || !n.rt.Reconstructed(self) {
		return
	}
	fns := n.onIdentity
	n.onIdentity = nil
	for _, fn := range fns {
		fn(self)
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

// Receive handles one envelope from the authority
func (n *Network) Receive(msg string) {
	n.bytes.Add(int64(len(msg)))

	v, err := n.rt.Decode(msg)
	if err == nil {
		var cmd int
		var payload any
		if cmd, payload, err = wire.Split(v); err == nil {
			metrics.RecordMessage("in", cmd, len(msg))
			if err = n.dispatch(cmd, payload); err == nil {
				return
			}
		}
	}
	metrics.RecordDecodeFailure()
	n.logger.Printf("⚠️ Failed to parse message from server: %v", err)
	n.Disconnect()
}

func (n *Network) dispatch(cmd int, payload any) error {
	switch cmd {
	case wire.CmdInit:
		entries, err := wire.ParseInit(payload)
		if err != nil {
			return err
		}
		n.applyBatch(entries)
	case wire.CmdMethod:
		call, err := wire.ParseMethodCall(payload)
		if err != nil {
			return err
		}
		n.handleCall(call)
	case wire.CmdReturn:
		ret, err := wire.ParseReturn(payload)
		if err != nil {
			return err
		}
		n.handleReturn(ret)
	case wire.CmdIdentity:
		id, err := wire.ParseNumber(payload)
		if err != nil {
			return err
		}
		n.selfID = int(id)
		n.hasSelf = true
		n.announceSelf()
	case wire.CmdLatency:
		latency, err := wire.ParseNumber(payload)
		if err != nil {
			return err
		}
		n.latency = latency
	case wire.CmdDestroy:
		d, err := wire.ParseDestroy(payload)
		if err != nil {
			return err
		}
		if obj, ok := n.rt.Lookup(d.GroupID, d.ObjectID); ok {
			n.rt.Destroy(obj)
		}
	default:
		return fmt.Errorf("%w: unknown command %d", wire.ErrBadEnvelope, cmd)
	}
	return nil
}

func (n *Network) handleCall(call wire.MethodCall) {
	obj, ok := n.rt.Lookup(call.GroupID, call.ObjectID)
	if !ok {
		return
	}
	result, err := n.rt.ReceiveFromServer(obj, call.MethodID, call.Args)
	switch {
	case err == nil:
		n.send(wire.CmdReply, wire.Return{ID: call.ReturnID, Data: result})
	case replica.Disconnects(err):
		metrics.RecordValidationFailure()
		n.Disconnect()
	case errors.Is(err, replica.ErrUnknownMethod):
		n.logger.Printf("⚠️ %v", err)
	default:
		n.logger.Printf("⚠️ Call from server failed: %v", err)
		n.send(wire.CmdReply, wire.Return{ID: call.ReturnID, Error: err.Error()})
	}
}

func (n *Network) handleReturn(ret wire.Return) {
	r, ok := n.pending.Get(ret.ID)
	if !ok {
		return
	}
	if ret.Error != "" {
		n.pending.Reject(ret.ID, fmt.Errorf("%w: %s", replica.ErrRemote, ret.Error))
		return
	}
	if err := n.rt.ValidateReturn(r.Method, ret.Data); err != nil {
		n.pending.Reject(ret.ID, err)
		metrics.RecordValidationFailure()
		n.Disconnect()
		return
	}
	n.pending.Resolve(ret.ID, ret.Data)
}

// RequestToServer dispatches a server-callable method on obj. Instant methods
// also run locally right away.
func (n *Network) RequestToServer(obj replica.Object, name string, args ...any) (*replica.Return, error) {
	m, err := n.rt.MethodFor(obj, name)
	if err != nil {
		return nil, err
	}
	if m.Direction() != replica.ToServer {
		return nil, fmt.Errorf("%s: %w", name, replica.ErrWrongDirection)
	}
	if n.transport == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConnected)
	}

	r := n.pending.Open(obj, m, nil, nil, time.Now())
	id := obj.Identity()
	if !n.send(wire.CmdRequest, wire.MethodCall{
		GroupID:  id.Group,
		ObjectID: id.ID,
		MethodID: m.ID(),
		ReturnID: r.ID,
		Args:     args,
	}) {
		n.pending.Reject(r.ID, ErrNotConnected)
		return r, nil
	}

	if m.IsInstant() {
		var caller replica.Object
		if self, ok := n.Self(); ok {
			caller = self
		}
		if _, err := n.rt.InvokeLocal(obj, m, caller, args); err != nil {
			n.logger.Printf("⚠️ Local %s failed: %v", name, err)
		}
	}
	return r, nil
}

func (n *Network) send(cmd int, payload any) bool {
	if n.transport == nil {
		return false
	}
	msg, err := n.rt.Encode(wire.Envelope(cmd, payload), false)
	if err != nil {
		return false
	}
	if err := n.transport.Send(msg); err != nil {
		n.logger.Printf("⚠️ Send failed: %v", err)
		return false
	}
	metrics.RecordMessage("out", cmd, len(msg))
	return true
}
