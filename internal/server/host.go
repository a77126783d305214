// Package server is the authoritative transport adapter. A Host owns the
// authority's Runtime and every connected peer, and is driven by a single
// loop goroutine (Run). Transport goroutines hand work to the loop with Post.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bansheerubber/xcom-clone-sub000/internal/metrics"
	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/wire"
)

// ErrUnknownConnection is returned for connections that are not (or no
// longer) attached to the host
var ErrUnknownConnection = errors.New("unknown connection")

// Config holds host timings and limits
type Config struct {
	PingInterval   time.Duration // Heartbeat period per connection
	ReturnTimeout  time.Duration // Outstanding returns are rejected after this
	MaxMessageSize int           // Larger envelopes end the connection
	EventQueue     int           // Buffered loop events
}

// DefaultConfig returns the default host configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:   time.Second,
		ReturnTimeout:  2 * time.Second,
		MaxMessageSize: wire.MaxMessageSize,
		EventQueue:     1024,
	}
}

// Stats is a snapshot of host counters, safe to read from any goroutine
type Stats struct {
	Connections    int `json:"connections"`
	Objects        int `json:"objects"`
	PendingReturns int `json:"pendingReturns"`
}

type peer struct {
	conn       *replica.Connection
	transport  wire.Transport
	addr       string
	introduced bool
	pingAt     time.Time
	awaiting   bool    // a ping is unanswered
	latency    float64 // milliseconds, -1 until measured
	closed     bool

	sent     map[replica.Identity]bool // on-demand objects this peer holds
	deferred []replica.Object          // on-demand objects waiting for the init batch
}

// Host is the authoritative side of the replication protocol.
// All methods except Post, Do, Stats and Run must be called from the loop.
type Host struct {
	rt      *replica.Runtime
	cfg     Config
	logger  *log.Logger
	peers   map[*replica.Connection]*peer
	order   []*peer
	outbox  []replica.Object
	pending *replica.Pending
	onTick  []func(now time.Time)

	events chan func()
	done   chan struct{}

	connections atomic.Int64
	objects     atomic.Int64
	outstanding atomic.Int64
}

// NewHost creates a host around an authority runtime
func NewHost(rt *replica.Runtime, cfg Config) *Host {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReturnTimeout <= 0 {
		cfg.ReturnTimeout = defaults.ReturnTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = defaults.EventQueue
	}

	h := &Host{
		rt:      rt,
		cfg:     cfg,
		logger:  rt.Logger(),
		peers:   make(map[*replica.Connection]*peer),
		pending: replica.NewPending(cfg.ReturnTimeout),
		events:  make(chan func(), cfg.EventQueue),
		done:    make(chan struct{}),
	}
	rt.OnCreate(h.created)
	rt.OnDestroy(h.destroyed)
	return h
}

// Runtime returns the authority runtime
func (h *Host) Runtime() *replica.Runtime { return h.rt }

// OnTick registers game logic to run at the start of every tick
func (h *Host) OnTick(fn func(now time.Time)) {
	h.onTick = append(h.onTick, fn)
}

// =============================================================================
// LOOP
// =============================================================================

// Run drives the host until ctx ends, ticking at the given interval and
// executing posted events in order.
func (h *Host) Run(ctx context.Context, interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case fn := <-h.events:
			h.safely(fn)
		case now := <-ticker.C:
			h.safely(func() { h.Tick(now) })
		}
	}
}

// Post queues fn for the loop. It reports false once the loop has stopped.
func (h *Host) Post(fn func()) bool {
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (h *Host) Do(fn func(rt *replica.Runtime)) bool {
	finished := make(chan struct{})
	if !h.Post(func() {
		defer close(finished)
		fn(h.rt)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

// Stats returns the counters published by the loop
func (h *Host) Stats() Stats {
	return Stats{
		Connections:    int(h.connections.Load()),
		Objects:        int(h.objects.Load()),
		PendingReturns: int(h.outstanding.Load()),
	}
}

func (h *Host) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("🔥 Recovered from panic in host loop: %v", r)
		}
	}()
	fn()
}

func (h *Host) publish() {
	h.connections.Store(int64(len(h.order)))
	h.objects.Store(int64(h.rt.Len()))
	h.outstanding.Store(int64(h.pending.Len()))
	metrics.UpdateConnections(len(h.order))
	metrics.UpdateObjects(h.rt.Len())
	metrics.UpdatePendingReturns(h.pending.Len())
}

func (h *Host) shutdown() {
	for _, p := range append([]*peer(nil), h.order...) {
		h.drop(p, "closed")
	}
}

// Tick runs game logic, pushes objects created since the last tick, introduces
// newly accepted connections, sends due heartbeats and expires returns.
func (h *Host) Tick(now time.Time) {
	start := time.Now()

	for _, fn := range h.onTick {
		fn(now)
	}
	h.flush()
	h.introduce()
	h.heartbeat(now)
	if expired := h.pending.Expire(now); len(expired) > 0 {
		metrics.RecordReturnTimeouts(len(expired))
	}

	h.publish()
	metrics.RecordTick(time.Since(start))
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// Accept registers a new connection. Its init batch goes out on the next tick.
func (h *Host) Accept(t wire.Transport, addr string) *replica.Connection {
	c := &replica.Connection{Session: uuid.NewString(), Addr: addr}
	c.SetOwner(c)
	if err := h.rt.Create(c, replica.ConnectionGroup); err != nil {
		h.logger.Printf("⚠️ Rejecting %s: %v", addr, err)
		t.Close()
		return nil
	}

	p := &peer{conn: c, transport: t, addr: addr, latency: -1, sent: map[replica.Identity]bool{}}
	h.peers[c] = p
	h.order = append(h.order, p)
	h.logger.Printf("🔌 %s joined as connection %d (session %s, %d connected)",
		addr, c.Identity().ID, c.Session, len(h.order))
	h.publish()
	return c
}

// Close handles a connection whose transport ended
func (h *Host) Close(c *replica.Connection) {
	if p, ok := h.peers[c]; ok {
		h.remove(p, "closed")
	}
}

// Disconnect forcibly ends a connection
func (h *Host) Disconnect(c *replica.Connection, reason string) {
	if p, ok := h.peers[c]; ok {
		h.drop(p, reason)
	}
}

// Connections returns the connected processes in join order
func (h *Host) Connections() []*replica.Connection {
	out := make([]*replica.Connection, 0, len(h.order))
	for _, p := range h.order {
		out = append(out, p.conn)
	}
	return out
}

// Latency returns the last measured half round trip to c in milliseconds,
// or -1 before the first pong.
func (h *Host) Latency(c *replica.Connection) float64 {
	if p, ok := h.peers[c]; ok {
		return p.latency
	}
	return -1
}

// Pong records a heartbeat reply received at the given time
func (h *Host) Pong(c *replica.Connection, at time.Time) {
	p, ok := h.peers[c]
	if !ok || !p.awaiting {
		return
	}
	p.awaiting = false
	elapsed := float64(at.Sub(p.pingAt)) / float64(time.Millisecond)
	p.latency = math.Ceil(elapsed) / 2
	h.send(p, wire.CmdLatency, p.latency)
}

func (h *Host) drop(p *peer, reason string) {
	if p.closed {
		return
	}
	p.transport.Close()
	h.remove(p, reason)
}

func (h *Host) remove(p *peer, reason string) {
	if p.closed {
		return
	}
	p.closed = true
	delete(h.peers, p.conn)
	for i, q := range h.order {
		if q == p {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}

	metrics.RecordDisconnect(reason)
	h.logger.Printf("👋 Connection %d (%s) left: %s (%d connected)",
		p.conn.Identity().ID, p.addr, reason, len(h.order))
	h.rt.Destroy(p.conn)
	h.publish()
}

func (h *Host) introduced() []*peer {
	out := make([]*peer, 0, len(h.order))
	for _, p := range h.order {
		if p.introduced && !p.closed {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// OUTBOUND
// =============================================================================

func (h *Host) autoSend(obj replica.Object) bool {
	g, ok := h.rt.Group(obj.Identity().Group)
	return ok && g.AutoSend
}

func (h *Host) created(obj replica.Object) {
	if h.autoSend(obj) {
		h.outbox = append(h.outbox, obj)
	}
}

func (h *Host) destroyed(obj replica.Object) {
	for i, o := range h.outbox {
		if o == obj {
			// never announced, nothing to retract
			h.outbox = append(h.outbox[:i], h.outbox[i+1:]...)
			return
		}
	}
	id := obj.Identity()
	targets := h.introduced()
	if !h.autoSend(obj) {
		holders := targets[:0]
		for _, p := range targets {
			if p.sent[id] {
				delete(p.sent, id)
				holders = append(holders, p)
			}
		}
		for _, p := range h.order {
			p.deferred = without(p.deferred, obj)
		}
		targets = holders
	}
	h.broadcast(targets, wire.CmdDestroy, wire.Destroy{GroupID: id.Group, ObjectID: id.ID})
}

// SendTo pushes obj to one connection on demand, together with the
// referenced children it does not hold yet. This is how objects in groups
// without autoSend reach a connection. Before the connection's init batch
// the objects are held back and follow it.
func (h *Host) SendTo(c *replica.Connection, obj replica.Object) error {
	p, ok := h.peers[c]
	if !ok || p.closed {
		return fmt.Errorf("send %s: %w", obj.Identity(), ErrUnknownConnection)
	}
	if !obj.Registered() {
		return fmt.Errorf("send %s: %w", obj.Identity(), replica.ErrUnregistered)
	}
	if !p.introduced {
		p.deferred = append(p.deferred, obj)
		return nil
	}
	h.sendOnDemand(p, []replica.Object{obj})
	return nil
}

func (h *Host) sendOnDemand(p *peer, objs []replica.Object) {
	var batch []wire.ObjectSend
	add := func(obj replica.Object) {
		if !obj.Registered() {
			return
		}
		if e, ok := h.entry(obj); ok {
			batch = append(batch, e)
			if !h.autoSend(obj) {
				p.sent[obj.Identity()] = true
			}
		}
	}
	for _, obj := range objs {
		add(obj)
		for _, id := range h.rt.References(obj) {
			child, ok := h.rt.Lookup(id.Group, id.ID)
			if ok && !h.autoSend(child) && !p.sent[id] {
				add(child)
			}
		}
	}
	if len(batch) > 0 {
		h.send(p, wire.CmdInit, batch)
		metrics.RecordInitBatch(len(batch))
	}
}

func without(objs []replica.Object, obj replica.Object) []replica.Object {
	for i, o := range objs {
		if o == obj {
			return append(objs[:i], objs[i+1:]...)
		}
	}
	return objs
}

func (h *Host) entry(obj replica.Object) (wire.ObjectSend, bool) {
	text, err := h.rt.Encode(obj, true)
	if err != nil {
		return wire.ObjectSend{}, false
	}
	ids := h.rt.References(obj)
	refs := make([]wire.Ref, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, wire.Ref{GroupID: id.Group, ObjectID: id.ID})
	}
	return wire.ObjectSend{EncodedObject: text, ReferenceList: refs}, true
}

// flush pushes the objects created since the last tick, as one batch, to
// every connection that already has its init batch.
func (h *Host) flush() {
	if len(h.outbox) == 0 {
		return
	}
	objs := h.outbox
	h.outbox = nil

	targets := h.introduced()
	if len(targets) == 0 {
		return
	}
	batch := make([]wire.ObjectSend, 0, len(objs))
	for _, obj := range objs {
		if !obj.Registered() {
			continue
		}
		if e, ok := h.entry(obj); ok {
			batch = append(batch, e)
		}
	}
	if len(batch) > 0 {
		h.broadcast(targets, wire.CmdInit, batch)
		metrics.RecordInitBatch(len(batch))
	}
}

// introduce sends the init batch followed by "you are connection X" to every
// connection accepted since the last tick.
func (h *Host) introduce() {
	var batch []wire.ObjectSend
	built := false

	for _, p := range append([]*peer(nil), h.order...) {
		if p.introduced || p.closed {
			continue
		}
		if !built {
			batch = h.snapshot()
			built = true
		}
		h.send(p, wire.CmdInit, batch)
		metrics.RecordInitBatch(len(batch))
		if len(p.deferred) > 0 {
			h.sendOnDemand(p, p.deferred)
			p.deferred = nil
		}
		h.send(p, wire.CmdIdentity, p.conn.Identity().ID)
		p.introduced = true
	}
}

func (h *Host) snapshot() []wire.ObjectSend {
	batch := make([]wire.ObjectSend, 0, h.rt.Len())
	for _, obj := range h.rt.Objects() {
		if !h.autoSend(obj) {
			continue
		}
		if e, ok := h.entry(obj); ok {
			batch = append(batch, e)
		}
	}
	return batch
}

func (h *Host) heartbeat(now time.Time) {
	for _, p := range h.introduced() {
		pinger, ok := p.transport.(wire.Pinger)
		if !ok {
			continue
		}
		if p.awaiting || (!p.pingAt.IsZero() && now.Sub(p.pingAt) < h.cfg.PingInterval) {
			continue
		}
		p.pingAt = now
		p.awaiting = true
		if err := pinger.Ping(); err != nil {
			h.logger.Printf("⚠️ Ping to connection %d failed: %v", p.conn.Identity().ID, err)
			h.drop(p, "write")
		}
	}
}

func (h *Host) send(p *peer, cmd int, payload any) {
	h.broadcast([]*peer{p}, cmd, payload)
}

// broadcast encodes one envelope and sends it to every target
func (h *Host) broadcast(targets []*peer, cmd int, payload any) {
	if len(targets) == 0 {
		return
	}
	msg, err := h.rt.Encode(wire.Envelope(cmd, payload), false)
	if err != nil {
		// logged by the codec, transmission skipped
		return
	}
	for _, p := range targets {
		if p.closed {
			continue
		}
		if err := p.transport.Send(msg); err != nil {
			h.logger.Printf("⚠️ Send to connection %d failed: %v", p.conn.Identity().ID, err)
			h.drop(p, "write")
			continue
		}
		metrics.RecordMessage("out", cmd, len(msg))
	}
}

// RequestToClients dispatches a client-callable method to every introduced
// connection, or only to the object's owner. The returned collection resolves
// once every targeted connection replied or timed out.
func (h *Host) RequestToClients(obj replica.Object, onlyOwner bool, name string, args ...any) (*replica.Collection, error) {
	m, err := h.rt.MethodFor(obj, name)
	if err != nil {
		return nil, err
	}
	if m.Direction() != replica.ToClient {
		return nil, fmt.Errorf("%s: %w", name, replica.ErrWrongDirection)
	}
	if !obj.Registered() {
		return nil, fmt.Errorf("%s: %w", name, replica.ErrUnregistered)
	}

	var targets []*peer
	if onlyOwner {
		if c, ok := obj.Owner().(*replica.Connection); ok {
			if p, ok := h.peers[c]; ok && p.introduced {
				targets = []*peer{p}
			}
		}
	} else {
		targets = h.introduced()
	}

	col := replica.NewCollection(m, len(targets))
	now := time.Now()
	id := obj.Identity()
	for _, p := range targets {
		r := h.pending.Open(obj, m, p.conn, col, now)
		h.send(p, wire.CmdMethod, wire.MethodCall{
			GroupID:  id.Group,
			ObjectID: id.ID,
			MethodID: m.ID(),
			ReturnID: r.ID,
			Args:     args,
		})
	}

	if m.IsInstant() {
		if _, err := h.rt.InvokeLocal(obj, m, nil, args); err != nil {
			h.logger.Printf("⚠️ Local %s failed: %v", name, err)
		}
	}
	return col, nil
}

// =============================================================================
// INBOUND
// =============================================================================

// Receive handles one envelope from c
func (h *Host) Receive(c *replica.Connection, msg string) {
	p, ok := h.peers[c]
	if !ok {
		return
	}
	if len(msg) > h.cfg.MaxMessageSize {
		h.logger.Printf("⚠️ Connection %d sent %d bytes, limit %d", c.Identity().ID, len(msg), h.cfg.MaxMessageSize)
		h.drop(p, "oversize")
		return
	}

	v, err := h.rt.Decode(msg)
	if err == nil {
		var cmd int
		var payload any
		if cmd, payload, err = wire.Split(v); err == nil {
			metrics.RecordMessage("in", cmd, len(msg))
			h.dispatch(p, cmd, payload)
			return
		}
	}
	metrics.RecordDecodeFailure()
	h.logger.Printf("⚠️ Failed to parse message from connection %d: %v", c.Identity().ID, err)
	h.drop(p, "decode")
}

func (h *Host) dispatch(p *peer, cmd int, payload any) {
	switch cmd {
	case wire.CmdRequest:
		h.handleCall(p, payload)
	case wire.CmdReply:
		h.handleReply(p, payload)
	default:
		h.logger.Printf("⚠️ Unknown command %d from connection %d", cmd, p.conn.Identity().ID)
		h.drop(p, "protocol")
	}
}

func (h *Host) handleCall(p *peer, payload any) {
	call, err := wire.ParseMethodCall(payload)
	if err != nil {
		metrics.RecordDecodeFailure()
		h.drop(p, "decode")
		return
	}
	obj, ok := h.rt.Lookup(call.GroupID, call.ObjectID)
	if !ok {
		return
	}

	result, err := h.rt.ReceiveFromClient(obj, p.conn, call.MethodID, call.Args)
	switch {
	case err == nil:
		h.send(p, wire.CmdReturn, wire.Return{ID: call.ReturnID, Data: result})
	case errors.Is(err, replica.ErrUnauthorized):
		// silently dropped
	case replica.Disconnects(err):
		metrics.RecordValidationFailure()
		h.drop(p, "validation")
	case errors.Is(err, replica.ErrUnknownMethod):
		h.logger.Printf("⚠️ %v from connection %d", err, p.conn.Identity().ID)
	default:
		h.logger.Printf("⚠️ Call from connection %d failed: %v", p.conn.Identity().ID, err)
		h.send(p, wire.CmdReturn, wire.Return{ID: call.ReturnID, Error: err.Error()})
	}
}

func (h *Host) handleReply(p *peer, payload any) {
	ret, err := wire.ParseReturn(payload)
	if err != nil {
		metrics.RecordDecodeFailure()
		h.drop(p, "decode")
		return
	}
	r, ok := h.pending.Get(ret.ID)
	if !ok || r.Conn != p.conn {
		return
	}
	if ret.Error != "" {
		h.pending.Reject(ret.ID, fmt.Errorf("%w: %s", replica.ErrRemote, ret.Error))
		return
	}
	if err := h.rt.ValidateReturn(r.Method, ret.Data); err != nil {
		h.pending.Reject(ret.ID, err)
		metrics.RecordValidationFailure()
		h.drop(p, "validation")
		return
	}
	h.pending.Resolve(ret.ID, ret.Data)
}
