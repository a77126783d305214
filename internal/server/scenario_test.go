package server_test

import (
	"errors"
	"io"
	"log"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/bansheerubber/xcom-clone-sub000/internal/client"
	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
	"github.com/bansheerubber/xcom-clone-sub000/internal/server"
	"github.com/bansheerubber/xcom-clone-sub000/internal/wire"
)

const tokenGroup = 1

type token struct {
	replica.Base
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	built int
}

func (t *token) Reconstruct(args ...any) error {
	t.built++
	return nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func newRegistry() *replica.Registry {
	reg := replica.NewRegistry()
	tokens := reg.Register("Token", func() replica.Object { return &token{} }, "name")
	tokens.ServerMethod("move", func(obj replica.Object, args []any) (any, error) {
		t := obj.(*token)
		t.X = number(args[0])
		return t.X, nil
	}).Args(replica.Number, "").Caller(1).Returns(replica.Number)
	tokens.ClientMethod("name", func(obj replica.Object, args []any) (any, error) {
		return obj.(*token).Name, nil
	}).Returns(replica.String)
	tokens.ClientMethod("shout", nil).Args("loud")
	return reg
}

var quiet = log.New(io.Discard, "", 0)

type session struct {
	net  *client.Network
	up   *wire.Queue // client to host
	down *wire.Queue // host to client
	conn *replica.Connection
}

type world struct {
	t    *testing.T
	host *server.Host
	reg  *replica.Registry
}

func newWorld(t *testing.T) *world {
	reg := newRegistry()
	rt := replica.NewRuntime(replica.Options{Side: replica.Authority, Registry: reg, Logger: quiet})
	rt.CreateGroup(tokenGroup, true)
	return &world{t: t, host: server.NewHost(rt, server.DefaultConfig()), reg: reg}
}

func (w *world) spawn(name string) *token {
	tk := &token{Name: name}
	if err := w.host.Runtime().Create(tk, tokenGroup); err != nil {
		w.t.Fatalf("Failed to create token: %v", err)
	}
	return tk
}

func (w *world) join() *session {
	rt := replica.NewRuntime(replica.Options{Side: replica.Replica, Registry: w.reg, Logger: quiet})
	rt.CreateGroup(tokenGroup, true)
	s := &session{
		net:  client.NewNetwork(rt, client.DefaultConfig()),
		up:   &wire.Queue{},
		down: &wire.Queue{},
	}
	s.net.Attach(s.up)
	s.conn = w.host.Accept(s.down, "127.0.0.1")
	if s.conn == nil {
		w.t.Fatal("Expected connection to be accepted")
	}
	return s
}

// pump delivers queued messages in both directions until both sides go quiet
func (w *world) pump(sessions ...*session) {
	for moved := true; moved; {
		moved = false
		for _, s := range sessions {
			for _, msg := range s.down.Drain() {
				s.net.Receive(msg)
				moved = true
			}
			for _, msg := range s.up.Drain() {
				w.host.Receive(s.conn, msg)
				moved = true
			}
		}
	}
}

func (w *world) step(sessions ...*session) {
	w.host.Tick(time.Now())
	w.pump(sessions...)
}

func replicaToken(t *testing.T, s *session, id int) *token {
	t.Helper()
	obj, ok := s.net.Runtime().Lookup(tokenGroup, id)
	if !ok {
		t.Fatalf("Expected token %d on the client", id)
	}
	return obj.(*token)
}

// TestSnapshotJoin verifies a new connection receives every object and its identity
func TestSnapshotJoin(t *testing.T) {
	w := newWorld(t)
	w.spawn("alpha")
	w.spawn("bravo")
	w.spawn("charlie")

	s := w.join()
	w.step(s)

	if s.net.Runtime().Len() != 4 {
		t.Errorf("Expected 4 objects (3 tokens + connection), got %d", s.net.Runtime().Len())
	}
	for i, name := range []string{"alpha", "bravo", "charlie"} {
		tk := replicaToken(t, s, i)
		if tk.Name != name {
			t.Errorf("Expected name '%s', got '%s'", name, tk.Name)
		}
		if tk.built != 1 {
			t.Errorf("Expected %s reconstructed once, got %d", name, tk.built)
		}
	}

	self, ok := s.net.Self()
	if !ok {
		t.Fatal("Expected client to know its own connection")
	}
	if self.Identity() != s.conn.Identity() {
		t.Errorf("Expected identity %s, got %s", s.conn.Identity(), self.Identity())
	}
	if self.Session != s.conn.Session {
		t.Errorf("Expected session %s, got %s", s.conn.Session, self.Session)
	}
	if self.Addr != "" {
		t.Errorf("Expected excluded addr to stay empty, got '%s'", self.Addr)
	}
	if s.net.BytesReceived() == 0 {
		t.Error("Expected received bytes to be counted")
	}
}

// TestLiveObjectPush verifies objects created after joining reach introduced connections
func TestLiveObjectPush(t *testing.T) {
	w := newWorld(t)
	s := w.join()
	w.step(s)

	tk := w.spawn("late")
	w.step(s)

	got := replicaToken(t, s, tk.Identity().ID)
	if got.Name != "late" || got.built != 1 {
		t.Errorf("Expected reconstructed token 'late', got '%s' built %d", got.Name, got.built)
	}
}

// TestDestroyPropagation verifies destroyed objects leave every replica
func TestDestroyPropagation(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("doomed")
	s := w.join()
	w.step(s)
	replicaToken(t, s, tk.Identity().ID)

	w.host.Runtime().Destroy(tk)
	w.step(s)

	if _, ok := s.net.Runtime().Lookup(tokenGroup, tk.Identity().ID); ok {
		t.Error("Expected destroyed token to be gone from the client")
	}
}

// TestOwnershipGate verifies only the owner may call methods on an owned object
func TestOwnershipGate(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("owned")
	a := w.join()
	b := w.join()
	tk.SetOwner(a.conn)
	w.step(a, b)

	r, err := b.net.RequestToServer(replicaToken(t, b, 0), "move", 7)
	if err != nil {
		t.Fatalf("RequestToServer failed: %v", err)
	}
	w.pump(a, b)
	if tk.X != 0 {
		t.Errorf("Expected unauthorized move to be dropped, X is %v", tk.X)
	}
	select {
	case <-r.Done():
		t.Error("Expected no reply for an unauthorized call")
	default:
	}

	r, err = a.net.RequestToServer(replicaToken(t, a, 0), "move", 5)
	if err != nil {
		t.Fatalf("RequestToServer failed: %v", err)
	}
	w.pump(a, b)
	select {
	case <-r.Done():
	default:
		t.Fatal("Expected owner's call to be answered")
	}
	value, err := r.Result()
	if err != nil || number(value) != 5 {
		t.Errorf("Expected return 5, got %v (%v)", value, err)
	}
	if tk.X != 5 {
		t.Errorf("Expected X 5, got %v", tk.X)
	}

	tk.SetCommunal(true)
	if _, err := b.net.RequestToServer(replicaToken(t, b, 0), "move", 9); err != nil {
		t.Fatalf("RequestToServer failed: %v", err)
	}
	w.pump(a, b)
	if tk.X != 9 {
		t.Errorf("Expected communal move to run, X is %v", tk.X)
	}
}

// TestFanOutTimeout verifies a silent connection lowers the required reply count
func TestFanOutTimeout(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("echo")
	a := w.join()
	b := w.join()
	w.step(a, b)

	col, err := w.host.RequestToClients(tk, false, "name")
	if err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	if col.Required() != 2 {
		t.Errorf("Expected 2 required replies, got %d", col.Required())
	}

	// b never answers
	b.down.Drain()
	w.pump(a)

	select {
	case <-col.Done():
		t.Fatal("Expected collection to wait for the silent connection")
	default:
	}

	w.host.Tick(time.Now().Add(3 * time.Second))
	select {
	case <-col.Done():
	default:
		t.Fatal("Expected collection to resolve after the timeout")
	}
	replies := col.Replies()
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply, got %d", len(replies))
	}
	if replies[0].Conn != a.conn || replies[0].Value != "echo" {
		t.Errorf("Expected 'echo' from connection %s, got %v", a.conn.Identity(), replies[0].Value)
	}
}

// TestOwnerOnlyFanOut verifies onlyOwner targets a single connection
func TestOwnerOnlyFanOut(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("mine")
	a := w.join()
	b := w.join()
	tk.SetOwner(b.conn)
	w.step(a, b)

	col, err := w.host.RequestToClients(tk, true, "name")
	if err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	if col.Required() != 1 {
		t.Errorf("Expected 1 required reply, got %d", col.Required())
	}
	if msgs := a.down.Drain(); len(msgs) != 0 {
		t.Errorf("Expected no message to the non-owner, got %d", len(msgs))
	}
	w.pump(b)
	select {
	case <-col.Done():
	default:
		t.Fatal("Expected owner reply to resolve the collection")
	}
}

// TestValidationDisconnect verifies a malformed argument ends the connection
func TestValidationDisconnect(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("target")
	tk.SetCommunal(true)
	a := w.join()
	b := w.join()
	w.step(a, b)

	if _, err := a.net.RequestToServer(replicaToken(t, a, 0), "move", "left"); err != nil {
		t.Fatalf("RequestToServer failed: %v", err)
	}
	w.pump(a, b)

	if !a.down.Closed() {
		t.Error("Expected host to close the offending transport")
	}
	if len(w.host.Connections()) != 1 {
		t.Errorf("Expected 1 remaining connection, got %d", len(w.host.Connections()))
	}
	if _, ok := b.net.Runtime().Lookup(replica.ConnectionGroup, a.conn.Identity().ID); ok {
		t.Error("Expected the dropped connection to be destroyed on other clients")
	}
	if tk.X != 0 {
		t.Errorf("Expected move not to run, X is %v", tk.X)
	}
}

// TestMissingValidatorClosesClient verifies the client drops out on an undefined validator
func TestMissingValidatorClosesClient(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("noisy")
	s := w.join()
	w.step(s)

	if _, err := w.host.RequestToClients(tk, false, "shout", "hi"); err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	w.pump(s)

	if s.net.Status() != client.StatusClosed {
		t.Errorf("Expected status closed, got %s", s.net.Status())
	}
	if !s.up.Closed() {
		t.Error("Expected client transport to be closed")
	}
	if s.net.Detach(errors.New("read failed")) {
		t.Error("Expected no reconnect after a local disconnect")
	}
}

// TestHeartbeatLatency verifies ping, pong and the reported latency
func TestHeartbeatLatency(t *testing.T) {
	w := newWorld(t)
	s := w.join()
	now := time.Now()
	w.host.Tick(now)
	w.pump(s)

	if s.down.Pings() != 1 {
		t.Fatalf("Expected 1 ping, got %d", s.down.Pings())
	}
	w.host.Tick(now.Add(100 * time.Millisecond))
	if s.down.Pings() != 1 {
		t.Errorf("Expected no ping inside the interval, got %d", s.down.Pings())
	}

	w.host.Pong(s.conn, now.Add(41*time.Millisecond))
	if w.host.Latency(s.conn) != 20.5 {
		t.Errorf("Expected host latency 20.5, got %v", w.host.Latency(s.conn))
	}
	w.pump(s)
	if s.net.Latency() != 20.5 {
		t.Errorf("Expected client latency 20.5, got %v", s.net.Latency())
	}
}

// TestPauseResume verifies reconstruction waits while paused
func TestPauseResume(t *testing.T) {
	w := newWorld(t)
	w.spawn("one")
	w.spawn("two")
	s := w.join()
	s.net.Pause()
	w.step(s)

	if s.net.Queued() != 3 {
		t.Errorf("Expected 3 queued objects, got %d", s.net.Queued())
	}
	if tk := replicaToken(t, s, 0); tk.built != 0 {
		t.Errorf("Expected no reconstruction while paused, got %d", tk.built)
	}

	s.net.Resume()
	if s.net.Queued() != 0 {
		t.Errorf("Expected empty queue, got %d", s.net.Queued())
	}
	for id := 0; id < 2; id++ {
		if tk := replicaToken(t, s, id); tk.built != 1 {
			t.Errorf("Expected token %d reconstructed once, got %d", id, tk.built)
		}
	}
}

// TestProtocolErrors verifies malformed traffic ends the connection
func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"garbage", "not json"},
		{"unknown command", "[7,null]"},
		{"bad envelope", "[1]"},
		{"oversize", string(make([]byte, wire.MaxMessageSize+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			s := w.join()
			w.step(s)

			w.host.Receive(s.conn, tt.msg)
			if !s.down.Closed() {
				t.Error("Expected transport to be closed")
			}
			if len(w.host.Connections()) != 0 {
				t.Errorf("Expected no connections, got %d", len(w.host.Connections()))
			}
		})
	}
}

// TestDisconnectLeavesReturnsToTimeout verifies a leaving connection's replies just time out
func TestDisconnectLeavesReturnsToTimeout(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("idle")
	s := w.join()
	w.step(s)

	col, err := w.host.RequestToClients(tk, false, "name")
	if err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	w.host.Close(s.conn)

	select {
	case <-col.Done():
		t.Fatal("Expected collection to wait for the timeout")
	default:
	}
	if w.host.Stats().Connections != 0 {
		t.Errorf("Expected stats to show 0 connections, got %d", w.host.Stats().Connections)
	}

	w.host.Tick(time.Now().Add(3 * time.Second))
	select {
	case <-col.Done():
	default:
		t.Fatal("Expected collection to resolve after the timeout")
	}
	if len(col.Replies()) != 0 {
		t.Errorf("Expected no replies, got %d", len(col.Replies()))
	}
}

// TestUnknownReferencesLeaveNoStubs verifies references to objects the host
// never had cannot accumulate on the authority
func TestUnknownReferencesLeaveNoStubs(t *testing.T) {
	w := newWorld(t)
	w.spawn("anchor")
	s := w.join()
	w.step(s)

	args := []string{"1", "null"}
	for id := 1000; id < 6000; id++ {
		args = append(args, `{"__gid__":1,"__oid__":`+strconv.Itoa(id)+`}`)
	}
	msg := `[0,{"groupID":1,"objectID":0,"methodID":0,"returnID":0,"args":[` + strings.Join(args, ",") + `]}]`
	w.host.Receive(s.conn, msg)

	if n := w.host.Runtime().Stubs(); n != 0 {
		t.Errorf("Expected no stubs on the authority, got %d", n)
	}
	if s.down.Closed() || len(w.host.Connections()) != 1 {
		t.Error("Expected the connection to stay open")
	}
}

// TestSendToTargetsOneConnection verifies objects outside autoSend groups
// reach only the connection they are sent to
func TestSendToTargetsOneConnection(t *testing.T) {
	const privateGroup = 3
	w := newWorld(t)
	w.host.Runtime().CreateGroup(privateGroup, false)
	a := w.join()
	b := w.join()
	for _, s := range []*session{a, b} {
		s.net.Runtime().CreateGroup(privateGroup, false)
	}
	w.step(a, b)

	secret := &token{Name: "secret"}
	if err := w.host.Runtime().Create(secret, privateGroup); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w.step(a, b)
	if _, ok := a.net.Runtime().Lookup(privateGroup, 0); ok {
		t.Fatal("Expected the private token to stay on the host until sent")
	}

	if err := w.host.SendTo(a.conn, secret); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	w.pump(a, b)

	obj, ok := a.net.Runtime().Lookup(privateGroup, 0)
	if !ok {
		t.Fatal("Expected the private token on the targeted connection")
	}
	if tk := obj.(*token); tk.Name != "secret" || tk.built != 1 {
		t.Errorf("Expected 'secret' reconstructed once, got '%s' (%d)", tk.Name, tk.built)
	}
	if _, ok := b.net.Runtime().Lookup(privateGroup, 0); ok {
		t.Error("Expected the other connection not to receive the private token")
	}

	w.host.Runtime().Destroy(secret)
	if msgs := b.down.Drain(); len(msgs) != 0 {
		t.Errorf("Expected no destroy for a connection that never held it, got %v", msgs)
	}
	w.pump(a)
	if _, ok := a.net.Runtime().Lookup(privateGroup, 0); ok {
		t.Error("Expected the private token destroyed on the targeted connection")
	}
}

// TestSendToBeforeIntroduction verifies on-demand objects follow the init batch
func TestSendToBeforeIntroduction(t *testing.T) {
	const privateGroup = 3
	w := newWorld(t)
	w.host.Runtime().CreateGroup(privateGroup, false)
	w.spawn("public")
	hand := &token{Name: "hand"}
	if err := w.host.Runtime().Create(hand, privateGroup); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s := w.join()
	s.net.Runtime().CreateGroup(privateGroup, false)
	if err := w.host.SendTo(s.conn, hand); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if msgs := s.down.Drain(); len(msgs) != 0 {
		t.Fatalf("Expected nothing before the init batch, got %v", msgs)
	}
	w.step(s)

	if _, ok := s.net.Runtime().Lookup(privateGroup, 0); !ok {
		t.Error("Expected the private token after introduction")
	}
	if _, ok := s.net.Self(); !ok {
		t.Error("Expected the connection identity to be known")
	}

	err := w.host.SendTo(&replica.Connection{}, hand)
	if !errors.Is(err, server.ErrUnknownConnection) {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

// TestHeartbeatAwaitsPong verifies a slow pong is measured against its own ping
func TestHeartbeatAwaitsPong(t *testing.T) {
	w := newWorld(t)
	s := w.join()
	now := time.Now()
	w.host.Tick(now)
	w.pump(s)

	w.host.Tick(now.Add(1500 * time.Millisecond))
	if s.down.Pings() != 1 {
		t.Fatalf("Expected no new ping while one is unanswered, got %d", s.down.Pings())
	}

	w.host.Pong(s.conn, now.Add(1600*time.Millisecond))
	if w.host.Latency(s.conn) != 800 {
		t.Errorf("Expected latency 800, got %v", w.host.Latency(s.conn))
	}
	w.host.Pong(s.conn, now.Add(1700*time.Millisecond))
	if w.host.Latency(s.conn) != 800 {
		t.Errorf("Expected an unsolicited pong to be ignored, got %v", w.host.Latency(s.conn))
	}

	w.host.Tick(now.Add(2 * time.Second))
	if s.down.Pings() != 2 {
		t.Errorf("Expected a second ping once answered, got %d", s.down.Pings())
	}
}

// TestRepliesFromAddressedConnection verifies every targeted connection's
// reply counts, owner or not, and only the addressed connection can settle it
func TestRepliesFromAddressedConnection(t *testing.T) {
	w := newWorld(t)
	tk := w.spawn("owned")
	a := w.join()
	b := w.join()
	tk.SetOwner(a.conn)
	w.step(a, b)

	col, err := w.host.RequestToClients(tk, false, "name")
	if err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	w.pump(a, b)
	if len(col.Replies()) != 2 {
		t.Errorf("Expected replies from owner and non-owner, got %d", len(col.Replies()))
	}

	col, err = w.host.RequestToClients(tk, false, "name")
	if err != nil {
		t.Fatalf("RequestToClients failed: %v", err)
	}
	toA := a.down.Drain()
	b.down.Drain()
	if len(toA) != 1 {
		t.Fatalf("Expected one dispatch to a, got %d", len(toA))
	}
	var env []any
	if err := json.Unmarshal([]byte(toA[0]), &env); err != nil || len(env) != 2 {
		t.Fatalf("Expected an envelope, got %s (%v)", toA[0], err)
	}
	returnID := int(env[1].(map[string]any)["returnID"].(float64))

	// b answers in a's place
	w.host.Receive(b.conn, `[1,{"id":`+strconv.Itoa(returnID)+`,"data":"forged"}]`)
	if len(col.Replies()) != 0 {
		t.Errorf("Expected a reply from the wrong connection to be ignored, got %v", col.Replies())
	}
	if len(w.host.Connections()) != 2 {
		t.Errorf("Expected both connections to stay, got %d", len(w.host.Connections()))
	}

	a.net.Receive(toA[0])
	w.pump(a)
	w.host.Tick(time.Now().Add(3 * time.Second))
	select {
	case <-col.Done():
	default:
		t.Fatal("Expected collection to resolve")
	}
	replies := col.Replies()
	if len(replies) != 1 || replies[0].Conn != a.conn || replies[0].Value != "owned" {
		t.Errorf("Expected only a's 'owned' reply, got %v", replies)
	}
}
