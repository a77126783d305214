// Package arena is the replicated sample domain shared by both binaries: a
// bounded World, Units owned by connections, Soldiers that extend Units, and
// Squads whose Soldiers are built as ChildAt children.
package arena

import (
	"log"

	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
)

// Replication groups
const (
	GroupWorld = 1 // worlds and squads
	GroupUnits = 2 // units and soldiers
)

// Game is the runtime context handed to every arena object's Reconstruct.
type Game struct {
	rt     *replica.Runtime
	logger *log.Logger
	world  *World
	inbox  []Notice

	// OnNotify runs on receiving processes for every accepted notice
	OnNotify func(n Notice)
}

// Notice is one notify call received from the authority
type Notice struct {
	Unit *Unit
	Text string
}

// NewGame declares the arena groups on rt and installs itself as the
// runtime context. The registry must come from Register.
func NewGame(rt *replica.Runtime) *Game {
	g := &Game{rt: rt, logger: rt.Logger()}
	rt.CreateGroup(GroupWorld, true)
	rt.CreateGroup(GroupUnits, true)
	rt.SetContext(g)
	if rt.Side() == replica.Authority {
		rt.OnDestroy(g.released)
	}
	return g
}

func (g *Game) Runtime() *replica.Runtime { return g.rt }

// World returns the world, once created or received
func (g *Game) World() *World { return g.world }

// Inbox returns every notice received so far
func (g *Game) Inbox() []Notice { return append([]Notice(nil), g.inbox...) }

// Units returns every live unit, soldiers included, in creation order
func (g *Game) Units() []*Unit {
	var out []*Unit
	for _, obj := range g.rt.Objects() {
		if u, ok := asUnit(obj); ok {
			out = append(out, u)
		}
	}
	return out
}

// UnitsOf returns the live units owned by conn
func (g *Game) UnitsOf(conn *replica.Connection) []*Unit {
	var out []*Unit
	for _, u := range g.Units() {
		if u.Owner() == replica.Object(conn) {
			out = append(out, u)
		}
	}
	return out
}

// CreateWorld builds the communal world on the authority
func (g *Game) CreateWorld(name string, width, height float64) (*World, error) {
	w := &World{Name: name, Width: width, Height: height}
	w.SetCommunal(true)
	if err := g.rt.Create(w, GroupWorld); err != nil {
		return nil, err
	}
	w.game = g
	g.world = w
	return w, nil
}

// Spawn creates a unit owned by conn at the world's centre
func (g *Game) Spawn(name string, conn *replica.Connection) (*Unit, error) {
	u := g.newUnit(name, conn)
	if err := g.rt.Create(u, GroupUnits); err != nil {
		return nil, err
	}
	g.logger.Printf("🧍 %s spawned at (%.0f, %.0f)", name, u.X, u.Y)
	return u, nil
}

func (g *Game) newUnit(name string, conn *replica.Connection) *Unit {
	u := &Unit{Name: name, HP: MaxHP, World: g.world, game: g}
	if g.world != nil {
		u.X, u.Y = g.world.Width/2, g.world.Height/2
	}
	if conn != nil {
		u.SetOwner(conn)
	}
	return u
}

// CreateSquad creates a squad of size soldiers owned by conn
func (g *Game) CreateSquad(name string, size int, conn *replica.Connection) (*Squad, error) {
	s := &Squad{Name: name, Size: size}
	if conn != nil {
		s.SetOwner(conn)
	}
	if err := g.rt.Create(s, GroupWorld); err != nil {
		return nil, err
	}
	if err := s.assemble(g); err != nil {
		return nil, err
	}
	return s, nil
}

// released removes a leaving connection's units and squads
func (g *Game) released(obj replica.Object) {
	conn, ok := obj.(*replica.Connection)
	if !ok {
		return
	}
	for _, o := range g.rt.Objects() {
		if o.Owner() == replica.Object(conn) && o != obj {
			g.rt.Destroy(o)
		}
	}
}

func (g *Game) receive(u *Unit, text string) {
	n := Notice{Unit: u, Text: text}
	g.inbox = append(g.inbox, n)
	if g.OnNotify != nil {
		g.OnNotify(n)
	}
}

func gameOf(args []any) *Game {
	if len(args) == 0 {
		return nil
	}
	g, _ := args[0].(*Game)
	return g
}
