package arena

import (
	"fmt"
	"math"

	"github.com/bansheerubber/xcom-clone-sub000/internal/replica"
)

// MaxHP is the health every unit spawns with
const MaxHP = 100

// World is the communal playing field. Connections spawn units through it.
type World struct {
	replica.Base
	Name   string  `json:"name"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	game *Game
}

func (w *World) Reconstruct(args ...any) error {
	if g := gameOf(args); g != nil {
		w.game = g
		g.world = w
	}
	return nil
}

// Clamp keeps a point inside the world
func (w *World) Clamp(x, y float64) (float64, float64) {
	return math.Max(0, math.Min(x, w.Width)), math.Max(0, math.Min(y, w.Height))
}

// Unit is a piece on the field owned by one connection
type Unit struct {
	replica.Base
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	HP      int     `json:"hp"`
	World   *World  `json:"world"`
	MovedBy string  `json:"movedBy,omitempty"` // session of the last issuer

	game *Game
}

func (u *Unit) Reconstruct(args ...any) error {
	u.game = gameOf(args)
	return nil
}

func (u *Unit) unit() *Unit { return u }

// Destroyed logs the unit leaving the field
func (u *Unit) Destroyed() {
	if u.game != nil {
		u.game.logger.Printf("💀 %s left the field", u.Name)
	}
}

// MoveTo moves the unit, clamped to its world. It reports whether the
// position changed.
func (u *Unit) MoveTo(x, y float64) bool {
	if u.World != nil {
		x, y = u.World.Clamp(x, y)
	}
	if x == u.X && y == u.Y {
		return false
	}
	u.X, u.Y = x, y
	return true
}

// Soldier is a unit that belongs to a squad
type Soldier struct {
	Unit
	Rank string `json:"rank"`
}

// Squad owns an ordered list of soldiers built with ChildAt
type Squad struct {
	replica.Base
	Name string `json:"name"`
	Size int    `json:"size"`

	members []*Soldier
}

func (s *Squad) Reconstruct(args ...any) error {
	g := gameOf(args)
	if g == nil {
		return fmt.Errorf("squad %s: missing game context", s.Name)
	}
	return s.assemble(g)
}

// Members returns the squad's soldiers in order
func (s *Squad) Members() []*Soldier { return append([]*Soldier(nil), s.members...) }

// assemble resolves every member slot. The authority creates the soldiers;
// receivers pick up the ones that arrived with the squad.
func (s *Squad) assemble(g *Game) error {
	s.members = s.members[:0]
	for i := 0; i < s.Size; i++ {
		rank := "private"
		if i == 0 {
			rank = "sergeant"
		}
		idx := i
		child, err := g.rt.ChildAt(s, i, GroupUnits, func() replica.Object {
			soldier := &Soldier{Unit: *g.newUnit(fmt.Sprintf("%s-%d", s.Name, idx+1), nil), Rank: rank}
			if owner := s.Owner(); owner != nil {
				soldier.SetOwner(owner)
			}
			return soldier
		})
		if err != nil {
			return err
		}
		soldier, ok := child.(*Soldier)
		if !ok {
			return fmt.Errorf("squad %s: member %d is %T", s.Name, i, child)
		}
		s.members = append(s.members, soldier)
	}
	return nil
}

type unitLike interface {
	unit() *Unit
}

func asUnit(obj replica.Object) (*Unit, bool) {
	if u, ok := obj.(unitLike); ok {
		return u.unit(), true
	}
	return nil, false
}

// Register declares the arena classes and their remote methods on reg
func Register(reg *replica.Registry) {
	worlds := reg.Register("World", func() replica.Object { return &World{} }, replica.ContextArg)
	// spawn(name, issuer) -> unit objectID
	worlds.ServerMethod("spawn", func(obj replica.Object, args []any) (any, error) {
		w := obj.(*World)
		name, _ := args[0].(string)
		issuer, _ := args[1].(*replica.Connection)
		if w.game == nil || issuer == nil {
			return nil, fmt.Errorf("spawn: no game")
		}
		if name == "" {
			name = "unit"
		}
		u, err := w.game.Spawn(name, issuer)
		if err != nil {
			return nil, err
		}
		return u.Identity().ID, nil
	}).Args(replica.String, "").Caller(1).Returns(replica.Number)

	units := reg.Register("Unit", func() replica.Object { return &Unit{} }, replica.ContextArg)
	// move(x, y, issuer) -> moved
	units.ServerMethod("move", func(obj replica.Object, args []any) (any, error) {
		u, _ := asUnit(obj)
		moved := u.MoveTo(toFloat(args[0], u.X), toFloat(args[1], u.Y))
		if issuer, ok := args[2].(*replica.Connection); ok && moved {
			u.MovedBy = issuer.Session
		}
		return moved, nil
	}).Args(replica.Number, replica.Number, "").Caller(2).Returns(replica.Boolean).Instant()
	// notify(text) -> ack
	units.ClientMethod("notify", func(obj replica.Object, args []any) (any, error) {
		u, _ := asUnit(obj)
		text, _ := args[0].(string)
		if u.game != nil {
			u.game.receive(u, text)
		}
		return "ack " + text, nil
	}).Args(replica.String).Returns(replica.String)

	soldiers := reg.Register("Soldier", func() replica.Object { return &Soldier{} }, replica.ContextArg).Extends(units)
	// promote() -> new rank
	soldiers.ServerMethod("promote", func(obj replica.Object, args []any) (any, error) {
		s := obj.(*Soldier)
		s.Rank = "sergeant"
		return s.Rank, nil
	}).Returns(replica.String)

	reg.Register("Squad", func() replica.Object { return &Squad{} }, replica.ContextArg)

	reg.InheritAll()
}

func toFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return fallback
}
