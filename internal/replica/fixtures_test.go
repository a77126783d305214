package replica

import (
	"io"
	"log"
)

type vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// journal is the runtime context used by the fixtures.
type journal struct {
	rt    *Runtime
	order []string
}

type unit struct {
	Base
	Name   string   `json:"name"`
	HP     int      `json:"hp"`
	Pos    vec      `json:"pos"`
	Target *unit    `json:"target"`
	Friend Object   `json:"friend"`
	Extra  any      `json:"extra"`
	Tags   []string `json:"tags"`
	Secret string   `json:"secret"`

	journal  *journal
	rebuilds int
}

func (u *unit) Reconstruct(args ...any) error {
	u.rebuilds++
	if j, ok := args[0].(*journal); ok && j != nil {
		u.journal = j
		j.order = append(j.order, args[1].(string))
	}
	return nil
}

type hero struct {
	unit
	Title string `json:"title"`
}

type squad struct {
	Base
	Name    string `json:"name"`
	members []Object
}

func (s *squad) Reconstruct(args ...any) error {
	j := args[0].(*journal)
	for i := 0; ; i++ {
		child, err := j.rt.ChildAt(s, i, 1, func() Object { return nil })
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		s.members = append(s.members, child)
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testRegistry() *Registry {
	reg := NewRegistry()
	units := reg.Register("Unit", func() Object { return &unit{} }, ContextArg, "name").Exclude("secret")
	reg.Register("Hero", func() Object { return &hero{} }, ContextArg, "name").Extends(units)
	reg.Register("Squad", func() Object { return &squad{} }, ContextArg)
	reg.RegisterValue("Vec", vec{})
	return reg
}

func newTestRuntime(side Side, reg *Registry) (*Runtime, *journal) {
	j := &journal{}
	rt := NewRuntime(Options{Side: side, Registry: reg, Context: j, Logger: quietLogger()})
	j.rt = rt
	rt.CreateGroup(1, true)
	rt.CreateGroup(2, false)
	return rt, j
}
