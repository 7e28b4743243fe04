package domain

import (
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// cell identifies one materialized stack slot of a given kind.
type cell struct {
	kind  Kind
	off   int
	width int
}

// State is one abstract machine state: the DBM plus the set of stack cells
// that currently hold a tracked value. States are value-typed snapshots;
// Copy before mutating a shared one.
type State struct {
	dbm   *DBM
	cells map[cell]bool
}

// NewState returns the unconstrained state.
func NewState() *State {
	return &State{dbm: NewDBM(), cells: make(map[cell]bool)}
}

// BottomState returns the unreachable state.
func BottomState() *State {
	return &State{dbm: BottomDBM(), cells: make(map[cell]bool)}
}

// Copy returns a deep copy.
func (s *State) Copy() *State {
	cells := make(map[cell]bool, len(s.cells))
	for c := range s.cells {
		cells[c] = true
	}
	return &State{dbm: s.dbm.Copy(), cells: cells}
}

// IsBottom reports unreachability.
func (s *State) IsBottom() bool { return s.dbm.IsBottom() }

// SetBottom collapses the state.
func (s *State) SetBottom() { s.dbm.SetBottom() }

// Assume conjoins a constraint.
func (s *State) Assume(c Constraint) { s.dbm.AddConstraint(c) }

// Fork copies the state and conjoins a constraint, the primitive behind the
// disjunctive transfer of pointer-vs-number ambiguity.
func (s *State) Fork(c Constraint) *State {
	f := s.Copy()
	f.Assume(c)
	return f
}

// Assign sets a variable to a linear expression.
func (s *State) Assign(v Variable, e Expr) { s.dbm.Assign(v, e) }

// Havoc forgets everything about a variable.
func (s *State) Havoc(v Variable) { s.dbm.Forget(v) }

// Interval projects a variable.
func (s *State) Interval(v Variable) Interval { return s.dbm.Interval(v) }

// Eval evaluates an expression.
func (s *State) Eval(e Expr) Interval { return s.dbm.Eval(e) }

// Entails and Intersects answer assertion classification queries.
func (s *State) Entails(c Constraint) bool    { return s.dbm.Entails(c) }
func (s *State) Intersects(c Constraint) bool { return s.dbm.Intersects(c) }

// Leq is the lattice order.
func (s *State) Leq(o *State) bool { return s.dbm.Leq(o.dbm) }

// Join is the least upper bound. Cells survive only when tracked on both
// sides.
func (s *State) Join(o *State) *State {
	if s.IsBottom() {
		return o.Copy()
	}
	if o.IsBottom() {
		return s.Copy()
	}
	res := &State{dbm: s.dbm.Join(o.dbm), cells: intersectCells(s.cells, o.cells)}
	return res
}

// Widen over-approximates the join to force termination at loop heads.
func (s *State) Widen(o *State) *State {
	if s.IsBottom() {
		return o.Copy()
	}
	if o.IsBottom() {
		return s.Copy()
	}
	return &State{dbm: s.dbm.Widen(o.dbm), cells: intersectCells(s.cells, o.cells)}
}

// Narrow restores precision lost to widening.
func (s *State) Narrow(o *State) *State {
	if s.IsBottom() || o.IsBottom() {
		return BottomState()
	}
	return &State{dbm: s.dbm.Narrow(o.dbm), cells: unionCells(s.cells, o.cells)}
}

func intersectCells(a, b map[cell]bool) map[cell]bool {
	res := make(map[cell]bool)
	for c := range a {
		if b[c] {
			res[c] = true
		}
	}
	return res
}

func unionCells(a, b map[cell]bool) map[cell]bool {
	res := make(map[cell]bool, len(a)+len(b))
	for c := range a {
		res[c] = true
	}
	for c := range b {
		res[c] = true
	}
	return res
}

// Terminates reports whether the step counter is bounded in this state: an
// unbounded counter at a loop head means the analysis could not prove
// progress.
func (s *State) Terminates() bool {
	if s.IsBottom() {
		return true
	}
	return s.Interval(VarStepCount).Hi.IsFinite()
}

func (s *State) String() string { return s.dbm.String() }

// killRange drops every cell of a kind overlapping [lo, hi).
func (s *State) killRange(kind Kind, lo, hi int) {
	for c := range s.cells {
		if c.kind != kind {
			continue
		}
		if c.off < hi && c.off+c.width > lo {
			s.dbm.Forget(CellVar(c.kind, c.off, c.width))
			delete(s.cells, c)
		}
	}
}

// ArrayHavoc erases a byte range of one stack array. An unbounded range
// erases the whole array.
func (s *State) ArrayHavoc(kind Kind, addr Interval, width int) {
	lo, hi := cellRange(addr, width)
	s.killRange(kind, lo, hi)
}

func cellRange(addr Interval, width int) (int, int) {
	lo, hi := 0, StackSize
	if addr.Lo.IsFinite() && addr.Lo.Num() > 0 {
		lo = int(addr.Lo.Num())
	}
	if addr.Hi.IsFinite() && addr.Hi.Num()+int64(width) < StackSize {
		hi = int(addr.Hi.Num()) + width
	}
	return lo, hi
}

// ArrayStoreExpr writes one cell of the given kind. When the address is not
// a singleton, every possibly-written cell is havoced instead.
func (s *State) ArrayStoreExpr(kind Kind, addr Interval, width int, val Expr) {
	off, ok := addr.Singleton()
	if !ok || off < 0 || off+int64(width) > StackSize {
		s.ArrayHavoc(kind, addr, width)
		return
	}
	s.killRange(kind, int(off), int(off)+width)
	c := cell{kind: kind, off: int(off), width: width}
	s.cells[c] = true
	s.dbm.Assign(CellVar(kind, c.off, c.width), val)
}

// ArrayLoad reads one cell into dst. The load is exact only when the
// address is a singleton and a cell of exactly this width exists; otherwise
// dst is havoced.
func (s *State) ArrayLoad(dst Variable, kind Kind, addr Interval, width int) {
	if off, ok := addr.Singleton(); ok {
		c := cell{kind: kind, off: int(off), width: width}
		if s.cells[c] {
			s.dbm.Assign(dst, Var(CellVar(kind, c.off, c.width)))
			return
		}
	}
	s.dbm.Forget(dst)
}

// ArrayStoreNumbers marks [addr, addr+width) of the type array as numeric,
// byte by byte, for helpers that initialize caller memory.
func (s *State) ArrayStoreNumbers(addr, width Interval) {
	off, okOff := addr.Singleton()
	n, okN := width.Singleton()
	if !okOff || !okN || off < 0 || n < 0 || off+n > StackSize {
		lo, hi := cellRange(addr.Add(Interval{Lo: Finite(0), Hi: width.Hi}), 1)
		s.killRange(KindType, lo, hi)
		return
	}
	s.killRange(KindType, int(off), int(off+n))
	for b := int(off); b < int(off+n); b++ {
		c := cell{kind: KindType, off: b, width: 1}
		s.cells[c] = true
		s.dbm.Assign(CellVar(KindType, b, 1), Const(TNum))
	}
}

// Setup builds the entry state: r10 points to the top of the stack, r1 to
// the context, everything else is uninitialized, and the packet ghosts are
// constrained by the context descriptor.
func Setup(info ebpf.ProgramInfo) *State {
	s := NewState()

	s.Assume(GeqConst(RegVar(KindValue, 10), StackSize))
	s.Assign(RegVar(KindOffset, 10), Const(StackSize))
	s.Assign(RegVar(KindType, 10), Const(TStack))

	s.Assume(GeqConst(RegVar(KindValue, 1), 1))
	s.Assume(LeqConst(RegVar(KindValue, 1), PtrMax))
	s.Assign(RegVar(KindOffset, 1), Const(0))
	s.Assign(RegVar(KindType, 1), Const(TCtx))

	for _, i := range []int{0, 2, 3, 4, 5, 6, 7, 8, 9} {
		s.Assign(RegVar(KindType, i), Const(TUninit))
	}

	s.Assume(GeqConst(VarPacketSize, 0))
	s.Assume(LeqConst(VarPacketSize, MaxPacketOff-1))
	if info.Context.Meta >= 0 {
		s.Assume(LeqConst(VarMetaOffset, 0))
		s.Assume(GeqConst(VarMetaOffset, -4098))
	} else {
		s.Assign(VarMetaOffset, Const(0))
	}

	s.Assign(VarStepCount, Const(0))
	return s
}
