package domain

import "testing"

const (
	x = Variable(1000)
	y = Variable(1001)
	z = Variable(1002)
)

func TestIntervalArith(t *testing.T) {
	a := Range(1, 5)
	b := Range(-2, 3)

	if got := a.Add(b); got.Lo.Num() != -1 || got.Hi.Num() != 8 {
		t.Errorf("[1,5] + [-2,3] = %v, want [-1, 8]", got)
	}
	if got := a.Sub(b); got.Lo.Num() != -2 || got.Hi.Num() != 7 {
		t.Errorf("[1,5] - [-2,3] = %v, want [-2, 7]", got)
	}
	if got := a.Mul(b); got.Lo.Num() != -10 || got.Hi.Num() != 15 {
		t.Errorf("[1,5] * [-2,3] = %v, want [-10, 15]", got)
	}
	if got := a.Join(b); got.Lo.Num() != -2 || got.Hi.Num() != 5 {
		t.Errorf("[1,5] | [-2,3] = %v, want [-2, 5]", got)
	}
	if got := a.Meet(b); got.Lo.Num() != 1 || got.Hi.Num() != 3 {
		t.Errorf("[1,5] & [-2,3] = %v, want [1, 3]", got)
	}
	if !Range(3, 2).IsBottom() {
		t.Error("[3,2] should be bottom")
	}
	if n, ok := Point(7).Singleton(); !ok || n != 7 {
		t.Errorf("Point(7).Singleton() = %d, %v", n, ok)
	}
}

func TestDBMBounds(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 3))
	d.AddConstraint(LeqConst(x, 10))

	iv := d.Interval(x)
	if iv.Lo.Num() != 3 || iv.Hi.Num() != 10 {
		t.Errorf("x = %v, want [3, 10]", iv)
	}

	d.AddConstraint(GeqConst(x, 11))
	d.Normalize()
	if !d.IsBottom() {
		t.Error("contradictory bounds should reach bottom")
	}
}

func TestDBMDifference(t *testing.T) {
	d := NewDBM()
	// y = x + 4, x in [0, 5]
	d.AddConstraint(GeqConst(x, 0))
	d.AddConstraint(LeqConst(x, 5))
	d.Assign(y, Var(x).Plus(4))

	if iv := d.Interval(y); iv.Lo.Num() != 4 || iv.Hi.Num() != 9 {
		t.Errorf("y = %v, want [4, 9]", iv)
	}
	if diff := d.Eval(Var(y).MinusVar(x)); diff.Lo.Num() != 4 || diff.Hi.Num() != 4 {
		t.Errorf("y - x = %v, want [4, 4]", diff)
	}

	// Tightening x must tighten y through the relation.
	d.AddConstraint(LeqConst(x, 2))
	if iv := d.Interval(y); iv.Hi.Num() != 6 {
		t.Errorf("after x <= 2, y = %v, want upper bound 6", iv)
	}
}

func TestDBMAssignShift(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 0))
	d.AddConstraint(LeqConst(x, 5))
	d.Assign(x, Var(x).Plus(10))
	if iv := d.Interval(x); iv.Lo.Num() != 10 || iv.Hi.Num() != 15 {
		t.Errorf("x after += 10 = %v, want [10, 15]", iv)
	}
}

func TestDBMAssignSum(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 1))
	d.AddConstraint(LeqConst(x, 2))
	d.AddConstraint(GeqConst(y, 10))
	d.AddConstraint(LeqConst(y, 20))
	d.Assign(z, Var(x).PlusVar(y))

	if iv := d.Interval(z); iv.Lo.Num() != 11 || iv.Hi.Num() != 22 {
		t.Errorf("z = x + y = %v, want [11, 22]", iv)
	}
	// The relation z - y in [1, 2] must survive.
	if diff := d.Eval(Var(z).MinusVar(y)); diff.Lo.Num() != 1 || diff.Hi.Num() != 2 {
		t.Errorf("z - y = %v, want [1, 2]", diff)
	}
}

func TestDBMJoin(t *testing.T) {
	a := NewDBM()
	a.AddConstraint(GeqConst(x, 0))
	a.AddConstraint(LeqConst(x, 5))

	b := NewDBM()
	b.AddConstraint(GeqConst(x, 3))
	b.AddConstraint(LeqConst(x, 10))

	j := a.Join(b)
	if iv := j.Interval(x); iv.Lo.Num() != 0 || iv.Hi.Num() != 10 {
		t.Errorf("join x = %v, want [0, 10]", iv)
	}

	if !a.Leq(j) || !b.Leq(j) {
		t.Error("join is not an upper bound")
	}

	bot := BottomDBM()
	if j2 := a.Join(bot); !a.Leq(j2) || !j2.Leq(a) {
		t.Error("join with bottom should be identity")
	}
}

func TestDBMMeet(t *testing.T) {
	a := NewDBM()
	a.AddConstraint(LeqConst(x, 5))
	b := NewDBM()
	b.AddConstraint(GeqConst(x, 3))

	m := a.Meet(b)
	if iv := m.Interval(x); iv.Lo.Num() != 3 || iv.Hi.Num() != 5 {
		t.Errorf("meet x = %v, want [3, 5]", iv)
	}

	c := NewDBM()
	c.AddConstraint(GeqConst(x, 6))
	if !a.Meet(c).IsBottom() {
		t.Error("meet of disjoint states should be bottom")
	}
}

func TestDBMWidenNarrow(t *testing.T) {
	a := NewDBM()
	a.AddConstraint(GeqConst(x, 0))
	a.AddConstraint(LeqConst(x, 1))

	b := NewDBM()
	b.AddConstraint(GeqConst(x, 0))
	b.AddConstraint(LeqConst(x, 2))

	w := a.Widen(b)
	iv := w.Interval(x)
	if iv.Lo.Num() != 0 {
		t.Errorf("widening lost the stable lower bound: %v", iv)
	}
	if iv.Hi.IsFinite() {
		t.Errorf("widening kept the unstable upper bound: %v", iv)
	}
	if !b.Leq(w) {
		t.Error("widening is not an upper bound of the new state")
	}

	n := w.Narrow(b)
	if iv := n.Interval(x); !iv.Hi.IsFinite() || iv.Hi.Num() != 2 {
		t.Errorf("narrowing did not restore the bound: %v", iv)
	}
}

func TestDBMEntailsIntersects(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 5))
	d.AddConstraint(LeqConst(x, 7))

	if !d.Entails(GeqConst(x, 0)) {
		t.Error("x in [5,7] should entail x >= 0")
	}
	if d.Entails(GeqConst(x, 6)) {
		t.Error("x in [5,7] should not entail x >= 6")
	}
	if !d.Intersects(GeqConst(x, 6)) {
		t.Error("x in [5,7] should intersect x >= 6")
	}
	if d.Intersects(GeqConst(x, 8)) {
		t.Error("x in [5,7] should not intersect x >= 8")
	}
	if !d.Entails(NeqConst(x, 4)) {
		t.Error("x in [5,7] should entail x != 4")
	}
}

func TestDBMDisequation(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 0))
	d.AddConstraint(LeqConst(x, 3))
	d.AddConstraint(NeqConst(x, 0))
	if iv := d.Interval(x); iv.Lo.Num() != 1 {
		t.Errorf("x != 0 on [0,3] = %v, want lower bound 1", iv)
	}

	e := NewDBM()
	e.AddConstraint(EqConst(x, 2))
	e.AddConstraint(NeqConst(x, 2))
	e.Normalize()
	if !e.IsBottom() {
		t.Error("x == 2 and x != 2 should be bottom")
	}
}

func TestDBMForget(t *testing.T) {
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 0))
	d.AddConstraint(LeqConst(x, 5))
	d.Assign(y, Var(x).Plus(1))
	d.Forget(x)

	if iv := d.Interval(x); iv.Lo.IsFinite() || iv.Hi.IsFinite() {
		t.Errorf("forgotten x = %v, want top", iv)
	}
	// y keeps its derived bounds.
	if iv := d.Interval(y); iv.Lo.Num() != 1 || iv.Hi.Num() != 6 {
		t.Errorf("y after forgetting x = %v, want [1, 6]", iv)
	}
}

// TestTypeGroupsAreIntervals checks the deliberate property of the type
// encoding: every group is contiguous in the tag order. mem_or_num is not
// listed: it excludes ctx from the middle of its range.
func TestTypeGroupsAreIntervals(t *testing.T) {
	tags := []int64{TUninit, TMap, TNum, TCtx, TStack, TPacket, 1, 2}
	groups := map[string]func(int64) bool{
		"num":             func(v int64) bool { return v == TNum },
		"map_fd":          func(v int64) bool { return v == TMap },
		"ctx":             func(v int64) bool { return v == TCtx },
		"packet":          func(v int64) bool { return v == TPacket },
		"stack":           func(v int64) bool { return v == TStack },
		"shared":          func(v int64) bool { return v > TShared },
		"non_map_fd":      func(v int64) bool { return v >= TNum },
		"mem":             func(v int64) bool { return v >= TStack },
		"ptr":             func(v int64) bool { return v >= TCtx },
		"ptr_or_num":      func(v int64) bool { return v >= TNum },
		"stack_or_packet": func(v int64) bool { return v >= TStack && v <= TPacket },
	}
	for name, member := range groups {
		first, last := -1, -1
		for i, tag := range tags {
			if member(tag) {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		if first < 0 {
			t.Errorf("group %s is empty", name)
			continue
		}
		for i := first; i <= last; i++ {
			if !member(tags[i]) {
				t.Errorf("group %s is not an interval: gap at tag %d", name, tags[i])
			}
		}
	}
}

func TestStateStackCells(t *testing.T) {
	s := NewState()
	s.Assign(x, Const(42))
	s.ArrayStoreExpr(KindValue, Point(504), 8, Var(x))

	s.ArrayLoad(y, KindValue, Point(504), 8)
	if iv := s.Interval(y); iv.Lo.Num() != 42 || iv.Hi.Num() != 42 {
		t.Errorf("loaded cell = %v, want 42", iv)
	}

	// A narrower overlapping write kills the wide cell.
	s.ArrayStoreExpr(KindValue, Point(506), 1, Const(1))
	s.ArrayLoad(z, KindValue, Point(504), 8)
	if iv := s.Interval(z); iv.Lo.IsFinite() || iv.Hi.IsFinite() {
		t.Errorf("load after overlapping write = %v, want top", iv)
	}

	// A non-singleton address havocs rather than stores.
	s2 := NewState()
	s2.ArrayStoreExpr(KindValue, Range(0, 16), 8, Const(9))
	s2.ArrayLoad(y, KindValue, Point(8), 8)
	if iv := s2.Interval(y); iv.Lo.IsFinite() {
		t.Errorf("load after vague store = %v, want top", iv)
	}
}

func TestFixpointIdempotentTransfer(t *testing.T) {
	// On a converged state, re-applying the transfer of a block must not
	// change the result.
	d := NewDBM()
	d.AddConstraint(GeqConst(x, 0))
	d.AddConstraint(LeqConst(x, 10))

	apply := func(in *DBM) *DBM {
		out := in.Copy()
		out.Assign(y, Var(x).Plus(1))
		return out
	}
	once := apply(d)
	twice := apply(d)
	if !once.Leq(twice) || !twice.Leq(once) {
		t.Errorf("transfer is not deterministic: %v vs %v", once, twice)
	}
}
