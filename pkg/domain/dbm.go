package domain

import (
	"fmt"
	"sort"
	"strings"
)

// DBM is a difference-bound domain over the verifier's variables: a sparse
// graph of constraints x - y <= k, with unary bounds attached to a
// designated zero vertex. Bounds and relations are kept in one graph; the
// graph is re-closed after constraint additions so that projections and
// entailment tests read shortest paths directly.
type DBM struct {
	bottom bool
	vmap   map[Variable]int
	rev    []Variable      // vertex -> variable; rev[0] is the zero vertex
	w      []map[int]int64 // w[i][j] = k encodes x_i - x_j <= k
	closed bool
}

// NewDBM returns the top element.
func NewDBM() *DBM {
	return &DBM{
		vmap:   make(map[Variable]int),
		rev:    []Variable{-1},
		w:      []map[int]int64{{}},
		closed: true,
	}
}

// BottomDBM returns the bottom element.
func BottomDBM() *DBM {
	d := NewDBM()
	d.bottom = true
	return d
}

// Copy returns a deep copy.
func (d *DBM) Copy() *DBM {
	c := &DBM{
		bottom: d.bottom,
		vmap:   make(map[Variable]int, len(d.vmap)),
		rev:    append([]Variable(nil), d.rev...),
		w:      make([]map[int]int64, len(d.w)),
		closed: d.closed,
	}
	for v, i := range d.vmap {
		c.vmap[v] = i
	}
	for i, row := range d.w {
		c.w[i] = make(map[int]int64, len(row))
		for j, k := range row {
			c.w[i][j] = k
		}
	}
	return c
}

// IsBottom reports whether the state is unreachable.
func (d *DBM) IsBottom() bool { return d.bottom }

// IsTop reports whether the state carries no constraints.
func (d *DBM) IsTop() bool {
	if d.bottom {
		return false
	}
	for _, row := range d.w {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

// SetBottom collapses the state.
func (d *DBM) SetBottom() {
	d.bottom = true
	d.vmap = make(map[Variable]int)
	d.rev = d.rev[:1]
	d.w = d.w[:1]
	d.w[0] = map[int]int64{}
	d.closed = true
}

func (d *DBM) vert(v Variable) int {
	if i, ok := d.vmap[v]; ok {
		return i
	}
	i := len(d.rev)
	d.vmap[v] = i
	d.rev = append(d.rev, v)
	d.w = append(d.w, map[int]int64{})
	return i
}

func (d *DBM) edge(i, j int) (int64, bool) {
	k, ok := d.w[i][j]
	return k, ok
}

func (d *DBM) addEdge(i, j int, k int64) {
	if i == j {
		if k < 0 {
			d.bottom = true
		}
		return
	}
	if k >= weightInf {
		return
	}
	if old, ok := d.w[i][j]; !ok || k < old {
		d.w[i][j] = k
		d.closed = false
	}
}

// Normalize re-closes the constraint graph (all-pairs shortest paths) and
// detects emptiness. All queries assume a normalized state.
func (d *DBM) Normalize() {
	if d.bottom || d.closed {
		return
	}
	n := len(d.rev)
	const inf = int64(1) << 62
	dist := make([][]int64, n)
	for i := range dist {
		dist[i] = make([]int64, n)
		for j := range dist[i] {
			if i == j {
				dist[i][j] = 0
			} else if k, ok := d.w[i][j]; ok {
				dist[i][j] = k
			} else {
				dist[i][j] = inf
			}
		}
	}
	for m := 0; m < n; m++ {
		for i := 0; i < n; i++ {
			dim := dist[i][m]
			if dim >= inf {
				continue
			}
			for j := 0; j < n; j++ {
				if dist[m][j] >= inf {
					continue
				}
				if s := sadd(dim, dist[m][j]); s < dist[i][j] {
					dist[i][j] = s
				}
			}
		}
	}
	for i := 0; i < n; i++ {
		if dist[i][i] < 0 {
			d.SetBottom()
			return
		}
	}
	for i := 0; i < n; i++ {
		row := make(map[int]int64)
		for j := 0; j < n; j++ {
			if i != j && dist[i][j] < weightInf {
				row[j] = dist[i][j]
			}
		}
		d.w[i] = row
	}
	d.closed = true
}

// Forget removes every constraint on v. On a closed graph the deletion
// preserves closure: every path through v is already summarized by a direct
// edge.
func (d *DBM) Forget(v Variable) {
	if d.bottom {
		return
	}
	d.Normalize()
	i, ok := d.vmap[v]
	if !ok {
		return
	}
	d.w[i] = map[int]int64{}
	for j := range d.w {
		delete(d.w[j], i)
	}
}

// Interval projects a variable to its bounds.
func (d *DBM) Interval(v Variable) Interval {
	if d.bottom {
		return Bottom()
	}
	d.Normalize()
	i, ok := d.vmap[v]
	if !ok {
		return Top()
	}
	res := Top()
	if k, ok := d.edge(i, 0); ok {
		res.Hi = Finite(k)
	}
	if k, ok := d.edge(0, i); ok {
		res.Lo = Finite(-k)
	}
	return res
}

// SetInterval forgets v and re-binds it to the given bounds.
func (d *DBM) SetInterval(v Variable, i Interval) {
	if d.bottom {
		return
	}
	if i.IsBottom() {
		d.SetBottom()
		return
	}
	d.Forget(v)
	vi := d.vert(v)
	if i.Hi.IsFinite() {
		d.addEdge(vi, 0, i.Hi.Num())
	}
	if i.Lo.IsFinite() {
		d.addEdge(0, vi, -i.Lo.Num())
	}
	d.Normalize()
}

// Eval evaluates a linear expression to an interval, using relational
// information for unit-coefficient variable pairs.
func (d *DBM) Eval(e Expr) Interval {
	if d.bottom {
		return Bottom()
	}
	d.Normalize()

	// Exact difference: a - b (+k) reads the closed edges directly.
	if len(e.Terms) == 2 {
		var pos, neg Variable
		havePos, haveNeg := false, false
		for _, t := range e.Terms {
			switch t.Coef {
			case 1:
				pos, havePos = t.Var, true
			case -1:
				neg, haveNeg = t.Var, true
			}
		}
		if havePos && haveNeg {
			i, iok := d.vmap[pos]
			j, jok := d.vmap[neg]
			res := Top()
			if iok && jok {
				if k, ok := d.edge(i, j); ok {
					res.Hi = Finite(k)
				}
				if k, ok := d.edge(j, i); ok {
					res.Lo = Finite(-k)
				}
			}
			// Fall back to the difference of the projections if the edge
			// is missing.
			fallback := d.Interval(pos).Sub(d.Interval(neg))
			return res.Meet(fallback).Add(Point(e.Const))
		}
	}

	res := Point(e.Const)
	for _, t := range e.Terms {
		res = res.Add(d.Interval(t.Var).Mul(Point(t.Coef)))
	}
	return res
}

// residual evaluates e minus its idx-th term.
func (d *DBM) residual(e Expr, idx int) Interval {
	res := Point(e.Const)
	for i, t := range e.Terms {
		if i == idx {
			continue
		}
		res = res.Add(d.Interval(t.Var).Mul(Point(t.Coef)))
	}
	return res
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) == (b < 0)) {
		q++
	}
	return q
}

// addLeqZero adds e <= 0.
func (d *DBM) addLeqZero(e Expr) {
	if d.bottom {
		return
	}
	switch len(e.Terms) {
	case 0:
		if e.Const > 0 {
			d.SetBottom()
		}
		return

	case 1:
		t := e.Terms[0]
		vi := d.vert(t.Var)
		switch {
		case t.Coef == 1: // v <= -Const
			d.addEdge(vi, 0, -e.Const)
		case t.Coef == -1: // v >= Const
			d.addEdge(0, vi, -e.Const)
		case t.Coef > 0: // v <= floor(-Const / coef)
			d.addEdge(vi, 0, floorDiv(-e.Const, t.Coef))
		default: // v >= ceil(-Const / coef)
			d.addEdge(0, vi, -ceilDiv(-e.Const, t.Coef))
		}

	case 2:
		a, b := e.Terms[0], e.Terms[1]
		if a.Coef == -1 && b.Coef == 1 {
			a, b = b, a
		}
		if a.Coef == 1 && b.Coef == -1 {
			// a - b <= -Const
			d.addEdge(d.vert(a.Var), d.vert(b.Var), -e.Const)
			break
		}
		d.addLeqResiduals(e)

	default:
		d.addLeqResiduals(e)
	}
	d.Normalize()
}

// addLeqResiduals approximates a general e <= 0 by bounding each variable
// with the interval of the rest of the expression.
func (d *DBM) addLeqResiduals(e Expr) {
	d.Normalize()
	for idx, t := range e.Terms {
		rest := d.residual(e, idx)
		if !rest.Lo.IsFinite() {
			continue
		}
		// coef*v <= -lb(rest)
		hi := -rest.Lo.Num()
		vi := d.vert(t.Var)
		if t.Coef > 0 {
			d.addEdge(vi, 0, floorDiv(hi, t.Coef))
		} else {
			d.addEdge(0, vi, -ceilDiv(hi, t.Coef))
		}
	}
}

// addNeqZero refines bounds with a disequation where a variable's residual
// pins it to a single excluded value.
func (d *DBM) addNeqZero(e Expr) {
	if d.bottom {
		return
	}
	d.Normalize()
	if len(e.Terms) == 0 {
		if e.Const == 0 {
			d.SetBottom()
		}
		return
	}
	for idx, t := range e.Terms {
		rest := d.residual(e, idx)
		n, ok := rest.Singleton()
		if !ok || n%t.Coef != 0 {
			continue
		}
		// t.Coef*v + n != 0, so v != -n/coef.
		excluded := -n / t.Coef
		iv := d.Interval(t.Var)
		if lo, ok := iv.Lo.Num(), iv.Lo.IsFinite(); ok && lo == excluded {
			d.addEdge(0, d.vert(t.Var), -(excluded + 1))
		}
		if hi, ok := iv.Hi.Num(), iv.Hi.IsFinite(); ok && hi == excluded {
			d.addEdge(d.vert(t.Var), 0, excluded-1)
		}
		if v, ok := iv.Singleton(); ok && v == excluded {
			d.SetBottom()
			return
		}
	}
	d.Normalize()
}

// AddConstraint conjoins a linear constraint.
func (d *DBM) AddConstraint(c Constraint) {
	if d.bottom {
		return
	}
	switch c.Op {
	case OpLeqZero:
		d.addLeqZero(c.E)
	case OpEqZero:
		d.addLeqZero(c.E)
		if !d.bottom {
			d.addLeqZero(c.E.Neg())
		}
	case OpNeqZero:
		d.addNeqZero(c.E)
	}
}

// Assign sets x := e, relationally where e is a unit-coefficient form.
func (d *DBM) Assign(x Variable, e Expr) {
	if d.bottom {
		return
	}
	d.Normalize()

	// x := x + k is a shift of every edge incident to x.
	if len(e.Terms) == 1 && e.Terms[0].Var == x && e.Terms[0].Coef == 1 {
		k := e.Const
		i, ok := d.vmap[x]
		if !ok {
			return
		}
		for j, old := range d.w[i] {
			d.w[i][j] = sadd(old, k)
		}
		for j := range d.w {
			if old, ok := d.w[j][i]; ok {
				d.w[j][i] = sadd(old, -k)
			}
		}
		return
	}

	// x := y + k binds x rigidly to y.
	if len(e.Terms) == 1 && e.Terms[0].Coef == 1 && e.Terms[0].Var != x {
		y := e.Terms[0].Var
		d.Forget(x)
		xi, yi := d.vert(x), d.vert(y)
		d.addEdge(xi, yi, e.Const)
		d.addEdge(yi, xi, -e.Const)
		d.Normalize()
		return
	}

	// General case: bound x by the expression's interval and by residual
	// differences against each unit-coefficient operand.
	val := d.Eval(e)
	type rel struct {
		v  Variable
		hi Interval // interval of e - v
	}
	var rels []rel
	for idx, t := range e.Terms {
		if t.Coef == 1 && t.Var != x {
			rels = append(rels, rel{v: t.Var, hi: d.residual(e, idx)})
		}
	}
	d.Forget(x)
	d.SetInterval(x, val)
	xi := d.vert(x)
	for _, r := range rels {
		yi := d.vert(r.v)
		if r.hi.Hi.IsFinite() {
			d.addEdge(xi, yi, r.hi.Hi.Num())
		}
		if r.hi.Lo.IsFinite() {
			d.addEdge(yi, xi, -r.hi.Lo.Num())
		}
	}
	d.Normalize()
}

// Leq is the partial order: d <= o iff every constraint of o holds in d.
func (d *DBM) Leq(o *DBM) bool {
	if d.bottom {
		return true
	}
	if o.bottom {
		return false
	}
	d.Normalize()
	o.Normalize()
	for i, row := range o.w {
		for j, k := range row {
			u, v := o.rev[i], o.rev[j]
			di, ok1 := vertOf(d, i, u)
			dj, ok2 := vertOf(d, j, v)
			if !ok1 || !ok2 {
				return false
			}
			dk, ok := d.edge(di, dj)
			if !ok || dk > k {
				return false
			}
		}
	}
	return true
}

func vertOf(d *DBM, idx int, v Variable) (int, bool) {
	if idx == 0 {
		return 0, true
	}
	i, ok := d.vmap[v]
	return i, ok
}

// Join is the least upper bound: the constraints common to both states.
func (d *DBM) Join(o *DBM) *DBM {
	if d.bottom {
		return o.Copy()
	}
	if o.bottom {
		return d.Copy()
	}
	d.Normalize()
	o.Normalize()
	res := NewDBM()
	for i, row := range d.w {
		for j, k := range row {
			u, v := d.rev[i], d.rev[j]
			oi, ok1 := vertOf(o, i, u)
			oj, ok2 := vertOf(o, j, v)
			if !ok1 || !ok2 {
				continue
			}
			ok2k, ok := o.edge(oi, oj)
			if !ok {
				continue
			}
			ri := 0
			if i != 0 {
				ri = res.vert(u)
			}
			rj := 0
			if j != 0 {
				rj = res.vert(v)
			}
			if ok2k > k {
				k = ok2k
			}
			res.addEdge(ri, rj, k)
		}
	}
	res.closed = true // max of two closed graphs is closed
	return res
}

// Meet conjoins two states.
func (d *DBM) Meet(o *DBM) *DBM {
	if d.bottom || o.bottom {
		return BottomDBM()
	}
	res := d.Copy()
	res.Normalize()
	for i, row := range o.w {
		for j, k := range row {
			u, v := o.rev[i], o.rev[j]
			ri := 0
			if i != 0 {
				ri = res.vert(u)
			}
			rj := 0
			if j != 0 {
				rj = res.vert(v)
			}
			res.addEdge(ri, rj, k)
		}
	}
	res.Normalize()
	return res
}

// Widen keeps the constraints of d that o still satisfies and drops the
// unstable ones, forcing the fixpoint to terminate.
func (d *DBM) Widen(o *DBM) *DBM {
	if d.bottom {
		return o.Copy()
	}
	if o.bottom {
		return d.Copy()
	}
	o.Normalize()
	res := NewDBM()
	for i, row := range d.w {
		for j, k := range row {
			u, v := d.rev[i], d.rev[j]
			oi, ok1 := vertOf(o, i, u)
			oj, ok2 := vertOf(o, j, v)
			if !ok1 || !ok2 {
				continue
			}
			ok2k, ok := o.edge(oi, oj)
			if !ok || ok2k > k {
				continue // unstable edge: drop
			}
			ri := 0
			if i != 0 {
				ri = res.vert(u)
			}
			rj := 0
			if j != 0 {
				rj = res.vert(v)
			}
			res.addEdge(ri, rj, k)
		}
	}
	// Deliberately not re-closed: widening on the closed graph would
	// reintroduce dropped constraints through paths.
	res.closed = true
	return res
}

// Narrow restores constraints dropped by widening, up to o.
func (d *DBM) Narrow(o *DBM) *DBM {
	if d.bottom || o.bottom {
		return BottomDBM()
	}
	d.Normalize()
	o.Normalize()
	res := d.Copy()
	for i, row := range o.w {
		for j, k := range row {
			u, v := o.rev[i], o.rev[j]
			ri := 0
			if i != 0 {
				ri = res.vert(u)
			}
			rj := 0
			if j != 0 {
				rj = res.vert(v)
			}
			if _, ok := res.edge(ri, rj); !ok {
				res.addEdge(ri, rj, k)
			}
		}
	}
	res.Normalize()
	return res
}

// Entails reports whether the constraint holds in every concretization.
func (d *DBM) Entails(c Constraint) bool {
	if d.bottom {
		return true
	}
	switch c.Op {
	case OpLeqZero:
		i := d.Eval(c.E)
		return i.Hi.IsFinite() && i.Hi.Num() <= 0
	case OpEqZero:
		n, ok := d.Eval(c.E).Singleton()
		return ok && n == 0
	default: // OpNeqZero
		i := d.Eval(c.E)
		return !i.Contains(0)
	}
}

// Intersects reports whether the constraint is satisfiable together with
// the state.
func (d *DBM) Intersects(c Constraint) bool {
	if d.bottom {
		return false
	}
	if c.Op == OpNeqZero {
		// Satisfiable unless the expression is exactly zero.
		n, ok := d.Eval(c.E).Singleton()
		return !(ok && n == 0)
	}
	probe := d.Copy()
	probe.AddConstraint(c)
	probe.Normalize()
	return !probe.IsBottom()
}

func (d *DBM) String() string {
	if d.bottom {
		return "_|_"
	}
	d.Normalize()
	var parts []string
	for i, row := range d.w {
		for j, k := range row {
			switch {
			case i == 0:
				parts = append(parts, fmt.Sprintf("%v >= %d", d.rev[j], -k))
			case j == 0:
				parts = append(parts, fmt.Sprintf("%v <= %d", d.rev[i], k))
			default:
				parts = append(parts, fmt.Sprintf("%v - %v <= %d", d.rev[i], d.rev[j], k))
			}
		}
	}
	if len(parts) == 0 {
		return "T"
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
