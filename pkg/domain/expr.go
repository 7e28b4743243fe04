package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Region type tags, encoded as integers so that type groups become interval
// constraints in the numerical domain. The order is deliberate:
// t >= TNum iff initialized, t >= TCtx iff pointer, t > TShared iff pointer
// to shared memory of known size (the tag is the region size).
const (
	TUninit = -6
	TMap    = -5
	TNum    = -4
	TCtx    = -3
	TStack  = -2
	TPacket = -1
	TShared = 0
)

// Stack and pointer geometry.
const (
	StackSize    = 512
	MaxPacketOff = 0xffff
	PtrMax       = int64(1<<31-1) - MaxPacketOff
)

// Kind selects one of the three coordinates tracked per register and per
// stack byte.
type Kind uint8

const (
	KindType Kind = iota
	KindValue
	KindOffset
)

var kindNames = [3]string{"t", "v", "off"}

// Variable identifies one scalar coordinate of the abstract state. The
// numbering is fixed so that states built independently agree on identity.
type Variable int32

const (
	varRegBase = 0 // 11 registers x 3 kinds

	VarPacketSize   Variable = 33
	VarMetaOffset   Variable = 34
	VarMapKeySize   Variable = 35
	VarMapValueSize Variable = 36
	VarStepCount    Variable = 37

	varCellBase = Variable(64)
)

// RegVar returns the variable of one coordinate of register i.
func RegVar(kind Kind, i int) Variable { return Variable(i*3) + Variable(kind) }

// CellVar returns the variable of the stack cell of the given kind covering
// [off, off+width).
func CellVar(kind Kind, off, width int) Variable {
	return varCellBase + Variable((int(kind)*StackSize+off)*16+width)
}

func (v Variable) String() string {
	switch {
	case v < 33:
		return fmt.Sprintf("r%d.%s", int(v)/3, kindNames[int(v)%3])
	case v == VarPacketSize:
		return "packet_size"
	case v == VarMetaOffset:
		return "meta_offset"
	case v == VarMapKeySize:
		return "map_key_size"
	case v == VarMapValueSize:
		return "map_value_size"
	case v == VarStepCount:
		return "steps"
	default:
		c := int(v - varCellBase)
		width := c % 16
		off := (c / 16) % StackSize
		kind := c / 16 / StackSize
		return fmt.Sprintf("stack.%s[%d:%d]", kindNames[kind], off, off+width)
	}
}

// Term is one coefficient * variable product.
type Term struct {
	Var  Variable
	Coef int64
}

// Expr is a linear expression over variables plus a constant.
type Expr struct {
	Terms []Term
	Const int64
}

// Const returns a constant expression.
func Const(k int64) Expr { return Expr{Const: k} }

// Var returns the expression consisting of one variable.
func Var(v Variable) Expr { return Expr{Terms: []Term{{Var: v, Coef: 1}}} }

// Plus adds a constant.
func (e Expr) Plus(k int64) Expr {
	e2 := e.clone()
	e2.Const = sadd(e2.Const, k)
	return e2
}

// PlusVar adds a variable.
func (e Expr) PlusVar(v Variable) Expr { return e.PlusTerm(v, 1) }

// MinusVar subtracts a variable.
func (e Expr) MinusVar(v Variable) Expr { return e.PlusTerm(v, -1) }

// PlusExpr adds another expression.
func (e Expr) PlusExpr(o Expr) Expr {
	r := e.clone()
	for _, t := range o.Terms {
		r = r.PlusTerm(t.Var, t.Coef)
	}
	r.Const = sadd(r.Const, o.Const)
	return r
}

// Neg negates the expression.
func (e Expr) Neg() Expr {
	r := Expr{Const: -e.Const}
	for _, t := range e.Terms {
		r.Terms = append(r.Terms, Term{Var: t.Var, Coef: -t.Coef})
	}
	return r
}

// PlusTerm adds coef*v, merging with an existing term.
func (e Expr) PlusTerm(v Variable, coef int64) Expr {
	r := e.clone()
	for i, t := range r.Terms {
		if t.Var == v {
			r.Terms[i].Coef += coef
			if r.Terms[i].Coef == 0 {
				r.Terms = append(r.Terms[:i], r.Terms[i+1:]...)
			}
			return r
		}
	}
	if coef != 0 {
		r.Terms = append(r.Terms, Term{Var: v, Coef: coef})
	}
	return r
}

func (e Expr) clone() Expr {
	return Expr{Terms: append([]Term(nil), e.Terms...), Const: e.Const}
}

func (e Expr) String() string {
	var parts []string
	terms := append([]Term(nil), e.Terms...)
	sort.Slice(terms, func(i, j int) bool { return terms[i].Var < terms[j].Var })
	for _, t := range terms {
		switch t.Coef {
		case 1:
			parts = append(parts, t.Var.String())
		case -1:
			parts = append(parts, "-"+t.Var.String())
		default:
			parts = append(parts, fmt.Sprintf("%d*%v", t.Coef, t.Var))
		}
	}
	if e.Const != 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d", e.Const))
	}
	return strings.Join(parts, " + ")
}

// ConstraintOp is the relation a constraint imposes on its expression.
type ConstraintOp uint8

const (
	OpLeqZero ConstraintOp = iota // e <= 0
	OpEqZero                      // e == 0
	OpNeqZero                     // e != 0
)

// Constraint is a linear constraint e op 0.
type Constraint struct {
	E  Expr
	Op ConstraintOp
}

func (c Constraint) String() string {
	switch c.Op {
	case OpEqZero:
		return c.E.String() + " == 0"
	case OpNeqZero:
		return c.E.String() + " != 0"
	default:
		return c.E.String() + " <= 0"
	}
}

// IsContradiction reports whether the constraint is unsatisfiable on its
// own (a constant that violates the relation).
func (c Constraint) IsContradiction() bool {
	if len(c.E.Terms) != 0 {
		return false
	}
	switch c.Op {
	case OpEqZero:
		return c.E.Const != 0
	case OpNeqZero:
		return c.E.Const == 0
	default:
		return c.E.Const > 0
	}
}

// Convenience constructors used throughout the transfer functions.

// LeqConst is v <= k.
func LeqConst(v Variable, k int64) Constraint {
	return Constraint{E: Var(v).Plus(-k), Op: OpLeqZero}
}

// GeqConst is v >= k.
func GeqConst(v Variable, k int64) Constraint {
	return Constraint{E: Var(v).Neg().Plus(k), Op: OpLeqZero}
}

// EqConst is v == k.
func EqConst(v Variable, k int64) Constraint {
	return Constraint{E: Var(v).Plus(-k), Op: OpEqZero}
}

// NeqConst is v != k.
func NeqConst(v Variable, k int64) Constraint {
	return Constraint{E: Var(v).Plus(-k), Op: OpNeqZero}
}

// EqVars is a == b.
func EqVars(a, b Variable) Constraint {
	return Constraint{E: Var(a).MinusVar(b), Op: OpEqZero}
}

// NeqVars is a != b.
func NeqVars(a, b Variable) Constraint {
	return Constraint{E: Var(a).MinusVar(b), Op: OpNeqZero}
}

// LeqVars is a <= b.
func LeqVars(a, b Variable) Constraint {
	return Constraint{E: Var(a).MinusVar(b), Op: OpLeqZero}
}

// LeqExpr is a <= b over expressions.
func LeqExpr(a, b Expr) Constraint {
	return Constraint{E: a.PlusExpr(b.Neg()), Op: OpLeqZero}
}

// EqExpr is a == b over expressions.
func EqExpr(a, b Expr) Constraint {
	return Constraint{E: a.PlusExpr(b.Neg()), Op: OpEqZero}
}
