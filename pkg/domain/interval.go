// Package domain implements the abstract domain of the verifier: a split
// difference-bound matrix over the registers' (type, value, offset) triples,
// lifted with byte-granular array expansion for the stack.
package domain

import "fmt"

// weightInf is the internal saturation threshold for difference-bound
// weights. Any weight at or beyond it is treated as "no constraint".
const weightInf = int64(1) << 61

// sadd adds two finite weights, saturating at the representable range.
func sadd(a, b int64) int64 {
	s := a + b
	if a > 0 && b > 0 && (s < 0 || s >= weightInf) {
		return weightInf
	}
	if a < 0 && b < 0 && (s > 0 || s <= -weightInf) {
		return -weightInf
	}
	if s >= weightInf {
		return weightInf
	}
	if s <= -weightInf {
		return -weightInf
	}
	return s
}

// smul multiplies two finite weights, saturating at the representable range.
func smul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	p := a * b
	if a != 0 && (p/a != b || p >= weightInf || p <= -weightInf) {
		if (a > 0) == (b > 0) {
			return weightInf
		}
		return -weightInf
	}
	return p
}

// Bound is an integer extended with infinities.
type Bound struct {
	inf int8 // -1: -oo, 0: finite, +1: +oo
	n   int64
}

// The two infinite bounds.
var (
	MinusInf = Bound{inf: -1}
	PlusInf  = Bound{inf: 1}
)

// Finite wraps an integer as a bound.
func Finite(n int64) Bound { return Bound{n: n} }

// IsFinite reports whether the bound is an integer.
func (b Bound) IsFinite() bool { return b.inf == 0 }

// Num returns the integer value of a finite bound.
func (b Bound) Num() int64 { return b.n }

// Cmp compares two bounds.
func (b Bound) Cmp(o Bound) int {
	if b.inf != o.inf {
		if b.inf < o.inf {
			return -1
		}
		return 1
	}
	if b.inf != 0 {
		return 0
	}
	switch {
	case b.n < o.n:
		return -1
	case b.n > o.n:
		return 1
	}
	return 0
}

// Add adds two bounds. Adding opposite infinities is not meaningful and
// yields the left operand's infinity.
func (b Bound) Add(o Bound) Bound {
	if b.inf != 0 {
		return b
	}
	if o.inf != 0 {
		return o
	}
	s := sadd(b.n, o.n)
	if s >= weightInf {
		return PlusInf
	}
	if s <= -weightInf {
		return MinusInf
	}
	return Finite(s)
}

// Neg negates a bound.
func (b Bound) Neg() Bound {
	if b.inf != 0 {
		return Bound{inf: -b.inf}
	}
	return Finite(-b.n)
}

// Mul multiplies two bounds.
func (b Bound) Mul(o Bound) Bound {
	if b.inf == 0 && b.n == 0 || o.inf == 0 && o.n == 0 {
		return Finite(0)
	}
	neg := false
	if b.inf < 0 || b.inf == 0 && b.n < 0 {
		neg = !neg
	}
	if o.inf < 0 || o.inf == 0 && o.n < 0 {
		neg = !neg
	}
	if b.inf != 0 || o.inf != 0 {
		if neg {
			return MinusInf
		}
		return PlusInf
	}
	p := smul(b.n, o.n)
	if p >= weightInf {
		return PlusInf
	}
	if p <= -weightInf {
		return MinusInf
	}
	return Finite(p)
}

func (b Bound) String() string {
	switch b.inf {
	case -1:
		return "-oo"
	case 1:
		return "+oo"
	}
	return fmt.Sprintf("%d", b.n)
}

func minBound(a, b Bound) Bound {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func maxBound(a, b Bound) Bound {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Interval is a pair of bounds. It is bottom when Lo > Hi.
type Interval struct {
	Lo, Hi Bound
}

// Top returns the unconstrained interval.
func Top() Interval { return Interval{Lo: MinusInf, Hi: PlusInf} }

// Bottom returns the empty interval.
func Bottom() Interval { return Interval{Lo: PlusInf, Hi: MinusInf} }

// Point returns the singleton interval {n}.
func Point(n int64) Interval { return Interval{Lo: Finite(n), Hi: Finite(n)} }

// Range returns the interval [lo, hi].
func Range(lo, hi int64) Interval { return Interval{Lo: Finite(lo), Hi: Finite(hi)} }

// IsBottom reports whether the interval is empty.
func (i Interval) IsBottom() bool { return i.Lo.Cmp(i.Hi) > 0 }

// Singleton returns the unique element, if there is one.
func (i Interval) Singleton() (int64, bool) {
	if i.Lo.IsFinite() && i.Hi.IsFinite() && i.Lo.n == i.Hi.n {
		return i.Lo.n, true
	}
	return 0, false
}

// Contains reports whether n is in the interval.
func (i Interval) Contains(n int64) bool {
	return i.Lo.Cmp(Finite(n)) <= 0 && Finite(n).Cmp(i.Hi) <= 0
}

// Add adds intervals.
func (i Interval) Add(o Interval) Interval {
	if i.IsBottom() || o.IsBottom() {
		return Bottom()
	}
	return Interval{Lo: i.Lo.Add(o.Lo), Hi: i.Hi.Add(o.Hi)}
}

// Neg negates an interval.
func (i Interval) Neg() Interval {
	if i.IsBottom() {
		return Bottom()
	}
	return Interval{Lo: i.Hi.Neg(), Hi: i.Lo.Neg()}
}

// Sub subtracts intervals.
func (i Interval) Sub(o Interval) Interval { return i.Add(o.Neg()) }

// Mul multiplies intervals.
func (i Interval) Mul(o Interval) Interval {
	if i.IsBottom() || o.IsBottom() {
		return Bottom()
	}
	a, b := i.Lo.Mul(o.Lo), i.Lo.Mul(o.Hi)
	c, d := i.Hi.Mul(o.Lo), i.Hi.Mul(o.Hi)
	return Interval{
		Lo: minBound(minBound(a, b), minBound(c, d)),
		Hi: maxBound(maxBound(a, b), maxBound(c, d)),
	}
}

// Join is the interval union.
func (i Interval) Join(o Interval) Interval {
	if i.IsBottom() {
		return o
	}
	if o.IsBottom() {
		return i
	}
	return Interval{Lo: minBound(i.Lo, o.Lo), Hi: maxBound(i.Hi, o.Hi)}
}

// Meet is the interval intersection.
func (i Interval) Meet(o Interval) Interval {
	return Interval{Lo: maxBound(i.Lo, o.Lo), Hi: minBound(i.Hi, o.Hi)}
}

// Mul2 scales the interval by a power of two, for shift transfer.
func (i Interval) Mul2(k int64) Interval {
	if k < 0 || k > 62 {
		return Top()
	}
	return i.Mul(Point(int64(1) << uint(k)))
}

func (i Interval) String() string {
	if i.IsBottom() {
		return "_|_"
	}
	return fmt.Sprintf("[%v, %v]", i.Lo, i.Hi)
}
