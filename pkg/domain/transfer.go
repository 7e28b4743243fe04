package domain

import (
	"fmt"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// Transformer applies the forward abstract semantics of one instruction at
// a time, mutating the state it is given. Require, when set, is called on
// every explicated pre-condition before the constraint is assumed into the
// state; the fixpoint engine leaves it nil, the checker uses it to classify
// warnings.
type Transformer struct {
	Info        ebpf.ProgramInfo
	Termination bool
	Require     func(st *State, c Constraint, msg string)
}

func regT(r ebpf.Reg) Variable { return RegVar(KindType, int(r)) }
func regV(r ebpf.Reg) Variable { return RegVar(KindValue, int(r)) }
func regO(r ebpf.Reg) Variable { return RegVar(KindOffset, int(r)) }

func (t *Transformer) require(st *State, c Constraint, msg string) {
	if t.Require != nil {
		t.Require(st, c, msg)
	}
	// The disputed constraint is assumed regardless, so that the analysis
	// past a warning remains meaningful.
	st.Assume(c)
}

// Block runs a whole instruction sequence. The termination counter ticks
// only on blocks holding real instructions: synthetic assume-edge blocks do
// not advance the program, and counting them would break the counter's
// difference relation with the loop variables.
func (t *Transformer) Block(st *State, insts []ebpf.Instruction) {
	if t.Termination && countsAsStep(insts) {
		st.Assign(VarStepCount, Var(VarStepCount).Plus(1))
	}
	for _, ins := range insts {
		t.Apply(st, ins)
		if st.IsBottom() {
			return
		}
	}
}

func countsAsStep(insts []ebpf.Instruction) bool {
	for _, ins := range insts {
		switch ins.(type) {
		case ebpf.Assume, ebpf.Assert:
		default:
			return true
		}
	}
	return false
}

// Apply runs one instruction.
func (t *Transformer) Apply(st *State, ins ebpf.Instruction) {
	switch ins := ins.(type) {
	case ebpf.Bin:
		t.bin(st, ins)
	case ebpf.Un:
		t.un(st, ins)
	case ebpf.Mem:
		t.mem(st, ins)
	case ebpf.LockAdd:
		// The store keeps the shared cell numeric; assertions carry the
		// checking.
	case ebpf.Packet:
		t.packet(st)
	case ebpf.LoadMapFd:
		st.Assign(regT(ins.Dst), Const(TMap))
		st.Assign(regV(ins.Dst), Const(int64(ins.Fd)))
		st.Havoc(regO(ins.Dst))
	case ebpf.Call:
		t.call(st, ins)
	case ebpf.Assume:
		t.assume(st, ins.Cond)
	case ebpf.Assert:
		t.assertion(st, ins.Cst)
	case ebpf.Exit, ebpf.Jmp, ebpf.Undefined:
		// Exit and Jmp are CFG structure; Undefined is reported by the
		// checker.
	}
}

func (t *Transformer) noPointer(st *State, r ebpf.Reg) {
	st.Assign(regT(r), Const(TNum))
	st.Havoc(regO(r))
}

func (t *Transformer) scratchCallerSaved(st *State) {
	for i := 1; i <= 5; i++ {
		st.Havoc(RegVar(KindValue, i))
		st.Havoc(RegVar(KindOffset, i))
		st.Havoc(RegVar(KindType, i))
	}
}

// overflow havocs a variable whose interval left the safe half of the
// 64-bit range, soundly losing precision on wrap.
func (t *Transformer) overflow(st *State, v Variable) {
	iv := st.Interval(v)
	const max = int64(^uint64(0)>>1) / 2
	if !iv.Lo.IsFinite() || iv.Lo.Num() <= -max || !iv.Hi.IsFinite() || iv.Hi.Num() >= max {
		st.Havoc(v)
	}
}

func (t *Transformer) addVar(st *State, x, y Variable, finite bool) {
	st.Assign(x, Var(x).PlusVar(y))
	if finite {
		t.overflow(st, x)
	}
}

func (t *Transformer) addConst(st *State, x Variable, k int64, finite bool) {
	st.Assign(x, Var(x).Plus(k))
	if finite {
		t.overflow(st, x)
	}
}

func (t *Transformer) subVar(st *State, x, y Variable, finite bool) {
	st.Assign(x, Var(x).MinusVar(y))
	if finite {
		t.overflow(st, x)
	}
}

// intervalOp replaces x with an interval computed from its operands, for
// the non-relational arithmetic.
func (t *Transformer) intervalOp(st *State, x Variable, iv Interval) {
	st.Havoc(x)
	if !iv.IsBottom() {
		st.dbm.SetInterval(x, iv)
	}
	t.overflow(st, x)
}

func (t *Transformer) packet(st *State) {
	st.Assign(regT(0), Const(TNum))
	st.Havoc(regO(0))
	st.Havoc(regV(0))
	t.scratchCallerSaved(st)
}

func (t *Transformer) un(st *State, ins ebpf.Un) {
	switch ins.Op {
	case ebpf.UnNeg:
		t.intervalOp(st, regV(ins.Dst), st.Interval(regV(ins.Dst)).Neg())
		t.noPointer(st, ins.Dst)
	default: // byte swaps lose all value information
		st.Havoc(regV(ins.Dst))
		t.noPointer(st, ins.Dst)
	}
}

func (t *Transformer) bin(st *State, ins ebpf.Bin) {
	dst := ins.Dst
	dv, do := regV(dst), regO(dst)

	switch v := ins.V.(type) {
	case ebpf.Imm:
		imm := int64(v)
		switch ins.Op {
		case ebpf.BinMov:
			st.Assign(dv, Const(imm))
			t.noPointer(st, dst)
		case ebpf.BinAdd:
			if imm == 0 {
				return
			}
			t.addConst(st, dv, imm, true)
			t.addConst(st, do, imm, false)
		case ebpf.BinSub:
			if imm == 0 {
				return
			}
			t.addConst(st, dv, -imm, true)
			t.addConst(st, do, -imm, false)
		case ebpf.BinMul:
			t.intervalOp(st, dv, st.Interval(dv).Mul(Point(imm)))
			t.noPointer(st, dst)
		case ebpf.BinDiv:
			t.intervalOp(st, dv, divInterval(st.Interval(dv), Point(imm)))
			t.noPointer(st, dst)
		case ebpf.BinMod:
			t.intervalOp(st, dv, remInterval(st.Interval(dv), Point(imm)))
			t.noPointer(st, dst)
		case ebpf.BinAnd:
			st.Havoc(dv)
			if int32(imm) > 0 {
				st.Assume(GeqConst(dv, 0))
				st.Assume(LeqConst(dv, imm))
			}
			t.noPointer(st, dst)
		case ebpf.BinLsh:
			t.intervalOp(st, dv, st.Interval(dv).Mul2(imm))
			t.noPointer(st, dst)
		case ebpf.BinRsh, ebpf.BinArsh:
			// Avoid signedness pitfalls: drop the value.
			st.Havoc(dv)
			t.noPointer(st, dst)
		default: // OR, XOR
			st.Havoc(dv)
			t.noPointer(st, dst)
		}

	case ebpf.Reg:
		sv, so, sT := regV(v), regO(v), regT(v)
		switch ins.Op {
		case ebpf.BinMov:
			st.Assign(dv, Var(sv))
			st.Assign(do, Var(so))
			st.Assign(regT(dst), Var(sT))
		case ebpf.BinAdd:
			t.binAddReg(st, dst, v)
		case ebpf.BinSub:
			t.binSubReg(st, dst, v)
		case ebpf.BinMul:
			t.intervalOp(st, dv, st.Interval(dv).Mul(st.Interval(sv)))
			t.noPointer(st, dst)
		case ebpf.BinDiv:
			t.intervalOp(st, dv, divInterval(st.Interval(dv), st.Interval(sv)))
			t.noPointer(st, dst)
		case ebpf.BinMod:
			t.intervalOp(st, dv, remInterval(st.Interval(dv), st.Interval(sv)))
			t.noPointer(st, dst)
		default: // bitwise and shifts by register
			st.Havoc(dv)
			t.noPointer(st, dst)
		}
	}

	if !ins.Is64 {
		// Truncate to 32 bits: precise only when already in range.
		iv := st.Interval(dv)
		if !iv.Lo.IsFinite() || iv.Lo.Num() < 0 ||
			!iv.Hi.IsFinite() || iv.Hi.Num() > int64(^uint32(0)) {
			st.Havoc(dv)
			st.Assume(GeqConst(dv, 0))
			st.Assume(LeqConst(dv, int64(^uint32(0))))
		}
	}
}

// binAddReg joins the three possible worlds of dst += src: pointer on the
// left, pointer on the right, both numeric.
func (t *Transformer) binAddReg(st *State, dst, src ebpf.Reg) {
	dv, do, dT := regV(dst), regO(dst), regT(dst)
	sv, so, sT := regV(src), regO(src), regT(src)

	ptrDst := st.Fork(GeqConst(dT, TCtx))
	t.addVar(ptrDst, dv, sv, true)
	t.addVar(ptrDst, do, sv, false)

	ptrSrc := st.Fork(GeqConst(sT, TCtx))
	ptrSrc.Assign(dv, Var(sv).PlusVar(dv))
	t.overflow(ptrSrc, dv)
	ptrSrc.Assign(do, Var(so).PlusVar(dv))
	ptrSrc.Assign(dT, Var(sT))

	st.Assume(EqConst(dT, TNum))
	st.Assume(EqConst(sT, TNum))
	t.addVar(st, dv, sv, true)

	*st = *st.Join(ptrDst).Join(ptrSrc)
}

// binSubReg joins ptr-num, num-num and ptr-ptr of the same region.
func (t *Transformer) binSubReg(st *State, dst, src ebpf.Reg) {
	dv, do, dT := regV(dst), regO(dst), regT(dst)
	sv, so, sT := regV(src), regO(src), regT(src)

	ptrDst := st.Fork(EqConst(sT, TNum))
	ptrDst.Assume(GeqConst(dT, TCtx))
	t.subVar(ptrDst, dv, sv, true)
	t.subVar(ptrDst, do, sv, false)

	bothNum := st.Fork(EqConst(sT, TNum))
	bothNum.Assume(EqConst(dT, TNum))
	t.subVar(bothNum, dv, sv, true)

	// Pointers of one non-shared region subtract to the offset difference.
	st.Assume(GeqConst(sT, TCtx))
	st.Assume(LeqConst(sT, TShared-1))
	st.Assume(EqVars(sT, dT))
	st.Assign(dv, Var(do).MinusVar(so))
	st.Assign(dT, Const(TNum))
	st.Havoc(do)

	*st = *st.Join(bothNum).Join(ptrDst)
}

func divInterval(a, b Interval) Interval {
	if n, ok := b.Singleton(); ok && n != 0 {
		if la, ok := a.Singleton(); ok {
			return Point(la / n)
		}
		if a.Lo.IsFinite() && a.Hi.IsFinite() && a.Lo.Num() >= 0 && n > 0 {
			return Range(a.Lo.Num()/n, a.Hi.Num()/n)
		}
	}
	return Top()
}

func remInterval(a, b Interval) Interval {
	if n, ok := b.Singleton(); ok && n != 0 {
		if la, ok := a.Singleton(); ok {
			return Point(la % n)
		}
		if n > 0 && a.Lo.IsFinite() && a.Lo.Num() >= 0 {
			return Range(0, n-1)
		}
	}
	return Top()
}

// mem dispatches loads and stores over the regions the base register may
// point into.
func (t *Transformer) mem(st *State, ins ebpf.Mem) {
	if val, ok := ins.Value.(ebpf.Reg); ok {
		if ins.IsLoad {
			t.load(st, ins, val)
		} else {
			vt := regT(val)
			t.store(st, ins, Var(vt), Var(regV(val)), &vt)
		}
		return
	}
	imm := int64(ins.Value.(ebpf.Imm))
	t.store(st, ins, Const(TNum), Const(imm), nil)
}

func (t *Transformer) load(st *State, ins ebpf.Mem, target ebpf.Reg) {
	base := ins.Access.Base
	width := ins.Access.Width
	addr := Var(regO(base)).Plus(int64(ins.Access.Offset))

	if base == ebpf.R10StackPointer {
		t.loadStack(st, target, st.Eval(addr), width)
		return
	}

	if typ, ok := st.Interval(regT(base)).Singleton(); ok {
		switch typ {
		case TCtx:
			t.loadCtx(st, target, addr, width)
		case TStack:
			t.loadStack(st, target, st.Eval(addr), width)
		default:
			t.loadPacketOrShared(st, target)
		}
		return
	}

	ctx := st.Fork(EqConst(regT(base), TCtx))
	t.loadCtx(ctx, target, addr, width)

	other := st.Fork(GeqConst(regT(base), TPacket))
	t.loadPacketOrShared(other, target)

	st.Assume(EqConst(regT(base), TStack))
	t.loadStack(st, target, st.Eval(addr), width)

	*st = *st.Join(ctx).Join(other)
}

// loadCtx gives a packet pointer when the singleton address is one of the
// descriptor's data/end/meta slots, a number otherwise.
func (t *Transformer) loadCtx(st *State, target ebpf.Reg, addr Expr, width int) {
	if st.IsBottom() {
		return
	}
	desc := t.Info.Context
	tv, to, tt := regV(target), regO(target), regT(target)

	st.Havoc(tv)

	if desc.End < 0 {
		st.Havoc(to)
		st.Assign(tt, Const(TNum))
		return
	}

	iv := st.Eval(addr)
	mayTouch := iv.Contains(int64(desc.Data)) || iv.Contains(int64(desc.End)) ||
		(desc.Meta >= 0 && iv.Contains(int64(desc.Meta)))

	a, ok := iv.Singleton()
	if !ok {
		st.Havoc(to)
		if mayTouch {
			st.Havoc(tt)
		} else {
			st.Assign(tt, Const(TNum))
		}
		return
	}

	switch {
	case a == int64(desc.Data):
		st.Assign(to, Const(0))
	case a == int64(desc.End):
		st.Assign(to, Var(VarPacketSize))
	case desc.Meta >= 0 && a == int64(desc.Meta):
		st.Assign(to, Var(VarMetaOffset))
	default:
		st.Havoc(to)
		if mayTouch {
			st.Havoc(tt)
		} else {
			st.Assign(tt, Const(TNum))
		}
		return
	}
	st.Assign(tt, Const(TPacket))
	st.Assume(GeqConst(tv, 4098))
	st.Assume(LeqConst(tv, PtrMax))
}

func (t *Transformer) loadPacketOrShared(st *State, target ebpf.Reg) {
	if st.IsBottom() {
		return
	}
	st.Assign(regT(target), Const(TNum))
	st.Havoc(regO(target))
	st.Havoc(regV(target))
}

func (t *Transformer) loadStack(st *State, target ebpf.Reg, addr Interval, width int) {
	if st.IsBottom() {
		return
	}
	if width == 8 {
		st.ArrayLoad(regT(target), KindType, addr, width)
		st.ArrayLoad(regV(target), KindValue, addr, width)
		st.ArrayLoad(regO(target), KindOffset, addr, width)
		return
	}
	st.ArrayLoad(regT(target), KindType, addr, width)
	st.Havoc(regV(target))
	st.Havoc(regO(target))
}

// store handles the value-typed half of Mem. valReg is nil when an
// immediate is stored.
func (t *Transformer) store(st *State, ins ebpf.Mem, valType Expr, valValue Expr, valReg *Variable) {
	base := ins.Access.Base
	width := ins.Access.Width

	if base == ebpf.R10StackPointer {
		addr := Point(int64(StackSize + ins.Access.Offset))
		t.storeStack(st, width, addr, valType, valValue, valReg)
		return
	}

	addr := Var(regO(base)).Plus(int64(ins.Access.Offset))
	if typ, ok := st.Interval(regT(base)).Singleton(); ok {
		if typ == TStack {
			t.storeStack(st, width, st.Eval(addr), valType, valValue, valReg)
		}
		// Stores through ctx/packet/shared pointers have no tracked
		// effect; the assertions police them.
		return
	}

	notStack := st.Fork(NeqConst(regT(base), TStack))
	st.Assume(EqConst(regT(base), TStack))
	if !st.IsBottom() {
		t.storeStack(st, width, st.Eval(addr), valType, valValue, valReg)
	}
	*st = *st.Join(notStack)
}

// storeStack writes the three parallel arrays. Only full-width stores keep
// value and offset; anything narrower can only be proven numeric.
func (t *Transformer) storeStack(st *State, width int, addr Interval, valType Expr, valValue Expr, valReg *Variable) {
	st.ArrayStoreExpr(KindType, addr, width, valType)
	if width == 8 {
		st.ArrayStoreExpr(KindValue, addr, width, valValue)
		storedType := Top()
		if len(valType.Terms) == 0 {
			storedType = Point(valType.Const)
		} else if len(valType.Terms) == 1 && valType.Terms[0].Coef == 1 {
			storedType = st.Interval(valType.Terms[0].Var)
		}
		n, single := storedType.Singleton()
		if valReg != nil && !(single && n == TNum) {
			// The stored register may be a pointer: keep its offset.
			off := RegVar(KindOffset, int(*valReg)/3)
			st.ArrayStoreExpr(KindOffset, addr, width, Var(off))
		} else {
			st.ArrayHavoc(KindOffset, addr, width)
		}
	} else {
		st.ArrayHavoc(KindValue, addr, width)
		st.ArrayHavoc(KindOffset, addr, width)
	}
}

func (t *Transformer) call(st *State, call ebpf.Call) {
	for _, pair := range call.Pairs {
		if pair.Kind != ebpf.PairPtrToUninitMem {
			continue
		}
		// The helper initializes the pointed-to stack range.
		stack := st.Fork(EqConst(regT(pair.Mem), TStack))
		if !stack.IsBottom() {
			addr := stack.Interval(regO(pair.Mem))
			width := stack.Interval(regV(pair.Size))
			stack.ArrayStoreNumbers(addr, width)
			stack.ArrayHavoc(KindValue, addr.Add(Interval{Lo: Finite(0), Hi: width.Hi}), 1)
			stack.ArrayHavoc(KindOffset, addr.Add(Interval{Lo: Finite(0), Hi: width.Hi}), 1)
		}
		st.Assume(EqConst(regT(pair.Mem), TPacket))
		*st = *st.Join(stack)
	}

	t.scratchCallerSaved(st)
	r0v := regV(0)
	st.Havoc(r0v)
	if call.ReturnsMap {
		// The zero value encodes null, hence the closed lower bound.
		st.Assume(GeqConst(r0v, 0))
		st.Assume(LeqConst(r0v, PtrMax))
		st.Assign(regO(0), Const(0))
		st.Assign(regT(0), Var(VarMapValueSize))
	} else {
		st.Havoc(regO(0))
		st.Assign(regT(0), Const(TNum))
	}
}

// assume translates a branch condition into constraints, joining the
// pointer, number and null-check disjuncts when both operands are
// registers.
func (t *Transformer) assume(st *State, cond ebpf.Condition) {
	dv, do, dT := regV(cond.Left), regO(cond.Left), regT(cond.Left)

	switch rhs := cond.Right.(type) {
	case ebpf.Imm:
		for _, c := range t.condConstsImm(st, cond.Op, dv, int64(rhs)) {
			st.Assume(c)
		}

	case ebpf.Reg:
		sv, so, sT := regV(rhs), regO(rhs), regT(rhs)

		different := st.Fork(NeqVars(dT, sT))
		nullSrc := different.Fork(GeqConst(dT, TCtx))
		nullDst := different.Fork(GeqConst(sT, TCtx))

		st.Assume(Constraint{E: Var(dT).MinusVar(sT), Op: OpEqZero})

		numbers := st.Fork(EqConst(dT, TNum))
		if !cond.Op.Unsigned() || t.bothNonNegative(numbers, dv, sv, cond.Op) {
			for _, c := range t.condConstsReg(numbers, cond.Op, dv, sv) {
				numbers.Assume(c)
			}
		}

		st.Assume(GeqConst(dT, TCtx))
		if c, ok := condOffsets(cond.Op, do, so); ok {
			st.Assume(c)
		}

		*st = *st.Join(numbers).Join(nullSrc).Join(nullDst)
	}
}

// bothNonNegative reports whether an unsigned comparison may soundly be
// modelled by its signed counterpart in this state.
func (t *Transformer) bothNonNegative(st *State, a, b Variable, op ebpf.CondOp) bool {
	nonneg := func(v Variable) bool {
		iv := st.Interval(v)
		return iv.Lo.IsFinite() && iv.Lo.Num() >= 0
	}
	switch op {
	case ebpf.CondLT, ebpf.CondLE:
		return nonneg(b)
	case ebpf.CondGT, ebpf.CondGE:
		return nonneg(a)
	}
	return nonneg(a) && nonneg(b)
}

func (t *Transformer) condConstsImm(st *State, op ebpf.CondOp, v Variable, imm int64) []Constraint {
	switch op {
	case ebpf.CondEQ:
		return []Constraint{EqConst(v, imm)}
	case ebpf.CondNE:
		return []Constraint{NeqConst(v, imm)}
	case ebpf.CondSGE:
		return []Constraint{GeqConst(v, imm)}
	case ebpf.CondSGT:
		return []Constraint{GeqConst(v, imm+1)}
	case ebpf.CondSLE:
		return []Constraint{LeqConst(v, imm)}
	case ebpf.CondSLT:
		return []Constraint{LeqConst(v, imm-1)}
	case ebpf.CondLE:
		// Unsigned: v in [0, imm] whenever imm is a small nonnegative.
		if imm >= 0 {
			return []Constraint{GeqConst(v, 0), LeqConst(v, imm)}
		}
	case ebpf.CondLT:
		if imm == 0 {
			return []Constraint{{E: Const(1), Op: OpLeqZero}} // unsatisfiable
		}
		if imm > 0 {
			return []Constraint{GeqConst(v, 0), LeqConst(v, imm-1)}
		}
	case ebpf.CondGE:
		if imm >= 0 && t.nonNegative(st, v) {
			return []Constraint{GeqConst(v, imm)}
		}
	case ebpf.CondGT:
		if imm >= 0 && t.nonNegative(st, v) {
			return []Constraint{GeqConst(v, imm+1)}
		}
	}
	return nil
}

func (t *Transformer) nonNegative(st *State, v Variable) bool {
	iv := st.Interval(v)
	return iv.Lo.IsFinite() && iv.Lo.Num() >= 0
}

func (t *Transformer) condConstsReg(st *State, op ebpf.CondOp, a, b Variable) []Constraint {
	switch op {
	case ebpf.CondEQ:
		return []Constraint{EqVars(a, b)}
	case ebpf.CondNE:
		return []Constraint{NeqVars(a, b)}
	case ebpf.CondSGE, ebpf.CondGE:
		return []Constraint{LeqVars(b, a)}
	case ebpf.CondSGT, ebpf.CondGT:
		return []Constraint{{E: Var(b).MinusVar(a).Plus(1), Op: OpLeqZero}}
	case ebpf.CondSLE, ebpf.CondLE:
		return []Constraint{LeqVars(a, b)}
	case ebpf.CondSLT, ebpf.CondLT:
		return []Constraint{{E: Var(a).MinusVar(b).Plus(1), Op: OpLeqZero}}
	}
	return nil
}

// condOffsets is the pointer comparison: offsets are region offsets, so
// signed and unsigned collapse.
func condOffsets(op ebpf.CondOp, do, so Variable) (Constraint, bool) {
	switch op {
	case ebpf.CondEQ:
		return EqVars(do, so), true
	case ebpf.CondNE:
		return NeqVars(do, so), true
	case ebpf.CondGE, ebpf.CondSGE:
		return LeqVars(so, do), true
	case ebpf.CondLE, ebpf.CondSLE:
		return LeqVars(do, so), true
	case ebpf.CondGT, ebpf.CondSGT:
		return Constraint{E: Var(so).MinusVar(do).Plus(1), Op: OpLeqZero}, true
	case ebpf.CondLT, ebpf.CondSLT:
		return Constraint{E: Var(do).MinusVar(so).Plus(1), Op: OpLeqZero}, true
	}
	return Constraint{}, false
}

// assertion evaluates one explicated pre-condition: each constraint is
// classified through the require hook and then assumed.
func (t *Transformer) assertion(st *State, kind ebpf.AssertionKind) {
	switch a := kind.(type) {
	case ebpf.TypeConstraint:
		t.assertTypeConstraint(st, a)
	case ebpf.Comparable:
		t.require(st, EqVars(regT(a.R1), regT(a.R2)), a.String())
	case ebpf.Addable:
		t.assertAddable(st, a)
	case ebpf.ValidSize:
		if a.CanBeZero {
			t.require(st, GeqConst(regV(a.Reg), 0), a.String())
		} else {
			t.require(st, GeqConst(regV(a.Reg), 1), a.String())
		}
	case ebpf.ValidAccess:
		t.assertValidAccess(st, a)
	case ebpf.ValidStore:
		t.assertValidStore(st, a)
	case ebpf.ValidMapKeyValue:
		t.assertValidMapKeyValue(st, a)
	}
}

func (t *Transformer) assertTypeConstraint(st *State, a ebpf.TypeConstraint) {
	tv := regT(a.Reg)
	msg := a.String()
	switch a.Group {
	case ebpf.GroupNum:
		t.require(st, EqConst(tv, TNum), msg)
	case ebpf.GroupMapFd:
		t.require(st, EqConst(tv, TMap), msg)
	case ebpf.GroupCtx:
		t.require(st, EqConst(tv, TCtx), msg)
	case ebpf.GroupPacket:
		t.require(st, EqConst(tv, TPacket), msg)
	case ebpf.GroupStack:
		t.require(st, EqConst(tv, TStack), msg)
	case ebpf.GroupShared:
		t.require(st, GeqConst(tv, TShared+1), msg)
	case ebpf.GroupNonMapFd:
		t.require(st, GeqConst(tv, TNum), msg)
	case ebpf.GroupMem:
		t.require(st, GeqConst(tv, TStack), msg)
	case ebpf.GroupMemOrNum:
		t.require(st, GeqConst(tv, TNum), msg)
		t.require(st, NeqConst(tv, TCtx), msg)
	case ebpf.GroupPtr:
		t.require(st, GeqConst(tv, TCtx), msg)
	case ebpf.GroupPtrOrNum:
		t.require(st, GeqConst(tv, TNum), msg)
	case ebpf.GroupStackOrPacket:
		t.require(st, GeqConst(tv, TStack), msg)
		t.require(st, LeqConst(tv, TPacket), msg)
	}
}

func (t *Transformer) assertAddable(st *State, a ebpf.Addable) {
	isPtr := st.Fork(GeqConst(regT(a.Ptr), TNum+1))
	if !isPtr.IsBottom() {
		t.require(isPtr, EqConst(regT(a.Num), TNum),
			fmt.Sprintf("only numbers can be added to pointers (%v)", a))
	}
	st.Assume(LeqConst(regT(a.Ptr), TNum))
	*st = *st.Join(isPtr)
}

func (t *Transformer) assertValidStore(st *State, a ebpf.ValidStore) {
	nonStack := st.Fork(NeqConst(regT(a.Mem), TStack))
	if !nonStack.IsBottom() {
		t.require(nonStack, EqConst(regT(a.Val), TNum),
			"only numbers can be stored to externally-visible regions")
	}
	st.Assume(EqConst(regT(a.Mem), TStack))
	*st = *st.Join(nonStack)
}

func (t *Transformer) assertValidAccess(st *State, a ebpf.ValidAccess) {
	isComparison := false
	if w, ok := a.Width.(ebpf.Imm); ok && w == 0 {
		isComparison = true
	}

	lb := Var(regO(a.Reg)).Plus(int64(a.Offset))
	var ub Expr
	switch w := a.Width.(type) {
	case ebpf.Imm:
		ub = lb.Plus(int64(w))
	case ebpf.Reg:
		ub = lb.PlusVar(regV(w))
	default:
		ub = lb
	}
	msg := " (" + a.String() + ")"
	tv := regT(a.Reg)

	packet := st.Fork(EqConst(tv, TPacket))
	t.checkAccessPacket(packet, lb, ub, msg, isComparison)

	stack := st.Fork(EqConst(tv, TStack))
	t.checkAccessStack(stack, lb, ub, msg)

	shared := st.Fork(GeqConst(tv, TShared+1))
	t.checkAccessShared(shared, lb, ub, msg, tv)

	ctx := st.Fork(EqConst(tv, TCtx))
	t.checkAccessContext(ctx, lb, ub, msg)

	assumePtr := packet.Join(stack).Join(shared).Join(ctx)

	switch {
	case isComparison:
		*st = *st.Join(assumePtr)
	case a.OrNull:
		st.Assume(EqConst(tv, TNum))
		t.require(st, EqConst(regV(a.Reg), 0), "pointers may be compared only to the number 0")
		*st = *st.Join(assumePtr)
	default:
		t.require(st, GeqConst(tv, TNum+1), "only pointers can be dereferenced")
		*st = *assumePtr
	}
}

func (t *Transformer) checkAccessPacket(st *State, lb, ub Expr, msg string, isComparison bool) {
	if st.IsBottom() {
		return
	}
	t.require(st, LeqExpr(Var(VarMetaOffset), lb), "lower bound must be at least meta_offset"+msg)
	if isComparison {
		t.require(st, LeqExpr(ub, Const(MaxPacketOff)), fmt.Sprintf("upper bound must be at most %d%s", MaxPacketOff, msg))
	} else {
		t.require(st, LeqExpr(ub, Var(VarPacketSize)), "upper bound must be at most packet_size"+msg)
	}
}

func (t *Transformer) checkAccessStack(st *State, lb, ub Expr, msg string) {
	if st.IsBottom() {
		return
	}
	t.require(st, LeqExpr(Const(0), lb), "lower bound must be at least 0"+msg)
	t.require(st, LeqExpr(ub, Const(StackSize)), fmt.Sprintf("upper bound must be at most %d%s", StackSize, msg))
}

func (t *Transformer) checkAccessShared(st *State, lb, ub Expr, msg string, typeVar Variable) {
	if st.IsBottom() {
		return
	}
	t.require(st, LeqExpr(Const(0), lb), "lower bound must be at least 0"+msg)
	t.require(st, LeqExpr(ub, Var(typeVar)), "upper bound must be at most the region size"+msg)
}

func (t *Transformer) checkAccessContext(st *State, lb, ub Expr, msg string) {
	if st.IsBottom() {
		return
	}
	t.require(st, LeqExpr(Const(0), lb), "lower bound must be at least 0"+msg)
	t.require(st, LeqExpr(ub, Const(int64(t.Info.Context.Size))), "upper bound must be at most the context size"+msg)
}

// assertValidMapKeyValue derives the key/value widths from the map the fd
// register designates, then checks the access register like a stack or
// packet buffer of that width.
func (t *Transformer) assertValidMapKeyValue(st *State, a ebpf.ValidMapKeyValue) {
	keyIv, valIv := Top(), Top()
	if fd, ok := st.Interval(regV(a.FdReg)).Singleton(); ok && fd >= 0 && fd < int64(len(t.Info.Maps)) {
		m := t.Info.Maps[fd]
		keyIv = Point(int64(m.KeySize))
		valIv = Point(int64(m.ValueSize))
	} else if len(t.Info.Maps) > 0 {
		keyIv, valIv = Bottom(), Bottom()
		for _, m := range t.Info.Maps {
			keyIv = keyIv.Join(Point(int64(m.KeySize)))
			valIv = valIv.Join(Point(int64(m.ValueSize)))
		}
	}
	st.Havoc(VarMapKeySize)
	st.Havoc(VarMapValueSize)
	st.dbm.SetInterval(VarMapKeySize, keyIv.Meet(Range(1, int64(MaxPacketOff))))
	st.dbm.SetInterval(VarMapValueSize, valIv.Meet(Range(1, int64(MaxPacketOff))))

	width := VarMapValueSize
	if a.IsKey {
		width = VarMapKeySize
	}

	msg := " (" + a.String() + ")"
	tv := regT(a.AccessReg)
	t.require(st, GeqConst(tv, TStack), "only stack or packet can be used as a parameter"+msg)
	t.require(st, LeqConst(tv, TPacket), "only stack or packet can be used as a parameter"+msg)

	lb := Var(regO(a.AccessReg))
	ub := lb.PlusVar(width)

	packet := st.Fork(EqConst(tv, TPacket))
	t.checkAccessPacket(packet, lb, ub, msg, false)

	stack := st.Fork(EqConst(tv, TStack))
	t.checkAccessStack(stack, lb, ub, msg)

	*st = *packet.Join(stack)
}
