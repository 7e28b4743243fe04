package ebpf

import "fmt"

// Reg is a register index. R0 carries return values, R1-R5 are scratched by
// helper calls, R6-R9 are callee-saved and R10 is the read-only frame pointer.
type Reg uint8

// Well-known registers.
const (
	R0ReturnValue   Reg = 0
	R1Arg           Reg = 1
	R6Ctx           Reg = 6
	R10StackPointer Reg = 10
)

func (r Reg) String() string { return fmt.Sprintf("r%d", uint8(r)) }

// Imm is a 64-bit signed immediate operand.
type Imm int64

// Value is either a Reg or an Imm.
type Value interface {
	isValue()
	String() string
}

func (Reg) isValue() {}
func (Imm) isValue() {}

func (i Imm) String() string { return fmt.Sprintf("%d", int64(i)) }

// BinOp is a two-operand ALU operation.
type BinOp uint8

const (
	BinMov BinOp = iota
	BinAdd
	BinSub
	BinMul
	BinDiv
	BinMod
	BinOr
	BinAnd
	BinLsh
	BinRsh
	BinArsh
	BinXor
)

var binOpNames = map[BinOp]string{
	BinMov: "=", BinAdd: "+=", BinSub: "-=", BinMul: "*=", BinDiv: "/=",
	BinMod: "%=", BinOr: "|=", BinAnd: "&=", BinLsh: "<<=", BinRsh: ">>=",
	BinArsh: ">>>=", BinXor: "^=",
}

// UnOp is a single-operand ALU operation.
type UnOp uint8

const (
	UnNeg UnOp = iota
	UnLE16
	UnLE32
	UnLE64
	UnBE16
	UnBE32
	UnBE64
)

// CondOp is a jump comparison operator.
type CondOp uint8

const (
	CondEQ CondOp = iota
	CondNE
	CondSET
	CondNSET
	CondLT // unsigned
	CondLE // unsigned
	CondGT // unsigned
	CondGE // unsigned
	CondSLT
	CondSLE
	CondSGT
	CondSGE
)

var condOpNames = map[CondOp]string{
	CondEQ: "==", CondNE: "!=", CondSET: "&==", CondNSET: "&!=",
	CondLT: "<", CondLE: "<=", CondGT: ">", CondGE: ">=",
	CondSLT: "s<", CondSLE: "s<=", CondSGT: "s>", CondSGE: "s>=",
}

// Negate returns the dual operator, used for fall-through edges.
func (op CondOp) Negate() CondOp {
	switch op {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondSET:
		return CondNSET
	case CondNSET:
		return CondSET
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	case CondSLT:
		return CondSGE
	case CondSLE:
		return CondSGT
	case CondSGT:
		return CondSLE
	default:
		return CondSLT
	}
}

// Unsigned reports whether the comparison treats operands as unsigned.
func (op CondOp) Unsigned() bool {
	switch op {
	case CondLT, CondLE, CondGT, CondGE:
		return true
	}
	return false
}

// Condition is a comparison between a register and a value.
type Condition struct {
	Op    CondOp
	Left  Reg
	Right Value
}

func (c Condition) String() string {
	return fmt.Sprintf("%v %s %v", c.Left, condOpNames[c.Op], c.Right)
}

// Deref describes one memory access: width bytes at basereg+offset.
type Deref struct {
	Base   Reg
	Offset int
	Width  int
}

// Instruction is the typed representation of one eBPF statement, including
// the synthetic Assume and Assert statements inserted during CFG
// construction and assertion explication.
type Instruction interface {
	isInstruction()
	String() string
}

// Bin is dst op= rhs. Lddw marks an instruction assembled from a wide
// immediate pair; it round-trips back into two slots.
type Bin struct {
	Op   BinOp
	Dst  Reg
	V    Value
	Is64 bool
	Lddw bool
}

// Un is an in-place unary operation on dst.
type Un struct {
	Op  UnOp
	Dst Reg
}

// Mem is a load or store through Access. For loads Value is the target
// register; for stores it is the stored register or immediate.
type Mem struct {
	Access Deref
	Value  Value
	IsLoad bool
}

// LockAdd is an atomic add of ValReg into Access.
type LockAdd struct {
	Access Deref
	ValReg Reg
}

// Packet is a legacy absolute or indirect packet load (implicitly uses r6).
type Packet struct {
	Width     int
	Offset    int
	RegOffset *Reg
}

// LoadMapFd materializes a handle to map Fd (an index into the program's map
// descriptors) in Dst.
type LoadMapFd struct {
	Dst Reg
	Fd  int
}

// Call invokes helper Func. Singles and Pairs describe the argument
// registers according to the helper prototype.
type Call struct {
	Func       int32
	Name       string
	Singles    []ArgSingle
	Pairs      []ArgPair
	ReturnsMap bool
}

// Exit returns from the program.
type Exit struct{}

// Jmp transfers control to Target, conditionally if Cond is non-nil.
type Jmp struct {
	Cond   *Condition
	Target string
}

// Assume restricts the state on a CFG edge; it never fails.
type Assume struct {
	Cond Condition
}

// Assert is an explicated safety pre-condition checked by the verifier.
type Assert struct {
	Cst AssertionKind
}

// Undefined is an unknown opcode. It is kept in the stream so that every
// input produces an answer.
type Undefined struct {
	Opcode uint8
}

func (Bin) isInstruction()       {}
func (Un) isInstruction()        {}
func (Mem) isInstruction()       {}
func (LockAdd) isInstruction()   {}
func (Packet) isInstruction()    {}
func (LoadMapFd) isInstruction() {}
func (Call) isInstruction()      {}
func (Exit) isInstruction()      {}
func (Jmp) isInstruction()       {}
func (Assume) isInstruction()    {}
func (Assert) isInstruction()    {}
func (Undefined) isInstruction() {}

func (b Bin) String() string {
	s := fmt.Sprintf("%v %s %v", b.Dst, binOpNames[b.Op], b.V)
	if !b.Is64 {
		s += " (32)"
	}
	return s
}

func (u Un) String() string {
	switch u.Op {
	case UnNeg:
		return fmt.Sprintf("%v = -%v", u.Dst, u.Dst)
	case UnLE16:
		return fmt.Sprintf("%v = le16 %v", u.Dst, u.Dst)
	case UnLE32:
		return fmt.Sprintf("%v = le32 %v", u.Dst, u.Dst)
	case UnLE64:
		return fmt.Sprintf("%v = le64 %v", u.Dst, u.Dst)
	case UnBE16:
		return fmt.Sprintf("%v = be16 %v", u.Dst, u.Dst)
	case UnBE32:
		return fmt.Sprintf("%v = be32 %v", u.Dst, u.Dst)
	default:
		return fmt.Sprintf("%v = be64 %v", u.Dst, u.Dst)
	}
}

func (m Mem) String() string {
	cell := fmt.Sprintf("*(u%d *)(%v %+d)", m.Access.Width*8, m.Access.Base, m.Access.Offset)
	if m.IsLoad {
		return fmt.Sprintf("%v = %s", m.Value, cell)
	}
	return fmt.Sprintf("%s = %v", cell, m.Value)
}

func (l LockAdd) String() string {
	return fmt.Sprintf("lock *(u%d *)(%v %+d) += %v", l.Access.Width*8, l.Access.Base, l.Access.Offset, l.ValReg)
}

func (p Packet) String() string {
	if p.RegOffset != nil {
		return fmt.Sprintf("r0 = *(u%d *)skb[%v %+d]", p.Width*8, *p.RegOffset, p.Offset)
	}
	return fmt.Sprintf("r0 = *(u%d *)skb[%d]", p.Width*8, p.Offset)
}

func (l LoadMapFd) String() string { return fmt.Sprintf("%v = map_fd %d", l.Dst, l.Fd) }

func (c Call) String() string {
	if c.Name != "" {
		return fmt.Sprintf("call %s#%d", c.Name, c.Func)
	}
	return fmt.Sprintf("call %d", c.Func)
}

func (Exit) String() string { return "exit" }

func (j Jmp) String() string {
	if j.Cond == nil {
		return fmt.Sprintf("goto %s", j.Target)
	}
	return fmt.Sprintf("if %v goto %s", *j.Cond, j.Target)
}

func (a Assume) String() string { return fmt.Sprintf("assume %v", a.Cond) }

func (a Assert) String() string { return fmt.Sprintf("assert %v", a.Cst) }

func (u Undefined) String() string { return fmt.Sprintf("undefined opcode 0x%02x", u.Opcode) }

// Labeled pairs an instruction with the PC it was decoded at.
type Labeled struct {
	Pc   int
	Inst Instruction
}
