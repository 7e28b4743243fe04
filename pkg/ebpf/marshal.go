package ebpf

import (
	"errors"
	"fmt"
)

// ErrNotEncodable is returned when an instruction has no binary encoding
// (synthetic statements, or conditions that only arise from negation).
var ErrNotEncodable = errors.New("instruction is not encodable")

// Marshal re-encodes decoded instructions into instruction slots. For a
// program that decodes successfully, Marshal(Decode(words)) == words except
// for three cases: a 32-bit negate re-encodes with the 64-bit opcode, an
// Undefined instruction keeps only its opcode byte (other fields are zero),
// and a LoadMapFd re-encodes as a pseudo map-fd load of its descriptor index
// with a zero second slot.
func Marshal(prog []Labeled) ([]Word, error) {
	var out []Word
	for _, l := range prog {
		words, err := marshalOne(l.Inst, l.Pc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", l.Pc, err)
		}
		out = append(out, words...)
	}
	return out, nil
}

func marshalOne(ins Instruction, pc int) ([]Word, error) {
	switch ins := ins.(type) {
	case Bin:
		return marshalBin(ins)

	case Un:
		switch ins.Op {
		case UnNeg:
			return []Word{NewWord(OpNeg64, uint8(ins.Dst), 0, 0, 0)}, nil
		case UnLE16:
			return []Word{NewWord(OpLE, uint8(ins.Dst), 0, 0, 16)}, nil
		case UnLE32:
			return []Word{NewWord(OpLE, uint8(ins.Dst), 0, 0, 32)}, nil
		case UnLE64:
			return []Word{NewWord(OpLE, uint8(ins.Dst), 0, 0, 64)}, nil
		case UnBE16:
			return []Word{NewWord(OpBE, uint8(ins.Dst), 0, 0, 16)}, nil
		case UnBE32:
			return []Word{NewWord(OpBE, uint8(ins.Dst), 0, 0, 32)}, nil
		default:
			return []Word{NewWord(OpBE, uint8(ins.Dst), 0, 0, 64)}, nil
		}

	case Mem:
		size := sizeBits(ins.Access.Width)
		off := int16(ins.Access.Offset)
		if ins.IsLoad {
			op := uint8(ClassLdx | ModeMem | size)
			return []Word{NewWord(op, uint8(ins.Value.(Reg)), uint8(ins.Access.Base), off, 0)}, nil
		}
		switch v := ins.Value.(type) {
		case Reg:
			op := uint8(ClassStx | ModeMem | size)
			return []Word{NewWord(op, uint8(ins.Access.Base), uint8(v), off, 0)}, nil
		case Imm:
			op := uint8(ClassSt | ModeMem | size)
			return []Word{NewWord(op, uint8(ins.Access.Base), 0, off, int32(v))}, nil
		}
		return nil, ErrNotEncodable

	case LockAdd:
		op := uint8(ClassStx | ModeXadd | sizeBits(ins.Access.Width))
		return []Word{NewWord(op, uint8(ins.Access.Base), uint8(ins.ValReg), int16(ins.Access.Offset), 0)}, nil

	case Packet:
		mode, src := uint8(ModeAbs), uint8(0)
		if ins.RegOffset != nil {
			mode, src = ModeInd, uint8(*ins.RegOffset)
		}
		op := uint8(ClassLd) | mode | sizeBits(ins.Width)
		return []Word{NewWord(op, 0, src, 0, int32(ins.Offset))}, nil

	case LoadMapFd:
		return []Word{
			NewWord(OpLddw, uint8(ins.Dst), PseudoMapFd, 0, int32(ins.Fd)),
			0,
		}, nil

	case Call:
		return []Word{NewWord(OpCall, 0, 0, 0, ins.Func)}, nil

	case Exit:
		return []Word{NewWord(OpExit, 0, 0, 0, 0)}, nil

	case Jmp:
		var target int
		if _, err := fmt.Sscanf(ins.Target, "L%d", &target); err != nil {
			return nil, fmt.Errorf("%w: label %q", ErrNotEncodable, ins.Target)
		}
		off := int16(target - pc - 1)
		if ins.Cond == nil {
			return []Word{NewWord(OpJa, 0, 0, off, 0)}, nil
		}
		bits, ok := condOpBits(ins.Cond.Op)
		if !ok {
			return nil, fmt.Errorf("%w: condition %v", ErrNotEncodable, ins.Cond.Op)
		}
		op := uint8(ClassJmp) | bits
		switch v := ins.Cond.Right.(type) {
		case Reg:
			return []Word{NewWord(op|SrcX, uint8(ins.Cond.Left), uint8(v), off, 0)}, nil
		case Imm:
			return []Word{NewWord(op, uint8(ins.Cond.Left), 0, off, int32(v))}, nil
		}
		return nil, ErrNotEncodable

	case Undefined:
		return []Word{NewWord(ins.Opcode, 0, 0, 0, 0)}, nil

	default: // Assume, Assert
		return nil, ErrNotEncodable
	}
}

func marshalBin(ins Bin) ([]Word, error) {
	if ins.Lddw {
		imm, ok := ins.V.(Imm)
		if !ok {
			return nil, ErrNotEncodable
		}
		lo := int32(uint32(uint64(imm)))
		hi := int32(uint32(uint64(imm) >> 32))
		return []Word{
			NewWord(OpLddw, uint8(ins.Dst), 0, 0, lo),
			NewWord(0, 0, 0, 0, hi),
		}, nil
	}

	var class uint8 = ClassAlu
	if ins.Is64 {
		class = ClassAlu64
	}
	bits, ok := binOpBits(ins.Op)
	if !ok {
		return nil, ErrNotEncodable
	}
	switch v := ins.V.(type) {
	case Reg:
		return []Word{NewWord(class|SrcX|bits, uint8(ins.Dst), uint8(v), 0, 0)}, nil
	case Imm:
		return []Word{NewWord(class|SrcK|bits, uint8(ins.Dst), 0, 0, int32(v))}, nil
	}
	return nil, ErrNotEncodable
}

func binOpBits(op BinOp) (uint8, bool) {
	switch op {
	case BinAdd:
		return AluAdd, true
	case BinSub:
		return AluSub, true
	case BinMul:
		return AluMul, true
	case BinDiv:
		return AluDiv, true
	case BinMod:
		return AluMod, true
	case BinOr:
		return AluOr, true
	case BinAnd:
		return AluAnd, true
	case BinLsh:
		return AluLsh, true
	case BinRsh:
		return AluRsh, true
	case BinArsh:
		return AluArsh, true
	case BinXor:
		return AluXor, true
	case BinMov:
		return AluMov, true
	}
	return 0, false
}

func condOpBits(op CondOp) (uint8, bool) {
	switch op {
	case CondEQ:
		return JmpJeq, true
	case CondNE:
		return JmpJne, true
	case CondSET:
		return JmpJset, true
	case CondGT:
		return JmpJgt, true
	case CondGE:
		return JmpJge, true
	case CondLT:
		return JmpJlt, true
	case CondLE:
		return JmpJle, true
	case CondSGT:
		return JmpJsgt, true
	case CondSGE:
		return JmpJsge, true
	case CondSLT:
		return JmpJslt, true
	case CondSLE:
		return JmpJsle, true
	}
	return 0, false
}

func sizeBits(width int) uint8 {
	switch width {
	case 1:
		return SizeB
	case 2:
		return SizeH
	case 4:
		return SizeW
	default:
		return SizeDW
	}
}
