package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors. All of them are fatal: no CFG is built from a program that
// fails to decode.
var (
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrTruncatedWideImm = errors.New("truncated wide immediate")
	ErrJumpOutOfRange   = errors.New("jump target out of range")
	ErrUnknownHelper    = errors.New("unknown helper")
	ErrOddProgramSize   = errors.New("program size is not a multiple of 8")
)

// WordsOf reinterprets raw little-endian bytes as instruction slots.
func WordsOf(raw []byte) ([]Word, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddProgramSize, len(raw))
	}
	words := make([]Word, len(raw)/8)
	for i := range words {
		words[i] = Word(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return words, nil
}

// BytesOf is the inverse of WordsOf.
func BytesOf(words []Word) []byte {
	raw := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(w))
	}
	return raw
}

// Label returns the deterministic label of an instruction at pc.
func Label(pc int) string { return fmt.Sprintf("L%d", pc) }

// Decode parses instruction slots into the typed representation. relocs maps
// the pc of a wide-immediate load to the index of the map it references.
//
// Unknown opcodes decode to Undefined and are kept in the stream; structural
// problems (truncated wide immediates, jumps out of range, register indices
// above r10) fail the whole decode.
func Decode(words []Word, relocs map[int]int) ([]Labeled, error) {
	var out []Labeled
	starts := make(map[int]bool)

	for pc := 0; pc < len(words); pc++ {
		w := words[pc]
		starts[pc] = true

		if w.Dst() > 10 || w.Src() > 10 {
			return nil, fmt.Errorf("%w: register out of range at pc %d (dst=%d src=%d)",
				ErrInvalidOpcode, pc, w.Dst(), w.Src())
		}

		ins, skip, err := decodeOne(words, pc, relocs)
		if err != nil {
			return nil, err
		}
		out = append(out, Labeled{Pc: pc, Inst: ins})
		pc += skip
	}

	// Jump targets must land on decoded instruction starts.
	for _, l := range out {
		jmp, ok := l.Inst.(Jmp)
		if !ok {
			continue
		}
		var target int
		if _, err := fmt.Sscanf(jmp.Target, "L%d", &target); err != nil {
			return nil, fmt.Errorf("%w: bad label %q", ErrJumpOutOfRange, jmp.Target)
		}
		if target < 0 || target >= len(words) || !starts[target] {
			return nil, fmt.Errorf("%w: pc %d -> %d", ErrJumpOutOfRange, l.Pc, target)
		}
	}
	return out, nil
}

// decodeOne decodes the slot at pc and reports how many extra slots it
// consumed.
func decodeOne(words []Word, pc int, relocs map[int]int) (Instruction, int, error) {
	w := words[pc]
	op := w.Op()
	dst := Reg(w.Dst())
	src := Reg(w.Src())

	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		return decodeAlu(w), 0, nil

	case ClassLd:
		switch op & 0xe0 {
		case ModeImm:
			if op != OpLddw {
				return Undefined{Opcode: op}, 0, nil
			}
			if pc+1 >= len(words) {
				return nil, 0, fmt.Errorf("%w: lddw at pc %d", ErrTruncatedWideImm, pc)
			}
			hi := words[pc+1]
			if idx, ok := relocs[pc]; ok {
				return LoadMapFd{Dst: dst, Fd: idx}, 1, nil
			}
			if src == PseudoMapFd {
				return LoadMapFd{Dst: dst, Fd: int(w.Imm())}, 1, nil
			}
			imm := int64(uint64(w.Uimm()) | uint64(hi.Uimm())<<32)
			return Bin{Op: BinMov, Dst: dst, V: Imm(imm), Is64: true, Lddw: true}, 1, nil
		case ModeAbs:
			return Packet{Width: accessWidth(op), Offset: int(w.Imm())}, 0, nil
		case ModeInd:
			r := src
			return Packet{Width: accessWidth(op), Offset: int(w.Imm()), RegOffset: &r}, 0, nil
		default:
			return Undefined{Opcode: op}, 0, nil
		}

	case ClassLdx:
		if op&0xe0 != ModeMem {
			return Undefined{Opcode: op}, 0, nil
		}
		return Mem{
			Access: Deref{Base: src, Offset: int(w.Off()), Width: accessWidth(op)},
			Value:  dst,
			IsLoad: true,
		}, 0, nil

	case ClassSt:
		if op&0xe0 != ModeMem {
			return Undefined{Opcode: op}, 0, nil
		}
		return Mem{
			Access: Deref{Base: dst, Offset: int(w.Off()), Width: accessWidth(op)},
			Value:  Imm(int64(w.Imm())),
			IsLoad: false,
		}, 0, nil

	case ClassStx:
		switch op & 0xe0 {
		case ModeMem:
			return Mem{
				Access: Deref{Base: dst, Offset: int(w.Off()), Width: accessWidth(op)},
				Value:  src,
				IsLoad: false,
			}, 0, nil
		case ModeXadd:
			return LockAdd{
				Access: Deref{Base: dst, Offset: int(w.Off()), Width: accessWidth(op)},
				ValReg: src,
			}, 0, nil
		default:
			return Undefined{Opcode: op}, 0, nil
		}

	case ClassJmp:
		switch op & 0xf0 {
		case JmpCall:
			call, err := newCall(w.Imm())
			if err != nil {
				return nil, 0, fmt.Errorf("pc %d: %w", pc, err)
			}
			return call, 0, nil
		case JmpExit:
			return Exit{}, 0, nil
		case JmpJa:
			return Jmp{Target: Label(pc + 1 + int(w.Off()))}, 0, nil
		default:
			condOp, ok := jumpCondOp(op)
			if !ok {
				return Undefined{Opcode: op}, 0, nil
			}
			cond := Condition{Op: condOp, Left: dst}
			if op&SrcX != 0 {
				cond.Right = src
			} else {
				cond.Right = Imm(int64(w.Imm()))
			}
			return Jmp{Cond: &cond, Target: Label(pc + 1 + int(w.Off()))}, 0, nil
		}

	default: // ClassJmp32 and anything else
		return Undefined{Opcode: op}, 0, nil
	}
}

func decodeAlu(w Word) Instruction {
	op := w.Op()
	dst := Reg(w.Dst())
	is64 := op&0x07 == ClassAlu64

	switch op & 0xf0 {
	case AluNeg:
		return Un{Op: UnNeg, Dst: dst}
	case AluEnd:
		var unop UnOp
		big := op&SrcX != 0
		switch w.Imm() {
		case 16:
			unop = UnLE16
			if big {
				unop = UnBE16
			}
		case 32:
			unop = UnLE32
			if big {
				unop = UnBE32
			}
		case 64:
			unop = UnLE64
			if big {
				unop = UnBE64
			}
		default:
			return Undefined{Opcode: op}
		}
		return Un{Op: unop, Dst: dst}
	}

	binop, ok := aluBinOp(op)
	if !ok {
		return Undefined{Opcode: op}
	}
	var v Value
	if op&SrcX != 0 {
		v = Reg(w.Src())
	} else {
		v = Imm(int64(w.Imm()))
	}
	return Bin{Op: binop, Dst: dst, V: v, Is64: is64}
}

func aluBinOp(op uint8) (BinOp, bool) {
	switch op & 0xf0 {
	case AluAdd:
		return BinAdd, true
	case AluSub:
		return BinSub, true
	case AluMul:
		return BinMul, true
	case AluDiv:
		return BinDiv, true
	case AluOr:
		return BinOr, true
	case AluAnd:
		return BinAnd, true
	case AluLsh:
		return BinLsh, true
	case AluRsh:
		return BinRsh, true
	case AluMod:
		return BinMod, true
	case AluXor:
		return BinXor, true
	case AluMov:
		return BinMov, true
	case AluArsh:
		return BinArsh, true
	}
	return 0, false
}

func jumpCondOp(op uint8) (CondOp, bool) {
	switch op & 0xf0 {
	case JmpJeq:
		return CondEQ, true
	case JmpJne:
		return CondNE, true
	case JmpJset:
		return CondSET, true
	case JmpJgt:
		return CondGT, true
	case JmpJge:
		return CondGE, true
	case JmpJlt:
		return CondLT, true
	case JmpJle:
		return CondLE, true
	case JmpJsgt:
		return CondSGT, true
	case JmpJsge:
		return CondSGE, true
	case JmpJslt:
		return CondSLT, true
	case JmpJsle:
		return CondSLE, true
	}
	return 0, false
}

func accessWidth(op uint8) int {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}
