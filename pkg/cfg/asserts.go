package cfg

import (
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// extractor derives the kernel-mandated pre-conditions of one instruction.
// Privileged program types may leak pointers, so most typing constraints on
// comparisons and scalar arguments are suppressed for them.
type extractor struct {
	info ebpf.ProgramInfo
}

func (e extractor) privileged() bool { return e.info.Type.Privileged() }

func (e extractor) extract(ins ebpf.Instruction) []ebpf.Assert {
	switch ins := ins.(type) {
	case ebpf.Packet:
		// Packet access implicitly uses r6, which must still hold the context.
		return []ebpf.Assert{{Cst: ebpf.TypeConstraint{Reg: ebpf.R6Ctx, Group: ebpf.GroupCtx}}}

	case ebpf.Exit:
		return []ebpf.Assert{{Cst: ebpf.TypeConstraint{Reg: ebpf.R0ReturnValue, Group: ebpf.GroupNum}}}

	case ebpf.Call:
		return e.extractCall(ins)

	case ebpf.Assume:
		return e.explicate(ins.Cond)

	case ebpf.Jmp:
		if ins.Cond == nil {
			return nil
		}
		return e.explicate(*ins.Cond)

	case ebpf.Mem:
		return e.extractMem(ins)

	case ebpf.LockAdd:
		return []ebpf.Assert{
			{Cst: ebpf.TypeConstraint{Reg: ins.Access.Base, Group: ebpf.GroupShared}},
			{Cst: ebpf.ValidAccess{
				Reg:    ins.Access.Base,
				Offset: ins.Access.Offset,
				Width:  ebpf.Imm(ins.Access.Width),
			}},
		}

	case ebpf.Bin:
		return e.extractBin(ins)

	default:
		return nil
	}
}

func (e extractor) extractCall(call ebpf.Call) []ebpf.Assert {
	var res []ebpf.Assert
	var mapFdReg ebpf.Reg
	for _, arg := range call.Singles {
		switch arg.Kind {
		case ebpf.SingleAnything:
			// avoid pointer leakage:
			if !e.privileged() {
				res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Reg, Group: ebpf.GroupNum}})
			}
		case ebpf.SingleMapFd:
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Reg, Group: ebpf.GroupMapFd}})
			mapFdReg = arg.Reg
		case ebpf.SinglePtrToMapKey, ebpf.SinglePtrToMapValue:
			res = append(res,
				ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Reg, Group: ebpf.GroupStackOrPacket}},
				ebpf.Assert{Cst: ebpf.ValidMapKeyValue{
					FdReg:     mapFdReg,
					AccessReg: arg.Reg,
					IsKey:     arg.Kind == ebpf.SinglePtrToMapKey,
				}})
		case ebpf.SinglePtrToCtx:
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Reg, Group: ebpf.GroupCtx}})
		}
	}
	for _, arg := range call.Pairs {
		switch arg.Kind {
		case ebpf.PairPtrToMemOrNull:
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Mem, Group: ebpf.GroupMemOrNum}})
		case ebpf.PairPtrToMem, ebpf.PairPtrToUninitMem:
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Mem, Group: ebpf.GroupMem}})
		}
		res = append(res,
			ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: arg.Size, Group: ebpf.GroupNum}},
			ebpf.Assert{Cst: ebpf.ValidSize{Reg: arg.Size, CanBeZero: arg.CanBeZero}},
			ebpf.Assert{Cst: ebpf.ValidAccess{
				Reg:    arg.Mem,
				Width:  arg.Size,
				OrNull: arg.Kind == ebpf.PairPtrToMemOrNull,
			}})
	}
	return res
}

func (e extractor) explicate(cond ebpf.Condition) []ebpf.Assert {
	if e.privileged() {
		return nil
	}
	res := []ebpf.Assert{{Cst: ebpf.ValidAccess{Reg: cond.Left, Width: ebpf.Imm(0)}}}
	switch rhs := cond.Right.(type) {
	case ebpf.Imm:
		if rhs != 0 {
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: cond.Left, Group: ebpf.GroupNum}})
		}
		// Anything, a map_fd included, can be compared to 0.
	case ebpf.Reg:
		res = append(res, ebpf.Assert{Cst: ebpf.ValidAccess{Reg: rhs, Width: ebpf.Imm(0)}})
		if cond.Op != ebpf.CondEQ && cond.Op != ebpf.CondNE {
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: cond.Left, Group: ebpf.GroupNonMapFd}})
		}
		res = append(res, ebpf.Assert{Cst: ebpf.Comparable{R1: cond.Left, R2: rhs}})
	}
	return res
}

func (e extractor) extractMem(ins ebpf.Mem) []ebpf.Assert {
	var res []ebpf.Assert
	base := ins.Access.Base
	width := ebpf.Imm(ins.Access.Width)
	if base == ebpf.R10StackPointer {
		// Statically a stack access.
		res = append(res, ebpf.Assert{Cst: ebpf.ValidAccess{Reg: base, Offset: ins.Access.Offset, Width: width}})
		return res
	}
	res = append(res,
		ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: base, Group: ebpf.GroupPtr}},
		ebpf.Assert{Cst: ebpf.ValidAccess{Reg: base, Offset: ins.Access.Offset, Width: width}})
	if val, ok := ins.Value.(ebpf.Reg); ok && !ins.IsLoad && !e.privileged() {
		if ins.Access.Width != 8 {
			res = append(res, ebpf.Assert{Cst: ebpf.TypeConstraint{Reg: val, Group: ebpf.GroupNum}})
		} else {
			res = append(res, ebpf.Assert{Cst: ebpf.ValidStore{Mem: base, Val: val}})
		}
	}
	return res
}

func (e extractor) extractBin(ins ebpf.Bin) []ebpf.Assert {
	switch ins.Op {
	case ebpf.BinMov:
		return nil
	case ebpf.BinAdd:
		if v, ok := ins.V.(ebpf.Reg); ok {
			return []ebpf.Assert{
				{Cst: ebpf.Addable{Ptr: v, Num: ins.Dst}},
				{Cst: ebpf.Addable{Ptr: ins.Dst, Num: v}},
			}
		}
		return nil
	case ebpf.BinSub:
		if v, ok := ins.V.(ebpf.Reg); ok {
			// Two map pointers do not subtract: same type does not mean the
			// same map.
			return []ebpf.Assert{
				{Cst: ebpf.TypeConstraint{Reg: ins.Dst, Group: ebpf.GroupPtrOrNum}},
				{Cst: ebpf.Comparable{R1: v, R2: ins.Dst}},
			}
		}
		return nil
	default:
		return []ebpf.Assert{{Cst: ebpf.TypeConstraint{Reg: ins.Dst, Group: ebpf.GroupNum}}}
	}
}

// Explicate rewrites every block so that each instruction is preceded by its
// pre-condition assertions. The verifier treats the program as unsafe unless
// it can prove each of them.
func Explicate(c *CFG, info ebpf.ProgramInfo) {
	e := extractor{info: info}
	for _, b := range c.Blocks {
		var insts []ebpf.Instruction
		for _, ins := range b.Insts {
			for _, a := range e.extract(ins) {
				insts = append(insts, a)
			}
			insts = append(insts, ins)
		}
		b.Insts = insts
	}
}
