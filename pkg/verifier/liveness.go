package verifier

import (
	"github.com/fortiblox/bpf-vet/pkg/cfg"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// regSet is a bitset over the 11 registers.
type regSet uint16

func (s regSet) has(r ebpf.Reg) bool  { return s&(1<<r) != 0 }
func (s *regSet) add(r ebpf.Reg)      { *s |= 1 << r }
func (s *regSet) remove(r ebpf.Reg)   { *s &^= 1 << r }
func (s *regSet) union(o regSet) bool { old := *s; *s |= o; return *s != old }

const allRegs = regSet(1<<11 - 1)

// uses and defs of one instruction, for the dead-variable cleanup between
// blocks.
func usesDefs(ins ebpf.Instruction) (uses, defs regSet) {
	addValue := func(v ebpf.Value) {
		if r, ok := v.(ebpf.Reg); ok {
			uses.add(r)
		}
	}
	switch ins := ins.(type) {
	case ebpf.Bin:
		if ins.Op != ebpf.BinMov {
			uses.add(ins.Dst)
		}
		addValue(ins.V)
		defs.add(ins.Dst)
	case ebpf.Un:
		uses.add(ins.Dst)
		defs.add(ins.Dst)
	case ebpf.Mem:
		uses.add(ins.Access.Base)
		if ins.IsLoad {
			if r, ok := ins.Value.(ebpf.Reg); ok {
				defs.add(r)
			}
		} else {
			addValue(ins.Value)
		}
	case ebpf.LockAdd:
		uses.add(ins.Access.Base)
		uses.add(ins.ValReg)
	case ebpf.Packet:
		uses.add(ebpf.R6Ctx)
		if ins.RegOffset != nil {
			uses.add(*ins.RegOffset)
		}
		for i := ebpf.Reg(0); i <= 5; i++ {
			defs.add(i)
		}
	case ebpf.LoadMapFd:
		defs.add(ins.Dst)
	case ebpf.Call:
		for _, s := range ins.Singles {
			uses.add(s.Reg)
		}
		for _, p := range ins.Pairs {
			uses.add(p.Mem)
			uses.add(p.Size)
		}
		for i := ebpf.Reg(0); i <= 5; i++ {
			defs.add(i)
		}
	case ebpf.Exit:
		uses.add(ebpf.R0ReturnValue)
	case ebpf.Jmp:
		if ins.Cond != nil {
			uses.add(ins.Cond.Left)
			addValue(ins.Cond.Right)
		}
	case ebpf.Assume:
		uses.add(ins.Cond.Left)
		addValue(ins.Cond.Right)
	case ebpf.Assert:
		switch cst := ins.Cst.(type) {
		case ebpf.TypeConstraint:
			uses.add(cst.Reg)
		case ebpf.ValidAccess:
			uses.add(cst.Reg)
			addValue(cst.Width)
		case ebpf.ValidStore:
			uses.add(cst.Mem)
			uses.add(cst.Val)
		case ebpf.ValidSize:
			uses.add(cst.Reg)
		case ebpf.ValidMapKeyValue:
			uses.add(cst.FdReg)
			uses.add(cst.AccessReg)
		case ebpf.Comparable:
			uses.add(cst.R1)
			uses.add(cst.R2)
		case ebpf.Addable:
			uses.add(cst.Ptr)
			uses.add(cst.Num)
		}
	}
	return uses, defs
}

// liveness computes the registers live on entry to each block, backward to
// a fixpoint. The frame pointer is always considered live.
func liveness(c *cfg.CFG) map[string]regSet {
	liveIn := make(map[string]regSet, len(c.Blocks))

	transfer := func(b *cfg.Block, out regSet) regSet {
		live := out
		for i := len(b.Insts) - 1; i >= 0; i-- {
			uses, defs := usesDefs(b.Insts[i])
			for r := ebpf.Reg(0); r <= 10; r++ {
				if defs.has(r) {
					live.remove(r)
				}
			}
			live |= uses
		}
		live.add(ebpf.R10StackPointer)
		return live
	}

	labels := c.Labels()
	changed := true
	for changed {
		changed = false
		for i := len(labels) - 1; i >= 0; i-- {
			b := c.Blocks[labels[i]]
			var out regSet
			for _, s := range b.Succs {
				out |= liveIn[s]
			}
			in := transfer(b, out)
			cur := liveIn[b.Label]
			if cur.union(in) {
				liveIn[b.Label] = cur
				changed = true
			}
		}
	}
	return liveIn
}

// liveOut returns the registers live after a block.
func liveOut(c *cfg.CFG, liveIn map[string]regSet, label string) regSet {
	var out regSet
	for _, s := range c.Blocks[label].Succs {
		out |= liveIn[s]
	}
	out.add(ebpf.R10StackPointer)
	return out
}
