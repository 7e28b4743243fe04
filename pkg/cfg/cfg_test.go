package cfg

import (
	"testing"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

func mustBuild(t *testing.T, words []ebpf.Word) *CFG {
	t.Helper()
	prog, err := ebpf.Decode(words, nil)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	c, err := Build(prog)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	return c
}

// checkWellFormed asserts the CFG invariants every build must satisfy.
func checkWellFormed(t *testing.T, c *CFG) {
	t.Helper()
	if _, ok := c.Blocks[c.Entry]; !ok {
		t.Fatalf("entry %q has no block", c.Entry)
	}
	for label, b := range c.Blocks {
		for _, s := range b.Succs {
			if _, ok := c.Blocks[s]; !ok {
				t.Errorf("block %s references missing successor %s", label, s)
			}
		}
		if len(b.Insts) > 0 {
			if _, ok := b.Insts[len(b.Insts)-1].(ebpf.Exit); ok && len(b.Succs) != 0 {
				t.Errorf("block %s ends in exit but has successors %v", label, b.Succs)
			}
		}
	}
}

func TestBuildStraightLine(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	checkWellFormed(t, c)
	if len(c.Blocks) != 1 {
		t.Fatalf("straight-line program built %d blocks, want 1", len(c.Blocks))
	}
	if c.Entry != "L0" {
		t.Errorf("entry = %q, want L0", c.Entry)
	}
}

func TestBuildConditionalDualAssumes(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpJeqImm, 1, 0, 1, 0), // if r1 == 0 goto L2
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	checkWellFormed(t, c)

	entry := c.Blocks[c.Entry]
	if len(entry.Succs) != 2 {
		t.Fatalf("conditional block has %d successors, want 2", len(entry.Succs))
	}

	var ops []ebpf.CondOp
	for _, s := range entry.Succs {
		b := c.Blocks[s]
		if len(b.Insts) == 0 {
			t.Fatalf("edge block %s is empty", s)
		}
		a, ok := b.Insts[0].(ebpf.Assume)
		if !ok {
			t.Fatalf("edge block %s starts with %T, want Assume", s, b.Insts[0])
		}
		ops = append(ops, a.Cond.Op)
	}
	if ops[0].Negate() != ops[1] {
		t.Errorf("edge assumes %v and %v are not dual", ops[0], ops[1])
	}
}

func TestBuildUnconditionalCollapses(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpJa, 0, 0, 1, 0), // goto L2
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	checkWellFormed(t, c)
	entry := c.Blocks[c.Entry]
	if len(entry.Succs) != 1 || entry.Succs[0] != "L2" {
		t.Errorf("entry successors = %v, want [L2]", entry.Succs)
	}
	for _, ins := range entry.Insts {
		if _, ok := ins.(ebpf.Jmp); ok {
			t.Errorf("unconditional jump was not collapsed: %v", ins)
		}
	}
}

func TestBuildLoop(t *testing.T) {
	// r1 = 0; L1: r1 += 1; if r1 s< 10 goto L1; exit
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 1, 0, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 1, 0, 0, 1),
		ebpf.NewWord(ebpf.OpJsltImm, 1, 0, -2, 10),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	checkWellFormed(t, c)

	wto := NewWTO(c)
	if len(wto.Order) != len(c.Blocks) {
		t.Fatalf("WTO covers %d labels, want %d", len(wto.Order), len(c.Blocks))
	}
	heads := 0
	for _, l := range wto.Order {
		if wto.IsHead(l) {
			heads++
			if l != "L1" {
				t.Errorf("unexpected loop head %s", l)
			}
		}
	}
	if heads != 1 {
		t.Errorf("found %d loop heads, want 1", heads)
	}
}

func TestWTONoLoop(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpJeqImm, 1, 0, 1, 0),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	wto := NewWTO(c)
	for _, l := range wto.Order {
		if wto.IsHead(l) {
			t.Errorf("acyclic CFG has loop head %s", l)
		}
	}
	if wto.Order[0] != c.Entry {
		t.Errorf("WTO starts at %s, want entry %s", wto.Order[0], c.Entry)
	}
}

func TestExplicateOrdering(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	Explicate(c, ebpf.NewProgramInfo(ebpf.ProgTypeSocketFilter, nil))

	insts := c.Blocks[c.Entry].Insts
	// The exit's r0-is-number assertion must directly precede it.
	var exitIdx = -1
	for i, ins := range insts {
		if _, ok := ins.(ebpf.Exit); ok {
			exitIdx = i
		}
	}
	if exitIdx <= 0 {
		t.Fatalf("exit not found or first in %v", insts)
	}
	a, ok := insts[exitIdx-1].(ebpf.Assert)
	if !ok {
		t.Fatalf("instruction before exit = %T, want Assert", insts[exitIdx-1])
	}
	tc, ok := a.Cst.(ebpf.TypeConstraint)
	if !ok || tc.Reg != 0 || tc.Group != ebpf.GroupNum {
		t.Errorf("exit assertion = %v, want r0 is number", a)
	}
}

func TestExplicatePrivilegedSuppression(t *testing.T) {
	build := func(info ebpf.ProgramInfo) int {
		c := mustBuild(t, []ebpf.Word{
			ebpf.NewWord(ebpf.OpJeqReg, 1, 2, 1, 0),
			ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 1),
			ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
		})
		Explicate(c, info)
		asserts := 0
		for _, b := range c.Blocks {
			for _, ins := range b.Insts {
				if _, ok := ins.(ebpf.Assert); ok {
					asserts++
				}
			}
		}
		return asserts
	}

	unpriv := build(ebpf.NewProgramInfo(ebpf.ProgTypeXdp, nil))
	priv := build(ebpf.NewProgramInfo(ebpf.ProgTypeKprobe, nil))
	if priv >= unpriv {
		t.Errorf("privileged program has %d assertions, want fewer than %d", priv, unpriv)
	}
}

func TestSimplify(t *testing.T) {
	c := mustBuild(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpJa, 0, 0, 0, 0), // goto next
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	before := len(c.Blocks)
	c.Simplify()
	checkWellFormed(t, c)
	if len(c.Blocks) >= before {
		t.Errorf("Simplify() kept %d blocks, want fewer than %d", len(c.Blocks), before)
	}
	if _, ok := c.Blocks[c.Entry]; !ok {
		t.Errorf("entry lost during simplification")
	}
}
