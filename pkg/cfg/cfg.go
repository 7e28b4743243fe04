// Package cfg builds the control-flow graph the verifier analyzes: basic
// blocks split at jump targets, with conditional branches reified as pairs
// of assume edges, and safety pre-conditions explicated in front of every
// instruction.
package cfg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// CFG errors.
var (
	ErrEmptyProgram  = errors.New("empty program")
	ErrMissingTarget = errors.New("jump to a label that does not exist")
)

// Block is one basic block: a label, an instruction sequence and an ordered
// successor list.
type Block struct {
	Label string
	Insts []ebpf.Instruction
	Succs []string
}

// CFG maps labels to blocks. There is exactly one entry block.
type CFG struct {
	Entry  string
	Blocks map[string]*Block

	preds map[string][]string
}

// Get returns the block with the given label.
func (c *CFG) Get(label string) *Block { return c.Blocks[label] }

// Labels returns all labels in deterministic order: entry first, the rest
// sorted lexicographically.
func (c *CFG) Labels() []string {
	labels := make([]string, 0, len(c.Blocks))
	for l := range c.Blocks {
		if l != c.Entry {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return append([]string{c.Entry}, labels...)
}

// Preds returns the predecessor labels of a block.
func (c *CFG) Preds(label string) []string {
	if c.preds == nil {
		c.preds = make(map[string][]string)
		for _, l := range c.Labels() {
			for _, s := range c.Blocks[l].Succs {
				c.preds[s] = append(c.preds[s], l)
			}
		}
	}
	return c.preds[label]
}

// edgeLabel names the synthetic block guarding the edge from one pc-labeled
// block to another. It is deterministic in the two pcs.
func edgeLabel(from, to string) string { return from + ":" + to }

// Build assembles the nondeterministic CFG from a decoded program:
// blocks are split at jump targets and after every jump or exit,
// unconditional jumps collapse into single-successor edges, and a
// conditional jump becomes two successor blocks holding dual assumes.
func Build(prog []ebpf.Labeled) (*CFG, error) {
	if len(prog) == 0 {
		return nil, ErrEmptyProgram
	}

	// Block leaders: entry, every jump target, every instruction following
	// a jump or an exit.
	leader := map[int]bool{prog[0].Pc: true}
	for i, l := range prog {
		switch ins := l.Inst.(type) {
		case ebpf.Jmp:
			var target int
			if _, err := fmt.Sscanf(ins.Target, "L%d", &target); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMissingTarget, ins.Target)
			}
			leader[target] = true
			if i+1 < len(prog) {
				leader[prog[i+1].Pc] = true
			}
		case ebpf.Exit:
			if i+1 < len(prog) {
				leader[prog[i+1].Pc] = true
			}
		}
	}

	c := &CFG{Entry: ebpf.Label(prog[0].Pc), Blocks: make(map[string]*Block)}

	var cur *Block
	flushTo := func(succ ...string) {
		if cur != nil {
			cur.Succs = succ
			c.Blocks[cur.Label] = cur
			cur = nil
		}
	}

	for i, l := range prog {
		if leader[l.Pc] && cur != nil {
			// Fall through into the next leader.
			flushTo(ebpf.Label(l.Pc))
		}
		if cur == nil {
			cur = &Block{Label: ebpf.Label(l.Pc)}
		}

		switch ins := l.Inst.(type) {
		case ebpf.Jmp:
			if ins.Cond == nil {
				flushTo(ins.Target)
				continue
			}
			if i+1 >= len(prog) {
				return nil, fmt.Errorf("%w: conditional jump at end of program", ErrMissingTarget)
			}
			fall := ebpf.Label(prog[i+1].Pc)
			from := cur.Label

			taken := edgeLabel(from, ins.Target)
			c.Blocks[taken] = &Block{
				Label: taken,
				Insts: []ebpf.Instruction{ebpf.Assume{Cond: *ins.Cond}},
				Succs: []string{ins.Target},
			}
			neg := *ins.Cond
			neg.Op = neg.Op.Negate()
			fallLabel := edgeLabel(from, fall)
			if fallLabel == taken {
				// Degenerate branch whose target is its own fall-through.
				fallLabel += "~"
			}
			c.Blocks[fallLabel] = &Block{
				Label: fallLabel,
				Insts: []ebpf.Instruction{ebpf.Assume{Cond: neg}},
				Succs: []string{fall},
			}
			flushTo(taken, fallLabel)

		case ebpf.Exit:
			cur.Insts = append(cur.Insts, ins)
			flushTo()

		default:
			cur.Insts = append(cur.Insts, l.Inst)
		}
	}
	flushTo() // trailing block without terminator

	for _, b := range c.Blocks {
		for _, s := range b.Succs {
			if _, ok := c.Blocks[s]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrMissingTarget, b.Label, s)
			}
		}
	}
	return c, nil
}

// Simplify merges chains of blocks connected by a single edge, shrinking
// the graph the fixpoint engine iterates over. Invalidates nothing the
// verifier relies on: entry, successor lists and instruction order are
// preserved.
func (c *CFG) Simplify() {
	for {
		merged := false
		for _, l := range c.Labels() {
			b, ok := c.Blocks[l]
			if !ok || len(b.Succs) != 1 {
				continue
			}
			s := b.Succs[0]
			if s == c.Entry || s == l {
				continue
			}
			next := c.Blocks[s]
			c.preds = nil
			if len(c.Preds(s)) != 1 {
				continue
			}
			b.Insts = append(b.Insts, next.Insts...)
			b.Succs = next.Succs
			delete(c.Blocks, s)
			c.preds = nil
			merged = true
		}
		if !merged {
			return
		}
	}
}

// Synthetic builds the one-block CFG reported for a program that failed to
// decode, so that every input still produces a deterministic answer.
func Synthetic(opcode uint8) *CFG {
	entry := ebpf.Label(0)
	return &CFG{
		Entry: entry,
		Blocks: map[string]*Block{
			entry: {Label: entry, Insts: []ebpf.Instruction{ebpf.Undefined{Opcode: opcode}}},
		},
	}
}
