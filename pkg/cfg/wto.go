package cfg

import "math"

// WTO is a weak topological order of the CFG: a recursive decomposition
// into components whose heads are the only places the fixpoint engine needs
// to widen.
type WTO struct {
	Order []string
	heads map[string]bool
}

// IsHead reports whether widening applies at the label.
func (w *WTO) IsHead(label string) bool { return w.heads[label] }

// wtoElem is either a plain vertex (comp nil) or a component headed by
// label.
type wtoElem struct {
	label string
	comp  []wtoElem
}

type wtoBuilder struct {
	cfg   *CFG
	dfn   map[string]int
	num   int
	stack []string
	heads map[string]bool
}

// NewWTO computes Bourdoncle's weak topological order by the recursive
// strategy: one depth-first traversal, components recognized on the stack,
// sub-components ordered by a nested traversal.
func NewWTO(c *CFG) *WTO {
	b := &wtoBuilder{
		cfg:   c,
		dfn:   make(map[string]int, len(c.Blocks)),
		heads: make(map[string]bool),
	}
	var partition []wtoElem
	b.visit(c.Entry, &partition)

	w := &WTO{heads: b.heads}
	var flatten func(elems []wtoElem)
	flatten = func(elems []wtoElem) {
		for _, e := range elems {
			w.Order = append(w.Order, e.label)
			if e.comp != nil {
				flatten(e.comp)
			}
		}
	}
	flatten(partition)
	return w
}

func (b *wtoBuilder) push(v string) { b.stack = append(b.stack, v) }

func (b *wtoBuilder) pop() string {
	v := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return v
}

func (b *wtoBuilder) visit(v string, partition *[]wtoElem) int {
	b.push(v)
	b.num++
	b.dfn[v] = b.num
	head := b.dfn[v]
	loop := false

	for _, s := range b.cfg.Blocks[v].Succs {
		var min int
		if b.dfn[s] == 0 {
			min = b.visit(s, partition)
		} else {
			min = b.dfn[s]
		}
		if min <= head {
			head = min
			loop = true
		}
	}

	if head == b.dfn[v] {
		b.dfn[v] = math.MaxInt
		el := b.pop()
		if loop {
			for el != v {
				b.dfn[el] = 0
				el = b.pop()
			}
			b.heads[v] = true
			comp := b.component(v)
			*partition = append([]wtoElem{{label: v, comp: comp}}, *partition...)
		} else {
			*partition = append([]wtoElem{{label: v}}, *partition...)
		}
	}
	return head
}

func (b *wtoBuilder) component(v string) []wtoElem {
	var partition []wtoElem
	for _, s := range b.cfg.Blocks[v].Succs {
		if b.dfn[s] == 0 {
			b.visit(s, &partition)
		}
	}
	return partition
}
