package verifier

import (
	"context"
	"errors"

	"github.com/fortiblox/bpf-vet/pkg/cfg"
	"github.com/fortiblox/bpf-vet/pkg/domain"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// ErrAborted is reported when the host cancels a verification between block
// transfers. No partial state is observable.
var ErrAborted = errors.New("verification aborted")

// wideningDelay is how many times a loop head is joined before widening
// kicks in, so that one round of refinement happens first.
const wideningDelay = 1

// InvariantTable holds one abstract state per label.
type InvariantTable map[string]*domain.State

// fixpoint runs the forward worklist analysis and returns the pre- and
// post-invariant tables.
func fixpoint(ctx context.Context, c *cfg.CFG, wto *cfg.WTO, info ebpf.ProgramInfo, opts Options) (InvariantTable, InvariantTable, error) {
	t := &domain.Transformer{Info: info, Termination: opts.CheckTermination}

	pre := make(InvariantTable, len(c.Blocks))
	post := make(InvariantTable, len(c.Blocks))
	for _, l := range wto.Order {
		pre[l] = domain.BottomState()
	}
	pre[c.Entry] = domain.Setup(info)

	var liveIn map[string]regSet
	if opts.Liveness {
		liveIn = liveness(c)
	}

	pos := make(map[string]int, len(wto.Order))
	for i, l := range wto.Order {
		pos[l] = i
	}

	dirty := map[string]bool{c.Entry: true}
	widenCount := make(map[string]int)

	for len(dirty) > 0 {
		progressed := false
		for _, l := range wto.Order {
			if !dirty[l] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, nil, ErrAborted
			}
			delete(dirty, l)
			progressed = true

			out := pre[l].Copy()
			t.Block(out, c.Blocks[l].Insts)
			if opts.Liveness {
				pruneDead(out, liveOut(c, liveIn, l))
			}
			post[l] = out

			for _, s := range c.Blocks[l].Succs {
				old := pre[s]
				var next *domain.State
				if wto.IsHead(s) && pos[s] <= pos[l] {
					// Back edge into a loop head.
					widenCount[s]++
					if widenCount[s] > wideningDelay {
						next = old.Widen(old.Join(out))
					} else {
						next = old.Join(out)
					}
				} else {
					next = old.Join(out)
				}
				if !next.Leq(old) {
					pre[s] = next
					dirty[s] = true
				}
			}
		}
		if !progressed {
			break
		}
	}

	for _, l := range wto.Order {
		if post[l] == nil {
			post[l] = domain.BottomState()
		}
	}

	if opts.Narrowing {
		narrow(ctx, c, wto, t, pre, post, opts, liveIn)
	}
	return pre, post, nil
}

// narrow runs one descending pass, restoring bounds that widening dropped.
func narrow(ctx context.Context, c *cfg.CFG, wto *cfg.WTO, t *domain.Transformer, pre, post InvariantTable, opts Options, liveIn map[string]regSet) {
	for _, l := range wto.Order {
		if ctx.Err() != nil {
			return
		}
		out := pre[l].Copy()
		t.Block(out, c.Blocks[l].Insts)
		if opts.Liveness {
			pruneDead(out, liveOut(c, liveIn, l))
		}
		post[l] = out

		for _, s := range c.Blocks[l].Succs {
			joined := domain.BottomState()
			for _, p := range c.Preds(s) {
				if post[p] != nil {
					joined = joined.Join(post[p])
				}
			}
			if s == c.Entry {
				continue
			}
			pre[s] = pre[s].Narrow(joined)
		}
	}
}

// pruneDead forgets the three coordinates of registers that are dead after
// the block, keeping joins small and precise.
func pruneDead(st *domain.State, live regSet) {
	for r := ebpf.Reg(0); r <= 10; r++ {
		if live.has(r) {
			continue
		}
		st.Havoc(domain.RegVar(domain.KindType, int(r)))
		st.Havoc(domain.RegVar(domain.KindValue, int(r)))
		st.Havoc(domain.RegVar(domain.KindOffset, int(r)))
	}
}
