package verifier

import (
	"context"
	"fmt"
	"io"

	"github.com/fortiblox/bpf-vet/pkg/cfg"
	"github.com/fortiblox/bpf-vet/pkg/domain"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// Options control one verification run.
type Options struct {
	// CheckTermination enables the step-count sub-analysis.
	CheckTermination bool
	// Narrowing runs one descending pass after the ascending fixpoint.
	Narrowing bool
	// Simplify merges single-edge block chains before analysis.
	Simplify bool
	// Liveness prunes dead register coordinates between blocks.
	Liveness bool
	// SemanticReachability reports blocks whose pre-state is bottom.
	SemanticReachability bool
	// PrintInvariants includes pre/post invariants in WriteReport output.
	PrintInvariants bool
}

// DefaultOptions is what the CLI starts from.
var DefaultOptions = Options{
	Narrowing: true,
	Liveness:  true,
}

// Result is the outcome of one verification.
type Result struct {
	Passed bool
	Checks *Checks
	CFG    *cfg.CFG
	Pre    InvariantTable
	Post   InvariantTable

	// Stats.
	Blocks       int
	Instructions int
}

// Domains lists the available abstract domains by CLI name.
func Domains() map[string]string {
	return map[string]string{
		"sdbm-arr": "split difference-bound matrix with array expansion (default)",
	}
}

// Verify decodes a raw program and analyzes it under the given program
// info. Decode failures still produce a deterministic one-warning Result;
// only cancellation returns an error.
func Verify(ctx context.Context, words []ebpf.Word, relocs map[int]int, info ebpf.ProgramInfo, opts Options) (*Result, error) {
	prog, err := ebpf.Decode(words, relocs)
	if err != nil {
		checks := NewChecks()
		label := ebpf.Label(0)
		checks.Add(label, KindWarning, fmt.Sprintf("program failed to decode: %v", err))
		return &Result{Passed: false, Checks: checks, CFG: cfg.Synthetic(0)}, nil
	}

	c, err := cfg.Build(prog)
	if err != nil {
		checks := NewChecks()
		checks.Add(ebpf.Label(0), KindWarning, fmt.Sprintf("program has no analyzable control flow: %v", err))
		return &Result{Passed: false, Checks: checks, CFG: cfg.Synthetic(0)}, nil
	}
	cfg.Explicate(c, info)
	if opts.Simplify {
		c.Simplify()
	}

	return Analyze(ctx, c, info, opts)
}

// Analyze runs the fixpoint and the checking pass over an already explicated
// CFG.
func Analyze(ctx context.Context, c *cfg.CFG, info ebpf.ProgramInfo, opts Options) (*Result, error) {
	wto := cfg.NewWTO(c)

	pre, post, err := fixpoint(ctx, c, wto, info, opts)
	if err != nil {
		return nil, err
	}

	checks := NewChecks()
	for _, label := range c.Labels() {
		if err := ctx.Err(); err != nil {
			return nil, ErrAborted
		}
		checkBlock(c, label, pre, info, opts, checks)
	}

	res := &Result{
		Passed: checks.Passed(),
		Checks: checks,
		CFG:    c,
		Pre:    pre,
		Post:   post,
		Blocks: len(c.Blocks),
	}
	for _, b := range c.Blocks {
		res.Instructions += len(b.Insts)
	}
	return res, nil
}

// checkBlock replays one block from its pre-invariant with the classifying
// require hook installed.
func checkBlock(c *cfg.CFG, label string, pre InvariantTable, info ebpf.ProgramInfo, opts Options, checks *Checks) {
	from := pre[label]
	if from == nil {
		from = domain.BottomState()
	}
	if from.IsBottom() {
		if opts.SemanticReachability {
			checks.Add(label, KindUnreachable, "block is never reached")
		}
		return
	}

	t := &domain.Transformer{
		Info:        info,
		Termination: opts.CheckTermination,
		Require: func(st *domain.State, cst domain.Constraint, msg string) {
			classify(checks, label, st, cst, msg)
		},
	}

	if opts.CheckTermination {
		preJoinTerminates := len(c.Preds(label)) == 0
		for _, p := range c.Preds(label) {
			if prev, ok := pre[p]; ok && prev.Terminates() {
				preJoinTerminates = true
			}
		}
		if preJoinTerminates && !from.Terminates() {
			checks.AddNontermination(label)
		}
	}

	st := from.Copy()
	for _, ins := range c.Blocks[label].Insts {
		if u, ok := ins.(ebpf.Undefined); ok {
			checks.Add(label, KindWarning, u.String())
		}
		preBot := st.IsBottom()
		t.Apply(st, ins)
		if !preBot && st.IsBottom() {
			checks.Add(label, KindUnreachable, fmt.Sprintf("state became bottom after %v", ins))
		}
	}
}

// classify decides what one explicated constraint means in the current
// state: discharged, disputable or outright false.
func classify(checks *Checks, label string, st *domain.State, cst domain.Constraint, msg string) {
	if st.IsBottom() {
		return
	}
	if cst.IsContradiction() {
		checks.Add(label, KindWarning, "contradiction: "+msg)
		return
	}
	if st.Entails(cst) {
		checks.AddRedundant()
		return
	}
	// Whether or not the constraint still intersects the state, the
	// verifier cannot prove it: a warning either way.
	checks.Add(label, KindWarning, msg)
}

// WriteReport prints invariants (when requested) and the diagnostics.
func (r *Result) WriteReport(w io.Writer, opts Options) {
	if opts.PrintInvariants {
		for _, label := range r.CFG.Labels() {
			if pre, ok := r.Pre[label]; ok {
				fmt.Fprintf(w, "\n%s:\n  pre: %v\n", label, pre)
			}
			for _, ins := range r.CFG.Blocks[label].Insts {
				fmt.Fprintf(w, "    %v\n", ins)
			}
			if post, ok := r.Post[label]; ok {
				fmt.Fprintf(w, "  post: %v\n", post)
			}
		}
		fmt.Fprintln(w)
	}
	r.Checks.Write(w)
}
