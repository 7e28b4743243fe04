package verifier

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fortiblox/bpf-vet/pkg/domain"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// noLiveness keeps dead registers around so tests can inspect them in the
// post states.
func noLiveness() Options {
	opts := DefaultOptions
	opts.Liveness = false
	return opts
}

func verify(t *testing.T, words []ebpf.Word, progType ebpf.ProgType, opts Options) *Result {
	t.Helper()
	info := ebpf.NewProgramInfo(progType, nil)
	res, err := Verify(context.Background(), words, nil, info, opts)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	return res
}

func TestTrivialProgramPasses(t *testing.T) {
	// r0 = 0; exit
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if !res.Passed {
		var buf bytes.Buffer
		res.Checks.Write(&buf)
		t.Fatalf("trivial program failed:\n%s", buf.String())
	}
	if res.Checks.Warnings() != 0 {
		t.Errorf("trivial program produced %d warnings, want 0", res.Checks.Warnings())
	}
}

func TestUninitializedStackRead(t *testing.T) {
	// r1 = *(u8 *)(r10 - 1); r0 = r1; exit: the loaded byte is not
	// provably numeric, so neither is r0 at exit.
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpLdxb, 1, 10, -1, 0),
		ebpf.NewWord(ebpf.OpMov64Reg, 0, 1, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if res.Passed {
		t.Error("returning an uninitialized stack byte should not pass")
	}
}

func TestUninitializedRegisterReturn(t *testing.T) {
	// exit without setting r0
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if res.Passed {
		t.Error("returning an uninitialized r0 should not pass")
	}
}

func TestStackRetainsPointer(t *testing.T) {
	// r2 = r10; r2 -= 8; *(u64*)(r2+0) = r1; r3 = *(u64*)(r2+0); r0 = 0; exit
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Reg, 2, 10, 0, 0),
		ebpf.NewWord(ebpf.OpSub64Imm, 2, 0, 0, 8),
		ebpf.NewWord(ebpf.OpStxdw, 2, 1, 0, 0),
		ebpf.NewWord(ebpf.OpLdxdw, 3, 2, 0, 0),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, noLiveness())

	if !res.Passed {
		var buf bytes.Buffer
		res.Checks.Write(&buf)
		t.Fatalf("spilling a ctx pointer to the stack failed:\n%s", buf.String())
	}

	// The reloaded register must still be a context pointer.
	post := res.Post[res.CFG.Entry]
	if post == nil {
		t.Fatal("no post state for entry")
	}
	typ, ok := post.Interval(domain.RegVar(domain.KindType, 3)).Singleton()
	if !ok || typ != domain.TCtx {
		t.Errorf("r3 type after reload = %v, want ctx (%d)",
			post.Interval(domain.RegVar(domain.KindType, 3)), domain.TCtx)
	}
}

func TestComparableContextPointers(t *testing.T) {
	// r2 = r1; r2 += 4; if r1 s> r2 goto L; L: r0 = 0; exit
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Reg, 2, 1, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 2, 0, 0, 4),
		ebpf.NewWord(ebpf.OpJsgtReg, 1, 2, 0, 0),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if !res.Passed {
		var buf bytes.Buffer
		res.Checks.Write(&buf)
		t.Fatalf("comparing two ctx pointers failed:\n%s", buf.String())
	}
}

func TestNonAddablePointers(t *testing.T) {
	// XDP: r2 = *(u32*)(r1+0) is the packet-data pointer; r1 += r2 adds
	// two pointers.
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpLdxw, 2, 1, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Reg, 1, 2, 0, 0),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeXdp, DefaultOptions)

	if res.Passed {
		t.Error("adding a ctx pointer to a packet pointer should not pass")
	}
	found := false
	for _, entries := range res.Checks.ByLabel {
		for _, e := range entries {
			if strings.Contains(e.Message, "only numbers can be added to pointers") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected an addable warning")
	}
}

func TestBoundedLoop(t *testing.T) {
	// r1 = 0; L1: r1 += 1; if r1 s< 10 goto L1; r0 = 0; exit
	words := []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 1, 0, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 1, 0, 0, 1),
		ebpf.NewWord(ebpf.OpJsltImm, 1, 0, -2, 10),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}
	opts := DefaultOptions
	opts.CheckTermination = true
	res := verify(t, words, ebpf.ProgTypeSocketFilter, opts)

	if !res.Passed {
		var buf bytes.Buffer
		res.Checks.Write(&buf)
		t.Fatalf("bounded loop failed:\n%s", buf.String())
	}
	if len(res.Checks.MaybeNonterminating) != 0 {
		t.Errorf("bounded loop flagged nonterminating at %v", res.Checks.MaybeNonterminating)
	}

	// Widening must have discovered r1 >= 10 after the loop.
	exitPre := res.Pre["L3"]
	if exitPre == nil {
		t.Fatal("no pre state for the block after the loop")
	}
	iv := exitPre.Interval(domain.RegVar(domain.KindValue, 1))
	if !iv.Lo.IsFinite() || iv.Lo.Num() < 10 {
		t.Errorf("r1 after loop = %v, want lower bound >= 10", iv)
	}
}

func TestUnboundedLoopFlagged(t *testing.T) {
	// L0: r1 = 0; L1: r1 += 1; goto L1 -- never exits.
	words := []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 1, 0, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 1, 0, 0, 1),
		ebpf.NewWord(ebpf.OpJa, 0, 0, -2, 0),
	}
	opts := DefaultOptions
	opts.CheckTermination = true
	res := verify(t, words, ebpf.ProgTypeSocketFilter, opts)

	if len(res.Checks.MaybeNonterminating) == 0 {
		t.Error("endless loop was not flagged by the termination analysis")
	}
}

func TestDecodeFailureProducesAnswer(t *testing.T) {
	// A lone truncated lddw cannot decode; verification must still produce
	// a deterministic single-warning answer.
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpLddw, 1, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if res.Passed {
		t.Error("undecodable program should not pass")
	}
	if res.Checks.Warnings() != 1 {
		t.Errorf("undecodable program produced %d warnings, want exactly 1", res.Checks.Warnings())
	}
}

func TestUndefinedOpcodeWarns(t *testing.T) {
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(0xfe, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	if res.Passed {
		t.Error("program with undefined opcode should not pass")
	}
}

func TestAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	info := ebpf.NewProgramInfo(ebpf.ProgTypeSocketFilter, nil)
	_, err := Verify(ctx, []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, nil, info, DefaultOptions)
	if err != ErrAborted {
		t.Errorf("Verify() with cancelled context = %v, want ErrAborted", err)
	}
}

func TestContextLoadGivesPacketPointer(t *testing.T) {
	// XDP: r2 = data, r3 = data_end; if r2 + 4 > r3 then exit else load.
	words := []ebpf.Word{
		ebpf.NewWord(ebpf.OpLdxw, 2, 1, 0, 0), // r2 = ctx->data
		ebpf.NewWord(ebpf.OpLdxw, 3, 1, 4, 0), // r3 = ctx->data_end
		ebpf.NewWord(ebpf.OpMov64Reg, 4, 2, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 4, 0, 0, 4),
		ebpf.NewWord(ebpf.OpJgtReg, 4, 3, 1, 0), // if r4 > r3 skip the load
		ebpf.NewWord(ebpf.OpLdxw, 5, 2, 0, 0),   // r5 = *(u32*)r2
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}
	res := verify(t, words, ebpf.ProgTypeXdp, DefaultOptions)

	if !res.Passed {
		var buf bytes.Buffer
		res.Checks.Write(&buf)
		t.Fatalf("bounds-checked packet access failed:\n%s", buf.String())
	}
}

func TestReportFormat(t *testing.T) {
	res := verify(t, []ebpf.Word{
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}, ebpf.ProgTypeSocketFilter, DefaultOptions)

	var buf bytes.Buffer
	res.Checks.Write(&buf)
	out := buf.String()
	if !strings.Contains(out, "L0:") {
		t.Errorf("report missing label line:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "warnings") {
		t.Errorf("report missing summary line:\n%s", out)
	}
}

func TestLivenessDoesNotChangeVerdict(t *testing.T) {
	words := []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 1, 0, 0, 0),
		ebpf.NewWord(ebpf.OpAdd64Imm, 1, 0, 0, 1),
		ebpf.NewWord(ebpf.OpJsltImm, 1, 0, -2, 10),
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}
	with := DefaultOptions
	with.Liveness = true
	without := DefaultOptions
	without.Liveness = false

	a := verify(t, words, ebpf.ProgTypeSocketFilter, with)
	b := verify(t, words, ebpf.ProgTypeSocketFilter, without)
	if a.Passed != b.Passed {
		t.Errorf("liveness changed the verdict: with=%v without=%v", a.Passed, b.Passed)
	}
}
