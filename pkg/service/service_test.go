package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/bpf-vet/pkg/cache"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
	"github.com/fortiblox/bpf-vet/pkg/verifier"
)

func TestGobCodecRoundTrip(t *testing.T) {
	codec := gobCodec{}
	req := &CheckRequest{
		Program:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		ProgType: int32(ebpf.ProgTypeXdp),
		Maps:     []ebpf.MapDescriptor{{Type: ebpf.MapTypeHash, KeySize: 4, ValueSize: 8}},
		Relocs:   map[int]int{0: 1},
	}
	raw, err := codec.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var got CheckRequest
	if err := codec.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if got.ProgType != req.ProgType || len(got.Maps) != 1 || got.Relocs[0] != 1 {
		t.Errorf("round trip = %+v, want %+v", got, req)
	}
}

func TestServerCheck(t *testing.T) {
	srv := NewServer(verifier.DefaultOptions, nil)

	passing := ebpf.BytesOf([]ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	resp, err := srv.Check(context.Background(), &CheckRequest{
		Program:  passing,
		ProgType: int32(ebpf.ProgTypeSocketFilter),
	})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !resp.Passed || resp.Warnings != 0 {
		t.Errorf("Check() = passed=%v warnings=%d, want pass with 0 warnings", resp.Passed, resp.Warnings)
	}

	failing := ebpf.BytesOf([]ebpf.Word{
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})
	resp, err = srv.Check(context.Background(), &CheckRequest{
		Program:  failing,
		ProgType: int32(ebpf.ProgTypeSocketFilter),
	})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if resp.Passed {
		t.Error("uninitialized r0 at exit should not pass")
	}
	if !strings.Contains(resp.Report, "warnings") {
		t.Errorf("report missing summary:\n%s", resp.Report)
	}
}

func TestServerCheckCached(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "verdicts.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	defer store.Close()

	srv := NewServer(verifier.DefaultOptions, store)
	req := &CheckRequest{
		Program: ebpf.BytesOf([]ebpf.Word{
			ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
			ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
		}),
		ProgType: int32(ebpf.ProgTypeXdp),
	}

	first, err := srv.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if first.Cached {
		t.Error("first check should not be served from cache")
	}

	second, err := srv.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !second.Cached {
		t.Error("second check should be served from cache")
	}
	if second.Passed != first.Passed {
		t.Errorf("cached verdict %v differs from fresh verdict %v", second.Passed, first.Passed)
	}
}
