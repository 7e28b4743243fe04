package cache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "verdicts.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleWords() []ebpf.Word {
	return []ebpf.Word{
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	}
}

func TestKeyDependsOnTypeAndBytes(t *testing.T) {
	words := sampleWords()
	k1 := KeyOf(words, ebpf.ProgTypeXdp)
	k2 := KeyOf(words, ebpf.ProgTypeSocketFilter)
	if k1 == k2 {
		t.Error("keys for different program types should differ")
	}

	other := []ebpf.Word{ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0)}
	if KeyOf(words, ebpf.ProgTypeXdp) == KeyOf(other, ebpf.ProgTypeXdp) {
		t.Error("keys for different programs should differ")
	}

	if KeyOf(words, ebpf.ProgTypeXdp) != k1 {
		t.Error("key is not deterministic")
	}
	if k1.String() == "" {
		t.Error("key renders empty")
	}
}

func TestPutGet(t *testing.T) {
	c := openTemp(t)
	key := KeyOf(sampleWords(), ebpf.ProgTypeXdp)

	if _, err := c.Get(key, ebpf.ProgTypeXdp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty cache = %v, want ErrNotFound", err)
	}

	want := &Verdict{
		Passed:   false,
		Warnings: 2,
		Messages: map[string][]string{
			"L0": {"only pointers can be dereferenced", "r0 is number"},
		},
	}
	if err := c.Put(key, ebpf.ProgTypeXdp, want); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := c.Get(key, ebpf.ProgTypeXdp)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Passed != want.Passed || got.Warnings != want.Warnings {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if len(got.Messages["L0"]) != 2 {
		t.Errorf("Get() messages = %v, want 2 entries at L0", got.Messages)
	}

	// Same program under a different type is a different entry.
	if _, err := c.Get(key, ebpf.ProgTypeSocketFilter); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() with other type = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	c := openTemp(t)
	key := KeyOf(sampleWords(), ebpf.ProgTypeXdp)

	c.Get(key, ebpf.ProgTypeXdp) // miss
	c.Put(key, ebpf.ProgTypeXdp, &Verdict{Passed: true})
	c.Get(key, ebpf.ProgTypeXdp) // hit

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d hits, %d misses, want 1 and 1", hits, misses)
	}
}

func TestClosed(t *testing.T) {
	c := openTemp(t)
	c.Close()
	key := KeyOf(sampleWords(), ebpf.ProgTypeXdp)
	if _, err := c.Get(key, ebpf.ProgTypeXdp); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close() = %v, want ErrClosed", err)
	}
	if err := c.Put(key, ebpf.ProgTypeXdp, &Verdict{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put() after Close() = %v, want ErrClosed", err)
	}
}
