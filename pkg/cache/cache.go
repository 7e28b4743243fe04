// Package cache provides a persistent verdict cache, so that repeated
// verification of the same program under the same program type is answered
// from disk.
//
// Entries are keyed by the BLAKE3 digest of the instruction bytes together
// with the program type, stored gob-encoded and zstd-compressed in a bolt
// file, one bucket per program type.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
	"github.com/fortiblox/bpf-vet/pkg/verifier"
)

var (
	// ErrNotFound is returned when no verdict is cached for a program.
	ErrNotFound = errors.New("verdict not found")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// bucketMetadata stores cache-wide counters.
var bucketMetadata = []byte("metadata")

// Metadata keys.
var (
	keyHits   = []byte("hits")
	keyMisses = []byte("misses")
)

// Verdict is the cached outcome of one verification.
type Verdict struct {
	Passed   bool
	Warnings int
	Messages map[string][]string // label -> diagnostics
	Checked  time.Time
}

// Key is the cache key of one (program, type) pair.
type Key [32]byte

// String renders the key the way the CLI prints digests.
func (k Key) String() string { return base58.Encode(k[:]) }

// KeyOf digests a raw program under a program type.
func KeyOf(words []ebpf.Word, t ebpf.ProgType) Key {
	h := blake3.New()
	h.Write([]byte{byte(t), byte(t >> 8)})
	h.Write(ebpf.BytesOf(words))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Cache is a bolt-backed verdict store. Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	db     *bolt.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed bool
}

// Open opens or creates a cache file.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &Cache{db: db, enc: enc, dec: dec}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

func bucketFor(t ebpf.ProgType) []byte {
	return []byte("verdicts/" + t.String())
}

// Get returns the cached verdict for a program, or ErrNotFound.
func (c *Cache) Get(key Key, t ebpf.ProgType) (*Verdict, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(t))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key[:])
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		c.bump(keyMisses)
		return nil, err
	}

	plain, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress verdict: %w", err)
	}
	var verdict Verdict
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	c.bump(keyHits)
	return &verdict, nil
}

// Put stores the verdict of one verification.
func (c *Cache) Put(key Key, t ebpf.ProgType, v *Verdict) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	packed := c.enc.EncodeAll(buf.Bytes(), nil)

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFor(t))
		if err != nil {
			return err
		}
		return b.Put(key[:], packed)
	})
}

// VerdictOf flattens a verification result for storage.
func VerdictOf(res *verifier.Result) *Verdict {
	v := &Verdict{
		Passed:   res.Passed,
		Warnings: res.Checks.Warnings(),
		Messages: make(map[string][]string),
		Checked:  time.Now().UTC(),
	}
	for label, entries := range res.Checks.ByLabel {
		for _, e := range entries {
			v.Messages[label] = append(v.Messages[label], e.Message)
		}
	}
	return v
}

// Stats reports hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		if b == nil {
			return nil
		}
		hits = counter(b.Get(keyHits))
		misses = counter(b.Get(keyMisses))
		return nil
	})
	return hits, misses
}

func (c *Cache) bump(key []byte) {
	c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		if b == nil {
			return nil
		}
		return b.Put(key, encodeCounter(counter(b.Get(key))+1))
	})
}

func counter(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	var n uint64
	for i := 0; i < 8; i++ {
		n |= uint64(raw[i]) << (8 * i)
	}
	return n
}

func encodeCounter(n uint64) []byte {
	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[i] = byte(n >> (8 * i))
	}
	return raw
}
