package audit

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

const pebbleEventPrefix = "ev/"

// Pebble keeps events in a Pebble store keyed by time so iteration order is
// chronological.
type Pebble struct {
	db        *pebble.DB
	cache     *pebble.Cache
	seq       atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// OpenPebble opens or creates the store directory at path.
func OpenPebble(path string) (*Pebble, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit: pebble path is empty")
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("audit: %s exists and is not a directory", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure directory: %w", err)
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		opts.Cache.Unref()
		return nil, fmt.Errorf("audit: pebble open: %w", err)
	}
	return &Pebble{db: db, cache: opts.Cache}, nil
}

func (p *Pebble) key(t time.Time) []byte {
	key := make([]byte, len(pebbleEventPrefix)+16)
	copy(key, pebbleEventPrefix)
	binary.BigEndian.PutUint64(key[len(pebbleEventPrefix):], uint64(t.UTC().UnixNano()))
	binary.BigEndian.PutUint64(key[len(pebbleEventPrefix)+8:], p.seq.Add(1))
	return key
}

func (p *Pebble) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	if err := p.db.Set(p.key(ev.Time), data, pebble.Sync); err != nil {
		return fmt.Errorf("audit: pebble set: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (p *Pebble) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	upper := []byte(pebbleEventPrefix)
	upper[len(upper)-1]++
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleEventPrefix),
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: pebble iter: %w", err)
	}
	defer iter.Close()

	out := make([]Event, 0, limit)
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("audit: decode %x: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("audit: pebble iterate: %w", err)
	}
	return out, nil
}

func (p *Pebble) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.db.Close()
		if p.cache != nil {
			p.cache.Unref()
		}
	})
	return p.closeErr
}
