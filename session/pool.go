package session

import (
	"errors"
	"sort"
	"sync"

	"tl1assist/audit"
)

// Pool hands out one Session per device address.
type Pool struct {
	opts Options
	sink audit.Sink

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewPool(opts Options, sink audit.Sink) *Pool {
	return &Pool{opts: opts, sink: sink, sessions: make(map[string]*Session)}
}

// Get returns the Session for device, creating it on first use. After Close
// it returns a closed Session whose Do fails with ErrClosed.
func (p *Pool) Get(device Device) *Session {
	addr := device.Addr()
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[addr]; ok {
		return s
	}
	s := New(device, p.opts, p.sink)
	if p.closed {
		_ = s.Close()
		return s
	}
	p.sessions[addr] = s
	return s
}

// Sessions lists pooled sessions ordered by address.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].device.Addr() < out[j].device.Addr() })
	return out
}

// Close closes every Session. The audit sink is left to its owner.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
