// Package audit records every command exchange with a device. Sinks are
// append-only; the Async wrapper keeps recording off the command path.
package audit

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tl1assist/config"
	"tl1assist/internal/ratelimit"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: sink closed")

// Event is one command exchange.
type Event struct {
	Time      time.Time `json:"time"`
	Session   string    `json:"session"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	CTAG      string    `json:"ctag"`
	Command   string    `json:"command"`
	Lines     []string  `json:"lines"`
	Kind      string    `json:"kind"`
	Err       string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// Sink receives audit events.
type Sink interface {
	Append(ev Event) error
	Close() error
}

// Reader is implemented by sinks that can return recent history.
type Reader interface {
	Recent(limit int) ([]Event, error)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Append(Event) error { return nil }
func (Discard) Close() error       { return nil }

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Append(ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async queues events for a background writer. Append never blocks: when the
// queue is full the event is dropped and the drop is logged (rate limited).
type Async struct {
	next      Sink
	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	drops     ratelimit.Counter
	failures  ratelimit.Counter
	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the writer goroutine.
func NewAsync(next Sink, depth int) *Async {
	if depth <= 0 {
		depth = 1024
	}
	a := &Async{
		next:     next,
		queue:    make(chan Event, depth),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		drops:    ratelimit.NewCounter(time.Minute),
		failures: ratelimit.NewCounter(time.Minute),
	}
	go a.loop()
	return a
}

// Append enqueues ev without blocking.
func (a *Async) Append(ev Event) error {
	select {
	case <-a.stop:
		return ErrClosed
	default:
	}
	select {
	case a.queue <- ev:
	default:
		if total, ok := a.drops.Inc(); ok {
			log.Printf("Audit: queue full, dropped %d event(s) so far", total)
		}
	}
	return nil
}

// Dropped reports how many events were dropped on a full queue.
func (a *Async) Dropped() uint64 { return a.drops.Total() }

func (a *Async) loop() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.write(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.queue:
					a.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) write(ev Event) {
	if err := a.next.Append(ev); err != nil {
		if total, ok := a.failures.Inc(); ok {
			log.Printf("Audit: append failed (%d failures so far): %v", total, err)
		}
	}
}

// Close drains the queue and closes the wrapped sink.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
		a.closeErr = a.next.Close()
	})
	return a.closeErr
}

// Recent delegates to the wrapped sink when it supports reads.
func (a *Async) Recent(limit int) ([]Event, error) {
	if r, ok := a.next.(Reader); ok {
		return r.Recent(limit)
	}
	return nil, fmt.Errorf("audit: backend does not support history")
}

// Purpose: Build the configured audit sink wrapped in an Async queue.
// Key aspects: "none" yields Discard; unknown backends are rejected.
// Upstream: main startup.
// Downstream: OpenJSONL, OpenSQLite, OpenPebble.
func Open(cfg config.AuditConfig) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "jsonl"
	}
	switch backend {
	case "none":
		return Discard{}, nil
	case "jsonl":
		sink, err = OpenJSONL(cfg.Dir, cfg.RetentionDays)
	case "sqlite":
		sink, err = OpenSQLite(cfg.DBPath, time.Duration(cfg.BusyTimeoutMS)*time.Millisecond, cfg.RetentionDays)
	case "pebble":
		sink, err = OpenPebble(cfg.DBPath)
	default:
		return nil, fmt.Errorf("audit: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("Audit: recording to %s backend", backend)
	return NewAsync(sink, cfg.QueueSize), nil
}
