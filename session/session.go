// Package session pairs one device with serialized command execution. A
// Session owns the correlation tag counter and at most one live Transport; it
// connects lazily and replaces the Transport after any transport failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tl1assist/audit"
	"tl1assist/tl1"
	"tl1assist/transport"

	"github.com/google/uuid"
)

const (
	defaultReadTimeout    = 5 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("session: closed")

// Device addresses one network element.
type Device struct {
	Host string
	Port int
}

func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Options tunes a Session.
type Options struct {
	Transport      transport.Options
	ReadTimeout    time.Duration // per line
	CommandTimeout time.Duration // whole response
	StartCTAG      int
}

// Phase marks progress inside one Do call.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseConnected
	PhaseSending
	PhaseLine
)

// Progress is reported to the caller while a command runs.
type Progress struct {
	Phase   Phase
	Addr    string
	CTAG    string
	Command string
	Line    string
}

// ProgressFunc observes progress; it runs on the executing goroutine.
type ProgressFunc func(Progress)

// RenderFunc produces the wire string for the CTAG the session allocated.
type RenderFunc func(ctag string) (wire string, warnings []string, err error)

// Result describes one execute attempt.
type Result struct {
	Command  string
	CTAG     string
	Envelope tl1.Envelope
	Success  bool
	Warnings []string
	Started  time.Time
	Elapsed  time.Duration
	Failure  error
}

// Err returns the failure of the attempt: a render or transport error, or a
// *tl1.ProtocolError for malformed and timed out responses. A device denial
// is a verdict, not an error.
func (r Result) Err() error {
	if r.Failure != nil {
		return r.Failure
	}
	switch r.Envelope.Kind {
	case tl1.Malformed, tl1.TimedOut:
		return &tl1.ProtocolError{Kind: r.Envelope.Kind, CTAG: r.CTAG, Lines: r.Envelope.Lines}
	}
	return nil
}

// Session serializes commands to one device.
type Session struct {
	id     string
	device Device
	opts   Options
	sink   audit.Sink

	slot   chan struct{}
	next   atomic.Int64
	closed atomic.Bool

	mu sync.Mutex
	t  *transport.Transport

	latency *latencyTracker
}

// New creates an idle Session; nothing is dialed until the first command.
func New(device Device, opts Options, sink audit.Sink) *Session {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.StartCTAG <= 0 {
		opts.StartCTAG = 1
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	s := &Session{
		id:     uuid.NewString(),
		device: device,
		opts:   opts,
		sink:   sink,
		slot:   make(chan struct{}, 1),

		latency: newLatencyTracker(latencySamples),
	}
	s.next.Store(int64(opts.StartCTAG))
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Device() Device   { return s.device }
func (s *Session) NextCTAG() string { return strconv.FormatInt(s.next.Load(), 10) }

// Connected reports whether a live Transport is held.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil && s.t.State() == transport.StateOpen
}

// Latency reports round trips of commands that drew a device verdict.
func (s *Session) Latency() LatencySnapshot { return s.latency.Snapshot() }

// Execute sends a raw wire string with the session CTAG stamped into it.
func (s *Session) Execute(ctx context.Context, wire string) (Result, error) {
	return s.Do(ctx, func(ctag string) (string, []string, error) {
		return tl1.WithCTAG(wire, ctag), nil, nil
	}, nil)
}

// Purpose: Run one command exchange under the session slot.
// Key aspects: Waits for the slot respecting ctx; allocates a fresh CTAG for
// every attempt (failed ones included); always appends an audit event.
// Upstream: jobs.Registry workers, playbook.Engine, Execute.
// Downstream: exchange, audit.Sink.Append.
func (s *Session) Do(ctx context.Context, render RenderFunc, progress ProgressFunc) (Result, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-s.slot }()
	if s.closed.Load() {
		return Result{}, ErrClosed
	}

	ctag := strconv.FormatInt(s.next.Add(1)-1, 10)
	res := Result{CTAG: ctag, Started: time.Now().UTC(), Envelope: tl1.Envelope{CTAG: ctag}}
	if progress == nil {
		progress = func(Progress) {}
	}

	wire, warnings, err := render(ctag)
	res.Command = wire
	res.Warnings = warnings
	if err != nil {
		res.Failure = err
	} else {
		res.Envelope, res.Failure = s.exchange(ctx, wire, ctag, progress)
	}
	res.Elapsed = time.Since(res.Started)
	res.Success = res.Failure == nil && res.Envelope.Success()
	if res.Failure == nil && res.Envelope.Kind != tl1.TimedOut {
		s.latency.Observe(res.Elapsed)
	}
	s.record(res)
	return res, res.Err()
}

func (s *Session) exchange(ctx context.Context, wire, ctag string, progress ProgressFunc) (tl1.Envelope, error) {
	addr := s.device.Addr()
	cls := tl1.NewClassifier(ctag)

	t, err := s.transport(ctx, ctag, progress)
	if err != nil {
		return cls.Envelope(), err
	}
	// Cancellation closes the socket so a blocked read returns at once.
	stop := context.AfterFunc(ctx, func() { _ = t.Disconnect() })
	defer stop()

	progress(Progress{Phase: PhaseSending, Addr: addr, CTAG: ctag, Command: wire})
	if err := t.Send(wire); err != nil {
		s.drop(t)
		return cls.Envelope(), s.cancelled(ctx, err)
	}

	deadline := time.Now().Add(s.opts.CommandTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Printf("Session %s: ctag %s timed out after %s", addr, ctag, s.opts.CommandTimeout)
			return cls.Expire(), nil
		}
		line, err := t.ReadLine(min(s.opts.ReadTimeout, remaining))
		if err != nil {
			if ctx.Err() != nil {
				s.drop(t)
				return cls.Envelope(), s.cancelled(ctx, err)
			}
			if transport.IsKind(err, transport.KindReadTimeout) {
				// A quiet device ends the response; the socket stays usable.
				log.Printf("Session %s: ctag %s: no terminated response (%v)", addr, ctag, err)
				return cls.Expire(), nil
			}
			if transport.IsKind(err, transport.KindLineTooLong) {
				log.Printf("Session %s: %v", addr, err)
				continue
			}
			s.drop(t)
			return cls.Envelope(), err
		}
		progress(Progress{Phase: PhaseLine, Addr: addr, CTAG: ctag, Line: line})
		if cls.Feed(line) {
			return cls.Envelope(), nil
		}
	}
}

// transport returns the live Transport, dialing a new one when needed.
func (s *Session) transport(ctx context.Context, ctag string, progress ProgressFunc) (*transport.Transport, error) {
	s.mu.Lock()
	t := s.t
	s.mu.Unlock()
	if t != nil && t.State() == transport.StateOpen {
		return t, nil
	}
	addr := s.device.Addr()
	progress(Progress{Phase: PhaseConnecting, Addr: addr, CTAG: ctag})
	t = transport.New(s.device.Host, s.device.Port, s.opts.Transport)
	if err := t.Connect(ctx); err != nil {
		log.Printf("Session %s: connect failed: %v", addr, err)
		return nil, s.cancelled(ctx, err)
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = t.Disconnect()
		return nil, ErrClosed
	}
	s.t = t
	s.mu.Unlock()
	progress(Progress{Phase: PhaseConnected, Addr: addr, CTAG: ctag})
	return t, nil
}

// drop closes t and forgets it so the next command re-dials.
func (s *Session) drop(t *transport.Transport) {
	_ = t.Disconnect()
	s.mu.Lock()
	if s.t == t {
		s.t = nil
	}
	s.mu.Unlock()
}

func (s *Session) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("session %s: %w (%v)", s.device.Addr(), ctxErr, err)
	}
	return err
}

func (s *Session) record(res Result) {
	ev := audit.Event{
		Time:      res.Started,
		Session:   s.id,
		Host:      s.device.Host,
		Port:      s.device.Port,
		CTAG:      res.CTAG,
		Command:   res.Command,
		Lines:     res.Envelope.Lines,
		Kind:      res.Envelope.Kind.String(),
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if res.Failure != nil {
		ev.Kind = "error"
		ev.Err = res.Failure.Error()
	}
	if err := s.sink.Append(ev); err != nil {
		log.Printf("Session %s: audit append failed: %v", s.device.Addr(), err)
	}
}

// Close disconnects the Transport, aborting any command in flight. Later
// calls to Do fail with ErrClosed.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	t := s.t
	s.t = nil
	s.mu.Unlock()
	if t != nil {
		return t.Disconnect()
	}
	return nil
}
