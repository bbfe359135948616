// Package jobs tracks asynchronous command sends by opaque id. Each submitted
// job runs on its own goroutine against the pooled Session of its device, so
// jobs for one device serialize while different devices proceed in parallel.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tl1assist/session"
	"tl1assist/tl1"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("jobs: job not found")
	ErrClosed   = errors.New("jobs: registry closed")
)

// Status is the lifecycle position of a Job. Transitions only move forward.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusConnecting Status = "connecting"
	StatusSending    Status = "sending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timedOut"
)

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusConnecting:
		return 1
	case StatusSending:
		return 2
	default:
		return 3
	}
}

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s.rank() == 3 }

// Request asks for one command. Either CommandID names a catalog entry or Raw
// carries a literal wire string; the Session stamps its own CTAG either way.
type Request struct {
	Host      string
	Port      int
	CommandID string
	Raw       string
	TID       string
	AID       string
	Params    map[string]string
}

// Job is a snapshot of one tracked send.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Output    []string  `json:"output"`
	Completed bool      `json:"completed"`
	Device    string    `json:"device"`
	CommandID string    `json:"command_id,omitempty"`
	Command   string    `json:"command,omitempty"`
	CTAG      string    `json:"ctag,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j Job) clone() Job {
	j.Output = append([]string(nil), j.Output...)
	j.Warnings = append([]string(nil), j.Warnings...)
	return j
}

// Observer is told about every status transition.
type Observer interface {
	JobUpdated(Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Job)

func (f ObserverFunc) JobUpdated(j Job) { f(j) }

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every job until the caller discards it. Nothing is evicted
// on a timer.
type Registry struct {
	pool     *session.Pool
	builder  *tl1.Builder
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
	now    func() time.Time
}

func New(pool *session.Pool, builder *tl1.Builder, observer Observer) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		pool:     pool,
		builder:  builder,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*entry),
		now:      time.Now,
	}
}

// Purpose: Validate a request and start it asynchronously.
// Key aspects: Catalog and parameter checks run synchronously so a SpecError
// never creates a job; the returned id is already in queued state.
// Upstream: commands processor, console.
// Downstream: Registry.run on a new goroutine.
func (r *Registry) Submit(req Request) (string, error) {
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		return "", fmt.Errorf("jobs: invalid device %q:%d", req.Host, req.Port)
	}
	var spec tl1.CommandSpec
	switch {
	case strings.TrimSpace(req.CommandID) != "":
		if r.builder == nil {
			return "", errors.New("jobs: no command catalog configured")
		}
		var err error
		if spec, err = r.builder.Spec(req.CommandID); err != nil {
			return "", err
		}
		if _, _, err := r.builder.BuildSpec(spec, req.TID, req.AID, tl1.DefaultCTAG, req.Params); err != nil {
			return "", err
		}
	case strings.TrimSpace(req.Raw) == "":
		return "", errors.New("jobs: request needs a command id or a raw command")
	}

	device := session.Device{Host: req.Host, Port: req.Port}
	now := r.now().UTC()
	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Status:    StatusQueued,
			Device:    device.Addr(),
			CommandID: spec.ID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	r.jobs[e.job.ID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	r.notify(e)
	go r.run(ctx, e, device, spec, req)
	return e.job.ID, nil
}

func (r *Registry) run(ctx context.Context, e *entry, device session.Device, spec tl1.CommandSpec, req Request) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	r.advance(e, StatusConnecting)
	sess := r.pool.Get(device)
	render := func(ctag string) (string, []string, error) {
		if spec.ID == "" {
			return tl1.WithCTAG(req.Raw, ctag), nil, nil
		}
		cmd, warnings, err := r.builder.BuildSpec(spec, req.TID, req.AID, ctag, req.Params)
		if err != nil {
			return "", nil, err
		}
		for _, w := range warnings {
			r.appendOutput(e, "[WARN] "+w)
		}
		return cmd.Wire(), warnings, nil
	}
	progress := func(p session.Progress) {
		switch p.Phase {
		case session.PhaseConnecting:
			r.appendOutput(e, "[INFO] Connecting to "+p.Addr)
		case session.PhaseConnected:
			r.appendOutput(e, "[INFO] Connected to "+p.Addr)
		case session.PhaseSending:
			r.mu.Lock()
			e.job.Command = p.Command
			e.job.CTAG = p.CTAG
			r.mu.Unlock()
			r.advance(e, StatusSending)
			r.appendOutput(e, "[SEND] "+p.Command)
		case session.PhaseLine:
			r.appendOutput(e, "[RECV] "+p.Line)
		}
	}

	res, err := sess.Do(ctx, render, progress)
	r.finish(e, res, err)
}

// finish records the terminal state of a job.
func (r *Registry) finish(e *entry, res session.Result, err error) {
	lines := len(res.Envelope.Lines)
	status := StatusFailed
	var out []string
	var perr *tl1.ProtocolError
	switch {
	case err == nil && res.Success:
		status = StatusCompleted
		out = append(out, fmt.Sprintf("[INFO] Command completed successfully, %d response lines", lines))
	case err == nil:
		out = append(out, fmt.Sprintf("[INFO] Command failed (%s), %d response lines", res.Envelope.Code, lines))
	case errors.As(err, &perr) && perr.Kind == tl1.TimedOut:
		status = StatusTimedOut
		out = append(out, "[ERROR] "+err.Error())
	default:
		out = append(out, "[ERROR] "+err.Error())
	}

	r.mu.Lock()
	if e.job.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if res.Command != "" {
		e.job.Command = res.Command
	}
	if res.CTAG != "" {
		e.job.CTAG = res.CTAG
	}
	e.job.Kind = res.Envelope.Kind.String()
	e.job.Warnings = append([]string(nil), res.Warnings...)
	if err != nil {
		e.job.Error = err.Error()
	}
	e.job.Output = append(e.job.Output, out...)
	e.job.Status = status
	e.job.Completed = true
	e.job.UpdatedAt = r.now().UTC()
	id := e.job.ID
	r.mu.Unlock()

	if err != nil {
		log.Printf("Jobs: job %s %s: %v", id, status, err)
	} else {
		log.Printf("Jobs: job %s %s (%s)", id, status, res.Envelope.Kind)
	}
	r.notify(e)
}

func (r *Registry) advance(e *entry, status Status) {
	r.mu.Lock()
	if status.rank() <= e.job.Status.rank() {
		r.mu.Unlock()
		return
	}
	e.job.Status = status
	e.job.UpdatedAt = r.now().UTC()
	r.mu.Unlock()
	r.notify(e)
}

func (r *Registry) appendOutput(e *entry, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.job.Status.Terminal() {
		return
	}
	e.job.Output = append(e.job.Output, line)
	e.job.UpdatedAt = r.now().UTC()
}

func (r *Registry) notify(e *entry) {
	if r.observer == nil {
		return
	}
	r.mu.Lock()
	snap := e.job.clone()
	r.mu.Unlock()
	r.observer.JobUpdated(snap)
}

// Status returns a snapshot of job id.
func (r *Registry) Status(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.job.clone(), nil
}

// Cancel aborts a running job; its Session closes the connection if a read
// is in progress. Cancelling a finished job is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	return nil
}

// Discard cancels job id if it is still running and forgets it.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	return nil
}

// Wait blocks until job id is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.job.clone(), nil
}

// List returns every tracked job, oldest first.
func (r *Registry) List() []Job {
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close cancels running jobs and waits for their goroutines. Finished jobs
// stay readable.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	return nil
}
