package playbook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"tl1assist/session"
	"tl1assist/tl1"
)

const DefaultStepDelay = 500 * time.Millisecond

// Executor runs one command exchange; *session.Session implements it.
type Executor interface {
	Do(ctx context.Context, render session.RenderFunc, progress session.ProgressFunc) (session.Result, error)
}

// EventType tags each Event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStep     EventType = "step"
	EventResponse EventType = "response"
	EventSuccess  EventType = "success"
	EventWarning  EventType = "warning"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// RunState is the state of a playbook run.
type RunState string

const (
	StateNotStarted     RunState = "notStarted"
	StateRunning        RunState = "running"
	StateCompleted      RunState = "completed"
	StateAbortedOnError RunState = "abortedOnError"
	StateCancelled      RunState = "cancelled"
)

// Event is one immutable progress record of a run.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Playbook string    `json:"playbook"`
	Index    int       `json:"index,omitempty"` // 1-based step position
	Total    int       `json:"total,omitempty"`
	StepID   string    `json:"step_id,omitempty"`
	StepName string    `json:"step_name,omitempty"`
	Command  string    `json:"command,omitempty"`
	CTAG     string    `json:"ctag,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Lines    []string  `json:"lines,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Message  string    `json:"message,omitempty"`
	State    RunState  `json:"state,omitempty"`
	Err      error     `json:"-"`
}

// Engine starts playbook runs.
type Engine struct {
	lib     *Library
	builder *tl1.Builder
	delay   time.Duration
}

// NewEngine builds an Engine. A negative delay disables the pause between
// steps; zero selects DefaultStepDelay.
func NewEngine(lib *Library, builder *tl1.Builder, delay time.Duration) *Engine {
	switch {
	case delay == 0:
		delay = DefaultStepDelay
	case delay < 0:
		delay = 0
	}
	return &Engine{lib: lib, builder: builder, delay: delay}
}

func (e *Engine) Library() *Library { return e.lib }

// Purpose: Launch a playbook run and return its event stream.
// Key aspects: The channel is buffered for every event the run can emit, so
// the run never blocks on a slow consumer; it is closed after complete.
// Upstream: commands processor, Scheduler.
// Downstream: Engine.run, Executor.Do.
func (e *Engine) Start(ctx context.Context, name string, exec Executor, vars map[string]string) (<-chan Event, error) {
	pb, err := e.lib.Get(name)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &Error{Kind: ErrInvalid, Flow: pb.ID, Err: errors.New("no executor")}
	}
	events := make(chan Event, 4*len(pb.Steps)+2)
	go e.run(ctx, pb, exec, vars, events)
	return events, nil
}

// Run is Start followed by draining the stream into a slice.
func (e *Engine) Run(ctx context.Context, name string, exec Executor, vars map[string]string) ([]Event, error) {
	ch, err := e.Start(ctx, name, exec, vars)
	if err != nil {
		return nil, err
	}
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, pb Playbook, exec Executor, vars map[string]string, events chan<- Event) {
	defer close(events)
	total := len(pb.Steps)
	emit := func(ev Event) {
		ev.Time = time.Now().UTC()
		ev.Playbook = pb.Label()
		ev.Total = total
		events <- ev
	}

	log.Printf("Playbook %s: starting (%d steps)", pb.Label(), total)
	emit(Event{Type: EventStart, Message: pb.Description, State: StateRunning})

	state := StateCompleted
	var runErr error
	for i, step := range pb.Steps {
		if i > 0 && !e.pause(ctx) {
			state = StateCancelled
			runErr = ctx.Err()
			break
		}
		if ctx.Err() != nil {
			state = StateCancelled
			runErr = ctx.Err()
			break
		}
		ok := e.runStep(ctx, pb, i, step, exec, vars, emit)
		if ctx.Err() != nil {
			state = StateCancelled
			runErr = ctx.Err()
			break
		}
		if !ok && step.OnError == OnErrorAbort {
			state = StateAbortedOnError
			runErr = &Error{Kind: ErrStepAborted, Flow: pb.ID, StepID: step.ID}
			break
		}
	}

	msg := fmt.Sprintf("Playbook %s %s", pb.Label(), state)
	if runErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, runErr)
	}
	log.Printf("Playbook %s: %s", pb.Label(), state)
	emit(Event{Type: EventComplete, State: state, Message: msg, Err: runErr})
}

// runStep executes one step and reports whether it met its expectation.
func (e *Engine) runStep(ctx context.Context, pb Playbook, i int, step Step, exec Executor, vars map[string]string, emit func(Event)) bool {
	base := Event{Index: i + 1, StepID: step.ID, StepName: step.Name}
	fail := func(err error) bool {
		ev := base
		ev.Type = EventError
		ev.Err = err
		ev.Message = fmt.Sprintf("Step %s failed: %v", step.ID, err)
		emit(ev)
		return false
	}

	spec, err := e.builder.Resolve(step.Command)
	if err != nil {
		return fail(err)
	}
	tid, aid, params := bindStep(step, vars)

	res, err := exec.Do(ctx, func(ctag string) (string, []string, error) {
		cmd, warnings, err := e.builder.BuildSpec(spec, tid, aid, ctag, params)
		if err != nil {
			return "", nil, err
		}
		ev := base
		ev.Type = EventStep
		ev.Command = cmd.Wire()
		ev.CTAG = ctag
		ev.Warnings = warnings
		emit(ev)
		return cmd.Wire(), warnings, nil
	}, nil)

	var perr *tl1.ProtocolError
	if err != nil && !errors.As(err, &perr) {
		return fail(err)
	}

	ev := base
	ev.Type = EventResponse
	ev.Command = res.Command
	ev.CTAG = res.CTAG
	ev.Kind = res.Envelope.Kind.String()
	ev.Lines = res.Envelope.Lines
	emit(ev)

	ev = base
	ev.CTAG = res.CTAG
	ev.Kind = res.Envelope.Kind.String()
	if res.Envelope.Kind == step.Expect {
		ev.Type = EventSuccess
		ev.Message = fmt.Sprintf("Step %s completed successfully", step.ID)
		emit(ev)
		return true
	}
	ev.Type = EventWarning
	ev.Err = err
	ev.Message = fmt.Sprintf("Step %s did not return expected response (want %s, got %s)", step.ID, step.Expect, res.Envelope.Kind)
	emit(ev)
	return false
}

func (e *Engine) pause(ctx context.Context) bool {
	if e.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// bindStep substitutes vars into the step bindings and splits out the
// positional TID and AID. A step without a TID binding uses $TID.
func bindStep(step Step, vars map[string]string) (tid, aid string, params map[string]string) {
	params = make(map[string]string, len(step.Params))
	tidTemplate := "$TID"
	for k, v := range step.Params {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "TID":
			tidTemplate = v
		case "AID":
			aid = substitute(v, vars)
		case "CTAG":
		default:
			params[key] = substitute(v, vars)
		}
	}
	tid = substitute(tidTemplate, vars)
	return tid, aid, params
}

// substitute expands $VAR and ${VAR}. Names are matched exactly, then
// upper-cased; unknown names expand to empty.
func substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return vars[strings.ToUpper(name)]
	})
}

// Purpose: Render the provisioning command of a playbook without sending it.
// Key aspects: Uses the step marked preview; operator state supplies TID and
// AID and every other key becomes a parameter unless the step binds it.
// Upstream: commands processor "provision".
// Downstream: tl1.Builder.Resolve, tl1.Builder.BuildSpec.
func (e *Engine) Preview(name string, state map[string]string, ctag string) (tl1.BuiltCommand, []string, error) {
	pb, err := e.lib.Get(name)
	if err != nil {
		return tl1.BuiltCommand{}, nil, err
	}
	var step *Step
	for i := range pb.Steps {
		if pb.Steps[i].Preview {
			step = &pb.Steps[i]
			break
		}
	}
	if step == nil {
		return tl1.BuiltCommand{}, nil, &Error{Kind: ErrNoPreviewStep, Flow: pb.ID}
	}
	spec, err := e.builder.Resolve(step.Command)
	if err != nil {
		return tl1.BuiltCommand{}, nil, &Error{Kind: ErrInvalid, Flow: pb.ID, StepID: step.ID, Err: err}
	}
	tid, aid, params := bindStep(*step, state)
	for k, v := range state {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "TID", "AID", "CTAG":
			continue
		}
		if _, bound := params[key]; !bound {
			params[key] = v
		}
	}
	if aid == "" {
		aid = state["AID"]
	}
	return e.builder.BuildSpec(spec, tid, aid, ctag, params)
}
