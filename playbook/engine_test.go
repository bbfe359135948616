package playbook

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tl1assist/session"
	"tl1assist/sim"
	"tl1assist/tl1"
)

// fakeExec answers by command code and hands out CTAGs like a Session.
type fakeExec struct {
	mu    sync.Mutex
	next  int
	kinds map[string]tl1.Kind
	errs  map[string]error
	sent  []string
	ctags []string
}

func (f *fakeExec) Do(ctx context.Context, render session.RenderFunc, _ session.ProgressFunc) (session.Result, error) {
	f.mu.Lock()
	f.next++
	ctag := strconv.Itoa(f.next)
	f.ctags = append(f.ctags, ctag)
	f.mu.Unlock()

	wire, warnings, err := render(ctag)
	res := session.Result{Command: wire, CTAG: ctag, Warnings: warnings}
	if err != nil {
		res.Failure = err
		return res, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, wire)
	f.mu.Unlock()
	code := wire[:strings.Index(wire, ":")]
	if e, ok := f.errs[code]; ok {
		res.Failure = e
		return res, e
	}
	kind := tl1.Completed
	if k, ok := f.kinds[code]; ok {
		kind = k
	}
	res.Envelope = tl1.Envelope{CTAG: ctag, Kind: kind, Lines: []string{"M  " + ctag + " X", ";"}}
	res.Success = res.Envelope.Success()
	return res, res.Err()
}

func (f *fakeExec) wires() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func twoSteps(onError OnError) Playbook {
	return Playbook{
		ID:      "pair",
		Name:    "Pair",
		Section: SectionTroubleshooting,
		Steps: []Step{
			{ID: "a", Command: "DLT-CRS-STS1", Params: map[string]string{"AID": "$AID"}, Expect: tl1.Completed, OnError: onError},
			{ID: "b", Command: "RTRV-ALM-ALL", Expect: tl1.Completed, OnError: OnErrorContinue},
		},
	}
}

func newEngine(t *testing.T, books ...Playbook) *Engine {
	t.Helper()
	lib, err := NewLibrary(books...)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	return NewEngine(lib, tl1.NewBuilder(tl1.MapLookup{}, false), -1)
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestAbortSkipsRemainingSteps(t *testing.T) {
	exec := &fakeExec{kinds: map[string]tl1.Kind{"DLT-CRS-STS1": tl1.Denied}}
	e := newEngine(t, twoSteps(OnErrorAbort))
	events, err := e.Run(context.Background(), "pair", exec, map[string]string{"TID": "NODE1", "AID": "STS1-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sent := exec.wires(); len(sent) != 1 || !strings.HasPrefix(sent[0], "DLT-CRS-STS1:NODE1:STS1-1:1:") {
		t.Fatalf("expected only step a on the wire, got %q", sent)
	}
	last := events[len(events)-1]
	var perr *Error
	if last.Type != EventComplete || last.State != StateAbortedOnError || !errors.As(last.Err, &perr) || perr.Kind != ErrStepAborted || perr.StepID != "a" {
		t.Fatalf("unexpected final event %+v", last)
	}
	want := []EventType{EventStart, EventStep, EventResponse, EventWarning, EventComplete}
	if got := types(events); len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestContinueRunsEveryStep(t *testing.T) {
	exec := &fakeExec{kinds: map[string]tl1.Kind{"DLT-CRS-STS1": tl1.Denied}}
	e := newEngine(t, twoSteps(OnErrorContinue))
	events, err := e.Run(context.Background(), "Pair", exec, map[string]string{"TID": "NODE1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sent := exec.wires(); len(sent) != 2 {
		t.Fatalf("expected both steps on the wire, got %q", sent)
	}
	if last := events[len(events)-1]; last.State != StateCompleted || last.Err != nil {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestCTAGIncreasesAcrossFailingSteps(t *testing.T) {
	pb := Playbook{ID: "three", Steps: []Step{
		{ID: "1", Command: "RTRV-HDR", Expect: tl1.Completed, OnError: OnErrorContinue},
		{ID: "2", Command: "RTRV-ALM-ALL", Expect: tl1.Completed, OnError: OnErrorContinue},
		{ID: "3", Command: "RTRV-HDR", Expect: tl1.Completed, OnError: OnErrorContinue},
	}}
	exec := &fakeExec{errs: map[string]error{"RTRV-ALM-ALL": errors.New("connection reset")}}
	e := newEngine(t, pb)
	events, err := e.Run(context.Background(), "three", exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var stepCTAGs []string
	var errorsSeen int
	for _, ev := range events {
		switch ev.Type {
		case EventStep:
			stepCTAGs = append(stepCTAGs, ev.CTAG)
		case EventError:
			errorsSeen++
		}
	}
	if strings.Join(stepCTAGs, ",") != "1,2,3" || errorsSeen != 1 {
		t.Fatalf("expected ctags 1,2,3 with one error, got %v errors=%d", stepCTAGs, errorsSeen)
	}
}

func TestEventSequence(t *testing.T) {
	exec := &fakeExec{}
	e := newEngine(t, twoSteps(OnErrorAbort))
	events, err := e.Run(context.Background(), "pair", exec, map[string]string{"TID": "N"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []EventType{
		EventStart,
		EventStep, EventResponse, EventSuccess,
		EventStep, EventResponse, EventSuccess,
		EventComplete,
	}
	got := types(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if events[0].Total != 2 || events[1].Index != 1 || events[4].Index != 2 {
		t.Fatalf("step positions not reported: %+v", events[:5])
	}
}

func TestUnknownFlow(t *testing.T) {
	e := newEngine(t, twoSteps(OnErrorAbort))
	_, err := e.Start(context.Background(), "nope", &fakeExec{}, nil)
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrUnknownFlow {
		t.Fatalf("expected unknown flow, got %v", err)
	}
}

func TestVariableSubstitution(t *testing.T) {
	pb := Playbook{ID: "vars", Steps: []Step{{
		ID:      "1",
		Command: "ED-T1",
		Params:  map[string]string{"AID": "${PORT}", "LINECDE": "$CODE", "FMT": "ESF"},
		Expect:  tl1.Completed,
		OnError: OnErrorAbort,
	}}}
	exec := &fakeExec{}
	e := newEngine(t, pb)
	if _, err := e.Run(context.Background(), "vars", exec, map[string]string{"TID": "SITE", "PORT": "T1-1", "code": "B8ZS"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	// A lower-case var does not bind $CODE, so LINECDE expands empty and is dropped.
	want := "ED-T1:SITE:T1-1:1::FMT=ESF;"
	if sent := exec.wires(); len(sent) != 1 || sent[0] != want {
		t.Fatalf("expected %q, got %q", want, sent)
	}
}

func TestBindStep(t *testing.T) {
	step := Step{Params: map[string]string{"aid": "$AID", "CTAG": "9", "LINECDE": "$CODE"}}
	tid, aid, params := bindStep(step, map[string]string{"TID": "NODE1", "AID": "T1-3", "CODE": "AMI"})
	if tid != "NODE1" || aid != "T1-3" {
		t.Fatalf("unexpected tid=%q aid=%q", tid, aid)
	}
	if len(params) != 1 || params["LINECDE"] != "AMI" {
		t.Fatalf("unexpected params %v", params)
	}
	tid, _, _ = bindStep(Step{Params: map[string]string{"TID": "FIXED"}}, map[string]string{"TID": "NODE1"})
	if tid != "FIXED" {
		t.Fatalf("explicit TID binding ignored, got %q", tid)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	lib, err := NewLibrary(twoSteps(OnErrorContinue))
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	e := NewEngine(lib, tl1.NewBuilder(tl1.MapLookup{}, false), 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExec{}
	ch, err := e.Start(ctx, "pair", exec, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var last Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Type == EventSuccess {
				cancel()
			}
			last = ev
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run ignored cancellation during the inter-step delay")
	}
	if last.State != StateCancelled || len(exec.wires()) != 1 {
		t.Fatalf("expected cancelled after one step, got %+v sent=%q", last, exec.wires())
	}
}

func TestPreview(t *testing.T) {
	pb := Playbook{ID: "ds1", Name: "Provision DS1", Section: SectionProvisioning, Steps: []Step{
		{ID: "1", Name: "Select port", Command: "RTRV-T1", Expect: tl1.Completed, OnError: OnErrorAbort},
		{ID: "2", Name: "Configure", Command: "ENT-T1", Params: map[string]string{"FMT": "ESF"}, Expect: tl1.Completed, OnError: OnErrorAbort, Preview: true},
	}}
	e := newEngine(t, pb, twoSteps(OnErrorAbort))
	cmd, _, err := e.Preview("Provision DS1", map[string]string{"TID": "NODE1", "AID": "T1-1-1", "LINECDE": "B8ZS", "FMT": "SF"}, "7")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if cmd.Wire() != "ENT-T1:NODE1:T1-1-1:7::FMT=ESF,LINECDE=B8ZS;" {
		t.Fatalf("unexpected preview %q", cmd.Wire())
	}
	_, _, err = e.Preview("pair", nil, "1")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrNoPreviewStep {
		t.Fatalf("expected no preview step, got %v", err)
	}
}

func TestRunAgainstSimulator(t *testing.T) {
	simulator, err := sim.Start(sim.Options{Alarms: sim.DefaultAlarms()})
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	defer simulator.Close()
	simulator.Handle("DLT-CRS-STS1", func(r sim.Request) []string {
		return simulator.Response(r.CTAG, "DENY", "SNVS")
	})
	host, port := simulator.Addr()
	sess := session.New(session.Device{Host: host, Port: port}, session.Options{StartCTAG: 100}, nil)
	defer sess.Close()

	e := newEngine(t, twoSteps(OnErrorContinue))
	events, err := e.Run(context.Background(), "pair", sess, map[string]string{"TID": "NODE1", "AID": "STS1-4"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := simulator.Received()
	if len(got) != 2 || got[0] != "DLT-CRS-STS1:NODE1:STS1-4:100::;" || got[1] != "RTRV-ALM-ALL:NODE1::101::;" {
		t.Fatalf("unexpected wire strings %q", got)
	}
	var warnings, successes int
	for _, ev := range events {
		switch ev.Type {
		case EventWarning:
			warnings++
		case EventSuccess:
			successes++
		}
	}
	if warnings != 1 || successes != 1 {
		t.Fatalf("expected one warning and one success, got %v", types(events))
	}
}
