package playbook

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tl1assist/session"
	"tl1assist/sim"
	"tl1assist/tl1"
)

func sweepBook() Playbook {
	return Playbook{ID: "sweep", Name: "Sweep", Steps: []Step{
		{ID: "alarms", Command: "RTRV-ALM-ALL", Expect: tl1.Completed, OnError: OnErrorContinue},
	}}
}

func TestNewSchedulerValidates(t *testing.T) {
	e := newEngine(t, sweepBook())
	pool := session.NewPool(session.Options{}, nil)
	defer pool.Close()

	if _, err := NewScheduler(e, pool, []Schedule{{Name: "bad", Cron: "not cron", Playbook: "sweep"}}, nil); err == nil || !strings.Contains(err.Error(), "invalid cron") {
		t.Fatalf("expected invalid cron error, got %v", err)
	}
	if _, err := NewScheduler(e, pool, []Schedule{{Name: "x", Cron: "* * * * *", Playbook: "missing"}}, nil); err == nil {
		t.Fatalf("expected unknown playbook error")
	}
	in := []Schedule{{Cron: "* * * * *", Playbook: "sweep"}}
	s, err := NewScheduler(e, pool, in, nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if s.schedules[0].Name != "schedule-1" {
		t.Fatalf("expected generated name, got %q", s.schedules[0].Name)
	}
	if in[0].Name != "" {
		t.Fatalf("caller's schedules modified: %+v", in[0])
	}
}

func TestNewSchedulerRejectsDuplicateNames(t *testing.T) {
	e := newEngine(t, sweepBook())
	pool := session.NewPool(session.Options{}, nil)
	defer pool.Close()

	_, err := NewScheduler(e, pool, []Schedule{
		{Name: "nightly", Cron: "0 2 * * *", Playbook: "sweep"},
		{Name: " nightly ", Cron: "0 3 * * *", Playbook: "sweep"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate schedule name") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}

	// A generated name may collide with an explicit one.
	_, err = NewScheduler(e, pool, []Schedule{
		{Name: "schedule-2", Cron: "0 2 * * *", Playbook: "sweep"},
		{Cron: "0 3 * * *", Playbook: "sweep"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate schedule name") {
		t.Fatalf("expected duplicate generated name error, got %v", err)
	}
}

func TestRunDueStartsMatchingSchedules(t *testing.T) {
	simulator, err := sim.Start(sim.Options{Alarms: sim.DefaultAlarms()})
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	defer simulator.Close()
	host, port := simulator.Addr()

	pool := session.NewPool(session.Options{}, nil)
	defer pool.Close()

	var mu sync.Mutex
	var got []Event
	s, err := NewScheduler(newEngine(t, sweepBook()), pool, []Schedule{{
		Name:     "nightly",
		Cron:     "0 2 * * *",
		Playbook: "sweep",
		Device:   session.Device{Host: host, Port: port},
		Vars:     map[string]string{"TID": "NODE1"},
	}}, func(sc Schedule, ev Event) {
		if sc.Name != "nightly" {
			t.Errorf("unexpected schedule %s", sc.Name)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	ctx := context.Background()
	if n := s.RunDue(ctx, time.Date(2026, time.March, 3, 2, 1, 0, 0, time.UTC)); n != 0 {
		t.Fatalf("expected nothing due at 02:01, started %d", n)
	}
	if n := s.RunDue(ctx, time.Date(2026, time.March, 3, 2, 0, 0, 0, time.UTC)); n != 1 {
		t.Fatalf("expected one run at 02:00, started %d", n)
	}
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("no events delivered")
	}
	last := got[len(got)-1]
	if last.Type != EventComplete || last.State != StateCompleted {
		t.Fatalf("unexpected final event %+v", last)
	}
	sent := simulator.Received()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "RTRV-ALM-ALL:NODE1::1") {
		t.Fatalf("unexpected wire traffic %q", sent)
	}
}

func TestRunWithoutSchedulesReturns(t *testing.T) {
	pool := session.NewPool(session.Options{}, nil)
	defer pool.Close()
	s, err := NewScheduler(newEngine(t, sweepBook()), pool, nil, nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run blocked with no schedules")
	}
}
