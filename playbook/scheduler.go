package playbook

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tl1assist/session"

	"github.com/adhocore/gronx"
)

// Schedule runs one playbook against one device on a cron expression.
type Schedule struct {
	Name     string
	Cron     string
	Playbook string
	Device   session.Device
	Vars     map[string]string
}

// Scheduler fires Schedules once per matching minute. A schedule whose
// previous run is still going is skipped for that minute.
type Scheduler struct {
	engine    *Engine
	pool      *session.Pool
	schedules []Schedule
	onEvent   func(Schedule, Event)

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler validates every cron expression, playbook and schedule name up
// front. The caller's slice is left untouched.
func NewScheduler(engine *Engine, pool *session.Pool, schedules []Schedule, onEvent func(Schedule, Event)) (*Scheduler, error) {
	cron := gronx.New()
	own := append([]Schedule(nil), schedules...)
	seen := make(map[string]bool, len(own))
	for i := range own {
		s := &own[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			s.Name = fmt.Sprintf("schedule-%d", i+1)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("playbook: duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		if !cron.IsValid(s.Cron) {
			return nil, fmt.Errorf("playbook: schedule %s: invalid cron %q", s.Name, s.Cron)
		}
		if _, err := engine.Library().Get(s.Playbook); err != nil {
			return nil, fmt.Errorf("playbook: schedule %s: %w", s.Name, err)
		}
	}
	return &Scheduler{
		engine:    engine,
		pool:      pool,
		schedules: own,
		onEvent:   onEvent,
		running:   make(map[string]bool),
	}, nil
}

// Run checks schedules at the top of every minute until ctx ends, then waits
// for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.schedules) == 0 {
		return
	}
	log.Printf("Scheduler: %d playbook schedules active", len(s.schedules))
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.wg.Wait()
			return
		case tick := <-timer.C:
			s.RunDue(ctx, tick.Truncate(time.Minute))
		}
	}
}

// RunDue starts every schedule due at t and returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context, t time.Time) int {
	cron := gronx.New()
	started := 0
	for _, sc := range s.schedules {
		due, err := cron.IsDue(sc.Cron, t)
		if err != nil {
			log.Printf("Scheduler: %s: %v", sc.Name, err)
			continue
		}
		if !due {
			continue
		}
		s.mu.Lock()
		if s.running[sc.Name] {
			s.mu.Unlock()
			log.Printf("Scheduler: %s still running, skipping %s", sc.Name, t.Format(time.RFC3339))
			continue
		}
		s.running[sc.Name] = true
		s.mu.Unlock()

		events, err := s.engine.Start(ctx, sc.Playbook, s.pool.Get(sc.Device), sc.Vars)
		if err != nil {
			log.Printf("Scheduler: %s: %v", sc.Name, err)
			s.done(sc.Name)
			continue
		}
		started++
		s.wg.Add(1)
		go func(sc Schedule) {
			defer s.wg.Done()
			defer s.done(sc.Name)
			for ev := range events {
				if s.onEvent != nil {
					s.onEvent(sc, ev)
				}
			}
		}(sc)
	}
	return started
}

func (s *Scheduler) done(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }
