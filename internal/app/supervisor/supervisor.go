// Package supervisor runs the runtime's background periodics (§4.9) under a
// single restart-on-panic, exponential-back-off scheduler. Each task is
// scheduled on its own fixed interval via robfig/cron's "@every" spec (the
// teacher depends on robfig/cron for its automation trigger schedules; here
// it drives the fixed-interval periodics instead of cron-expression
// triggers), wrapped so a panicking or repeatedly failing task backs off
// instead of wedging the whole scheduler.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/core"
)

const (
	minBackoff = 2 * time.Second
	maxBackoff = 5 * time.Minute
)

// PeriodicTask is one background job: a name (used in logs and the
// descriptor), a fixed run interval, and the function invoked on each tick.
type PeriodicTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Supervisor owns a cron scheduler and the per-task failure/back-off state.
type Supervisor struct {
	log  *alog.Logger
	cron *cron.Cron

	mu    sync.Mutex
	tasks []PeriodicTask
	state map[string]*taskState
}

type taskState struct {
	mu           sync.Mutex
	failures     int
	skipUntil    time.Time
	clock        func() time.Time
}

// New returns a Supervisor logging through log. Call Register for each
// periodic task before Start.
func New(log *alog.Logger) *Supervisor {
	return &Supervisor{
		log:   log,
		cron:  cron.New(cron.WithSeconds()),
		state: make(map[string]*taskState),
	}
}

// Register adds task to the schedule. Must be called before Start.
func (s *Supervisor) Register(task PeriodicTask) error {
	if task.Interval <= 0 {
		return fmt.Errorf("supervisor: task %s: interval must be positive", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &taskState{clock: time.Now}
	s.state[task.Name] = st
	s.tasks = append(s.tasks, task)

	spec := fmt.Sprintf("@every %s", task.Interval)
	_, err := s.cron.AddFunc(spec, func() { s.runGuarded(task, st) })
	if err != nil {
		return fmt.Errorf("supervisor: schedule %s: %w", task.Name, err)
	}
	return nil
}

// runGuarded recovers panics and applies exponential back-off (2s..5m,
// doubling per consecutive failure) so one bad tick never wedges the
// scheduler or spins hot.
func (s *Supervisor) runGuarded(task PeriodicTask, st *taskState) {
	st.mu.Lock()
	if st.clock().Before(st.skipUntil) {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	err := s.invoke(task)

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.failures++
		backoff := minBackoff << uint(st.failures-1)
		if backoff > maxBackoff || backoff <= 0 {
			backoff = maxBackoff
		}
		st.skipUntil = st.clock().Add(backoff)
		s.log.WithError(err).WithField("task", task.Name).Warn("periodic task failed, backing off")
	} else {
		st.failures = 0
		st.skipUntil = time.Time{}
	}
}

func (s *Supervisor) invoke(task PeriodicTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), task.Interval)
	defer cancel()
	return task.Run(ctx)
}

// Name implements system.Service.
func (s *Supervisor) Name() string { return "supervisor" }

// Start begins the cron scheduler; periodics fire on their own schedule
// from here until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.cron.Start()
	return nil
}

// Stop drains in-flight ticks (bounded by cron's own stop context) and
// halts the scheduler.
func (s *Supervisor) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Supervisor) Descriptor() core.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return core.Descriptor{Name: s.Name(), Layer: "background", Notes: fmt.Sprintf("tasks: %v", names)}
}
