package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
)

var (
	ErrMajorFrame     = errors.New("major frame must be > 0")
	ErrTaskName       = errors.New("task name must not be empty")
	ErrTaskHandler    = errors.New("task handler must not be nil")
	ErrTaskInterval   = errors.New("task interval must be > 0 and not exceed the major frame")
	ErrDuplicateTask  = errors.New("duplicate task name")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// State is the scheduler lifecycle state.
type State uint32

const (
	Stopped State = iota
	Running
	Draining
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// TaskFunc is a sub-task handler. Handlers run synchronously on the
// scheduler thread and must self-bound their execution time; there is
// no forced-timeout kill for a stuck handler.
type TaskFunc func(now time.Time)

// Task is one named sub-task with its own cadence.
type Task struct {
	Name     string
	Interval time.Duration
	Handler  TaskFunc
}

// Plan is the configuration-derived schedule: one major frame divided
// into independently timed sub-tasks, plus thread placement.
type Plan struct {
	MajorFrame    time.Duration
	Tasks         []Task
	CPUAffinity   []int
	RTPriority    int
	SpinThreshold time.Duration
}

type taskState struct {
	name     string
	interval time.Duration
	handler  TaskFunc
	nextDue  time.Time

	fired    uint64
	overruns uint64
	skipped  uint64
	panics   uint64
}

// Scheduler drives the periodic computation/publish cycle on one
// dedicated, optionally pinned OS thread.
type Scheduler struct {
	plan  Plan
	tasks []*taskState

	state  uint32
	stopCh chan struct{}
	wg     sync.WaitGroup
	ticks  uint64
}

// New validates the plan and builds a stopped scheduler. Interval
// violations are construction-time failures; the process must refuse
// to start rather than run with undefined cadence.
func New(plan Plan) (*Scheduler, error) {
	if plan.MajorFrame <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrMajorFrame, plan.MajorFrame)
	}
	if len(plan.Tasks) == 0 {
		return nil, errors.New("plan has no tasks")
	}
	seen := make(map[string]bool, len(plan.Tasks))
	tasks := make([]*taskState, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.Name == "" {
			return nil, ErrTaskName
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskHandler, t.Name)
		}
		if t.Interval <= 0 || t.Interval > plan.MajorFrame {
			return nil, fmt.Errorf("%w: %s interval %v frame %v",
				ErrTaskInterval, t.Name, t.Interval, plan.MajorFrame)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		seen[t.Name] = true
		tasks = append(tasks, &taskState{
			name:     t.Name,
			interval: t.Interval,
			handler:  t.Handler,
		})
	}
	return &Scheduler{
		plan:   plan,
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// Start transitions Stopped -> Running and launches the loop thread.
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapUint32(&s.state, uint32(Stopped), uint32(Running)) {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop transitions Running -> Draining, lets any in-flight sub-task
// finish, then settles in Stopped. No sub-task is interrupted
// mid-execution.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.state, uint32(Running), uint32(Draining)) {
		return ErrNotRunning
	}
	close(s.stopCh)
	s.wg.Wait()
	atomic.StoreUint32(&s.state, uint32(Stopped))
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pinThread(s.plan.CPUAffinity)
	setRealtime(s.plan.RTPriority)

	now := time.Now()
	for _, t := range s.tasks {
		t.nextDue = now.Add(t.interval)
	}

	for s.State() == Running {
		now = time.Now()
		due := s.dueTasks(now)
		for _, t := range due {
			if s.State() != Running {
				return
			}
			s.fire(t, now)
		}
		atomic.AddUint64(&s.ticks, 1)
		s.waitUntil(s.earliestDue())
	}
}

// dueTasks returns every task whose due time has arrived, in strict
// due-time order.
func (s *Scheduler) dueTasks(now time.Time) []*taskState {
	due := make([]*taskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.nextDue.After(now) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].nextDue.Before(due[j].nextDue)
	})
	return due
}

func (s *Scheduler) fire(t *taskState, now time.Time) {
	start := time.Now()
	s.invoke(t, now)
	elapsed := time.Since(start)

	// Advance by the interval, not from now, so load never causes
	// phase drift. Missed ticks are skipped, never replayed.
	t.nextDue = t.nextDue.Add(t.interval)
	if elapsed > t.interval {
		atomic.AddUint64(&t.overruns, 1)
		logs.Warnf("task %s overran: took %v, interval %v", t.name, elapsed, t.interval)
	}
	end := time.Now()
	for !t.nextDue.After(end) {
		t.nextDue = t.nextDue.Add(t.interval)
		atomic.AddUint64(&t.skipped, 1)
	}
	atomic.AddUint64(&t.fired, 1)
}

// invoke runs the handler with panic containment: no error or panic
// from a sub-task may terminate the scheduler thread.
func (s *Scheduler) invoke(t *taskState, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&t.panics, 1)
			logs.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	t.handler(now)
}

func (s *Scheduler) earliestDue() time.Time {
	next := s.tasks[0].nextDue
	for _, t := range s.tasks[1:] {
		if t.nextDue.Before(next) {
			next = t.nextDue
		}
	}
	return next
}

// waitUntil sleeps toward the next due time, switching to a busy wait
// inside the configured spin threshold to cut wakeup jitter.
func (s *Scheduler) waitUntil(next time.Time) {
	for {
		d := time.Until(next)
		if d <= 0 {
			return
		}
		if d > s.plan.SpinThreshold {
			timer := time.NewTimer(d - s.plan.SpinThreshold)
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		select {
		case <-s.stopCh:
			return
		default:
			runtime.Gosched()
		}
	}
}

// TaskStats is a point-in-time view of one sub-task's counters.
type TaskStats struct {
	Name     string
	Interval time.Duration
	Fired    uint64
	Overruns uint64
	Skipped  uint64
	Panics   uint64
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	State State
	Ticks uint64
	Tasks []TaskStats
}

// Snapshot captures the current counters.
func (s *Scheduler) Snapshot() Stats {
	out := Stats{
		State: s.State(),
		Ticks: atomic.LoadUint64(&s.ticks),
		Tasks: make([]TaskStats, 0, len(s.tasks)),
	}
	for _, t := range s.tasks {
		out.Tasks = append(out.Tasks, TaskStats{
			Name:     t.name,
			Interval: t.interval,
			Fired:    atomic.LoadUint64(&t.fired),
			Overruns: atomic.LoadUint64(&t.overruns),
			Skipped:  atomic.LoadUint64(&t.skipped),
			Panics:   atomic.LoadUint64(&t.panics),
		})
	}
	return out
}
