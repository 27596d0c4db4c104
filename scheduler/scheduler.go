// Package scheduler runs delayed, key-addressed tasks with single-flight semantics: registering a
// task under a key that already has a live task cancels the old one, so only the most recent
// registration for a key ever fires.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/xiuxian-bot/telemetry"
)

// State is the lifecycle position of a scheduled task.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Cancelled State = "cancelled"
	Failed    State = "failed"
)

// TaskInfo describes one live task.
type TaskInfo struct {
	Key    string    `json:"key"`
	FireAt time.Time `json:"fire_at"`
	State  State     `json:"state"`
}

type task struct {
	key    string
	fireAt time.Time
	state  State
	timer  *time.Timer
	fn     func(ctx context.Context) error
}

// Scheduler owns the live-task map. The zero value is not usable; call New.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	draining bool
	now      func() time.Time
}

// New returns an empty scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Schedule registers fn to run after delay under key, replacing any live task for key.
// A replaced task that is already running finishes normally but never fires again.
// fn receives a context that is cancelled only by CancelAll.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func(ctx context.Context) error) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		slog.Warn("schedule rejected during shutdown", slog.String("component", "scheduler"), slog.String("key", key))
		return
	}
	if old, ok := s.tasks[key]; ok {
		s.cancelLocked(old)
	}

	t := &task{key: key, fireAt: s.now().Add(delay), state: Pending, fn: fn}
	s.tasks[key] = t
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })

	telemetry.RecordTaskScheduled(len(s.tasks))
	slog.Debug("task scheduled", slog.String("component", "scheduler"), slog.String("key", key), slog.Duration("delay", delay))
}

// cancelLocked stops a pending task. Running tasks are left alone. Callers hold s.mu.
func (s *Scheduler) cancelLocked(t *task) {
	if t.state != Pending {
		return
	}
	t.state = Cancelled
	telemetry.RecordTaskFinished(telemetry.TaskCancelled)
	// if Stop reports false the timer goroutine is already on its way into fire, which
	// observes the Cancelled state and releases the WaitGroup itself
	if t.timer.Stop() {
		s.wg.Done()
	}
}

func (s *Scheduler) fire(t *task) {
	defer s.wg.Done()

	s.mu.Lock()
	if t.state != Pending {
		s.mu.Unlock()
		return
	}
	t.state = Running
	ctx := s.ctx
	s.mu.Unlock()

	err := s.run(ctx, t)

	s.mu.Lock()
	if err != nil {
		t.state = Failed
	} else {
		t.state = Completed
	}
	// the key may have been re-registered while we ran
	if cur, ok := s.tasks[t.key]; ok && cur == t {
		delete(s.tasks, t.key)
	}
	live := len(s.tasks)
	s.mu.Unlock()

	telemetry.SetLiveTasks(live)
	if err != nil {
		telemetry.RecordTaskFinished(telemetry.TaskFailed)
		slog.Error("scheduled task failed", slog.String("component", "scheduler"), slog.String("key", t.key), slog.Any("err", err))
		return
	}
	telemetry.RecordTaskFinished(telemetry.TaskCompleted)
}

func (s *Scheduler) run(ctx context.Context, t *task) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.fire", telemetry.KeyAttr(t.key))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("scheduled task panic", slog.String("component", "scheduler"), slog.String("key", t.key), slog.String("stack", string(debug.Stack())))
		}
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	return t.fn(ctx)
}

// CancelAll cancels every pending task, cancels the context of running tasks and waits for
// them to return. Registrations made while draining are dropped. The scheduler can be reused
// afterwards.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.draining = true
	for key, t := range s.tasks {
		s.cancelLocked(t)
		delete(s.tasks, key)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.draining = false
	s.mu.Unlock()
	telemetry.SetLiveTasks(0)
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Snapshot lists live tasks ordered by key.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		items = append(items, TaskInfo{Key: t.key, FireAt: t.fireAt, State: t.state})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items
}
