package loom

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedule decides when a scheduled task fires next.
type Schedule interface {
	// Next returns the next due time strictly after now. first is true
	// before the first tick.
	Next(now time.Time, first bool) (time.Time, error)
}

type intervalSchedule struct {
	initialDelay time.Duration
	period       time.Duration
}

func (s intervalSchedule) Next(now time.Time, first bool) (time.Time, error) {
	if first {
		return now.Add(s.initialDelay), nil
	}
	return now.Add(s.period), nil
}

// Every fires immediately, then at the fixed period.
func Every(period time.Duration) Schedule {
	return intervalSchedule{period: period}
}

// EveryWithDelay delays the first tick, then fires at the fixed
// period.
func EveryWithDelay(delay, period time.Duration) Schedule {
	return intervalSchedule{initialDelay: delay, period: period}
}

type cronSchedule struct {
	expr string
}

func (s cronSchedule) Next(now time.Time, _ bool) (time.Time, error) {
	parsed, err := cron.ParseStandard(s.expr)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(now), nil
}

// Cron fires according to a standard five-field cron expression. An
// invalid expression never fires and never panics; its supervisor
// logs the parse error and exits.
func Cron(expr string) Schedule {
	return cronSchedule{expr: expr}
}

// ScheduledTask pairs a name and schedule with a state-capturing task
// closure. The closure's side effects go through services reachable
// from the captured state.
type ScheduledTask struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
}

// taskRegistry collects scheduled tasks during controller
// registration; Serve drains it and spawns one supervisor per task.
// Access is brief on both sides, so a plain mutex suffices.
type taskRegistry struct {
	mu    sync.Mutex
	tasks []*ScheduledTask
}

func (tr *taskRegistry) add(tasks ...*ScheduledTask) {
	tr.mu.Lock()
	tr.tasks = append(tr.tasks, tasks...)
	tr.mu.Unlock()
}

func (tr *taskRegistry) drain() []*ScheduledTask {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tasks := tr.tasks
	tr.tasks = nil
	return tasks
}

// supervise owns one task's tick loop. It computes the next due time,
// sleeps until that instant or cancellation, and spawns the task body
// detached so a slow run does not delay the next tick. In-flight
// bodies continue through shutdown; their work is independent of the
// listening socket.
func supervise(ctx context.Context, task *ScheduledTask, logger *zap.Logger) {
	first := true
	for {
		next, err := task.Schedule.Next(time.Now(), first)
		if err != nil {
			logger.Error("invalid schedule, task will never fire",
				zap.String("task", task.Name),
				zap.Error(err))
			return
		}
		first = false

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		go runTask(ctx, task, logger)
	}
}

func runTask(ctx context.Context, task *ScheduledTask, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	// Detach from the supervisor's cancellation: a tick already
	// started runs to completion during shutdown.
	if err := task.Run(context.WithoutCancel(ctx)); err != nil {
		logger.Error("scheduled task failed",
			zap.String("task", task.Name),
			zap.Error(err))
	}
}

// startScheduler drains the registry and spawns supervisors sharing
// the cancellation context.
func startScheduler(ctx context.Context, tr *taskRegistry, logger *zap.Logger) {
	for _, task := range tr.drain() {
		go supervise(ctx, task, logger)
	}
}
