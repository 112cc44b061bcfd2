// Package scheduler runs one-shot jobs at absolute instants and builds the
// per-event registration deadline triggers on top of that.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/observability"
)

// Job is run once on a worker goroutine.
type Job func(ctx context.Context)

// Handle identifies a scheduled job. The zero Handle is never issued.
type Handle uint64

type entry struct {
	handle Handle
	name   string
	at     time.Time
	job    Job
	index  int
}

// jobQueue is a min-heap ordered by fire time, then by handle so jobs due at
// the same instant fire in scheduling order.
type jobQueue []*entry

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].handle < q[j].handle
	}
	return q[i].at.Before(q[j].at)
}
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *jobQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler drains a deadline-ordered queue from one loop goroutine and runs
// due jobs on a fixed pool of workers. Jobs may be scheduled before Start;
// they wait in the queue.
type Scheduler struct {
	mu      sync.Mutex
	queue   jobQueue
	pending map[Handle]*entry
	last    Handle

	wake    chan struct{}
	work    chan *entry
	workers int
	now     func() time.Time
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		pending: make(map[Handle]*entry),
		wake:    make(chan struct{}, 1),
		work:    make(chan *entry),
		workers: workers,
		now:     time.Now,
		logger:  logging.Component(logger, "scheduler"),
	}
}

// ScheduleOnce queues job to run at at. Instants in the past fire on the
// next loop turn.
func (s *Scheduler) ScheduleOnce(at time.Time, name string, job Job) Handle {
	s.mu.Lock()
	s.last++
	e := &entry{handle: s.last, name: name, at: at, job: job}
	heap.Push(&s.queue, e)
	s.pending[e.handle] = e
	observability.ScheduledJobs.Set(float64(len(s.pending)))
	s.mu.Unlock()

	s.poke()
	return e.handle
}

// Cancel removes a job that has not been handed to a worker yet. It reports
// whether the job was still pending.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[h]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.pending, h)
	observability.ScheduledJobs.Set(float64(len(s.pending)))
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start launches the loop and the workers. Jobs receive ctx; cancelling it or
// calling Stop ends the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "workers", s.workers)
}

// Stop cancels the loop and waits for running jobs to return. Jobs still
// queued are dropped.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.takeDue()
		for _, e := range due {
			select {
			case s.work <- e:
			case <-ctx.Done():
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-fire:
		}
	}
}

// takeDue pops every job whose time has come and returns the delay until the
// next one, or -1 when the queue is empty.
func (s *Scheduler) takeDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.pending, e.handle)
		due = append(due, e)
	}
	observability.ScheduledJobs.Set(float64(len(s.pending)))
	if s.queue.Len() == 0 {
		return due, -1
	}
	return due, s.queue[0].at.Sub(now)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.work:
			s.run(ctx, e)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", e.name, "panic", r)
		}
	}()
	observability.JobsFired.WithLabelValues(jobKind(e.name)).Inc()
	s.logger.Debug("firing job", "job", e.name, "scheduled_at", e.at)
	e.job(ctx)
}

// jobKind strips the per-event suffix so metric labels stay bounded.
func jobKind(name string) string {
	kind, _, _ := strings.Cut(name, ":")
	return kind
}
