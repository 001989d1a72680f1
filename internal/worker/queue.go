// Package worker runs posted tasks one at a time on a dedicated goroutine,
// optionally after a delay measured on an injected clock.
package worker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

type Task func()

// Queue serializes task execution. Delayed tasks become runnable when their
// timer fires and then run in the order they became runnable.
type Queue struct {
	clock clock.Clock

	mu      sync.Mutex
	stopped bool
	timers  map[*clock.Timer]struct{}
	ready   []Task

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		clock:  clk,
		timers: make(map[*clock.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Post schedules task to run as soon as the runner is free.
func (q *Queue) Post(task Task) bool {
	return q.PostDelayed(0, task)
}

// PostDelayed schedules task after delay. It returns false when the queue is
// stopped or task is nil.
func (q *Queue) PostDelayed(delay time.Duration, task Task) bool {
	if task == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	if delay <= 0 {
		q.enqueueLocked(task)
		return true
	}
	var timer *clock.Timer
	timer = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.stopped {
			return
		}
		q.enqueueLocked(task)
	})
	q.timers[timer] = struct{}{}
	return true
}

// Pending counts tasks that are waiting on a timer or on the runner.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers) + len(q.ready)
}

// Stop cancels pending timers, discards runnable tasks and waits for the
// runner to exit. A task already executing finishes first.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	q.ready = nil
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) enqueueLocked(task Task) {
	q.ready = append(q.ready, task)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.ready) == 0 {
		return nil, false
	}
	task := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return task, true
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			task, ok := q.next()
			if !ok {
				break
			}
			execute(task)
		}
	}
}

func execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker.Queue task panicked")
		}
	}()
	task()
}
