package policy

import (
	"sync"
	"sync/atomic"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// Task is one unit of work posted to an EventQueue.
type Task func()

// EventQueue runs posted tasks one at a time in posting order. It lets the
// data plane hand notifications to the policy layer without blocking on it
// or calling it re-entrantly.
type EventQueue struct {
	// Atomic fields must be first for proper alignment on 32-bit systems
	taskCount    int64
	droppedCount int64

	name         string
	tasks        chan Task
	mu           sync.RWMutex
	closed       bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	logger       *zerolog.Logger
}

// NewEventQueue starts the worker of a queue holding at most size tasks.
func NewEventQueue(name string, size int) *EventQueue {
	if size <= 0 {
		size = 1
	}
	logger := logging.GetDefaultLogger().With().Str("component", logging.ComponentPolicy).Str("queue", name).Logger()
	q := &EventQueue{
		name:     name,
		tasks:    make(chan Task, size),
		shutdown: make(chan struct{}),
		logger:   &logger,
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Post queues task. It returns false when the queue is full or shut down;
// the task is then dropped.
func (q *EventQueue) Post(task Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		atomic.AddInt64(&q.droppedCount, 1)
		metrics.RecordPolicyTaskDropped()
		q.logger.Warn().Int("capacity", cap(q.tasks)).Msg("event queue full, task dropped")
		return false
	}
}

func (q *EventQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.shutdown:
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.run(task)
		}
	}
}

func (q *EventQueue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("task execution panic recovered")
		}
	}()
	task()
	atomic.AddInt64(&q.taskCount, 1)
}

// Shutdown stops the worker. With wait set, tasks already queued run first.
func (q *EventQueue) Shutdown(wait bool) {
	q.shutdownOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		if wait {
			if n := len(q.tasks); n > 0 {
				q.logger.Info().Int("remaining_tasks", n).Msg("draining event queue")
			}
			close(q.tasks)
		} else {
			close(q.shutdown)
		}
		q.wg.Wait()
	})
}

// GetStats returns counters for the inspection API.
func (q *EventQueue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"name":            q.name,
		"tasks_processed": atomic.LoadInt64(&q.taskCount),
		"tasks_dropped":   atomic.LoadInt64(&q.droppedCount),
		"queue_length":    len(q.tasks),
		"queue_capacity":  cap(q.tasks),
	}
}
