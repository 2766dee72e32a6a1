// Package queue implements the Per-Session Queue (spec §4.2): one serial
// worker per session phone so that a session's sends and deletes never race
// each other, with a randomized inter-task delay layered on top of the Rate
// Governor's own pacing.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Task is one unit of work submitted to a session's queue. Run receives the
// queue's context, which is cancelled on Stop.
type Task func(ctx context.Context) error

// Config controls the randomized delay inserted between tasks on the same
// session, mirroring config.QueueConfig without importing it directly.
type Config struct {
	MinInterTaskDelayMs int
	MaxInterTaskDelayMs int
}

type sessionQueue struct {
	tasks    chan queued
	cancel   context.CancelFunc
	done     chan struct{} // closed when the worker goroutine exits
}

type queued struct {
	task   Task
	result chan error
}

// Manager owns one sessionQueue per session phone.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	queues map[string]*sessionQueue
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, queues: make(map[string]*sessionQueue)}
}

// Start registers a worker goroutine for phone. Calling Start twice for the
// same phone is a no-op against the existing worker.
func (m *Manager) Start(ctx context.Context, phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[phone]; ok {
		return
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &sessionQueue{
		tasks:  make(chan queued, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.queues[phone] = q

	go m.run(qctx, phone, q)
}

func (m *Manager) run(ctx context.Context, phone string, q *sessionQueue) {
	defer close(q.done)
	first := true
	for {
		select {
		case <-ctx.Done():
			m.drain(q, ctx.Err())
			return
		case item, ok := <-q.tasks:
			if !ok {
				return
			}
			if !first {
				if err := m.sleepBetweenTasks(ctx); err != nil {
					item.result <- err
					m.drain(q, ctx.Err())
					return
				}
			}
			first = false
			err := item.task(ctx)
			item.result <- err
			if err != nil {
				slog.Warn("session queue task failed", "phone", phone, "error", err)
			}
		}
	}
}

func (m *Manager) sleepBetweenTasks(ctx context.Context) error {
	lo, hi := m.cfg.MinInterTaskDelayMs, m.cfg.MaxInterTaskDelayMs
	if hi <= lo {
		hi = lo + 1
	}
	delay := time.Duration(lo+rand.Intn(hi-lo)) * time.Millisecond
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// drain fails every task still pending in the channel once the worker is
// shutting down, so callers blocked on Submit don't hang forever.
func (m *Manager) drain(q *sessionQueue, cause error) {
	for {
		select {
		case item := <-q.tasks:
			item.result <- fmt.Errorf("session queue stopped: %w", cause)
		default:
			return
		}
	}
}

// Submit enqueues task on phone's queue and blocks until it runs (or the
// queue is stopped / ctx is cancelled first).
func (m *Manager) Submit(ctx context.Context, phone string, task Task) error {
	m.mu.Lock()
	q, ok := m.queues[phone]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session queue: %s not started", phone)
	}

	result := make(chan error, 1)
	select {
	case q.tasks <- queued{task: task, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels phone's worker and waits for it to exit.
func (m *Manager) Stop(phone string) {
	m.mu.Lock()
	q, ok := m.queues[phone]
	if ok {
		delete(m.queues, phone)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	q.cancel()
	select {
	case <-q.done:
	case <-time.After(10 * time.Second):
		slog.Warn("session queue worker did not exit within timeout")
	}
}

// StopAll cancels every worker, used during engine shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	phones := make([]string, 0, len(m.queues))
	for phone := range m.queues {
		phones = append(phones, phone)
	}
	m.mu.Unlock()
	for _, phone := range phones {
		m.Stop(phone)
	}
}
