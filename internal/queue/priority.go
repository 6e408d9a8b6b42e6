package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"scanflow/internal/domain"
	"scanflow/internal/metrics"
	"scanflow/internal/store"
)

// ErrNotAllowed is returned when a push is refused: the queue is at capacity
// and the candidate does not outrank the worst resident, or an equivalent
// task is already active. Expected during normal operation, not a fault.
var ErrNotAllowed = errors.New("queue: push not allowed")

// Storer is the slice of the durable store the queue needs.
type Storer interface {
	PushQueued(ctx context.Context, t domain.Task) error
	QueuedCount(ctx context.Context, schedulerID string) (int, error)
	WorstQueuedPriority(ctx context.Context, schedulerID string) (int, error)
	ActiveTaskByHash(ctx context.Context, schedulerID, hash string) (domain.Task, error)
	PopQueued(ctx context.Context, schedulerID string, limit int, f store.Filter) ([]domain.Task, error)
	PopQueuedBatch(ctx context.Context, schedulerID string, limit int, f store.Filter) ([]domain.Task, error)
}

// SelectionStrategy decides which eligible tasks a pop returns. Chosen at
// construction, not by subclassing the queue.
type SelectionStrategy interface {
	Pop(ctx context.Context, s Storer, schedulerID string, limit int, f store.Filter) ([]domain.Task, error)
}

// RankOrder pops strictly by rank, ties broken by creation time then id.
type RankOrder struct{}

func (RankOrder) Pop(ctx context.Context, s Storer, schedulerID string, limit int, f store.Filter) ([]domain.Task, error) {
	return s.PopQueued(ctx, schedulerID, limit, f)
}

// BatchByScanner pops a batch sharing the boefje and organisation of the
// most urgent eligible task, for task runners that execute in batches.
type BatchByScanner struct{}

func (BatchByScanner) Pop(ctx context.Context, s Storer, schedulerID string, limit int, f store.Filter) ([]domain.Task, error) {
	return s.PopQueuedBatch(ctx, schedulerID, limit, f)
}

// PriorityQueue is a bounded, ranked queue of pending tasks backed by the
// durable store. Lower priority values are more urgent.
type PriorityQueue struct {
	ID string

	maxSize  int
	store    Storer
	strategy SelectionStrategy
	mu       sync.Mutex
}

func New(id string, maxSize int, st Storer, strategy SelectionStrategy) *PriorityQueue {
	if strategy == nil {
		strategy = RankOrder{}
	}
	return &PriorityQueue{ID: id, maxSize: maxSize, store: st, strategy: strategy}
}

// Lock serializes a batch of pushes from one producer. Concurrent producers
// must not interleave pushes for the same fingerprint.
func (q *PriorityQueue) Lock() { q.mu.Lock() }

func (q *PriorityQueue) Unlock() { q.mu.Unlock() }

// Push inserts the task in status queued. The caller holds the queue lock.
func (q *PriorityQueue) Push(ctx context.Context, t domain.Task) (domain.Task, error) {
	if _, err := q.store.ActiveTaskByHash(ctx, q.ID, t.Hash); err == nil {
		return domain.Task{}, fmt.Errorf("%w: task with hash %s already active", ErrNotAllowed, t.Hash)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, err
	}

	if q.maxSize > 0 {
		n, err := q.store.QueuedCount(ctx, q.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if n >= q.maxSize {
			worst, err := q.store.WorstQueuedPriority(ctx, q.ID)
			if err != nil {
				return domain.Task{}, err
			}
			if t.Priority >= worst {
				return domain.Task{}, fmt.Errorf("%w: queue full", ErrNotAllowed)
			}
		}
	}

	t.Status = domain.StatusQueued
	if err := q.store.PushQueued(ctx, t); err != nil {
		return domain.Task{}, err
	}
	metrics.TasksPushed.WithLabelValues(q.ID).Inc()
	q.sampleLength(ctx)
	return t, nil
}

// Pop atomically selects up to limit eligible tasks via the configured
// strategy and transitions them to dispatched.
func (q *PriorityQueue) Pop(ctx context.Context, limit int, f store.Filter) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	tasks, err := q.strategy.Pop(ctx, q.store, q.ID, limit, f)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		metrics.TasksPopped.WithLabelValues(q.ID).Add(float64(len(tasks)))
		q.sampleLength(ctx)
	}
	return tasks, nil
}

func (q *PriorityQueue) sampleLength(ctx context.Context) {
	if n, err := q.store.QueuedCount(ctx, q.ID); err == nil {
		metrics.QueueLength.WithLabelValues(q.ID).Set(float64(n))
	}
}
