package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	items      map[string]time.Time
	processing map[string]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: map[string]time.Time{}, processing: map[string]time.Time{}}
}

func (q *MemoryQueue) Push(_ context.Context, at time.Time, member string) error {
	q.mu.Lock()
	q.items[member] = at
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for m, at := range q.items {
		if !at.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ai, aj := q.items[due[i]], q.items[due[j]]
		if ai.Equal(aj) {
			return due[i] < due[j]
		}
		return ai.Before(aj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *MemoryQueue) Claim(_ context.Context, member string, leaseUntil time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[member]; !ok {
		return false, nil
	}
	delete(q.items, member)
	q.processing[member] = leaseUntil
	return true, nil
}

func (q *MemoryQueue) Ack(_ context.Context, member string) error {
	q.mu.Lock()
	delete(q.processing, member)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Reclaim(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for m, lease := range q.processing {
		if lease.After(now) {
			continue
		}
		delete(q.processing, m)
		q.items[m] = now
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Remove(_ context.Context, member string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[member]; !ok {
		return false, nil
	}
	delete(q.items, member)
	return true, nil
}

func (q *MemoryQueue) Members(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for m := range q.items {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight reports the number of claimed jobs not yet acknowledged.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}
