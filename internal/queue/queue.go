// Package queue holds pending publish tasks and releases them only when
// their store may receive a publication.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"
	"ecomsimply/internal/ratelimit"
)

type entry struct {
	task *domain.PublishTask
	seq  uint64
}

func (e entry) less(o entry) bool {
	if e.task.Priority != o.task.Priority {
		return e.task.Priority < o.task.Priority
	}
	if !e.task.CreatedAt.Equal(o.task.CreatedAt) {
		return e.task.CreatedAt.Before(o.task.CreatedAt)
	}
	return e.seq < o.seq
}

// Queue is ordered by (priority, created_at) with FIFO ties. Each store has
// a token bucket sized to its hourly limit, created on first use.
type Queue struct {
	sched ports.Scheduler
	clock func() time.Time

	mu      sync.Mutex
	entries []entry
	seq     uint64
	buckets map[string]*ratelimit.TokenBucket
}

var _ ports.Queue = (*Queue)(nil)

type Option func(*Queue)

// WithClock sets the clock driving token bucket refills.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.clock = now }
}

func New(sched ports.Scheduler, opts ...Option) *Queue {
	q := &Queue{
		sched:   sched,
		clock:   time.Now,
		buckets: make(map[string]*ratelimit.TokenBucket),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Push(t *domain.PublishTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(t)
}

func (q *Queue) pushLocked(t *domain.PublishTask) {
	q.seq++
	e := entry{task: t, seq: q.seq}
	i := sort.Search(len(q.entries), func(i int) bool { return e.less(q.entries[i]) })
	q.entries = append(q.entries, entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// Next pops the first task whose store is inside its schedule and has a
// token available, marking it processing. Once a store is found blocked its
// later tasks are skipped so per-store order is preserved.
func (q *Queue) Next(now time.Time) *domain.PublishTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	for i, e := range q.entries {
		store := e.task.StoreID
		if blocked[store] {
			continue
		}
		if q.sched != nil {
			if ok, _ := q.sched.CanPublishNow(store, now); !ok {
				blocked[store] = true
				continue
			}
		}
		if !q.bucketLocked(store).Consume(1) {
			blocked[store] = true
			continue
		}

		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		_ = e.task.Transition(domain.StatusProcessing, now)
		return e.task
	}
	return nil
}

func (q *Queue) bucketLocked(storeID string) *ratelimit.TokenBucket {
	b, ok := q.buckets[storeID]
	if !ok {
		limit := ratelimit.DefaultPerHour
		if q.sched != nil {
			limit = q.sched.MaxPerHour(storeID)
		}
		b = ratelimit.PerHour(limit, q.clock)
		q.buckets[storeID] = b
	}
	return b
}

// Requeue returns a failed or deferred task to the queue one step less
// urgent, so it cannot starve the tasks behind it.
func (q *Queue) Requeue(t *domain.PublishTask, now time.Time) error {
	if err := t.Transition(domain.StatusPending, now); err != nil {
		return fmt.Errorf("requeue %s: %w", t.ID, err)
	}
	if t.Priority < domain.PriorityLow {
		t.Priority++
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(t)
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns copies of the queued tasks in dispatch order.
func (q *Queue) Pending() []domain.PublishTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PublishTask, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.task.Snapshot()
	}
	return out
}

// Tokens reports the tokens left for a store, or -1 if it has no bucket yet.
func (q *Queue) Tokens(storeID string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.buckets[storeID]; ok {
		return b.Available()
	}
	return -1
}
