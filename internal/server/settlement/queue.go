package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// Queue holds delayed settlement jobs, one per intent.
//
// Claim hands each due job to exactly one caller. A claimed job stays
// in flight until Ack; Enqueue of the same intent id replaces it, which is
// how a worker reschedules a retry.
type Queue interface {
	Enqueue(ctx context.Context, job models.SettlementJob) error
	Claim(ctx context.Context, now time.Time, limit int) ([]models.SettlementJob, error)
	Ack(ctx context.Context, intentID string) error
}

// MemoryQueue is a single-process Queue. Jobs do not survive a restart;
// the janitor reports the intents they leave behind.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[string]models.SettlementJob
	inflight map[string]models.SettlementJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[string]models.SettlementJob),
		inflight: make(map[string]models.SettlementJob),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.SettlementJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, job.IntentID)
	q.pending[job.IntentID] = job
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]models.SettlementJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]models.SettlementJob, 0)
	for _, j := range q.pending {
		if !j.DueAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		return due[a].DueAt.Before(due[b].DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, j := range due {
		delete(q.pending, j.IntentID)
		q.inflight[j.IntentID] = j
	}
	return due, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, intentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, intentID)
	return nil
}

// Len returns the number of queued and in-flight jobs.
func (q *MemoryQueue) Len() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}
