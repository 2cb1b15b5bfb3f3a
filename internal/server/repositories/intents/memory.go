package intents

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// MemoryRepository keeps records in a map. Reads and writes copy records so
// callers never share memory with the store.
type MemoryRepository struct {
	mu          sync.RWMutex
	records     map[string]*models.IntentRecord
	transitions map[string][]models.Transition
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:     make(map[string]*models.IntentRecord),
		transitions: make(map[string][]models.Transition),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, rec *models.IntentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("intent %s already exists", rec.ID)
	}
	stored := rec.Clone()
	stored.Origin = models.RequestInfo{}
	r.records[rec.ID] = stored
	r.transitions[rec.ID] = append(r.transitions[rec.ID], newTransition(rec, "", rec.CreatedAt))
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.IntentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, rec *models.IntentRecord, expected models.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[rec.ID]
	if !ok || cur.Status != expected {
		return common.ErrStatusConflict
	}

	next := cur.Clone()
	next.Status = rec.Status
	next.UpdatedAt = rec.UpdatedAt
	next.ExternalReference = rec.ExternalReference
	next.FailureReason = rec.FailureReason
	next.Metadata = rec.Clone().Metadata
	next.ProcessedAt = rec.Clone().ProcessedAt

	r.records[rec.ID] = next
	r.transitions[rec.ID] = append(r.transitions[rec.ID], newTransition(rec, expected, rec.UpdatedAt))
	return nil
}

func (r *MemoryRepository) Transitions(ctx context.Context, intentID string) ([]models.Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.records[intentID]; !ok {
		return nil, common.ErrorNotFound
	}
	return slices.Clone(r.transitions[intentID]), nil
}

func (r *MemoryRepository) FindByPrincipal(ctx context.Context, principalID string, page models.Page) ([]*models.IntentRecord, int64, error) {
	page = page.Normalize()

	r.mu.RLock()
	var all []*models.IntentRecord
	for _, rec := range r.records {
		if rec.PrincipalID == principalID {
			all = append(all, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	from := page.Offset()
	if from >= len(all) {
		return nil, total, nil
	}
	to := min(from+page.Limit, len(all))
	return all[from:to], total, nil
}

func (r *MemoryRepository) ListStale(ctx context.Context, status models.Status, before time.Time, limit int) ([]*models.IntentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deadline := func(rec *models.IntentRecord) time.Time {
		if status == models.StatusPending {
			return rec.ExpiresAt
		}
		return rec.UpdatedAt
	}

	var out []*models.IntentRecord
	for _, rec := range r.records {
		if rec.Status == status && deadline(rec).Before(before) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return deadline(out[i]).Before(deadline(out[j])) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
