package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"microgrid-ledger/internal/settlement/domain"
)

// SettlementRepository is an in-memory repository for settlements.
type SettlementRepository struct {
	mu   sync.RWMutex
	data map[string]*settlement.Settlement
}

// NewSettlementRepository constructs a repository.
func NewSettlementRepository() *SettlementRepository {
	return &SettlementRepository{data: make(map[string]*settlement.Settlement)}
}

// Create stores a new settlement. Only one PENDING settlement per device is allowed.
func (r *SettlementRepository) Create(ctx context.Context, s *settlement.Settlement) error {
	_ = ctx
	if s == nil {
		return settlement.ErrNilSettlement
	}
	if s.ID == "" {
		return settlement.ErrEmptySettlementID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Status == settlement.StatusPending {
		for _, existing := range r.data {
			if existing.DeviceID == s.DeviceID && existing.Status == settlement.StatusPending {
				return settlement.ErrSettlementInFlight
			}
		}
	}
	r.data[s.ID] = s.Clone()
	return nil
}

// Get loads a settlement by id.
func (r *SettlementRepository) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[id].Clone(), nil
}

// FindByExternalTxRef loads the settlement submitted under txRef.
func (r *SettlementRepository) FindByExternalTxRef(ctx context.Context, txRef string) (*settlement.Settlement, error) {
	_ = ctx
	if txRef == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.data {
		if s.ExternalTxRef == txRef {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

// LastSuccessful returns the SUCCESS settlement with the latest period end.
func (r *SettlementRepository) LastSuccessful(ctx context.Context, deviceID string) (*settlement.Settlement, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *settlement.Settlement
	for _, s := range r.data {
		if s.DeviceID != deviceID || s.Status != settlement.StatusSuccess {
			continue
		}
		if last == nil || s.PeriodEnd.After(last.PeriodEnd) {
			last = s
		}
	}
	return last.Clone(), nil
}

// FindPending returns the device's PENDING settlement, if any.
func (r *SettlementRepository) FindPending(ctx context.Context, deviceID string) (*settlement.Settlement, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.data {
		if s.DeviceID == deviceID && s.Status == settlement.StatusPending {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

// AttachTxRef sets the submitted tx ref while the settlement is still PENDING.
func (r *SettlementRepository) AttachTxRef(ctx context.Context, id, txRef string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.data[id]
	if s == nil || s.Status != settlement.StatusPending {
		return false, nil
	}
	s.ExternalTxRef = txRef
	return true, nil
}

// Transition applies t only when the settlement is still PENDING.
func (r *SettlementRepository) Transition(ctx context.Context, id string, t settlement.Transition) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.data[id]
	if s == nil {
		return false, settlement.ErrSettlementNotFound
	}
	if s.Status != settlement.StatusPending {
		return false, nil
	}
	s.Apply(t)
	return true, nil
}

// FailStalePending fails every PENDING settlement created before createdBefore.
func (r *SettlementRepository) FailStalePending(ctx context.Context, createdBefore time.Time, reason string, at time.Time) ([]string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.data {
		if s.Status != settlement.StatusPending || !s.CreatedAt.Before(createdBefore) {
			continue
		}
		s.Apply(settlement.Transition{Status: settlement.StatusFailed, FailureReason: reason, At: at})
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListPendingSubmitted lists PENDING settlements that already carry a tx ref, oldest first.
func (r *SettlementRepository) ListPendingSubmitted(ctx context.Context, limit int) ([]settlement.Settlement, error) {
	_ = ctx
	r.mu.RLock()
	var result []settlement.Settlement
	for _, s := range r.data {
		if s.Status == settlement.StatusPending && s.ExternalTxRef != "" {
			result = append(result, *s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// List returns settlements ordered by creation time, newest first.
func (r *SettlementRepository) List(ctx context.Context, filter settlement.ListFilter) ([]settlement.Settlement, error) {
	_ = ctx
	var devices map[string]struct{}
	if filter.DeviceIDs != nil {
		devices = make(map[string]struct{}, len(filter.DeviceIDs))
		for _, id := range filter.DeviceIDs {
			devices[id] = struct{}{}
		}
	}

	r.mu.RLock()
	var result []settlement.Settlement
	for _, s := range r.data {
		if devices != nil {
			if _, ok := devices[s.DeviceID]; !ok {
				continue
			}
		}
		result = append(result, *s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
