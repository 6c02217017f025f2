package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

var _ NDRRepository = (*MemoryNDRRepo)(nil)

// MemoryNDRRepo keeps aggregates in process. It honours the same version and
// uniqueness rules as the gorm repository.
type MemoryNDRRepo struct {
	mu        sync.RWMutex
	byID      map[string]*domain.NDR
	byWaybill map[string]string
}

func NewMemoryNDRRepo() *MemoryNDRRepo {
	return &MemoryNDRRepo{
		byID:      make(map[string]*domain.NDR),
		byWaybill: make(map[string]string),
	}
}

func (r *MemoryNDRRepo) CreateIfAbsent(_ context.Context, n *domain.NDR) (bool, error) {
	if n == nil {
		return false, fmt.Errorf("%w: ndr is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byWaybill[n.Waybill]; ok {
		return false, nil
	}

	n.Version = 1
	n.MarkCommitted()
	r.byID[n.ID] = n.Clone()
	r.byWaybill[n.Waybill] = n.ID
	return true, nil
}

func (r *MemoryNDRRepo) GetByWaybill(_ context.Context, waybill string) (*domain.NDR, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byWaybill[strings.TrimSpace(waybill)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryNDRRepo) GetByID(_ context.Context, id string) (*domain.NDR, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *MemoryNDRRepo) Update(_ context.Context, n *domain.NDR) error {
	if n == nil {
		return fmt.Errorf("%w: ndr is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[n.ID]
	if !ok || stored.Version != n.Version {
		return domain.ErrConflict
	}
	for _, e := range n.Uncommitted() {
		if stored.HasEvent(e.EventKey) {
			return fmt.Errorf("%w: event %s already recorded", domain.ErrConflict, e.EventKey)
		}
	}

	n.Version++
	n.MarkCommitted()
	r.byID[n.ID] = n.Clone()
	return nil
}

func (r *MemoryNDRRepo) UpdateExternalStatus(_ context.Context, correlationID string, waybills []string, status string) (int64, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0, fmt.Errorf("%w: correlation id is required", domain.ErrValidation)
	}

	allowed := make(map[string]struct{}, len(waybills))
	for _, w := range waybills {
		allowed[w] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed int64
	for _, n := range r.byID {
		if len(allowed) > 0 {
			if _, ok := allowed[n.Waybill]; !ok {
				continue
			}
		}
		for i := range n.ActionHistory {
			e := &n.ActionHistory[i]
			if e.ExternalCorrelationID == correlationID && e.ExternalStatus != status {
				e.ExternalStatus = status
				changed++
			}
		}
	}
	return changed, nil
}

func (r *MemoryNDRRepo) List(_ context.Context, params ListParams) ([]domain.NDR, int64, error) {
	params = params.Normalize()
	search := strings.ToLower(strings.TrimSpace(params.Search))
	reason := domain.NormalizeReasonCode(params.ReasonCode)

	r.mu.RLock()
	matched := make([]domain.NDR, 0)
	for _, n := range r.byID {
		switch {
		case params.Status != nil && n.Status != *params.Status:
			continue
		case reason != "" && n.ReasonCode != reason:
			continue
		case params.MinAttempts != nil && n.AttemptCount < *params.MinAttempts:
			continue
		case params.MaxAttempts != nil && n.AttemptCount > *params.MaxAttempts:
			continue
		case params.From != nil && n.OpenedAt.Before(*params.From):
			continue
		case params.To != nil && n.OpenedAt.After(*params.To):
			continue
		case search != "" &&
			!strings.Contains(strings.ToLower(n.Waybill), search) &&
			!strings.Contains(strings.ToLower(n.OrderReference), search):
			continue
		}
		matched = append(matched, summary(n))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].OpenedAt.After(matched[j].OpenedAt)
	})

	total := int64(len(matched))
	start := (params.Page - 1) * params.PageSize
	if start >= len(matched) {
		return []domain.NDR{}, total, nil
	}
	end := min(start+params.PageSize, len(matched))
	return matched[start:end], total, nil
}

func (r *MemoryNDRRepo) ListPendingCorrelations(_ context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, n := range r.byID {
		for _, e := range n.ActionHistory {
			if e.ExternalStatus != domain.ExternalStatusPending || e.ExternalCorrelationID == "" {
				continue
			}
			if e.ExternalCorrelationID <= after {
				continue
			}
			seen[e.ExternalCorrelationID] = struct{}{}
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *MemoryNDRRepo) ListStatsRows(_ context.Context, openedSince time.Time) ([]StatsRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]StatsRow, 0, len(r.byID))
	for _, n := range r.byID {
		if n.OpenedAt.Before(openedSince) {
			continue
		}
		rows = append(rows, StatsRow{
			Status:       n.Status,
			ReasonCode:   n.ReasonCode,
			AttemptCount: n.AttemptCount,
			OpenedAt:     n.OpenedAt,
			ResolvedAt:   utcPtr(n.ResolvedAt),
		})
	}
	return rows, nil
}

func (r *MemoryNDRRepo) ListOpenedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.NDR, error) {
	if limit <= 0 {
		limit = maxPageSize
	}

	r.mu.RLock()
	out := make([]domain.NDR, 0)
	for _, n := range r.byID {
		if n.Status.IsTerminal() || n.OpenedAt.After(cutoff) {
			continue
		}
		out = append(out, summary(n))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryNDRRepo) Ping(context.Context) error {
	return nil
}

func summary(n *domain.NDR) domain.NDR {
	c := n.Clone()
	c.ActionHistory = nil
	return *c
}
