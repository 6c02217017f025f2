package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type ListParams struct {
	Status      *domain.Status
	ReasonCode  string
	MinAttempts *int
	MaxAttempts *int
	From        *time.Time
	To          *time.Time
	Search      string
	Page        int
	PageSize    int
}

// Normalize clamps paging to sane bounds.
func (p ListParams) Normalize() ListParams {
	p.Page = max(p.Page, 1)
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	p.PageSize = min(p.PageSize, maxPageSize)
	return p
}

// StatsRow is the projection the statistics engine aggregates over.
type StatsRow struct {
	Status       domain.Status `gorm:"column:status"`
	ReasonCode   string        `gorm:"column:reason_code"`
	AttemptCount int           `gorm:"column:attempt_count"`
	OpenedAt     time.Time     `gorm:"column:opened_at"`
	ResolvedAt   *time.Time    `gorm:"column:resolved_at"`
}

// NDRRepository persists NDR aggregates. Listing and escalation reads return
// aggregates without their action history; the point reads load it in order.
type NDRRepository interface {
	// CreateIfAbsent inserts n and its uncommitted history unless an NDR with
	// the same waybill exists; created reports which happened.
	CreateIfAbsent(ctx context.Context, n *domain.NDR) (created bool, err error)
	GetByWaybill(ctx context.Context, waybill string) (*domain.NDR, error)
	GetByID(ctx context.Context, id string) (*domain.NDR, error)
	// Update writes n conditioned on its loaded Version and appends its
	// uncommitted history. A stale version yields domain.ErrConflict.
	Update(ctx context.Context, n *domain.NDR) error
	// UpdateExternalStatus sets external_status on every history entry carrying
	// correlationID, limited to waybills when non-empty. It returns how many
	// entries actually changed.
	UpdateExternalStatus(ctx context.Context, correlationID string, waybills []string, status string) (int64, error)
	List(ctx context.Context, params ListParams) ([]domain.NDR, int64, error)
	// ListPendingCorrelations returns distinct correlation ids that still have
	// a PENDING history entry, in ascending id order, strictly after the
	// given id. An empty after starts from the beginning.
	ListPendingCorrelations(ctx context.Context, after string, limit int) ([]string, error)
	ListStatsRows(ctx context.Context, openedSince time.Time) ([]StatsRow, error)
	// ListOpenedBefore returns non-terminal NDRs opened at or before cutoff,
	// oldest first.
	ListOpenedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.NDR, error)
	Ping(ctx context.Context) error
}
