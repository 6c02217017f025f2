package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ NDRRepository = (*GormNDRRepo)(nil)

type GormNDRRepo struct {
	db *gorm.DB
}

func NewGormNDRRepo(db *gorm.DB) *GormNDRRepo {
	return &GormNDRRepo{db: db}
}

func (r *GormNDRRepo) CreateIfAbsent(ctx context.Context, n *domain.NDR) (bool, error) {
	if n == nil {
		return false, fmt.Errorf("%w: ndr is required", domain.ErrValidation)
	}

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := ndrModelFromDomain(n)
		model.Version = 1

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "waybill"}},
			DoNothing: true,
		}).Create(model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		created = true
		return insertActions(tx, n)
	})
	if err != nil {
		return false, translateWriteError(err)
	}

	if created {
		n.Version = 1
		n.MarkCommitted()
	}
	return created, nil
}

func (r *GormNDRRepo) GetByWaybill(ctx context.Context, waybill string) (*domain.NDR, error) {
	return r.getBy(ctx, "waybill = ?", strings.TrimSpace(waybill))
}

func (r *GormNDRRepo) GetByID(ctx context.Context, id string) (*domain.NDR, error) {
	return r.getBy(ctx, "id = ?", strings.TrimSpace(id))
}

func (r *GormNDRRepo) getBy(ctx context.Context, cond string, arg string) (*domain.NDR, error) {
	db := r.db.WithContext(ctx)

	var model NDRModel
	err := db.Where(cond, arg).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var actions []NDRActionModel
	if err := db.Where("ndr_id = ?", model.ID).Order("seq ASC").Find(&actions).Error; err != nil {
		return nil, err
	}

	n := ndrModelToDomain(&model)
	n.ActionHistory = make([]domain.ActionEntry, 0, len(actions))
	for i := range actions {
		n.ActionHistory = append(n.ActionHistory, actionModelToDomain(&actions[i]))
	}
	return n, nil
}

func (r *GormNDRRepo) Update(ctx context.Context, n *domain.NDR) error {
	if n == nil {
		return fmt.Errorf("%w: ndr is required", domain.ErrValidation)
	}

	model := ndrModelFromDomain(n)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&NDRModel{}).
			Where("id = ? AND version = ?", n.ID, n.Version).
			Updates(map[string]any{
				"order_reference":      model.OrderReference,
				"reason_code":          model.ReasonCode,
				"status":               model.Status,
				"resolution_action":    model.ResolutionAction,
				"attempt_count":        model.AttemptCount,
				"next_attempt_date":    model.NextAttemptDate,
				"response_received_at": model.ResponseReceivedAt,
				"response_channel":     model.ResponseChannel,
				"response_preference":  model.ResponsePreference,
				"response_address":     model.ResponseAddress,
				"response_phone":       model.ResponsePhone,
				"days_in_ndr":          model.DaysInNDR,
				"total_attempts":       model.TotalAttempts,
				"reopened_count":       model.ReopenedCount,
				"rto_status":           model.RTOStatus,
				"rto_initiated_date":   model.RTOInitiatedDate,
				"rto_reason":           model.RTOReason,
				"last_raw_status":      model.LastRawStatus,
				"resolved_at":          model.ResolvedAt,
				"updated_at":           model.UpdatedAt,
				"version":              gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConflict
		}

		return insertActions(tx, n)
	})
	if err != nil {
		return translateWriteError(err)
	}

	n.Version++
	n.MarkCommitted()
	return nil
}

func insertActions(tx *gorm.DB, n *domain.NDR) error {
	pending := n.Uncommitted()
	if len(pending) == 0 {
		return nil
	}

	firstSeq := len(n.ActionHistory) - len(pending)
	models := make([]NDRActionModel, 0, len(pending))
	for i, e := range pending {
		models = append(models, actionModelFromDomain(n.ID, firstSeq+i, e))
	}
	return tx.Create(&models).Error
}

func (r *GormNDRRepo) UpdateExternalStatus(ctx context.Context, correlationID string, waybills []string, status string) (int64, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return 0, fmt.Errorf("%w: correlation id is required", domain.ErrValidation)
	}

	db := r.db.WithContext(ctx)
	query := db.Model(&NDRActionModel{}).
		Where("external_correlation_id = ?", correlationID).
		Where("(external_status IS NULL OR external_status <> ?)", status)
	if len(waybills) > 0 {
		query = query.Where("ndr_id IN (?)", db.Model(&NDRModel{}).Select("id").Where("waybill IN ?", waybills))
	}

	result := query.Update("external_status", status)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormNDRRepo) List(ctx context.Context, params ListParams) ([]domain.NDR, int64, error) {
	params = params.Normalize()
	query := r.db.WithContext(ctx).Model(&NDRModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if code := domain.NormalizeReasonCode(params.ReasonCode); code != "" {
		query = query.Where("reason_code = ?", code)
	}
	if params.MinAttempts != nil {
		query = query.Where("attempt_count >= ?", *params.MinAttempts)
	}
	if params.MaxAttempts != nil {
		query = query.Where("attempt_count <= ?", *params.MaxAttempts)
	}
	if params.From != nil {
		query = query.Where("opened_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("opened_at <= ?", *params.To)
	}
	if search := strings.ToLower(strings.TrimSpace(params.Search)); search != "" {
		like := "%" + search + "%"
		query = query.Where("(LOWER(waybill) LIKE ? OR LOWER(order_reference) LIKE ?)", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []NDRModel
	err := query.
		Order("opened_at DESC").
		Offset((params.Page - 1) * params.PageSize).
		Limit(params.PageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return modelsToDomain(models), total, nil
}

func (r *GormNDRRepo) ListPendingCorrelations(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&NDRActionModel{}).
		Where("external_status = ? AND external_correlation_id IS NOT NULL", domain.ExternalStatusPending).
		Where("external_correlation_id > ?", after).
		Group("external_correlation_id").
		Order("external_correlation_id ASC").
		Limit(limit).
		Pluck("external_correlation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *GormNDRRepo) ListStatsRows(ctx context.Context, openedSince time.Time) ([]StatsRow, error) {
	var rows []StatsRow
	err := r.db.WithContext(ctx).
		Model(&NDRModel{}).
		Select("status, reason_code, attempt_count, opened_at, resolved_at").
		Where("opened_at >= ?", openedSince).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *GormNDRRepo) ListOpenedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.NDR, error) {
	if limit <= 0 {
		limit = maxPageSize
	}

	var models []NDRModel
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND opened_at <= ?", domain.TerminalStatuses(), cutoff).
		Order("opened_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return modelsToDomain(models), nil
}

func (r *GormNDRRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func modelsToDomain(models []NDRModel) []domain.NDR {
	out := make([]domain.NDR, 0, len(models))
	for i := range models {
		out = append(out, *ndrModelToDomain(&models[i]))
	}
	return out
}

// translateWriteError maps unique violations on history rows to a conflict so
// the caller reloads and retries.
func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}
