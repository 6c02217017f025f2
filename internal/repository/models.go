package repository

import (
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

// NDRModel is the persistence model for the ndrs table.
type NDRModel struct {
	ID                 string        `gorm:"type:varchar(36);primaryKey"`
	Waybill            string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_ndrs_waybill"`
	OrderReference     string        `gorm:"type:varchar(64);not null;default:''"`
	ReasonCode         string        `gorm:"type:varchar(32);not null;default:''"`
	Status             domain.Status `gorm:"type:varchar(32);not null"`
	ResolutionAction   *string       `gorm:"type:varchar(16)"`
	AttemptCount       int           `gorm:"not null;default:0"`
	NextAttemptDate    *time.Time
	ResponseReceivedAt *time.Time
	ResponseChannel    *string `gorm:"type:varchar(32)"`
	ResponsePreference *string `gorm:"type:varchar(32)"`
	ResponseAddress    *string `gorm:"type:text"`
	ResponsePhone      *string `gorm:"type:varchar(32)"`
	DaysInNDR          int     `gorm:"not null;default:0"`
	TotalAttempts      int     `gorm:"not null;default:0"`
	ReopenedCount      int     `gorm:"not null;default:0"`
	RTOStatus          *string `gorm:"type:varchar(32)"`
	RTOInitiatedDate   *time.Time
	RTOReason          *string `gorm:"type:text"`
	LastRawStatus      string  `gorm:"type:varchar(128);not null;default:''"`
	Version            int64   `gorm:"not null;default:1"`
	OpenedAt           time.Time
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (NDRModel) TableName() string {
	return "ndrs"
}

// NDRActionModel is one append-only row of ndr_actions.
type NDRActionModel struct {
	ID                    string           `gorm:"type:varchar(36);primaryKey"`
	NDRID                 string           `gorm:"column:ndr_id;type:varchar(36);not null"`
	Seq                   int              `gorm:"not null"`
	Kind                  domain.EntryKind `gorm:"type:varchar(32);not null"`
	OccurredAt            time.Time
	ExternalCorrelationID *string       `gorm:"type:varchar(64)"`
	ExternalStatus        *string       `gorm:"type:varchar(32)"`
	Remarks               string        `gorm:"type:text;not null;default:''"`
	EventKey              *string       `gorm:"type:varchar(64)"`
	FromStatus            domain.Status `gorm:"type:varchar(32);not null"`
	ToStatus              domain.Status `gorm:"type:varchar(32);not null"`
}

func (NDRActionModel) TableName() string {
	return "ndr_actions"
}

func ndrModelFromDomain(n *domain.NDR) *NDRModel {
	if n == nil {
		return nil
	}

	m := &NDRModel{
		ID:              n.ID,
		Waybill:         n.Waybill,
		OrderReference:  n.OrderReference,
		ReasonCode:      n.ReasonCode,
		Status:          n.Status,
		AttemptCount:    n.AttemptCount,
		NextAttemptDate: n.NextAttemptDate,
		DaysInNDR:       n.Metrics.DaysInNDR,
		TotalAttempts:   n.Metrics.TotalAttempts,
		ReopenedCount:   n.Metrics.ReopenedCount,
		LastRawStatus:   n.LastRawStatus,
		Version:         n.Version,
		OpenedAt:        n.OpenedAt,
		ResolvedAt:      n.ResolvedAt,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
	if n.ResolutionAction != nil {
		m.ResolutionAction = stringPtr(n.ResolutionAction.String())
	}
	if cr := n.CustomerResponse; cr != nil {
		receivedAt := cr.ReceivedAt
		m.ResponseReceivedAt = &receivedAt
		m.ResponseChannel = stringPtr(cr.Channel)
		m.ResponsePreference = stringPtr(string(cr.Preference))
		m.ResponseAddress = stringPtr(cr.UpdatedAddress)
		m.ResponsePhone = stringPtr(cr.UpdatedPhone)
	}
	if rto := n.RTOInfo; rto != nil {
		m.RTOStatus = stringPtr(rto.Status)
		m.RTOInitiatedDate = rto.InitiatedDate
		m.RTOReason = stringPtr(rto.Reason)
	}
	return m
}

func ndrModelToDomain(m *NDRModel) *domain.NDR {
	if m == nil {
		return nil
	}

	n := &domain.NDR{
		ID:              m.ID,
		Waybill:         m.Waybill,
		OrderReference:  m.OrderReference,
		ReasonCode:      m.ReasonCode,
		Status:          m.Status,
		AttemptCount:    m.AttemptCount,
		NextAttemptDate: utcPtr(m.NextAttemptDate),
		Metrics: domain.Metrics{
			DaysInNDR:     m.DaysInNDR,
			TotalAttempts: m.TotalAttempts,
			ReopenedCount: m.ReopenedCount,
		},
		LastRawStatus: m.LastRawStatus,
		Version:       m.Version,
		OpenedAt:      m.OpenedAt.UTC(),
		ResolvedAt:    utcPtr(m.ResolvedAt),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.ResolutionAction != nil {
		r := domain.ResolutionAction(*m.ResolutionAction)
		n.ResolutionAction = &r
	}
	if m.ResponseReceivedAt != nil {
		n.CustomerResponse = &domain.CustomerResponse{
			ReceivedAt:     m.ResponseReceivedAt.UTC(),
			Channel:        deref(m.ResponseChannel),
			Preference:     domain.Preference(deref(m.ResponsePreference)),
			UpdatedAddress: deref(m.ResponseAddress),
			UpdatedPhone:   deref(m.ResponsePhone),
		}
	}
	if m.RTOStatus != nil {
		n.RTOInfo = &domain.RTOInfo{
			Status:        *m.RTOStatus,
			InitiatedDate: utcPtr(m.RTOInitiatedDate),
			Reason:        deref(m.RTOReason),
		}
	}
	return n
}

func actionModelFromDomain(ndrID string, seq int, e domain.ActionEntry) NDRActionModel {
	return NDRActionModel{
		ID:                    e.ID,
		NDRID:                 ndrID,
		Seq:                   seq,
		Kind:                  e.Kind,
		OccurredAt:            e.Timestamp,
		ExternalCorrelationID: optionalString(e.ExternalCorrelationID),
		ExternalStatus:        optionalString(e.ExternalStatus),
		Remarks:               e.Remarks,
		EventKey:              optionalString(e.EventKey),
		FromStatus:            e.FromStatus,
		ToStatus:              e.ToStatus,
	}
}

func actionModelToDomain(m *NDRActionModel) domain.ActionEntry {
	return domain.ActionEntry{
		ID:                    m.ID,
		Kind:                  m.Kind,
		Timestamp:             m.OccurredAt.UTC(),
		ExternalCorrelationID: deref(m.ExternalCorrelationID),
		ExternalStatus:        deref(m.ExternalStatus),
		Remarks:               m.Remarks,
		EventKey:              deref(m.EventKey),
		FromStatus:            m.FromStatus,
		ToStatus:              m.ToStatus,
	}
}

func stringPtr(s string) *string {
	return &s
}

// optionalString maps "" to NULL so partial unique indexes ignore it.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
