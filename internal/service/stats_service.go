package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	// DefaultStatsPeriodDays and DefaultEscalationThresholdDays are what the
	// API uses when the caller does not pass a value.
	DefaultStatsPeriodDays         = 30
	DefaultEscalationThresholdDays = 5

	defaultEscalationLimit = 100
)

type ReasonStats struct {
	Count       int     `json:"count"`
	AvgAttempts float64 `json:"avgAttempts"`
}

type Overview struct {
	PeriodDays      int                    `json:"periodDays"`
	Total           int                    `json:"total"`
	Open            int                    `json:"open"`
	StatusBreakdown map[string]int         `json:"statusBreakdown"`
	ReasonBreakdown map[string]ReasonStats `json:"reasonBreakdown"`
	AvgDaysInNDR    float64                `json:"avgDaysInNdr"`
}

// StatsService is read-only; every answer is computed from the store at call time.
type StatsService struct {
	repo   repository.NDRRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewStatsService(repo repository.NDRRepository, logger *zap.Logger) (*StatsService, error) {
	if repo == nil {
		return nil, fmt.Errorf("ndr repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatsService{repo: repo, logger: logger, now: time.Now}, nil
}

// Overview aggregates the NDRs opened within the trailing periodDays. A zero
// period covers the NDRs opened since the start of the current UTC day.
func (s *StatsService) Overview(ctx context.Context, periodDays int) (*Overview, error) {
	if periodDays < 0 {
		return nil, fmt.Errorf("%w: periodDays must not be negative", domain.ErrValidation)
	}

	now := s.now().UTC()
	since := now.AddDate(0, 0, -periodDays)
	if periodDays == 0 {
		since = domain.StartOfDay(now)
	}
	rows, err := s.repo.ListStatsRows(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats rows: %w", err)
	}

	out := &Overview{
		PeriodDays:      periodDays,
		Total:           len(rows),
		StatusBreakdown: make(map[string]int),
		ReasonBreakdown: make(map[string]ReasonStats),
	}

	attempts := make(map[string]int)
	totalDays := 0
	for _, row := range rows {
		out.StatusBreakdown[row.Status.String()]++
		if !row.Status.IsTerminal() {
			out.Open++
		}

		reason := row.ReasonCode
		if reason == "" {
			reason = "unknown"
		}
		rs := out.ReasonBreakdown[reason]
		rs.Count++
		out.ReasonBreakdown[reason] = rs
		attempts[reason] += row.AttemptCount

		n := domain.NDR{OpenedAt: row.OpenedAt, ResolvedAt: row.ResolvedAt}
		totalDays += n.DaysInNDR(now)
	}

	for reason, rs := range out.ReasonBreakdown {
		rs.AvgAttempts = float64(attempts[reason]) / float64(rs.Count)
		out.ReasonBreakdown[reason] = rs
	}
	if len(rows) > 0 {
		out.AvgDaysInNDR = float64(totalDays) / float64(len(rows))
	}

	return out, nil
}

// EscalationCandidates returns non-terminal NDRs at least thresholdDays in
// NDR, longest first. A zero threshold returns every non-terminal NDR.
func (s *StatsService) EscalationCandidates(ctx context.Context, thresholdDays, limit int) ([]domain.NDR, error) {
	if thresholdDays < 0 {
		return nil, fmt.Errorf("%w: thresholdDays must not be negative", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultEscalationLimit
	}

	now := s.now().UTC()
	cutoff := now.Add(-time.Duration(thresholdDays) * 24 * time.Hour)
	items, err := s.repo.ListOpenedBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation candidates: %w", err)
	}

	candidates := make([]domain.NDR, 0, len(items))
	for _, n := range items {
		n.Metrics.DaysInNDR = n.DaysInNDR(now)
		if n.Status.IsTerminal() || n.Metrics.DaysInNDR < thresholdDays {
			continue
		}
		candidates = append(candidates, n)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Metrics.DaysInNDR > candidates[j].Metrics.DaysInNDR
	})
	return candidates, nil
}
