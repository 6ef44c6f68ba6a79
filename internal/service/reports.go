package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/shopspring/decimal"
)

const (
	dateLayout         = "2006-01-02"
	defaultReportRange = 30 * 24 * time.Hour
)

// ReportService answers point-in-time aggregate queries. Figures are not
// reconciled against concurrent writes.
type ReportService struct {
	store store.TransactionStore
	now   func() time.Time
}

func NewReportService(s store.TransactionStore) *ReportService {
	return &ReportService{store: s, now: time.Now}
}

// dateRange resolves an inclusive day range to a half-open instant range.
// Missing bounds default to the last 30 days.
func (s *ReportService) dateRange(start, end time.Time) (from, to time.Time, err error) {
	if end.IsZero() {
		end = s.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-defaultReportRange)
	}
	from = truncateDay(start)
	to = truncateDay(end).AddDate(0, 0, 1)
	if !from.Before(to) {
		return time.Time{}, time.Time{}, domain.Validationf("end date is before start date")
	}
	return from, to, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailySummary returns one row per day with transactions, oldest first.
func (s *ReportService) DailySummary(ctx context.Context, merchantID int64, start, end time.Time) ([]models.DailySummaryResponse, error) {
	from, to, err := s.dateRange(start, end)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.TransactionTotals(ctx, merchantID, from, to)
	if err != nil {
		return nil, err
	}

	var out []models.DailySummaryResponse
	for _, t := range totals {
		day := t.Day.Format(dateLayout)
		if len(out) == 0 || out[len(out)-1].Date != day {
			out = append(out, models.DailySummaryResponse{Date: day, TotalAmount: decimal.Zero})
		}
		row := &out[len(out)-1]
		row.TotalTransactions += t.Count
		switch t.Status {
		case domain.StatusCompleted:
			row.CompletedTransactions += t.Count
			row.TotalAmount = row.TotalAmount.Add(t.Amount)
		case domain.StatusFailed:
			row.FailedTransactions += t.Count
		}
	}
	return out, nil
}

// Revenue totals COMPLETED transactions in the range.
func (s *ReportService) Revenue(ctx context.Context, merchantID int64, start, end time.Time) (*models.RevenueReportResponse, error) {
	from, to, err := s.dateRange(start, end)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.TransactionTotals(ctx, merchantID, from, to)
	if err != nil {
		return nil, err
	}

	report := &models.RevenueReportResponse{
		StartDate:                from.Format(dateLayout),
		EndDate:                  to.AddDate(0, 0, -1).Format(dateLayout),
		TotalRevenue:             decimal.Zero,
		AverageTransactionAmount: decimal.Zero,
		RevenueByCurrency:        make(map[string]decimal.Decimal),
	}
	for _, t := range totals {
		if t.Status != domain.StatusCompleted {
			continue
		}
		report.TotalTransactions += t.Count
		report.TotalRevenue = report.TotalRevenue.Add(t.Amount)
		report.RevenueByCurrency[t.Currency] = report.RevenueByCurrency[t.Currency].Add(t.Amount)
	}
	if report.TotalTransactions > 0 {
		report.AverageTransactionAmount = report.TotalRevenue.Div(decimal.NewFromInt(report.TotalTransactions)).Round(2)
	}
	return report, nil
}
