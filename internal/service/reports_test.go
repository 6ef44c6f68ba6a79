package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
)

func TestDailySummaryAndRevenue(t *testing.T) {
	e := newEnv(t, approve(), approve(), outcome{result: declined("Expired card")}, approve())
	ctx := context.Background()

	day1 := e.now
	e.create(t, "a", "10.00")
	e.create(t, "b", "20.00")
	e.create(t, "c", "99.00")
	e.now = day1.AddDate(0, 0, 1)
	e.create(t, "d", "5.005")

	reports := NewReportService(e.store)
	reports.now = e.clock

	daily, err := reports.DailySummary(ctx, e.merchant.ID, day1, e.now)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("expected 2 days, got %d", len(daily))
	}
	first := daily[0]
	if first.Date != "2026-04-10" || first.TotalTransactions != 3 || first.CompletedTransactions != 2 || first.FailedTransactions != 1 {
		t.Errorf("unexpected first day %+v", first)
	}
	if !first.TotalAmount.Equal(dec("30")) {
		t.Errorf("expected completed amount 30, got %s", first.TotalAmount)
	}

	rev, err := reports.Revenue(ctx, e.merchant.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("revenue: %v", err)
	}
	if rev.TotalTransactions != 3 || !rev.TotalRevenue.Equal(dec("35.005")) {
		t.Errorf("unexpected totals %+v", rev)
	}
	// 35.005 / 3 = 11.668333.. rounds half-up to 11.67
	if !rev.AverageTransactionAmount.Equal(dec("11.67")) {
		t.Errorf("expected average 11.67, got %s", rev.AverageTransactionAmount)
	}
	if !rev.RevenueByCurrency["USD"].Equal(dec("35.005")) {
		t.Errorf("unexpected by-currency %v", rev.RevenueByCurrency)
	}
	if rev.EndDate != "2026-04-11" || rev.StartDate != "2026-03-12" {
		t.Errorf("expected default 30 day range, got %s..%s", rev.StartDate, rev.EndDate)
	}
}

func TestReportRejectsInvertedRange(t *testing.T) {
	e := newEnv(t)
	reports := NewReportService(e.store)
	_, err := reports.DailySummary(context.Background(), e.merchant.ID, e.now, e.now.AddDate(0, 0, -2))
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}
