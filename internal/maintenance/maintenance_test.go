package maintenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dbpkg "github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestRollBucketFixedInterval(t *testing.T) {
	base := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	interval := int64(3600)
	b := models.LimitBucket{
		BaseLimitMicros: 100,
		RemainingMicros: 3,
		IntervalSeconds: &interval,
		LastPeriodStart: base,
		NextResetAt:     base.Add(time.Hour),
	}
	now := base.Add(10000 * time.Second)
	RollBucket(&b, now)

	if !b.NextResetAt.Equal(base.Add(10800 * time.Second)) {
		t.Fatalf("expected next reset at T+10800, got %v", b.NextResetAt.Sub(base))
	}
	if !b.LastPeriodStart.Equal(base.Add(7200 * time.Second)) {
		t.Fatalf("expected window start at T+7200, got %v", b.LastPeriodStart.Sub(base))
	}
	if b.LastPeriodStart.After(now) || !b.NextResetAt.After(now) {
		t.Fatalf("rolled window must contain now")
	}
	if b.RemainingMicros != 100 {
		t.Fatalf("expected refill, got %d", b.RemainingMicros)
	}
}

func TestRollBucketExactBoundary(t *testing.T) {
	base := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	interval := int64(3600)
	b := models.LimitBucket{IntervalSeconds: &interval, LastPeriodStart: base, NextResetAt: base.Add(time.Hour)}
	RollBucket(&b, base.Add(2*time.Hour))
	if !b.LastPeriodStart.Equal(base.Add(2*time.Hour)) || !b.NextResetAt.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("unexpected window [%v, %v)", b.LastPeriodStart, b.NextResetAt)
	}
}

func TestRollBucketCalendarAndDegenerate(t *testing.T) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := models.LimitBucket{
		BaseLimitMicros: 50,
		LastPeriodStart: start,
		NextResetAt:     start.AddDate(0, 0, 1),
	}
	now := time.Date(2025, time.March, 4, 6, 0, 0, 0, time.UTC)
	RollBucket(&b, now)
	if !b.LastPeriodStart.Equal(time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected calendar start %v", b.LastPeriodStart)
	}
	if b.RemainingMicros != 50 {
		t.Fatalf("expected refill")
	}

	broken := models.LimitBucket{LastPeriodStart: now, NextResetAt: now}
	RollBucket(&broken, now)
	if !broken.LastPeriodStart.Equal(now) || !broken.NextResetAt.Equal(now.Add(time.Second)) {
		t.Fatalf("degenerate window not repaired: %+v", broken)
	}

	future := models.LimitBucket{RemainingMicros: 1, BaseLimitMicros: 9, LastPeriodStart: now, NextResetAt: now.Add(time.Hour)}
	RollBucket(&future, now)
	if future.RemainingMicros != 1 {
		t.Fatalf("open window must not be refilled")
	}
}

func TestSweepExpiredBucketsInBatches(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	interval := int64(3600)
	for i := 0; i < 7; i++ {
		b := models.LimitBucket{
			UserID:          "u1",
			ScopeKey:        "due-" + string(rune('a'+i)),
			BaseLimitMicros: 100,
			RemainingMicros: 0,
			IntervalSeconds: &interval,
			LastPeriodStart: now.Add(-3 * time.Hour),
			NextResetAt:     now.Add(-2 * time.Hour),
		}
		if err := conn.Create(&b).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	open := models.LimitBucket{
		UserID: "u1", ScopeKey: "open", BaseLimitMicros: 100, RemainingMicros: 40,
		LastPeriodStart: now.Add(-time.Hour), NextResetAt: now.Add(time.Hour),
	}
	if err := conn.Create(&open).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := prometheus.NewRegistry()
	sweeper := NewSweeper(conn, 3, 10,
		WithSweepClock(func() time.Time { return now }),
		WithSweepMetrics(metrics.NewMetrics(reg)))
	rolled, err := sweeper.SweepExpiredBuckets(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rolled != 7 {
		t.Fatalf("expected 7 rolled buckets, got %d", rolled)
	}

	var buckets []models.LimitBucket
	if err := conn.Order("scope_key").Find(&buckets).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, b := range buckets {
		if b.ScopeKey == "open" {
			if b.RemainingMicros != 40 {
				t.Fatalf("open bucket was touched: %+v", b)
			}
			continue
		}
		if b.RemainingMicros != 100 || !b.NextResetAt.After(now) || b.LastPeriodStart.After(now) {
			t.Fatalf("bucket %s not rolled: %+v", b.ScopeKey, b)
		}
	}

	again, err := sweeper.SweepExpiredBuckets(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("second sweep should be empty, got %d %v", again, err)
	}
}

func TestSweepBatchSizeOverride(t *testing.T) {
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{settings.LimitsSweepBatchSizeKey: json.RawMessage(`25`)})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	sweeper := NewSweeper(nil, 0, 0)
	if got := sweeper.effectiveBatchSize(); got != 25 {
		t.Fatalf("expected override 25, got %d", got)
	}
	if sweeper.maxIterations != DefaultSweepMaxIterations {
		t.Fatalf("expected default max iterations")
	}
}

func TestLedgerRetentionCleaner(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	for i, start := range []time.Time{now.AddDate(0, 0, -90), now.AddDate(0, 0, -45), now.AddDate(0, 0, -1)} {
		row := models.LimitTx{UserID: "u1", ScopeKey: "s", PeriodStart: start, TxID: string(rune('a' + i)), AmountMicros: 1}
		if err := conn.Create(&row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	cleaner := NewLedgerRetentionCleaner(conn, 0, 1)
	cleaner.now = func() time.Time { return now }
	cleaner.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	if n := cleaner.CleanupOnce(context.Background()); n != 0 {
		t.Fatalf("retention disabled by default, deleted %d", n)
	}

	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{settings.LedgerRetentionDaysKey: json.RawMessage(`30`)})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })
	if n := cleaner.CleanupOnce(context.Background()); n != 2 {
		t.Fatalf("expected 2 purged rows, got %d", n)
	}
	var left int64
	conn.Model(&models.LimitTx{}).Count(&left)
	if left != 1 {
		t.Fatalf("expected 1 remaining row, got %d", left)
	}
}

func TestSchedulerValidatesSpecs(t *testing.T) {
	if err := ValidateSpec(DefaultSweepCron); err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
	if err := ValidateSpec("0 0 * * *"); err == nil {
		t.Fatalf("five-field spec should be rejected")
	}

	s := NewScheduler("Not/AZone")
	if s.zone != time.UTC {
		t.Fatalf("unknown zone should fall back to UTC")
	}
	if err := s.Add(context.Background(), Job{Name: "bad", Spec: "nope", Run: func(context.Context) {}}); err == nil {
		t.Fatalf("expected invalid spec error")
	}

	moscow := NewScheduler("")
	if err := moscow.Add(context.Background(), SweepJob("", NewSweeper(nil, 0, 0))); err != nil {
		t.Fatalf("add sweep job: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	moscow.Start(ctx)
	next := moscow.NextRun()
	cancel()
	moscow.Stop()
	if next.IsZero() {
		t.Fatalf("expected a scheduled run")
	}
	if h, m, sec := next.In(moscow.zone).Clock(); h != 0 || m != 0 || sec != 0 {
		t.Fatalf("sweep should run at local midnight, got %v", next.In(moscow.zone))
	}
}
