package limits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dbpkg "github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/window"
	"gorm.io/gorm"
)

// monday noon plus one second, inside an hourly window starting at noon.
var testEpoch = time.Date(2025, time.March, 10, 12, 0, 1, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *gorm.DB, *testClock) {
	t.Helper()
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	clock := &testClock{now: testEpoch}
	all := append([]Option{
		WithClock(clock.Now),
		WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())),
	}, opts...)
	return NewService(conn, cfg, all...), conn, clock
}

func units(v int64) int64 { return v * window.MicrosPerUnit }

func mustCreatePolicy(t *testing.T, svc *Service, name string, isDefault bool, spec, limits string) models.Strategy {
	t.Helper()
	req := CreatePolicyRequest{Name: name, Version: 1, IsDefault: &isDefault, Limits: []byte(limits)}
	if spec != "" {
		req.Spec = []byte(spec)
	}
	resp, errCreate := svc.CreatePolicy(context.Background(), req)
	if errCreate != nil {
		t.Fatalf("create policy %s: %v", name, errCreate)
	}
	return resp.Strategy
}

func bucketFor(t *testing.T, conn *gorm.DB, userID, scope string) models.LimitBucket {
	t.Helper()
	var bucket models.LimitBucket
	if errFind := conn.Where("user_id = ? AND scope_key = ?", userID, scope).First(&bucket).Error; errFind != nil {
		t.Fatalf("load bucket %s/%s: %v", userID, scope, errFind)
	}
	return bucket
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if errCount := conn.Model(model).Count(&n).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	return n
}

const (
	hourlyLimits = `{"windows":[{"id":"hour","limit":100,"periodSeconds":3600,"anchor":"UTC:00:00"}]}`
	dailyLimits  = `{"windows":[{"id":"day","limit":100,"periodIso":"P1D","anchor":"UTC:00:00"}]}`
	alwaysSpec   = `{"match":{"any":[{"op":"ALWAYS"}]},"scopeTemplate":"user:${userId}:type:${type:-all}"}`
)
