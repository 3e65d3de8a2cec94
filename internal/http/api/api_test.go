package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/router-for-me/QuotaLimits/internal/config"
	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/maintenance"
	"github.com/router-for-me/QuotaLimits/internal/metrics"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/security"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

var testJWT = config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Expiry: time.Hour}

const (
	dailyLimits = `{"windows":[{"id":"day","limit":100,"periodIso":"P1D","anchor":"UTC:00:00"}]}`
	alwaysSpec  = `{"match":{"any":[{"op":"ALWAYS"}]},"scopeTemplate":"user:${userId}:type:${type:-all}"}`
)

type testServer struct {
	router       *gin.Engine
	conn         *gorm.DB
	serviceToken string
	adminToken   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	clock := func() time.Time { return testNow }
	reg := metrics.NewMetrics(prometheus.NewRegistry())
	svc := limits.NewService(conn, limits.Config{}, limits.WithClock(clock), limits.WithMetrics(reg))
	sweeper := maintenance.NewSweeper(conn, 10, 10, maintenance.WithSweepClock(clock), maintenance.WithSweepMetrics(reg))

	hash, errHash := security.HashPassword("s3cret-pass")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	admin := models.Admin{Username: "root", Password: hash, Active: true}
	if errCreate := conn.Create(&admin).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}
	adminToken, _ := security.GenerateAdminToken(testJWT.Secret, admin.ID, admin.Username, time.Hour)
	serviceToken, _ := security.GenerateServiceToken(testJWT.Secret, "checkout", time.Hour)

	router := NewRouter(Deps{
		DB:      conn,
		Service: svc,
		Sweeper: sweeper,
		Cleaner: maintenance.NewLedgerRetentionCleaner(conn, 0, 100),
		JWT:     testJWT,
		Metrics: true,
	})
	return &testServer{router: router, conn: conn, serviceToken: serviceToken, adminToken: adminToken}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, errMarshal := json.Marshal(v)
		if errMarshal != nil {
			t.Fatalf("marshal: %v", errMarshal)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), errDecode)
	}
	return out
}

func (s *testServer) createDefaultStrategy(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v0/admin/strategies", s.adminToken,
		`{"name":"GLOBAL","version":1,"isDefault":true,"limits":`+dailyLimits+`,"spec":`+alwaysSpec+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create strategy status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodPost, "/v1/limits/debit", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("debit without token status=%d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v0/admin/strategies", s.serviceToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin route with service token status=%d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/users/u1/strategy", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status=%d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["ok"] != true {
		t.Fatalf("healthz status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
}

func TestAdminLogin(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "root", "password": "s3cret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	token, _ := decode(t, rec)["token"].(string)
	if rec := s.do(t, http.MethodGet, "/v0/admin/strategies", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("list with login token status=%d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "root", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status=%d", rec.Code)
	}
}

func TestAdminLoginWithTOTP(t *testing.T) {
	s := newTestServer(t)
	enrollment, errTOTP := security.GenerateTOTP("root")
	if errTOTP != nil {
		t.Fatalf("GenerateTOTP: %v", errTOTP)
	}
	if errUpdate := s.conn.Model(&models.Admin{}).Where("username = ?", "root").
		Update("totp_secret", enrollment.Secret).Error; errUpdate != nil {
		t.Fatalf("set totp: %v", errUpdate)
	}

	rec := s.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "root", "password": "s3cret-pass"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing code status=%d", rec.Code)
	}
	code, _ := totp.GenerateCode(enrollment.Secret, time.Now())
	rec = s.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "root", "password": "s3cret-pass", "code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("login with code status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAdminLoginUpgradesLowCostHash(t *testing.T) {
	s := newTestServer(t)
	legacy, errHash := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if errHash != nil {
		t.Fatalf("legacy hash: %v", errHash)
	}
	if errUpdate := s.conn.Model(&models.Admin{}).Where("username = ?", "root").
		Update("password", string(legacy)).Error; errUpdate != nil {
		t.Fatalf("set legacy hash: %v", errUpdate)
	}

	rec := s.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "root", "password": "s3cret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	var admin models.Admin
	if errFind := s.conn.Where("username = ?", "root").First(&admin).Error; errFind != nil {
		t.Fatalf("reload admin: %v", errFind)
	}
	if admin.Password == string(legacy) || security.NeedsRehash(admin.Password) {
		t.Fatalf("stored hash was not upgraded")
	}
	if !security.CheckPassword(admin.Password, "s3cret-pass") {
		t.Fatalf("upgraded hash does not verify")
	}
}

func TestStrategyLifecycle(t *testing.T) {
	s := newTestServer(t)
	body := `{"name":"DAILY","version":1,"limits":` + dailyLimits + `,"spec":` + alwaysSpec + `}`

	rec := s.do(t, http.MethodPost, "/v0/admin/strategies", s.adminToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	id := int(created["id"].(float64))
	if loc := rec.Header().Get("Location"); loc == "" {
		t.Fatalf("missing Location header")
	}

	if rec := s.do(t, http.MethodPost, "/v0/admin/strategies", s.adminToken, body); rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d", rec.Code)
	}
	conflicting := `{"name":"DAILY","version":1,"limits":{"windows":[{"id":"day","limit":5,"periodIso":"P1D"}]}}`
	if rec := s.do(t, http.MethodPost, "/v0/admin/strategies", s.adminToken, conflicting); rec.Code != http.StatusConflict {
		t.Fatalf("conflict status=%d", rec.Code)
	}
	unsupported := `{"name":"WEIRD","version":1,"limits":{"windows":[{"id":"w","limit":5,"periodIso":"P1Y"}]}}`
	if rec := s.do(t, http.MethodPost, "/v0/admin/strategies", s.adminToken, unsupported); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported window status=%d body=%s", rec.Code, rec.Body.String())
	}

	path := "/v0/admin/strategies/" + jsonInt(id)
	if rec := s.do(t, http.MethodPost, path+"/default", s.adminToken, nil); rec.Code != http.StatusOK || decode(t, rec)["isDefault"] != true {
		t.Fatalf("make default status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, path+"/deactivate", s.adminToken, nil); rec.Code != http.StatusOK || decode(t, rec)["enabled"] != false {
		t.Fatalf("deactivate status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/v0/admin/strategies/999", s.adminToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing strategy status=%d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v0/admin/strategies?enabled=false", s.adminToken, nil)
	list, _ := decode(t, rec)["strategies"].([]any)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("filtered list status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/v0/admin/strategies?enabled=maybe", s.adminToken, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status=%d", rec.Code)
	}
}

func TestDebitCancelFlow(t *testing.T) {
	s := newTestServer(t)
	s.createDefaultStrategy(t)

	debit := map[string]any{"userId": "u1", "txId": "tx-1", "amount": 30.5, "attributes": map[string]string{}}
	rec := s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, debit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("debit status=%d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/limits/transactions/u1/tx-1" {
		t.Fatalf("Location = %q", loc)
	}
	first := decode(t, rec)
	remaining := first["remainingByScope"].(map[string]any)
	if first["status"] != "APPROVED" || remaining["user:u1:type:all"] != 69.5 {
		t.Fatalf("debit body = %v", first)
	}

	rec = s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, debit)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/limits/transactions/u1/tx-1", s.serviceToken, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["amount"] != 30.5 {
		t.Fatalf("transaction status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/v1/limits/check", s.serviceToken, map[string]any{"userId": "u1", "amount": "10"})
	check := decode(t, rec)
	if rec.Code != http.StatusOK || check["sufficient"] != true || check["remainingAfter"] != 59.5 {
		t.Fatalf("check status=%d body=%s", rec.Code, rec.Body.String())
	}

	cancel := map[string]any{"userId": "u1", "txId": "tx-1-rev", "originalTxId": "tx-1"}
	rec = s.do(t, http.MethodPost, "/v1/limits/cancel", s.serviceToken, cancel)
	if rec.Code != http.StatusCreated || decode(t, rec)["reverted"] != true {
		t.Fatalf("cancel status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/v1/limits/cancel", s.serviceToken, cancel); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel status=%d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/limits/transactions/u1/tx-1", s.serviceToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("transaction after cancel status=%d", rec.Code)
	}
}

func TestDebitDeclinedAndValidation(t *testing.T) {
	s := newTestServer(t)
	s.createDefaultStrategy(t)

	rec := s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, map[string]any{"userId": "u1", "txId": "big", "amount": 1000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("decline status=%d body=%s", rec.Code, rec.Body.String())
	}
	declined := decode(t, rec)
	if declined["status"] != "DECLINED" {
		t.Fatalf("decline body = %v", declined)
	}

	for _, body := range []string{
		`{"userId":"u1","txId":"neg","amount":-1}`,
		`{"userId":"u1","txId":"nan","amount":"abc"}`,
		`{"userId":"u1","txId":"zero","amount":0}`,
		`not json`,
	} {
		if rec := s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s status=%d", body, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, `{"txId":"t","amount":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing userId status=%d", rec.Code)
	}
}

func TestAssignAndActiveBinding(t *testing.T) {
	s := newTestServer(t)
	s.createDefaultStrategy(t)

	if rec := s.do(t, http.MethodGet, "/v1/users/u1/strategy", s.serviceToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("active before assign status=%d", rec.Code)
	}
	body := map[string]any{"strategyId": 1, "isActive": true}
	rec := s.do(t, http.MethodPost, "/v1/users/u1/strategy", s.serviceToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPut, "/v1/users/u1/strategy", s.serviceToken, body); rec.Code != http.StatusOK {
		t.Fatalf("idempotent assign status=%d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/users/u1/strategy", s.serviceToken, nil)
	active := decode(t, rec)
	if rec.Code != http.StatusOK || active["strategyName"] != "GLOBAL" || active["userId"] != "u1" {
		t.Fatalf("active status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/v1/users/u1/strategy", s.serviceToken, map[string]any{"strategyId": 42}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown strategy status=%d", rec.Code)
	}
	bad := map[string]any{"strategyId": 1, "effectiveFrom": "2025-02-01T00:00:00Z", "effectiveTo": "2025-01-01T00:00:00Z"}
	if rec := s.do(t, http.MethodPost, "/v1/users/u1/strategy", s.serviceToken, bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted dates status=%d", rec.Code)
	}
}

func TestSettingsOverrideMissBehavior(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodPut, "/v0/admin/settings/LIMITS_MISS_BEHAVIOR", s.adminToken, `{"value":"SOMETIMES"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid value status=%d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/v0/admin/settings/NOPE", s.adminToken, `{"value":1}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key status=%d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/v0/admin/settings/LIMITS_MISS_BEHAVIOR", s.adminToken, `{"value":"REJECT"}`); rec.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/v1/limits/debit", s.serviceToken, map[string]any{"userId": "u1", "txId": "t", "amount": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reject miss status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/v0/admin/settings", s.adminToken, nil)
	values, _ := decode(t, rec)["settings"].(map[string]any)
	if values["LIMITS_MISS_BEHAVIOR"] != "REJECT" {
		t.Fatalf("settings = %v", values)
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v0/admin/maintenance/sweep", s.adminToken, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["rolled"] != float64(0) {
		t.Fatalf("sweep status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/v0/admin/maintenance/ledger-retention", s.adminToken, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["deleted"] != float64(0) {
		t.Fatalf("retention status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func jsonInt(v int) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
