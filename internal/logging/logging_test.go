package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/QuotaLimits/internal/config"
	log "github.com/sirupsen/logrus"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), GinLogger())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetGinRequestID(c))
	})
	return r
}

func TestRequestIDEchoesHeader(t *testing.T) {
	r := newEngine()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("header = %q", got)
	}
	if rec.Body.String() != "req-123" {
		t.Fatalf("context id = %q", rec.Body.String())
	}
}

func TestRequestIDGenerated(t *testing.T) {
	r := newEngine()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	id := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", id, err)
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	path := filepath.Join(t.TempDir(), "quota.log")
	closer, err := Setup(config.Logging{Level: "info", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("hello rotation")
	if errClose := closer.Close(); errClose != nil {
		t.Fatalf("close: %v", errClose)
	}

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read log: %v", errRead)
	}
	if !strings.Contains(string(data), `"msg":"hello rotation"`) {
		t.Fatalf("log file content = %s", data)
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if _, err := Setup(config.Logging{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
}
