package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/QuotaLimits/internal/config"
	"github.com/router-for-me/QuotaLimits/internal/db"
	"github.com/router-for-me/QuotaLimits/internal/http/api"
	"github.com/router-for-me/QuotaLimits/internal/http/api/handlers"
	"github.com/router-for-me/QuotaLimits/internal/limits"
	"github.com/router-for-me/QuotaLimits/internal/logging"
	"github.com/router-for-me/QuotaLimits/internal/maintenance"
	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/replay"
	"github.com/router-for-me/QuotaLimits/internal/security"
	"github.com/router-for-me/QuotaLimits/internal/settings"
	"github.com/router-for-me/QuotaLimits/internal/window"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// settingsRefreshCron reloads DB overrides written by other instances.
const settingsRefreshCron = "*/30 * * * * *"

// CreateAdminParams holds inputs for admin account creation.
type CreateAdminParams struct {
	Username   string
	Password   string
	EnableTOTP bool
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// openDatabase loads the configuration and returns a migrated connection.
func openDatabase(ctx context.Context, cfg config.AppConfig) (*config.Config, string, *gorm.DB, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", nil, err
	}
	conn, err := db.OpenWithOptions(fileCfg.Database.DSN, db.Options{
		SlowThreshold: fileCfg.Database.SlowThreshold,
		MaxOpenConns:  fileCfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, "", nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, "", nil, errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: initial load failed")
	}
	return fileCfg, configPath, conn, nil
}

func limitsConfig(cfg *config.Config) limits.Config {
	return limits.Config{
		MissBehavior: limits.MissBehavior(cfg.Limits.MissBehavior),
		LockTimeout:  cfg.Database.LockTimeout,
		ReplayTTL:    cfg.Redis.ReplayTTL,
	}
}

func newSweeper(conn *gorm.DB, cfg *config.Config) *maintenance.Sweeper {
	return maintenance.NewSweeper(conn, cfg.Limits.Scheduler.BatchSize, cfg.Limits.Scheduler.MaxIterations)
}

func newCleaner(conn *gorm.DB, cfg *config.Config) *maintenance.LedgerRetentionCleaner {
	return maintenance.NewLedgerRetentionCleaner(conn, cfg.Limits.Retention.LedgerDays, cfg.Limits.Retention.BatchSize)
}

// RunServer boots the limits HTTP API with its background jobs.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	fileCfg, configPath, conn, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	logCloser, errLog := logging.Setup(fileCfg.Logging)
	if errLog != nil {
		return errLog
	}
	defer func() { _ = logCloser.Close() }()

	if strings.TrimSpace(fileCfg.JWT.Secret) == "" {
		return fmt.Errorf("config: jwt.secret is required to serve the API")
	}

	var opts []limits.Option
	var replayPinger handlers.Pinger
	if addr := strings.TrimSpace(fileCfg.Redis.Addr); addr != "" {
		cache, errCache := replay.NewRedisCache(ctx, replay.Options{
			Addr:     addr,
			Password: fileCfg.Redis.Password,
			DB:       fileCfg.Redis.DB,
			Prefix:   fileCfg.Redis.Prefix,
		})
		if errCache != nil {
			log.WithError(errCache).Warnf("replay cache %s unavailable, replays are served from the ledger", addr)
		} else {
			defer func() { _ = cache.Close() }()
			opts = append(opts, limits.WithReplayCache(cache))
			replayPinger = cache
		}
	}
	svc := limits.NewService(conn, limitsConfig(fileCfg), opts...)

	if fileCfg.SeedDefault() {
		created, errSeed := svc.SeedDefaultPolicy(ctx, limits.SeedOptions{
			Name:        fileCfg.Limits.Default.StrategyName,
			Version:     fileCfg.Limits.Default.StrategyVersion,
			DailyMicros: window.ToMicros(fileCfg.Limits.Default.Daily),
		})
		if errSeed != nil {
			return fmt.Errorf("seed default strategy: %w", errSeed)
		}
		if created {
			log.Infof("seeded default strategy %s v%d", fileCfg.Limits.Default.StrategyName, fileCfg.Limits.Default.StrategyVersion)
		}
	}

	sweeper := newSweeper(conn, fileCfg)
	cleaner := newCleaner(conn, fileCfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := maintenance.NewScheduler(fileCfg.Limits.Scheduler.Zone)
	if fileCfg.SchedulerEnabled() {
		if errAdd := scheduler.Add(runCtx, maintenance.SweepJob(fileCfg.Limits.Scheduler.Cron, sweeper)); errAdd != nil {
			return errAdd
		}
	}
	if fileCfg.Limits.Retention.Enabled {
		if errAdd := scheduler.Add(runCtx, maintenance.LedgerRetentionJob(fileCfg.Limits.Retention.Cron, cleaner)); errAdd != nil {
			return errAdd
		}
	}
	errAdd := scheduler.Add(runCtx, maintenance.Job{
		Name: "settings-refresh",
		Spec: settingsRefreshCron,
		Run: func(jobCtx context.Context) {
			if errRefresh := settings.RefreshDBConfigSnapshot(jobCtx, conn); errRefresh != nil {
				log.WithError(errRefresh).Warn("settings: refresh failed")
			}
		},
	})
	if errAdd != nil {
		return errAdd
	}
	scheduler.Start(runCtx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(configPath, config.DefaultDebounce, func(next *config.Config) {
		svc.UpdateConfig(limitsConfig(next))
		if level, errLevel := log.ParseLevel(next.Logging.Level); errLevel == nil {
			log.SetLevel(level)
		}
		log.Infof("configuration reloaded from %s", configPath)
	})
	go func() {
		if errWatch := watcher.Run(runCtx); errWatch != nil && !errors.Is(errWatch, context.Canceled) {
			log.WithError(errWatch).Warn("config watcher stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DB:      conn,
		Service: svc,
		Sweeper: sweeper,
		Cleaner: cleaner,
		Replay:  replayPinger,
		JWT:     fileCfg.JWTConfig(),
		Metrics: fileCfg.MetricsEnabled(),
	})
	server := &http.Server{
		Addr:              fileCfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("limits API listening on %s (config=%s)", fileCfg.Server.Listen, configPath)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down limits API")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), fileCfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	return nil
}

// RunSweep rolls every expired bucket once and returns how many rolled.
func RunSweep(ctx context.Context, cfg config.AppConfig) (int, error) {
	fileCfg, _, conn, err := openDatabase(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return newSweeper(conn, fileCfg).SweepExpiredBuckets(ctx)
}

// RunLedgerRetention prunes ledger rows older than the retention horizon.
func RunLedgerRetention(ctx context.Context, cfg config.AppConfig) (int64, error) {
	fileCfg, _, conn, err := openDatabase(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return newCleaner(conn, fileCfg).CleanupOnce(ctx), nil
}

// CreateAdmin inserts an admin account. With EnableTOTP it also returns the
// enrollment the operator must add to an authenticator app.
func CreateAdmin(ctx context.Context, cfg config.AppConfig, params CreateAdminParams) (*security.TOTPEnrollment, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	hash, errHash := security.HashPassword(params.Password)
	if errHash != nil {
		return nil, errHash
	}
	_, _, conn, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	admin := models.Admin{Username: username, Password: hash, Active: true}

	var enrollment *security.TOTPEnrollment
	if params.EnableTOTP {
		generated, errTOTP := security.GenerateTOTP(username)
		if errTOTP != nil {
			return nil, errTOTP
		}
		admin.TOTPSecret = generated.Secret
		enrollment = &generated
	}

	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		return nil, fmt.Errorf("create admin %s: %w", username, errCreate)
	}
	log.Infof("admin %s created (id=%d)", username, admin.ID)
	return enrollment, nil
}

// IssueServiceToken signs a token for a calling service. A zero expiry
// produces a token without an expiration.
func IssueServiceToken(cfg config.AppConfig, service string, expiry time.Duration) (string, error) {
	jwtCfg, err := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return "", err
	}
	return security.GenerateServiceToken(jwtCfg.Secret, service, expiry)
}
