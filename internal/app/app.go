package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"quiz_sync_backend/internal/config"
	"quiz_sync_backend/internal/controller"
	"quiz_sync_backend/internal/middleware"
	"quiz_sync_backend/internal/repository"
	"quiz_sync_backend/internal/service"
	"quiz_sync_backend/pkg/configwatcher"
	"quiz_sync_backend/pkg/database"
	"quiz_sync_backend/pkg/logger"
	"quiz_sync_backend/pkg/monitoring"
	"quiz_sync_backend/pkg/security"
	"quiz_sync_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config     *config.Config
	ConfigPath string
	Router     *gin.Engine
	DB         *gorm.DB
	Redis      *redis.Client

	services        *services
	configCallbacks []func(*config.Config)
	tracer          *sdktrace.TracerProvider

	ctx    context.Context
	cancel context.CancelFunc
}

type repositories struct {
	answer *repository.AnswerRepository
}

type services struct {
	cache    *service.SyncCache
	hub      *service.SyncHub
	manifest *service.ManifestService
}

type controllers struct {
	sync   *controller.SyncController
	answer *controller.AnswerController
	health *controller.HealthController
	ws     *controller.WsController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

// ApplyConfig 热更新可在运行期调整的参数
func (a *App) ApplyConfig(cfg *config.Config) {
	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		answer: repository.NewAnswerRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}
	clock := clockwork.NewRealClock()

	s.cache = service.NewSyncCache(repos.answer, cfg.Sync.CacheTTL, clock)

	s.hub = service.NewSyncHub(rdb, service.HubOptions{
		PresenceTTL: cfg.Sync.PresenceTTL,
		Channel:     cfg.Redis.Channel,
		Clock:       clock,
	})
	go s.hub.Run(a.ctx)

	s.manifest = service.NewManifestService(repos.answer, s.cache, s.hub, service.ManifestOptions{
		PeerDataTTL:  cfg.Sync.PeerDataTTL,
		StatsTTL:     cfg.Sync.StatsTTL,
		StatsSize:    cfg.Sync.StatsSize,
		MaxBatchSize: cfg.Sync.MaxBatchSize,
		Clock:        clock,
	})

	return s
}

func (a *App) initControllers(repos *repositories, s *services) *controllers {
	return &controllers{
		sync:   controller.NewSyncController(s.manifest),
		answer: controller.NewAnswerController(s.manifest),
		health: controller.NewHealthController(repos.answer, s.manifest, s.hub),
		ws:     controller.NewWsController(s.hub),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute, "/health", "/metrics", "/ws"))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
	router.Use(middleware.RequestLogger())
}

func (a *App) registerSyncCallbacks(s *services) {
	a.RegisterConfigCallback(func(cfg *config.Config) {
		s.cache.SetTTL(cfg.Sync.CacheTTL)
		s.manifest.SetPeerDataTTL(cfg.Sync.PeerDataTTL)
		s.hub.SetPresenceTTL(cfg.Sync.PresenceTTL)
		if cfg.Log.Level != "" {
			logger.SetLevel(cfg.Log.Level)
		}
		logger.Log.Info("Sync settings applied",
			zap.Stringer("log_level", logger.Level()),
			zap.Duration("cache_ttl", cfg.Sync.CacheTTL),
			zap.Duration("peer_data_ttl", cfg.Sync.PeerDataTTL),
			zap.Duration("presence_ttl", cfg.Sync.PresenceTTL),
		)
	})
}

// New 用已打开的连接组装应用，rdb 可为 nil
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		ctx:    ctx,
		cancel: cancel,
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(repos, services)
	app.registerSyncCallbacks(services)

	// 监控初始化
	monitoring.Init()

	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers)

	return app
}

// NewApp 初始化日志、数据库与 Redis 后组装应用
func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}

	app := New(cfg, db, rdb)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(&cfg.Tracing)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	return app
}

// Run 启动 HTTP 服务，收到中断信号后优雅关闭
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(a.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Config.Sync.WarmOnStart {
		if err := a.services.manifest.Warm(ctx); err != nil {
			// 首次请求会再次构建
			logger.Log.Warn("Sync cache warm-up failed", zap.Error(err))
		}
	}

	if a.ConfigPath != "" {
		go func() {
			file := filepath.Join(a.ConfigPath, "config.yaml")
			if err := configwatcher.WatchConfig(ctx, file, a.ApplyConfig); err != nil {
				logger.Log.Warn("Config watcher disabled", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + a.Config.Server.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.Close()
		return err
	}
	logger.Log.Info("Shutting down server...")

	// 先断开推送连接，再关闭 HTTP 服务
	a.services.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	a.Close()
	if err != nil {
		return err
	}
	logger.Log.Info("Server exiting")
	return nil
}

// Close 释放后台任务与连接
func (a *App) Close() {
	a.cancel()
	if a.services != nil {
		a.services.hub.Stop()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
		cancel()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = logger.Log.Sync()
}
