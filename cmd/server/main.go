package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"monidesk/internal/config"
	"monidesk/internal/handlers"
	"monidesk/internal/middleware"
	"monidesk/internal/models"
	"monidesk/internal/observability"
	"monidesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 允许通过 flags/env 覆盖数据库连接
	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.StringVar(&srvHost, "host", getenvDefault("MONIDESK_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("MONIDESK_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	// 组装 DSN
	dsn := flagDSN
	if dsn == "" {
		host := firstNonEmpty(dbHost, cfg.Database.Host)
		user := firstNonEmpty(dbUser, cfg.Database.User)
		pass := firstNonEmpty(dbPass, cfg.Database.Password)
		name := firstNonEmpty(dbName, cfg.Database.Name)
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, pass, name, port, dbSSLMode, dbTZ)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		if cfg.Database.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		}
	}

	// 根据需要迁移（此处默认迁移，生产可改为条件控制）
	if err := db.AutoMigrate(
		&models.Customer{}, &models.CustomerTag{}, &models.CustomerTagLink{},
		&models.OutboxEvent{}, &models.OutboundMessage{}, &models.AppInstallation{},
		&models.AutomationRule{}, &models.AutomationRuleRun{}, &models.AutomationRuleStep{},
		&models.AutomationTask{}, &models.AutomationDiscount{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 消息通道：默认记录日志，可选配置外部 HTTP 网关
	providers := services.NewProviderRegistry()
	providers.Register(services.NewLogProvider(appLogger))
	if cfg.Messaging.Gateway.Enabled {
		providers.Register(services.NewHTTPProvider(services.HTTPProviderConfig{
			Name:    cfg.Messaging.Gateway.Name,
			BaseURL: cfg.Messaging.Gateway.BaseURL,
			APIKey:  cfg.Messaging.Gateway.APIKey,
			Timeout: cfg.Messaging.Gateway.Timeout,
		}, appLogger))
	}

	automationService := services.NewAutomationService(db, appLogger, providers)

	// 运行结果 WebSocket 推送
	runFeed := services.NewRunFeedHub(appLogger)
	go runFeed.Run()
	automationService.SetRunNotifier(runFeed)

	// 定时扫描 outbox（robfig/cron 调度表达式）
	sweeper := cron.New()
	schedule := cfg.Automation.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := sweeper.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		automationService.SweepOutbox(ctx, cfg.Automation.OutboxBatchSize)
	}); err != nil {
		appLogger.Fatalf("Failed to schedule outbox sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查与指标
	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET("/metrics", healthHandler.Metrics)
	}

	// API 路由组
	api := r.Group("/api/v1")
	automationHandler := handlers.NewAutomationHandler(automationService, runFeed)
	handlers.RegisterAutomationRoutes(api, automationHandler)

	// 启动服务器
	host := firstNonEmpty(srvHost, cfg.Server.Host)
	port := srvPort
	if port == 0 {
		port = cfg.Server.Port
	}
	listenAddr := fmt.Sprintf("%s:%d", host, port)

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
