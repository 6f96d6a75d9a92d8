// ExchangeService 主程序
// 功能：订单撮合与结算核心，含订单簿、K 线聚合与行情广播
// 架构：基于 DDD + 内存撮合 + MySQL 批量落库 + Kafka 广播
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	accountapp "github.com/wyfcoding/exchange/internal/account/application"
	accountdomain "github.com/wyfcoding/exchange/internal/account/domain"
	accountmysql "github.com/wyfcoding/exchange/internal/account/infrastructure/persistence/mysql"
	"github.com/wyfcoding/exchange/internal/exchange/application"
	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/internal/exchange/infrastructure/messaging"
	exchangemysql "github.com/wyfcoding/exchange/internal/exchange/infrastructure/persistence/mysql"
	exchangehttp "github.com/wyfcoding/exchange/internal/exchange/interfaces/http"
	"github.com/wyfcoding/exchange/pkg/config"
	"github.com/wyfcoding/exchange/pkg/db"
	"github.com/wyfcoding/exchange/pkg/idgen"
	"github.com/wyfcoding/exchange/pkg/logger"
	"github.com/wyfcoding/exchange/pkg/metrics"
	"github.com/wyfcoding/exchange/pkg/mq"
)

func main() {
	// 1. 加载配置
	configPath := "configs/exchange/config.toml"
	if p := os.Getenv("APP_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger.Info(ctx, "Starting ExchangeService",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	// 3. 初始化 ID 生成器
	if err := idgen.Init(0); err != nil {
		logger.Fatal(ctx, "Failed to initialize id generator", "error", err)
	}

	// 4. 初始化数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&exchangemysql.MarketModel{},
		&exchangemysql.OrderModel{},
		&exchangemysql.KlineModel{},
		&exchangemysql.BookLevelModel{},
		&accountdomain.Account{},
		&accountdomain.Journal{},
	); err != nil {
		logger.Fatal(ctx, "Failed to migrate database", "error", err)
	}

	// 5. 初始化 Kafka 生产者
	producer, err := mq.NewProducer(mq.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to create kafka producer", "error", err)
	}
	defer producer.Close()

	// 6. 初始化仓储
	marketRepo := exchangemysql.NewMarketRepository(database)
	orderRepo := exchangemysql.NewOrderRepository(database)
	klineRepo := exchangemysql.NewKlineRepository(database)
	batchWriter := exchangemysql.NewBatchWriter(database)
	accountRepo := accountmysql.NewAccountRepository(database)
	journalRepo := accountmysql.NewJournalRepository(database)

	// 7. 初始化应用服务
	ledger := accountapp.NewLedger(accountRepo, journalRepo)
	settler := application.NewSettler(application.NewLedgerWallet(ledger))
	broadcaster := messaging.NewKafkaBroadcaster(producer)

	markets, err := marketRepo.ListActive(ctx)
	if err != nil {
		logger.Fatal(ctx, "Failed to load markets", "error", err)
	}
	if len(markets) == 0 {
		logger.Warn(ctx, "No active markets configured, engine will idle")
	}
	registry := domain.NewRegistry(markets)

	// 8. 初始化指标
	metricsInstance := metrics.New(cfg.ServiceName)
	if err := metricsInstance.Register(); err != nil {
		logger.Fatal(ctx, "Failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Fatal(ctx, "Failed to start metrics HTTP server", "error", err)
		}
	}

	// 9. 恢复并启动撮合引擎
	engine, err := application.NewEngine(ctx, cfg.Engine, registry,
		orderRepo, klineRepo, batchWriter, broadcaster, settler, metricsInstance)
	if err != nil {
		logger.Fatal(ctx, "Failed to recover engine state", "error", err)
	}
	engine.Start()

	// 10. 启动 HTTP 服务器
	httpServer := createHTTPServer(cfg, engine, ledger)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		logger.Info(ctx, "Starting HTTP server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "HTTP server failed", "error", err)
		}
	}()

	// 11. 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "Shutting down ExchangeService")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown failed", "error", err)
	}
	engine.Stop()
	logger.Info(ctx, "ExchangeService stopped")
}

func createHTTPServer(cfg *config.Config, engine *application.Engine, ledger *accountapp.Ledger) *http.Server {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})

	handler := exchangehttp.NewExchangeHandler(engine, ledger)
	handler.RegisterRoutes(router)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
}
