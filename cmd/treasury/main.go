package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/audit"
	"github.com/xela07ax/treasury-gate/internal/executor"
	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/ledger"
	"github.com/xela07ax/treasury-gate/internal/policy"
	"github.com/xela07ax/treasury-gate/internal/repository/memory"
	"github.com/xela07ax/treasury-gate/internal/repository/postgres"
	"github.com/xela07ax/treasury-gate/internal/safety"
	"github.com/xela07ax/treasury-gate/internal/server"
	"github.com/xela07ax/treasury-gate/internal/server/handler"
	"github.com/xela07ax/treasury-gate/internal/settlement"
	"github.com/xela07ax/treasury-gate/internal/x402"
)

// Составные контракты хранилища: двум драйверам (postgres/memory)
// достаточно удовлетворять им обоим.
type policyStorage interface {
	handler.PolicyStore
	policy.PolicyStore
}

type transactionStorage interface {
	executor.Journal
	handler.HistoryStore
	policy.HistoryReader
}

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При завершении main() или срабатывании SIGTERM, cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилище: postgres для прода, memory для демо
	var (
		policyStore  policyStorage
		txStore      transactionStorage
		safetyStore  safety.Store
		auditStorage audit.StorageInterface
	)

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.NewPool(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		policyStore = postgres.NewPolicyRepo(pool)
		txStore = postgres.NewTransactionRepo(pool)
		safetyStore = postgres.NewSafetyRepo(pool)
		auditStorage = postgres.NewAuditRepo(pool)
	case "memory":
		logger.Warn("using in-memory storage, all data is lost on restart")
		policyStore = memory.NewPolicyStore()
		txStore = memory.NewTransactionStore()
		safetyStore = memory.NewSafetyStore()
		auditStorage = memory.NewAuditLog()
	default:
		logger.Fatal("unknown storage driver", zap.String("driver", cfg.Storage.Driver))
	}

	// Redis опционален: без него предохранители живут в рамках инстанса
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// 3. Control Plane: предохранители
	safetyMgr := safety.NewManager(safetyStore, rdb, logger)
	if err := safetyMgr.Init(appCtx); err != nil {
		logger.Fatal("failed to init safety manager", zap.Error(err))
	}
	go safetyMgr.StartListener(appCtx)

	// Прогрев Redis: первый инстанс после деплоя зеркалит состояние
	// предохранителей из базы
	if rdb != nil {
		owners, err := safetyStore.ListSafeModeOwners(appCtx)
		if err != nil {
			logger.Warn("failed to list safe mode owners for warmup", zap.Error(err))
		} else if err := safety.WarmRedisState(appCtx, rdb, logger, safetyMgr.PaymentsPaused(), owners); err != nil {
			logger.Warn("redis safety warmup failed", zap.Error(err))
		}
	}

	// 4. Settlement Layer: провайдер + надежность
	metrics := executor.NewMetrics(prometheus.DefaultRegisterer)

	var provider settlement.Provider
	switch cfg.Settlement.Provider {
	case "http":
		provider = settlement.NewHTTPProvider(cfg.Settlement.BaseURL, cfg.Settlement.APIKey, cfg.Settlement.Currency, logger)
	case "mock":
		initial, err := decimal.NewFromString(cfg.Settlement.InitialBalance)
		if err != nil {
			logger.Fatal("invalid settlement.initial_balance", zap.Error(err))
		}
		provider = settlement.NewMockProvider(cfg.Settlement.WalletAddress, cfg.Settlement.Currency, initial)
	default:
		logger.Fatal("unknown settlement provider", zap.String("provider", cfg.Settlement.Provider))
	}

	// Оборачиваем в Reliability (Rate Limit, Circuit Breaker, Retries)
	safeProvider := settlement.NewReliableProvider(provider, settlement.ReliabilityConfig{
		CBMaxRequests:  cfg.Settlement.CBMaxRequests,
		CBInterval:     cfg.Settlement.CBInterval,
		CBTimeout:      cfg.Settlement.CBTimeout,
		RateLimit:      cfg.Settlement.RateLimit,
		RateBurst:      cfg.Settlement.RateBurst,
		AttemptTimeout: cfg.Settlement.TransferTimeout,
		OnCBChange: func(open bool) {
			state := 0.0
			if open {
				state = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(cfg.Settlement.Provider).Set(state)
		},
	})

	// 5. Core: леджер, аудит, движок политик, экзекьютор
	funds := ledger.New(safeProvider, cfg.Settlement.Currency, cfg.Engine.BalanceTTL, logger)
	// Первый снимок баланса: падение здесь не фатально, кэш прогреется
	// при первом платеже
	if err := funds.Refresh(appCtx); err != nil {
		logger.Warn("initial balance fetch failed", zap.Error(err))
	}

	trail := audit.NewTrail(auditStorage, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval, logger)
	trail.SetBufferGauge(func(n int) { metrics.AuditBufferFill.Set(float64(n)) })
	trail.Start()

	engine := policy.NewEngine(policyStore, txStore, safetyMgr, logger)
	exec := executor.New(engine, funds, txStore, safeProvider, trail, metrics, cfg.Settlement.Currency, logger)
	fetcher := x402.NewClient(exec, safeProvider, cfg.Engine.FetchTimeout, logger)

	// 6. HTTP Server
	policyH := handler.NewPolicyHandler(policyStore, engine, logger)
	paymentsH := handler.NewPaymentsHandler(exec, fetcher, safeProvider, cfg.Engine.DemoPrice, logger)
	treasuryH := handler.NewTreasuryHandler(funds, txStore, safeProvider, safetyMgr, logger)

	srv := server.New(cfg, logger, policyH, paymentsH, treasuryH, nil)

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-stop // Ждем сигнал
	logger.Info("treasury gate stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Останавливаем фоновые горутины и дожимаем буфер аудита в базу
	cancel()
	trail.Stop()

	logger.Info("treasury gate exited properly")
}
