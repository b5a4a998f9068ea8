package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/server/handler"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config
	http   *http.Server

	// Обработчики бизнес-доменов
	policyHandler   *handler.PolicyHandler   // /api/policy
	paymentsHandler *handler.PaymentsHandler // /api/payments
	treasuryHandler *handler.TreasuryHandler // /api/treasury

	// Реестр метрик (nil = глобальный)
	metricsReg prometheus.Gatherer
}

// New инициализирует API-сервер шлюза со всеми зависимостями
func New(
	cfg *infra.Config,
	logger *zap.Logger,
	policyH *handler.PolicyHandler,
	paymentsH *handler.PaymentsHandler,
	treasuryH *handler.TreasuryHandler,
	metricsReg prometheus.Gatherer,
) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		logger:          logger.Named("api"),
		cfg:             cfg,
		policyHandler:   policyH,
		paymentsHandler: paymentsH,
		treasuryHandler: treasuryH,
		metricsReg:      metricsReg,
	}

	s.routes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (без X-User-ID) ---
	r.Group(func(r chi.Router) {
		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		if s.metricsReg != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
		} else {
			r.Handle("/metrics", promhttp.Handler())
		}

		// Демо платного ресурса: сам выдает challenge и проверяет proof,
		// владельца у него нет
		r.HandleFunc("/api/payments/x402/demo/paid-content", s.paymentsHandler.DemoPaidContent)
	})

	// --- 3. ДОМЕННЫЙ ПЕРИМЕТР (требует X-User-ID) ---
	r.Group(func(r chi.Router) {
		r.Use(RequireOwner)

		// Управление Политиками (Policy Engine)
		r.Route("/api/policy", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Post("/validate", s.policyHandler.Validate) // Прогон без исполнения
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Update)
				r.Delete("/", s.policyHandler.Delete)
			})
		})

		// Платежи: прямые и по протоколу 402
		r.Route("/api/payments", func(r chi.Router) {
			r.Post("/execute", s.paymentsHandler.Execute)
			r.Post("/x402/fetch", s.paymentsHandler.X402Fetch)
			r.Get("/x402/status", s.paymentsHandler.X402Status)
		})

		// Казначейство: баланс, журнал, предохранители
		r.Route("/api/treasury", func(r chi.Router) {
			r.Get("/balance", s.treasuryHandler.Balance)
			r.Get("/history", s.treasuryHandler.History)
			r.Get("/wallet", s.treasuryHandler.Wallet)
			r.Get("/analytics", s.treasuryHandler.Analytics)
			r.Get("/safety", s.treasuryHandler.SafetyStatus)
			r.Post("/safety", s.treasuryHandler.UpdateSafety)
		})
	})
}

// Router отдает собранный роутер (для httptest в тестах).
func (s *Server) Router() http.Handler {
	return s.router
}

// Run блокирует до остановки http-сервера.
func (s *Server) Run() error {
	s.logger.Info("http server started", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown мягко гасит сервер: активные запросы дорабатывают.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
