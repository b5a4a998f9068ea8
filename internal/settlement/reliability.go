package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliableProvider оборачивает Transfer провайдера в защитные слои:
// Rate Limiter -> Circuit Breaker -> Retries -> Per-attempt Timeout.
// Повторные попытки безопасны, потому что каждый перевод идет
// с idempotency-ключом: даже если первая попытка на самом деле прошла,
// вторая не спишет деньги еще раз.
type ReliableProvider struct {
	next           Provider
	cb             *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	attemptTimeout time.Duration

	// OnStateChange поднимает метрику состояния предохранителя
	onCBChange func(open bool)
}

type ReliabilityConfig struct {
	CBMaxRequests  uint
	CBInterval     time.Duration
	CBTimeout      time.Duration
	RateLimit      float64
	RateBurst      int
	AttemptTimeout time.Duration
	OnCBChange     func(open bool)
}

func NewReliableProvider(next Provider, cfg ReliabilityConfig) *ReliableProvider {
	rp := &ReliableProvider{
		next:           next,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		attemptTimeout: cfg.AttemptTimeout,
		onCBChange:     cfg.OnCBChange,
	}

	// Настройка предохранителя
	rp.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "settlement-provider",
		MaxRequests: uint32(cfg.CBMaxRequests),
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if rp.onCBChange != nil {
				rp.onCBChange(to == gobreaker.StateOpen)
			}
		},
	})

	return rp
}

// Wallet и Balance — чтения, их не ретраим агрессивно: леджер сам
// переживет один неудачный refresh и возьмет баланс в следующий TTL.
func (w *ReliableProvider) Wallet(ctx context.Context) (*WalletInfo, error) {
	return w.next.Wallet(ctx)
}

func (w *ReliableProvider) Balance(ctx context.Context) (decimal.Decimal, error) {
	return w.next.Balance(ctx)
}

func (w *ReliableProvider) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var finalReceipt *TransferReceipt

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если провайдер вернул ThrottleError (считал Retry-After заголовок)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
			// Отказ провайдера по существу (rejected) ретраить бессмысленно
			retry.RetryIf(func(err error) bool {
				var rejected *TransferError
				return !errors.As(err, &rejected)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
			defer cancel()

			var callErr error
			finalReceipt, callErr = w.next.Transfer(tCtx, req)
			return callErr
		})

		return finalReceipt, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.(*TransferReceipt), nil
}
