package executor

/*
Файл executor.go — Payment Executor, оркестратор жизненного цикла платежа.

Конвейер одного платежа:
 1. Валидация запроса (сумма, получатель).
 2. Policy Engine: гейты и политики владельца.
 3. Резерв средств в леджере (атомарно, с одним force-refresh при нехватке).
 4. Запись pending-транзакции в журнал.
 5. Перевод через settlement-провайдера (ретраи делает ReliableProvider,
    двойное списание исключает idempotency key = ID транзакции).
 6. Финализация журнала: confirmed с proof или failed.

Инвариант резерва: каждый взятый Reserve получает ровно один Release,
по любому пути выхода. Release стоит безусловным defer сразу после
успешного Reserve, поэтому ни паника, ни ранний return резерв не теряют.
Компенсационные записи в журнал идут через context.WithoutCancel: отмена
клиентского запроса не должна оставить транзакцию в pending навсегда.
*/

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/audit"
	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/settlement"
)

// PolicyValidator — решение Policy Engine по платежу.
type PolicyValidator interface {
	ValidatePayment(ctx context.Context, vc domain.ValidationContext) (domain.ValidationSummary, error)
}

// Funds — что экзекьютору нужно от леджера.
type Funds interface {
	Refresh(ctx context.Context) error
	Reserve(amount decimal.Decimal) bool
	Release(amount decimal.Decimal)
	Reserved() decimal.Decimal
}

// Journal — синхронный append-only журнал транзакций.
// Пишем его синхронно (в отличие от audit.Trail), потому что лимитные
// правила читают эти же записи: платеж должен видеть свои предыдущие
// подтвержденные списания сразу, без лага батчера.
type Journal interface {
	Record(ctx context.Context, tx *domain.Transaction) error
	Confirm(ctx context.Context, id, txHash string, at time.Time) error
	MarkFailed(ctx context.Context, id string) error
}

type Executor struct {
	policy   PolicyValidator
	funds    Funds
	journal  Journal
	provider settlement.Provider
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger

	currency string
}

func New(policy PolicyValidator, funds Funds, journal Journal, provider settlement.Provider, auditor audit.Auditor, metrics *Metrics, currency string, logger *zap.Logger) *Executor {
	return &Executor{
		policy:   policy,
		funds:    funds,
		journal:  journal,
		provider: provider,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("executor"),
		currency: currency,
	}
}

// Execute проводит платеж целиком. Доменные отказы (политика, лимиты,
// провайдер) возвращаются как PaymentResult; error — только когда
// инфраструктура (БД, стор) не дала принять решение.
func (e *Executor) Execute(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	e.metrics.PaymentsTotal.WithLabelValues(req.OwnerID).Inc()
	start := time.Now()

	event := audit.PaymentEvent{
		ID:        uuid.New().String(),
		TraceID:   infra.TraceIDFromContext(ctx),
		OwnerID:   req.OwnerID,
		Recipient: req.Recipient,
		Amount:    req.Amount.String(),
		Currency:  e.currency,
		Category:  req.Category,
		Timestamp: start,
	}

	status := "failed"
	defer func() {
		e.metrics.PaymentDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	// 1. Валидация запроса: без транзакции в журнале, платеж еще не начался
	if kind, msg := validateRequest(req); kind != "" {
		e.metrics.FailuresTotal.WithLabelValues(string(kind)).Inc()
		return failResult(req, kind, msg), nil
	}

	// 2. Policy Engine
	summary, err := e.policy.ValidatePayment(ctx, domain.ValidationContext{
		OwnerID:     req.OwnerID,
		Amount:      req.Amount,
		Recipient:   req.Recipient,
		Category:    req.Category,
		Description: req.Description,
		Approved:    req.Approved,
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}

	if !summary.Approved {
		kind := blockKind(summary.BlockedBy)
		e.metrics.FailuresTotal.WithLabelValues(string(kind)).Inc()

		// Блок политики в журнал транзакций НЕ пишем: платеж не начался,
		// леджер не тронут. След "почему не пустили" остается в аудите
		event.Status = "BLOCKED"
		event.BlockedBy = summary.BlockedBy
		event.DurationMs = time.Since(start).Milliseconds()
		e.auditor.Log(event)

		res := failResult(req, kind, "Blocked by policy: "+summary.BlockedBy)
		res.Policy = &summary
		return res, nil
	}

	// 3. Кошелек провайдера (адрес отправителя для журнала)
	wallet, err := e.provider.Wallet(ctx)
	if err != nil {
		if errors.Is(err, settlement.ErrWalletUninitialized) {
			e.metrics.FailuresTotal.WithLabelValues(string(domain.FailWalletMissing)).Inc()
			res := failResult(req, domain.FailWalletMissing, "Custody wallet is not initialized")
			res.Policy = &summary
			return res, nil
		}
		return domain.PaymentResult{}, err
	}

	// 4. Резерв средств. При нехватке один раз освежаем баланс у
	// провайдера: кэш мог протухнуть после входящего пополнения
	if !e.funds.Reserve(req.Amount) {
		if refreshErr := e.funds.Refresh(ctx); refreshErr != nil {
			e.logger.Warn("balance refresh before reserve retry failed", zap.Error(refreshErr))
		}
		if !e.funds.Reserve(req.Amount) {
			e.metrics.FailuresTotal.WithLabelValues(string(domain.FailInsufficient)).Inc()

			// Резерв не взят — транзакции нет и не будет: журнал
			// остается чистым, отказ фиксирует только аудит
			event.Status = "FAILED"
			event.Error = "insufficient available funds"
			event.DurationMs = time.Since(start).Milliseconds()
			e.auditor.Log(event)

			res := failResult(req, domain.FailInsufficient, "Insufficient available funds")
			res.Policy = &summary
			return res, nil
		}
	}
	// Резерв взят — release гарантирован на любом пути выхода
	defer func() {
		e.funds.Release(req.Amount)
		e.metrics.ReservedFunds.Set(reservedFloat(e.funds))
	}()
	e.metrics.ReservedFunds.Set(reservedFloat(e.funds))

	// 5. Pending-транзакция в журнале до обращения к провайдеру:
	// если процесс умрет посреди перевода, след останется
	tx := e.newTransaction(req, wallet.Address, summary)
	if err := e.journal.Record(ctx, tx); err != nil {
		return domain.PaymentResult{}, err
	}

	// 6. Перевод. Idempotency key = ID транзакции: ретраи внутри
	// ReliableProvider не создадут второго списания
	receipt, transferErr := e.provider.Transfer(ctx, settlement.TransferRequest{
		To:             req.Recipient,
		Amount:         req.Amount,
		Currency:       e.currency,
		IdempotencyKey: tx.ID,
	})

	event.DurationMs = time.Since(start).Milliseconds()

	if transferErr != nil {
		e.metrics.FailuresTotal.WithLabelValues(string(domain.FailTransfer)).Inc()

		// Компенсация не должна зависеть от отмены клиентского контекста
		bg := context.WithoutCancel(ctx)
		if err := e.journal.MarkFailed(bg, tx.ID); err != nil {
			e.logger.Error("failed to finalize transaction after transfer error",
				zap.String("tx_id", tx.ID), zap.Error(err))
		}

		event.Status = "FAILED"
		event.Error = transferErr.Error()
		e.auditor.Log(event)

		e.logger.Warn("transfer failed",
			zap.String("tx_id", tx.ID),
			zap.String("owner_id", req.OwnerID),
			zap.Error(transferErr),
		)

		res := failResult(req, domain.FailTransfer, transferErr.Error())
		res.TransactionID = tx.ID
		res.Policy = &summary
		return res, nil
	}

	confirmedAt := receipt.CompletedAt
	if confirmedAt.IsZero() {
		confirmedAt = time.Now()
	}
	bg := context.WithoutCancel(ctx)
	if err := e.journal.Confirm(bg, tx.ID, receipt.Hash, confirmedAt); err != nil {
		// Деньги ушли, запись не финализирована: громко логируем,
		// но клиенту отдаем успех с proof — перевод состоялся
		e.logger.Error("transfer confirmed but journal update failed",
			zap.String("tx_id", tx.ID), zap.String("tx_hash", receipt.Hash), zap.Error(err))
	}

	status = "completed"
	event.Status = "COMPLETED"
	event.TxHash = receipt.Hash
	e.auditor.Log(event)

	e.logger.Info("payment completed",
		zap.String("tx_id", tx.ID),
		zap.String("owner_id", req.OwnerID),
		zap.String("amount", req.Amount.String()),
		zap.String("tx_hash", receipt.Hash),
	)

	return domain.PaymentResult{
		Status:        domain.PaymentCompleted,
		TransactionID: tx.ID,
		TxHash:        receipt.Hash,
		Amount:        req.Amount,
		Recipient:     req.Recipient,
		Policy:        &summary,
	}, nil
}

func (e *Executor) newTransaction(req domain.PaymentRequest, from string, summary domain.ValidationSummary) *domain.Transaction {
	applied := make([]string, 0, len(summary.Results))
	for _, r := range summary.Results {
		applied = append(applied, r.PolicyName)
	}
	return &domain.Transaction{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		From:        from,
		To:          req.Recipient,
		Amount:      req.Amount,
		Currency:    e.currency,
		Status:      domain.TxPending,
		Category:    req.Category,
		Description: req.Description,
		PolicyResult: &domain.PolicyTrace{
			Approved:        summary.Approved,
			AppliedPolicies: applied,
			BlockedBy:       summary.BlockedBy,
		},
		CreatedAt: time.Now(),
	}
}

func validateRequest(req domain.PaymentRequest) (domain.FailureKind, string) {
	switch {
	case req.OwnerID == "":
		return domain.FailValidation, "owner_id is required"
	case req.Recipient == "":
		return domain.FailValidation, "recipient is required"
	case !req.Amount.IsPositive():
		return domain.FailValidation, "amount must be positive"
	}
	return "", ""
}

func failResult(req domain.PaymentRequest, kind domain.FailureKind, msg string) domain.PaymentResult {
	return domain.PaymentResult{
		Status:    domain.PaymentFailed,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		Failure:   kind,
		Error:     msg,
	}
}

func blockKind(blockedBy string) domain.FailureKind {
	switch blockedBy {
	case domain.BlockedByKillSwitch:
		return domain.FailSafetyPaused
	case domain.BlockedBySafeMode:
		return domain.FailApprovalNeeded
	default:
		return domain.FailPolicyBlocked
	}
}

func reservedFloat(funds Funds) float64 {
	f, _ := funds.Reserved().Float64()
	return f
}
