package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/infra"
)

// BalanceReader — состояние леджера кастодиального кошелька.
type BalanceReader interface {
	Balance(ctx context.Context, force bool) (domain.Balance, error)
}

// HistoryStore — журнал и агрегаты транзакций.
type HistoryStore interface {
	History(ctx context.Context, f domain.HistoryFilter) ([]domain.Transaction, error)
	Analytics(ctx context.Context, ownerID string, dayStart, monthStart time.Time) (domain.SpendingAnalytics, error)
}

// SafetyControl — чтение и управление предохранителями.
type SafetyControl interface {
	PaymentsPaused() bool
	SetPaused(ctx context.Context, paused bool) error
	Owner(ctx context.Context, ownerID string) (domain.OwnerSafety, error)
	SetSafeMode(ctx context.Context, ownerID string, enabled bool) error
	SetAutoBudget(ctx context.Context, ownerID string, enabled bool) error
	ResetApproval(ctx context.Context, ownerID string) error
}

type TreasuryHandler struct {
	ledger  BalanceReader
	history HistoryStore
	wallet  WalletSource
	safety  SafetyControl
	logger  *zap.Logger
}

func NewTreasuryHandler(ledger BalanceReader, history HistoryStore, wallet WalletSource, safety SafetyControl, logger *zap.Logger) *TreasuryHandler {
	return &TreasuryHandler{
		ledger:  ledger,
		history: history,
		wallet:  wallet,
		safety:  safety,
		logger:  logger.Named("treasury-api"),
	}
}

// Balance — состояние кошелька: total/reserved/available
// GET /api/treasury/balance?force=true — мимо TTL-кэша
func (h *TreasuryHandler) Balance(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	balance, err := h.ledger.Balance(r.Context(), force)
	if err != nil {
		h.logger.Error("balance fetch failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "Balance is unavailable")
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

// History — журнал транзакций владельца, новые сверху
// GET /api/treasury/history?status=&category=&since=&until=&limit=&offset=
func (h *TreasuryHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.HistoryFilter{
		OwnerID:  infra.OwnerIDFromContext(r.Context()),
		Status:   domain.TxStatus(q.Get("status")),
		Category: q.Get("category"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid 'since' timestamp, expected RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid 'until' timestamp, expected RFC3339")
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	txs, err := h.history.History(r.Context(), f)
	if err != nil {
		h.logger.Error("history fetch failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

// Wallet — реквизиты кастодиального кошелька
// GET /api/treasury/wallet
func (h *TreasuryHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallet.Wallet(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Custody wallet is not initialized")
		return
	}
	respondJSON(w, http.StatusOK, wallet)
}

// Analytics — агрегаты расходов: сегодня, за месяц, по категориям
// GET /api/treasury/analytics
func (h *TreasuryHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())

	analytics, err := h.history.Analytics(r.Context(), infra.OwnerIDFromContext(r.Context()), dayStart, monthStart)
	if err != nil {
		h.logger.Error("analytics fetch failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch analytics")
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}

// SafetyStatus — полное состояние предохранителей
// GET /api/treasury/safety
func (h *TreasuryHandler) SafetyStatus(w http.ResponseWriter, r *http.Request) {
	owner, err := h.safety.Owner(r.Context(), infra.OwnerIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("owner safety fetch failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch safety state")
		return
	}
	respondJSON(w, http.StatusOK, domain.SafetyStatus{
		PaymentsPaused: h.safety.PaymentsPaused(),
		Owner:          owner,
	})
}

// Поля через указатели: меняем только то, что клиент прислал
type safetyRequest struct {
	PaymentsPaused *bool `json:"paymentsPaused"`
	SafeMode       *bool `json:"safeMode"`
	AutoBudget     *bool `json:"autoBudget"`
	ResetApproval  bool  `json:"resetApproval"`
}

// UpdateSafety — управление kill switch и Safe Mode
// POST /api/treasury/safety
func (h *TreasuryHandler) UpdateSafety(w http.ResponseWriter, r *http.Request) {
	var req safetyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	ownerID := infra.OwnerIDFromContext(ctx)

	if req.PaymentsPaused != nil {
		if err := h.safety.SetPaused(ctx, *req.PaymentsPaused); err != nil {
			h.logger.Error("set kill switch failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to update kill switch")
			return
		}
		h.logger.Warn("kill switch toggled",
			zap.Bool("paused", *req.PaymentsPaused),
			zap.String("by_owner", ownerID),
		)
	}
	if req.SafeMode != nil {
		if err := h.safety.SetSafeMode(ctx, ownerID, *req.SafeMode); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update safe mode")
			return
		}
	}
	if req.AutoBudget != nil {
		if err := h.safety.SetAutoBudget(ctx, ownerID, *req.AutoBudget); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update auto budget")
			return
		}
	}
	if req.ResetApproval {
		if err := h.safety.ResetApproval(ctx, ownerID); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to reset approval")
			return
		}
	}

	h.SafetyStatus(w, r)
}
