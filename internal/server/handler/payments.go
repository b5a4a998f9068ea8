package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/settlement"
	"github.com/xela07ax/treasury-gate/internal/x402"
)

// PaymentExecutor — исполнение платежа целиком (политики, резерв, перевод).
type PaymentExecutor interface {
	Execute(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error)
}

// ResourceFetcher — клиент 402 challenge-response.
type ResourceFetcher interface {
	Fetch(ctx context.Context, req x402.FetchRequest) (*x402.Result, error)
}

// WalletSource — реквизиты кастодиального кошелька.
type WalletSource interface {
	Wallet(ctx context.Context) (*settlement.WalletInfo, error)
}

type PaymentsHandler struct {
	executor PaymentExecutor
	fetcher  ResourceFetcher
	wallet   WalletSource
	// demoPrice — цена демо-ресурса paid-content
	demoPrice string
	logger    *zap.Logger
}

func NewPaymentsHandler(executor PaymentExecutor, fetcher ResourceFetcher, wallet WalletSource, demoPrice string, logger *zap.Logger) *PaymentsHandler {
	return &PaymentsHandler{
		executor:  executor,
		fetcher:   fetcher,
		wallet:    wallet,
		demoPrice: demoPrice,
		logger:    logger.Named("payments-api"),
	}
}

type executeRequest struct {
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Approved    bool   `json:"approved"`
}

// Execute проводит прямой платеж
// POST /api/payments/execute
func (h *PaymentsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}

	result, err := h.executor.Execute(r.Context(), domain.PaymentRequest{
		OwnerID:     infra.OwnerIDFromContext(r.Context()),
		Recipient:   req.Recipient,
		Amount:      amount,
		Category:    req.Category,
		Description: req.Description,
		Approved:    req.Approved,
	})
	if err != nil {
		h.logger.Error("payment execution failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Payment execution failed")
		return
	}

	// Доменный отказ — это не HTTP-ошибка: клиент получает 200 со
	// структурированным результатом и разбирает failure kind сам
	respondJSON(w, http.StatusOK, result)
}

type fetchRequest struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Body     string            `json:"body"`
	Headers  map[string]string `json:"headers"`
	Category string            `json:"category"`
	Approved bool              `json:"approved"`
}

// X402Fetch получает (возможно платный) ресурс по протоколу 402
// POST /api/payments/x402/fetch
func (h *PaymentsHandler) X402Fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := h.fetcher.Fetch(r.Context(), x402.FetchRequest{
		OwnerID:  infra.OwnerIDFromContext(r.Context()),
		URL:      req.URL,
		Method:   req.Method,
		Body:     req.Body,
		Headers:  req.Headers,
		Category: req.Category,
		Approved: req.Approved,
	})
	if err != nil {
		h.logger.Error("x402 fetch failed", zap.String("url", req.URL), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Fetch failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// X402Status — готовность платежного контура: кошелек и валюта
// GET /api/payments/x402/status
func (h *PaymentsHandler) X402Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"enabled": false}

	if wallet, err := h.wallet.Wallet(r.Context()); err == nil {
		status["enabled"] = true
		status["wallet_address"] = wallet.Address
		status["currency"] = wallet.Currency
	}
	respondJSON(w, http.StatusOK, status)
}

// DemoPaidContent — демо платного ресурса: полный цикл challenge/proof
// без внешнего контрагента. Без proof отвечает 402 с challenge,
// с валидным proof отдает контент.
// GET|POST /api/payments/x402/demo/paid-content
func (h *PaymentsHandler) DemoPaidContent(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallet.Wallet(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Custody wallet is not initialized")
		return
	}

	challenge := x402.Challenge{
		Amount:    h.demoPrice,
		Recipient: wallet.Address,
		Resource:  r.URL.Path,
	}

	proofHeader := r.Header.Get(x402.HeaderPayment)
	if proofHeader == "" {
		w.Header().Set(x402.HeaderPaymentRequired, x402.EncodeChallenge(challenge))
		respondError(w, http.StatusPaymentRequired, "Payment required")
		return
	}

	proof, err := x402.DecodeProof(proofHeader)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := x402.VerifyProof(proof, challenge); err != nil {
		respondError(w, http.StatusPaymentRequired, err.Error())
		return
	}

	h.logger.Info("demo content unlocked", zap.String("tx_hash", proof.TxHash))
	respondJSON(w, http.StatusOK, map[string]string{
		"content": "Premium demo content unlocked. Thanks for the payment.",
		"tx_hash": proof.TxHash,
	})
}
