package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/audit"
	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/executor"
	"github.com/xela07ax/treasury-gate/internal/infra"
	"github.com/xela07ax/treasury-gate/internal/ledger"
	"github.com/xela07ax/treasury-gate/internal/policy"
	"github.com/xela07ax/treasury-gate/internal/repository/memory"
	"github.com/xela07ax/treasury-gate/internal/safety"
	"github.com/xela07ax/treasury-gate/internal/server"
	"github.com/xela07ax/treasury-gate/internal/server/handler"
	"github.com/xela07ax/treasury-gate/internal/settlement"
	"github.com/xela07ax/treasury-gate/internal/x402"
)

const testOwner = "user-42"

type testApp struct {
	router   http.Handler
	safetyM  *safety.Manager
	provider *settlement.MockProvider
}

// newTestApp собирает полный стек на memory-хранилище, как это делает main.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := zap.NewNop()

	policyStore := memory.NewPolicyStore()
	txStore := memory.NewTransactionStore()
	safetyStore := memory.NewSafetyStore()
	auditLog := memory.NewAuditLog()

	// Safe Mode в тестах по умолчанию выключен, сценарии включают его явно
	require.NoError(t, safetyStore.SetOwnerSafety(context.Background(), testOwner, domain.OwnerSafety{}))

	provider := settlement.NewMockProvider("0xTreasury", "USDC", decimal.RequireFromString("100"))
	provider.SetLatency(time.Millisecond)

	safetyM := safety.NewManager(safetyStore, nil, logger)
	require.NoError(t, safetyM.Init(context.Background()))

	funds := ledger.New(provider, "USDC", time.Minute, logger)
	require.NoError(t, funds.Refresh(context.Background()))

	metrics := executor.NewMetrics(nil)
	engine := policy.NewEngine(policyStore, txStore, safetyM, logger)

	trail := audit.NewTrail(auditLog, 100, 50*time.Millisecond, logger)
	trail.Start()
	t.Cleanup(trail.Stop)

	exec := executor.New(engine, funds, txStore, provider, trail, metrics, "USDC", logger)
	fetcher := x402.NewClient(exec, provider, 5*time.Second, logger)

	cfg := &infra.Config{}
	cfg.Server.Port = 0
	cfg.Engine.DemoPrice = "0.10"

	srv := server.New(cfg, logger,
		handler.NewPolicyHandler(policyStore, engine, logger),
		handler.NewPaymentsHandler(exec, fetcher, provider, cfg.Engine.DemoPrice, logger),
		handler.NewTreasuryHandler(funds, txStore, provider, safetyM, logger),
		nil,
	)
	return &testApp{router: srv.Router(), safetyM: safetyM, provider: provider}
}

func (a *testApp) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestOwnerHeaderRequired(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/policy", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/payments/execute", "", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPolicyCRUD(t *testing.T) {
	app := newTestApp(t)

	// Create
	rec := app.do(t, http.MethodPost, "/api/policy", testOwner, map[string]any{
		"name": "Spending limits",
		"rules": []map[string]any{
			{"type": "maxPerTransaction", "params": map[string]any{"max": "5.00"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[domain.Policy](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled, "enabled по умолчанию включен")

	// List
	rec = app.do(t, http.MethodGet, "/api/policy", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]domain.Policy](t, rec)
	require.Len(t, list, 1)

	// Чужой владелец политику не видит
	rec = app.do(t, http.MethodGet, "/api/policy/"+created.ID, "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Get
	rec = app.do(t, http.MethodGet, "/api/policy/"+created.ID, testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Update
	rec = app.do(t, http.MethodPut, "/api/policy/"+created.ID, testOwner, map[string]any{
		"name":    "Spending limits v2",
		"enabled": false,
		"rules": []map[string]any{
			{"type": "maxPerTransaction", "params": map[string]any{"max": "10.00"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[domain.Policy](t, rec)
	assert.False(t, updated.Enabled)

	// Delete
	rec = app.do(t, http.MethodDelete, "/api/policy/"+created.ID, testOwner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = app.do(t, http.MethodGet, "/api/policy/"+created.ID, testOwner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyCreateRejectsBadRules(t *testing.T) {
	app := newTestApp(t)

	cases := []map[string]any{
		{"name": "no rules", "rules": []map[string]any{}},
		{"rules": []map[string]any{{"type": "maxPerTransaction", "params": map[string]any{"max": "5"}}}}, // без имени
		{"name": "bad type", "rules": []map[string]any{{"type": "timeTravelLimit"}}},
		{"name": "negative", "rules": []map[string]any{{"type": "dailyLimit", "params": map[string]any{"limit": "-1"}}}},
	}
	for _, body := range cases {
		rec := app.do(t, http.MethodPost, "/api/policy", testOwner, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/policy", testOwner, map[string]any{
		"name": "Spending",
		"rules": []map[string]any{
			{"type": "maxPerTransaction", "params": map[string]any{"max": "5.00"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// В пределах лимита
	rec = app.do(t, http.MethodPost, "/api/policy/validate", testOwner, map[string]string{
		"amount": "5.00", "recipient": "0xCafe",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[domain.ValidationSummary](t, rec)
	assert.True(t, summary.Approved)

	// Сверх лимита
	rec = app.do(t, http.MethodPost, "/api/policy/validate", testOwner, map[string]string{
		"amount": "5.01", "recipient": "0xCafe",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	summary = decodeBody[domain.ValidationSummary](t, rec)
	assert.False(t, summary.Approved)
	assert.Equal(t, "Spending", summary.BlockedBy)

	// Мусорная сумма отклоняется на входе
	rec = app.do(t, http.MethodPost, "/api/policy/validate", testOwner, map[string]string{
		"amount": "1.5abc", "recipient": "0xCafe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutePaymentFlow(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "25", "category": "api",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.PaymentCompleted, result.Status)
	assert.NotEmpty(t, result.TxHash)

	// Баланс с force отражает списание
	rec = app.do(t, http.MethodGet, "/api/treasury/balance?force=true", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[domain.Balance](t, rec)
	assert.True(t, balance.Total.Equal(decimal.RequireFromString("75")))

	// История содержит подтвержденную транзакцию
	rec = app.do(t, http.MethodGet, "/api/treasury/history", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]domain.Transaction](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TxConfirmed, history[0].Status)

	// Аналитика видит расход
	rec = app.do(t, http.MethodGet, "/api/treasury/analytics", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	analytics := decodeBody[domain.SpendingAnalytics](t, rec)
	assert.True(t, analytics.SpentToday.Equal(decimal.RequireFromString("25")))
	assert.Equal(t, 1, analytics.TxConfirmed)
}

func TestKillSwitchOverHTTP(t *testing.T) {
	app := newTestApp(t)

	// Включаем kill switch
	rec := app.do(t, http.MethodPost, "/api/treasury/safety", testOwner, map[string]any{
		"paymentsPaused": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[domain.SafetyStatus](t, rec)
	assert.True(t, status.PaymentsPaused)

	// Платеж блокируется гейтом
	rec = app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.PaymentFailed, result.Status)
	assert.Equal(t, domain.FailSafetyPaused, result.Failure)

	// Заблокированный платеж не попадает в журнал транзакций
	rec = app.do(t, http.MethodGet, "/api/treasury/history", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]domain.Transaction](t, rec))

	// Выключаем — платежи снова идут
	rec = app.do(t, http.MethodPost, "/api/treasury/safety", testOwner, map[string]any{
		"paymentsPaused": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "1",
	})
	result = decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.PaymentCompleted, result.Status)
}

func TestSafeModeOverHTTP(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/treasury/safety", testOwner, map[string]any{
		"safeMode": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Первый автономный платеж требует approved
	rec = app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "1",
	})
	result := decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.FailApprovalNeeded, result.Failure)

	// С approved проходит и сжигает одноразовое подтверждение
	rec = app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "1", "approved": true,
	})
	result = decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.PaymentCompleted, result.Status)

	// Дальше approved не нужен
	rec = app.do(t, http.MethodPost, "/api/payments/execute", testOwner, map[string]any{
		"recipient": "0xCafe", "amount": "1",
	})
	result = decodeBody[domain.PaymentResult](t, rec)
	assert.Equal(t, domain.PaymentCompleted, result.Status)
}

func TestDemoPaidContent(t *testing.T) {
	app := newTestApp(t)

	// Без proof — 402 с challenge
	rec := app.do(t, http.MethodGet, "/api/payments/x402/demo/paid-content", "", nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	header := rec.Header().Get(x402.HeaderPaymentRequired)
	require.NotEmpty(t, header)

	challenge, err := x402.DecodeChallenge(header)
	require.NoError(t, err)
	assert.Equal(t, "0.10", challenge.Amount)
	assert.Equal(t, "0xTreasury", challenge.Recipient)

	// С валидным proof — контент
	proof := x402.Proof{
		TxHash:    "0xabc",
		Payer:     "0xPayer",
		Recipient: challenge.Recipient,
		Amount:    challenge.Amount,
		Timestamp: time.Now(),
	}
	req := httptest.NewRequest(http.MethodGet, "/api/payments/x402/demo/paid-content", nil)
	req.Header.Set(x402.HeaderPayment, x402.EncodeProof(proof))
	rec2 := httptest.NewRecorder()
	app.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	// Недоплата отклоняется
	proof.Amount = "0.05"
	req = httptest.NewRequest(http.MethodGet, "/api/payments/x402/demo/paid-content", nil)
	req.Header.Set(x402.HeaderPayment, x402.EncodeProof(proof))
	rec3 := httptest.NewRecorder()
	app.router.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusPaymentRequired, rec3.Code)
}

func TestX402StatusEndpoint(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/payments/x402/status", testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, status["enabled"])
	assert.Equal(t, "0xTreasury", status["wallet_address"])
}
