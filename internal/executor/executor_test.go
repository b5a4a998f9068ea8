package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/audit"
	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/ledger"
	"github.com/xela07ax/treasury-gate/internal/repository/memory"
	"github.com/xela07ax/treasury-gate/internal/settlement"
)

type stubValidator struct {
	summary domain.ValidationSummary
}

func (s *stubValidator) ValidatePayment(_ context.Context, _ domain.ValidationContext) (domain.ValidationSummary, error) {
	return s.summary, nil
}

type stubAuditor struct {
	mu     sync.Mutex
	events []audit.PaymentEvent
}

func (s *stubAuditor) Log(e audit.PaymentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *stubAuditor) last(t *testing.T) audit.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	exec     *Executor
	funds    *ledger.Ledger
	journal  *memory.TransactionStore
	provider *settlement.MockProvider
	auditor  *stubAuditor
}

func newFixture(t *testing.T, balance string, summary domain.ValidationSummary) *fixture {
	t.Helper()

	provider := settlement.NewMockProvider("0xTreasury", "USDC", dec(balance))
	provider.SetLatency(time.Millisecond)
	funds := ledger.New(provider, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, funds.Refresh(context.Background()))

	journal := memory.NewTransactionStore()
	auditor := &stubAuditor{}

	exec := New(
		&stubValidator{summary: summary},
		funds,
		journal,
		provider,
		auditor,
		NewMetrics(nil),
		"USDC",
		zap.NewNop(),
	)
	return &fixture{exec: exec, funds: funds, journal: journal, provider: provider, auditor: auditor}
}

func approved() domain.ValidationSummary {
	return domain.ValidationSummary{
		Approved: true,
		Results:  []domain.PolicyCheck{{PolicyID: "p1", PolicyName: "Spending", Passed: true}},
	}
}

func request(amount string) domain.PaymentRequest {
	return domain.PaymentRequest{
		OwnerID:   "owner-1",
		Recipient: "0xCafe",
		Amount:    dec(amount),
		Category:  "api",
	}
}

func TestExecuteCompletesPayment(t *testing.T) {
	f := newFixture(t, "100", approved())

	res, err := f.exec.Execute(context.Background(), request("25"))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentCompleted, res.Status)
	assert.NotEmpty(t, res.TransactionID)
	assert.NotEmpty(t, res.TxHash)
	require.NotNil(t, res.Policy)
	assert.True(t, res.Policy.Approved)

	// Журнал: транзакция подтверждена, proof на месте
	tx, err := f.journal.GetByID(context.Background(), "owner-1", res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, domain.TxConfirmed, tx.Status)
	assert.Equal(t, res.TxHash, tx.TxHash)
	require.NotNil(t, tx.ConfirmedAt)
	require.NotNil(t, tx.PolicyResult)
	assert.Equal(t, []string{"Spending"}, tx.PolicyResult.AppliedPolicies)

	// Резерв вернулся, деньги ушли у провайдера
	assert.True(t, f.funds.Reserved().IsZero())
	balance, _ := f.provider.Balance(context.Background())
	assert.True(t, balance.Equal(dec("75")))

	assert.Equal(t, "COMPLETED", f.auditor.last(t).Status)
}

func TestExecuteValidatesRequest(t *testing.T) {
	f := newFixture(t, "100", approved())

	cases := []struct {
		name string
		req  domain.PaymentRequest
	}{
		{"no owner", domain.PaymentRequest{Recipient: "0xCafe", Amount: dec("1")}},
		{"no recipient", domain.PaymentRequest{OwnerID: "o", Amount: dec("1")}},
		{"zero amount", domain.PaymentRequest{OwnerID: "o", Recipient: "0xCafe"}},
		{"negative amount", domain.PaymentRequest{OwnerID: "o", Recipient: "0xCafe", Amount: dec("-1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.exec.Execute(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, domain.PaymentFailed, res.Status)
			assert.Equal(t, domain.FailValidation, res.Failure)
		})
	}
	// Ничего не зарезервировано и не записано
	assert.True(t, f.funds.Reserved().IsZero())
}

func TestExecuteBlockedByPolicy(t *testing.T) {
	f := newFixture(t, "100", domain.ValidationSummary{
		Approved:  false,
		BlockedBy: "Spending",
		Results: []domain.PolicyCheck{
			{PolicyID: "p1", PolicyName: "Spending", Passed: false, FailedRule: domain.RuleMaxPerTransaction},
		},
	})

	res, err := f.exec.Execute(context.Background(), request("25"))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentFailed, res.Status)
	assert.Equal(t, domain.FailPolicyBlocked, res.Failure)
	assert.Equal(t, "Blocked by policy: Spending", res.Error)
	require.NotNil(t, res.Policy)
	assert.Equal(t, "Spending", res.Policy.BlockedBy)

	// Блок политики не порождает транзакцию: журнал чист, след
	// решения остается только в аудите
	assert.Empty(t, res.TransactionID)
	txs, err := f.journal.History(context.Background(), domain.HistoryFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Empty(t, txs)

	// Деньги не трогались
	assert.True(t, f.funds.Reserved().IsZero())
	balance, _ := f.provider.Balance(context.Background())
	assert.True(t, balance.Equal(dec("100")))

	assert.Equal(t, "BLOCKED", f.auditor.last(t).Status)
}

func TestExecuteBlockedKindMapping(t *testing.T) {
	cases := []struct {
		blockedBy string
		want      domain.FailureKind
	}{
		{domain.BlockedByKillSwitch, domain.FailSafetyPaused},
		{domain.BlockedBySafeMode, domain.FailApprovalNeeded},
		{"Spending", domain.FailPolicyBlocked},
	}
	for _, tc := range cases {
		f := newFixture(t, "100", domain.ValidationSummary{Approved: false, BlockedBy: tc.blockedBy})
		res, err := f.exec.Execute(context.Background(), request("1"))
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Failure)
	}
}

func TestExecuteInsufficientFunds(t *testing.T) {
	f := newFixture(t, "10", approved())

	res, err := f.exec.Execute(context.Background(), request("25"))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentFailed, res.Status)
	assert.Equal(t, domain.FailInsufficient, res.Failure)

	// Несостоявшийся резерв не оставляет записи в журнале
	assert.Empty(t, res.TransactionID)
	txs, err := f.journal.History(context.Background(), domain.HistoryFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Empty(t, txs)

	assert.True(t, f.funds.Reserved().IsZero())
}

func TestExecuteTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t, "100", approved())

	req := request("25")
	req.Recipient = "0xdeadbeef" // mock отклоняет такие адреса

	res, err := f.exec.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentFailed, res.Status)
	assert.Equal(t, domain.FailTransfer, res.Failure)
	assert.NotEmpty(t, res.Error)

	// Компенсация: запись переведена в failed, резерв отпущен
	tx, err := f.journal.GetByID(context.Background(), "owner-1", res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, domain.TxFailed, tx.Status)
	assert.True(t, f.funds.Reserved().IsZero())

	// Баланс провайдера не изменился
	balance, _ := f.provider.Balance(context.Background())
	assert.True(t, balance.Equal(dec("100")))

	assert.Equal(t, "FAILED", f.auditor.last(t).Status)
}

func TestExecuteWalletMissing(t *testing.T) {
	provider := settlement.NewMockProvider("", "USDC", dec("100"))
	funds := ledger.New(provider, "USDC", time.Minute, zap.NewNop())

	exec := New(
		&stubValidator{summary: approved()},
		funds,
		memory.NewTransactionStore(),
		provider,
		&stubAuditor{},
		NewMetrics(nil),
		"USDC",
		zap.NewNop(),
	)

	res, err := exec.Execute(context.Background(), request("1"))
	require.NoError(t, err)
	assert.Equal(t, domain.FailWalletMissing, res.Failure)
}

// Каждый Reserve должен получить свой Release даже под конкурентной
// нагрузкой со смесью успехов и отказов.
func TestExecuteNeverLeaksReservations(t *testing.T) {
	f := newFixture(t, "1000", approved())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := request("10")
			if n%3 == 0 {
				req.Recipient = "0xdead" // сценарий отказа провайдера
			}
			_, err := f.exec.Execute(context.Background(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.True(t, f.funds.Reserved().IsZero(), "резерв после всех платежей должен быть нулевым")
}
