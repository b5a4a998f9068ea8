package x402

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/settlement"
)

type stubExecutor struct {
	calls  int32
	result domain.PaymentResult
	gotReq domain.PaymentRequest
}

func (s *stubExecutor) Execute(_ context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.gotReq = req
	return s.result, nil
}

type stubWallet struct{}

func (stubWallet) Wallet(_ context.Context) (*settlement.WalletInfo, error) {
	return &settlement.WalletInfo{Address: "0xPayer", Currency: "USDC"}, nil
}

func newTestClient(exec *stubExecutor) *Client {
	return NewClient(exec, stubWallet{}, 5*time.Second, zap.NewNop())
}

func fetchReq(url string) FetchRequest {
	return FetchRequest{OwnerID: "owner-1", URL: url, Category: "content"}
}

func TestFetchFreeResourcePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free content"))
	}))
	defer srv.Close()

	exec := &stubExecutor{}
	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFetched, res.Status)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "free content", res.Body)
	// Без challenge платеж не запускается
	assert.Zero(t, atomic.LoadInt32(&exec.calls))
}

func TestFetchPaidRoundTrip(t *testing.T) {
	challenge := Challenge{Amount: "0.10", Recipient: "0xSeller", Resource: "/premium"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			w.Header().Set(HeaderPaymentRequired, EncodeChallenge(challenge))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		proof, err := DecodeProof(header)
		require.NoError(t, err)
		require.NoError(t, VerifyProof(proof, challenge))
		w.Write([]byte("premium content"))
	}))
	defer srv.Close()

	exec := &stubExecutor{result: domain.PaymentResult{
		Status:        domain.PaymentCompleted,
		TransactionID: "tx-1",
		TxHash:        "0xabc123",
	}}

	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, res.Status)
	assert.Equal(t, "premium content", res.Body)
	require.NotNil(t, res.Payment)
	assert.Equal(t, "0xabc123", res.Payment.TxHash)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, "0xSeller", res.Challenge.Recipient)

	// Платеж собран из challenge, а не из запроса клиента
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
	assert.Equal(t, "0xSeller", exec.gotReq.Recipient)
	assert.True(t, exec.gotReq.Amount.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, "owner-1", exec.gotReq.OwnerID)
}

func TestFetchForwardsMethodBodyHeaders(t *testing.T) {
	challenge := Challenge{Amount: "1.50", Recipient: "0xSeller"}

	type seen struct {
		method string
		body   string
		header string
	}
	var calls []seen

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		calls = append(calls, seen{
			method: r.Method,
			body:   string(raw),
			header: r.Header.Get("X-Api-Key"),
		})
		if r.Header.Get(HeaderPayment) == "" {
			w.Header().Set(HeaderPaymentRequired, EncodeChallenge(challenge))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Write([]byte("purchased"))
	}))
	defer srv.Close()

	exec := &stubExecutor{result: domain.PaymentResult{
		Status: domain.PaymentCompleted,
		TxHash: "0xabc",
	}}

	res, err := newTestClient(exec).Fetch(context.Background(), FetchRequest{
		OwnerID: "owner-1",
		URL:     srv.URL,
		Method:  http.MethodPost,
		Body:    `{"item":"dataset-7"}`,
		Headers: map[string]string{"X-Api-Key": "k-123"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, res.Status)
	assert.Equal(t, "purchased", res.Body)

	// И первый запрос, и повтор с proof несут метод, тело и заголовки клиента
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, http.MethodPost, c.method)
		assert.Equal(t, `{"item":"dataset-7"}`, c.body)
		assert.Equal(t, "k-123", c.header)
	}
}

func TestFetch402WithoutChallengeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	exec := &stubExecutor{}
	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.FailChallengeParse, res.Failure)
	assert.Zero(t, atomic.LoadInt32(&exec.calls))
}

func TestFetchMalformedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPaymentRequired, "not-base64!!!")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	exec := &stubExecutor{}
	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.FailChallengeParse, res.Failure)
	assert.Zero(t, atomic.LoadInt32(&exec.calls))
}

func TestFetchInvalidChallengeAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPaymentRequired, EncodeChallenge(Challenge{Amount: "1.5abc", Recipient: "0xSeller"}))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	exec := &stubExecutor{}
	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.FailChallengeParse, res.Failure)
	assert.Zero(t, atomic.LoadInt32(&exec.calls), "кривой challenge не должен доходить до платежа")
}

func TestFetchBlockedPaymentStopsProtocol(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set(HeaderPaymentRequired, EncodeChallenge(Challenge{Amount: "5", Recipient: "0xSeller"}))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	exec := &stubExecutor{result: domain.PaymentResult{
		Status:  domain.PaymentFailed,
		Failure: domain.FailPolicyBlocked,
		Error:   "Blocked by policy: Spending",
	}}

	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.FailPolicyBlocked, res.Failure)
	// Без успешного платежа повторный запрос не делается
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetchRejectedProofNeverPaysTwice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPayment) != "" {
			// Ресурс не принимает proof
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set(HeaderPaymentRequired, EncodeChallenge(Challenge{Amount: "5", Recipient: "0xSeller"}))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	exec := &stubExecutor{result: domain.PaymentResult{
		Status: domain.PaymentCompleted,
		TxHash: "0xabc",
	}}

	res, err := newTestClient(exec).Fetch(context.Background(), fetchReq(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.FailProtocol, res.Failure)
	// Деньги ушли один раз; результат несет proof для разбора
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
	require.NotNil(t, res.Payment)
	assert.Equal(t, "0xabc", res.Payment.TxHash)
}

func TestChallengeCodec(t *testing.T) {
	c := Challenge{Amount: "0.10", Recipient: "0xSeller", Resource: "/premium"}
	decoded, err := DecodeChallenge(EncodeChallenge(c))
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	_, err = DecodeChallenge(EncodeChallenge(Challenge{Amount: "1"}))
	assert.Error(t, err, "challenge без получателя невалиден")
}

func TestVerifyProof(t *testing.T) {
	expected := Challenge{Amount: "0.10", Recipient: "0xSeller"}

	ok := Proof{TxHash: "0xabc", Payer: "0xPayer", Recipient: "0xseller", Amount: "0.10", Timestamp: time.Now()}
	assert.NoError(t, VerifyProof(ok, expected), "получатель сравнивается без регистра")

	assert.Error(t, VerifyProof(Proof{Recipient: "0xSeller", Amount: "0.10"}, expected), "без tx hash")
	assert.Error(t, VerifyProof(Proof{TxHash: "0xabc", Recipient: "0xOther", Amount: "0.10"}, expected))
	assert.Error(t, VerifyProof(Proof{TxHash: "0xabc", Recipient: "0xSeller", Amount: "0.09"}, expected), "недоплата")
}
