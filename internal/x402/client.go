package x402

/*
Файл client.go — клиент 402 challenge-response: агент запрашивает
платный ресурс, сервер отвечает 402 с challenge, мы проводим платеж
через Payment Executor и повторяем запрос с proof.

Два жестких правила протокола:
 1. Никогда не платим без challenge: обычный ответ (200, 404, 500)
    проходит насквозь как есть.
 2. Никогда не платим дважды: если ресурс не принял proof, второй
    платеж не запускается — возвращаем protocol_error с деталями.
*/

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/settlement"
)

// Максимум тела, который читаем с чужого ресурса
const maxBodyBytes = 1 << 20

// PaymentExecutor — проведение платежа по challenge.
type PaymentExecutor interface {
	Execute(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error)
}

// WalletSource — адрес плательщика для поля payer в proof.
type WalletSource interface {
	Wallet(ctx context.Context) (*settlement.WalletInfo, error)
}

// FetchRequest — запрос на получение (возможно платного) ресурса.
// Method/Body/Headers проксируются к ресурсу как есть: покупка через
// POST с JSON-телом — такой же легальный сценарий, как голый GET.
type FetchRequest struct {
	OwnerID  string
	URL      string
	Method   string // пустой = GET
	Body     string
	Headers  map[string]string
	Category string
	// Approved пробрасывается в Safe Mode гейт движка политик
	Approved bool
}

// ResultStatus — итог прохода по протоколу.
type ResultStatus string

const (
	// StatusFetched — ресурс отдан без оплаты (не-402 ответ)
	StatusFetched ResultStatus = "fetched"
	// StatusPaid — оплачен и получен
	StatusPaid ResultStatus = "paid"
	// StatusFailed — не получен: разбор challenge, платеж или повторный запрос
	StatusFailed ResultStatus = "failed"
)

// Result — структурированный итог Fetch.
type Result struct {
	Status     ResultStatus          `json:"status"`
	StatusCode int                   `json:"status_code,omitempty"`
	Body       string                `json:"body,omitempty"`
	Challenge  *Challenge            `json:"challenge,omitempty"`
	Payment    *domain.PaymentResult `json:"payment,omitempty"`
	Failure    domain.FailureKind    `json:"failure,omitempty"`
	Error      string                `json:"error,omitempty"`
}

type Client struct {
	http     *http.Client
	executor PaymentExecutor
	wallet   WalletSource
	logger   *zap.Logger
}

func NewClient(executor PaymentExecutor, wallet WalletSource, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		executor: executor,
		wallet:   wallet,
		logger:   logger.Named("x402"),
	}
}

// Fetch выполняет полный цикл: запрос, challenge, платеж, повтор с proof.
// error — только инфраструктура ядра; сетевые и протокольные отказы
// приходят в Result.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*Result, error) {
	resp, body, err := c.do(ctx, req, "")
	if err != nil {
		return &Result{
			Status:  StatusFailed,
			Failure: domain.FailProtocol,
			Error:   "resource request failed: " + err.Error(),
		}, nil
	}

	// Не-402 отдаем насквозь: бесплатный ресурс, ошибка сервера — не наше дело
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{
			Status:     StatusFetched,
			StatusCode: resp.StatusCode,
			Body:       body,
		}, nil
	}

	header := resp.Header.Get(HeaderPaymentRequired)
	if header == "" {
		return &Result{
			Status:     StatusFailed,
			StatusCode: resp.StatusCode,
			Failure:    domain.FailChallengeParse,
			Error:      "402 response without " + HeaderPaymentRequired + " header",
		}, nil
	}

	challenge, err := DecodeChallenge(header)
	if err != nil {
		return &Result{
			Status:     StatusFailed,
			StatusCode: resp.StatusCode,
			Failure:    domain.FailChallengeParse,
			Error:      err.Error(),
		}, nil
	}

	// Сумму challenge парсим строго: кривой challenge не должен
	// превращаться в платеж на 0
	amount, err := domain.ParseAmount(challenge.Amount)
	if err != nil {
		return &Result{
			Status:    StatusFailed,
			Challenge: &challenge,
			Failure:   domain.FailChallengeParse,
			Error:     "challenge amount: " + err.Error(),
		}, nil
	}

	c.logger.Info("payment challenge received",
		zap.String("url", req.URL),
		zap.String("amount", amount.String()),
		zap.String("recipient", challenge.Recipient),
	)

	description := "x402 payment for " + req.URL
	payment, err := c.executor.Execute(ctx, domain.PaymentRequest{
		OwnerID:     req.OwnerID,
		Recipient:   challenge.Recipient,
		Amount:      amount,
		Category:    req.Category,
		Description: description,
		Approved:    req.Approved,
	})
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentCompleted {
		return &Result{
			Status:    StatusFailed,
			Challenge: &challenge,
			Payment:   &payment,
			Failure:   payment.Failure,
			Error:     payment.Error,
		}, nil
	}

	proof := Proof{
		TxHash:    payment.TxHash,
		Recipient: challenge.Recipient,
		Amount:    amount.String(),
		Timestamp: time.Now(),
	}
	if w, werr := c.wallet.Wallet(ctx); werr == nil {
		proof.Payer = w.Address
	}

	// Повторный запрос с proof. Если ресурс его не принял — платеж
	// НЕ повторяем: деньги ушли, разбор инцидента по tx hash
	resp2, body2, err := c.do(ctx, req, EncodeProof(proof))
	if err != nil {
		return &Result{
			Status:    StatusFailed,
			Challenge: &challenge,
			Payment:   &payment,
			Failure:   domain.FailProtocol,
			Error:     "paid retry failed: " + err.Error(),
		}, nil
	}
	if resp2.StatusCode < 200 || resp2.StatusCode > 299 {
		return &Result{
			Status:     StatusFailed,
			StatusCode: resp2.StatusCode,
			Challenge:  &challenge,
			Payment:    &payment,
			Failure:    domain.FailProtocol,
			Error:      "resource rejected payment proof",
		}, nil
	}

	return &Result{
		Status:     StatusPaid,
		StatusCode: resp2.StatusCode,
		Body:       body2,
		Challenge:  &challenge,
		Payment:    &payment,
	}, nil
}

// do собирает запрос к ресурсу из FetchRequest. На повторе с proof
// уходят тот же метод, то же тело и те же заголовки, что и в первый раз.
func (c *Client) do(ctx context.Context, fr FetchRequest, proofHeader string) (*http.Response, string, error) {
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if fr.Body != "" {
		body = strings.NewReader(fr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fr.URL, body)
	if err != nil {
		return nil, "", err
	}
	for k, v := range fr.Headers {
		req.Header.Set(k, v)
	}
	if proofHeader != "" {
		req.Header.Set(HeaderPayment, proofHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", err
	}
	return resp, string(raw), nil
}
