package settlement

/*
Файл http.go — клиент к кастодиальному API провайдера расчетов.
Ядро не знает деталей сети переводов: контракт сводится к трем вызовам
(кошелек, баланс, перевод). Ошибки 429 конвертируются в ThrottleError,
чтобы ReliableProvider мог уважать Retry-After при бэкоффе.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type HTTPProvider struct {
	baseURL  string
	apiKey   string
	currency string
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPProvider(baseURL, apiKey, currency string, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  baseURL,
		apiKey:   apiKey,
		currency: currency,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.Named("settlement-http"),
	}
}

func (p *HTTPProvider) Wallet(ctx context.Context) (*WalletInfo, error) {
	var out WalletInfo
	if err := p.do(ctx, http.MethodGet, "/v1/wallet", nil, &out); err != nil {
		return nil, err
	}
	if out.Address == "" {
		return nil, ErrWalletUninitialized
	}
	return &out, nil
}

func (p *HTTPProvider) Balance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/balance", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Amount, nil
}

func (p *HTTPProvider) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if req.Currency == "" {
		req.Currency = p.currency
	}
	var out TransferReceipt
	if err := p.do(ctx, http.MethodPost, "/v1/transfers", req, &out); err != nil {
		return nil, err
	}
	if out.Hash == "" {
		return nil, &TransferError{Code: "no_proof", Message: "provider returned no transfer hash"}
	}
	return &out, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("settlement: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("settlement: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("settlement: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Считываем Retry-After, чтобы ретраи не долбили провайдера
		retryAfter := 2 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if sec, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(sec) * time.Second
			}
		}
		return &ThrottleError{RetryAfter: retryAfter, Cause: fmt.Errorf("%s %s: 429", method, path)}

	case resp.StatusCode >= 400:
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return &TransferError{Code: apiErr.Code, Message: apiErr.Message}
		}
		return &TransferError{Code: strconv.Itoa(resp.StatusCode), Message: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("settlement: decode response: %w", err)
		}
	}
	return nil
}
