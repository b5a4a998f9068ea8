package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Заголовки протокола 402 challenge-response
const (
	// HeaderPaymentRequired несет challenge сервера: сколько и кому платить
	HeaderPaymentRequired = "X-Payment-Required"
	// HeaderPayment несет proof клиента: подтверждение исполненного перевода
	HeaderPayment = "X-Payment"
)

// Challenge — требование оплаты от сервера ресурса.
// Передается как base64(JSON) в X-Payment-Required.
type Challenge struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Resource  string `json:"resource,omitempty"`
}

// Proof — подтверждение оплаты, отправляемое при повторном запросе.
// Передается как base64(JSON) в X-Payment.
type Proof struct {
	TxHash    string    `json:"txHash"`
	Payer     string    `json:"payer"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func EncodeChallenge(c Challenge) string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeChallenge(header string) (Challenge, error) {
	var c Challenge
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return c, fmt.Errorf("challenge is not valid base64: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("challenge is not valid JSON: %w", err)
	}
	if c.Recipient == "" {
		return c, fmt.Errorf("challenge is missing recipient")
	}
	if c.Amount == "" {
		return c, fmt.Errorf("challenge is missing amount")
	}
	return c, nil
}

func EncodeProof(p Proof) string {
	raw, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeProof(header string) (Proof, error) {
	var p Proof
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return p, fmt.Errorf("proof is not valid base64: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("proof is not valid JSON: %w", err)
	}
	return p, nil
}

// VerifyProof — серверная проверка proof против ожиданий challenge:
// получатель совпадает (без учета регистра), сумма не меньше требуемой,
// tx hash присутствует. Криптографической верификации здесь нет,
// подлинность hash подтверждает журнал транзакций.
func VerifyProof(p Proof, expected Challenge) error {
	if p.TxHash == "" {
		return fmt.Errorf("proof is missing txHash")
	}
	if !strings.EqualFold(p.Recipient, expected.Recipient) {
		return fmt.Errorf("proof recipient %s does not match expected %s", p.Recipient, expected.Recipient)
	}

	paid, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return fmt.Errorf("proof amount %q is not a number", p.Amount)
	}
	want, err := decimal.NewFromString(expected.Amount)
	if err != nil {
		return fmt.Errorf("expected amount %q is not a number", expected.Amount)
	}
	if paid.LessThan(want) {
		return fmt.Errorf("proof amount %s is less than required %s", paid.String(), want.String())
	}
	return nil
}
