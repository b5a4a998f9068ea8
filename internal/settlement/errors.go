package settlement

import (
	"errors"
	"fmt"
	"time"
)

// ErrWalletUninitialized — у провайдера нет настроенного кошелька.
// Это конфигурационная проблема, ее надо чинить, а не ретраить.
var ErrWalletUninitialized = errors.New("settlement wallet is not initialized")

// ThrottleError — провайдер попросил сбавить темп (HTTP 429, Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// TransferError — провайдер отклонил или не смог исполнить перевод.
// Code сохраняем для диагностики, Message уходит пользователю.
type TransferError struct {
	Code    string
	Message string
}

func (e *TransferError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transfer rejected [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("transfer rejected: %s", e.Message)
}
