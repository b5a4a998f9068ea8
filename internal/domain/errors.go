package domain

import "errors"

// Сентинели хранилища: хендлеры мапят их в 404 без знания о драйвере.
var (
	ErrPolicyNotFound      = errors.New("policy not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)
