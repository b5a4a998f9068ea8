package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/treasury-gate/internal/audit"
)

// AuditLog — приемник аудита для memory-режима и тестов.
// Держит события в RAM, реализует тот же контракт, что postgres.AuditRepo.
type AuditLog struct {
	mu     sync.Mutex
	events []audit.PaymentEvent
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) WriteBatch(_ context.Context, events []audit.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	return nil
}

// Events отдает копию накопленного журнала.
func (l *AuditLog) Events() []audit.PaymentEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.PaymentEvent, len(l.events))
	copy(out, l.events)
	return out
}
