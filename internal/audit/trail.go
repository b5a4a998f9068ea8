package audit

/*
Файл trail.go реализует Payment Trail — движок сбора и персистентности
аудита платежных решений.

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят в буферизованный канал, задержки
  записи в БД не влияют на Response Time платежа.
- Batching & Efficiency: накопление событий в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке сервиса буфер
  вычитывается полностью (Final Flush), данные не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []PaymentEvent) error
}

type Auditor interface {
	Log(event PaymentEvent)
}

type Trail struct {
	ch     chan PaymentEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после Stop
	isClosed int32

	// onBufferFill выставляет метрику заполненности буфера (может быть nil)
	onBufferFill func(n int)
}

func NewTrail(repo StorageInterface, bufferSize int, flushInterval time.Duration, logger *zap.Logger) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:            make(chan PaymentEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit")),
		batchSize:     100,
		flushInterval: flushInterval,
	}
}

// SetBufferGauge подключает prometheus-гейдж заполненности буфера.
func (t *Trail) SetBufferGauge(fn func(n int)) { t.onBufferFill = fn }

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch) // Новые события больше не принимаются
	t.wg.Wait() // Ждем, пока воркер вычитает остатки и вызовет flush()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event PaymentEvent) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Стратегия Load Shedding: переполненный буфер не блокирует платеж
	select {
	case t.ch <- event:
		if t.onBufferFill != nil {
			t.onBufferFill(len(t.ch))
		}
	default:
		// Если канал переполнен (Backpressure), фиксируем хотя бы в логах
		t.logger.Error("audit_buffer_overflow",
			zap.String("owner_id", event.OwnerID),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]PaymentEvent, 0, t.batchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки — финальный сброс и выход
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
