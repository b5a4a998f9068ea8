package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	mu      sync.Mutex
	balance decimal.Decimal
	err     error
	calls   int
}

func (s *stubSource) Balance(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.balance, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBalanceInvariant(t *testing.T) {
	src := &stubSource{balance: dec("100")}
	l := New(src, "USDC", time.Minute, zap.NewNop())

	b, err := l.Balance(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, b.Total.Equal(dec("100")))
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Available.Equal(dec("100")))

	require.True(t, l.Reserve(dec("30")))

	b, err = l.Balance(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("70")))
	// Инвариант: available = total - reserved
	assert.True(t, b.Available.Equal(b.Total.Sub(b.Reserved)))
}

func TestReserveRefusesOverdraft(t *testing.T) {
	src := &stubSource{balance: dec("10")}
	l := New(src, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, l.Refresh(context.Background()))

	assert.True(t, l.Reserve(dec("10")))
	assert.False(t, l.Reserve(dec("0.01")), "резерв сверх available должен отклоняться")

	l.Release(dec("10"))
	assert.True(t, l.Reserve(dec("0.01")))
}

func TestReserveRejectsNonPositive(t *testing.T) {
	l := New(&stubSource{balance: dec("10")}, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, l.Refresh(context.Background()))

	assert.False(t, l.Reserve(decimal.Zero))
	assert.False(t, l.Reserve(dec("-5")))
}

func TestReleaseClampsAtZero(t *testing.T) {
	l := New(&stubSource{balance: dec("100")}, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, l.Refresh(context.Background()))

	require.True(t, l.Reserve(dec("20")))
	// Пере-release не уводит резерв в минус
	l.Release(dec("50"))
	assert.True(t, l.Reserved().IsZero())

	b, _ := l.Balance(context.Background(), false)
	assert.True(t, b.Available.Equal(dec("100")))
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	l := New(&stubSource{balance: dec("100")}, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, l.Refresh(context.Background()))

	// 50 горутин по 10: только 10 резервов могут пройти
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(dec("10")) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.True(t, l.Reserved().Equal(dec("100")))
}

func TestBalanceUsesCacheWithinTTL(t *testing.T) {
	src := &stubSource{balance: dec("100")}
	l := New(src, "USDC", time.Minute, zap.NewNop())

	_, err := l.Balance(context.Background(), false)
	require.NoError(t, err)
	_, err = l.Balance(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "в пределах TTL провайдер дергается один раз")

	// force пробивает кэш
	_, err = l.Balance(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestBalanceServesStaleCacheOnRefreshFailure(t *testing.T) {
	src := &stubSource{balance: dec("100")}
	l := New(src, "USDC", time.Minute, zap.NewNop())
	require.NoError(t, l.Refresh(context.Background()))

	src.mu.Lock()
	src.err = errors.New("provider is down")
	src.mu.Unlock()

	b, err := l.Balance(context.Background(), true)
	require.NoError(t, err, "при живом кэше падение провайдера не фатально")
	assert.True(t, b.Total.Equal(dec("100")))
}

func TestBalanceFailsWhenNeverFetched(t *testing.T) {
	src := &stubSource{err: errors.New("provider is down")}
	l := New(src, "USDC", time.Minute, zap.NewNop())

	_, err := l.Balance(context.Background(), false)
	assert.Error(t, err, "без единого снимка отдавать нечего")
}
