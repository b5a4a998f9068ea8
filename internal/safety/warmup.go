package safety

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/infra"
)

// WarmRedisState греет L2 (Redis) слепком состояния предохранителей из
// БД: флаг kill switch и множество владельцев с включенным Safe Mode.
// Новый инстанс после деплоя сразу видит актуальное состояние, не ходя
// в базу на каждый Pub/Sub reconnect.
func WarmRedisState(ctx context.Context, rdb *redis.Client, logger *zap.Logger, paused bool, safeModeOwners []string) error {
	if rdb == nil {
		return nil
	}

	// Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, infra.RedisKeyLockSafetyWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	flag := "0"
	if paused {
		flag = "1"
	}
	if err := rdb.Set(ctx, infra.RedisKeyPaymentsPaused, flag, 0).Err(); err != nil {
		return err
	}

	// Проверка наполненности Redis
	count, err := rdb.SCard(ctx, infra.RedisKeySafeModeOwners).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", infra.RedisKeySafeModeOwners), zap.Error(err))
	}

	// Если Redis пуст, а данные в БД есть — заливаем
	if count == 0 && len(safeModeOwners) > 0 {
		logger.Info("Redis safety cache is empty, performing warm-up from DB...",
			zap.Int("count", len(safeModeOwners)))

		pipe := rdb.Pipeline()
		for _, id := range safeModeOwners {
			pipe.SAdd(ctx, infra.RedisKeySafeModeOwners, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}

	return nil
}
