package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "awt"
)

// Ключи для состояния (Sets / Flags)
const (
	// RedisKeyPaymentsPaused — глобальный kill switch ("1" = платежи остановлены)
	RedisKeyPaymentsPaused = RedisNamespace + ":safety:paused"
	// RedisKeySafeModeOwners — владельцы с включенным Safe Mode
	RedisKeySafeModeOwners = RedisNamespace + ":safety:safemode_set"
	// RedisKeyLockSafetyWarmup — распределенная блокировка прогрева кэша
	RedisKeyLockSafetyWarmup = RedisNamespace + ":lock:warmup:safety"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSafety — сигналы изменения предохранителей.
	// Формат payload: "<ownerID>:on|off" для Safe Mode, "global:on|off" для паузы.
	RedisChanSafety = RedisNamespace + ":safety:signal"
)
