package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации платежного шлюза.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig выбирает бэкенд хранения: postgres для прода,
// memory для локальной разработки и демо без инфраструктуры.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" | "memory"
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub синхронизация
// предохранителей между инстансами). Пустой Addr = работаем только на RAM.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SettlementConfig — контракт с внешним провайдером расчетов.
type SettlementConfig struct {
	Provider        string        `mapstructure:"provider"` // "http" | "mock"
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Currency        string        `mapstructure:"currency"`
	WalletAddress   string        `mapstructure:"wallet_address"`  // для mock-провайдера
	InitialBalance  string        `mapstructure:"initial_balance"` // стартовый баланс mock-провайдера
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`

	// Настройки Circuit Breaker и Rate Limiter вокруг провайдера
	CBMaxRequests uint          `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"` // запросов в секунду
	RateBurst     int           `mapstructure:"rate_burst"`
}

// EngineConfig содержит настройки ядра (леджер, аудит, x402).
type EngineConfig struct {
	BalanceTTL         time.Duration `mapstructure:"balance_ttl"` // кэш баланса провайдера
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"` // таймаут исходящих x402-запросов
	DemoPrice          string        `mapstructure:"demo_price"`    // цена demo paid-content
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.Storage.Driver == "postgres" && cfg.Database.URL == "" {
		return nil, errors.New("database.url is required for postgres storage")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("settlement.provider", "mock")
	v.SetDefault("settlement.currency", "USDC")
	v.SetDefault("settlement.wallet_address", "0xA77o1d3a7Ea91Cc0de0000000000000000000001")
	v.SetDefault("settlement.initial_balance", "1000")
	v.SetDefault("settlement.transfer_timeout", 30*time.Second)
	v.SetDefault("settlement.cb_max_requests", 3)
	v.SetDefault("settlement.cb_interval", 5*time.Second)
	v.SetDefault("settlement.cb_timeout", 30*time.Second)
	v.SetDefault("settlement.rate_limit", 50)
	v.SetDefault("settlement.rate_burst", 10)
	v.SetDefault("engine.balance_ttl", 30*time.Second)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.fetch_timeout", 60*time.Second)
	v.SetDefault("engine.demo_price", "0.10")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
