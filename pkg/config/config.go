// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
	Engine    EngineConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	NavPriceTTL time.Duration
}

type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	Topic            string
	MaxAttempts      int
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// SchedulerConfig holds the sweep cadence. Each sweep runs its batch to completion
// before the next tick is scheduled.
type SchedulerConfig struct {
	AutoApprovalInterval time.Duration
	ActivationInterval   time.Duration
	CycleSweepInterval   time.Duration
	LeaseTTL             time.Duration
	BatchSize            int
}

func Load() *Config {
	engine := DefaultEngine()
	engine.InvestmentAmount = getDecimalEnv("TPIA_AMOUNT", engine.InvestmentAmount)
	engine.ProfitPerCycle = getDecimalEnv("TPIA_PROFIT_PER_CYCLE", engine.ProfitPerCycle)
	engine.CycleDurationDays = getIntEnv("CYCLE_DURATION_DAYS", engine.CycleDurationDays)
	engine.TotalCycles = getIntEnv("TOTAL_CYCLES", engine.TotalCycles)
	engine.CoreCycles = getIntEnv("CORE_CYCLES", engine.CoreCycles)
	engine.ExitWindowInterval = getIntEnv("EXIT_WINDOW_INTERVAL", engine.ExitWindowInterval)
	engine.ExitWindowDurationDays = getIntEnv("EXIT_WINDOW_DURATION_DAYS", engine.ExitWindowDurationDays)
	engine.ClusterCapacity = getIntEnv("GDC_CAPACITY", engine.ClusterCapacity)
	engine.GDCNumberIncrement = getIntEnv("GDC_NUMBER_INCREMENT", engine.GDCNumberIncrement)
	engine.AutoApprovalWindow = getDurationEnv("AUTO_APPROVAL_WINDOW", engine.AutoApprovalWindow)
	if raw := getEnv("EXIT_PENALTIES", ""); raw != "" {
		penalties, err := ParsePenalties(raw)
		if err != nil {
			engine.penaltiesErr = err
		} else {
			engine.ExitPenalties = penalties
		}
	}

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "file://migrations"),
		},
		Redis: RedisConfig{
			URL:         normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getIntEnv("REDIS_DB", 0),
			NavPriceTTL: getDurationEnv("NAV_PRICE_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled:          getBoolEnv("KAFKA_ENABLED", false),
			Brokers:          splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:            getEnv("KAFKA_TOPIC", "tpia.events"),
			MaxAttempts:      getIntEnv("KAFKA_MAX_ATTEMPTS", 3),
			BreakerFailures:  uint32(getIntEnv("KAFKA_BREAKER_FAILURES", 5)),
			BreakerOpenDelay: getDurationEnv("KAFKA_BREAKER_OPEN_DELAY", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			AutoApprovalInterval: getDurationEnv("AUTO_APPROVAL_INTERVAL", 5*time.Minute),
			ActivationInterval:   getDurationEnv("GDC_ACTIVATION_INTERVAL", 10*time.Minute),
			CycleSweepInterval:   getDurationEnv("CYCLE_SWEEP_INTERVAL", time.Hour),
			LeaseTTL:             getDurationEnv("SWEEP_LEASE_TTL", 15*time.Minute),
			BatchSize:            getIntEnv("SWEEP_BATCH_SIZE", 500),
		},
		Engine: engine,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
