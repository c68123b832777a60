package config

import (
	"fmt"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	JWTExpiryH  int    `env:"JWT_EXPIRY_H" envDefault:"24"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	NotifyWebhookURL  string `env:"NOTIFY_WEBHOOK_URL" envDefault:"http://mock-notifier:8081/notifications"`
	NotifyIntervalS   int    `env:"NOTIFY_INTERVAL_S" envDefault:"5"`
	NotifyMaxAttempts int    `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"5"`

	TransferTimeoutMs  int `env:"TRANSFER_TIMEOUT_MS" envDefault:"5000"`
	ReconcileIntervalS int `env:"RECONCILE_INTERVAL_S" envDefault:"60"`
	PendingGraceS      int `env:"PENDING_GRACE_S" envDefault:"300"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
