package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN         string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL         string `env:"RABBITMQ_URL,required=true"`
	RedisURL            string `env:"REDIS_URL,required=true"`
	DeliveryEndpoint    string `env:"DELIVERY_ENDPOINT,required=true"`
	DeliveryAPIKey      string `env:"DELIVERY_API_KEY"`
	TickIntervalMinutes int    `env:"TICK_INTERVAL_MINUTES,default=15"`
	TickScanLimit       int    `env:"TICK_SCAN_LIMIT,default=500"`
	MaxSendAttempts     int    `env:"MAX_SEND_ATTEMPTS,default=3"`
	SendTimeoutSeconds  int    `env:"SEND_TIMEOUT_SECONDS,default=10"`
	SendRatePerSec      int    `env:"SEND_RATE_PER_SEC,default=20"`
	ConsumerPrefetch    int    `env:"CONSUMER_PREFETCH,default=8"`
	APIPort             int    `env:"API_PORT,default=8080"`
	MetricsPort         int    `env:"METRICS_PORT,default=9090"`
	LogLevel            string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
