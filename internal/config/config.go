// Package config содержит логику чтения конфигурации сервиса распродаж.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса распродаж.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	RedisAddress          string        `env:"REDIS_ADDRESS"`
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic            string        `env:"KAFKA_TOPIC"`
	KafkaGroup            string        `env:"KAFKA_GROUP"`
	PipelineWorkers       int           `env:"PIPELINE_WORKERS"`
	PaymentGatewayAddress string        `env:"PAYMENT_GATEWAY_ADDRESS"`
	PaymentApprovalRate   float64       `env:"PAYMENT_APPROVAL_RATE"`
	MinSaleDuration       time.Duration `env:"MIN_SALE_DURATION"`
	ActivationInterval    time.Duration `env:"ACTIVATION_INTERVAL"`
	CompletionInterval    time.Duration `env:"COMPLETION_INTERVAL"`
	OutboxPollInterval    time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	StallCheckInterval    time.Duration `env:"STALL_CHECK_INTERVAL"`
	OrderStallAge         time.Duration `env:"ORDER_STALL_AGE"`
	AuthSecret            string        `env:"AUTH_SECRET"`
	OTelEndpoint          string        `env:"OTEL_ENDPOINT"`

	// IssueAdminToken печатает токен администратора и завершает процесс.
	IssueAdminToken bool
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store if empty")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address")
	flag.Func("k", "comma separated kafka brokers, in-process bus if empty", func(s string) error {
		cfg.KafkaBrokers = splitList(s)
		return nil
	})
	flag.StringVar(&cfg.KafkaTopic, "topic", "flashsale.orders", "kafka topic")
	flag.StringVar(&cfg.KafkaGroup, "group", "flashsale-pipeline", "kafka consumer group")
	flag.IntVar(&cfg.PipelineWorkers, "w", 8, "pipeline workers")
	flag.StringVar(&cfg.PaymentGatewayAddress, "p", "", "payment gateway address, simulated if empty")
	flag.Float64Var(&cfg.PaymentApprovalRate, "approval-rate", 1.0, "approval rate of the simulated gateway")
	flag.DurationVar(&cfg.MinSaleDuration, "min-sale-duration", 10*time.Minute, "minimum sale duration")
	flag.DurationVar(&cfg.ActivationInterval, "activation-interval", 30*time.Second, "sale activation interval")
	flag.DurationVar(&cfg.CompletionInterval, "completion-interval", 30*time.Second, "sale completion interval")
	flag.DurationVar(&cfg.OutboxPollInterval, "outbox-interval", 500*time.Millisecond, "outbox poll interval")
	flag.DurationVar(&cfg.StallCheckInterval, "stall-interval", 30*time.Second, "stalled order check interval")
	flag.DurationVar(&cfg.OrderStallAge, "stall-age", 2*time.Minute, "age after which an unfinished order is requeued")
	flag.StringVar(&cfg.AuthSecret, "s", "flashsale-secret", "auth cookie secret")
	flag.StringVar(&cfg.OTelEndpoint, "otel", "", "OTLP/HTTP endpoint, export disabled if empty")
	flag.BoolVar(&cfg.IssueAdminToken, "issue-admin-token", false, "print an admin token signed with the auth secret and exit")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.PipelineWorkers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline workers must be positive, got %d", c.PipelineWorkers))
	}
	if c.PaymentApprovalRate < 0 || c.PaymentApprovalRate > 1 {
		errs = append(errs, fmt.Errorf("approval rate must be within [0, 1], got %v", c.PaymentApprovalRate))
	}
	for name, d := range map[string]time.Duration{
		"min sale duration":   c.MinSaleDuration,
		"activation interval": c.ActivationInterval,
		"completion interval": c.CompletionInterval,
		"outbox interval":     c.OutboxPollInterval,
		"stall interval":      c.StallCheckInterval,
		"stall age":           c.OrderStallAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if len(c.KafkaBrokers) > 0 && (c.KafkaTopic == "" || c.KafkaGroup == "") {
		errs = append(errs, errors.New("kafka topic and group are required with brokers"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
