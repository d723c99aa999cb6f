package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type App struct {
	// DB
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	// HTTP
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173"`
	AdminToken  string `envconfig:"ADMIN_TOKEN" required:"true"`
	// Payments (Omise)
	OmisePublicKey string `envconfig:"OMISE_PUBLIC_KEY" required:"true"`
	OmiseSecretKey string `envconfig:"OMISE_SECRET_KEY" required:"true"`
	// Events
	AMQPURL        string `envconfig:"AMQP_URL" default:""`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE" default:"matex.events"`
	// Settlement worker
	SettleInterval time.Duration `envconfig:"SETTLE_INTERVAL" default:"30s"`
	SettleBatch    int           `envconfig:"SETTLE_BATCH" default:"50"`
	// Observability
	LogMode      string `envconfig:"LOG_MODE" default:"dev"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
}

func Load() (App, error) {
	var c App
	err := envconfig.Process("", &c)
	return c, err
}
