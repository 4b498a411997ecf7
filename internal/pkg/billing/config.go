package billing

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/LLMReady/internal/pkg/env"
)

// Config holds the runtime settings of the billing engine.
type Config struct {
	StripeSecretKey     string        `validate:"omitempty,startswith=sk_|startswith=rk_"`
	StripeWebhookSecret string        `validate:"omitempty,startswith=whsec_"`
	FrontendURL         string        `validate:"required,url"`
	GracePeriod         time.Duration `validate:"gte=0"`
	WebhookTimeout      time.Duration `validate:"gt=0"`
	WebhookTolerance    time.Duration `validate:"gte=0"`
	ReconcileInterval   time.Duration `validate:"gte=0"`
	ReconcileBatchSize  int           `validate:"gt=0,lte=5000"`
	UsageResetInterval  time.Duration `validate:"gte=0"`
	CheckoutWindow      time.Duration `validate:"gt=0"`
	CheckoutLimit       int           `validate:"gt=0"`
	InternalAPIToken    string
}

// LoadConfig reads the billing settings from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		StripeSecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		FrontendURL:         env.GetEnv("FRONTEND_URL", "http://localhost:3000"),
		GracePeriod:         env.GetEnvDuration("BILLING_GRACE_PERIOD", DefaultGracePeriod),
		WebhookTimeout:      env.GetEnvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
		WebhookTolerance:    env.GetEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		ReconcileInterval:   env.GetEnvDuration("RECONCILE_INTERVAL", time.Hour),
		ReconcileBatchSize:  env.GetEnvInt("RECONCILE_BATCH_SIZE", defaultReconcileBatchSize),
		UsageResetInterval:  env.GetEnvDuration("USAGE_RESET_INTERVAL", 6*time.Hour),
		CheckoutWindow:      env.GetEnvDuration("CHECKOUT_GUARD_WINDOW", time.Minute),
		CheckoutLimit:       env.GetEnvInt("CHECKOUT_GUARD_LIMIT", 1),
		InternalAPIToken:    env.GetEnv("INTERNAL_API_TOKEN", ""),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid billing configuration: %w", err)
	}
	return cfg, nil
}

// ProviderConfigured reports whether outbound provider calls are possible.
func (c Config) ProviderConfigured() bool {
	return c.StripeSecretKey != ""
}
