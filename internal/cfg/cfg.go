package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds pager-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	WebhookSecret         string
	InternalToken         string
	DatabaseURL           string
	ChannelsFile          string
	MirrorURL             string
	ResolvePolicy         string
	AutoCloseMinutes      int
	IdempotencyHours      int
	DeliveryWorkers       int
	DeliveryBatchSize     int
	DeliveryPollMillis    int
	DeliveryBaseSeconds   int
	DeliveryMaxSeconds    int
	DeliveryMaxAttempts   int
	DeliveryTimeoutSecs   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "bearer token alert sources must present on the webhook endpoint")
	fs.StringVar(&c.InternalToken, "internal-token", "", "bearer token for the internal incident API")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ChannelsFile, "channels-file", "channels.json", "path to the notification channel configuration file")
	fs.StringVar(&c.MirrorURL, "transition-mirror-url", "", "optional endpoint that receives a JSON record of every transition")
	fs.StringVar(&c.ResolvePolicy, "resolve-policy", "all", "when multi-alert incidents resolve from source: all or any")
	fs.IntVar(&c.AutoCloseMinutes, "auto-close-minutes", 240, "minutes a resolved incident sits before auto-close (0 = never)")
	fs.IntVar(&c.IdempotencyHours, "idempotency-hours", 24, "hours webhook delivery keys are remembered for replay detection")
	fs.IntVar(&c.DeliveryWorkers, "delivery-workers", 4, "concurrent notification delivery workers (1..64)")
	fs.IntVar(&c.DeliveryBatchSize, "delivery-batch-size", 32, "attempts claimed per scheduler poll (1..256)")
	fs.IntVar(&c.DeliveryPollMillis, "delivery-poll-millis", 1000, "scheduler poll interval in milliseconds (100..60000)")
	fs.IntVar(&c.DeliveryBaseSeconds, "delivery-base-seconds", 30, "base retry backoff in seconds")
	fs.IntVar(&c.DeliveryMaxSeconds, "delivery-max-seconds", 900, "retry backoff ceiling in seconds")
	fs.IntVar(&c.DeliveryMaxAttempts, "delivery-max-attempts", 8, "sends per attempt before it is marked failed (1..20)")
	fs.IntVar(&c.DeliveryTimeoutSecs, "delivery-timeout-seconds", 10, "per-send timeout in seconds")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Both endpoints authenticate; neither token may be empty
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.InternalToken == "" {
		errs = append(errs, errors.New("INTERNAL_TOKEN is required"))
	}
	if c.WebhookSecret != "" && c.WebhookSecret == c.InternalToken {
		errs = append(errs, errors.New("WEBHOOK_SECRET and INTERNAL_TOKEN must differ"))
	}

	if c.ChannelsFile == "" {
		errs = append(errs, errors.New("CHANNELS_FILE is required"))
	}

	if c.ResolvePolicy != "all" && c.ResolvePolicy != "any" {
		errs = append(errs, fmt.Errorf("invalid RESOLVE_POLICY %q (must be all or any)", c.ResolvePolicy))
	}

	if c.AutoCloseMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid AUTO_CLOSE_MINUTES %d (must be >= 0)", c.AutoCloseMinutes))
	}
	if c.IdempotencyHours <= 0 {
		errs = append(errs, fmt.Errorf("invalid IDEMPOTENCY_HOURS %d (must be > 0)", c.IdempotencyHours))
	}

	if c.DeliveryWorkers <= 0 || c.DeliveryWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_WORKERS %d (must be 1..64)", c.DeliveryWorkers))
	}
	if c.DeliveryBatchSize <= 0 || c.DeliveryBatchSize > 256 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_BATCH_SIZE %d (must be 1..256)", c.DeliveryBatchSize))
	}
	if c.DeliveryPollMillis < 100 || c.DeliveryPollMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_POLL_MILLIS %d (must be 100..60000)", c.DeliveryPollMillis))
	}
	if c.DeliveryBaseSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_BASE_SECONDS %d (must be > 0)", c.DeliveryBaseSeconds))
	}
	if c.DeliveryMaxSeconds < c.DeliveryBaseSeconds {
		errs = append(errs, fmt.Errorf("DELIVERY_MAX_SECONDS %d must be >= DELIVERY_BASE_SECONDS %d", c.DeliveryMaxSeconds, c.DeliveryBaseSeconds))
	}
	if c.DeliveryMaxAttempts <= 0 || c.DeliveryMaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_MAX_ATTEMPTS %d (must be 1..20)", c.DeliveryMaxAttempts))
	}
	if c.DeliveryTimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_TIMEOUT_SECONDS %d (must be > 0)", c.DeliveryTimeoutSecs))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
