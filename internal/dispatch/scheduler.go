package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

// SchedulerConfig bounds the retry scheduler's behavior.
type SchedulerConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int

	// SendTimeout bounds one adapter send; a timeout counts as a
	// retriable failure for retry accounting.
	SendTimeout time.Duration

	// Lease is how long a claim holds before a crashed worker's attempt
	// becomes reclaimable.
	Lease time.Duration

	// Backoff: base doubling per attempt, capped, with ±20% jitter.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// SchedulerHooks receives delivery outcomes, wired to metrics by main.
type SchedulerHooks struct {
	OnDelivered func(channelKind string, attempts int, duration float64)
	OnRetried   func(channelKind string)
	OnExhausted func(channelKind string, reason string)
}

// Scheduler continuously drains due notification attempts, invokes the
// channel adapters, and records each outcome. Distinct attempts proceed
// concurrently; each individual attempt's lifecycle is monotonic.
type Scheduler struct {
	queue      Queue
	registry   *Registry
	dispatcher *Dispatcher
	logger     log.Logger
	cfg        SchedulerConfig
	hooks      SchedulerHooks
}

// NewScheduler creates a retry scheduler. The dispatcher supplies
// channel configuration lookups for claimed attempts.
func NewScheduler(queue Queue, registry *Registry, dispatcher *Dispatcher, logger log.Logger, cfg SchedulerConfig, hooks SchedulerHooks) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Scheduler{
		queue:      queue,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		hooks:      hooks,
	}
}

// Run polls for due attempts until the context is canceled. In-flight
// sends finish (bounded by the send timeout) before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.drainOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, err, "scheduler drain failed")
		}
	}
}

// drainOnce claims one batch of due attempts and processes it with the
// worker pool. No lock is held across a send.
func (s *Scheduler) drainOnce(ctx context.Context) error {
	token := ulid.Make().String()
	attempts, err := s.queue.ClaimDue(ctx, time.Now().UTC(), token, s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, a := range attempts {
		g.Go(func() error {
			s.process(gctx, a, token)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) process(ctx context.Context, a *Attempt, token string) {
	L := s.logger.With(
		"attempt_id", a.ID,
		"incident_id", a.IncidentID,
		"channel_id", a.ChannelID,
		"kind", a.Kind,
	)

	ch, ok := s.dispatcher.Channel(a.ChannelID)
	if !ok {
		// channel removed from config since the attempt was enqueued
		s.terminate(ctx, L, a, token, a.Attempts+1, "channel no longer configured")
		return
	}
	adapter, ok := s.registry.Get(ch.Kind)
	if !ok {
		s.terminate(ctx, L, a, token, a.Attempts+1, "no adapter for kind "+ch.Kind)
		return
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	outcome, sendErr := adapter.Send(sendCtx, ch, a.Message)
	cancel()
	duration := time.Since(start).Seconds()

	tried := a.Attempts + 1
	now := time.Now().UTC()

	switch outcome {
	case OutcomeDelivered:
		if err := s.queue.MarkDelivered(ctx, a.ID, token, now); err != nil {
			L.Error(ctx, err, "failed to mark attempt delivered")
			return
		}
		if s.hooks.OnDelivered != nil {
			s.hooks.OnDelivered(ch.Kind, tried, duration)
		}
		L.Info(ctx, "notification delivered", "attempts", tried, "duration", duration)

	case OutcomePermanent:
		s.terminate(ctx, L, a, token, tried, errText(sendErr))
		if s.hooks.OnExhausted != nil {
			s.hooks.OnExhausted(ch.Kind, "permanent")
		}

	default: // retriable
		if tried >= s.cfg.MaxAttempts {
			s.terminate(ctx, L, a, token, tried, errText(sendErr))
			if s.hooks.OnExhausted != nil {
				s.hooks.OnExhausted(ch.Kind, "exhausted")
			}
			return
		}
		nextAt := now.Add(s.backoff(tried))
		if err := s.queue.Reschedule(ctx, a.ID, token, tried, nextAt, errText(sendErr), now); err != nil {
			L.Error(ctx, err, "failed to reschedule attempt")
			return
		}
		if s.hooks.OnRetried != nil {
			s.hooks.OnRetried(ch.Kind)
		}
		L.Warn(ctx, "notification send failed, rescheduled",
			"attempts", tried,
			"next_attempt_at", nextAt,
			"error", errText(sendErr),
		)
	}
}

func (s *Scheduler) terminate(ctx context.Context, L log.Logger, a *Attempt, token string, tried int, lastErr string) {
	if err := s.queue.MarkFailed(ctx, a.ID, token, tried, lastErr, time.Now().UTC()); err != nil {
		L.Error(ctx, err, "failed to mark attempt failed")
		return
	}
	L.Error(ctx, errors.New(lastErr), "notification delivery failed terminally", "attempts", tried)
}

// backoff computes the delay before retry number tried+1: exponential
// from the base, capped, with ±20% jitter.
func (s *Scheduler) backoff(tried int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < tried && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func errText(err error) string {
	if err == nil {
		return "send rejected"
	}
	return err.Error()
}
