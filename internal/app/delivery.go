package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/chime/internal/channel"
	"github.com/lalithlochan/chime/internal/circuitbreaker"
	"github.com/lalithlochan/chime/internal/config"
	"github.com/lalithlochan/chime/internal/events"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/observ"
	"github.com/lalithlochan/chime/internal/scheduler"
	"github.com/lalithlochan/chime/internal/worker"
)

// Channels are the configured senders, each behind a throttle and a
// circuit breaker.
type Channels struct {
	Email    channel.EmailSender
	SMS      channel.SMSSender
	Breakers []*circuitbreaker.CircuitBreaker
}

// BreakerStats snapshots every provider breaker for /health.
func (c *Channels) BreakerStats() []circuitbreaker.Stats {
	out := make([]circuitbreaker.Stats, 0, len(c.Breakers))
	for _, b := range c.Breakers {
		out = append(out, b.Stats())
	}
	return out
}

func newBreaker(name string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.New(cfg, logger)
}

// NewChannels builds the email and SMS senders named by EMAIL_PROVIDER and
// SMS_PROVIDER.
func NewChannels(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Channels, error) {
	var email channel.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		s, err := channel.NewSESSender(ctx, channel.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		email = s
	case "sendgrid":
		email = channel.NewSendGridSender(channel.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFrom,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		email = channel.NewLogSender(logger)
	}

	var sms channel.SMSSender
	switch cfg.SMSProvider {
	case "sns":
		s, err := channel.NewSNSSender(ctx, channel.SNSConfig{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SNSSenderID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sms sender: %w", err)
		}
		sms = s
	case "twilio":
		sms = channel.NewTwilioSender(channel.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFrom,
		}, logger)
	default:
		sms = channel.NewLogSender(logger)
	}

	emailName, smsName := cfg.EmailProvider, cfg.SMSProvider
	if emailName == smsName {
		// "log" for both: keep the metric labels distinct
		emailName, smsName = emailName+"-email", smsName+"-sms"
	}
	emailBreaker := newBreaker(emailName, logger)
	smsBreaker := newBreaker(smsName, logger)

	logger.Info("initialized delivery channels",
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.Float64("email_rate_per_second", cfg.EmailRatePerSecond),
		zap.Float64("sms_rate_per_second", cfg.SMSRatePerSecond),
	)

	return &Channels{
		Email: circuitbreaker.NewProtectedEmail(
			channel.NewThrottledEmail(email, cfg.EmailRatePerSecond, 1), emailBreaker, logger),
		SMS: circuitbreaker.NewProtectedSMS(
			channel.NewThrottledSMS(sms, cfg.SMSRatePerSecond, 1), smsBreaker, logger),
		Breakers: []*circuitbreaker.CircuitBreaker{emailBreaker, smsBreaker},
	}, nil
}

// NewPublisher publishes usage events to SNS_EVENTS_TOPIC_ARN, or logs them
// when no topic is configured.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if cfg.EventsTopicARN == "" {
		return events.NewLogPublisher(logger), nil
	}
	pub, err := events.NewSNSPublisher(ctx, cfg.EventsTopicARN, cfg.SNSRegion, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	return pub, nil
}

// RunBackground runs the trigger, the cleanup job and, when a queue is
// configured, the worker pool until ctx is cancelled.
func RunBackground(ctx context.Context, d *Deps, cfg *config.Config, ch *Channels, pub events.Publisher, logger *zap.Logger) error {
	cleanup, err := scheduler.NewCleanup(d.Store, scheduler.CleanupConfig{
		Schedule:      cfg.CleanupSchedule,
		OlderThanDays: cfg.CleanupOlderThanDays,
	}, observ.Component(logger, "cleanup"))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cleanup.Start(ctx) })

	if d.Queue == nil {
		logger.Warn("no delivery queue configured; reminders will not be dispatched")
		return g.Wait()
	}

	trigger := scheduler.NewTrigger(d.Store, d.Queue, scheduler.Config{
		Interval:  cfg.TriggerInterval,
		BatchSize: cfg.TriggerBatchSize,
		ClaimTTL:  cfg.ClaimTTL,
		Backoff:   Backoff(cfg),
	}, observ.Component(logger, "trigger"))
	w := worker.New(d.Store, d.Queue, ch.Email, ch.SMS, pub, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		HeartbeatInterval: cfg.QueueVisibilityTimeout / 3,
		ClaimTTL:          cfg.ClaimTTL,
	}, observ.Component(logger, "worker"))

	g.Go(func() error { return trigger.Start(ctx) })
	g.Go(func() error { return w.Start(ctx) })
	return g.Wait()
}
