package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/notify"
)

// RunMailWorker consumes queued order confirmations and sends them over
// SMTP until ctx is cancelled.
func RunMailWorker(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	if cfg.AMQP.URL == "" {
		return errors.New("amqp URL is required: set AROMA_AMQP_URL or AMQP_URL")
	}
	sender, err := notify.NewSMTPSender(smtpConfig(cfg))
	if err != nil {
		return errors.Wrap(err, "create smtp sender")
	}

	q, err := notify.DialQueue(queueConfig(cfg))
	if err != nil {
		return errors.Wrap(err, "dial amqp")
	}
	defer q.Close()

	worker := q.Worker(notify.NewMailer(sender))
	lg.Info("Mail worker consuming",
		zap.String("queue", cfg.AMQP.Queue),
		zap.Int("max_retries", cfg.AMQP.MaxRetries),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "consume")
	}
	return nil
}
