// Package broadcaster drains the event outbox into Kafka. Every pass picks
// up NEW and FAILED entries, marks them SENT, publishes them and records the
// outcome, so an event that was recorded but never acknowledged is retried
// after a restart.
package broadcaster

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"carledger/infra/kafka"
	"carledger/infra/monitoring"
	"carledger/infra/outbox"
)

type Options struct {
	// Interval between passes.
	Interval time.Duration
	// MaxRetries is how many failed passes an entry gets before it is left
	// FAILED for an operator. Zero means no limit.
	MaxRetries uint32
	// PublishAttempts and RetryInterval bound the retries inside one pass.
	PublishAttempts int
	RetryInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return o
}

type Broadcaster struct {
	outbox    *outbox.Outbox
	publisher kafka.Publisher
	logger    logrus.FieldLogger
	metrics   *monitoring.Metrics
	opts      Options
}

func New(ob *outbox.Outbox, pub kafka.Publisher, logger logrus.FieldLogger,
	metrics *monitoring.Metrics, opts Options,
) *Broadcaster {
	return &Broadcaster{
		outbox:    ob,
		publisher: pub,
		logger:    logger.WithField("component", "broadcaster"),
		metrics:   metrics,
		opts:      opts.withDefaults(),
	}
}

// Run flushes the outbox every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.WithField("action", "broadcaster_start").
		WithField("interval", b.opts.Interval).
		Info("broadcaster started")

	if err := b.requeueSent(); err != nil {
		return err
	}

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.WithField("action", "broadcaster_stop").Info("broadcaster stopped")
			return nil
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
				b.logger.WithField("action", "broadcaster_flush").
					WithError(err).
					Warn("outbox pass failed")
			}
		}
	}
}

// Flush runs one pass over the outbox and returns how many entries were
// acknowledged by Kafka.
func (b *Broadcaster) Flush(ctx context.Context) (int, error) {
	var pending []outbox.Entry
	collect := func(e outbox.Entry) error {
		if b.opts.MaxRetries > 0 && e.Retries >= b.opts.MaxRetries {
			return nil
		}
		pending = append(pending, e)
		return nil
	}
	if err := b.outbox.ScanByState(outbox.StateNew, collect); err != nil {
		return 0, err
	}
	if err := b.outbox.ScanByState(outbox.StateFailed, collect); err != nil {
		return 0, err
	}

	acked := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		if b.deliver(ctx, e) {
			acked++
		}
	}

	if acked > 0 {
		pruned, err := b.outbox.PruneAcked()
		if err != nil {
			return acked, err
		}
		b.logger.WithField("action", "broadcaster_flush").
			WithField("published", acked).
			WithField("pruned", pruned).
			Debug("outbox pass done")
	}
	return acked, nil
}

func (b *Broadcaster) deliver(ctx context.Context, e outbox.Entry) bool {
	logger := b.logger.WithField("seq", e.Seq).WithField("retries", e.Retries)

	if err := b.outbox.UpdateState(e.Seq, outbox.StateSent, e.Retries); err != nil {
		logger.WithError(err).Warn("could not mark entry sent")
		return false
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.opts.RetryInterval), uint64(b.opts.PublishAttempts-1)),
		ctx)
	err := backoff.Retry(func() error {
		return b.publisher.Publish(ctx, e.Key, e.Payload)
	}, policy)
	b.metrics.TrackPublished(err == nil)

	if err != nil {
		logger.WithField("action", "broadcaster_publish").WithError(err).Warn("publish failed")
		if uerr := b.outbox.UpdateState(e.Seq, outbox.StateFailed, e.Retries+1); uerr != nil {
			logger.WithError(uerr).Warn("could not mark entry failed")
		}
		return false
	}
	if err := b.outbox.UpdateState(e.Seq, outbox.StateAcked, e.Retries); err != nil {
		// stays SENT until the next start requeues it
		logger.WithError(err).Warn("could not mark entry acked")
		return false
	}
	return true
}

// requeueSent marks entries left SENT by a previous run as FAILED. Their
// publish outcome is unknown, so they are delivered again.
func (b *Broadcaster) requeueSent() error {
	var sent []outbox.Entry
	if err := b.outbox.ScanByState(outbox.StateSent, func(e outbox.Entry) error {
		sent = append(sent, e)
		return nil
	}); err != nil {
		return err
	}
	for _, e := range sent {
		if err := b.outbox.UpdateState(e.Seq, outbox.StateFailed, e.Retries); err != nil {
			return err
		}
	}
	if len(sent) > 0 {
		b.logger.WithField("action", "broadcaster_requeue").
			WithField("entries", len(sent)).
			Info("requeued entries with unknown outcome")
	}
	return nil
}

func (b *Broadcaster) Close() error {
	return b.publisher.Close()
}
