package notify

import (
	"context"
	"time"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/async"
	"github.com/platinummonkey/strata/pkg/observability"
)

// Subscriber receives limit events. Delivery is at-least-once per subscriber
// with retries; subscribers must tolerate duplicates.
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, event admission.Event) error
}

// Config tunes the dispatcher.
type Config struct {
	// Workers is the delivery pool size.
	Workers int
	// Retries per subscriber per event.
	Retries int
	// RetryBackoff is the base delay between retries, doubled each attempt.
	RetryBackoff time.Duration
	// DeliveryTimeout bounds one delivery attempt.
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher queues events and delivers them to every subscriber.
type Dispatcher struct {
	cfg         Config
	subscribers []Subscriber
	pool        *async.WorkerPool
	logger      *observability.Logger
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(ctx context.Context, cfg Config, logger *observability.Logger, subscribers ...Subscriber) *Dispatcher {
	cfg = cfg.withDefaults()
	poolTimeout := cfg.DeliveryTimeout * time.Duration(cfg.Retries+1) * 2
	return &Dispatcher{
		cfg:         cfg,
		subscribers: subscribers,
		pool:        async.NewWorkerPool(ctx, cfg.Workers, "limit notifications", poolTimeout),
		logger:      logger,
	}
}

// Dispatch enqueues an event for delivery. Never blocks the caller beyond a
// channel send; suitable for use as an admission OnEvent hook.
func (d *Dispatcher) Dispatch(event admission.Event) {
	err := d.pool.Submit(func(ctx context.Context) error {
		d.deliver(ctx, event)
		return nil
	})
	if err != nil {
		d.logger.WithTenant(event.TenantID).WithError(err).Warn("dropped limit event, dispatcher shut down")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event admission.Event) {
	for _, sub := range d.subscribers {
		backoff := d.cfg.RetryBackoff
		var err error
		for attempt := 0; attempt < d.cfg.Retries; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
			err = sub.Notify(attemptCtx, event)
			cancel()
			if err == nil {
				break
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			d.logger.WithTenant(event.TenantID).
				WithField("subscriber", sub.Name()).
				WithError(err).
				Error("limit event delivery failed")
		}
	}
}

// Shutdown drains queued deliveries.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}
