package alert

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deliveryTimeout bounds one delivery including retries.
const deliveryTimeout = 30 * time.Second

// Dispatcher fans out events to matching webhook configurations.
type Dispatcher struct {
	hooks  []Webhook
	logger *zap.Logger
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger delivery failures are reported to.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if hooks is empty; every method is nil-safe.
func NewDispatcher(hooks []Webhook, opts ...Option) *Dispatcher {
	if len(hooks) == 0 {
		return nil
	}
	d := &Dispatcher{hooks: hooks, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("mod", "alert"))
	return d
}

// Dispatch sends the event to all webhooks subscribed to its type.
// Delivery runs in the background; Wait blocks until it finishes.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, hook := range d.hooks {
		if !slices.Contains(hook.Events, event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(hook Webhook) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := Send(ctx, hook, event); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("url", hook.URL),
					zap.String("event", event.Type),
					zap.Error(err))
			}
		}(hook)
	}
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
