// Package dispatch routes canonical result messages to the downstream
// results pipeline: one ordered queue per instrument, bounded
// exponential-backoff retries, and an operator alert whenever a message is
// permanently failed instead of being dropped.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/labflow/internal/broker/ledger"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/metrics"
	"github.com/drblury/labflow/internal/broker/result"
)

// RetryConfig customises the retry behaviour for retryable failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return cfg
}

// Alert describes a delivery that was permanently failed.
type Alert struct {
	MessageID    string
	InstrumentID string
	SampleID     string
	Attempts     int
	LastError    string
	RaisedAt     time.Time
}

// Alerter surfaces permanently failed deliveries to operators.
type Alerter interface {
	RaiseAlert(ctx context.Context, alert Alert)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, alert Alert)

func (f AlerterFunc) RaiseAlert(ctx context.Context, alert Alert) { f(ctx, alert) }

// logAlerter is the default Alerter; it writes an error log entry.
type logAlerter struct {
	logger logging.ServiceLogger
}

func (a logAlerter) RaiseAlert(ctx context.Context, alert Alert) {
	a.logger.Error("Delivery permanently failed", fmt.Errorf("%s", alert.LastError), logging.LogFields{
		"message_id":    alert.MessageID,
		"instrument_id": alert.InstrumentID,
		"sample_id":     alert.SampleID,
		"attempts":      alert.Attempts,
	})
}

const defaultQueueSize = 128

// Router dispatches admitted messages to the pipeline. Messages from the
// same instrument are delivered in admission order; distinct instruments
// proceed in parallel.
type Router struct {
	pipeline Pipeline
	ledger   *ledger.Ledger
	lookup   Lookup
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	alerter  Alerter
	retry    RetryConfig
	// instrumentRetry holds per-instrument overrides; zero fields fall back
	// to the global policy.
	instrumentRetry map[string]RetryConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	queues map[string]chan result.ResultMessage
	closed bool
	wg     sync.WaitGroup
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg RetryConfig) RouterOption {
	return func(r *Router) { r.retry = cfg }
}

// WithInstrumentRetry installs per-instrument retry overrides keyed by
// instrument id. Fields left zero inherit the global policy.
func WithInstrumentRetry(overrides map[string]RetryConfig) RouterOption {
	return func(r *Router) { r.instrumentRetry = overrides }
}

// WithAlerter overrides the default logging alerter.
func WithAlerter(a Alerter) RouterOption {
	return func(r *Router) { r.alerter = a }
}

// WithLookup installs a read-only patient/sample registry check that runs
// before the first delivery attempt. A lookup rejection is fatal.
func WithLookup(l Lookup) RouterOption {
	return func(r *Router) { r.lookup = l }
}

// NewRouter creates a Router over the given pipeline and ledger. The ledger
// must not be nil; every dispatched message already has a pending record.
func NewRouter(pipeline Pipeline, ldg *ledger.Ledger, logger logging.ServiceLogger, m *metrics.Metrics, opts ...RouterOption) *Router {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		pipeline: pipeline,
		ledger:   ldg,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		queues:   make(map[string]chan result.ResultMessage),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry = r.retry.withDefaults()
	if r.alerter == nil {
		r.alerter = logAlerter{logger: logger}
	}
	return r
}

// Enqueue hands a message to the instrument's delivery queue, creating the
// queue and its worker on first use. It blocks while the queue is full, which
// back-pressures the session that admitted the message.
func (r *Router) Enqueue(msg result.ResultMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("dispatch: router is closed")
	}
	queue, ok := r.queues[msg.InstrumentID]
	if !ok {
		queue = make(chan result.ResultMessage, defaultQueueSize)
		r.queues[msg.InstrumentID] = queue
		r.wg.Add(1)
		go r.worker(msg.InstrumentID, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- msg:
		return nil
	case <-r.done:
		return fmt.Errorf("dispatch: router is closed")
	}
}

// Close stops accepting messages, drains the queues and waits for in-flight
// deliveries to conclude. The queue channels are never closed, so a session
// blocked in Enqueue unblocks with an error instead of panicking.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	r.cancel()
}

func (r *Router) worker(instrumentID string, queue <-chan result.ResultMessage) {
	defer r.wg.Done()
	for {
		select {
		case msg := <-queue:
			r.dispatch(r.ctx, msg)
		case <-r.done:
			// Deliver everything admitted before shutdown, then stop.
			for {
				select {
				case msg := <-queue:
					r.dispatch(r.ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg result.ResultMessage) {
	tracer := otel.Tracer("labflow-dispatch")
	ctx, span := tracer.Start(ctx, "DispatchResult")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.MessageID),
		attribute.String("message.instrument_id", msg.InstrumentID),
		attribute.String("message.sample_id", msg.SampleID),
	)

	start := time.Now()
	attempts, err := r.deliver(ctx, msg)
	r.metrics.DispatchDuration(msg.InstrumentID, time.Since(start).Seconds())

	if err == nil {
		r.metrics.DispatchOutcome(msg.InstrumentID, string(OutcomeDelivered))
		if err := r.ledger.MarkDelivered(ctx, msg.MessageID, attempts); err != nil {
			r.logger.Error("Failed to record delivery", err, logging.LogFields{
				"message_id": msg.MessageID,
			})
		}
		r.logger.Debug("Delivered result message", logging.LogFields{
			"message_id":    msg.MessageID,
			"instrument_id": msg.InstrumentID,
			"attempts":      attempts,
		})
		return
	}

	outcome := OutcomeRetriesExhausted
	if IsFatal(err) {
		outcome = OutcomeFatal
	}
	r.metrics.DispatchOutcome(msg.InstrumentID, string(outcome))

	if markErr := r.ledger.MarkFailed(ctx, msg.MessageID, attempts, err); markErr != nil {
		r.logger.Error("Failed to record delivery failure", markErr, logging.LogFields{
			"message_id": msg.MessageID,
		})
	}

	r.metrics.AlertRaised()
	r.alerter.RaiseAlert(ctx, Alert{
		MessageID:    msg.MessageID,
		InstrumentID: msg.InstrumentID,
		SampleID:     msg.SampleID,
		Attempts:     attempts,
		LastError:    err.Error(),
		RaisedAt:     time.Now(),
	})
}

// retryFor resolves the retry policy for an instrument: the global policy
// with any per-instrument override fields applied on top.
func (r *Router) retryFor(instrumentID string) RetryConfig {
	cfg := r.retry
	o, ok := r.instrumentRetry[instrumentID]
	if !ok {
		return cfg
	}
	if o.MaxAttempts > 0 {
		cfg.MaxAttempts = o.MaxAttempts
	}
	if o.InitialInterval > 0 {
		cfg.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		cfg.MaxInterval = o.MaxInterval
	}
	if o.Multiplier > 0 {
		cfg.Multiplier = o.Multiplier
	}
	return cfg
}

// deliver runs the bounded retry loop and returns the number of attempts
// made. Fatal errors stop the loop immediately.
func (r *Router) deliver(ctx context.Context, msg result.ResultMessage) (int, error) {
	if r.lookup != nil {
		if err := r.lookup.Validate(ctx, msg.PatientExternalID, msg.SampleID); err != nil {
			if IsFatal(err) {
				return 0, err
			}
			return 0, Fatal("reference lookup rejected message", err)
		}
	}

	retry := r.retryFor(msg.InstrumentID)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retry.InitialInterval
	expo.MaxInterval = retry.MaxInterval
	expo.Multiplier = retry.Multiplier

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		r.metrics.DispatchAttempt(msg.InstrumentID)
		err := r.pipeline.Deliver(ctx, msg)
		if err == nil {
			return struct{}{}, nil
		}
		if IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.logger.Debug("Retryable delivery failure", logging.LogFields{
			"message_id": msg.MessageID,
			"attempt":    attempts,
			"error":      err.Error(),
		})
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(retry.MaxAttempts)),
	)
	return attempts, err
}
