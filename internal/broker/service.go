// Package broker wires the instrument-integration service: transports feed
// frames in, decoders and the normalizer turn them into canonical result
// messages, the ledger deduplicates them, and the dispatch router delivers
// them to the results pipeline.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/labflow/internal/broker/ack"
	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/dispatch"
	brokererrors "github.com/drblury/labflow/internal/broker/errors"
	"github.com/drblury/labflow/internal/broker/jsoncodec"
	"github.com/drblury/labflow/internal/broker/ledger"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/metrics"
	"github.com/drblury/labflow/internal/broker/normalize"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/result"
	"github.com/drblury/labflow/internal/broker/session"
	"github.com/drblury/labflow/transport"
)

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	// Pipeline overrides the configured delivery pipeline.
	Pipeline dispatch.Pipeline
	// Store overrides the configured ledger backend.
	Store ledger.Store
	// Lookup validates patient/sample references before dispatch.
	Lookup dispatch.Lookup
	// Alerter receives operator alerts for permanently failed deliveries.
	Alerter dispatch.Alerter
	// Registerer receives the broker metrics. Defaults to the global
	// Prometheus registerer when metrics are enabled.
	Registerer prometheus.Registerer
	// Transports overrides the default listener registry.
	Transports *transport.Registry
}

// Service is the instrument-integration broker.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	decoders   *protocol.Registry
	normalizer normalize.Normalizer
	ledger     *ledger.Ledger
	store      ledger.Store
	router     *dispatch.Router
	responder  *ack.Responder
	sessions   *session.Registry
	metrics    *metrics.Metrics

	listeners []transport.Listener
	results   chan result.ResultMessage

	metricsServer *http.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewService constructs a Service for the supplied configuration, panicking
// on invalid configuration. Use TryNewService to handle the error instead.
func NewService(conf *config.Config, logger logging.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, logger, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration.
func TryNewService(conf *config.Config, logger logging.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, fmt.Errorf("labflow: configuration is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	normalized := conf.WithDefaults()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	conf = &normalized

	logger.Info("Creating broker service", logging.LogFields{
		"instruments": len(conf.Instruments),
		"pipeline":    conf.Pipeline,
		"ledger":      conf.LedgerBackend,
		"config":      conf,
	})

	s := &Service{
		Conf:       conf,
		Logger:     logger,
		decoders:   protocol.DefaultRegistry,
		normalizer: normalize.Normalizer{},
		responder:  ack.NewResponder(),
		sessions:   session.NewRegistry(),
	}

	if conf.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m, err := metrics.New(registerer)
		if err != nil {
			return nil, fmt.Errorf("labflow: failed to register metrics: %w", err)
		}
		s.metrics = m
	}

	store, err := s.buildStore(deps)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.ledger = ledger.New(store, logger, s.metrics)

	pipeline, err := s.buildPipeline(deps)
	if err != nil {
		return nil, err
	}

	routerOpts := []dispatch.RouterOption{
		dispatch.WithRetryConfig(dispatch.RetryConfig{
			MaxAttempts:     conf.RetryMaxAttempts,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
		}),
	}
	if overrides := instrumentRetryOverrides(conf); len(overrides) > 0 {
		routerOpts = append(routerOpts, dispatch.WithInstrumentRetry(overrides))
	}
	if deps.Lookup != nil {
		routerOpts = append(routerOpts, dispatch.WithLookup(deps.Lookup))
	}
	if deps.Alerter != nil {
		routerOpts = append(routerOpts, dispatch.WithAlerter(deps.Alerter))
	}
	s.router = dispatch.NewRouter(pipeline, s.ledger, logger, s.metrics, routerOpts...)

	if err := s.buildListeners(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// instrumentRetryOverrides collects the per-instrument retry settings from
// the configuration.
func instrumentRetryOverrides(conf *config.Config) map[string]dispatch.RetryConfig {
	overrides := make(map[string]dispatch.RetryConfig)
	for _, inst := range conf.Instruments {
		if inst.RetryMaxAttempts <= 0 && inst.RetryBackoffBase <= 0 {
			continue
		}
		overrides[inst.ID] = dispatch.RetryConfig{
			MaxAttempts:     inst.RetryMaxAttempts,
			InitialInterval: inst.RetryBackoffBase,
		}
	}
	return overrides
}

func (s *Service) buildStore(deps ServiceDependencies) (ledger.Store, error) {
	if deps.Store != nil {
		return deps.Store, nil
	}
	switch s.Conf.LedgerBackend {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "sqlite":
		return ledger.NewSQLiteStore(s.Conf.SQLiteFile)
	case "postgres":
		return ledger.NewPostgresStore(s.Conf.PostgresURL)
	default:
		return nil, brokererrors.ErrLedgerStoreRequired
	}
}

func (s *Service) buildPipeline(deps ServiceDependencies) (dispatch.Pipeline, error) {
	if deps.Pipeline != nil {
		return deps.Pipeline, nil
	}

	wmLogger := logging.NewWatermillAdapter(s.Logger)
	switch s.Conf.Pipeline {
	case "nats":
		return dispatch.NewNATSPipeline(s.Conf.NATSURL, s.Conf.PipelineTopic, wmLogger)
	case "http":
		return dispatch.NewHTTPPipeline(s.Conf.HTTPPublisherURL, s.Conf.PipelineTopic, wmLogger)
	case "channel":
		s.results = make(chan result.ResultMessage, 256)
		return dispatch.FuncPipeline(func(ctx context.Context, msg result.ResultMessage) error {
			select {
			case s.results <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	default:
		return nil, brokererrors.ErrPipelineRequired
	}
}

func (s *Service) buildListeners(deps ServiceDependencies) error {
	build := transport.Build
	if deps.Transports != nil {
		build = deps.Transports.Build
	}
	transportDeps := transport.Deps{
		Handler:   s,
		Responder: s.responder,
		Sessions:  s.sessions,
		Logger:    s.Logger,
		Metrics:   s.metrics,
	}
	for _, inst := range s.Conf.Instruments {
		listener, err := build(inst, transportDeps)
		if err != nil {
			return fmt.Errorf("labflow: instrument %s: %w", inst.ID, err)
		}
		s.listeners = append(s.listeners, listener)
	}
	return nil
}

// Results returns the in-process delivery channel. It is non-nil only when
// the configured pipeline is "channel".
func (s *Service) Results() <-chan result.ResultMessage {
	return s.results
}

// Sessions returns a point-in-time snapshot of every active instrument
// session.
func (s *Service) Sessions() []session.Snapshot {
	return s.sessions.Snapshots()
}

// Ledger exposes the delivery ledger for introspection tooling.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// HandleFrame implements transport.Handler: decode, normalise, record each
// message in the ledger and enqueue new ones for dispatch. The returned
// message is the decoded protocol message when decoding succeeded.
func (s *Service) HandleFrame(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error) {
	msg, err := s.decoders.Decode(frame)
	if err != nil {
		return nil, err
	}

	messages, err := s.normalizer.Normalize(msg, frame)
	if err != nil {
		return msg, err
	}

	for _, rm := range messages {
		s.metrics.MessageNormalized(frame.InstrumentID)
		decision, err := s.ledger.Admit(ctx, rm, frame.Payload)
		if err != nil {
			return msg, fmt.Errorf("labflow: failed to record message %s: %w", rm.MessageID, err)
		}
		switch decision {
		case ledger.DecisionNew, ledger.DecisionRedeliver:
			if err := s.router.Enqueue(rm); err != nil {
				return msg, fmt.Errorf("labflow: failed to enqueue message %s: %w", rm.MessageID, err)
			}
		case ledger.DecisionDuplicate:
			// Already recorded; the instrument still gets a positive ack.
		}
	}
	return msg, nil
}

// recoverPending re-dispatches every record a previous run admitted but
// never concluded. A crash between ledger commit and delivery would
// otherwise strand the record forever: the instrument was already given a
// positive ack, so its retransmission is suppressed as a duplicate.
func (s *Service) recoverPending(ctx context.Context) error {
	records, err := s.ledger.Pending(ctx, 0)
	if err != nil {
		return fmt.Errorf("labflow: failed to scan pending records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	kinds := make(map[string]protocol.Kind, len(s.Conf.Instruments))
	for _, inst := range s.Conf.Instruments {
		kind, err := protocol.ParseKind(inst.Protocol)
		if err != nil {
			continue
		}
		kinds[inst.ID] = kind
	}

	requeued := 0
	for _, rec := range records {
		if err := s.requeueRecord(ctx, rec, kinds); err != nil {
			s.Logger.Error("Failed to recover pending record", err, logging.LogFields{
				"message_id":    rec.MessageID,
				"instrument_id": rec.InstrumentID,
			})
			// The record cannot be replayed; conclude it as failed so the
			// loss is durable and operator-visible instead of silent.
			if markErr := s.ledger.MarkFailed(ctx, rec.MessageID, 0, err); markErr != nil {
				s.Logger.Error("Failed to mark unrecoverable record", markErr, logging.LogFields{
					"message_id": rec.MessageID,
				})
			}
			continue
		}
		requeued++
	}

	s.Logger.Info("Recovered pending delivery records", logging.LogFields{
		"pending":  len(records),
		"requeued": requeued,
	})
	return nil
}

// requeueRecord replays one pending record through decode and normalize and
// hands its message back to the dispatch router.
func (s *Service) requeueRecord(ctx context.Context, rec ledger.Record, kinds map[string]protocol.Kind) error {
	kind, ok := kinds[rec.InstrumentID]
	if !ok {
		return fmt.Errorf("no configured instrument %q", rec.InstrumentID)
	}
	if len(rec.RawMessage) == 0 {
		return fmt.Errorf("record carries no raw message to replay")
	}

	frame := protocol.RawFrame{
		InstrumentID: rec.InstrumentID,
		Kind:         kind,
		Payload:      rec.RawMessage,
		Received:     rec.FirstSeen,
	}
	msg, err := s.decoders.Decode(frame)
	if err != nil {
		return err
	}
	messages, err := s.normalizer.Normalize(msg, frame)
	if err != nil {
		return err
	}
	for _, rm := range messages {
		if rm.MessageID == rec.MessageID {
			return s.router.Enqueue(rm)
		}
	}
	return fmt.Errorf("raw message no longer yields message %s", rec.MessageID)
}

// Start runs the metrics endpoint and every configured listener until the
// context is cancelled. It returns the first listener error, or nil on
// clean shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return brokererrors.ErrServiceStopped
	}
	s.started = true
	s.mu.Unlock()

	s.startMetricsServer()

	if err := s.recoverPending(ctx); err != nil {
		// Recovery failure leaves the records pending; the next start
		// retries them. Do not hold the instruments hostage for it.
		s.Logger.Error("Pending record recovery failed", err, nil)
	}

	errCh := make(chan error, len(s.listeners))
	var wg sync.WaitGroup
	for _, listener := range s.listeners {
		wg.Add(1)
		go func(l transport.Listener) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				errCh <- err
			}
		}(listener)
	}

	wg.Wait()
	s.shutdown()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Stop tears the service down outside of Start's context cancellation.
func (s *Service) Stop() {
	for _, listener := range s.listeners {
		listener.Close()
	}
	s.shutdown()
}

func (s *Service) shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	// Drain in-flight deliveries before closing the store they record to.
	s.router.Close()
	if s.results != nil {
		close(s.results)
	}
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := s.store.Close(); err != nil {
		s.Logger.Error("Failed to close ledger store", err, nil)
	}
	s.Logger.Info("Broker service stopped", nil)
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sessions", s.handleSessions)
	s.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Conf.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.Logger.Info("Metrics server started", logging.LogFields{"port": s.Conf.MetricsPort})
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("Metrics server failed", err, nil)
		}
	}()
}

// handleSessions serves the active session snapshot as JSON, next to the
// metrics endpoint.
func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload, err := jsoncodec.Marshal(s.Sessions())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(payload)
}
