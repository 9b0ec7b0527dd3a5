package labflow

import (
	brokerpkg "github.com/drblury/labflow/internal/broker"
	ackpkg "github.com/drblury/labflow/internal/broker/ack"
	configpkg "github.com/drblury/labflow/internal/broker/config"
	dispatchpkg "github.com/drblury/labflow/internal/broker/dispatch"
	idspkg "github.com/drblury/labflow/internal/broker/ids"
	ledgerpkg "github.com/drblury/labflow/internal/broker/ledger"
	loggingpkg "github.com/drblury/labflow/internal/broker/logging"
	metricspkg "github.com/drblury/labflow/internal/broker/metrics"
	normalizepkg "github.com/drblury/labflow/internal/broker/normalize"
	protocolpkg "github.com/drblury/labflow/internal/broker/protocol"
	resultpkg "github.com/drblury/labflow/internal/broker/result"
	sessionpkg "github.com/drblury/labflow/internal/broker/session"
	transportpkg "github.com/drblury/labflow/transport"

	// Register the built-in protocol adapters.
	_ "github.com/drblury/labflow/transport/transports"
)

type (
	Config              = configpkg.Config
	InstrumentConfig    = configpkg.InstrumentConfig
	Service             = brokerpkg.Service
	ServiceDependencies = brokerpkg.ServiceDependencies

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Canonical result model.
	ResultMessage = resultpkg.ResultMessage
	Value         = resultpkg.Value
	ValueKind     = resultpkg.ValueKind
	Flag          = resultpkg.Flag
	Flags         = resultpkg.Flags

	// Protocol layer.
	ProtocolKind = protocolpkg.Kind
	RawFrame     = protocolpkg.RawFrame
	Decoder      = protocolpkg.Decoder
	Normalizer   = normalizepkg.Normalizer

	// Error taxonomy.
	DecodeError                 = protocolpkg.DecodeError
	FramingError                = protocolpkg.FramingError
	NormalizationError          = protocolpkg.NormalizationError
	UnsupportedMessageTypeError = protocolpkg.UnsupportedMessageTypeError

	// Delivery ledger.
	DeliveryRecord = ledgerpkg.Record
	DeliveryStatus = ledgerpkg.Status
	LedgerStore    = ledgerpkg.Store
	AdmitDecision  = ledgerpkg.Decision

	// Dispatch.
	Pipeline       = dispatchpkg.Pipeline
	FuncPipeline   = dispatchpkg.FuncPipeline
	Lookup         = dispatchpkg.Lookup
	LookupFunc     = dispatchpkg.LookupFunc
	Alert          = dispatchpkg.Alert
	Alerter        = dispatchpkg.Alerter
	AlerterFunc    = dispatchpkg.AlerterFunc
	RetryConfig    = dispatchpkg.RetryConfig
	DispatchError  = dispatchpkg.FatalError
	DeliveryMetric = metricspkg.Metrics

	// Sessions and acknowledgements.
	SessionSnapshot = sessionpkg.Snapshot
	SessionState    = sessionpkg.State
	AckOutcome      = ackpkg.Outcome

	// Transport extension points.
	TransportListener = transportpkg.Listener
	TransportBuilder  = transportpkg.Builder
	TransportDeps     = transportpkg.Deps
	TransportRegistry = transportpkg.Registry
)

// Delivery record statuses.
const (
	StatusPending   = ledgerpkg.StatusPending
	StatusDelivered = ledgerpkg.StatusDelivered
	StatusFailed    = ledgerpkg.StatusFailed
)

// Protocol kinds.
const (
	KindASTM  = protocolpkg.KindASTM
	KindHL7v2 = protocolpkg.KindHL7v2
	KindFHIR  = protocolpkg.KindFHIR
)

var (
	NewService    = brokerpkg.NewService
	TryNewService = brokerpkg.TryNewService
	LoadConfig    = configpkg.Load

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewNopLogger            = loggingpkg.NewNopLogger

	NewMemoryStore   = ledgerpkg.NewMemoryStore
	NewSQLiteStore   = ledgerpkg.NewSQLiteStore
	NewPostgresStore = ledgerpkg.NewPostgresStore

	// MessageID derives the stable delivery identity used for
	// retransmission detection.
	MessageID = idspkg.MessageID

	// FatalDispatchError marks a pipeline failure as permanent so the
	// router fails the record without retrying.
	FatalDispatchError = dispatchpkg.Fatal

	RegisterTransport = transportpkg.Register
	RegisterDecoder   = protocolpkg.Register
)
