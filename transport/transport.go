// Package transport defines the listener abstraction shared by the
// protocol-specific adapters and the registry that maps a protocol kind to
// its listener builder. Adapters register themselves from init functions in
// their own packages, so importing an adapter package is enough to make its
// protocol available.
package transport

import (
	"context"

	"github.com/drblury/labflow/internal/broker/ack"
	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/metrics"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/session"
)

// Handler consumes one raw frame: decode, normalise, record, enqueue. The
// returned message is the decoded protocol message when one was parsed, so
// adapters can build protocol-native acknowledgements from it; it may be nil
// when the error occurred before decoding finished.
type Handler interface {
	HandleFrame(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error)

func (f HandlerFunc) HandleFrame(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error) {
	return f(ctx, frame)
}

// Deps are the collaborators every listener needs.
type Deps struct {
	Handler   Handler
	Responder *ack.Responder
	Sessions  *session.Registry
	Logger    logging.ServiceLogger
	Metrics   *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Responder == nil {
		d.Responder = ack.NewResponder()
	}
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	return d
}

// Listener accepts instrument connections on one configured endpoint and
// feeds complete frames to the handler.
type Listener interface {
	// Run serves until the context is cancelled or a non-recoverable
	// listener error occurs.
	Run(ctx context.Context) error
	// Addr returns the bound listen address, once Run has bound it.
	Addr() string
	// Close stops accepting connections and tears down active sessions.
	Close() error
}

// Builder creates a listener for one instrument endpoint.
type Builder func(cfg config.InstrumentConfig, deps Deps) (Listener, error)
