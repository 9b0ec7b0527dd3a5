// Package fhirhttp implements the FHIR R4 inbound endpoint: each HTTP POST
// of an Observation bundle or DiagnosticReport is one frame, answered with a
// status code and an OperationOutcome body. Requests are stateless; there is
// no session handshake beyond the HTTP exchange.
package fhirhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/labflow/internal/broker/ack"
	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/jsoncodec"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/session"
	"github.com/drblury/labflow/transport"
)

func init() {
	transport.Register(protocol.KindFHIR, Build)
}

// maxBodySize bounds an inbound FHIR bundle.
const maxBodySize = 16 * 1024 * 1024

// OperationOutcome is the minimal FHIR outcome resource returned for every
// request.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue"`
}

// OutcomeIssue is one issue entry in an OperationOutcome.
type OutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Build creates a FHIR HTTP listener for one instrument endpoint.
func Build(cfg config.InstrumentConfig, deps transport.Deps) (transport.Listener, error) {
	return &Listener{cfg: cfg, deps: deps}, nil
}

// Listener serves the FHIR inbound endpoint for one instrument.
type Listener struct {
	cfg  config.InstrumentConfig
	deps transport.Deps

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
	sess   *session.Session
	closed bool
}

// Run binds the endpoint and serves until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("fhir: failed to listen on %s: %w", l.cfg.ListenAddress, err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Post("/fhir/Observation", l.handlePost)
	router.Post("/fhir/DiagnosticReport", l.handlePost)
	router.Post("/fhir/Bundle", l.handlePost)

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: l.cfg.AckTimeout,
		IdleTimeout:       l.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sess := session.New(l.cfg.ID, protocol.KindFHIR, l.cfg.ListenAddress)
	if previous := l.deps.Sessions.Add(sess); previous != nil {
		previous.SetState(session.StateDisconnected)
	}
	l.deps.Metrics.SessionOpened(string(protocol.KindFHIR))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.server = server
	l.sess = sess
	l.mu.Unlock()

	l.deps.Logger.Info("FHIR listener started", logging.LogFields{
		"instrument_id": l.cfg.ID,
		"address":       ln.Addr().String(),
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	defer func() {
		sess.SetState(session.StateDisconnected)
		l.deps.Sessions.Remove(sess)
		l.deps.Metrics.SessionClosed(string(protocol.KindFHIR))
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("fhir: server failed: %w", err)
	}
	return nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return l.cfg.ListenAddress
	}
	return l.ln.Addr().String()
}

// Close shuts the server down gracefully.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	server := l.server
	l.mu.Unlock()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (l *Listener) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		l.respond(w, http.StatusBadRequest, "error", "invalid", "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		l.respond(w, http.StatusRequestEntityTooLarge, "error", "too-long", "request body too large")
		return
	}

	l.mu.Lock()
	sess := l.sess
	l.mu.Unlock()
	l.deps.Metrics.FrameReceived(l.cfg.ID, string(protocol.KindFHIR))

	msg, handleErr := l.deps.Handler.HandleFrame(r.Context(), protocol.RawFrame{
		InstrumentID: l.cfg.ID,
		Kind:         protocol.KindFHIR,
		Payload:      body,
		Received:     time.Now(),
	})

	outcome := ack.Classify(handleErr)
	status := l.deps.Responder.FHIRStatus(outcome)

	if outcome == ack.OutcomeIgnored {
		// Parseable but not a result-bearing resource; acknowledged without
		// dispatch.
		l.respond(w, status, "warning", "not-supported", handleErr.Error())
		return
	}

	if handleErr != nil {
		if sess != nil {
			sess.FrameRejected()
		}
		l.deps.Metrics.DecodeError(l.cfg.ID, string(protocol.KindFHIR))
		l.deps.Logger.Debug("FHIR request rejected", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"status":        status,
			"error":         handleErr.Error(),
		})
		l.respond(w, status, "error", "processing", handleErr.Error())
		return
	}

	if sess != nil && msg != nil {
		sess.FrameReceived(msg.NativeSequence())
	}
	l.respond(w, status, "information", "informational", "accepted")
}

func (l *Listener) respond(w http.ResponseWriter, status int, severity, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	outcome := OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OutcomeIssue{{Severity: severity, Code: code, Diagnostics: diagnostics}},
	}
	payload, err := jsoncodec.Marshal(outcome)
	if err != nil {
		return
	}
	w.Write(payload)
}
