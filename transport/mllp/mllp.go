// Package mllp implements the HL7v2 listener: MLLP framing (VT ... FS CR)
// over TCP, with an HL7 ACK message returned for every inbound frame.
package mllp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/drblury/labflow/internal/broker/ack"
	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/hl7"
	"github.com/drblury/labflow/internal/broker/session"
	"github.com/drblury/labflow/transport"
)

func init() {
	transport.Register(protocol.KindHL7v2, Build)
}

// MLLP block characters.
const (
	StartBlock = 0x0B // <VT>
	EndBlock   = 0x1C // <FS>
	CarriageRn = 0x0D // <CR>
)

// maxMessageSize bounds a single MLLP-framed message.
const maxMessageSize = 4 * 1024 * 1024

// Build creates an MLLP listener for one instrument endpoint.
func Build(cfg config.InstrumentConfig, deps transport.Deps) (transport.Listener, error) {
	return &Listener{cfg: cfg, deps: deps, conns: make(map[net.Conn]struct{})}, nil
}

// Listener accepts analyzer connections speaking HL7v2 over MLLP.
type Listener struct {
	cfg  config.InstrumentConfig
	deps transport.Deps

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// Run binds the endpoint and serves until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", l.cfg.ListenAddress, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	l.deps.Logger.Info("MLLP listener started", logging.LogFields{
		"instrument_id": l.cfg.ID,
		"address":       ln.Addr().String(),
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil || l.isClosed() {
				return nil
			}
			return fmt.Errorf("mllp: accept failed: %w", err)
		}
		l.track(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.serve(ctx, conn)
		}()
	}
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

// Close stops the listener and tears down active sessions.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := session.New(l.cfg.ID, protocol.KindHL7v2, conn.RemoteAddr().String())
	if previous := l.deps.Sessions.Add(sess); previous != nil {
		previous.SetState(session.StateDisconnected)
	}
	l.deps.Metrics.SessionOpened(string(protocol.KindHL7v2))
	defer func() {
		sess.SetState(session.StateDisconnected)
		l.deps.Sessions.Remove(sess)
		l.deps.Metrics.SessionClosed(string(protocol.KindHL7v2))
	}()

	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout)); err != nil {
			return
		}
		payload, err := readFrame(reader)
		if err != nil {
			l.logReadError(sess, err)
			return
		}
		sess.SetState(session.StateReceiving)
		l.deps.Metrics.FrameReceived(l.cfg.ID, string(protocol.KindHL7v2))

		msg, handleErr := l.deps.Handler.HandleFrame(ctx, protocol.RawFrame{
			InstrumentID: l.cfg.ID,
			Kind:         protocol.KindHL7v2,
			Payload:      payload,
			Received:     time.Now(),
		})

		inbound, _ := msg.(*hl7.Message)
		if inbound == nil {
			// The decoder rejected the frame; re-parse leniently so the ACK
			// can still echo the control id.
			inbound, _ = hl7.Parse(payload)
		}

		outcome := ack.Classify(handleErr)
		if handleErr != nil {
			sess.FrameRejected()
			l.deps.Metrics.DecodeError(l.cfg.ID, string(protocol.KindHL7v2))
			l.deps.Logger.Debug("HL7 message rejected", logging.LogFields{
				"instrument_id": l.cfg.ID,
				"error":         handleErr.Error(),
			})
		} else if msg != nil {
			sess.FrameReceived(msg.NativeSequence())
		}

		if !l.writeFrame(conn, l.deps.Responder.HL7(inbound, outcome)) {
			return
		}
		sess.SetState(session.StateConnected)
	}
}

// readFrame consumes one MLLP-framed message and returns its payload.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	// Skip to the start block; inter-frame noise is tolerated.
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	var payload []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == EndBlock {
			// The end block is followed by a carriage return.
			if next, err := reader.ReadByte(); err == nil && next != CarriageRn {
				reader.UnreadByte()
			}
			return payload, nil
		}
		payload = append(payload, b)
		if len(payload) > maxMessageSize {
			return nil, fmt.Errorf("mllp: message exceeds %d bytes", maxMessageSize)
		}
	}
}

// writeFrame sends an MLLP-framed reply.
func (l *Listener) writeFrame(conn net.Conn, payload []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.AckTimeout)); err != nil {
		return false
	}
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	framed = append(framed, EndBlock, CarriageRn)
	if _, err := conn.Write(framed); err != nil {
		l.deps.Logger.Debug("MLLP write failed", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"error":         err.Error(),
		})
		return false
	}
	return true
}

func (l *Listener) logReadError(sess *session.Session, err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout := &session.TimeoutError{InstrumentID: l.cfg.ID, Idle: l.cfg.IdleTimeout}
		l.deps.Logger.Info("MLLP session timed out", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"session_id":    sess.ID(),
			"error":         timeout.Error(),
		})
		return
	}
	l.deps.Logger.Debug("MLLP session closed", logging.LogFields{
		"instrument_id": l.cfg.ID,
		"session_id":    sess.ID(),
		"error":         err.Error(),
	})
}
