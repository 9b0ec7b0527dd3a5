// Package astm implements the ASTM E1381 TCP listener: the ENQ/ACK/EOT link
// layer, per-frame checksum acknowledgement, and assembly of frames into one
// record stream handed to the broker at the terminator record.
package astm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/drblury/labflow/internal/broker/ack"
	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/astm"
	"github.com/drblury/labflow/internal/broker/session"
	"github.com/drblury/labflow/transport"
)

func init() {
	transport.Register(protocol.KindASTM, Build)
}

// maxFrameSize bounds a single E1381 frame; the standard caps frames at 247
// bytes but some analyzers send oversized frames, so allow generous slack.
const maxFrameSize = 64 * 1024

// Build creates an ASTM listener for one instrument endpoint.
func Build(cfg config.InstrumentConfig, deps transport.Deps) (transport.Listener, error) {
	return &Listener{cfg: cfg, deps: deps, conns: make(map[net.Conn]struct{})}, nil
}

// Listener accepts analyzer connections on one TCP endpoint. One session per
// connection; a reconnect for the same instrument replaces the previous
// session.
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
		return fmt.Errorf("astm: failed to listen on %s: %w", l.cfg.ListenAddress, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	l.deps.Logger.Info("ASTM listener started", logging.LogFields{
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
			return fmt.Errorf("astm: accept failed: %w", err)
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

// serve runs the E1381 link-layer state machine for one connection.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := session.New(l.cfg.ID, protocol.KindASTM, conn.RemoteAddr().String())
	if previous := l.deps.Sessions.Add(sess); previous != nil {
		previous.SetState(session.StateDisconnected)
	}
	l.deps.Metrics.SessionOpened(string(protocol.KindASTM))
	defer func() {
		sess.SetState(session.StateDisconnected)
		l.deps.Sessions.Remove(sess)
		l.deps.Metrics.SessionClosed(string(protocol.KindASTM))
	}()

	l.deps.Logger.Debug("ASTM session opened", logging.LogFields{
		"instrument_id": l.cfg.ID,
		"session_id":    sess.ID(),
		"remote_addr":   conn.RemoteAddr().String(),
	})

	reader := bufio.NewReader(conn)
	// records collects completed frame texts until the terminator record;
	// partial accumulates ETB continuation frames.
	var records []string
	var partial strings.Builder

	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout)); err != nil {
			return
		}
		b, err := reader.ReadByte()
		if err != nil {
			l.logReadError(sess, err)
			return
		}
		sess.Touch()

		switch b {
		case astm.ENQ:
			sess.SetState(session.StateReceiving)
			records = records[:0]
			partial.Reset()
			if !l.write(conn, []byte{astm.ACK}) {
				return
			}
		case astm.EOT:
			sess.SetState(session.StateConnected)
			records = records[:0]
			partial.Reset()
		case astm.STX:
			frameBytes, err := l.readFrameBytes(reader)
			if err != nil {
				l.logReadError(sess, err)
				return
			}
			if !l.handleFrame(ctx, conn, sess, frameBytes, &records, &partial) {
				return
			}
		default:
			// Stray bytes between frames (CR/LF noise) are ignored.
		}
	}
}

// readFrameBytes collects the rest of a frame after its STX, through the
// trailing LF, and returns the complete frame including the STX.
func (l *Listener) readFrameBytes(reader *bufio.Reader) ([]byte, error) {
	buf := []byte{astm.STX}
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if b == astm.LF {
			return buf, nil
		}
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("astm: frame exceeds %d bytes", maxFrameSize)
		}
	}
}

// handleFrame validates one frame, accumulates its text and, at the
// terminator record, hands the assembled message to the broker. The link
// acknowledgement for the terminator frame reflects the ledger commit.
// Returns false when the connection is unusable.
func (l *Listener) handleFrame(ctx context.Context, conn net.Conn, sess *session.Session, frameBytes []byte, records *[]string, partial *strings.Builder) bool {
	frame, _, err := astm.ParseFrame(frameBytes)
	if err != nil {
		sess.FrameRejected()
		var framing *protocol.FramingError
		if errors.As(err, &framing) {
			l.deps.Metrics.FramingError(l.cfg.ID, string(protocol.KindASTM))
		} else {
			l.deps.Metrics.DecodeError(l.cfg.ID, string(protocol.KindASTM))
		}
		l.deps.Logger.Debug("Rejected ASTM frame", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"error":         err.Error(),
		})
		return l.write(conn, []byte{astm.NAK})
	}

	partial.WriteString(frame.Text)
	if frame.Partial {
		return l.write(conn, []byte{astm.ACK})
	}

	text := partial.String()
	partial.Reset()
	*records = append(*records, text)
	l.deps.Metrics.FrameReceived(l.cfg.ID, string(protocol.KindASTM))

	if !strings.HasPrefix(text, "L") {
		sess.FrameReceived("")
		return l.write(conn, []byte{astm.ACK})
	}

	// Terminator record: the whole message is assembled.
	payload := strings.Join(*records, "\r") + "\r"
	*records = (*records)[:0]

	msg, handleErr := l.deps.Handler.HandleFrame(ctx, protocol.RawFrame{
		InstrumentID: l.cfg.ID,
		Kind:         protocol.KindASTM,
		Payload:      []byte(payload),
		Received:     time.Now(),
	})
	outcome := ack.Classify(handleErr)
	if handleErr != nil {
		sess.FrameRejected()
		l.deps.Logger.Debug("ASTM message rejected", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"error":         handleErr.Error(),
		})
	} else if msg != nil {
		sess.FrameReceived(msg.NativeSequence())
	}
	return l.write(conn, l.deps.Responder.ASTM(outcome))
}

func (l *Listener) write(conn net.Conn, b []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.AckTimeout)); err != nil {
		return false
	}
	if _, err := conn.Write(b); err != nil {
		l.deps.Logger.Debug("ASTM write failed", logging.LogFields{
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
		l.deps.Logger.Info("ASTM session timed out", logging.LogFields{
			"instrument_id": l.cfg.ID,
			"session_id":    sess.ID(),
			"error":         timeout.Error(),
		})
		return
	}
	l.deps.Logger.Debug("ASTM session closed", logging.LogFields{
		"instrument_id": l.cfg.ID,
		"session_id":    sess.ID(),
		"error":         err.Error(),
	})
}
