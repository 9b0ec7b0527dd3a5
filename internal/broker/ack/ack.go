// Package ack builds the protocol-native acknowledgement an instrument
// receives for each frame. The acknowledgement reflects the ledger commit,
// not downstream delivery: once a message is durably recorded the instrument
// is acknowledged, even while dispatch is still retrying.
package ack

import (
	"errors"
	"net/http"
	"time"

	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/astm"
	"github.com/drblury/labflow/internal/broker/protocol/hl7"
)

// Outcome classifies how a frame was handled, for acknowledgement purposes.
type Outcome int

const (
	// OutcomeAccepted means the frame was decoded and every message it
	// carried is durably recorded.
	OutcomeAccepted Outcome = iota
	// OutcomeIgnored means the frame carried a message type the broker does
	// not process; it is acknowledged so the instrument does not retransmit.
	OutcomeIgnored
	// OutcomeRejected means the frame could not be decoded or normalised
	// and the instrument should retransmit.
	OutcomeRejected
	// OutcomeError means an internal failure prevented recording the
	// message.
	OutcomeError
)

// Classify derives the acknowledgement outcome from a frame-handling error.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeAccepted
	}

	var unsupported *protocol.UnsupportedMessageTypeError
	if errors.As(err, &unsupported) {
		return OutcomeIgnored
	}

	var framing *protocol.FramingError
	var decode *protocol.DecodeError
	var normalize *protocol.NormalizationError
	if errors.As(err, &framing) || errors.As(err, &decode) || errors.As(err, &normalize) {
		return OutcomeRejected
	}

	return OutcomeError
}

// Responder builds protocol-native acknowledgement bytes.
type Responder struct {
	now func() time.Time
}

// NewResponder creates a Responder using the wall clock.
func NewResponder() *Responder {
	return &Responder{now: time.Now}
}

// ASTM returns the single ACK or NAK byte for a handled frame. Ignored
// message types are ACKed; the instrument must not retransmit them.
func (r *Responder) ASTM(outcome Outcome) []byte {
	switch outcome {
	case OutcomeAccepted, OutcomeIgnored:
		return astm.BuildAck(true)
	default:
		return astm.BuildAck(false)
	}
}

// HL7 returns the HL7 ACK message for a handled frame. inbound may be nil
// when the frame never parsed; the ACK is then built without echoing the
// sender fields.
func (r *Responder) HL7(inbound *hl7.Message, outcome Outcome) []byte {
	code := hl7.AckAccept
	switch outcome {
	case OutcomeRejected:
		code = hl7.AckError
	case OutcomeError:
		code = hl7.AckReject
	}
	return hl7.BuildAck(inbound, code, r.now())
}

// FHIRStatus returns the HTTP status code for a handled FHIR request.
func (r *Responder) FHIRStatus(outcome Outcome) int {
	switch outcome {
	case OutcomeAccepted:
		return http.StatusCreated
	case OutcomeIgnored:
		return http.StatusOK
	case OutcomeRejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
