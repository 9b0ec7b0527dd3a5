// Package protocol defines the shared contract between the inbound transports
// and the per-protocol decoders: the protocol kind enumeration, the raw frame
// handed over by a transport, the decoded message variants, and the error
// taxonomy that drives acknowledgement behaviour.
//
// Each decoder implementation (astm, hl7, fhir) lives in its own sub-package
// and registers itself with the decoder registry.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the wire protocol an instrument speaks.
type Kind string

const (
	KindASTM  Kind = "astm"
	KindHL7v2 Kind = "hl7v2"
	KindFHIR  Kind = "fhir"
)

// ParseKind normalises a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "astm", "astm-e1394", "lis2-a2":
		return KindASTM, nil
	case "hl7", "hl7v2", "mllp":
		return KindHL7v2, nil
	case "fhir", "hl7-fhir", "fhir-r4":
		return KindFHIR, nil
	default:
		return "", fmt.Errorf("unknown protocol kind %q", s)
	}
}

// RawFrame is one framed message as delivered by a transport adapter. The
// payload still carries protocol-level envelopes (ASTM STX frames, HL7
// segment text, FHIR JSON); only the transport framing (MLLP wrapper, ASTM
// session control characters) has been stripped.
type RawFrame struct {
	InstrumentID string
	Kind         Kind
	Payload      []byte
	Received     time.Time
}

// Message is the decoded, protocol-native form of a frame. Concrete types
// live in the decoder sub-packages; the normalizer type-switches on them.
type Message interface {
	// ProtocolKind reports which decoder produced the message.
	ProtocolKind() Kind
	// NativeSequence is the protocol's own message identity: the ASTM header
	// message id, the HL7 MSH-10 control id, or the FHIR bundle id. It feeds
	// the stable message hash used for retransmission detection.
	NativeSequence() string
}

// Decoder parses one raw frame into a protocol-native message tree.
type Decoder interface {
	Decode(frame RawFrame) (Message, error)
}

// DecodeError reports a frame that was structurally framed but could not be
// parsed: checksum mismatch, missing mandatory segment, truncated content.
// Sessions survive it; only the single message is rejected.
type DecodeError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s decode: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s decode: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FramingError reports bytes that never formed a valid frame. The transport
// answers with a protocol NAK and keeps the session open.
type FramingError struct {
	Kind   Kind
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s framing: %s", e.Kind, e.Reason)
}

// UnsupportedMessageTypeError reports a structurally valid message whose type
// the broker does not process (for example an HL7 query message). It is
// acknowledged and ignored rather than NAKed, so instruments do not
// retransmit traffic the broker will never want.
type UnsupportedMessageTypeError struct {
	Kind        Kind
	MessageType string
}

func (e *UnsupportedMessageTypeError) Error() string {
	return fmt.Sprintf("%s: unsupported message type %q", e.Kind, e.MessageType)
}

// NormalizationError reports a decoded message that could not be mapped onto
// the canonical result model.
type NormalizationError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s normalize: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s normalize: %s", e.Kind, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
