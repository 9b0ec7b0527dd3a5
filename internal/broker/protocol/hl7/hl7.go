// Package hl7 implements a pipe-delimited HL7 v2.x decoder for ORU^R01
// result messages and the matching ACK builder. MLLP framing is the
// transport's job; the decoder works on bare segment text.
package hl7

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/labflow/internal/broker/protocol"
)

func init() {
	protocol.Register(protocol.KindHL7v2, Decoder{})
}

// Acknowledgement codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// Segment is one HL7 segment: a three-letter name and its fields.
type Segment struct {
	Name   string
	fields []string
}

// Field returns field i using HL7 numbering: PID-3 is Field(3). For MSH the
// field separator itself counts as MSH-1, so MSH-10 is the ninth token after
// the segment name.
func (s Segment) Field(i int) string {
	idx := i
	if s.Name == "MSH" {
		if i == 1 {
			return "|"
		}
		idx = i - 1
	}
	if idx < 1 || idx >= len(s.fields) {
		return ""
	}
	return s.fields[idx]
}

// Component returns the caret-separated component j (1-based) of field i.
func (s Segment) Component(i, j int) string {
	parts := strings.Split(s.Field(i), "^")
	if j < 1 || j > len(parts) {
		return ""
	}
	return parts[j-1]
}

// Message is a decoded HL7 message.
type Message struct {
	Segments []Segment
}

// ProtocolKind implements protocol.Message.
func (m *Message) ProtocolKind() protocol.Kind { return protocol.KindHL7v2 }

// NativeSequence implements protocol.Message: the MSH-10 message control id.
func (m *Message) NativeSequence() string { return m.MSH().Field(10) }

// MSH returns the message header segment.
func (m *Message) MSH() Segment { return m.Segments[0] }

// Segment returns the first segment with the given name, or false.
func (m *Message) Segment(name string) (Segment, bool) {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// All returns every segment with the given name, in message order.
func (m *Message) All(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// MessageType returns the MSH-9 message type, e.g. "ORU^R01".
func (m *Message) MessageType() string {
	msh := m.MSH()
	code := msh.Component(9, 1)
	trigger := msh.Component(9, 2)
	if trigger == "" {
		return code
	}
	return code + "^" + trigger
}

// Decoder parses HL7 v2.x segment text.
type Decoder struct{}

// Decode implements protocol.Decoder. Only ORU^R01 observation result
// messages are accepted; other types fail with
// UnsupportedMessageTypeError so the session can ACK-ignore them.
func (Decoder) Decode(frame protocol.RawFrame) (protocol.Message, error) {
	msg, err := Parse(frame.Payload)
	if err != nil {
		return nil, err
	}
	if mt := msg.MessageType(); mt != "ORU^R01" {
		return nil, &protocol.UnsupportedMessageTypeError{Kind: protocol.KindHL7v2, MessageType: mt}
	}
	return msg, nil
}

// Parse splits raw HL7 text into segments without any message-type check.
// The acknowledgement builder uses it for inbound messages that failed
// decoding further up.
func Parse(payload []byte) (*Message, error) {
	text := strings.Trim(string(payload), "\r\n")
	if text == "" {
		return nil, &protocol.DecodeError{Kind: protocol.KindHL7v2, Reason: "empty message"}
	}

	var segments []Segment
	for _, line := range strings.Split(text, "\r") {
		line = strings.Trim(line, "\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields[0]) != 3 {
			return nil, &protocol.DecodeError{Kind: protocol.KindHL7v2, Reason: fmt.Sprintf("invalid segment name %q", fields[0])}
		}
		segments = append(segments, Segment{Name: fields[0], fields: fields})
	}
	if len(segments) == 0 {
		return nil, &protocol.DecodeError{Kind: protocol.KindHL7v2, Reason: "no segments in message"}
	}
	if segments[0].Name != "MSH" {
		return nil, &protocol.DecodeError{Kind: protocol.KindHL7v2, Reason: "first segment is not MSH"}
	}
	return &Message{Segments: segments}, nil
}

// BuildAck builds the HL7 ACK for an inbound message: an MSH with sender and
// receiver swapped, and an MSA carrying the acknowledgement code and the
// original control id. A nil inbound (the frame never parsed) yields an ACK
// with empty sender fields. The caller supplies now so acks are reproducible
// in tests.
func BuildAck(inbound *Message, code string, now time.Time) []byte {
	if inbound == nil {
		inbound = &Message{Segments: []Segment{{Name: "MSH", fields: []string{"MSH"}}}}
	}
	msh := inbound.MSH()
	ack := fmt.Sprintf(
		"MSH|^~\\&|%s|%s|%s|%s|%s||ACK^R01|%s|P|2.5.1\rMSA|%s|%s\r",
		msh.Field(5), msh.Field(6), // receiving app/facility become sender
		msh.Field(3), msh.Field(4), // sending app/facility become receiver
		now.Format("20060102150405"),
		inbound.NativeSequence(),
		code,
		inbound.NativeSequence(),
	)
	return []byte(ack)
}
