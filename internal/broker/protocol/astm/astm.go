// Package astm implements the ASTM E1394 record decoder and the E1381
// low-level framing helpers shared with the TCP transport. A transmission is
// one or more STX-delimited frames carrying CR-separated records ordered
// H, P, O, R, (C), L.
package astm

import (
	"fmt"
	"strings"

	"github.com/drblury/labflow/internal/broker/protocol"
)

// ASTM E1381 control characters.
const (
	ENQ = 0x05
	ACK = 0x06
	NAK = 0x15
	STX = 0x02
	ETX = 0x03
	ETB = 0x17
	EOT = 0x04
	CR  = 0x0D
	LF  = 0x0A
)

func init() {
	protocol.Register(protocol.KindASTM, Decoder{})
}

// Frame is one parsed low-level frame.
type Frame struct {
	// Seq is the frame number character, '0'..'7'.
	Seq byte
	// Text is the record content between the frame number and ETX/ETB.
	Text string
	// Partial is true when the frame ended with ETB, meaning the record
	// continues in the next frame.
	Partial bool
}

// Checksum computes the E1381 frame checksum: the sum of all bytes from the
// frame number through the terminating ETX/ETB inclusive, modulo 256.
func Checksum(seq byte, text string, terminator byte) byte {
	sum := int(seq)
	for i := 0; i < len(text); i++ {
		sum += int(text[i])
	}
	sum += int(terminator)
	return byte(sum % 256)
}

// BuildFrame wraps record text in a complete E1381 frame:
// STX FN text ETX C1 C2 CR LF. Instrument simulators and the acknowledgement
// path use it to emit protocol-correct bytes.
func BuildFrame(seq byte, text string) []byte {
	cs := Checksum(seq, text, ETX)
	buf := make([]byte, 0, len(text)+7)
	buf = append(buf, STX, seq)
	buf = append(buf, text...)
	buf = append(buf, ETX)
	buf = append(buf, fmt.Sprintf("%02X", cs)...)
	buf = append(buf, CR, LF)
	return buf
}

// ParseFrame parses one frame from the start of b, returning the frame and
// the unconsumed remainder. The checksum is validated here; a mismatch is a
// DecodeError, anything structurally broken is a FramingError.
func ParseFrame(b []byte) (Frame, []byte, error) {
	if len(b) == 0 || b[0] != STX {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: "frame does not start with STX"}
	}
	if len(b) < 2 {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: "truncated frame"}
	}
	seq := b[1]
	if seq < '0' || seq > '7' {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: fmt.Sprintf("invalid frame number %q", seq)}
	}

	term := -1
	var terminator byte
	for i := 2; i < len(b); i++ {
		if b[i] == ETX || b[i] == ETB {
			term = i
			terminator = b[i]
			break
		}
	}
	if term < 0 {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: "missing ETX/ETB"}
	}
	// Two checksum hex digits plus CR LF follow the terminator.
	if len(b) < term+5 {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: "truncated frame trailer"}
	}
	if b[term+3] != CR || b[term+4] != LF {
		return Frame{}, b, &protocol.FramingError{Kind: protocol.KindASTM, Reason: "frame not terminated with CR LF"}
	}

	text := string(b[2:term])
	want := fmt.Sprintf("%02X", Checksum(seq, text, terminator))
	got := strings.ToUpper(string(b[term+1 : term+3]))
	if got != want {
		return Frame{}, b, &protocol.DecodeError{
			Kind:   protocol.KindASTM,
			Reason: fmt.Sprintf("checksum mismatch: got %s, want %s", got, want),
		}
	}

	return Frame{Seq: seq, Text: text, Partial: terminator == ETB}, b[term+5:], nil
}

// Record is one ASTM record: a type character and its pipe-delimited fields.
type Record struct {
	Type   byte
	Fields []string
}

// Field returns the field at index i, or "" when absent. Index 0 is the
// record type character.
func (r Record) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Component returns the caret-separated component j of field i, or "".
func (r Record) Component(i, j int) string {
	parts := strings.Split(r.Field(i), "^")
	if j < 0 || j >= len(parts) {
		return ""
	}
	return parts[j]
}

// Order groups an O record with the R records that follow it.
type Order struct {
	Record  Record
	Results []Record
}

// Message is a decoded ASTM transmission.
type Message struct {
	Header     Record
	Patient    *Record
	Orders     []Order
	Terminator Record
}

// ProtocolKind implements protocol.Message.
func (m *Message) ProtocolKind() protocol.Kind { return protocol.KindASTM }

// NativeSequence implements protocol.Message. It is the header message
// control id (H.3), which analyzers increment per transmission.
func (m *Message) NativeSequence() string { return m.Header.Field(2) }

// SenderName returns the instrument name from the header (H.5).
func (m *Message) SenderName() string { return m.Header.Component(4, 0) }

// Decoder parses raw ASTM frames into Messages.
type Decoder struct{}

// Decode implements protocol.Decoder. The frame payload is either raw E1381
// framed bytes (one or more STX frames, checksums validated) or bare record
// text for serial bridges that strip the link layer.
func (Decoder) Decode(frame protocol.RawFrame) (protocol.Message, error) {
	text, err := assembleText(frame.Payload)
	if err != nil {
		return nil, err
	}
	return parseRecords(text)
}

func assembleText(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "empty payload"}
	}
	if payload[0] != STX {
		return string(payload), nil
	}

	var sb strings.Builder
	rest := payload
	for len(rest) > 0 {
		if rest[0] == EOT {
			break
		}
		frame, remainder, err := ParseFrame(rest)
		if err != nil {
			return "", err
		}
		sb.WriteString(frame.Text)
		rest = remainder
	}
	return sb.String(), nil
}

func parseRecords(text string) (*Message, error) {
	var records []Record
	for _, line := range strings.Split(text, string(rune(CR))) {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		records = append(records, Record{Type: line[0], Fields: strings.Split(line, "|")})
	}
	if len(records) == 0 {
		return nil, &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "no records in transmission"}
	}
	if records[0].Type != 'H' {
		return nil, &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "first record is not a header (H)"}
	}
	if records[len(records)-1].Type != 'L' {
		return nil, &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "last record is not a terminator (L)"}
	}

	msg := &Message{Header: records[0], Terminator: records[len(records)-1]}
	for _, rec := range records[1 : len(records)-1] {
		switch rec.Type {
		case 'P':
			p := rec
			msg.Patient = &p
		case 'O':
			msg.Orders = append(msg.Orders, Order{Record: rec})
		case 'R':
			if len(msg.Orders) == 0 {
				return nil, &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "result (R) record before any order (O) record"}
			}
			last := &msg.Orders[len(msg.Orders)-1]
			last.Results = append(last.Results, rec)
		case 'C':
			// Comment records are legal anywhere; nothing to extract.
		case 'Q':
			return nil, &protocol.UnsupportedMessageTypeError{Kind: protocol.KindASTM, MessageType: "Q"}
		default:
			return nil, &protocol.DecodeError{Kind: protocol.KindASTM, Reason: fmt.Sprintf("unknown record type %q", rec.Type)}
		}
	}
	return msg, nil
}

// BuildAck returns the single-byte link-layer acknowledgement.
func BuildAck(accept bool) []byte {
	if accept {
		return []byte{ACK}
	}
	return []byte{NAK}
}
