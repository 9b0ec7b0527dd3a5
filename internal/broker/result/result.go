// Package result defines the canonical result model every protocol is
// normalised into. A ResultMessage is immutable once created: the normalizer
// builds it, the ledger owns it until dispatch is confirmed, and the results
// pipeline receives it by value.
package result

import (
	"strconv"
	"time"

	"github.com/drblury/labflow/internal/broker/ids"
	"github.com/drblury/labflow/internal/broker/protocol"
)

// ValueKind classifies the transmitted result value.
type ValueKind string

const (
	// ValueNumeric is a value that parses as a decimal number.
	ValueNumeric ValueKind = "numeric"
	// ValueCategorical is a single non-numeric token, e.g. "POS" or "NEG".
	ValueCategorical ValueKind = "categorical"
	// ValueText is free text.
	ValueText ValueKind = "text"
)

// Value carries a result value exactly as transmitted. Raw preserves the
// instrument's decimal precision; Numeric is only meaningful when Kind is
// ValueNumeric.
type Value struct {
	Raw     string    `json:"raw"`
	Kind    ValueKind `json:"kind"`
	Numeric float64   `json:"numeric,omitempty"`
}

// ParseValue classifies a transmitted value string. Numeric if it parses as
// a float, categorical if it is a single token, text otherwise. An absent
// value is carried as empty text, never as a categorical token.
func ParseValue(raw string) Value {
	if raw == "" {
		return Value{Raw: "", Kind: ValueText}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Value{Raw: raw, Kind: ValueNumeric, Numeric: f}
	}
	for _, r := range raw {
		if r == ' ' || r == '\t' {
			return Value{Raw: raw, Kind: ValueText}
		}
	}
	return Value{Raw: raw, Kind: ValueCategorical}
}

// Flag marks a property of a result derived from the instrument message.
type Flag string

const (
	// FlagCritical marks results the instrument reported as critically
	// abnormal (HH, LL, AA). The broker never computes clinical thresholds
	// itself; this only reflects instrument-supplied codes.
	FlagCritical Flag = "critical"
	// FlagAbnormal marks results the instrument reported as out of range.
	FlagAbnormal Flag = "abnormal"
	// FlagPending marks preliminary results awaiting a final transmission.
	FlagPending Flag = "pending"
	// FlagTimestampInferred marks results whose observation time was not
	// supplied by the instrument and fell back to the receive time.
	FlagTimestampInferred Flag = "timestamp_inferred"
)

// Flags is the set of flags attached to a result.
type Flags []Flag

// Has reports whether the set contains the flag.
func (f Flags) Has(flag Flag) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Add returns the set with flag appended, without duplicating it.
func (f Flags) Add(flag Flag) Flags {
	if f.Has(flag) {
		return f
	}
	return append(f, flag)
}

// ResultMessage is one determination result in canonical form.
type ResultMessage struct {
	MessageID         string        `json:"message_id"`
	InstrumentID      string        `json:"instrument_id"`
	SampleID          string        `json:"sample_id"`
	PatientExternalID string        `json:"patient_external_id"`
	PatientName       string        `json:"patient_name,omitempty"`
	DeterminationCode string        `json:"determination_code"`
	Value             Value         `json:"value"`
	Unit              string        `json:"unit,omitempty"`
	ReferenceRange    string        `json:"reference_range,omitempty"`
	ResultStatus      string        `json:"result_status,omitempty"`
	Flags             Flags         `json:"flags,omitempty"`
	ObservationTime   time.Time     `json:"observation_time"`
	ReceivedTime      time.Time     `json:"received_time"`
	Protocol          protocol.Kind `json:"raw_protocol_kind"`
	NativeSequence    string        `json:"native_sequence"`
}

// ComputeMessageID derives the stable delivery identity for the message and
// stamps it onto the struct. Decoding the same native transmission always
// yields the same id.
func (m *ResultMessage) ComputeMessageID() {
	m.MessageID = ids.MessageID(m.InstrumentID, m.NativeSequence, m.SampleID, m.DeterminationCode)
}
