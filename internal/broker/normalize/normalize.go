// Package normalize maps protocol-native message trees onto the canonical
// result model. Normalization is a pure function of the decoded message and
// the frame receive time: identical input always yields the identical
// sequence of result messages, which is what makes the derived message id a
// usable retransmission key.
package normalize

import (
	"strings"
	"time"

	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/astm"
	"github.com/drblury/labflow/internal/broker/protocol/fhir"
	"github.com/drblury/labflow/internal/broker/protocol/hl7"
	"github.com/drblury/labflow/internal/broker/result"
)

// Normalizer converts decoded messages into canonical result messages. The
// zero value is ready to use.
type Normalizer struct{}

// Normalize maps one decoded message onto its canonical results. A message
// carrying several determinations yields several results, one per
// determination, each with its own stable message id.
func (n Normalizer) Normalize(msg protocol.Message, frame protocol.RawFrame) ([]result.ResultMessage, error) {
	switch m := msg.(type) {
	case *astm.Message:
		return n.normalizeASTM(m, frame)
	case *hl7.Message:
		return n.normalizeHL7(m, frame)
	case *fhir.Bundle:
		return n.normalizeFHIR(m, frame)
	default:
		return nil, &protocol.NormalizationError{
			Kind:   msg.ProtocolKind(),
			Reason: "no normalization rule for decoded message type",
		}
	}
}

func (n Normalizer) normalizeASTM(m *astm.Message, frame protocol.RawFrame) ([]result.ResultMessage, error) {
	var patientID, patientName string
	if m.Patient != nil {
		patientID = m.Patient.Field(3)
		patientName = m.Patient.Field(4)
	}

	var out []result.ResultMessage
	for _, order := range m.Orders {
		sampleID := order.Record.Field(2)
		for _, r := range order.Results {
			code := r.Component(2, 3)
			if code == "" {
				code = r.Field(2)
			}
			msg := result.ResultMessage{
				InstrumentID:      frame.InstrumentID,
				SampleID:          sampleID,
				PatientExternalID: patientID,
				PatientName:       patientName,
				DeterminationCode: code,
				Value:             result.ParseValue(r.Field(3)),
				Unit:              r.Field(4),
				ReferenceRange:    r.Field(5),
				ResultStatus:      r.Field(8),
				Flags:             flagsFromCodes(r.Field(6), r.Field(8)),
				ReceivedTime:      frame.Received,
				Protocol:          protocol.KindASTM,
				NativeSequence:    m.NativeSequence(),
			}
			msg.ObservationTime, msg.Flags = observationTime(r.Field(12), frame.Received, msg.Flags)
			msg.ComputeMessageID()
			out = append(out, msg)
		}
	}
	if len(out) == 0 {
		return nil, &protocol.NormalizationError{Kind: protocol.KindASTM, Reason: "transmission contains no result records"}
	}
	return out, nil
}

func (n Normalizer) normalizeHL7(m *hl7.Message, frame protocol.RawFrame) ([]result.ResultMessage, error) {
	var patientID, patientName string
	if pid, ok := m.Segment("PID"); ok {
		patientID = pid.Component(3, 1)
		patientName = pid.Field(5)
	}
	var sampleID string
	if obr, ok := m.Segment("OBR"); ok {
		sampleID = obr.Field(3)
		if sampleID == "" {
			sampleID = obr.Field(2)
		}
	}

	var out []result.ResultMessage
	for _, obx := range m.All("OBX") {
		code := obx.Component(3, 1)
		msg := result.ResultMessage{
			InstrumentID:      frame.InstrumentID,
			SampleID:          sampleID,
			PatientExternalID: patientID,
			PatientName:       patientName,
			DeterminationCode: code,
			Value:             result.ParseValue(obx.Field(5)),
			Unit:              obx.Component(6, 1),
			ReferenceRange:    obx.Field(7),
			ResultStatus:      obx.Field(11),
			Flags:             flagsFromCodes(obx.Field(8), obx.Field(11)),
			ReceivedTime:      frame.Received,
			Protocol:          protocol.KindHL7v2,
			NativeSequence:    m.NativeSequence(),
		}
		ts := obx.Field(14)
		if ts == "" {
			ts = m.MSH().Field(7)
		}
		msg.ObservationTime, msg.Flags = observationTime(ts, frame.Received, msg.Flags)
		msg.ComputeMessageID()
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, &protocol.NormalizationError{Kind: protocol.KindHL7v2, Reason: "message contains no OBX segments"}
	}
	return out, nil
}

func (n Normalizer) normalizeFHIR(b *fhir.Bundle, frame protocol.RawFrame) ([]result.ResultMessage, error) {
	var out []result.ResultMessage
	for _, obs := range b.Observations {
		msg := result.ResultMessage{
			InstrumentID:      frame.InstrumentID,
			SampleID:          obs.Specimen.ID(),
			PatientExternalID: obs.Subject.ID(),
			PatientName:       obs.Subject.Display,
			DeterminationCode: obs.Code.FirstCode(),
			ResultStatus:      obs.Status,
			ReceivedTime:      frame.Received,
			Protocol:          protocol.KindFHIR,
			NativeSequence:    b.NativeSequence(),
		}

		switch {
		case obs.ValueQuantity != nil:
			msg.Value = result.ParseValue(obs.ValueQuantity.Value.String())
			msg.Unit = obs.ValueQuantity.Unit
		case obs.ValueCodeableConcept != nil:
			msg.Value = result.ParseValue(obs.ValueCodeableConcept.FirstCode())
		default:
			msg.Value = result.ParseValue(obs.ValueString)
		}

		if len(obs.ReferenceRange) > 0 {
			msg.ReferenceRange = obs.ReferenceRange[0].Text
		}
		for _, interp := range obs.Interpretation {
			msg.Flags = applyAbnormalCode(msg.Flags, interp.FirstCode())
		}
		if obs.Status == "preliminary" || obs.Status == "registered" {
			msg.Flags = msg.Flags.Add(result.FlagPending)
		}

		ts := obs.EffectiveDateTime
		if ts == "" {
			ts = obs.Issued
		}
		if parsed, ok := parseFHIRTime(ts); ok {
			msg.ObservationTime = parsed
		} else {
			msg.ObservationTime = frame.Received
			msg.Flags = msg.Flags.Add(result.FlagTimestampInferred)
		}
		msg.ComputeMessageID()
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, &protocol.NormalizationError{Kind: protocol.KindFHIR, Reason: "bundle contains no observations"}
	}
	return out, nil
}

// flagsFromCodes derives the canonical flag set from the instrument-supplied
// abnormal flag codes (ASTM result abnormal flags, HL7 OBX-8) and the result
// status. The broker never evaluates clinical thresholds itself.
func flagsFromCodes(abnormal, status string) result.Flags {
	var flags result.Flags
	for _, code := range strings.Split(abnormal, "~") {
		flags = applyAbnormalCode(flags, code)
	}
	switch strings.ToUpper(status) {
	case "P", "I", "PRELIMINARY":
		flags = flags.Add(result.FlagPending)
	}
	return flags
}

func applyAbnormalCode(flags result.Flags, code string) result.Flags {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "HH", "LL", "AA", ">", "<":
		flags = flags.Add(result.FlagCritical)
		flags = flags.Add(result.FlagAbnormal)
	case "H", "L", "A":
		flags = flags.Add(result.FlagAbnormal)
	}
	return flags
}

// observationTime parses an HL7/ASTM timestamp (YYYYMMDD[HHMM[SS]]); when the
// instrument supplied none, the receive time is used and the result is
// flagged as inferred.
func observationTime(raw string, received time.Time, flags result.Flags) (time.Time, result.Flags) {
	if parsed, ok := parseHL7Time(raw); ok {
		return parsed, flags
	}
	return received, flags.Add(result.FlagTimestampInferred)
}

func parseHL7Time(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if len(raw) == len(layout) {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func parseFHIRTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
