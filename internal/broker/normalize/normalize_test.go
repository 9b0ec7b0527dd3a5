package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/astm"
	"github.com/drblury/labflow/internal/broker/protocol/fhir"
	"github.com/drblury/labflow/internal/broker/protocol/hl7"
	"github.com/drblury/labflow/internal/broker/result"
)

var received = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

const specFrame = "H|\\^&|||Analyzer1||||||LIS||P|1\rP|1||PID123\rO|1|SID456||^^^GLU\rR|1|^^^GLU|95|mg/dL|70-100||N\rL|1|N\r"

func astmFrame(t *testing.T, text, instrumentID string) (protocol.Message, protocol.RawFrame) {
	t.Helper()
	frame := protocol.RawFrame{InstrumentID: instrumentID, Kind: protocol.KindASTM, Payload: []byte(text), Received: received}
	msg, err := astm.Decoder{}.Decode(frame)
	require.NoError(t, err)
	return msg, frame
}

func TestNormalizeASTM_SpecScenario(t *testing.T) {
	msg, frame := astmFrame(t, specFrame, "Analyzer1")

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "Analyzer1", r.InstrumentID)
	assert.Equal(t, "SID456", r.SampleID)
	assert.Equal(t, "PID123", r.PatientExternalID)
	assert.Equal(t, "GLU", r.DeterminationCode)
	assert.Equal(t, "95", r.Value.Raw)
	assert.Equal(t, result.ValueNumeric, r.Value.Kind)
	assert.Equal(t, "mg/dL", r.Unit)
	assert.Equal(t, "70-100", r.ReferenceRange)
	assert.Equal(t, protocol.KindASTM, r.Protocol)

	// The instrument sent no abnormal flag codes.
	assert.False(t, r.Flags.Has(result.FlagCritical))
	assert.False(t, r.Flags.Has(result.FlagAbnormal))
	assert.False(t, r.Flags.Has(result.FlagPending))

	// No result timestamp in the frame, so it is inferred.
	assert.True(t, r.Flags.Has(result.FlagTimestampInferred))
	assert.Equal(t, received, r.ObservationTime)
	assert.NotEmpty(t, r.MessageID)
}

func TestNormalize_Deterministic(t *testing.T) {
	msg, frame := astmFrame(t, specFrame, "Analyzer1")

	first, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	second, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNormalizeASTM_AbnormalFlags(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		abnormal bool
		critical bool
	}{
		{name: "none", code: ""},
		{name: "normal", code: "N"},
		{name: "high", code: "H", abnormal: true},
		{name: "low", code: "L", abnormal: true},
		{name: "critical high", code: "HH", abnormal: true, critical: true},
		{name: "critical low", code: "LL", abnormal: true, critical: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := "H|\\^&|||Analyzer1\rP|1||PID123\rO|1|SID456||^^^K\rR|1|^^^K|6.8|mmol/L|3.5-5.1|" + tt.code + "\rL|1|N\r"
			msg, frame := astmFrame(t, text, "Analyzer1")

			results, err := Normalizer{}.Normalize(msg, frame)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, tt.abnormal, results[0].Flags.Has(result.FlagAbnormal))
			assert.Equal(t, tt.critical, results[0].Flags.Has(result.FlagCritical))
		})
	}
}

func TestNormalizeASTM_MultipleResults(t *testing.T) {
	text := "H|\\^&|MSG7||Analyzer1\rP|1||PID123\rO|1|SID456||^^^PANEL\r" +
		"R|1|^^^GLU|95|mg/dL\rR|2|^^^CHOL|210|mg/dL||H\rL|1|N\r"
	msg, frame := astmFrame(t, text, "Analyzer1")

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "GLU", results[0].DeterminationCode)
	assert.Equal(t, "CHOL", results[1].DeterminationCode)
	assert.NotEqual(t, results[0].MessageID, results[1].MessageID)
	assert.True(t, results[1].Flags.Has(result.FlagAbnormal))
}

func TestNormalizeASTM_ResultTimestamp(t *testing.T) {
	text := "H|\\^&|||Analyzer1\rP|1||PID123\rO|1|SID456||^^^GLU\r" +
		"R|1|^^^GLU|95|mg/dL||||||||20240115092500\rL|1|N\r"
	msg, frame := astmFrame(t, text, "Analyzer1")

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	want := time.Date(2024, 1, 15, 9, 25, 0, 0, time.UTC)
	assert.Equal(t, want, results[0].ObservationTime)
	assert.False(t, results[0].Flags.Has(result.FlagTimestampInferred))
}

func TestNormalizeASTM_NoResults(t *testing.T) {
	msg, frame := astmFrame(t, "H|\\^&|||Analyzer1\rP|1||PID123\rL|1|N\r", "Analyzer1")
	_, err := Normalizer{}.Normalize(msg, frame)
	var ne *protocol.NormalizationError
	require.ErrorAs(t, err, &ne)
}

const sampleORU = "MSH|^~\\&|Analyzer1|LAB|LIS|LAB|20240115093000||ORU^R01|CTRL0001|P|2.5.1\r" +
	"PID|1||PID123||DOE^JANE\r" +
	"OBR|1||SID456|^^^GLU\r" +
	"OBX|1|NM|GLU^Glucose||95|mg/dL|70-100|HH|||F|||20240115092500\r" +
	"OBX|2|NM|K^Potassium||4.1|mmol/L|3.5-5.1|N|||P\r"

func TestNormalizeHL7(t *testing.T) {
	frame := protocol.RawFrame{InstrumentID: "chem-1", Kind: protocol.KindHL7v2, Payload: []byte(sampleORU), Received: received}
	msg, err := hl7.Decoder{}.Decode(frame)
	require.NoError(t, err)

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	require.Len(t, results, 2)

	glu := results[0]
	assert.Equal(t, "chem-1", glu.InstrumentID)
	assert.Equal(t, "SID456", glu.SampleID)
	assert.Equal(t, "PID123", glu.PatientExternalID)
	assert.Equal(t, "DOE^JANE", glu.PatientName)
	assert.Equal(t, "GLU", glu.DeterminationCode)
	assert.Equal(t, "95", glu.Value.Raw)
	assert.Equal(t, "mg/dL", glu.Unit)
	assert.True(t, glu.Flags.Has(result.FlagCritical))
	assert.True(t, glu.Flags.Has(result.FlagAbnormal))
	assert.Equal(t, time.Date(2024, 1, 15, 9, 25, 0, 0, time.UTC), glu.ObservationTime)
	assert.Equal(t, "CTRL0001", glu.NativeSequence)

	k := results[1]
	assert.Equal(t, "K", k.DeterminationCode)
	assert.True(t, k.Flags.Has(result.FlagPending))
	assert.False(t, k.Flags.Has(result.FlagAbnormal))
	// OBX-14 absent: falls back to the MSH-7 message timestamp.
	assert.Equal(t, time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC), k.ObservationTime)
	assert.False(t, k.Flags.Has(result.FlagTimestampInferred))
}

const sampleBundle = `{
  "resourceType": "Bundle", "id": "bundle-0001", "type": "collection",
  "entry": [{"resource": {
    "resourceType": "Observation", "id": "obs-1", "status": "preliminary",
    "code": {"coding": [{"code": "GLU"}]},
    "subject": {"reference": "Patient/PID123", "display": "Jane Doe"},
    "specimen": {"reference": "Specimen/SID456"},
    "effectiveDateTime": "2024-01-15T09:25:00Z",
    "valueQuantity": {"value": 95.5, "unit": "mg/dL"},
    "interpretation": [{"coding": [{"code": "H"}]}],
    "referenceRange": [{"text": "70-100"}]
  }}]
}`

func TestNormalizeFHIR(t *testing.T) {
	frame := protocol.RawFrame{InstrumentID: "poct-9", Kind: protocol.KindFHIR, Payload: []byte(sampleBundle), Received: received}
	msg, err := fhir.Decoder{}.Decode(frame)
	require.NoError(t, err)

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "SID456", r.SampleID)
	assert.Equal(t, "PID123", r.PatientExternalID)
	assert.Equal(t, "Jane Doe", r.PatientName)
	assert.Equal(t, "GLU", r.DeterminationCode)
	assert.Equal(t, "95.5", r.Value.Raw)
	assert.Equal(t, result.ValueNumeric, r.Value.Kind)
	assert.Equal(t, "mg/dL", r.Unit)
	assert.Equal(t, "70-100", r.ReferenceRange)
	assert.True(t, r.Flags.Has(result.FlagAbnormal))
	assert.True(t, r.Flags.Has(result.FlagPending))
	assert.False(t, r.Flags.Has(result.FlagTimestampInferred))
	assert.Equal(t, time.Date(2024, 1, 15, 9, 25, 0, 0, time.UTC), r.ObservationTime)
	assert.Equal(t, "bundle-0001", r.NativeSequence)
}

func TestNormalizeFHIR_ValueVariants(t *testing.T) {
	bundle := `{"resourceType": "Bundle", "id": "b4", "entry": [
      {"resource": {"resourceType": "Observation", "code": {"text": "HIV"},
        "valueCodeableConcept": {"coding": [{"code": "NEG"}]}}},
      {"resource": {"resourceType": "Observation", "code": {"text": "COMMENT"},
        "valueString": "specimen slightly hemolyzed"}}
    ]}`
	frame := protocol.RawFrame{InstrumentID: "sero-1", Kind: protocol.KindFHIR, Payload: []byte(bundle), Received: received}
	msg, err := fhir.Decoder{}.Decode(frame)
	require.NoError(t, err)

	results, err := Normalizer{}.Normalize(msg, frame)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, result.ValueCategorical, results[0].Value.Kind)
	assert.Equal(t, "NEG", results[0].Value.Raw)
	assert.Equal(t, result.ValueText, results[1].Value.Kind)
}

func TestNormalize_IdempotentMessageIDAcrossReplay(t *testing.T) {
	msg1, frame1 := astmFrame(t, specFrame, "Analyzer1")
	results1, err := Normalizer{}.Normalize(msg1, frame1)
	require.NoError(t, err)

	// Retransmission arrives later; receive time differs but identity holds.
	frame2 := frame1
	frame2.Received = received.Add(45 * time.Second)
	msg2, err := astm.Decoder{}.Decode(frame2)
	require.NoError(t, err)
	results2, err := Normalizer{}.Normalize(msg2, frame2)
	require.NoError(t, err)

	assert.Equal(t, results1[0].MessageID, results2[0].MessageID)
}
