package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ValueKind
	}{
		{name: "integer", raw: "95", want: ValueNumeric},
		{name: "decimal", raw: "4.52", want: ValueNumeric},
		{name: "negative", raw: "-0.3", want: ValueNumeric},
		{name: "categorical", raw: "POS", want: ValueCategorical},
		{name: "categorical_mixed", raw: "1+", want: ValueCategorical},
		{name: "free_text", raw: "sample hemolyzed", want: ValueText},
		{name: "absent", raw: "", want: ValueText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseValue(tt.raw)
			assert.Equal(t, tt.want, v.Kind)
			assert.Equal(t, tt.raw, v.Raw)
		})
	}
}

func TestParseValue_PreservesPrecision(t *testing.T) {
	v := ParseValue("95.10")
	assert.Equal(t, "95.10", v.Raw)
	assert.InDelta(t, 95.1, v.Numeric, 1e-9)
}

func TestFlags(t *testing.T) {
	var f Flags
	assert.False(t, f.Has(FlagCritical))

	f = f.Add(FlagAbnormal)
	f = f.Add(FlagAbnormal)
	assert.Len(t, f, 1)
	assert.True(t, f.Has(FlagAbnormal))

	f = f.Add(FlagCritical)
	assert.Len(t, f, 2)
}

func TestComputeMessageID_Idempotent(t *testing.T) {
	m := ResultMessage{
		InstrumentID:      "Analyzer1",
		NativeSequence:    "MSG0042",
		SampleID:          "SID456",
		DeterminationCode: "GLU",
	}
	m.ComputeMessageID()
	first := m.MessageID

	m.ComputeMessageID()
	assert.Equal(t, first, m.MessageID)
	assert.NotEmpty(t, first)
}

func TestComputeMessageID_DistinctPerDetermination(t *testing.T) {
	glu := ResultMessage{InstrumentID: "A", NativeSequence: "1", SampleID: "S", DeterminationCode: "GLU"}
	chol := ResultMessage{InstrumentID: "A", NativeSequence: "1", SampleID: "S", DeterminationCode: "CHOL"}
	glu.ComputeMessageID()
	chol.ComputeMessageID()
	assert.NotEqual(t, glu.MessageID, chol.MessageID)
}
