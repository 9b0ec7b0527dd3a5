package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.FrameReceived("chem-1", "astm")
	m.FrameReceived("chem-1", "astm")
	m.DuplicateSuppressed("chem-1")
	m.DispatchOutcome("chem-1", "delivered")
	m.SessionOpened("astm")
	m.AlertRaised()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.framesTotal.WithLabelValues("chem-1", "astm")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.duplicatesTotal.WithLabelValues("chem-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchOutcomes.WithLabelValues("chem-1", "delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions.WithLabelValues("astm")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.alertsTotal))
}

func TestNew_DoubleRegistrationTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.NoError(t, err)
}

func TestNilReceiverSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived("x", "astm")
		m.FramingError("x", "astm")
		m.DecodeError("x", "astm")
		m.MessageNormalized("x")
		m.DuplicateSuppressed("x")
		m.DispatchAttempt("x")
		m.DispatchOutcome("x", "failed")
		m.DispatchDuration("x", 0.5)
		m.SessionOpened("astm")
		m.SessionClosed("astm")
		m.AlertRaised()
	})
}

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.SessionOpened("mllp")
	m.SessionOpened("mllp")
	m.SessionClosed("mllp")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions.WithLabelValues("mllp")))
}
