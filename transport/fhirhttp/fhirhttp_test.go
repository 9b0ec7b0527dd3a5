package fhirhttp

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/jsoncodec"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/transport"

	_ "github.com/drblury/labflow/internal/broker/protocol/fhir"
)

const observationBundle = `{
	"resourceType": "Bundle",
	"id": "bundle-001",
	"type": "collection",
	"entry": [
		{
			"resource": {
				"resourceType": "Observation",
				"id": "obs-1",
				"status": "final",
				"code": {"coding": [{"code": "GLU", "display": "Glucose"}]},
				"subject": {"reference": "Patient/PID123"},
				"specimen": {"reference": "Specimen/SID456"},
				"valueQuantity": {"value": 95, "unit": "mg/dL"}
			}
		}
	]
}`

func startListener(t *testing.T) string {
	t.Helper()
	cfg := config.InstrumentConfig{
		ID:            "FHIRGateway",
		Protocol:      "fhir",
		ListenAddress: "127.0.0.1:0",
		AckTimeout:    2 * time.Second,
		IdleTimeout:   2 * time.Second,
	}
	handler := transport.HandlerFunc(func(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error) {
		return protocol.DefaultRegistry.Decode(frame)
	})
	built, err := Build(cfg, transport.Deps{Handler: handler})
	require.NoError(t, err)
	listener := built.(*Listener)

	ctx, cancel := context.WithCancel(context.Background())
	go listener.Run(ctx)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		return listener.Addr() != cfg.ListenAddress
	}, 2*time.Second, 10*time.Millisecond, "listener never bound")
	return "http://" + listener.Addr()
}

func post(t *testing.T, url, body string) (*http.Response, OperationOutcome) {
	t.Helper()
	resp, err := http.Post(url, "application/fhir+json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var outcome OperationOutcome
	require.NoError(t, jsoncodec.Decode(resp.Body, &outcome))
	return resp, outcome
}

func TestListenerAcceptsObservationBundle(t *testing.T) {
	base := startListener(t)

	resp, outcome := post(t, base+"/fhir/Observation", observationBundle)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, "information", outcome.Issue[0].Severity)
}

func TestListenerRejectsInvalidBody(t *testing.T) {
	base := startListener(t)

	t.Run("not json", func(t *testing.T) {
		resp, outcome := post(t, base+"/fhir/Observation", "not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "error", outcome.Issue[0].Severity)
	})

	t.Run("wrong resource type", func(t *testing.T) {
		resp, _ := post(t, base+"/fhir/Observation", `{"resourceType": "Patient"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "non-bundle resources are acknowledged and ignored")
	})

	t.Run("bundle without observations", func(t *testing.T) {
		resp, _ := post(t, base+"/fhir/Observation", `{"resourceType": "Bundle", "id": "b2", "entry": []}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListenerServesDiagnosticReportPath(t *testing.T) {
	base := startListener(t)

	resp, _ := post(t, base+"/fhir/DiagnosticReport", observationBundle)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
