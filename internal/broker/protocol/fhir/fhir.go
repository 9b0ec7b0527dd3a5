// Package fhir implements the FHIR R4 decoder for result bundles. Each HTTP
// POST body is one frame: a Bundle resource containing Observation entries
// and optionally the DiagnosticReport they belong to.
package fhir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drblury/labflow/internal/broker/jsoncodec"
	"github.com/drblury/labflow/internal/broker/protocol"
)

func init() {
	protocol.Register(protocol.KindFHIR, Decoder{})
}

// Coding is one code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a coded value with optional free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the first coding's code, or the text fallback.
func (c CodeableConcept) FirstCode() string {
	if len(c.Coding) > 0 && c.Coding[0].Code != "" {
		return c.Coding[0].Code
	}
	return c.Text
}

// Reference points at another resource, e.g. "Patient/PID123".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID returns the identifier portion of the reference.
func (r Reference) ID() string {
	if i := strings.LastIndexByte(r.Reference, '/'); i >= 0 {
		return r.Reference[i+1:]
	}
	return r.Reference
}

// Quantity is a FHIR measured amount. Value stays a json.Number so the
// transmitted decimal precision survives normalization.
type Quantity struct {
	Value json.Number `json:"value,omitempty"`
	Unit  string      `json:"unit,omitempty"`
}

// ReferenceRange carries the instrument-supplied range as text.
type ReferenceRange struct {
	Text string `json:"text,omitempty"`
}

// Observation is a single determination result resource.
type Observation struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id,omitempty"`
	Status               string            `json:"status,omitempty"`
	Code                 CodeableConcept   `json:"code"`
	Subject              Reference         `json:"subject,omitempty"`
	Specimen             Reference         `json:"specimen,omitempty"`
	Device               Reference         `json:"device,omitempty"`
	EffectiveDateTime    string            `json:"effectiveDateTime,omitempty"`
	Issued               string            `json:"issued,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueString          string            `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	ReferenceRange       []ReferenceRange  `json:"referenceRange,omitempty"`
}

// DiagnosticReport groups observations; only its identity is interesting here.
type DiagnosticReport struct {
	ResourceType string    `json:"resourceType"`
	ID           string    `json:"id,omitempty"`
	Subject      Reference `json:"subject,omitempty"`
}

// Bundle is the decoded frame.
type Bundle struct {
	ID           string
	Type         string
	Observations []Observation
	Report       *DiagnosticReport
}

// ProtocolKind implements protocol.Message.
func (b *Bundle) ProtocolKind() protocol.Kind { return protocol.KindFHIR }

// NativeSequence implements protocol.Message: the bundle id.
func (b *Bundle) NativeSequence() string { return b.ID }

type rawBundle struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry,omitempty"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
}

// Decoder parses FHIR JSON bundles.
type Decoder struct{}

// Decode implements protocol.Decoder. The payload must be a Bundle resource
// with at least one Observation entry.
func (Decoder) Decode(frame protocol.RawFrame) (protocol.Message, error) {
	var raw rawBundle
	if err := jsoncodec.Unmarshal(frame.Payload, &raw); err != nil {
		return nil, &protocol.DecodeError{Kind: protocol.KindFHIR, Reason: "invalid JSON", Err: err}
	}
	if raw.ResourceType != "Bundle" {
		return nil, &protocol.UnsupportedMessageTypeError{Kind: protocol.KindFHIR, MessageType: raw.ResourceType}
	}

	bundle := &Bundle{ID: raw.ID, Type: raw.Type}
	for i, entry := range raw.Entry {
		var header resourceHeader
		if err := jsoncodec.Unmarshal(entry.Resource, &header); err != nil {
			return nil, &protocol.DecodeError{Kind: protocol.KindFHIR, Reason: fmt.Sprintf("entry %d: invalid resource", i), Err: err}
		}
		switch header.ResourceType {
		case "Observation":
			var obs Observation
			if err := jsoncodec.Unmarshal(entry.Resource, &obs); err != nil {
				return nil, &protocol.DecodeError{Kind: protocol.KindFHIR, Reason: fmt.Sprintf("entry %d: invalid Observation", i), Err: err}
			}
			bundle.Observations = append(bundle.Observations, obs)
		case "DiagnosticReport":
			var report DiagnosticReport
			if err := jsoncodec.Unmarshal(entry.Resource, &report); err != nil {
				return nil, &protocol.DecodeError{Kind: protocol.KindFHIR, Reason: fmt.Sprintf("entry %d: invalid DiagnosticReport", i), Err: err}
			}
			bundle.Report = &report
		default:
			// Other resources (Patient, Specimen, Device) may ride along in
			// the bundle; they are resolved downstream, not here.
		}
	}

	if len(bundle.Observations) == 0 {
		return nil, &protocol.DecodeError{Kind: protocol.KindFHIR, Reason: "bundle contains no Observation resources"}
	}
	return bundle, nil
}
