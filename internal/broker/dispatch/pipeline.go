package dispatch

import (
	"context"

	"github.com/drblury/labflow/internal/broker/result"
)

// Pipeline is the downstream results/validation pipeline. Deliver returns
// nil once the pipeline has durably accepted the message; a plain error is
// retried, a FatalError is not.
type Pipeline interface {
	Deliver(ctx context.Context, msg result.ResultMessage) error
}

// FuncPipeline adapts a function to the Pipeline interface.
type FuncPipeline func(ctx context.Context, msg result.ResultMessage) error

func (f FuncPipeline) Deliver(ctx context.Context, msg result.ResultMessage) error {
	return f(ctx, msg)
}

// Lookup validates external references on a message before it is handed to
// the pipeline. Implementations query the patient/sample registry read-only.
type Lookup interface {
	Validate(ctx context.Context, patientExternalID, sampleID string) error
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, patientExternalID, sampleID string) error

func (f LookupFunc) Validate(ctx context.Context, patientExternalID, sampleID string) error {
	return f(ctx, patientExternalID, sampleID)
}
