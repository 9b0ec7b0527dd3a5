// Package labflow is a message broker for clinical laboratory instruments.
// It listens for result transmissions from analyzers speaking ASTM E1394 over
// its E1381 link layer, HL7 v2.x over MLLP, or FHIR R4 over HTTP, decodes and
// normalises them into one canonical result model, deduplicates retransmitted
// messages against a durable delivery ledger, and dispatches each result
// exactly once to the downstream results pipeline.
//
// Service hosts the listeners and the dispatch router: filling Config with one
// entry per instrument, creating a Service, and calling Start is enough to
// bring every configured endpoint online. Instruments only ever see their
// protocol-native acknowledgements (ASTM ACK/NAK bytes, HL7 ACK messages,
// FHIR status codes); delivery failures downstream are retried with bounded
// exponential backoff and surfaced to operators as alerts, never silently
// dropped.
//
// # Protocols
//
// Three inbound protocol adapters ship out of the box:
//   - astm: ASTM E1394 records over the E1381 TCP link layer
//   - hl7v2: ORU^R01 result messages over MLLP framing
//   - fhir: FHIR R4 Observation bundles over HTTP POST
//
// Adapters register themselves with the transport registry on import; the
// transport/transports package imports all of them.
//
// # Delivery
//
// The dispatch side publishes canonical results to NATS or an HTTP endpoint
// via Watermill publishers, or hands them to an in-process channel for
// embedding the broker in a larger program. The delivery ledger persists to
// SQLite or PostgreSQL so duplicate suppression survives restarts.
package labflow
