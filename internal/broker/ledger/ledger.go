// Package ledger implements the dedup and sequencing ledger: one durable
// Delivery Record per distinct message id, a per-record state machine, and
// the atomic check-and-insert that makes replaying the entire input stream
// produce no duplicate deliveries.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/drblury/labflow/internal/broker/logging"
	"github.com/drblury/labflow/internal/broker/metrics"
	"github.com/drblury/labflow/internal/broker/result"
)

// Status is the delivery state of a record.
type Status string

const (
	// StatusPending means the message is recorded and dispatch is in flight.
	StatusPending Status = "pending"
	// StatusDelivered means the results pipeline confirmed receipt.
	StatusDelivered Status = "delivered"
	// StatusFailed means dispatch gave up; an operator alert was raised and
	// a retransmission from the instrument will re-open the record.
	StatusFailed Status = "failed"
)

// Record is the durable delivery record for one message id. Records are
// never deleted; duplicate detection must survive restarts.
type Record struct {
	MessageID      string    `json:"message_id"`
	InstrumentID   string    `json:"instrument_id"`
	NativeSequence string    `json:"native_sequence"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	DuplicateCount int       `json:"duplicate_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastAttempt    time.Time `json:"last_attempt"`
	LastError      string    `json:"last_error,omitempty"`
	// RawMessage keeps the original frame bytes for auditing.
	RawMessage []byte `json:"raw_message,omitempty"`
}

// Decision is the outcome of admitting a message.
type Decision int

const (
	// DecisionNew means the message was recorded pending and must be
	// dispatched.
	DecisionNew Decision = iota
	// DecisionDuplicate means the message was seen before and must not be
	// dispatched again. The instrument is still acknowledged; it is unaware
	// of the suppression.
	DecisionDuplicate
	// DecisionRedeliver means a previously failed record was re-opened and
	// the message must be dispatched again.
	DecisionRedeliver
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionRedeliver:
		return "redeliver"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

const lockStripes = 64

// Ledger serialises all reads and updates for a given message id while
// letting distinct ids proceed in parallel, via striped locking.
type Ledger struct {
	store   Store
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	now     func() time.Time

	locks [lockStripes]sync.Mutex
}

// New creates a Ledger over the given store. Metrics may be nil.
func New(store Store, logger logging.ServiceLogger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (l *Ledger) stripe(messageID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(messageID))
	return &l.locks[h.Sum32()%lockStripes]
}

// Admit performs the atomic check-and-insert for one normalized message.
// Unknown ids are recorded pending; known delivered or pending ids are
// suppressed as duplicates; known failed ids are re-opened for redelivery
// without touching the duplicate counter.
func (l *Ledger) Admit(ctx context.Context, msg result.ResultMessage, raw []byte) (Decision, error) {
	mu := l.stripe(msg.MessageID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := l.store.Get(ctx, msg.MessageID)
	if err != nil {
		return 0, fmt.Errorf("ledger lookup: %w", err)
	}

	if !found {
		rec = Record{
			MessageID:      msg.MessageID,
			InstrumentID:   msg.InstrumentID,
			NativeSequence: msg.NativeSequence,
			Status:         StatusPending,
			FirstSeen:      l.now(),
			RawMessage:     raw,
		}
		if err := l.store.Insert(ctx, rec); err != nil {
			return 0, fmt.Errorf("ledger insert: %w", err)
		}
		return DecisionNew, nil
	}

	switch rec.Status {
	case StatusFailed:
		rec.Status = StatusPending
		rec.LastError = ""
		if err := l.store.Update(ctx, rec); err != nil {
			return 0, fmt.Errorf("ledger reopen: %w", err)
		}
		l.logger.Info("Re-opened failed delivery record", logging.LogFields{
			"message_id":    rec.MessageID,
			"instrument_id": rec.InstrumentID,
		})
		return DecisionRedeliver, nil
	default:
		rec.DuplicateCount++
		if err := l.store.Update(ctx, rec); err != nil {
			return 0, fmt.Errorf("ledger duplicate update: %w", err)
		}
		l.metrics.DuplicateSuppressed(rec.InstrumentID)
		l.logger.Debug("Suppressed duplicate message", logging.LogFields{
			"message_id":      rec.MessageID,
			"instrument_id":   rec.InstrumentID,
			"duplicate_count": rec.DuplicateCount,
		})
		return DecisionDuplicate, nil
	}
}

// MarkDelivered records a confirmed dispatch.
func (l *Ledger) MarkDelivered(ctx context.Context, messageID string, attempts int) error {
	return l.conclude(ctx, messageID, StatusDelivered, attempts, nil)
}

// MarkFailed records a permanently failed dispatch.
func (l *Ledger) MarkFailed(ctx context.Context, messageID string, attempts int, cause error) error {
	return l.conclude(ctx, messageID, StatusFailed, attempts, cause)
}

func (l *Ledger) conclude(ctx context.Context, messageID string, status Status, attempts int, cause error) error {
	mu := l.stripe(messageID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := l.store.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if !found {
		return fmt.Errorf("ledger: no delivery record for message %s", messageID)
	}

	rec.Status = status
	rec.AttemptCount += attempts
	rec.LastAttempt = l.now()
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if err := l.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("ledger update: %w", err)
	}
	return nil
}

// Get returns the delivery record for a message id.
func (l *Ledger) Get(ctx context.Context, messageID string) (Record, bool, error) {
	mu := l.stripe(messageID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.Get(ctx, messageID)
}

// Failed lists permanently failed records for operator follow-up.
func (l *Ledger) Failed(ctx context.Context, limit int) ([]Record, error) {
	return l.store.List(ctx, StatusFailed, limit)
}

// Pending lists records that were admitted but never concluded. After a
// restart these are the deliveries a previous run left in flight; they must
// be re-dispatched, because Admit suppresses their retransmissions as
// duplicates. A limit of zero or less lists all of them.
func (l *Ledger) Pending(ctx context.Context, limit int) ([]Record, error) {
	return l.store.List(ctx, StatusPending, limit)
}
