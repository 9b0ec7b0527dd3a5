package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/result"
)

func testMessage(instrument, seq, sample, code string) result.ResultMessage {
	msg := result.ResultMessage{
		InstrumentID:      instrument,
		NativeSequence:    seq,
		SampleID:          sample,
		DeterminationCode: code,
		Value:             result.ParseValue("95"),
		Protocol:          protocol.KindASTM,
	}
	msg.ComputeMessageID()
	return msg
}

func TestLedgerAdmit(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown message is recorded pending", func(t *testing.T) {
		store := NewMemoryStore()
		l := New(store, nil, nil)

		msg := testMessage("Analyzer1", "1", "SID456", "GLU")
		decision, err := l.Admit(ctx, msg, []byte("raw"))
		require.NoError(t, err)
		assert.Equal(t, DecisionNew, decision)

		rec, found, err := l.Get(ctx, msg.MessageID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, "Analyzer1", rec.InstrumentID)
		assert.Equal(t, []byte("raw"), rec.RawMessage)
		assert.False(t, rec.FirstSeen.IsZero())
	})

	t.Run("replay of delivered message is suppressed", func(t *testing.T) {
		store := NewMemoryStore()
		l := New(store, nil, nil)
		msg := testMessage("Analyzer1", "1", "SID456", "GLU")

		decision, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		require.Equal(t, DecisionNew, decision)
		require.NoError(t, l.MarkDelivered(ctx, msg.MessageID, 1))

		decision, err = l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		assert.Equal(t, DecisionDuplicate, decision)

		rec, _, err := l.Get(ctx, msg.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, rec.Status, "duplicate must not change status")
		assert.Equal(t, 1, rec.DuplicateCount)
		assert.Equal(t, 1, store.Len(), "replay must not create a second record")
	})

	t.Run("replay while pending is suppressed", func(t *testing.T) {
		store := NewMemoryStore()
		l := New(store, nil, nil)
		msg := testMessage("Analyzer1", "2", "SID457", "NA")

		_, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)

		decision, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		assert.Equal(t, DecisionDuplicate, decision)
	})

	t.Run("failed record is re-opened for redelivery", func(t *testing.T) {
		store := NewMemoryStore()
		l := New(store, nil, nil)
		msg := testMessage("Analyzer1", "3", "SID458", "K")

		_, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		require.NoError(t, l.MarkFailed(ctx, msg.MessageID, 5, errors.New("pipeline down")))

		decision, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		assert.Equal(t, DecisionRedeliver, decision)

		rec, _, err := l.Get(ctx, msg.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Empty(t, rec.LastError)
		assert.Equal(t, 0, rec.DuplicateCount, "redelivery is not a duplicate")
	})

	t.Run("distinct determinations get distinct records", func(t *testing.T) {
		store := NewMemoryStore()
		l := New(store, nil, nil)

		for _, code := range []string{"GLU", "NA", "K"} {
			decision, err := l.Admit(ctx, testMessage("Analyzer1", "1", "SID456", code), nil)
			require.NoError(t, err)
			assert.Equal(t, DecisionNew, decision)
		}
		assert.Equal(t, 3, store.Len())
	})
}

func TestLedgerConclude(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, nil, nil)
	msg := testMessage("Analyzer1", "1", "SID456", "GLU")

	_, err := l.Admit(ctx, msg, nil)
	require.NoError(t, err)

	t.Run("mark delivered", func(t *testing.T) {
		require.NoError(t, l.MarkDelivered(ctx, msg.MessageID, 2))
		rec, _, err := l.Get(ctx, msg.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, rec.Status)
		assert.Equal(t, 2, rec.AttemptCount)
		assert.False(t, rec.LastAttempt.IsZero())
	})

	t.Run("mark failed records the cause", func(t *testing.T) {
		other := testMessage("Analyzer1", "9", "SID999", "GLU")
		_, err := l.Admit(ctx, other, nil)
		require.NoError(t, err)
		require.NoError(t, l.MarkFailed(ctx, other.MessageID, 5, errors.New("connection refused")))

		rec, _, err := l.Get(ctx, other.MessageID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "connection refused", rec.LastError)
	})

	t.Run("unknown message id errors", func(t *testing.T) {
		err := l.MarkDelivered(ctx, "deadbeef", 1)
		assert.Error(t, err)
	})
}

func TestLedgerFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, nil, nil)
	l.now = func() time.Time { return time.Date(2024, 1, 15, 9, 25, 0, 0, time.UTC) }

	for i, seq := range []string{"1", "2", "3"} {
		msg := testMessage("Analyzer1", seq, "SID456", "GLU")
		_, err := l.Admit(ctx, msg, nil)
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, l.MarkFailed(ctx, msg.MessageID, 5, errors.New("down")))
		}
	}

	failed, err := l.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
	for _, rec := range failed {
		assert.Equal(t, StatusFailed, rec.Status)
	}
}

func TestLedgerConcurrentAdmit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, nil, nil)
	msg := testMessage("Analyzer1", "1", "SID456", "GLU")

	const workers = 16
	decisions := make([]Decision, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := l.Admit(ctx, msg, nil)
			require.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, d := range decisions {
		if d == DecisionNew {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one concurrent admit may win")
	assert.Equal(t, 1, store.Len())

	rec, _, err := l.Get(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, workers-1, rec.DuplicateCount)
}
