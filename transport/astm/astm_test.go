package astm

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/protocol"
	"github.com/drblury/labflow/internal/broker/protocol/astm"
	"github.com/drblury/labflow/transport"
)

type frameRecorder struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (r *frameRecorder) HandleFrame(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(frame.Payload))
	if r.err != nil {
		return nil, r.err
	}
	return protocol.DefaultRegistry.Decode(frame)
}

func (r *frameRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func startListener(t *testing.T, handler transport.Handler) (*Listener, net.Conn, context.CancelFunc) {
	t.Helper()
	cfg := config.InstrumentConfig{
		ID:            "Analyzer1",
		Protocol:      "astm",
		ListenAddress: "127.0.0.1:0",
		AckTimeout:    2 * time.Second,
		IdleTimeout:   2 * time.Second,
	}
	built, err := Build(cfg, transport.Deps{Handler: handler})
	require.NoError(t, err)
	listener := built.(*Listener)

	ctx, cancel := context.WithCancel(context.Background())
	go listener.Run(ctx)

	require.Eventually(t, func() bool {
		return listener.Addr() != cfg.ListenAddress
	}, 2*time.Second, 10*time.Millisecond, "listener never bound")

	conn, err := net.Dial("tcp", listener.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return listener, conn, cancel
}

func expectByte(t *testing.T, reader *bufio.Reader, want byte) {
	t.Helper()
	b, err := reader.ReadByte()
	require.NoError(t, err)
	require.Equal(t, want, b)
}

func TestListenerTransfersMessage(t *testing.T) {
	recorder := &frameRecorder{}
	_, conn, _ := startListener(t, recorder)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	records := []string{
		"H|\\^&|||Analyzer1||||||LIS||P|1",
		"P|1||PID123",
		"O|1|SID456||^^^GLU",
		"R|1|^^^GLU|95|mg/dL|70-100||N",
		"L|1|N",
	}
	for i, record := range records {
		_, err := conn.Write(astm.BuildFrame(byte('1'+i), record))
		require.NoError(t, err)
		expectByte(t, reader, astm.ACK)
	}

	_, err = conn.Write([]byte{astm.EOT})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := recorder.received()[0]
	assert.Contains(t, payload, "H|\\^&|||Analyzer1")
	assert.Contains(t, payload, "R|1|^^^GLU|95|mg/dL")
	assert.Contains(t, payload, "L|1|N")
}

func TestListenerNaksBadChecksum(t *testing.T) {
	recorder := &frameRecorder{}
	_, conn, _ := startListener(t, recorder)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	frame := astm.BuildFrame('1', "H|\\^&|||Analyzer1")
	frame[3] ^= 0x01 // corrupt a payload byte after checksum computation
	_, err = conn.Write(frame)
	require.NoError(t, err)
	expectByte(t, reader, astm.NAK)

	assert.Empty(t, recorder.received(), "corrupt frames never reach the handler")
}

func TestListenerNaksRejectedMessage(t *testing.T) {
	recorder := &frameRecorder{err: &protocol.DecodeError{Kind: protocol.KindASTM, Reason: "bad message"}}
	_, conn, _ := startListener(t, recorder)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	_, err = conn.Write(astm.BuildFrame('1', "H|\\^&|||Analyzer1||||||LIS||P|1"))
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	// The terminator frame's acknowledgement reflects the handler outcome.
	_, err = conn.Write(astm.BuildFrame('2', "L|1|N"))
	require.NoError(t, err)
	expectByte(t, reader, astm.NAK)
}

func TestListenerAssemblesPartialFrames(t *testing.T) {
	recorder := &frameRecorder{}
	_, conn, _ := startListener(t, recorder)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	// Split one header record across an ETB continuation frame.
	part1 := "H|\\^&|||Analyz"
	part2 := "er1||||||LIS||P|1"
	cs := astm.Checksum('1', part1, astm.ETB)
	frame := []byte{astm.STX, '1'}
	frame = append(frame, part1...)
	frame = append(frame, astm.ETB)
	frame = append(frame, []byte{hexDigit(cs >> 4), hexDigit(cs & 0x0F), astm.CR, astm.LF}...)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	_, err = conn.Write(astm.BuildFrame('2', part2))
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	_, err = conn.Write(astm.BuildFrame('3', "L|1|N"))
	require.NoError(t, err)
	expectByte(t, reader, astm.ACK)

	require.Eventually(t, func() bool {
		return len(recorder.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, recorder.received()[0], "H|\\^&|||Analyzer1||||||LIS||P|1")
}

func hexDigit(v byte) byte {
	const digits = "0123456789ABCDEF"
	return digits[v&0x0F]
}
