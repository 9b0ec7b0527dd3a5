package mllp

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
	"github.com/drblury/labflow/transport"

	_ "github.com/drblury/labflow/internal/broker/protocol/hl7"
)

const oruMessage = "MSH|^~\\&|Analyzer1|Lab|LIS|Hospital|20240115092500||ORU^R01|MSG0001|P|2.5.1\r" +
	"PID|1||PID123||Doe^Jane\r" +
	"OBR|1||SID456\r" +
	"OBX|1|NM|GLU^Glucose||95|mg/dL|70-100|N|||F\r"

type decodingHandler struct {
	mu     sync.Mutex
	frames int
}

func (h *decodingHandler) HandleFrame(ctx context.Context, frame protocol.RawFrame) (protocol.Message, error) {
	h.mu.Lock()
	h.frames++
	h.mu.Unlock()
	return protocol.DefaultRegistry.Decode(frame)
}

func (h *decodingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

func startListener(t *testing.T, handler transport.Handler) net.Conn {
	t.Helper()
	cfg := config.InstrumentConfig{
		ID:            "Analyzer1",
		Protocol:      "hl7v2",
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
	return conn
}

func sendFramed(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	framed := append([]byte{StartBlock}, payload...)
	framed = append(framed, EndBlock, CarriageRn)
	_, err := conn.Write(framed)
	require.NoError(t, err)
}

func readFramed(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	b, err := reader.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(StartBlock), b)

	payload, err := reader.ReadBytes(EndBlock)
	require.NoError(t, err)
	cr, err := reader.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(CarriageRn), cr)
	return string(payload[:len(payload)-1])
}

func TestListenerAcksResultMessage(t *testing.T) {
	handler := &decodingHandler{}
	conn := startListener(t, handler)
	reader := bufio.NewReader(conn)

	sendFramed(t, conn, oruMessage)
	ackPayload := readFramed(t, reader)

	assert.Contains(t, ackPayload, "MSA|AA|MSG0001")
	assert.Equal(t, 1, handler.count())
}

func TestListenerRejectsUnsupportedType(t *testing.T) {
	handler := &decodingHandler{}
	conn := startListener(t, handler)
	reader := bufio.NewReader(conn)

	adt := "MSH|^~\\&|Analyzer1|Lab|LIS|Hospital|20240115092500||ADT^A01|MSG0002|P|2.5.1\r"
	sendFramed(t, conn, adt)
	ackPayload := readFramed(t, reader)

	// Unsupported types are acknowledged so the instrument stops resending.
	assert.Contains(t, ackPayload, "MSA|AA|MSG0002")
}

func TestListenerNacksMalformedMessage(t *testing.T) {
	handler := &decodingHandler{}
	conn := startListener(t, handler)
	reader := bufio.NewReader(conn)

	sendFramed(t, conn, "not an hl7 message")
	ackPayload := readFramed(t, reader)

	assert.Contains(t, ackPayload, "MSA|AE|")
}

func TestListenerHandlesBackToBackFrames(t *testing.T) {
	handler := &decodingHandler{}
	conn := startListener(t, handler)
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		sendFramed(t, conn, oruMessage)
		ackPayload := readFramed(t, reader)
		assert.Contains(t, ackPayload, "MSA|AA|MSG0001")
	}
	assert.Equal(t, 3, handler.count())
}
