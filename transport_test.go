package modbus

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// buildFrame assembles a raw MBAP frame around the given PDU.
func buildFrame(tid uint16, uid uint8, pdu []byte) []byte {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], tid)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = uid
	copy(frame[7:], pdu)
	return frame
}

func newTestTransport(t *testing.T, conn net.Conn, opt ...Option) *Transport {
	t.Helper()

	tr, err := NewTransport(conn, opt...)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	return tr
}

func TestTransport_ReadRequest(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	// Read three holding registers starting at address 107 on unit 17.
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	msg, err := tr.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}

	req, ok := msg.(*ReadHoldingRegistersRequest)
	if !ok {
		t.Fatalf("decoded %T, want *ReadHoldingRegistersRequest", msg)
	}
	if req.TransactionID != 1 {
		t.Errorf("TransactionID = %d, want 1", req.TransactionID)
	}
	if req.ProtocolID != 0 {
		t.Errorf("ProtocolID = %d, want 0", req.ProtocolID)
	}
	if req.UnitID != 17 {
		t.Errorf("UnitID = %d, want 17", req.UnitID)
	}
	if req.Address != 107 {
		t.Errorf("Address = %d, want 107", req.Address)
	}
	if req.Quantity != 3 {
		t.Errorf("Quantity = %d, want 3", req.Quantity)
	}
}

func TestTransport_WriteReadRoundTrip(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := newTestTransport(t, serverConn)
	defer server.Close()
	client := newTestTransport(t, clientConn)
	defer client.Close()

	req := &WriteSingleRegisterRequest{
		Header:  Header{TransactionID: 42, UnitID: 9},
		Address: 1000,
		Value:   0xBEEF,
	}
	if err := client.Write(req); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	msg, err := server.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	got, ok := msg.(*WriteSingleRegisterRequest)
	if !ok {
		t.Fatalf("decoded %T, want *WriteSingleRegisterRequest", msg)
	}
	if *got != *req {
		t.Errorf("decoded %+v, want %+v", got, req)
	}

	resp := &ReadHoldingRegistersResponse{
		Header: Header{TransactionID: 42, UnitID: 9},
		Values: []uint16{1, 2, 0xFFFF},
	}
	if err := server.Write(resp); err != nil {
		t.Fatalf("Write response failed: %v", err)
	}

	msg2, err := client.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	gotResp, ok := msg2.(*ReadHoldingRegistersResponse)
	if !ok {
		t.Fatalf("decoded %T, want *ReadHoldingRegistersResponse", msg2)
	}
	if gotResp.TransactionID != 42 || gotResp.UnitID != 9 {
		t.Errorf("header = %+v, want tid=42 uid=9", gotResp.Header)
	}
	if len(gotResp.Values) != 3 || gotResp.Values[2] != 0xFFFF {
		t.Errorf("Values = %v, want [1 2 65535]", gotResp.Values)
	}
}

func TestTransport_ConsumesExactlyOneFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	// Two back-to-back frames delivered in a single write.
	var stream bytes.Buffer
	stream.Write(buildFrame(1, 5, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	stream.Write(buildFrame(2, 5, []byte{0x03, 0x00, 0x10, 0x00, 0x02}))
	if _, err := clientConn.Write(stream.Bytes()); err != nil {
		t.Fatalf("write frames: %v", err)
	}

	for i, want := range []uint16{1, 2} {
		msg, err := tr.ReadRequest()
		if err != nil {
			t.Fatalf("ReadRequest %d failed: %v", i, err)
		}
		if msg.Head().TransactionID != want {
			t.Errorf("frame %d: TransactionID = %d, want %d", i, msg.Head().TransactionID, want)
		}
	}
}

func TestTransport_ReadRequest_ConnectionClosed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	clientConn.Close()

	_, err := tr.ReadRequest()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestTransport_ReadRequest_TruncatedHeader(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	if _, err := clientConn.Write([]byte{0x00, 0x01, 0x00}); err != nil {
		t.Fatalf("write partial header: %v", err)
	}
	clientConn.Close()

	_, err := tr.ReadRequest()
	if !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestTransport_ReadRequest_TruncatedBody(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	// Header declares six body bytes, only two arrive before close.
	if _, err := clientConn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x11, 0x03}); err != nil {
		t.Fatalf("write truncated frame: %v", err)
	}
	clientConn.Close()

	_, err := tr.ReadRequest()
	if !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestTransport_SlowDeliveryWithinTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn, TimeoutOption(200*time.Millisecond))
	defer tr.Close()

	frame := buildFrame(7, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	go func() {
		clientConn.Write(frame[:4])
		time.Sleep(50 * time.Millisecond)
		clientConn.Write(frame[4:])
	}()

	msg, err := tr.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed despite timely delivery: %v", err)
	}
	if msg.Head().TransactionID != 7 {
		t.Errorf("TransactionID = %d, want 7", msg.Head().TransactionID)
	}
}

func TestTransport_TimeoutBeforeDelivery(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn, TimeoutOption(50*time.Millisecond))
	defer tr.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		clientConn.Write(buildFrame(1, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	}()

	start := time.Now()
	_, err := tr.ReadRequest()
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Errorf("read returned after %v, want roughly the 50ms timeout", elapsed)
	}
}

func TestTransport_TimeoutMidFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn, TimeoutOption(50*time.Millisecond))
	defer tr.Close()

	// Full header, body never arrives.
	if _, err := clientConn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06}); err != nil {
		t.Fatalf("write header: %v", err)
	}

	_, err := tr.ReadRequest()
	if !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestTransport_Close_Idempotent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)

	if err := tr.Close(); err != nil {
		t.Errorf("first Close returned %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestTransport_CloseDuringRead(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)

	readErr := make(chan error, 1)
	go func() {
		_, err := tr.ReadRequest()
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("read during close should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after Close")
	}

	// Subsequent calls fail without touching the connection.
	if _, err := tr.ReadRequest(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after Close, got %v", err)
	}
	if err := tr.Write(&ReadCoilsRequest{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed on write after Close, got %v", err)
	}
}

func TestTransport_ConcurrentReads(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	var stream bytes.Buffer
	stream.Write(buildFrame(1, 5, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	stream.Write(buildFrame(2, 5, []byte{0x03, 0x00, 0x10, 0x00, 0x02}))
	if _, err := clientConn.Write(stream.Bytes()); err != nil {
		t.Fatalf("write frames: %v", err)
	}

	results := make(chan uint16, 2)
	for i := 0; i < 2; i++ {
		go func() {
			msg, err := tr.ReadRequest()
			if err != nil {
				results <- 0
				return
			}
			results <- msg.Head().TransactionID
		}()
	}

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		select {
		case tid := <-results:
			if seen[tid] {
				t.Errorf("transaction id %d received twice", tid)
			}
			seen[tid] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for concurrent reads")
		}
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected transaction ids 1 and 2, got %v", seen)
	}
}

func TestTransport_SetConn(t *testing.T) {
	serverConn1, clientConn1 := createTestTCPPair(t)
	defer clientConn1.Close()
	serverConn2, clientConn2 := createTestTCPPair(t)
	defer serverConn2.Close()
	defer clientConn2.Close()

	tr := newTestTransport(t, serverConn1)
	defer tr.Close()

	if err := tr.SetConn(nil); !errors.Is(err, ErrInvalidConn) {
		t.Errorf("expected ErrInvalidConn for nil conn, got %v", err)
	}

	if err := tr.SetConn(serverConn2); err != nil {
		t.Fatalf("SetConn failed: %v", err)
	}

	// The previous connection is closed as a side effect.
	buf := make([]byte, 1)
	clientConn1.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := clientConn1.Read(buf); err == nil {
		t.Error("previous connection should be closed after SetConn")
	}

	if _, err := clientConn2.Write(buildFrame(3, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})); err != nil {
		t.Fatalf("write to new conn: %v", err)
	}
	msg, err := tr.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest on new conn failed: %v", err)
	}
	if msg.Head().TransactionID != 3 {
		t.Errorf("TransactionID = %d, want 3", msg.Head().TransactionID)
	}
}

func TestTransport_UnknownFunctionCode(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	pdu := []byte{0x2A, 0xDE, 0xAD, 0xBE, 0xEF}
	if _, err := clientConn.Write(buildFrame(9, 2, pdu)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	msg, err := tr.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	req, ok := msg.(*UnimplementedRequest)
	if !ok {
		t.Fatalf("decoded %T, want *UnimplementedRequest", msg)
	}
	if req.Code != 0x2A {
		t.Errorf("Code = %d, want 42", req.Code)
	}
	if !bytes.Equal(req.Data, pdu[1:]) {
		t.Errorf("Data = %x, want %x", req.Data, pdu[1:])
	}
}

func TestTransport_ReadResponse_Exception(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, clientConn)
	defer tr.Close()

	if _, err := serverConn.Write(buildFrame(4, 1, []byte{0x83, 0x02})); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	msg, err := tr.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	ex, ok := msg.(*ExceptionResponse)
	if !ok {
		t.Fatalf("decoded %T, want *ExceptionResponse", msg)
	}
	if ex.Function != FuncReadHoldingRegisters {
		t.Errorf("Function = %d, want %d", ex.Function, FuncReadHoldingRegisters)
	}
	if ex.Code != ExceptionIllegalDataAddress {
		t.Errorf("Code = %d, want %d", ex.Code, ExceptionIllegalDataAddress)
	}
}

func TestTransport_MessageTooLarge(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	tr := newTestTransport(t, serverConn)
	defer tr.Close()

	// Length field far beyond the maximum ADU.
	header := []byte{0x00, 0x01, 0x00, 0x00, 0x10, 0x00}
	if _, err := clientConn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	_, err := tr.ReadRequest()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
