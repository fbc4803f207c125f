package modbus

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Header holds the MBAP fields shared by every request and response. The
// length field is not stored: it is derived from the payload on encode and
// consumed during decode.
//
// ProtocolID is forwarded as received and never validated against
// DefaultProtocolID; peers that fill it with garbage are tolerated.
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	UnitID        uint8
}

// Head returns the header itself. It exists so the Message interface exposes
// the correlation fields of any variant that embeds Header.
func (h *Header) Head() *Header {
	return h
}

// encode writes the MBAP header for a PDU of pduLen bytes (function code
// included).
func (h *Header) encode(w io.Writer, pduLen int) error {
	var b [mbapHeaderLen]byte
	binary.BigEndian.PutUint16(b[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(b[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(b[4:6], uint16(pduLen+1)) // unit id byte
	b[6] = h.UnitID
	_, err := w.Write(b[:])
	return err
}

// decode consumes the MBAP header and returns the PDU length it declares.
func (h *Header) decode(r io.Reader) (pduLen int, err error) {
	var b [mbapHeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	h.TransactionID = binary.BigEndian.Uint16(b[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(b[2:4])
	l := int(binary.BigEndian.Uint16(b[4:6]))
	h.UnitID = b[6]
	if l < 2 {
		return 0, errors.Errorf("invalid length field %d", l)
	}
	return l - 1, nil
}

// Message is a single Modbus message. Implementations own their complete
// wire representation: Encode writes the full frame (header and payload) to
// the sink, Decode consumes the full frame from the start of the source,
// re-reading the header fields it needs for correlation.
type Message interface {
	// Head returns the MBAP correlation fields.
	Head() *Header
	// FunctionCode returns the function code identifying this variant.
	FunctionCode() FunctionCode
	// Encode writes the complete frame to w.
	Encode(w io.Writer) error
	// Decode consumes the complete frame from r.
	Decode(r io.Reader) error
}

// Request is a message travelling master to slave.
type Request interface {
	Message
	request()
}

// Response is a message travelling slave to master.
type Response interface {
	Message
	response()
}

// requestFactories maps function codes to empty request constructors.
var requestFactories = map[FunctionCode]func() Request{
	FuncReadCoils:            func() Request { return new(ReadCoilsRequest) },
	FuncReadHoldingRegisters: func() Request { return new(ReadHoldingRegistersRequest) },
	FuncWriteSingleRegister:  func() Request { return new(WriteSingleRegisterRequest) },
}

// responseFactories maps function codes to empty response constructors.
var responseFactories = map[FunctionCode]func() Response{
	FuncReadCoils:            func() Response { return new(ReadCoilsResponse) },
	FuncReadHoldingRegisters: func() Response { return new(ReadHoldingRegistersResponse) },
	FuncWriteSingleRegister:  func() Response { return new(WriteSingleRegisterResponse) },
}

// NewRequest returns a fresh, empty request for the given function code.
// Unknown codes never fail the lookup: they yield an UnimplementedRequest so
// the frame can still be consumed and answered with an exception.
func NewRequest(fc FunctionCode) Request {
	if f, ok := requestFactories[fc]; ok {
		return f()
	}
	return new(UnimplementedRequest)
}

// NewResponse returns a fresh, empty response for the given function code.
// Codes with the error bit set yield an ExceptionResponse; unknown codes
// yield an UnimplementedResponse.
func NewResponse(fc FunctionCode) Response {
	if fc.IsError() {
		return new(ExceptionResponse)
	}
	if f, ok := responseFactories[fc]; ok {
		return f()
	}
	return new(UnimplementedResponse)
}
