package modbus

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// encodeTwoWords writes a complete frame whose PDU is the function code
// followed by two big-endian words, the shape shared by the read requests
// and the single-register write.
func encodeTwoWords(w io.Writer, h *Header, fc FunctionCode, a, b uint16) error {
	if err := h.encode(w, 5); err != nil {
		return err
	}
	var p [5]byte
	p[0] = byte(fc)
	binary.BigEndian.PutUint16(p[1:3], a)
	binary.BigEndian.PutUint16(p[3:5], b)
	_, err := w.Write(p[:])
	return err
}

// decodeTwoWords consumes a complete two-word frame and checks the function
// code against the variant being decoded.
func decodeTwoWords(r io.Reader, h *Header, want FunctionCode) (a, b uint16, err error) {
	pduLen, err := h.decode(r)
	if err != nil {
		return 0, 0, err
	}
	if pduLen != 5 {
		return 0, 0, errors.Errorf("unexpected PDU length %d for function %d", pduLen, want)
	}
	var p [5]byte
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return 0, 0, err
	}
	if FunctionCode(p[0]) != want {
		return 0, 0, errors.Errorf("unexpected function code %d, want %d", p[0], want)
	}
	return binary.BigEndian.Uint16(p[1:3]), binary.BigEndian.Uint16(p[3:5]), nil
}

// ReadCoilsRequest reads Quantity coils starting at Address (function 1).
type ReadCoilsRequest struct {
	Header
	Address  uint16
	Quantity uint16
}

func (m *ReadCoilsRequest) request() {}

// FunctionCode implements Message.
func (m *ReadCoilsRequest) FunctionCode() FunctionCode { return FuncReadCoils }

// Encode implements Message.
func (m *ReadCoilsRequest) Encode(w io.Writer) error {
	return encodeTwoWords(w, &m.Header, FuncReadCoils, m.Address, m.Quantity)
}

// Decode implements Message.
func (m *ReadCoilsRequest) Decode(r io.Reader) (err error) {
	m.Address, m.Quantity, err = decodeTwoWords(r, &m.Header, FuncReadCoils)
	return err
}

// ReadHoldingRegistersRequest reads Quantity holding registers starting at
// Address (function 3).
type ReadHoldingRegistersRequest struct {
	Header
	Address  uint16
	Quantity uint16
}

func (m *ReadHoldingRegistersRequest) request() {}

// FunctionCode implements Message.
func (m *ReadHoldingRegistersRequest) FunctionCode() FunctionCode { return FuncReadHoldingRegisters }

// Encode implements Message.
func (m *ReadHoldingRegistersRequest) Encode(w io.Writer) error {
	return encodeTwoWords(w, &m.Header, FuncReadHoldingRegisters, m.Address, m.Quantity)
}

// Decode implements Message.
func (m *ReadHoldingRegistersRequest) Decode(r io.Reader) (err error) {
	m.Address, m.Quantity, err = decodeTwoWords(r, &m.Header, FuncReadHoldingRegisters)
	return err
}

// WriteSingleRegisterRequest writes Value to the holding register at Address
// (function 6).
type WriteSingleRegisterRequest struct {
	Header
	Address uint16
	Value   uint16
}

func (m *WriteSingleRegisterRequest) request() {}

// FunctionCode implements Message.
func (m *WriteSingleRegisterRequest) FunctionCode() FunctionCode { return FuncWriteSingleRegister }

// Encode implements Message.
func (m *WriteSingleRegisterRequest) Encode(w io.Writer) error {
	return encodeTwoWords(w, &m.Header, FuncWriteSingleRegister, m.Address, m.Value)
}

// Decode implements Message.
func (m *WriteSingleRegisterRequest) Decode(r io.Reader) (err error) {
	m.Address, m.Value, err = decodeTwoWords(r, &m.Header, FuncWriteSingleRegister)
	return err
}

// UnimplementedRequest stands in for any function code without a registered
// request variant. It consumes and preserves the raw PDU data so the frame
// is fully read off the stream and the caller can answer with
// ExceptionIllegalFunction.
type UnimplementedRequest struct {
	Header
	Code FunctionCode
	Data []byte
}

func (m *UnimplementedRequest) request() {}

// FunctionCode implements Message.
func (m *UnimplementedRequest) FunctionCode() FunctionCode { return m.Code }

// Encode implements Message.
func (m *UnimplementedRequest) Encode(w io.Writer) error {
	if err := m.Header.encode(w, 1+len(m.Data)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Code)}); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

// Decode implements Message.
func (m *UnimplementedRequest) Decode(r io.Reader) error {
	pduLen, err := m.Header.decode(r)
	if err != nil {
		return err
	}
	var fc [1]byte
	if _, err := io.ReadFull(r, fc[:]); err != nil {
		return err
	}
	m.Code = FunctionCode(fc[0])
	m.Data = make([]byte, pduLen-1)
	_, err = io.ReadFull(r, m.Data)
	return err
}
