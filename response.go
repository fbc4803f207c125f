package modbus

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ReadCoilsResponse carries coil states read by function 1. The wire format
// packs eight coils per byte, least significant bit first, so after Decode
// the Coils slice is padded up to a multiple of eight; the requester knows
// how many of them it asked for.
type ReadCoilsResponse struct {
	Header
	Coils []bool
}

func (m *ReadCoilsResponse) response() {}

// FunctionCode implements Message.
func (m *ReadCoilsResponse) FunctionCode() FunctionCode { return FuncReadCoils }

// Encode implements Message.
func (m *ReadCoilsResponse) Encode(w io.Writer) error {
	count := (len(m.Coils) + 7) / 8
	if err := m.Header.encode(w, 2+count); err != nil {
		return err
	}
	p := make([]byte, 2+count)
	p[0] = byte(FuncReadCoils)
	p[1] = byte(count)
	for i, on := range m.Coils {
		if on {
			p[2+i/8] |= 1 << (i % 8)
		}
	}
	_, err := w.Write(p)
	return err
}

// Decode implements Message.
func (m *ReadCoilsResponse) Decode(r io.Reader) error {
	count, data, err := decodeCounted(r, &m.Header, FuncReadCoils)
	if err != nil {
		return err
	}
	m.Coils = make([]bool, count*8)
	for i := range m.Coils {
		m.Coils[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return nil
}

// ReadHoldingRegistersResponse carries register values read by function 3.
type ReadHoldingRegistersResponse struct {
	Header
	Values []uint16
}

func (m *ReadHoldingRegistersResponse) response() {}

// FunctionCode implements Message.
func (m *ReadHoldingRegistersResponse) FunctionCode() FunctionCode { return FuncReadHoldingRegisters }

// Encode implements Message.
func (m *ReadHoldingRegistersResponse) Encode(w io.Writer) error {
	count := 2 * len(m.Values)
	if err := m.Header.encode(w, 2+count); err != nil {
		return err
	}
	p := make([]byte, 2+count)
	p[0] = byte(FuncReadHoldingRegisters)
	p[1] = byte(count)
	for i, v := range m.Values {
		binary.BigEndian.PutUint16(p[2+2*i:], v)
	}
	_, err := w.Write(p)
	return err
}

// Decode implements Message.
func (m *ReadHoldingRegistersResponse) Decode(r io.Reader) error {
	count, data, err := decodeCounted(r, &m.Header, FuncReadHoldingRegisters)
	if err != nil {
		return err
	}
	if count%2 != 0 {
		return errors.Errorf("odd register byte count %d", count)
	}
	m.Values = make([]uint16, count/2)
	for i := range m.Values {
		m.Values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return nil
}

// decodeCounted consumes a frame whose PDU is the function code, a byte
// count, and that many data bytes.
func decodeCounted(r io.Reader, h *Header, want FunctionCode) (count int, data []byte, err error) {
	pduLen, err := h.decode(r)
	if err != nil {
		return 0, nil, err
	}
	if pduLen < 2 {
		return 0, nil, errors.Errorf("unexpected PDU length %d for function %d", pduLen, want)
	}
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	if FunctionCode(head[0]) != want {
		return 0, nil, errors.Errorf("unexpected function code %d, want %d", head[0], want)
	}
	count = int(head[1])
	if count != pduLen-2 {
		return 0, nil, errors.Errorf("byte count %d disagrees with PDU length %d", count, pduLen)
	}
	data = make([]byte, count)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return count, data, nil
}

// WriteSingleRegisterResponse echoes a successful function 6 write.
type WriteSingleRegisterResponse struct {
	Header
	Address uint16
	Value   uint16
}

func (m *WriteSingleRegisterResponse) response() {}

// FunctionCode implements Message.
func (m *WriteSingleRegisterResponse) FunctionCode() FunctionCode { return FuncWriteSingleRegister }

// Encode implements Message.
func (m *WriteSingleRegisterResponse) Encode(w io.Writer) error {
	return encodeTwoWords(w, &m.Header, FuncWriteSingleRegister, m.Address, m.Value)
}

// Decode implements Message.
func (m *WriteSingleRegisterResponse) Decode(r io.Reader) (err error) {
	m.Address, m.Value, err = decodeTwoWords(r, &m.Header, FuncWriteSingleRegister)
	return err
}

// ExceptionResponse reports a failed request: the original function code
// with the error bit set, followed by one exception code byte.
type ExceptionResponse struct {
	Header
	// Function is the function code of the failed request, without the
	// error bit.
	Function FunctionCode
	Code     ExceptionCode
}

func (m *ExceptionResponse) response() {}

// FunctionCode implements Message.
func (m *ExceptionResponse) FunctionCode() FunctionCode { return m.Function.AsError() }

// Encode implements Message.
func (m *ExceptionResponse) Encode(w io.Writer) error {
	if err := m.Header.encode(w, 2); err != nil {
		return err
	}
	_, err := w.Write([]byte{byte(m.Function.AsError()), byte(m.Code)})
	return err
}

// Decode implements Message.
func (m *ExceptionResponse) Decode(r io.Reader) error {
	pduLen, err := m.Header.decode(r)
	if err != nil {
		return err
	}
	if pduLen != 2 {
		return errors.Errorf("unexpected PDU length %d for exception response", pduLen)
	}
	var p [2]byte
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return err
	}
	fc := FunctionCode(p[0])
	if !fc.IsError() {
		return errors.Errorf("function code %d lacks the error bit", p[0])
	}
	m.Function = fc.Base()
	m.Code = ExceptionCode(p[1])
	return nil
}

// UnimplementedResponse stands in for any function code without a registered
// response variant, preserving the raw PDU data.
type UnimplementedResponse struct {
	Header
	Code FunctionCode
	Data []byte
}

func (m *UnimplementedResponse) response() {}

// FunctionCode implements Message.
func (m *UnimplementedResponse) FunctionCode() FunctionCode { return m.Code }

// Encode implements Message.
func (m *UnimplementedResponse) Encode(w io.Writer) error {
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
func (m *UnimplementedResponse) Decode(r io.Reader) error {
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
