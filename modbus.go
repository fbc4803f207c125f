// Package modbus implements the Modbus/TCP framing transport: it turns the
// unbounded byte stream of a TCP connection into discrete MBAP-framed
// messages on receipt, and serializes messages back onto the stream on send,
// under a configurable receive timeout.
//
// The per-function payload layouts are pluggable through the Message
// interface and the request/response factories; the transport itself only
// delimits frames and classifies stream failures.
package modbus

import (
	"fmt"
	"sort"
)

// Wire format constants for the MBAP framing.
const (
	// maxPDULen is the maximum PDU length (function code + data), in bytes.
	maxPDULen = 253

	// mbapHeaderLen is the length of the full MBAP header, including the
	// unit identifier, in bytes.
	mbapHeaderLen = 7

	// lengthPrefixLen is the number of header bytes preceding the region
	// counted by the length field (transaction id, protocol id, length).
	lengthPrefixLen = 6

	// MaxADULength is the maximum on-wire frame size: the MBAP header plus
	// the maximum PDU.
	MaxADULength = mbapHeaderLen + maxPDULen

	// DefaultProtocolID is the protocol identifier assigned to outgoing
	// frames. Incoming frames are forwarded without validating it.
	DefaultProtocolID = 0
)

// FunctionCode identifies a Modbus function.
type FunctionCode uint8

// Public function code constants.
const (
	FuncReadCoils                  FunctionCode = 1
	FuncReadDiscreteInputs         FunctionCode = 2
	FuncReadHoldingRegisters       FunctionCode = 3
	FuncReadInputRegisters         FunctionCode = 4
	FuncWriteSingleCoil            FunctionCode = 5
	FuncWriteSingleRegister        FunctionCode = 6
	FuncReadExceptionStatus        FunctionCode = 7
	FuncDiagnostic                 FunctionCode = 8
	FuncGetComEventCounter         FunctionCode = 11
	FuncGetComEventLog             FunctionCode = 12
	FuncWriteMultipleCoils         FunctionCode = 15
	FuncWriteMultipleRegisters     FunctionCode = 16
	FuncReportServerID             FunctionCode = 17
	FuncReadFileRecord             FunctionCode = 20
	FuncWriteFileRecord            FunctionCode = 21
	FuncMaskWriteRegister          FunctionCode = 22
	FuncReadWriteMultipleRegisters FunctionCode = 23
	FuncReadFIFOQueue              FunctionCode = 24
	FuncReadDeviceID               FunctionCode = 43
)

// funcError is the bit set in the function code of an exception response.
const funcError FunctionCode = 0x80

// reservedFunctionCodes lists the reserved function codes from Annex A of
// the application protocol specification, in increasing order.
var reservedFunctionCodes = [...]FunctionCode{
	9, 10, 13, 14, 41, 42, 90, 91, 125, 126, 127,
}

// IsReserved reports whether fc is a reserved function code.
func (fc FunctionCode) IsReserved() bool {
	fc &^= funcError
	idx := sort.Search(len(reservedFunctionCodes), func(i int) bool {
		return fc <= reservedFunctionCodes[i]
	})
	return idx < len(reservedFunctionCodes) && fc == reservedFunctionCodes[idx]
}

// IsError reports whether fc carries the exception response bit.
func (fc FunctionCode) IsError() bool {
	return fc&funcError != 0
}

// AsError returns fc with the exception response bit set.
func (fc FunctionCode) AsError() FunctionCode {
	return fc | funcError
}

// Base returns fc with the exception response bit cleared.
func (fc FunctionCode) Base() FunctionCode {
	return fc &^ funcError
}

// ExceptionCode is a Modbus exception response code.
type ExceptionCode uint8

// Exception code constants.
const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionServerFailure      ExceptionCode = 0x04
	ExceptionAcknowledge        ExceptionCode = 0x05
	ExceptionServerBusy         ExceptionCode = 0x06
	ExceptionMemoryParityError  ExceptionCode = 0x08
	ExceptionGatewayUnavailable ExceptionCode = 0x0A
	ExceptionGatewayNoResponse  ExceptionCode = 0x0B
)

// exceptionStrings maps known exception codes to text.
var exceptionStrings = map[ExceptionCode]string{
	ExceptionIllegalFunction:    "illegal function",
	ExceptionIllegalDataAddress: "illegal data address",
	ExceptionIllegalDataValue:   "illegal data value",
	ExceptionServerFailure:      "server device failure",
	ExceptionAcknowledge:        "acknowledge",
	ExceptionServerBusy:         "server device busy",
	ExceptionMemoryParityError:  "memory parity error",
	ExceptionGatewayUnavailable: "gateway path unavailable",
	ExceptionGatewayNoResponse:  "gateway target failed to respond",
}

// Error implements the error interface, so handlers can return an
// ExceptionCode directly and have the server turn it into an exception
// response.
func (ec ExceptionCode) Error() string {
	s, ok := exceptionStrings[ec]
	if !ok {
		s = fmt.Sprintf("unknown exception %02X", uint8(ec))
	}
	return "modbus exception: " + s
}
