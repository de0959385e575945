// Package packet implements the wire codec for the softrdma transport:
// a bijective mapping between typed packet descriptions and the byte
// sequences carried inside UDP datagrams.
//
// Every packet starts with a 12-byte base transport header (BTH),
// followed by opcode-specific extension headers, an optional payload
// padded to 4-byte alignment, and a trailing 4-byte ICRC:
//
//	 0               1               2               3
//	+---------------+---------------+---------------+---------------+
//	|TTT|  opcode   |S| pad |  ver  |             pkey              |
//	+---------------+---------------+---------------+---------------+
//	|   reserved    |                 destination QPN               |
//	+---------------+---------------+---------------+---------------+
//	|A|  reserved   |             packet sequence number            |
//	+---------------+---------------+---------------+---------------+
//
// The codec is stateless and safe for concurrent use from any number
// of queue pairs. Decoding is fail-closed: truncated input, unknown
// opcodes, disagreeing length fields, bad padding, or an ICRC mismatch
// all yield a typed error and never a partial packet.
package packet

import "fmt"

// Header sizes in bytes.
const (
	BTHSize          = 12
	RETHSize         = 16
	AETHSize         = 4
	ImmDtSize        = 4
	AtomicETHSize    = 28
	AtomicAckETHSize = 8
	ICRCSize         = 4
)

// BTH byte 0: three transport-type bits over a five-bit opcode.
const (
	opcodeMask    = 0x1F
	transTypeMask = 0x07
	transShift    = 5
)

// BTH byte 1: solicited event bit, two pad-count bits, version nibble.
const (
	solicitedBit = 0x80
	padMask      = 0x03
	padShift     = 5
	versionMask  = 0x0F
)

// BTH byte 8: acknowledgment-request bit over the PSN.
const ackReqBit = 0x80

// AETH byte 0: two code bits over a five-bit value.
const (
	aethCodeMask  = 0x03
	aethCodeShift = 5
	aethValueMask = 0x1F
)

// 24-bit field masks for the PSN, destination QPN and MSN.
const (
	psnMask = 0x00FFFFFF
	qpnMask = 0x00FFFFFF
	msnMask = 0x00FFFFFF
)

// TransType is the transport service type carried in the BTH.
type TransType uint8

const (
	TransTypeRC  TransType = 0x00
	TransTypeUC  TransType = 0x01
	TransTypeRD  TransType = 0x02
	TransTypeUD  TransType = 0x03
	TransTypeCNP TransType = 0x04
	TransTypeXRC TransType = 0x05
)

// Valid reports whether the transport type is one the engine decodes.
func (t TransType) Valid() bool {
	return t <= TransTypeXRC
}

func (t TransType) String() string {
	switch t {
	case TransTypeRC:
		return "RC"
	case TransTypeUC:
		return "UC"
	case TransTypeRD:
		return "RD"
	case TransTypeUD:
		return "UD"
	case TransTypeCNP:
		return "CNP"
	case TransTypeXRC:
		return "XRC"
	default:
		return fmt.Sprintf("TransType(%d)", uint8(t))
	}
}

// Opcode is the five-bit operation code carried in the BTH.
type Opcode uint8

const (
	OpSendFirst         Opcode = 0x00
	OpSendMiddle        Opcode = 0x01
	OpSendLast          Opcode = 0x02
	OpSendLastImm       Opcode = 0x03
	OpSendOnly          Opcode = 0x04
	OpSendOnlyImm       Opcode = 0x05
	OpWriteFirst        Opcode = 0x06
	OpWriteMiddle       Opcode = 0x07
	OpWriteLast         Opcode = 0x08
	OpWriteLastImm      Opcode = 0x09
	OpWriteOnly         Opcode = 0x0A
	OpWriteOnlyImm      Opcode = 0x0B
	OpReadRequest       Opcode = 0x0C
	OpReadRespFirst     Opcode = 0x0D
	OpReadRespMiddle    Opcode = 0x0E
	OpReadRespLast      Opcode = 0x0F
	OpReadRespOnly      Opcode = 0x10
	OpAcknowledge       Opcode = 0x11
	OpAtomicAcknowledge Opcode = 0x12
	OpCompareSwap       Opcode = 0x13
	OpFetchAdd          Opcode = 0x14
	opMax               Opcode = 0x14
)

// Valid reports whether the opcode is one the engine decodes.
func (o Opcode) Valid() bool {
	return o <= opMax
}

// IsSend reports whether the opcode belongs to the send family.
func (o Opcode) IsSend() bool {
	return o <= OpSendOnlyImm
}

// IsWrite reports whether the opcode belongs to the RDMA write family.
func (o Opcode) IsWrite() bool {
	return o >= OpWriteFirst && o <= OpWriteOnlyImm
}

// IsReadResp reports whether the opcode is an RDMA read response.
func (o Opcode) IsReadResp() bool {
	return o >= OpReadRespFirst && o <= OpReadRespOnly
}

// IsRequest reports whether the opcode is requester-to-responder
// traffic that consumes a receive-side packet sequence number.
func (o Opcode) IsRequest() bool {
	return o.IsSend() || o.IsWrite() || o == OpReadRequest || o.IsAtomic()
}

// IsResponse reports whether the opcode is responder-to-requester
// traffic (acknowledgments and read responses).
func (o Opcode) IsResponse() bool {
	return o.IsReadResp() || o == OpAcknowledge || o == OpAtomicAcknowledge
}

// IsAtomic reports whether the opcode is an atomic request.
func (o Opcode) IsAtomic() bool {
	return o == OpCompareSwap || o == OpFetchAdd
}

// IsFirst reports whether the opcode opens a multi-packet message.
func (o Opcode) IsFirst() bool {
	return o == OpSendFirst || o == OpWriteFirst || o == OpReadRespFirst
}

// IsMiddle reports whether the opcode continues a multi-packet message.
func (o Opcode) IsMiddle() bool {
	return o == OpSendMiddle || o == OpWriteMiddle || o == OpReadRespMiddle
}

// IsLast reports whether the opcode closes a multi-packet message.
func (o Opcode) IsLast() bool {
	switch o {
	case OpSendLast, OpSendLastImm, OpWriteLast, OpWriteLastImm, OpReadRespLast:
		return true
	default:
		return false
	}
}

// IsOnly reports whether the opcode is a complete single-packet message.
func (o Opcode) IsOnly() bool {
	switch o {
	case OpSendOnly, OpSendOnlyImm, OpWriteOnly, OpWriteOnlyImm,
		OpReadRespOnly, OpReadRequest, OpAcknowledge, OpAtomicAcknowledge,
		OpCompareSwap, OpFetchAdd:
		return true
	default:
		return false
	}
}

// HasRETH reports whether the opcode carries an RDMA extended
// transport header after the BTH.
func (o Opcode) HasRETH() bool {
	switch o {
	case OpWriteFirst, OpWriteOnly, OpWriteOnlyImm, OpReadRequest:
		return true
	default:
		return false
	}
}

// HasAETH reports whether the opcode carries an acknowledgment
// extended transport header.
func (o Opcode) HasAETH() bool {
	switch o {
	case OpAcknowledge, OpAtomicAcknowledge,
		OpReadRespFirst, OpReadRespLast, OpReadRespOnly:
		return true
	default:
		return false
	}
}

// HasImmDt reports whether the opcode carries four bytes of immediate
// data after the other extension headers.
func (o Opcode) HasImmDt() bool {
	switch o {
	case OpSendLastImm, OpSendOnlyImm, OpWriteLastImm, OpWriteOnlyImm:
		return true
	default:
		return false
	}
}

// HasAtomicETH reports whether the opcode carries an atomic extended
// transport header.
func (o Opcode) HasAtomicETH() bool {
	return o.IsAtomic()
}

// HasAtomicAckETH reports whether the opcode carries the atomic
// acknowledgment header with the original value.
func (o Opcode) HasAtomicAckETH() bool {
	return o == OpAtomicAcknowledge
}

// CanCarryPayload reports whether the opcode admits a payload.
func (o Opcode) CanCarryPayload() bool {
	return o.IsSend() || o.IsWrite() || o.IsReadResp()
}

func (o Opcode) String() string {
	switch o {
	case OpSendFirst:
		return "SEND_FIRST"
	case OpSendMiddle:
		return "SEND_MIDDLE"
	case OpSendLast:
		return "SEND_LAST"
	case OpSendLastImm:
		return "SEND_LAST_IMM"
	case OpSendOnly:
		return "SEND_ONLY"
	case OpSendOnlyImm:
		return "SEND_ONLY_IMM"
	case OpWriteFirst:
		return "WRITE_FIRST"
	case OpWriteMiddle:
		return "WRITE_MIDDLE"
	case OpWriteLast:
		return "WRITE_LAST"
	case OpWriteLastImm:
		return "WRITE_LAST_IMM"
	case OpWriteOnly:
		return "WRITE_ONLY"
	case OpWriteOnlyImm:
		return "WRITE_ONLY_IMM"
	case OpReadRequest:
		return "READ_REQUEST"
	case OpReadRespFirst:
		return "READ_RESP_FIRST"
	case OpReadRespMiddle:
		return "READ_RESP_MIDDLE"
	case OpReadRespLast:
		return "READ_RESP_LAST"
	case OpReadRespOnly:
		return "READ_RESP_ONLY"
	case OpAcknowledge:
		return "ACKNOWLEDGE"
	case OpAtomicAcknowledge:
		return "ATOMIC_ACKNOWLEDGE"
	case OpCompareSwap:
		return "COMPARE_SWAP"
	case OpFetchAdd:
		return "FETCH_ADD"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
	}
}

// AETHCode is the two-bit acknowledgment class in the AETH syndrome.
type AETHCode uint8

const (
	AETHCodeACK  AETHCode = 0
	AETHCodeRNR  AETHCode = 1
	AETHCodeRsvd AETHCode = 2
	AETHCodeNAK  AETHCode = 3
)

// NAK syndrome values.
const (
	NAKSeqErr       = 0x00
	NAKInvalidReq   = 0x01
	NAKRemoteAccess = 0x02
	NAKRemoteOpErr  = 0x03
	NAKInvalidRDReq = 0x04
)

func (c AETHCode) String() string {
	switch c {
	case AETHCodeACK:
		return "ACK"
	case AETHCodeRNR:
		return "RNR"
	case AETHCodeNAK:
		return "NAK"
	default:
		return fmt.Sprintf("AETHCode(%d)", uint8(c))
	}
}

// NAKString returns a short label for a NAK syndrome value.
func NAKString(value uint8) string {
	switch value {
	case NAKSeqErr:
		return "sequence_error"
	case NAKInvalidReq:
		return "invalid_request"
	case NAKRemoteAccess:
		return "remote_access"
	case NAKRemoteOpErr:
		return "remote_operation"
	case NAKInvalidRDReq:
		return "invalid_rd_request"
	default:
		return fmt.Sprintf("syndrome_%d", value)
	}
}

// BTH is the base transport header present in every packet.
type BTH struct {
	TransType TransType
	Opcode    Opcode
	Solicited bool
	PadCount  uint8
	PKey      uint16
	DestQPN   uint32 // 24-bit
	AckReq    bool
	PSN       uint32 // 24-bit
}

// RETH addresses remote memory for RDMA writes and read requests.
type RETH struct {
	VA   uint64
	RKey uint32
	DLen uint32
}

// AETH acknowledges requester traffic. Value holds credits for ACK,
// the backoff hint for RNR, and the NAK syndrome for NAK.
type AETH struct {
	Code  AETHCode
	Value uint8  // 5-bit
	MSN   uint32 // 24-bit message sequence number
}

// AtomicETH carries the operands of an atomic request.
type AtomicETH struct {
	VA      uint64
	RKey    uint32
	SwapAdd uint64
	Compare uint64
}

// AtomicAckETH returns the original value read by an atomic operation.
type AtomicAckETH struct {
	Original uint64
}

// Packet is the decoded in-memory form of one wire packet. Extension
// header pointers are nil when the opcode does not carry them; Encode
// rejects descriptions whose headers disagree with the opcode.
type Packet struct {
	BTH          BTH
	RETH         *RETH
	AETH         *AETH
	AtomicETH    *AtomicETH
	AtomicAckETH *AtomicAckETH
	ImmDt        uint32
	Payload      []byte
}

// HeaderLen returns the total header length implied by the opcode,
// excluding payload, padding and ICRC.
func HeaderLen(op Opcode) int {
	n := BTHSize
	if op.HasRETH() {
		n += RETHSize
	}

	if op.HasAETH() {
		n += AETHSize
	}

	if op.HasAtomicETH() {
		n += AtomicETHSize
	}

	if op.HasAtomicAckETH() {
		n += AtomicAckETHSize
	}

	if op.HasImmDt() {
		n += ImmDtSize
	}

	return n
}

// PSNAdd returns psn advanced by n within the 24-bit sequence space.
func PSNAdd(psn uint32, n uint32) uint32 {
	return (psn + n) & psnMask
}

// PSNPrev returns the sequence number immediately preceding psn.
func PSNPrev(psn uint32) uint32 {
	return (psn - 1) & psnMask
}

// PSNDistance returns the forward distance from a to b in the 24-bit
// sequence space.
func PSNDistance(a, b uint32) uint32 {
	return (b - a) & psnMask
}

// PSNBefore reports whether a precedes b, interpreting the 24-bit
// space as a half-open sliding window: a is "before" b when the
// forward distance from a to b is less than half the space.
func PSNBefore(a, b uint32) bool {
	d := PSNDistance(a, b)
	return d != 0 && d < (psnMask+1)/2
}
