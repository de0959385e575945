package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Decode failure reasons. Every failure is terminal for the packet:
// the caller drops the datagram and counts the reason.
var (
	ErrTruncated      = errors.New("packet truncated")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrBadVersion     = errors.New("unsupported header version")
	ErrBadTransType   = errors.New("unknown transport type")
	ErrLengthMismatch = errors.New("length field disagrees with buffer")
	ErrBadPadding     = errors.New("invalid pad count")
	ErrChecksum       = errors.New("ICRC mismatch")
	ErrHeaderMismatch = errors.New("headers disagree with opcode")
	ErrPayloadTooLong = errors.New("payload exceeds maximum")
)

// MaxPayload bounds a single packet's payload. It equals the largest
// PMTU; the queue pair enforces the per-connection PMTU on top.
const MaxPayload = 4096

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// icrc computes the invariant CRC over the packet bytes with the
// trailing checksum field excluded.
func icrc(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// DecodeReason maps a decode error to a short metric label.
func DecodeReason(err error) string {
	switch {
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrUnknownOpcode):
		return "opcode"
	case errors.Is(err, ErrBadVersion):
		return "version"
	case errors.Is(err, ErrBadTransType):
		return "transport"
	case errors.Is(err, ErrLengthMismatch):
		return "length"
	case errors.Is(err, ErrBadPadding):
		return "padding"
	case errors.Is(err, ErrChecksum):
		return "icrc"
	case errors.Is(err, ErrHeaderMismatch):
		return "header"
	case errors.Is(err, ErrPayloadTooLong):
		return "payload"
	default:
		return "other"
	}
}

// EncodedLen returns the wire length of p once encoded.
func EncodedLen(p *Packet) int {
	n := HeaderLen(p.BTH.Opcode) + len(p.Payload)
	pad := (4 - len(p.Payload)%4) % 4

	return n + pad + ICRCSize
}

// Encode serializes p into a freshly allocated wire buffer. The
// description must be self-consistent: extension headers present
// exactly when the opcode requires them, payload only on opcodes that
// carry one.
func Encode(p *Packet) ([]byte, error) {
	op := p.BTH.Opcode
	if !op.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, uint8(op))
	}

	if !p.BTH.TransType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadTransType, uint8(p.BTH.TransType))
	}

	if err := checkHeaders(p); err != nil {
		return nil, err
	}

	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(p.Payload))
	}

	if len(p.Payload) > 0 && !op.CanCarryPayload() {
		return nil, fmt.Errorf("%w: %s carries no payload", ErrHeaderMismatch, op)
	}

	pad := (4 - len(p.Payload)%4) % 4
	buf := make([]byte, EncodedLen(p))

	// BTH
	buf[0] = uint8(p.BTH.TransType)<<transShift | uint8(op)&opcodeMask
	buf[1] = uint8(pad) << padShift

	if p.BTH.Solicited {
		buf[1] |= solicitedBit
	}

	binary.BigEndian.PutUint16(buf[2:4], p.BTH.PKey)
	binary.BigEndian.PutUint32(buf[4:8], p.BTH.DestQPN&qpnMask)
	binary.BigEndian.PutUint32(buf[8:12], p.BTH.PSN&psnMask)

	if p.BTH.AckReq {
		buf[8] |= ackReqBit
	}

	off := BTHSize

	if p.RETH != nil {
		binary.BigEndian.PutUint64(buf[off:], p.RETH.VA)
		binary.BigEndian.PutUint32(buf[off+8:], p.RETH.RKey)
		binary.BigEndian.PutUint32(buf[off+12:], p.RETH.DLen)
		off += RETHSize
	}

	if p.AETH != nil {
		binary.BigEndian.PutUint32(buf[off:], p.AETH.MSN&msnMask)
		buf[off] = uint8(p.AETH.Code&aethCodeMask)<<aethCodeShift | p.AETH.Value&aethValueMask
		off += AETHSize
	}

	if p.AtomicETH != nil {
		binary.BigEndian.PutUint64(buf[off:], p.AtomicETH.VA)
		binary.BigEndian.PutUint32(buf[off+8:], p.AtomicETH.RKey)
		binary.BigEndian.PutUint64(buf[off+12:], p.AtomicETH.SwapAdd)
		binary.BigEndian.PutUint64(buf[off+20:], p.AtomicETH.Compare)
		off += AtomicETHSize
	}

	if p.AtomicAckETH != nil {
		binary.BigEndian.PutUint64(buf[off:], p.AtomicAckETH.Original)
		off += AtomicAckETHSize
	}

	if op.HasImmDt() {
		binary.BigEndian.PutUint32(buf[off:], p.ImmDt)
		off += ImmDtSize
	}

	copy(buf[off:], p.Payload)
	off += len(p.Payload) + pad

	binary.BigEndian.PutUint32(buf[off:], icrc(buf[:off]))

	return buf, nil
}

// checkHeaders rejects descriptions whose extension headers do not
// match the opcode.
func checkHeaders(p *Packet) error {
	op := p.BTH.Opcode

	if (p.RETH != nil) != op.HasRETH() {
		return fmt.Errorf("%w: RETH for %s", ErrHeaderMismatch, op)
	}

	if (p.AETH != nil) != op.HasAETH() {
		return fmt.Errorf("%w: AETH for %s", ErrHeaderMismatch, op)
	}

	if (p.AtomicETH != nil) != op.HasAtomicETH() {
		return fmt.Errorf("%w: AtomicETH for %s", ErrHeaderMismatch, op)
	}

	if (p.AtomicAckETH != nil) != op.HasAtomicAckETH() {
		return fmt.Errorf("%w: AtomicAckETH for %s", ErrHeaderMismatch, op)
	}

	return nil
}

// Decode parses one wire packet. The returned packet's payload slice
// aliases buf; callers that retain the payload beyond the datagram's
// lifetime must copy it.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < BTHSize+ICRCSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}

	body := buf[:len(buf)-ICRCSize]

	want := binary.BigEndian.Uint32(buf[len(buf)-ICRCSize:])
	if got := icrc(body); got != want {
		return nil, fmt.Errorf("%w: got 0x%08X want 0x%08X", ErrChecksum, got, want)
	}

	var p Packet

	p.BTH.TransType = TransType(buf[0] >> transShift)
	p.BTH.Opcode = Opcode(buf[0] & opcodeMask)

	if !p.BTH.TransType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadTransType, uint8(p.BTH.TransType))
	}

	if !p.BTH.Opcode.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, uint8(p.BTH.Opcode))
	}

	if buf[1]&versionMask != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, buf[1]&versionMask)
	}

	p.BTH.Solicited = buf[1]&solicitedBit != 0
	pad := int(buf[1] >> padShift & padMask)
	p.BTH.PKey = binary.BigEndian.Uint16(buf[2:4])
	p.BTH.DestQPN = binary.BigEndian.Uint32(buf[4:8]) & qpnMask
	p.BTH.AckReq = buf[8]&ackReqBit != 0
	p.BTH.PSN = binary.BigEndian.Uint32(buf[8:12]) & psnMask

	op := p.BTH.Opcode

	hdrLen := HeaderLen(op)
	if len(body) < hdrLen {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(body), hdrLen)
	}

	off := BTHSize

	if op.HasRETH() {
		p.RETH = &RETH{
			VA:   binary.BigEndian.Uint64(body[off:]),
			RKey: binary.BigEndian.Uint32(body[off+8:]),
			DLen: binary.BigEndian.Uint32(body[off+12:]),
		}
		off += RETHSize
	}

	if op.HasAETH() {
		p.AETH = &AETH{
			Code:  AETHCode(body[off] >> aethCodeShift & aethCodeMask),
			Value: body[off] & aethValueMask,
			MSN:   binary.BigEndian.Uint32(body[off:]) & msnMask,
		}
		off += AETHSize
	}

	if op.HasAtomicETH() {
		p.AtomicETH = &AtomicETH{
			VA:      binary.BigEndian.Uint64(body[off:]),
			RKey:    binary.BigEndian.Uint32(body[off+8:]),
			SwapAdd: binary.BigEndian.Uint64(body[off+12:]),
			Compare: binary.BigEndian.Uint64(body[off+20:]),
		}
		off += AtomicETHSize
	}

	if op.HasAtomicAckETH() {
		p.AtomicAckETH = &AtomicAckETH{
			Original: binary.BigEndian.Uint64(body[off:]),
		}
		off += AtomicAckETHSize
	}

	if op.HasImmDt() {
		p.ImmDt = binary.BigEndian.Uint32(body[off:])
		off += ImmDtSize
	}

	padded := len(body) - off
	if padded%4 != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, padded)
	}

	if padded < pad {
		return nil, fmt.Errorf("%w: pad %d exceeds payload %d", ErrBadPadding, pad, padded)
	}

	payload := padded - pad
	if payload > 0 && !op.CanCarryPayload() {
		return nil, fmt.Errorf("%w: %d payload bytes on %s", ErrLengthMismatch, payload, op)
	}

	if payload > 0 {
		p.Payload = body[off : off+payload]
	}

	return &p, nil
}

// FirstPacketLen returns the maximum payload of the first packet of a
// message starting at virtual address va: the first packet is shortened
// so that every subsequent packet begins at a PMTU-aligned address.
func FirstPacketLen(va uint64, pmtu uint32) uint32 {
	r := uint32(va) & (pmtu - 1)
	if r == 0 {
		return pmtu
	}

	return pmtu - r
}

// PacketCount returns the number of packets needed to carry a length
// byte message starting at va under the given PMTU.
func PacketCount(va uint64, length uint32, pmtu uint32) uint32 {
	if length == 0 {
		return 1
	}

	first := FirstPacketLen(va, pmtu)
	if length <= first {
		return 1
	}

	rest := length - first

	return 1 + (rest+pmtu-1)/pmtu
}
