package qp

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// PostRecv posts one receive buffer. Buffers may be posted from INIT
// onward so they are in place before the first packet arrives.
func (q *QP) PostRecv(wr verbs.RecvWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()

	switch q.state {
	case verbs.QPStateInit, verbs.QPStateRTR, verbs.QPStateRTS:
	default:
		return fmt.Errorf("%w: post-receive in %s", verbs.ErrInvalidState, q.state)
	}

	if len(q.rq) >= q.limits.MaxRecvWR {
		return fmt.Errorf("%w: %d posted receive buffers", verbs.ErrQueueFull, len(q.rq))
	}

	q.rq = append(q.rq, wr)

	return nil
}

func (q *QP) handleRequest(pkt *packet.Packet) {
	if q.state != verbs.QPStateRTR && q.state != verbs.QPStateRTS {
		metrics.RecordDiscard("state")
		return
	}

	if pkt.BTH.PKey != q.attrs.PKey {
		metrics.RecordDiscard("pkey")
		return
	}

	switch q.typ {
	case verbs.QPTypeUD:
		q.handleDatagram(pkt)
		return
	case verbs.QPTypeUC:
		q.handleUnreliable(pkt)
		return
	}

	psn := pkt.BTH.PSN

	switch {
	case psn == q.ePSN:
		q.gapNaked = false
		q.applyRequest(pkt)

	case packet.PSNBefore(psn, q.ePSN):
		q.handleDuplicate(pkt)

	default:
		// Sequence gap. One NAK per gap tells the requester where to
		// resume; the retransmitted stream will recross ePSN and clear
		// the flag.
		metrics.RecordDiscard("out_of_sequence")

		if !q.gapNaked {
			q.gapNaked = true
			q.sendNAKLocked(packet.NAKSeqErr)
		}
	}
}

// handleDuplicate re-acknowledges an already-processed packet without
// touching memory again. Atomics answer from the cached reply, reads
// are re-executed against current memory, everything else gets a plain
// acknowledgment.
func (q *QP) handleDuplicate(pkt *packet.Packet) {
	metrics.RecordDiscard("duplicate")

	op := pkt.BTH.Opcode

	switch {
	case op.IsAtomic():
		if q.lastAtomic != nil && q.lastAtomic.psn == pkt.BTH.PSN {
			q.transmitLocked(q.lastAtomic.pkt)
			return
		}

		q.sendAckLocked()

	case op == packet.OpReadRequest:
		q.replayReadLocked(pkt)

	default:
		q.sendAckLocked()
	}
}

func (q *QP) applyRequest(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	switch {
	case op.IsSend():
		q.applySend(pkt)
	case op.IsWrite():
		q.applyWrite(pkt)
	case op == packet.OpReadRequest:
		q.applyRead(pkt)
	case op.IsAtomic():
		q.applyAtomic(pkt)
	default:
		metrics.RecordDiscard("opcode")
	}
}

func (q *QP) applySend(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if op.IsFirst() || op.IsOnly() {
		if q.recvMsg != nil {
			q.protoViolationLocked("send restarted mid-message")
			return
		}

		// Receiver not ready: no buffer for the message. The packet is
		// not consumed and ePSN stays put so the retry replays it.
		if len(q.rq) == 0 {
			q.sendRNRLocked()
			return
		}

		q.recvMsg = &recvAssembly{wr: q.rq[0]}
		q.rq = q.rq[1:]
	} else if q.recvMsg == nil {
		q.protoViolationLocked("send continuation without a first packet")
		return
	}

	msg := q.recvMsg

	if len(pkt.Payload) > 0 {
		if err := q.scatterLocked(msg.wr.SGList, msg.off, pkt.Payload); err != nil {
			status := verbs.WCLocalProtErr
			if errors.Is(err, verbs.ErrInvalidParam) {
				status = verbs.WCLocalLenErr
			}

			q.completeLocked(q.recvCQ, verbs.WorkCompletion{
				WRID:   msg.wr.WRID,
				Status: status,
				Opcode: verbs.WCOpRecv,
				QPN:    q.qpn,
			})
			q.recvMsg = nil
			q.sendNAKLocked(packet.NAKInvalidReq)
			q.errorLocked(verbs.WCWRFlushErr)

			return
		}

		msg.off += uint32(len(pkt.Payload))
	}

	q.ePSN = packet.PSNAdd(q.ePSN, 1)

	if op.IsLast() || op.IsOnly() {
		wc := verbs.WorkCompletion{
			WRID:    msg.wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpRecv,
			ByteLen: msg.off,
			QPN:     q.qpn,
		}
		if op.HasImmDt() {
			wc.ImmData = pkt.ImmDt
		}

		q.completeLocked(q.recvCQ, wc)

		q.recvMsg = nil
		q.msn = packet.PSNAdd(q.msn, 1)
		q.sendAckLocked()

		return
	}

	if pkt.BTH.AckReq {
		q.sendAckLocked()
	}
}

func (q *QP) applyWrite(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if !q.attrs.AccessFlags.Contains(verbs.AccessRemoteWrite) {
		q.remoteAccessFailLocked("write without remote-write access")
		return
	}

	switch {
	case op == packet.OpWriteFirst:
		if q.asm != nil {
			q.protoViolationLocked("write restarted mid-message")
			return
		}

		reth := pkt.RETH
		if uint32(len(pkt.Payload)) > reth.DLen {
			q.protoViolationLocked("write payload overruns its advertised length")
			return
		}

		// The whole target range is checked and pinned before the
		// first byte lands; a write that would fail partway in fails
		// here instead.
		span, err := q.regions.Translate(reth.RKey, reth.VA, reth.DLen, verbs.AccessRemoteWrite)
		if err != nil {
			metrics.RecordTranslateFailure()
			q.remoteAccessFailLocked("write translation failed")

			return
		}

		copy(span.Buf, pkt.Payload)
		q.asm = &writeAssembly{span: span, off: uint32(len(pkt.Payload)), dlen: reth.DLen}
		q.ePSN = packet.PSNAdd(q.ePSN, 1)

		if pkt.BTH.AckReq {
			q.sendAckLocked()
		}

	case op == packet.OpWriteMiddle, op == packet.OpWriteLast, op == packet.OpWriteLastImm:
		if q.asm == nil {
			q.protoViolationLocked("write continuation without a first packet")
			return
		}

		if q.asm.off+uint32(len(pkt.Payload)) > q.asm.dlen {
			q.protoViolationLocked("write payload overruns its advertised length")
			return
		}

		if op == packet.OpWriteLastImm && len(q.rq) == 0 {
			q.sendRNRLocked()
			return
		}

		copy(q.asm.span.Buf[q.asm.off:], pkt.Payload)
		q.asm.off += uint32(len(pkt.Payload))
		q.ePSN = packet.PSNAdd(q.ePSN, 1)

		if op == packet.OpWriteMiddle {
			if pkt.BTH.AckReq {
				q.sendAckLocked()
			}

			return
		}

		dlen := q.asm.off
		q.asm.span.Release()
		q.asm = nil
		q.finishWriteLocked(pkt, dlen)

	default: // only variants
		if q.asm != nil {
			q.protoViolationLocked("write restarted mid-message")
			return
		}

		reth := pkt.RETH
		if uint32(len(pkt.Payload)) != reth.DLen {
			q.protoViolationLocked("write payload disagrees with its advertised length")
			return
		}

		if op == packet.OpWriteOnlyImm && len(q.rq) == 0 {
			q.sendRNRLocked()
			return
		}

		if reth.DLen > 0 {
			span, err := q.regions.Translate(reth.RKey, reth.VA, reth.DLen, verbs.AccessRemoteWrite)
			if err != nil {
				metrics.RecordTranslateFailure()
				q.remoteAccessFailLocked("write translation failed")

				return
			}

			copy(span.Buf, pkt.Payload)
			span.Release()
		}

		q.ePSN = packet.PSNAdd(q.ePSN, 1)
		q.finishWriteLocked(pkt, reth.DLen)
	}
}

// finishWriteLocked closes out a completed write message: the message
// counter advances and, for the immediate variants, a receive buffer is
// consumed to surface the immediate value.
func (q *QP) finishWriteLocked(pkt *packet.Packet, dlen uint32) {
	q.msn = packet.PSNAdd(q.msn, 1)

	if pkt.BTH.Opcode.HasImmDt() {
		wr := q.rq[0]
		q.rq = q.rq[1:]

		q.completeLocked(q.recvCQ, verbs.WorkCompletion{
			WRID:    wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpRecvRDMAWithImm,
			ByteLen: dlen,
			ImmData: pkt.ImmDt,
			QPN:     q.qpn,
		})
	}

	q.sendAckLocked()
}

func (q *QP) applyRead(pkt *packet.Packet) {
	if !q.attrs.AccessFlags.Contains(verbs.AccessRemoteRead) {
		q.remoteAccessFailLocked("read without remote-read access")
		return
	}

	reth := pkt.RETH

	data, err := q.snapshotLocked(reth)
	if err != nil {
		metrics.RecordTranslateFailure()
		q.remoteAccessFailLocked("read translation failed")

		return
	}

	// The read consumes one sequence number per response packet.
	count := packet.PacketCount(reth.VA, reth.DLen, q.pmtu())
	q.ePSN = packet.PSNAdd(pkt.BTH.PSN, count)
	q.msn = packet.PSNAdd(q.msn, 1)

	q.transmitLocked(q.buildReadResponses(pkt.BTH.PSN, reth.VA, data)...)
}

// replayReadLocked answers a duplicate read request. The response is
// rebuilt from current memory, which is permitted: a requester that
// retransmits a read has not yet delivered any of its data.
func (q *QP) replayReadLocked(pkt *packet.Packet) {
	data, err := q.snapshotLocked(pkt.RETH)
	if err != nil {
		metrics.RecordTranslateFailure()
		q.remoteAccessFailLocked("duplicate read translation failed")

		return
	}

	q.transmitLocked(q.buildReadResponses(pkt.BTH.PSN, pkt.RETH.VA, data)...)
}

// snapshotLocked copies the requested range out of the region so the
// response stream stays stable even if the memory changes underneath.
func (q *QP) snapshotLocked(reth *packet.RETH) ([]byte, error) {
	if reth.DLen == 0 {
		return nil, nil
	}

	span, err := q.regions.Translate(reth.RKey, reth.VA, reth.DLen, verbs.AccessRemoteRead)
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(span.Buf))
	copy(data, span.Buf)
	span.Release()

	return data, nil
}

// buildReadResponses segments response data exactly the way the
// requester sized the read: the first packet is shortened to the PMTU
// boundary of the source address, so requester and responder agree on
// the packet count.
func (q *QP) buildReadResponses(psn uint32, va uint64, data []byte) []*packet.Packet {
	pmtu := q.pmtu()
	total := uint32(len(data))

	var chunks [][]byte

	first := min(packet.FirstPacketLen(va, pmtu), total)
	chunks = append(chunks, data[:first])

	for off := first; off < total; off += pmtu {
		end := min(off+pmtu, total)
		chunks = append(chunks, data[off:end])
	}

	pkts := make([]*packet.Packet, 0, len(chunks))

	for i, c := range chunks {
		var op packet.Opcode

		switch {
		case len(chunks) == 1:
			op = packet.OpReadRespOnly
		case i == 0:
			op = packet.OpReadRespFirst
		case i == len(chunks)-1:
			op = packet.OpReadRespLast
		default:
			op = packet.OpReadRespMiddle
		}

		p := &packet.Packet{BTH: q.bth(op, packet.PSNAdd(psn, uint32(i))), Payload: c}
		if op.HasAETH() {
			p.AETH = &packet.AETH{Code: packet.AETHCodeACK, MSN: q.msn}
		}

		pkts = append(pkts, p)
	}

	return pkts
}

func (q *QP) applyAtomic(pkt *packet.Packet) {
	if !q.attrs.AccessFlags.Contains(verbs.AccessRemoteAtomic) {
		q.remoteAccessFailLocked("atomic without remote-atomic access")
		return
	}

	eth := pkt.AtomicETH

	var (
		orig uint64
		err  error
	)

	if pkt.BTH.Opcode == packet.OpCompareSwap {
		orig, err = q.regions.AtomicCompSwap(eth.RKey, eth.VA, eth.Compare, eth.SwapAdd)
	} else {
		orig, err = q.regions.AtomicFetchAdd(eth.RKey, eth.VA, eth.SwapAdd)
	}

	if err != nil {
		metrics.RecordTranslateFailure()
		q.remoteAccessFailLocked("atomic translation failed")

		return
	}

	if pkt.BTH.Opcode == packet.OpCompareSwap {
		metrics.RecordAtomic("compare_swap")
	} else {
		metrics.RecordAtomic("fetch_add")
	}

	q.ePSN = packet.PSNAdd(pkt.BTH.PSN, 1)
	q.msn = packet.PSNAdd(q.msn, 1)

	ack := &packet.Packet{
		BTH:          q.bth(packet.OpAtomicAcknowledge, pkt.BTH.PSN),
		AETH:         &packet.AETH{Code: packet.AETHCodeACK, MSN: q.msn},
		AtomicAckETH: &packet.AtomicAckETH{Original: orig},
	}

	// One-deep reply cache. A retransmitted atomic is answered from
	// here so the operation is never executed twice.
	q.lastAtomic = &atomicReply{psn: pkt.BTH.PSN, pkt: ack}

	q.transmitLocked(ack)
}

// sendAckLocked acknowledges everything up to the last accepted
// sequence number.
func (q *QP) sendAckLocked() {
	q.transmitLocked(&packet.Packet{
		BTH:  q.bth(packet.OpAcknowledge, packet.PSNPrev(q.ePSN)),
		AETH: &packet.AETH{Code: packet.AETHCodeACK, MSN: q.msn},
	})
}

// sendNAKLocked reports a rejection. The BTH carries the expected
// sequence number so the requester knows where to resume.
func (q *QP) sendNAKLocked(syndrome uint8) {
	metrics.RecordNAKSent(packet.NAKString(syndrome))

	q.transmitLocked(&packet.Packet{
		BTH:  q.bth(packet.OpAcknowledge, q.ePSN),
		AETH: &packet.AETH{Code: packet.AETHCodeNAK, Value: syndrome, MSN: q.msn},
	})
}

func (q *QP) sendRNRLocked() {
	metrics.RecordNAKSent("rnr")

	q.transmitLocked(&packet.Packet{
		BTH:  q.bth(packet.OpAcknowledge, q.ePSN),
		AETH: &packet.AETH{Code: packet.AETHCodeRNR, MSN: q.msn},
	})
}

func (q *QP) remoteAccessFailLocked(reason string) {
	log.Debug().Uint32("qpn", q.qpn).Str("reason", reason).Msg("remote access rejected")
	q.sendNAKLocked(packet.NAKRemoteAccess)
	q.errorLocked(verbs.WCWRFlushErr)
}

func (q *QP) protoViolationLocked(reason string) {
	log.Debug().Uint32("qpn", q.qpn).Str("reason", reason).Msg("request rejected")
	q.sendNAKLocked(packet.NAKInvalidReq)
	q.errorLocked(verbs.WCWRFlushErr)
}

// handleDatagram delivers one unreliable datagram. There is no
// sequencing and no acknowledgment; a datagram with no buffer waiting
// is silently dropped.
func (q *QP) handleDatagram(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if op != packet.OpSendOnly && op != packet.OpSendOnlyImm {
		metrics.RecordDiscard("datagram_opcode")
		return
	}

	if len(q.rq) == 0 {
		metrics.RecordDiscard("no_receive_buffer")
		return
	}

	wr := q.rq[0]
	q.rq = q.rq[1:]

	if err := q.scatterLocked(wr.SGList, 0, pkt.Payload); err != nil {
		status := verbs.WCLocalProtErr
		if errors.Is(err, verbs.ErrInvalidParam) {
			status = verbs.WCLocalLenErr
		}

		q.completeLocked(q.recvCQ, verbs.WorkCompletion{
			WRID:   wr.WRID,
			Status: status,
			Opcode: verbs.WCOpRecv,
			QPN:    q.qpn,
		})

		return
	}

	wc := verbs.WorkCompletion{
		WRID:    wr.WRID,
		Status:  verbs.WCSuccess,
		Opcode:  verbs.WCOpRecv,
		ByteLen: uint32(len(pkt.Payload)),
		QPN:     q.qpn,
	}
	if op.HasImmDt() {
		wc.ImmData = pkt.ImmDt
	}

	q.completeLocked(q.recvCQ, wc)
}

// handleUnreliable delivers over an unreliable connection. Sequencing
// resynchronizes at message boundaries: a first or only packet resets
// the expected sequence number, any other out-of-sequence packet is
// dropped along with the message it belonged to.
func (q *QP) handleUnreliable(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if op == packet.OpReadRequest || op.IsAtomic() {
		metrics.RecordDiscard("unreliable_opcode")
		return
	}

	if pkt.BTH.PSN != q.ePSN {
		if !op.IsFirst() && !op.IsOnly() {
			metrics.RecordDiscard("out_of_sequence")
			return
		}

		q.ePSN = pkt.BTH.PSN
		q.dropAssemblyLocked()
	}

	if op.IsSend() {
		q.applyUnreliableSend(pkt)
	} else {
		q.applyUnreliableWrite(pkt)
	}
}

func (q *QP) applyUnreliableSend(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if op.IsFirst() || op.IsOnly() {
		q.recvMsg = nil

		if len(q.rq) == 0 {
			metrics.RecordDiscard("no_receive_buffer")
			return
		}

		q.recvMsg = &recvAssembly{wr: q.rq[0]}
		q.rq = q.rq[1:]
	} else if q.recvMsg == nil {
		metrics.RecordDiscard("no_assembly")
		return
	}

	msg := q.recvMsg

	if len(pkt.Payload) > 0 {
		if err := q.scatterLocked(msg.wr.SGList, msg.off, pkt.Payload); err != nil {
			q.completeLocked(q.recvCQ, verbs.WorkCompletion{
				WRID:   msg.wr.WRID,
				Status: verbs.WCLocalLenErr,
				Opcode: verbs.WCOpRecv,
				QPN:    q.qpn,
			})
			q.recvMsg = nil

			return
		}

		msg.off += uint32(len(pkt.Payload))
	}

	q.ePSN = packet.PSNAdd(q.ePSN, 1)

	if op.IsLast() || op.IsOnly() {
		wc := verbs.WorkCompletion{
			WRID:    msg.wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpRecv,
			ByteLen: msg.off,
			QPN:     q.qpn,
		}
		if op.HasImmDt() {
			wc.ImmData = pkt.ImmDt
		}

		q.completeLocked(q.recvCQ, wc)
		q.recvMsg = nil
	}
}

func (q *QP) applyUnreliableWrite(pkt *packet.Packet) {
	op := pkt.BTH.Opcode

	if !q.attrs.AccessFlags.Contains(verbs.AccessRemoteWrite) {
		metrics.RecordDiscard("access")
		return
	}

	switch {
	case op == packet.OpWriteFirst, op.IsOnly():
		q.dropAssemblyLocked()

		reth := pkt.RETH
		if uint32(len(pkt.Payload)) > reth.DLen {
			metrics.RecordDiscard("length")
			return
		}

		if op.HasImmDt() && len(q.rq) == 0 {
			metrics.RecordDiscard("no_receive_buffer")
			return
		}

		if reth.DLen > 0 {
			span, err := q.regions.Translate(reth.RKey, reth.VA, reth.DLen, verbs.AccessRemoteWrite)
			if err != nil {
				metrics.RecordTranslateFailure()
				return
			}

			copy(span.Buf, pkt.Payload)

			if op == packet.OpWriteFirst {
				q.asm = &writeAssembly{span: span, off: uint32(len(pkt.Payload)), dlen: reth.DLen}
			} else {
				span.Release()
			}
		}

		q.ePSN = packet.PSNAdd(q.ePSN, 1)

		if op.IsOnly() {
			q.finishUnreliableWrite(pkt, reth.DLen)
		}

	default:
		if q.asm == nil {
			metrics.RecordDiscard("no_assembly")
			return
		}

		if q.asm.off+uint32(len(pkt.Payload)) > q.asm.dlen {
			metrics.RecordDiscard("length")
			q.dropAssemblyLocked()

			return
		}

		if op == packet.OpWriteLastImm && len(q.rq) == 0 {
			metrics.RecordDiscard("no_receive_buffer")
			q.dropAssemblyLocked()

			return
		}

		copy(q.asm.span.Buf[q.asm.off:], pkt.Payload)
		q.asm.off += uint32(len(pkt.Payload))
		q.ePSN = packet.PSNAdd(q.ePSN, 1)

		if op != packet.OpWriteMiddle {
			dlen := q.asm.off
			q.dropAssemblyLocked()
			q.finishUnreliableWrite(pkt, dlen)
		}
	}
}

func (q *QP) finishUnreliableWrite(pkt *packet.Packet, dlen uint32) {
	if pkt.BTH.Opcode.HasImmDt() {
		wr := q.rq[0]
		q.rq = q.rq[1:]

		q.completeLocked(q.recvCQ, verbs.WorkCompletion{
			WRID:    wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpRecvRDMAWithImm,
			ByteLen: dlen,
			ImmData: pkt.ImmDt,
			QPN:     q.qpn,
		})
	}
}

func (q *QP) dropAssemblyLocked() {
	q.recvMsg = nil

	if q.asm != nil {
		q.asm.span.Release()
		q.asm = nil
	}
}
