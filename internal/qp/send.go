package qp

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// PostSend validates and submits one send work request. Submission is
// accepted only in RTS. A full send queue or a backed-up completion
// queue fails with ErrQueueFull and enqueues nothing; validation
// failures fail with ErrInvalidParam and enqueue nothing.
func (q *QP) PostSend(wr verbs.SendWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()

	if q.state != verbs.QPStateRTS {
		return fmt.Errorf("%w: post-send in %s", verbs.ErrInvalidState, q.state)
	}

	if len(q.held) > 0 {
		return fmt.Errorf("%w: completion queue backed up", verbs.ErrQueueFull)
	}

	if len(q.sq) >= q.limits.MaxSendWR {
		return fmt.Errorf("%w: %d outstanding send work requests", verbs.ErrQueueFull, len(q.sq))
	}

	if err := q.validateSend(&wr); err != nil {
		return err
	}

	switch q.typ {
	case verbs.QPTypeUD:
		return q.postDatagramLocked(wr)
	case verbs.QPTypeUC:
		return q.postUnreliableLocked(wr)
	default:
		return q.postReliableLocked(wr)
	}
}

func (q *QP) validateSend(wr *verbs.SendWR) error {
	switch wr.Opcode {
	case verbs.WRSend, verbs.WRSendImm:
		return nil

	case verbs.WRWrite, verbs.WRWriteImm:
		if q.typ == verbs.QPTypeUD {
			return fmt.Errorf("%w: %s on a datagram queue pair", verbs.ErrInvalidParam, wr.Opcode)
		}

		return nil

	case verbs.WRRead:
		if q.typ != verbs.QPTypeRC {
			return fmt.Errorf("%w: reads need a reliable connection", verbs.ErrInvalidParam)
		}

		return nil

	case verbs.WRCompSwap, verbs.WRFetchAdd:
		if q.typ != verbs.QPTypeRC {
			return fmt.Errorf("%w: atomics need a reliable connection", verbs.ErrInvalidParam)
		}

		if sgTotal(wr.SGList) != 8 {
			return fmt.Errorf("%w: atomic result buffer must be exactly 8 bytes", verbs.ErrInvalidParam)
		}

		if wr.RemoteAddr%8 != 0 {
			return fmt.Errorf("%w: atomic target 0x%X not 8-byte aligned", verbs.ErrInvalidParam, wr.RemoteAddr)
		}

		return nil

	default:
		return fmt.Errorf("%w: unknown work request opcode %d", verbs.ErrInvalidParam, int(wr.Opcode))
	}
}

func sgTotal(sgl []verbs.SGE) uint32 {
	var n uint32
	for _, sge := range sgl {
		n += sge.Length
	}

	return n
}

// postReliableLocked packetizes the request, assigns its sequence
// numbers, records every packet in the retransmission log and hands the
// packets to the scheduler.
func (q *QP) postReliableLocked(wr verbs.SendWR) error {
	ps := &pendingSend{wr: wr, firstPSN: q.nextPSN, nextResp: q.nextPSN}

	var (
		pkts []*packet.Packet
		span uint32 // sequence numbers consumed
	)

	switch wr.Opcode {
	case verbs.WRSend, verbs.WRSendImm:
		ps.kind = kindSend

		payload, err := q.gatherLocked(wr.SGList)
		if err != nil {
			return err
		}

		ps.totalLen = uint32(len(payload))
		pkts = q.buildSendPackets(&wr, payload, ps.firstPSN)
		span = uint32(len(pkts))

	case verbs.WRWrite, verbs.WRWriteImm:
		ps.kind = kindWrite

		payload, err := q.gatherLocked(wr.SGList)
		if err != nil {
			return err
		}

		ps.totalLen = uint32(len(payload))
		pkts = q.buildWritePackets(&wr, payload, ps.firstPSN)
		span = uint32(len(pkts))

	case verbs.WRRead:
		ps.kind = kindRead
		ps.totalLen = sgTotal(wr.SGList)
		pkts = []*packet.Packet{q.buildReadRequest(&wr, ps.totalLen, ps.firstPSN)}

		// A read occupies one sequence number per response packet.
		span = packet.PacketCount(wr.RemoteAddr, ps.totalLen, q.pmtu())

	default:
		ps.kind = kindAtomic
		ps.totalLen = 8
		pkts = []*packet.Packet{q.buildAtomic(&wr, ps.firstPSN)}
		span = 1
	}

	ps.lastPSN = packet.PSNAdd(ps.firstPSN, span-1)
	ps.inLog = len(pkts)
	q.nextPSN = packet.PSNAdd(ps.firstPSN, span)

	q.sq = append(q.sq, ps)

	for _, p := range pkts {
		q.rlog = append(q.rlog, &outPacket{psn: p.BTH.PSN, pkt: p, ps: ps})
	}

	q.transmitLocked(pkts...)
	q.armTimerLocked()

	return nil
}

// postDatagramLocked sends one unreliable datagram: a single packet,
// completed as soon as it leaves the queue pair.
func (q *QP) postDatagramLocked(wr verbs.SendWR) error {
	if q.attrs.DestAddr == "" {
		return fmt.Errorf("%w: datagram queue pair has no destination address", verbs.ErrInvalidParam)
	}

	payload, err := q.gatherLocked(wr.SGList)
	if err != nil {
		return err
	}

	if uint32(len(payload)) > q.pmtu() {
		return fmt.Errorf("%w: %d byte datagram exceeds PMTU %d", verbs.ErrInvalidParam, len(payload), q.pmtu())
	}

	op := packet.OpSendOnly
	if wr.Opcode == verbs.WRSendImm {
		op = packet.OpSendOnlyImm
	}

	p := &packet.Packet{BTH: q.bth(op, q.nextPSN), Payload: payload}
	if op.HasImmDt() {
		p.ImmDt = wr.ImmData
	}

	q.nextPSN = packet.PSNAdd(q.nextPSN, 1)
	q.transmitLocked(p)

	if wr.Signaled {
		q.completeLocked(q.sendCQ, verbs.WorkCompletion{
			WRID:    wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  verbs.WCOpSend,
			ByteLen: uint32(len(payload)),
			QPN:     q.qpn,
		})
	}

	return nil
}

// postUnreliableLocked sends over an unreliable connection: packets are
// sequenced so the responder can reassemble messages, but nothing is
// retained for retransmission.
func (q *QP) postUnreliableLocked(wr verbs.SendWR) error {
	payload, err := q.gatherLocked(wr.SGList)
	if err != nil {
		return err
	}

	var (
		pkts []*packet.Packet
		op   = verbs.WCOpSend
	)

	switch wr.Opcode {
	case verbs.WRSend, verbs.WRSendImm:
		pkts = q.buildSendPackets(&wr, payload, q.nextPSN)
	default:
		op = verbs.WCOpRDMAWrite
		pkts = q.buildWritePackets(&wr, payload, q.nextPSN)
	}

	q.nextPSN = packet.PSNAdd(q.nextPSN, uint32(len(pkts)))
	q.transmitLocked(pkts...)

	if wr.Signaled {
		q.completeLocked(q.sendCQ, verbs.WorkCompletion{
			WRID:    wr.WRID,
			Status:  verbs.WCSuccess,
			Opcode:  op,
			ByteLen: uint32(len(payload)),
			QPN:     q.qpn,
		})
	}

	return nil
}

func (q *QP) pmtu() uint32 { return uint32(q.attrs.PMTU) }

func (q *QP) bth(op packet.Opcode, psn uint32) packet.BTH {
	return packet.BTH{
		TransType: transTypeOf(q.typ),
		Opcode:    op,
		PKey:      q.attrs.PKey,
		DestQPN:   q.attrs.DestQPN,
		PSN:       psn,
	}
}

func (q *QP) buildSendPackets(wr *verbs.SendWR, payload []byte, psn uint32) []*packet.Packet {
	pmtu := q.pmtu()
	imm := wr.Opcode == verbs.WRSendImm

	var chunks [][]byte
	for off := uint32(0); ; off += pmtu {
		end := min(off+pmtu, uint32(len(payload)))
		chunks = append(chunks, payload[off:end])

		if end == uint32(len(payload)) {
			break
		}
	}

	pkts := make([]*packet.Packet, 0, len(chunks))

	for i, c := range chunks {
		op := sendOpcode(i == 0, i == len(chunks)-1, imm)

		p := &packet.Packet{BTH: q.bth(op, packet.PSNAdd(psn, uint32(i))), Payload: c}
		if op.HasImmDt() {
			p.ImmDt = wr.ImmData
		}

		if i == len(chunks)-1 {
			p.BTH.AckReq = true
		}

		pkts = append(pkts, p)
	}

	return pkts
}

func sendOpcode(first, last, imm bool) packet.Opcode {
	switch {
	case first && last && imm:
		return packet.OpSendOnlyImm
	case first && last:
		return packet.OpSendOnly
	case first:
		return packet.OpSendFirst
	case last && imm:
		return packet.OpSendLastImm
	case last:
		return packet.OpSendLast
	default:
		return packet.OpSendMiddle
	}
}

// buildWritePackets segments an RDMA write so that every packet after
// the first lands on a PMTU-aligned remote address.
func (q *QP) buildWritePackets(wr *verbs.SendWR, payload []byte, psn uint32) []*packet.Packet {
	pmtu := q.pmtu()
	imm := wr.Opcode == verbs.WRWriteImm
	total := uint32(len(payload))

	var chunks [][]byte

	first := min(packet.FirstPacketLen(wr.RemoteAddr, pmtu), total)
	chunks = append(chunks, payload[:first])

	for off := first; off < total; off += pmtu {
		end := min(off+pmtu, total)
		chunks = append(chunks, payload[off:end])
	}

	pkts := make([]*packet.Packet, 0, len(chunks))

	for i, c := range chunks {
		op := writeOpcode(i == 0, i == len(chunks)-1, imm)

		p := &packet.Packet{BTH: q.bth(op, packet.PSNAdd(psn, uint32(i))), Payload: c}
		if op.HasRETH() {
			p.RETH = &packet.RETH{VA: wr.RemoteAddr, RKey: wr.RKey, DLen: total}
		}

		if op.HasImmDt() {
			p.ImmDt = wr.ImmData
		}

		if i == len(chunks)-1 {
			p.BTH.AckReq = true
		}

		pkts = append(pkts, p)
	}

	return pkts
}

func writeOpcode(first, last, imm bool) packet.Opcode {
	switch {
	case first && last && imm:
		return packet.OpWriteOnlyImm
	case first && last:
		return packet.OpWriteOnly
	case first:
		return packet.OpWriteFirst
	case last && imm:
		return packet.OpWriteLastImm
	case last:
		return packet.OpWriteLast
	default:
		return packet.OpWriteMiddle
	}
}

func (q *QP) buildReadRequest(wr *verbs.SendWR, dlen uint32, psn uint32) *packet.Packet {
	p := &packet.Packet{
		BTH:  q.bth(packet.OpReadRequest, psn),
		RETH: &packet.RETH{VA: wr.RemoteAddr, RKey: wr.RKey, DLen: dlen},
	}
	p.BTH.AckReq = true

	return p
}

func (q *QP) buildAtomic(wr *verbs.SendWR, psn uint32) *packet.Packet {
	op := packet.OpCompareSwap
	eth := &packet.AtomicETH{VA: wr.RemoteAddr, RKey: wr.RKey}

	if wr.Opcode == verbs.WRFetchAdd {
		op = packet.OpFetchAdd
		eth.SwapAdd = wr.CompareAdd
	} else {
		eth.Compare = wr.CompareAdd
		eth.SwapAdd = wr.Swap
	}

	p := &packet.Packet{BTH: q.bth(op, psn), AtomicETH: eth}
	p.BTH.AckReq = true

	return p
}

func (q *QP) transmitLocked(pkts ...*packet.Packet) {
	for _, p := range pkts {
		metrics.RecordPacketSent(p.BTH.Opcode.String(), packet.EncodedLen(p))
	}

	q.tx.Transmit(q.qpn, q.attrs.DestAddr, pkts)
}

func (q *QP) armTimerLocked() {
	if len(q.rlog) == 0 {
		if q.timerArmed {
			q.timers.Cancel(q.qpn)
			q.timerArmed = false
		}

		return
	}

	q.timers.Arm(q.qpn, q.timeout)
	q.timerArmed = true
}

func (q *QP) handleResponse(pkt *packet.Packet) {
	if q.state != verbs.QPStateRTS {
		metrics.RecordDiscard("state")
		return
	}

	if pkt.BTH.PKey != q.attrs.PKey {
		metrics.RecordDiscard("pkey")
		return
	}

	switch pkt.BTH.Opcode {
	case packet.OpAcknowledge:
		q.handleAck(pkt)
	case packet.OpAtomicAcknowledge:
		q.handleAtomicAck(pkt)
	default:
		q.handleReadResp(pkt)
	}
}

func (q *QP) handleAck(pkt *packet.Packet) {
	switch pkt.AETH.Code {
	case packet.AETHCodeACK:
		q.ackThroughLocked(pkt.BTH.PSN, true)
		q.armTimerLocked()
	case packet.AETHCodeRNR:
		q.handleRNR()
	case packet.AETHCodeNAK:
		q.handleNAK(pkt)
	default:
		metrics.RecordDiscard("aeth_code")
	}
}

// ackThroughLocked applies a cumulative acknowledgment: every send or
// write packet at or before psn leaves the retransmission log, and work
// requests whose packets have all left complete in submission order.
// Reads and atomics are excluded; they complete only through their own
// responses.
func (q *QP) ackThroughLocked(psn uint32, inclusive bool) {
	progressed := false

	for _, e := range q.rlog {
		if e.acked || e.ps.kind == kindRead || e.ps.kind == kindAtomic {
			continue
		}

		if !packet.PSNBefore(e.psn, psn) && !(inclusive && e.psn == psn) {
			continue
		}

		e.acked = true
		progressed = true
	}

	if progressed {
		q.retries = 0
		q.rnrTries = 0
		q.rnrPending = false
	}

	q.popAckedLocked()
}

// popAckedLocked removes the acknowledged prefix of the log. Completing
// at pop time keeps completion records in submission order even when a
// later request is acknowledged while an earlier read is still waiting
// for response data.
func (q *QP) popAckedLocked() {
	for len(q.rlog) > 0 && q.rlog[0].acked {
		e := q.rlog[0]
		q.rlog = q.rlog[1:]

		e.ps.inLog--
		if e.ps.inLog == 0 && !e.ps.done {
			q.finishSendLocked(e.ps, verbs.WCSuccess)
		}
	}
}

// finishSendLocked retires one work request. Successful unsignaled
// requests complete silently; failures always produce a completion.
func (q *QP) finishSendLocked(ps *pendingSend, status verbs.WCStatus) {
	ps.done = true

	for i, s := range q.sq {
		if s == ps {
			q.sq = append(q.sq[:i], q.sq[i+1:]...)
			break
		}
	}

	if status == verbs.WCSuccess && !ps.wr.Signaled {
		return
	}

	wc := verbs.WorkCompletion{
		WRID:    ps.wr.WRID,
		Status:  status,
		Opcode:  ps.wcOpcode(),
		ByteLen: ps.totalLen,
		QPN:     q.qpn,
	}
	if status != verbs.WCSuccess {
		wc.ByteLen = 0
	}

	q.completeLocked(q.sendCQ, wc)
}

func (q *QP) handleRNR() {
	metrics.RecordNAKReceived("rnr")

	q.rnrTries++
	if q.rnrTries > q.limits.RnrRetryLimit {
		metrics.RecordRetryExhausted()
		log.Warn().Uint32("qpn", q.qpn).Msg("receiver-not-ready retry budget exhausted")
		q.errorLocked(verbs.WCRnrRetryExcErr)

		return
	}

	q.rnrPending = true

	if len(q.rlog) > 0 {
		q.timers.Arm(q.qpn, q.limits.RnrTimeout)
		q.timerArmed = true
	}
}

func (q *QP) handleNAK(pkt *packet.Packet) {
	syndrome := pkt.AETH.Value
	metrics.RecordNAKReceived(packet.NAKString(syndrome))

	if syndrome == packet.NAKSeqErr {
		// Everything before the responder's expected sequence number is
		// implicitly acknowledged; resume from there without spending a
		// retry, the NAK itself is proof the peer is alive.
		q.ackThroughLocked(pkt.BTH.PSN, false)
		q.retransmitLocked(pkt.BTH.PSN, "nak")
		q.armTimerLocked()

		return
	}

	status := verbs.WCRemoteInvalidReqErr

	switch syndrome {
	case packet.NAKRemoteAccess:
		status = verbs.WCRemoteAccessErr
	case packet.NAKRemoteOpErr:
		status = verbs.WCRemoteOpErr
	}

	q.fatalNAKLocked(pkt.BTH.PSN, status)
}

// fatalNAKLocked handles a non-recoverable NAK: the failing request
// completes with the mapped status and the queue pair drains through
// the error state.
func (q *QP) fatalNAKLocked(psn uint32, status verbs.WCStatus) {
	q.ackThroughLocked(psn, false)

	// The offender is the request whose sequence span contains the
	// rejected number; an older read still waiting for response data
	// may sit in front of it.
	var offender *pendingSend

	for _, e := range q.rlog {
		if !packet.PSNBefore(psn, e.ps.firstPSN) && !packet.PSNBefore(e.ps.lastPSN, psn) {
			offender = e.ps
			break
		}
	}

	if offender == nil && len(q.rlog) > 0 {
		offender = q.rlog[0].ps
	}

	if offender != nil {
		q.finishSendLocked(offender, status)
	}

	q.errorLocked(verbs.WCWRFlushErr)
}

func (q *QP) retransmitLocked(from uint32, cause string) {
	var pkts []*packet.Packet

	for _, e := range q.rlog {
		if e.acked || packet.PSNBefore(e.psn, from) {
			continue
		}

		metrics.RecordRetransmit(cause)
		pkts = append(pkts, e.pkt)
	}

	if len(pkts) > 0 {
		q.transmitLocked(pkts...)
	}
}

func (q *QP) handleReadResp(pkt *packet.Packet) {
	if pkt.AETH != nil && pkt.AETH.Code != packet.AETHCodeACK {
		if pkt.AETH.Code == packet.AETHCodeRNR {
			q.handleRNR()
		} else {
			q.handleNAK(pkt)
		}

		return
	}

	psn := pkt.BTH.PSN

	var ps *pendingSend

	for _, e := range q.rlog {
		if e.ps.kind != kindRead {
			continue
		}

		if !packet.PSNBefore(psn, e.ps.firstPSN) && !packet.PSNBefore(e.ps.lastPSN, psn) {
			ps = e.ps
			break
		}
	}

	if ps == nil {
		metrics.RecordDiscard("stale_response")
		return
	}

	// Responses are consumed strictly in order; duplicates from a
	// window retransmission land before nextResp and are dropped, so
	// no byte is scattered twice.
	if psn != ps.nextResp {
		metrics.RecordDiscard("out_of_order_response")
		return
	}

	// Response data acknowledges every request submitted before the read.
	q.ackThroughLocked(ps.firstPSN, false)

	if err := q.scatterLocked(ps.wr.SGList, ps.recvOff, pkt.Payload); err != nil {
		q.finishSendLocked(ps, verbs.WCLocalProtErr)
		q.errorLocked(verbs.WCWRFlushErr)

		return
	}

	ps.recvOff += uint32(len(pkt.Payload))
	ps.nextResp = packet.PSNAdd(psn, 1)
	q.retries = 0

	if psn == ps.lastPSN {
		for _, e := range q.rlog {
			if e.ps == ps {
				e.acked = true
				break
			}
		}

		q.popAckedLocked()
	}

	q.armTimerLocked()
}

func (q *QP) handleAtomicAck(pkt *packet.Packet) {
	psn := pkt.BTH.PSN

	var target *outPacket

	for _, e := range q.rlog {
		if e.ps.kind == kindAtomic && e.psn == psn && !e.acked {
			target = e
			break
		}
	}

	if target == nil {
		metrics.RecordDiscard("stale_response")
		return
	}

	q.ackThroughLocked(psn, false)

	var orig [8]byte
	binary.BigEndian.PutUint64(orig[:], pkt.AtomicAckETH.Original)

	if err := q.scatterLocked(target.ps.wr.SGList, 0, orig[:]); err != nil {
		q.finishSendLocked(target.ps, verbs.WCLocalProtErr)
		q.errorLocked(verbs.WCWRFlushErr)

		return
	}

	target.acked = true
	q.retries = 0
	q.rnrTries = 0
	q.popAckedLocked()
	q.armTimerLocked()
}

// OnRetryTimeout handles expiry of the retransmission timer: the whole
// unacknowledged window is retransmitted in original order, bounded by
// the retry budget. Exhausting the budget moves the queue pair to the
// error state and fails every outstanding work request with a
// retry-exceeded completion.
func (q *QP) OnRetryTimeout() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()
	q.timerArmed = false

	if q.state != verbs.QPStateRTS || len(q.rlog) == 0 {
		return
	}

	if q.rnrPending {
		q.rnrPending = false
		q.retransmitLocked(q.rlog[0].psn, "rnr")
		q.armTimerLocked()

		return
	}

	if q.retries >= q.retryLimit {
		metrics.RecordRetryExhausted()
		log.Warn().
			Uint32("qpn", q.qpn).
			Uint8("retries", q.retries).
			Msg("retry budget exhausted")
		q.errorLocked(verbs.WCRetryExcErr)

		return
	}

	q.retries++
	q.retransmitLocked(q.rlog[0].psn, "timeout")
	q.armTimerLocked()
}

// gatherLocked copies the scatter-gather list into one contiguous
// payload buffer.
func (q *QP) gatherLocked(sgl []verbs.SGE) ([]byte, error) {
	buf := make([]byte, 0, sgTotal(sgl))

	for _, sge := range sgl {
		if sge.Length == 0 {
			continue
		}

		span, err := q.regions.Translate(sge.LKey, sge.Addr, sge.Length, 0)
		if err != nil {
			return nil, err
		}

		buf = append(buf, span.Buf...)
		span.Release()
	}

	return buf, nil
}

// scatterLocked copies data into the scatter-gather list starting at
// byte offset off.
func (q *QP) scatterLocked(sgl []verbs.SGE, off uint32, data []byte) error {
	for _, sge := range sgl {
		if len(data) == 0 {
			return nil
		}

		if off >= sge.Length {
			off -= sge.Length
			continue
		}

		n := min(int(sge.Length-off), len(data))

		span, err := q.regions.Translate(sge.LKey, sge.Addr+uint64(off), uint32(n), verbs.AccessLocalWrite)
		if err != nil {
			return err
		}

		copy(span.Buf, data[:n])
		span.Release()

		data = data[n:]
		off = 0
	}

	if len(data) > 0 {
		return fmt.Errorf("%w: %d bytes overflow the destination buffer", verbs.ErrInvalidParam, len(data))
	}

	return nil
}
