// Package qp implements the queue pair state machine: the reliable
// transport core that turns work requests into wire packets and inbound
// packets into memory operations and completion records.
//
// A queue pair moves through a fixed lifecycle:
//
//	RESET -> INIT -> RTR -> RTS
//
// with a transition to ERROR allowed from any state. Send submission is
// accepted only in RTS; inbound request processing runs in RTR and RTS.
// In ERROR the data path is quiesced and all pending work is drained
// with failed completions.
//
// Reliable connections track a 24-bit packet sequence number in each
// direction. The requester keeps every unacknowledged packet in a
// retransmission log bounded by a retry budget; the responder accepts
// exactly the expected sequence number, re-acknowledges duplicates
// without reapplying them, and responds to gaps with a NAK naming the
// expected sequence number.
//
// All methods on a QP are safe for concurrent use. A single mutex
// serializes submission, inbound processing and timer expiry, so
// acknowledgment handling and retransmission never interleave on the
// same queue pair.
package qp

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/cq"
	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/internal/region"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// DefaultPKey is the partition key used when attributes leave it unset.
const DefaultPKey uint16 = 0xFFFF

// Transmitter is the outbound side of the scheduler. Implementations
// must not block and must not call back into the queue pair
// synchronously; packets are queued for ordered per-QP transmission.
type Transmitter interface {
	Transmit(qpn uint32, dest string, pkts []*packet.Packet)
}

// RetryTimers manages the per-QP retransmission timer. Arm replaces any
// pending timer. The timer owner invokes OnRetryTimeout when it fires.
type RetryTimers interface {
	Arm(qpn uint32, d time.Duration)
	Cancel(qpn uint32)
}

// Limits bound per queue pair resources and protocol behavior. Zero
// fields take the defaults from DefaultLimits.
type Limits struct {
	// MaxSendWR is the maximum number of outstanding send work requests.
	MaxSendWR int

	// MaxRecvWR is the maximum number of posted receive buffers.
	MaxRecvWR int

	// PMTU is the path MTU used when attributes leave it unset.
	PMTU verbs.PMTU

	// AckTimeout is the retransmission timeout used when attributes
	// leave the timeout unset.
	AckTimeout time.Duration

	// RetryLimit is the number of timer-driven retransmission rounds
	// allowed before the queue pair moves to the error state.
	RetryLimit uint8

	// RnrTimeout is the backoff applied after a receiver-not-ready NAK.
	RnrTimeout time.Duration

	// RnrRetryLimit bounds consecutive receiver-not-ready NAKs.
	RnrRetryLimit uint8
}

// DefaultLimits returns the default queue pair limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSendWR:     128,                    // outstanding send WRs
		MaxRecvWR:     128,                    // posted receive buffers
		PMTU:          verbs.PMTU1024,         // path MTU
		AckTimeout:    100 * time.Millisecond, // retransmission timeout
		RetryLimit:    7,                      // retransmission rounds
		RnrTimeout:    10 * time.Millisecond,  // RNR backoff
		RnrRetryLimit: 7,                      // consecutive RNR NAKs
	}
}

func (l *Limits) normalize() {
	def := DefaultLimits()

	if l.MaxSendWR <= 0 {
		l.MaxSendWR = def.MaxSendWR
	}

	if l.MaxRecvWR <= 0 {
		l.MaxRecvWR = def.MaxRecvWR
	}

	if l.PMTU == 0 {
		l.PMTU = def.PMTU
	}

	if l.AckTimeout <= 0 {
		l.AckTimeout = def.AckTimeout
	}

	if l.RetryLimit == 0 {
		l.RetryLimit = def.RetryLimit
	}

	if l.RnrTimeout <= 0 {
		l.RnrTimeout = def.RnrTimeout
	}

	if l.RnrRetryLimit == 0 {
		l.RnrRetryLimit = def.RnrRetryLimit
	}
}

// Config carries the collaborators and identity of a new queue pair.
type Config struct {
	QPN     uint32
	Type    verbs.QPType
	Regions *region.Table
	SendCQ  *cq.CQ
	RecvCQ  *cq.CQ
	Tx      Transmitter
	Timers  RetryTimers
	Limits  Limits
}

type sendKind int

const (
	kindSend sendKind = iota
	kindWrite
	kindRead
	kindAtomic
)

// pendingSend is one submitted work request that has not yet completed.
type pendingSend struct {
	wr       verbs.SendWR
	kind     sendKind
	firstPSN uint32
	lastPSN  uint32
	totalLen uint32

	// inLog counts this request's packets still in the retransmission
	// log; the request completes when the count reaches zero.
	inLog int

	// read response progress
	nextResp uint32
	recvOff  uint32

	done bool
}

// outPacket is one unacknowledged packet in the retransmission log.
type outPacket struct {
	psn   uint32
	pkt   *packet.Packet
	ps    *pendingSend
	acked bool
}

// recvAssembly tracks a multi-packet inbound send being scattered into
// a posted receive buffer.
type recvAssembly struct {
	wr  verbs.RecvWR
	off uint32
}

// writeAssembly tracks a multi-packet inbound RDMA write. The span is
// translated and rights-checked once, for the full destination range,
// when the first packet arrives; it pins the target region until the
// message completes.
type writeAssembly struct {
	span region.Span
	off  uint32
	dlen uint32
}

// atomicReply caches the last atomic acknowledgment so a duplicate
// atomic request is answered from the cache instead of being reapplied.
type atomicReply struct {
	psn uint32
	pkt *packet.Packet
}

// heldCompletion is a completion record refused by a full completion
// queue, retained until space frees.
type heldCompletion struct {
	cq *cq.CQ
	wc verbs.WorkCompletion
}

// QP is one queue pair.
type QP struct {
	qpn    uint32
	typ    verbs.QPType
	limits Limits

	regions *region.Table
	sendCQ  *cq.CQ
	recvCQ  *cq.CQ
	tx      Transmitter
	timers  RetryTimers

	mu    sync.Mutex
	state verbs.QPState
	attrs verbs.QPAttr

	retryLimit uint8
	timeout    time.Duration

	// requester
	nextPSN    uint32
	sq         []*pendingSend
	rlog       []*outPacket
	retries    uint8
	rnrTries   uint8
	rnrPending bool
	timerArmed bool

	// responder
	ePSN       uint32
	msn        uint32
	rq         []verbs.RecvWR
	recvMsg    *recvAssembly
	asm        *writeAssembly
	lastAtomic *atomicReply
	gapNaked   bool

	held []heldCompletion
}

// New creates a queue pair in the RESET state.
func New(cfg Config) (*QP, error) {
	if cfg.Regions == nil || cfg.SendCQ == nil || cfg.RecvCQ == nil {
		return nil, fmt.Errorf("%w: queue pair needs a region table and completion queues", verbs.ErrInvalidParam)
	}

	if cfg.Tx == nil || cfg.Timers == nil {
		return nil, fmt.Errorf("%w: queue pair needs a transmitter and timer source", verbs.ErrInvalidParam)
	}

	cfg.Limits.normalize()

	q := &QP{
		qpn:        cfg.QPN,
		typ:        cfg.Type,
		limits:     cfg.Limits,
		regions:    cfg.Regions,
		sendCQ:     cfg.SendCQ,
		recvCQ:     cfg.RecvCQ,
		tx:         cfg.Tx,
		timers:     cfg.Timers,
		state:      verbs.QPStateReset,
		retryLimit: cfg.Limits.RetryLimit,
		timeout:    cfg.Limits.AckTimeout,
	}
	q.attrs.PKey = DefaultPKey
	q.attrs.PMTU = cfg.Limits.PMTU

	metrics.QPStateTransition("", q.state.String())

	return q, nil
}

// QPN returns the queue pair number.
func (q *QP) QPN() uint32 { return q.qpn }

// Type returns the transport service type.
func (q *QP) Type() verbs.QPType { return q.typ }

// State returns the current state.
func (q *QP) State() verbs.QPState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state
}

// Modify drives the queue pair state machine. The fixed progression is
// RESET -> INIT -> RTR -> RTS; a transition to ERROR is legal from any
// state and drains all pending work with flush completions. Any other
// transition fails with ErrInvalidState.
func (q *QP) Modify(state verbs.QPState, attr verbs.QPAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()

	if state == verbs.QPStateError {
		if q.state != verbs.QPStateError {
			q.errorLocked(verbs.WCWRFlushErr)
		}

		return nil
	}

	from := q.state

	switch state {
	case verbs.QPStateInit:
		if from != verbs.QPStateReset {
			return transitionErr(from, state)
		}

		if attr.PKey != 0 {
			q.attrs.PKey = attr.PKey
		}

		q.attrs.AccessFlags = attr.AccessFlags

	case verbs.QPStateRTR:
		if from != verbs.QPStateInit {
			return transitionErr(from, state)
		}

		if q.typ != verbs.QPTypeUD {
			if attr.DestAddr == "" {
				return fmt.Errorf("%w: connected queue pair needs a destination address", verbs.ErrInvalidParam)
			}

			if attr.DestQPN == 0 {
				return fmt.Errorf("%w: connected queue pair needs a destination QPN", verbs.ErrInvalidParam)
			}
		}

		if attr.PMTU != 0 {
			if !attr.PMTU.Valid() {
				return fmt.Errorf("%w: PMTU %d", verbs.ErrInvalidParam, attr.PMTU)
			}

			q.attrs.PMTU = attr.PMTU
		}

		q.attrs.DestAddr = attr.DestAddr
		q.attrs.DestQPN = attr.DestQPN
		q.attrs.RecvPSN = attr.RecvPSN
		q.ePSN = packet.PSNAdd(attr.RecvPSN, 0)

	case verbs.QPStateRTS:
		if from != verbs.QPStateRTR {
			return transitionErr(from, state)
		}

		q.attrs.SendPSN = attr.SendPSN
		q.nextPSN = packet.PSNAdd(attr.SendPSN, 0)

		if attr.RetryCount != 0 {
			q.retryLimit = attr.RetryCount
		}

		if attr.TimeoutTicks != 0 {
			// 4.096us * 2^ticks, the usual exponential encoding.
			q.timeout = 4096 * time.Nanosecond << attr.TimeoutTicks
		}

	default:
		return transitionErr(from, state)
	}

	q.state = state
	metrics.QPStateTransition(from.String(), state.String())

	log.Debug().
		Uint32("qpn", q.qpn).
		Str("from", from.String()).
		Str("to", state.String()).
		Msg("queue pair state change")

	return nil
}

func transitionErr(from, to verbs.QPState) error {
	return fmt.Errorf("%w: %s -> %s", verbs.ErrInvalidState, from, to)
}

// Destroy drains the queue pair and leaves it in the error state. The
// owner removes it from the dispatch table afterwards.
func (q *QP) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != verbs.QPStateError {
		q.errorLocked(verbs.WCWRFlushErr)
	}
}

// HandlePacket processes one decoded inbound packet addressed to this
// queue pair. Packets that cannot be processed are counted and dropped;
// the wire never learns about malformed or unexpected traffic beyond
// the protocol's own NAKs.
func (q *QP) HandlePacket(pkt *packet.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()

	if q.state == verbs.QPStateError {
		return
	}

	if pkt.BTH.Opcode.IsResponse() {
		q.handleResponse(pkt)
		return
	}

	q.handleRequest(pkt)
}

// Flush retries delivery of completions that were refused by a full
// completion queue. The device layer calls it after polling.
func (q *QP) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushHeldLocked()
}

// errorLocked moves the queue pair to the error state and fails every
// unresolved work request: outstanding sends complete with sendStatus,
// posted receives with a flush error. The retransmission log, assembly
// state and timers are discarded.
func (q *QP) errorLocked(sendStatus verbs.WCStatus) {
	from := q.state
	q.state = verbs.QPStateError

	if q.timerArmed {
		q.timers.Cancel(q.qpn)
		q.timerArmed = false
	}

	for _, ps := range q.sq {
		if ps.done {
			continue
		}

		ps.done = true
		q.completeLocked(q.sendCQ, verbs.WorkCompletion{
			WRID:   ps.wr.WRID,
			Status: sendStatus,
			Opcode: ps.wcOpcode(),
			QPN:    q.qpn,
		})
	}

	q.sq = nil
	q.rlog = nil
	q.rnrPending = false

	for _, wr := range q.rq {
		q.completeLocked(q.recvCQ, verbs.WorkCompletion{
			WRID:   wr.WRID,
			Status: verbs.WCWRFlushErr,
			Opcode: verbs.WCOpRecv,
			QPN:    q.qpn,
		})
	}

	q.rq = nil
	q.recvMsg = nil

	if q.asm != nil {
		q.asm.span.Release()
		q.asm = nil
	}

	metrics.QPStateTransition(from.String(), q.state.String())

	log.Info().
		Uint32("qpn", q.qpn).
		Str("from", from.String()).
		Str("send_status", sendStatus.String()).
		Msg("queue pair moved to error state")
}

func (ps *pendingSend) wcOpcode() verbs.WCOpcode {
	switch ps.kind {
	case kindWrite:
		return verbs.WCOpRDMAWrite
	case kindRead:
		return verbs.WCOpRDMARead
	case kindAtomic:
		if ps.wr.Opcode == verbs.WRFetchAdd {
			return verbs.WCOpFetchAdd
		}

		return verbs.WCOpCompSwap
	default:
		return verbs.WCOpSend
	}
}

// completeLocked delivers one completion record, holding it back if the
// completion queue is full. Held records are retried on every entry
// into the queue pair so no completion is ever lost; new signaled work
// is refused while any record is held.
func (q *QP) completeLocked(target *cq.CQ, wc verbs.WorkCompletion) {
	if len(q.held) == 0 {
		if err := target.Post(wc); err == nil {
			metrics.RecordCompletion(wc.Status.String())
			return
		}

		metrics.RecordCQOverflow()
	}

	q.held = append(q.held, heldCompletion{cq: target, wc: wc})
}

func (q *QP) flushHeldLocked() {
	for len(q.held) > 0 {
		h := q.held[0]
		if err := h.cq.Post(h.wc); err != nil {
			return
		}

		metrics.RecordCompletion(h.wc.Status.String())
		q.held = q.held[1:]
	}
}

// Stats is a point-in-time snapshot of queue pair state for the admin
// API.
type Stats struct {
	QPN              uint32 `json:"qpn"`
	Type             string `json:"type"`
	State            string `json:"state"`
	SendPSN          uint32 `json:"send_psn"`
	ExpectedPSN      uint32 `json:"expected_psn"`
	MSN              uint32 `json:"msn"`
	OutstandingSends int    `json:"outstanding_sends"`
	PostedReceives   int    `json:"posted_receives"`
	UnackedPackets   int    `json:"unacked_packets"`
	Retries          uint8  `json:"retries"`
	HeldCompletions  int    `json:"held_completions"`
	PeerAddr         string `json:"peer_addr,omitempty"`
	PeerQPN          uint32 `json:"peer_qpn,omitempty"`
}

// Snapshot returns current queue pair statistics.
func (q *QP) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		QPN:              q.qpn,
		Type:             q.typ.String(),
		State:            q.state.String(),
		SendPSN:          q.nextPSN,
		ExpectedPSN:      q.ePSN,
		MSN:              q.msn,
		OutstandingSends: len(q.sq),
		PostedReceives:   len(q.rq),
		UnackedPackets:   len(q.rlog),
		Retries:          q.retries,
		HeldCompletions:  len(q.held),
		PeerAddr:         q.attrs.DestAddr,
		PeerQPN:          q.attrs.DestQPN,
	}
}

func transTypeOf(t verbs.QPType) packet.TransType {
	switch t {
	case verbs.QPTypeUC:
		return packet.TransTypeUC
	case verbs.QPTypeUD:
		return packet.TransTypeUD
	default:
		return packet.TransTypeRC
	}
}
