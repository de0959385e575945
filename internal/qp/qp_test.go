package qp

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/softrdma/internal/cq"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/internal/region"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// captureTx records transmitted packets for manual shuttling between
// test peers.
type captureTx struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func (c *captureTx) Transmit(_ uint32, _ string, pkts []*packet.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pkts = append(c.pkts, pkts...)
}

func (c *captureTx) take() []*packet.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.pkts
	c.pkts = nil

	return out
}

func (c *captureTx) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pkts)
}

// manualTimers records timer requests; tests drive expiry by calling
// OnRetryTimeout directly.
type manualTimers struct {
	mu      sync.Mutex
	arms    []time.Duration
	cancels int
}

func (m *manualTimers) Arm(_ uint32, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.arms = append(m.arms, d)
}

func (m *manualTimers) Cancel(_ uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancels++
}

func (m *manualTimers) lastArm() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.arms) == 0 {
		return 0
	}

	return m.arms[len(m.arms)-1]
}

type testPeer struct {
	qp     *QP
	tx     *captureTx
	timers *manualTimers
	table  *region.Table
	sendCQ *cq.CQ
	recvCQ *cq.CQ
}

func newPeer(t testing.TB, qpn uint32, typ verbs.QPType, limits Limits) *testPeer {
	t.Helper()

	return newPeerWithCQ(t, qpn, typ, limits, 64)
}

func newPeerWithCQ(t testing.TB, qpn uint32, typ verbs.QPType, limits Limits, recvDepth int) *testPeer {
	t.Helper()

	sendCQ, err := cq.New(64)
	require.NoError(t, err)

	recvCQ, err := cq.New(recvDepth)
	require.NoError(t, err)

	p := &testPeer{
		tx:     &captureTx{},
		timers: &manualTimers{},
		table:  region.NewTable(16),
		sendCQ: sendCQ,
		recvCQ: recvCQ,
	}

	p.qp, err = New(Config{
		QPN:     qpn,
		Type:    typ,
		Regions: p.table,
		SendCQ:  sendCQ,
		RecvCQ:  recvCQ,
		Tx:      p.tx,
		Timers:  p.timers,
		Limits:  limits,
	})
	require.NoError(t, err)

	return p
}

// register backs [base, base+size) with a fresh buffer the test can
// inspect directly.
func (p *testPeer) register(t testing.TB, base uint64, size int, rights verbs.AccessFlags) (*region.Region, []byte) {
	t.Helper()

	buf := make([]byte, size)

	r, err := p.table.Register(base, buf, rights)
	require.NoError(t, err)

	return r, buf
}

const (
	psnAB = uint32(100)
	psnBA = uint32(200)
)

func connect(t testing.TB, a, b *testPeer) {
	t.Helper()

	access := verbs.AccessLocalWrite | verbs.AccessRemoteWrite |
		verbs.AccessRemoteRead | verbs.AccessRemoteAtomic

	require.NoError(t, a.qp.Modify(verbs.QPStateInit, verbs.QPAttr{AccessFlags: access}))
	require.NoError(t, b.qp.Modify(verbs.QPStateInit, verbs.QPAttr{AccessFlags: access}))

	require.NoError(t, a.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: "127.0.0.1:7002",
		DestQPN:  b.qp.QPN(),
		RecvPSN:  psnBA,
	}))
	require.NoError(t, b.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: "127.0.0.1:7001",
		DestQPN:  a.qp.QPN(),
		RecvPSN:  psnAB,
	}))

	require.NoError(t, a.qp.Modify(verbs.QPStateRTS, verbs.QPAttr{SendPSN: psnAB}))
	require.NoError(t, b.qp.Modify(verbs.QPStateRTS, verbs.QPAttr{SendPSN: psnBA}))
}

// roundTrip pushes one packet through the wire codec, as the transport
// would.
func roundTrip(t testing.TB, p *packet.Packet) *packet.Packet {
	t.Helper()

	buf, err := packet.Encode(p)
	require.NoError(t, err)

	decoded, err := packet.Decode(buf)
	require.NoError(t, err)

	return decoded
}

// deliver moves every captured packet from one peer to the other
// through a full encode/decode round trip, returning the decoded
// packets in transmission order.
func deliver(t testing.TB, from, to *testPeer) []*packet.Packet {
	t.Helper()

	var out []*packet.Packet

	for _, p := range from.tx.take() {
		decoded := roundTrip(t, p)
		to.qp.HandlePacket(decoded)
		out = append(out, decoded)
	}

	return out
}

func pollOne(t testing.TB, c *cq.CQ) verbs.WorkCompletion {
	t.Helper()

	wcs := c.Poll(1)
	require.Len(t, wcs, 1)

	return wcs[0]
}

func fillPattern(buf []byte) {
	for i := range buf {
		buf[i] = byte(i % 251)
	}
}

func TestLifecycle(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})

	assert.Equal(t, verbs.QPStateReset, a.qp.State())
	assert.Equal(t, verbs.QPTypeRC, a.qp.Type())
	assert.Equal(t, uint32(1), a.qp.QPN())

	connect(t, a, b)

	assert.Equal(t, verbs.QPStateRTS, a.qp.State())
	assert.Equal(t, verbs.QPStateRTS, b.qp.State())
}

func TestModifyRejectsSkippedStates(t *testing.T) {
	tests := []struct {
		name string
		to   verbs.QPState
	}{
		{"reset to rtr", verbs.QPStateRTR},
		{"reset to rts", verbs.QPStateRTS},
		{"reset to reset", verbs.QPStateReset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPeer(t, 1, verbs.QPTypeRC, Limits{})

			err := p.qp.Modify(tt.to, verbs.QPAttr{})
			require.ErrorIs(t, err, verbs.ErrInvalidState)
			assert.Equal(t, verbs.QPStateReset, p.qp.State())
		})
	}
}

func TestModifyRTRValidation(t *testing.T) {
	p := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	require.NoError(t, p.qp.Modify(verbs.QPStateInit, verbs.QPAttr{}))

	err := p.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{DestQPN: 9})
	require.ErrorIs(t, err, verbs.ErrInvalidParam)

	err = p.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{DestAddr: "10.0.0.1:7000"})
	require.ErrorIs(t, err, verbs.ErrInvalidParam)

	err = p.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: "10.0.0.1:7000", DestQPN: 9, PMTU: 300,
	})
	require.ErrorIs(t, err, verbs.ErrInvalidParam)

	require.NoError(t, p.qp.Modify(verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: "10.0.0.1:7000", DestQPN: 9,
	}))
}

func TestPostGates(t *testing.T) {
	p := newPeer(t, 1, verbs.QPTypeRC, Limits{})

	err := p.qp.PostSend(verbs.SendWR{Opcode: verbs.WRSend})
	require.ErrorIs(t, err, verbs.ErrInvalidState)

	err = p.qp.PostRecv(verbs.RecvWR{})
	require.ErrorIs(t, err, verbs.ErrInvalidState)

	// receives may be staged from INIT so buffers exist before traffic
	require.NoError(t, p.qp.Modify(verbs.QPStateInit, verbs.QPAttr{}))
	require.NoError(t, p.qp.PostRecv(verbs.RecvWR{WRID: 1}))
}

func TestSendReceive(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 256, 0)
	dst, dstBuf := b.register(t, 0x8000, 256, verbs.AccessLocalWrite)
	fillPattern(srcBuf)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 256, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 64, LKey: src.LKey()}},
		Signaled: true,
	}))

	sent := deliver(t, a, b)
	require.Len(t, sent, 1)
	assert.Equal(t, packet.OpSendOnly, sent[0].BTH.Opcode)
	assert.Equal(t, psnAB, sent[0].BTH.PSN)
	assert.True(t, sent[0].BTH.AckReq)

	wc := pollOne(t, b.recvCQ)
	assert.Equal(t, uint64(11), wc.WRID)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, verbs.WCOpRecv, wc.Opcode)
	assert.Equal(t, uint32(64), wc.ByteLen)
	assert.Equal(t, srcBuf[:64], dstBuf[:64])

	acks := deliver(t, b, a)
	require.Len(t, acks, 1)
	assert.Equal(t, packet.OpAcknowledge, acks[0].BTH.Opcode)

	wc = pollOne(t, a.sendCQ)
	assert.Equal(t, uint64(1), wc.WRID)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, verbs.WCOpSend, wc.Opcode)
	assert.Equal(t, uint32(64), wc.ByteLen)

	assert.Zero(t, a.qp.Snapshot().UnackedPackets)
}

func TestSendSegmentation(t *testing.T) {
	limits := Limits{PMTU: verbs.PMTU256}
	a := newPeer(t, 1, verbs.QPTypeRC, limits)
	b := newPeer(t, 2, verbs.QPTypeRC, limits)
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 600, 0)
	dst, dstBuf := b.register(t, 0x8000, 600, verbs.AccessLocalWrite)
	fillPattern(srcBuf)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 600, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 600, LKey: src.LKey()}},
		Signaled: true,
	}))

	sent := deliver(t, a, b)
	require.Len(t, sent, 3)
	assert.Equal(t, packet.OpSendFirst, sent[0].BTH.Opcode)
	assert.Equal(t, packet.OpSendMiddle, sent[1].BTH.Opcode)
	assert.Equal(t, packet.OpSendLast, sent[2].BTH.Opcode)
	assert.True(t, sent[2].BTH.AckReq)

	wc := pollOne(t, b.recvCQ)
	assert.Equal(t, uint32(600), wc.ByteLen)
	assert.Equal(t, srcBuf, dstBuf)

	deliver(t, b, a)
	assert.Equal(t, verbs.WCSuccess, pollOne(t, a.sendCQ).Status)
}

func TestDuplicateNotReapplied(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 64, 0)
	dst, _ := b.register(t, 0x8000, 128, verbs.AccessLocalWrite)
	fillPattern(srcBuf)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 64, LKey: dst.LKey()}},
	}))
	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   12,
		SGList: []verbs.SGE{{Addr: 0x8040, Length: 64, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 64, LKey: src.LKey()}},
		Signaled: true,
	}))

	sent := deliver(t, a, b)
	require.Len(t, sent, 1)
	require.Len(t, b.recvCQ.Poll(4), 1)

	// the wire replays the packet
	b.qp.HandlePacket(sent[0])

	// no second delivery, no second buffer consumed, sequence unmoved
	assert.Empty(t, b.recvCQ.Poll(4))
	assert.Equal(t, 1, b.qp.Snapshot().PostedReceives)
	assert.Equal(t, packet.PSNAdd(psnAB, 1), b.qp.Snapshot().ExpectedPSN)

	// but the duplicate is re-acknowledged
	acks := b.tx.take()
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0].BTH.PSN, acks[1].BTH.PSN)

	for _, ack := range acks {
		a.qp.HandlePacket(roundTrip(t, ack))
	}

	require.Len(t, a.sendCQ.Poll(4), 1)
}

func TestGapTriggersNAK(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 64, 0)
	dst, _ := b.register(t, 0x8000, 128, verbs.AccessLocalWrite)
	fillPattern(srcBuf)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 64, LKey: dst.LKey()}},
	}))
	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   12,
		SGList: []verbs.SGE{{Addr: 0x8040, Length: 64, LKey: dst.LKey()}},
	}))

	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, a.qp.PostSend(verbs.SendWR{
			WRID:     i,
			Opcode:   verbs.WRSend,
			SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
			Signaled: true,
		}))
	}

	pkts := a.tx.take()
	require.Len(t, pkts, 2)

	// first packet lost, second arrives out of sequence
	b.qp.HandlePacket(roundTrip(t, pkts[1]))

	naks := b.tx.take()
	require.Len(t, naks, 1)
	require.NotNil(t, naks[0].AETH)
	assert.Equal(t, packet.AETHCodeNAK, naks[0].AETH.Code)
	assert.Equal(t, uint8(packet.NAKSeqErr), naks[0].AETH.Value)
	assert.Equal(t, psnAB, naks[0].BTH.PSN)
	assert.Empty(t, b.recvCQ.Poll(4))

	// the same gap is reported once, not per packet
	b.qp.HandlePacket(roundTrip(t, pkts[1]))
	assert.Empty(t, b.tx.take())

	// the NAK drives retransmission without spending the retry budget
	a.qp.HandlePacket(roundTrip(t, naks[0]))
	resent := a.tx.take()
	require.Len(t, resent, 2)
	assert.Zero(t, a.qp.Snapshot().Retries)

	for _, p := range resent {
		b.qp.HandlePacket(roundTrip(t, p))
	}

	wcs := b.recvCQ.Poll(4)
	require.Len(t, wcs, 2)
	assert.Equal(t, uint64(11), wcs[0].WRID)
	assert.Equal(t, uint64(12), wcs[1].WRID)

	deliver(t, b, a)
	require.Len(t, a.sendCQ.Poll(4), 2)
}

func TestRetryExhaustionFailsOutstandingWork(t *testing.T) {
	limits := Limits{RetryLimit: 2}
	a := newPeer(t, 1, verbs.QPTypeRC, limits)
	b := newPeer(t, 2, verbs.QPTypeRC, limits)
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)
	lcl, _ := a.register(t, 0x2000, 64, verbs.AccessLocalWrite)

	require.NoError(t, a.qp.PostRecv(verbs.RecvWR{
		WRID:   31,
		SGList: []verbs.SGE{{Addr: 0x2000, Length: 64, LKey: lcl.LKey()}},
	}))

	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, a.qp.PostSend(verbs.SendWR{
			WRID:     i,
			Opcode:   verbs.WRSend,
			SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
			Signaled: true,
		}))
	}

	// every transmission is lost
	require.Len(t, a.tx.take(), 2)

	a.qp.OnRetryTimeout()
	assert.Len(t, a.tx.take(), 2)
	assert.Equal(t, uint8(1), a.qp.Snapshot().Retries)

	a.qp.OnRetryTimeout()
	assert.Len(t, a.tx.take(), 2)

	a.qp.OnRetryTimeout()
	assert.Empty(t, a.tx.take())
	assert.Equal(t, verbs.QPStateError, a.qp.State())

	wcs := a.sendCQ.Poll(4)
	require.Len(t, wcs, 2)

	for i, wc := range wcs {
		assert.Equal(t, uint64(i+1), wc.WRID)
		assert.Equal(t, verbs.WCRetryExcErr, wc.Status)
	}

	flushed := pollOne(t, a.recvCQ)
	assert.Equal(t, uint64(31), flushed.WRID)
	assert.Equal(t, verbs.WCWRFlushErr, flushed.Status)

	err := a.qp.PostSend(verbs.SendWR{Opcode: verbs.WRSend})
	require.ErrorIs(t, err, verbs.ErrInvalidState)

	_ = b
}

func TestAckProgressResetsRetries(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)
	dst, _ := b.register(t, 0x8000, 64, verbs.AccessLocalWrite)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 64, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
		Signaled: true,
	}))

	// original lost, one retry round delivers
	a.tx.take()
	a.qp.OnRetryTimeout()
	assert.Equal(t, uint8(1), a.qp.Snapshot().Retries)

	deliver(t, a, b)
	deliver(t, b, a)

	assert.Equal(t, verbs.WCSuccess, pollOne(t, a.sendCQ).Status)
	assert.Zero(t, a.qp.Snapshot().Retries)
	assert.Zero(t, a.qp.Snapshot().UnackedPackets)
}

type writePair struct {
	a, b   *testPeer
	src    *region.Region
	srcBuf []byte
	dst    *region.Region
	dstBuf []byte
}

func newWritePair(t *testing.T) writePair {
	t.Helper()

	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x4000, 0x200, 0)
	fillPattern(srcBuf)

	dst, dstBuf := b.register(t, 0x1000, 0x1000, verbs.AccessRemoteWrite)

	return writePair{a: a, b: b, src: src, srcBuf: srcBuf, dst: dst, dstBuf: dstBuf}
}

func TestRemoteWriteBounds(t *testing.T) {
	t.Run("write crossing the registered range is refused whole", func(t *testing.T) {
		p := newWritePair(t)

		// [0x1F00, 0x2100) overlaps the tail of [0x1000, 0x2000) but
		// runs past it.
		require.NoError(t, p.a.qp.PostSend(verbs.SendWR{
			WRID:       1,
			Opcode:     verbs.WRWrite,
			SGList:     []verbs.SGE{{Addr: 0x4000, Length: 0x200, LKey: p.src.LKey()}},
			RemoteAddr: 0x1F00,
			RKey:       p.dst.RKey(),
			Signaled:   true,
		}))

		deliver(t, p.a, p.b)

		assert.Equal(t, make([]byte, 0x1000), p.dstBuf)
		assert.Equal(t, verbs.QPStateError, p.b.qp.State())

		naks := deliver(t, p.b, p.a)
		require.Len(t, naks, 1)
		assert.Equal(t, packet.AETHCodeNAK, naks[0].AETH.Code)
		assert.Equal(t, uint8(packet.NAKRemoteAccess), naks[0].AETH.Value)

		wc := pollOne(t, p.a.sendCQ)
		assert.Equal(t, verbs.WCRemoteAccessErr, wc.Status)
		assert.Equal(t, verbs.WCOpRDMAWrite, wc.Opcode)
		assert.Equal(t, verbs.QPStateError, p.a.qp.State())
	})

	t.Run("write inside the registered range lands", func(t *testing.T) {
		p := newWritePair(t)

		require.NoError(t, p.a.qp.PostSend(verbs.SendWR{
			WRID:       2,
			Opcode:     verbs.WRWrite,
			SGList:     []verbs.SGE{{Addr: 0x4000, Length: 0x100, LKey: p.src.LKey()}},
			RemoteAddr: 0x1000,
			RKey:       p.dst.RKey(),
			Signaled:   true,
		}))

		deliver(t, p.a, p.b)
		deliver(t, p.b, p.a)

		wc := pollOne(t, p.a.sendCQ)
		assert.Equal(t, verbs.WCSuccess, wc.Status)
		assert.Equal(t, uint32(0x100), wc.ByteLen)
		assert.Equal(t, p.srcBuf[:0x100], p.dstBuf[:0x100])
		assert.Equal(t, make([]byte, 0xF00), p.dstBuf[0x100:])
	})

	t.Run("write without remote-write rights is refused", func(t *testing.T) {
		p := newWritePair(t)

		rdOnly, rdBuf := p.b.register(t, 0x9000, 64, verbs.AccessRemoteRead)

		require.NoError(t, p.a.qp.PostSend(verbs.SendWR{
			WRID:       3,
			Opcode:     verbs.WRWrite,
			SGList:     []verbs.SGE{{Addr: 0x4000, Length: 32, LKey: p.src.LKey()}},
			RemoteAddr: 0x9000,
			RKey:       rdOnly.RKey(),
			Signaled:   true,
		}))

		deliver(t, p.a, p.b)
		deliver(t, p.b, p.a)

		assert.Equal(t, make([]byte, 64), rdBuf)
		assert.Equal(t, verbs.WCRemoteAccessErr, pollOne(t, p.a.sendCQ).Status)
	})
}

func TestWriteWithImmediate(t *testing.T) {
	t.Run("delivered with a waiting buffer", func(t *testing.T) {
		p := newWritePair(t)

		require.NoError(t, p.b.qp.PostRecv(verbs.RecvWR{WRID: 31}))

		require.NoError(t, p.a.qp.PostSend(verbs.SendWR{
			WRID:       1,
			Opcode:     verbs.WRWriteImm,
			SGList:     []verbs.SGE{{Addr: 0x4000, Length: 16, LKey: p.src.LKey()}},
			RemoteAddr: 0x1000,
			RKey:       p.dst.RKey(),
			ImmData:    0xCAFEBABE,
			Signaled:   true,
		}))

		deliver(t, p.a, p.b)

		wc := pollOne(t, p.b.recvCQ)
		assert.Equal(t, uint64(31), wc.WRID)
		assert.Equal(t, verbs.WCOpRecvRDMAWithImm, wc.Opcode)
		assert.Equal(t, uint32(0xCAFEBABE), wc.ImmData)
		assert.Equal(t, uint32(16), wc.ByteLen)
		assert.Equal(t, p.srcBuf[:16], p.dstBuf[:16])

		deliver(t, p.b, p.a)
		assert.Equal(t, verbs.WCOpRDMAWrite, pollOne(t, p.a.sendCQ).Opcode)
	})

	t.Run("immediate without a buffer backs off untouched", func(t *testing.T) {
		p := newWritePair(t)

		require.NoError(t, p.a.qp.PostSend(verbs.SendWR{
			WRID:       2,
			Opcode:     verbs.WRWriteImm,
			SGList:     []verbs.SGE{{Addr: 0x4000, Length: 16, LKey: p.src.LKey()}},
			RemoteAddr: 0x1000,
			RKey:       p.dst.RKey(),
			ImmData:    7,
			Signaled:   true,
		}))

		deliver(t, p.a, p.b)

		rnrs := p.b.tx.take()
		require.Len(t, rnrs, 1)
		assert.Equal(t, packet.AETHCodeRNR, rnrs[0].AETH.Code)
		assert.Equal(t, make([]byte, 0x1000), p.dstBuf)

		p.a.qp.HandlePacket(roundTrip(t, rnrs[0]))

		require.NoError(t, p.b.qp.PostRecv(verbs.RecvWR{WRID: 32}))

		p.a.qp.OnRetryTimeout()
		deliver(t, p.a, p.b)

		wc := pollOne(t, p.b.recvCQ)
		assert.Equal(t, uint64(32), wc.WRID)
		assert.Equal(t, p.srcBuf[:16], p.dstBuf[:16])

		deliver(t, p.b, p.a)
		assert.Equal(t, verbs.WCSuccess, pollOne(t, p.a.sendCQ).Status)
	})
}

func TestRDMARead(t *testing.T) {
	limits := Limits{PMTU: verbs.PMTU256}
	a := newPeer(t, 1, verbs.QPTypeRC, limits)
	b := newPeer(t, 2, verbs.QPTypeRC, limits)
	connect(t, a, b)

	local, localBuf := a.register(t, 0x6000, 600, verbs.AccessLocalWrite)
	remote, remoteBuf := b.register(t, 0x3000, 1024, verbs.AccessRemoteRead)
	fillPattern(remoteBuf)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:       5,
		Opcode:     verbs.WRRead,
		SGList:     []verbs.SGE{{Addr: 0x6000, Length: 600, LKey: local.LKey()}},
		RemoteAddr: 0x3000,
		RKey:       remote.RKey(),
		Signaled:   true,
	}))

	reqs := deliver(t, a, b)
	require.Len(t, reqs, 1)
	assert.Equal(t, packet.OpReadRequest, reqs[0].BTH.Opcode)
	assert.Equal(t, uint32(600), reqs[0].RETH.DLen)

	resps := deliver(t, b, a)
	require.Len(t, resps, 3)
	assert.Equal(t, packet.OpReadRespFirst, resps[0].BTH.Opcode)
	assert.Equal(t, packet.OpReadRespMiddle, resps[1].BTH.Opcode)
	assert.Equal(t, packet.OpReadRespLast, resps[2].BTH.Opcode)

	wc := pollOne(t, a.sendCQ)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, verbs.WCOpRDMARead, wc.Opcode)
	assert.Equal(t, uint32(600), wc.ByteLen)
	assert.Equal(t, remoteBuf[:600], localBuf)

	// a replayed response is dropped, not scattered twice
	a.qp.HandlePacket(resps[2])
	assert.Empty(t, a.sendCQ.Poll(4))
	assert.Zero(t, a.qp.Snapshot().UnackedPackets)

	// the read consumed one sequence number per response packet
	assert.Equal(t, packet.PSNAdd(psnAB, 3), a.qp.Snapshot().SendPSN)
	assert.Equal(t, packet.PSNAdd(psnAB, 3), b.qp.Snapshot().ExpectedPSN)
}

func TestDuplicateReadReExecuted(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	local, _ := a.register(t, 0x6000, 64, verbs.AccessLocalWrite)
	remote, remoteBuf := b.register(t, 0x3000, 64, verbs.AccessRemoteRead)
	fillPattern(remoteBuf)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:       5,
		Opcode:     verbs.WRRead,
		SGList:     []verbs.SGE{{Addr: 0x6000, Length: 64, LKey: local.LKey()}},
		RemoteAddr: 0x3000,
		RKey:       remote.RKey(),
		Signaled:   true,
	}))

	reqs := deliver(t, a, b)
	deliver(t, b, a)
	require.Len(t, a.sendCQ.Poll(4), 1)

	// a lost-response retransmission re-executes against current memory
	remoteBuf[0] = 0xFF
	b.qp.HandlePacket(reqs[0])

	replay := b.tx.take()
	require.Len(t, replay, 1)
	assert.Equal(t, packet.OpReadRespOnly, replay[0].BTH.Opcode)
	assert.Equal(t, byte(0xFF), replay[0].Payload[0])

	// sequence state is unmoved by the duplicate
	assert.Equal(t, packet.PSNAdd(psnAB, 1), b.qp.Snapshot().ExpectedPSN)
}

func TestAtomicFetchAddExactlyOnce(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	result, resultBuf := a.register(t, 0x100, 8, verbs.AccessLocalWrite)
	tgt, tgtBuf := b.register(t, 0x2000, 64, verbs.AccessRemoteAtomic)
	binary.BigEndian.PutUint64(tgtBuf[8:], 1000)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:       9,
		Opcode:     verbs.WRFetchAdd,
		SGList:     []verbs.SGE{{Addr: 0x100, Length: 8, LKey: result.LKey()}},
		RemoteAddr: 0x2008,
		RKey:       tgt.RKey(),
		CompareAdd: 5,
		Signaled:   true,
	}))

	reqs := deliver(t, a, b)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(1005), binary.BigEndian.Uint64(tgtBuf[8:]))

	// the duplicate is answered from the reply cache, not reapplied
	b.qp.HandlePacket(reqs[0])
	assert.Equal(t, uint64(1005), binary.BigEndian.Uint64(tgtBuf[8:]))

	acks := b.tx.take()
	require.Len(t, acks, 2)

	for _, ack := range acks {
		require.NotNil(t, ack.AtomicAckETH)
		assert.Equal(t, uint64(1000), ack.AtomicAckETH.Original)
	}

	a.qp.HandlePacket(roundTrip(t, acks[0]))

	wc := pollOne(t, a.sendCQ)
	assert.Equal(t, verbs.WCOpFetchAdd, wc.Opcode)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, uint64(1000), binary.BigEndian.Uint64(resultBuf))

	// the straggler acknowledgment is ignored
	a.qp.HandlePacket(roundTrip(t, acks[1]))
	assert.Empty(t, a.sendCQ.Poll(4))
}

func TestAtomicCompSwap(t *testing.T) {
	run := func(t *testing.T, compare, swap, initial, wantMem uint64) {
		t.Helper()

		a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
		b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
		connect(t, a, b)

		result, resultBuf := a.register(t, 0x100, 8, verbs.AccessLocalWrite)
		tgt, tgtBuf := b.register(t, 0x2000, 8, verbs.AccessRemoteAtomic)
		binary.BigEndian.PutUint64(tgtBuf, initial)

		require.NoError(t, a.qp.PostSend(verbs.SendWR{
			WRID:       3,
			Opcode:     verbs.WRCompSwap,
			SGList:     []verbs.SGE{{Addr: 0x100, Length: 8, LKey: result.LKey()}},
			RemoteAddr: 0x2000,
			RKey:       tgt.RKey(),
			CompareAdd: compare,
			Swap:       swap,
			Signaled:   true,
		}))

		deliver(t, a, b)
		deliver(t, b, a)

		wc := pollOne(t, a.sendCQ)
		assert.Equal(t, verbs.WCOpCompSwap, wc.Opcode)
		assert.Equal(t, verbs.WCSuccess, wc.Status)
		assert.Equal(t, initial, binary.BigEndian.Uint64(resultBuf))
		assert.Equal(t, wantMem, binary.BigEndian.Uint64(tgtBuf))
	}

	t.Run("matching compare swaps", func(t *testing.T) {
		run(t, 7, 42, 7, 42)
	})

	t.Run("mismatched compare leaves memory", func(t *testing.T) {
		run(t, 99, 42, 7, 7)
	})
}

func TestPostSendValidation(t *testing.T) {
	rc := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	rcPeer := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, rc, rcPeer)

	buf, _ := rc.register(t, 0x100, 64, verbs.AccessLocalWrite)

	tests := []struct {
		name string
		wr   verbs.SendWR
	}{
		{
			name: "unknown opcode",
			wr:   verbs.SendWR{Opcode: verbs.WROpcode(99)},
		},
		{
			name: "atomic result buffer not eight bytes",
			wr: verbs.SendWR{
				Opcode:     verbs.WRFetchAdd,
				SGList:     []verbs.SGE{{Addr: 0x100, Length: 4, LKey: buf.LKey()}},
				RemoteAddr: 0x2000,
			},
		},
		{
			name: "atomic target unaligned",
			wr: verbs.SendWR{
				Opcode:     verbs.WRCompSwap,
				SGList:     []verbs.SGE{{Addr: 0x100, Length: 8, LKey: buf.LKey()}},
				RemoteAddr: 0x2001,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rc.qp.PostSend(tt.wr)
			require.ErrorIs(t, err, verbs.ErrInvalidParam)
			assert.Empty(t, rc.tx.take())
		})
	}

	t.Run("datagram rejects remote opcodes", func(t *testing.T) {
		ud := newPeer(t, 3, verbs.QPTypeUD, Limits{})
		udPeer := newPeer(t, 4, verbs.QPTypeUD, Limits{})
		connect(t, ud, udPeer)

		for _, op := range []verbs.WROpcode{verbs.WRWrite, verbs.WRRead, verbs.WRFetchAdd} {
			err := ud.qp.PostSend(verbs.SendWR{Opcode: op})
			require.ErrorIs(t, err, verbs.ErrInvalidParam, op.String())
		}
	})
}

func TestReceiverNotReady(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 64, 0)
	dst, dstBuf := b.register(t, 0x8000, 64, verbs.AccessLocalWrite)
	fillPattern(srcBuf)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
		Signaled: true,
	}))

	deliver(t, a, b)

	rnrs := b.tx.take()
	require.Len(t, rnrs, 1)
	require.NotNil(t, rnrs[0].AETH)
	assert.Equal(t, packet.AETHCodeRNR, rnrs[0].AETH.Code)
	assert.Empty(t, b.recvCQ.Poll(4))
	assert.Equal(t, psnAB, b.qp.Snapshot().ExpectedPSN)

	a.qp.HandlePacket(roundTrip(t, rnrs[0]))
	assert.Equal(t, DefaultLimits().RnrTimeout, a.timers.lastArm())

	// the deferred retransmission spends no retry budget
	a.qp.OnRetryTimeout()
	assert.Zero(t, a.qp.Snapshot().Retries)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   21,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 64, LKey: dst.LKey()}},
	}))

	deliver(t, a, b)

	wc := pollOne(t, b.recvCQ)
	assert.Equal(t, uint64(21), wc.WRID)
	assert.Equal(t, srcBuf[:32], dstBuf[:32])

	deliver(t, b, a)
	assert.Equal(t, verbs.WCSuccess, pollOne(t, a.sendCQ).Status)
}

func TestReceiverNotReadyExhaustion(t *testing.T) {
	limits := Limits{RnrRetryLimit: 1}
	a := newPeer(t, 1, verbs.QPTypeRC, limits)
	b := newPeer(t, 2, verbs.QPTypeRC, limits)
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
		Signaled: true,
	}))

	deliver(t, a, b)
	rnr := deliver(t, b, a)
	require.Len(t, rnr, 1)

	a.qp.OnRetryTimeout()
	deliver(t, a, b)
	deliver(t, b, a)

	assert.Equal(t, verbs.QPStateError, a.qp.State())
	assert.Equal(t, verbs.WCRnrRetryExcErr, pollOne(t, a.sendCQ).Status)
}

func TestCompletionBackpressure(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeerWithCQ(t, 2, verbs.QPTypeRC, Limits{}, 1)
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)
	dst, _ := b.register(t, 0x8000, 128, verbs.AccessLocalWrite)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   11,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 64, LKey: dst.LKey()}},
	}))
	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   12,
		SGList: []verbs.SGE{{Addr: 0x8040, Length: 64, LKey: dst.LKey()}},
	}))

	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, a.qp.PostSend(verbs.SendWR{
			WRID:     i,
			Opcode:   verbs.WRSend,
			SGList:   []verbs.SGE{{Addr: 0x1000, Length: 16, LKey: src.LKey()}},
			Signaled: true,
		}))
	}

	deliver(t, a, b)

	// the first completion fits, the second is held back, neither is lost
	assert.Equal(t, 1, b.recvCQ.Len())
	assert.Equal(t, 1, b.qp.Snapshot().HeldCompletions)

	// a held completion blocks new submissions before anything is built
	sent := b.tx.count()
	err := b.qp.PostSend(verbs.SendWR{Opcode: verbs.WRSend, Signaled: true})
	require.ErrorIs(t, err, verbs.ErrQueueFull)
	assert.Equal(t, sent, b.tx.count())

	first := pollOne(t, b.recvCQ)
	assert.Equal(t, uint64(11), first.WRID)

	b.qp.Flush()

	second := pollOne(t, b.recvCQ)
	assert.Equal(t, uint64(12), second.WRID)
	assert.Zero(t, b.qp.Snapshot().HeldCompletions)

	// acknowledgments flowed for both messages regardless
	deliver(t, b, a)
	require.Len(t, a.sendCQ.Poll(4), 2)
}

func TestQueueCaps(t *testing.T) {
	limits := Limits{MaxSendWR: 1, MaxRecvWR: 1}
	a := newPeer(t, 1, verbs.QPTypeRC, limits)
	b := newPeer(t, 2, verbs.QPTypeRC, limits)
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)
	sge := []verbs.SGE{{Addr: 0x1000, Length: 8, LKey: src.LKey()}}

	require.NoError(t, a.qp.PostSend(verbs.SendWR{WRID: 1, Opcode: verbs.WRSend, SGList: sge}))

	err := a.qp.PostSend(verbs.SendWR{WRID: 2, Opcode: verbs.WRSend, SGList: sge})
	require.ErrorIs(t, err, verbs.ErrQueueFull)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{WRID: 1}))

	err = b.qp.PostRecv(verbs.RecvWR{WRID: 2})
	require.ErrorIs(t, err, verbs.ErrQueueFull)
}

func TestModifyToErrorFlushes(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 2, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)
	lcl, _ := a.register(t, 0x2000, 64, verbs.AccessLocalWrite)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
		Signaled: true,
	}))

	for i := uint64(31); i <= 32; i++ {
		require.NoError(t, a.qp.PostRecv(verbs.RecvWR{
			WRID:   i,
			SGList: []verbs.SGE{{Addr: 0x2000, Length: 64, LKey: lcl.LKey()}},
		}))
	}

	pending := a.tx.take()
	require.Len(t, pending, 1)

	require.NoError(t, a.qp.Modify(verbs.QPStateError, verbs.QPAttr{}))
	assert.Equal(t, verbs.QPStateError, a.qp.State())

	wc := pollOne(t, a.sendCQ)
	assert.Equal(t, uint64(1), wc.WRID)
	assert.Equal(t, verbs.WCWRFlushErr, wc.Status)

	flushed := a.recvCQ.Poll(4)
	require.Len(t, flushed, 2)

	for i, fwc := range flushed {
		assert.Equal(t, uint64(31+i), fwc.WRID)
		assert.Equal(t, verbs.WCWRFlushErr, fwc.Status)
	}

	// a second transition is a no-op
	require.NoError(t, a.qp.Modify(verbs.QPStateError, verbs.QPAttr{}))
	assert.Empty(t, a.sendCQ.Poll(4))

	// inbound traffic is ignored in the error state
	a.qp.HandlePacket(roundTrip(t, pending[0]))
	assert.Empty(t, a.tx.take())
	assert.Empty(t, a.recvCQ.Poll(4))
}

func TestUnreliableDatagram(t *testing.T) {
	a := newPeer(t, 1, verbs.QPTypeUD, Limits{})
	b := newPeer(t, 2, verbs.QPTypeUD, Limits{})
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 2048, 0)
	fillPattern(srcBuf)

	dst, dstBuf := b.register(t, 0x8000, 256, verbs.AccessLocalWrite)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   41,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 256, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     4,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 100, LKey: src.LKey()}},
		Signaled: true,
	}))

	// datagrams complete on transmission, before any delivery
	wc := pollOne(t, a.sendCQ)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Zero(t, a.qp.Snapshot().UnackedPackets)

	sent := deliver(t, a, b)
	require.Len(t, sent, 1)
	assert.Equal(t, packet.TransTypeUD, sent[0].BTH.TransType)

	rwc := pollOne(t, b.recvCQ)
	assert.Equal(t, uint64(41), rwc.WRID)
	assert.Equal(t, uint32(100), rwc.ByteLen)
	assert.Equal(t, srcBuf[:100], dstBuf[:100])

	// no reply traffic of any kind
	assert.Empty(t, b.tx.take())

	t.Run("oversized datagram is rejected", func(t *testing.T) {
		err := a.qp.PostSend(verbs.SendWR{
			Opcode: verbs.WRSend,
			SGList: []verbs.SGE{{Addr: 0x1000, Length: 2000, LKey: src.LKey()}},
		})
		require.ErrorIs(t, err, verbs.ErrInvalidParam)
	})

	t.Run("datagram without a buffer is dropped", func(t *testing.T) {
		require.NoError(t, a.qp.PostSend(verbs.SendWR{
			Opcode: verbs.WRSend,
			SGList: []verbs.SGE{{Addr: 0x1000, Length: 32, LKey: src.LKey()}},
		}))

		deliver(t, a, b)
		assert.Empty(t, b.recvCQ.Poll(4))
		assert.Empty(t, b.tx.take())
	})
}

func TestUnreliableConnectionResync(t *testing.T) {
	limits := Limits{PMTU: verbs.PMTU256}
	a := newPeer(t, 1, verbs.QPTypeUC, limits)
	b := newPeer(t, 2, verbs.QPTypeUC, limits)
	connect(t, a, b)

	src, srcBuf := a.register(t, 0x1000, 1024, 0)
	fillPattern(srcBuf)

	dst, _ := b.register(t, 0x8000, 1024, verbs.AccessLocalWrite)

	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   51,
		SGList: []verbs.SGE{{Addr: 0x8000, Length: 600, LKey: dst.LKey()}},
	}))
	require.NoError(t, b.qp.PostRecv(verbs.RecvWR{
		WRID:   52,
		SGList: []verbs.SGE{{Addr: 0x8000 + 600, Length: 64, LKey: dst.LKey()}},
	}))

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     6,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 600, LKey: src.LKey()}},
		Signaled: true,
	}))

	// unreliable sends complete on transmission
	assert.Equal(t, verbs.WCSuccess, pollOne(t, a.sendCQ).Status)

	pkts := a.tx.take()
	require.Len(t, pkts, 3)

	// the middle packet is lost: the tail is dropped without any NAK
	b.qp.HandlePacket(roundTrip(t, pkts[0]))
	b.qp.HandlePacket(roundTrip(t, pkts[2]))
	assert.Empty(t, b.recvCQ.Poll(4))
	assert.Empty(t, b.tx.take())

	// the next message resynchronizes at its first packet
	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:     7,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 64, LKey: src.LKey()}},
		Signaled: true,
	}))
	assert.Equal(t, verbs.WCSuccess, pollOne(t, a.sendCQ).Status)

	deliver(t, a, b)

	wc := pollOne(t, b.recvCQ)
	assert.Equal(t, uint32(64), wc.ByteLen)

	// the first buffer was consumed by the broken message
	assert.Equal(t, uint64(52), wc.WRID)
}

func TestSnapshot(t *testing.T) {
	a := newPeer(t, 7, verbs.QPTypeRC, Limits{})
	b := newPeer(t, 8, verbs.QPTypeRC, Limits{})
	connect(t, a, b)

	src, _ := a.register(t, 0x1000, 64, 0)

	require.NoError(t, a.qp.PostSend(verbs.SendWR{
		WRID:   1,
		Opcode: verbs.WRSend,
		SGList: []verbs.SGE{{Addr: 0x1000, Length: 8, LKey: src.LKey()}},
	}))

	s := a.qp.Snapshot()
	assert.Equal(t, uint32(7), s.QPN)
	assert.Equal(t, "RC", s.Type)
	assert.Equal(t, "RTS", s.State)
	assert.Equal(t, packet.PSNAdd(psnAB, 1), s.SendPSN)
	assert.Equal(t, 1, s.OutstandingSends)
	assert.Equal(t, 1, s.UnackedPackets)
	assert.Equal(t, uint32(8), s.PeerQPN)
	assert.Equal(t, "127.0.0.1:7002", s.PeerAddr)
}

func BenchmarkSendReceive(b *testing.B) {
	a := newPeer(b, 1, verbs.QPTypeRC, Limits{})
	peer := newPeer(b, 2, verbs.QPTypeRC, Limits{})
	connect(b, a, peer)

	src, _ := a.register(b, 0x1000, 256, 0)
	dst, _ := peer.register(b, 0x8000, 256, verbs.AccessLocalWrite)

	recvWR := verbs.RecvWR{WRID: 1, SGList: []verbs.SGE{{Addr: 0x8000, Length: 256, LKey: dst.LKey()}}}
	sendWR := verbs.SendWR{
		WRID:     1,
		Opcode:   verbs.WRSend,
		SGList:   []verbs.SGE{{Addr: 0x1000, Length: 256, LKey: src.LKey()}},
		Signaled: true,
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = peer.qp.PostRecv(recvWR)
		_ = a.qp.PostSend(sendWR)
		deliver(b, a, peer)
		deliver(b, peer, a)
		peer.recvCQ.Poll(1)
		a.sendCQ.Poll(1)
	}
}

func BenchmarkRDMAWrite(b *testing.B) {
	a := newPeer(b, 1, verbs.QPTypeRC, Limits{})
	peer := newPeer(b, 2, verbs.QPTypeRC, Limits{})
	connect(b, a, peer)

	src, _ := a.register(b, 0x1000, 1024, 0)
	dst, _ := peer.register(b, 0x8000, 4096, verbs.AccessRemoteWrite)

	wr := verbs.SendWR{
		WRID:       1,
		Opcode:     verbs.WRWrite,
		SGList:     []verbs.SGE{{Addr: 0x1000, Length: 1024, LKey: src.LKey()}},
		RemoteAddr: 0x8000,
		RKey:       dst.RKey(),
		Signaled:   true,
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = a.qp.PostSend(wr)
		deliver(b, a, peer)
		deliver(b, peer, a)
		a.sendCQ.Poll(1)
	}
}
