package udp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

type captureReceiver struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func (r *captureReceiver) Deliver(pkt *packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pkts = append(r.pkts, pkt)
}

func (r *captureReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pkts)
}

func (r *captureReceiver) byPSN() map[uint32]*packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint32]*packet.Packet, len(r.pkts))
	for _, p := range r.pkts {
		out[p.BTH.PSN] = p
	}

	return out
}

func newAgent(t *testing.T, recv Receiver) *Agent {
	t.Helper()

	a, err := New(DefaultConfig(), recv)
	require.NoError(t, err)

	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func mkPacket(psn uint32, payload []byte) *packet.Packet {
	return &packet.Packet{
		BTH: packet.BTH{
			Opcode:  packet.OpSendOnly,
			PKey:    0xFFFF,
			DestQPN: 7,
			PSN:     psn,
			AckReq:  true,
		},
		Payload: payload,
	}
}

func TestNewRequiresReceiver(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	require.ErrorIs(t, err, verbs.ErrInvalidParam)
}

func TestSendReceiveLoopback(t *testing.T) {
	sender := newAgent(t, &captureReceiver{})

	recv := &captureReceiver{}
	receiver := newAgent(t, recv)

	require.NoError(t, sender.Send(receiver.Addr(), []*packet.Packet{
		mkPacket(100, []byte("first datagram")),
		mkPacket(101, []byte("second datagram")),
	}))

	require.Eventually(t, func() bool {
		return recv.count() == 2
	}, 2*time.Second, time.Millisecond)

	got := recv.byPSN()
	require.Len(t, got, 2)

	first := got[100]
	require.NotNil(t, first)
	assert.Equal(t, packet.OpSendOnly, first.BTH.Opcode)
	assert.Equal(t, uint32(7), first.BTH.DestQPN)
	assert.Equal(t, []byte("first datagram"), first.Payload)

	second := got[101]
	require.NotNil(t, second)
	assert.Equal(t, []byte("second datagram"), second.Payload)
}

func TestMalformedDatagramsDropped(t *testing.T) {
	recv := &captureReceiver{}
	receiver := newAgent(t, recv)

	raw, err := net.Dial("udp", receiver.Addr())
	require.NoError(t, err)

	defer func() { _ = raw.Close() }()

	// far too short to carry a header
	_, err = raw.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	// valid encoding with the checksum trailer corrupted
	buf, err := packet.Encode(mkPacket(100, []byte("payload")))
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF

	_, err = raw.Write(buf)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, recv.count())

	// the loop survives bad input
	sender := newAgent(t, &captureReceiver{})
	require.NoError(t, sender.Send(receiver.Addr(), []*packet.Packet{
		mkPacket(102, []byte("good")),
	}))

	require.Eventually(t, func() bool {
		return recv.count() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestCloseIdempotent(t *testing.T) {
	a, err := New(DefaultConfig(), &captureReceiver{})
	require.NoError(t, err)

	a.Start(context.Background())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(DefaultConfig(), &captureReceiver{})
	require.NoError(t, err)

	a.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		return a.Send("127.0.0.1:9", []*packet.Packet{mkPacket(1, nil)}) != nil
	}, 2*time.Second, 5*time.Millisecond)
}
