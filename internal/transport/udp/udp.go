// Package udp carries encoded packets over UDP, one packet per
// datagram. Inbound datagrams are validated and decoded here, so the
// rest of the engine only ever sees well-formed packets.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

const defaultRecvBuffer = 8192

// Receiver accepts decoded inbound packets.
type Receiver interface {
	Deliver(pkt *packet.Packet)
}

// Config holds agent configuration.
type Config struct {
	// ListenAddr is the local host:port to bind. Port 0 picks a free
	// port.
	ListenAddr string
	// RecvBuffer sizes the datagram read buffer. It must hold the
	// largest encoded packet.
	RecvBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:0",
		RecvBuffer: defaultRecvBuffer,
	}
}

// Agent owns one UDP socket and its receive loop.
type Agent struct {
	conn     *net.UDPConn
	receiver Receiver
	bufSize  int

	mu    sync.Mutex
	peers map[string]*net.UDPAddr

	running atomic.Bool
	ctxStop func() bool
	wg      sync.WaitGroup
}

// New binds the socket. The receive loop starts with Start.
func New(cfg Config, receiver Receiver) (*Agent, error) {
	if receiver == nil {
		return nil, fmt.Errorf("%w: receiver is required", verbs.ErrInvalidParam)
	}

	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = defaultRecvBuffer
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.ListenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	return &Agent{
		conn:     conn,
		receiver: receiver,
		bufSize:  cfg.RecvBuffer,
		peers:    make(map[string]*net.UDPAddr),
	}, nil
}

// Addr returns the bound local address.
func (a *Agent) Addr() string {
	return a.conn.LocalAddr().String()
}

// Start launches the receive loop. Cancelling ctx closes the agent.
func (a *Agent) Start(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		return
	}

	a.ctxStop = context.AfterFunc(ctx, func() { _ = a.Close() })

	a.wg.Add(1)

	go a.readLoop()

	log.Info().Str("addr", a.Addr()).Msg("udp agent listening")
}

// Close shuts the socket, which unblocks the receive loop, and waits
// for it to exit.
func (a *Agent) Close() error {
	a.running.Store(false)

	if a.ctxStop != nil {
		a.ctxStop()
	}

	err := a.conn.Close()

	a.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (a *Agent) readLoop() {
	defer a.wg.Done()

	buf := make([]byte, a.bufSize)

	for a.running.Load() {
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !a.running.Load() {
				return
			}

			log.Debug().Err(err).Msg("udp read failed")

			continue
		}

		// the decoded packet aliases its input and outlives this
		// iteration, so each datagram gets its own copy
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt, err := packet.Decode(data)
		if err != nil {
			metrics.RecordDecodeFailure(packet.DecodeReason(err))
			continue
		}

		metrics.RecordPacketReceived(pkt.BTH.Opcode.String(), n)
		a.receiver.Deliver(pkt)
	}
}

// Send encodes pkts and writes one datagram per packet to dest.
func (a *Agent) Send(dest string, pkts []*packet.Packet) error {
	addr, err := a.resolve(dest)
	if err != nil {
		return err
	}

	for _, pkt := range pkts {
		buf, err := packet.Encode(pkt)
		if err != nil {
			return fmt.Errorf("encode %s: %w", pkt.BTH.Opcode, err)
		}

		if _, err := a.conn.WriteToUDP(buf, addr); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
	}

	return nil
}

func (a *Agent) resolve(dest string) (*net.UDPAddr, error) {
	a.mu.Lock()
	addr, ok := a.peers[dest]
	a.mu.Unlock()

	if ok {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dest, err)
	}

	a.mu.Lock()
	a.peers[dest] = addr
	a.mu.Unlock()

	return addr, nil
}
