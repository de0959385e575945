// Package sched routes packets between the network agent and queue
// pairs. Inbound traffic is demultiplexed by destination QPN and
// handed to a per-QP delivery goroutine, so packets for one queue pair
// are processed in arrival order while distinct queue pairs proceed
// concurrently. Outbound traffic is drained round-robin across queue
// pairs so one busy sender cannot starve the rest. Retry timers are
// armed and cancelled here on behalf of the queue pairs.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// Endpoint is the slice of a queue pair the scheduler drives.
type Endpoint interface {
	QPN() uint32
	State() verbs.QPState
	HandlePacket(pkt *packet.Packet)
	OnRetryTimeout()
}

// Sender puts packets on the wire. Send is called from the outbound
// dispatcher goroutine only.
type Sender interface {
	Send(dest string, pkts []*packet.Packet) error
}

const defaultInboxDepth = 256

// Config holds scheduler configuration.
type Config struct {
	// InboxDepth bounds each queue pair's backlog of undelivered
	// inbound packets. Packets beyond it are dropped, as the wire
	// would drop them.
	InboxDepth int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{InboxDepth: defaultInboxDepth}
}

// outBatch collects packets queued for one queue pair between
// dispatcher turns.
type outBatch struct {
	dest string
	pkts []*packet.Packet
}

// runner owns ordered delivery for one queue pair.
type runner struct {
	ep     Endpoint
	inbox  chan *packet.Packet
	stopCh chan struct{}
}

// Scheduler owns the packet paths between the transport and the
// registered queue pairs.
type Scheduler struct {
	cfg    Config
	sender Sender

	mu      sync.RWMutex
	runners map[uint32]*runner

	outMu    sync.Mutex
	outQueue map[uint32]*outBatch
	ring     []uint32
	outReady chan struct{}

	timerMu  sync.Mutex
	timers   map[uint32]*timerEntry
	timerGen uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// New creates a scheduler that hands outbound batches to sender.
func New(sender Sender, cfg Config) (*Scheduler, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is required", verbs.ErrInvalidParam)
	}

	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = defaultInboxDepth
	}

	return &Scheduler{
		cfg:      cfg,
		sender:   sender,
		runners:  make(map[uint32]*runner),
		outQueue: make(map[uint32]*outBatch),
		outReady: make(chan struct{}, 1),
		timers:   make(map[uint32]*timerEntry),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the outbound dispatcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)

	go s.dispatch(ctx)
}

// Stop cancels all timers, stops every delivery goroutine and the
// dispatcher, and waits for them to exit. Undelivered packets are
// dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.timerMu.Lock()
	for qpn, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, qpn)
	}
	s.timerMu.Unlock()

	s.mu.Lock()
	for qpn, r := range s.runners {
		close(r.stopCh)
		delete(s.runners, qpn)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Register adds a queue pair to the inbound demultiplexer and starts
// its delivery goroutine.
func (s *Scheduler) Register(ep Endpoint) error {
	if s.stopped() {
		return verbs.ErrDeviceUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qpn := ep.QPN()
	if _, ok := s.runners[qpn]; ok {
		return fmt.Errorf("%w: qpn %d already registered", verbs.ErrResourceBusy, qpn)
	}

	r := &runner{
		ep:     ep,
		inbox:  make(chan *packet.Packet, s.cfg.InboxDepth),
		stopCh: make(chan struct{}),
	}
	s.runners[qpn] = r

	s.wg.Add(1)

	go s.runInbox(r)

	return nil
}

// Deregister removes a queue pair, stops its delivery goroutine and
// cancels any pending retry timer. Queued inbound packets are dropped.
func (s *Scheduler) Deregister(qpn uint32) {
	s.mu.Lock()
	r, ok := s.runners[qpn]
	if ok {
		delete(s.runners, qpn)
	}
	s.mu.Unlock()

	if ok {
		close(r.stopCh)
	}

	s.Cancel(qpn)

	s.outMu.Lock()
	delete(s.outQueue, qpn)
	s.outMu.Unlock()
}

// Lookup returns the endpoint registered under qpn.
func (s *Scheduler) Lookup(qpn uint32) (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runners[qpn]
	if !ok {
		return nil, false
	}

	return r.ep, true
}

// Endpoints returns every registered endpoint.
func (s *Scheduler) Endpoints() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eps := make([]Endpoint, 0, len(s.runners))
	for _, r := range s.runners {
		eps = append(eps, r.ep)
	}

	return eps
}

// Count returns the number of registered queue pairs.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.runners)
}

// Deliver routes one decoded inbound packet to its destination queue
// pair. Packets for unknown or errored destinations are dropped and
// counted, never surfaced.
func (s *Scheduler) Deliver(pkt *packet.Packet) {
	if s.stopped() {
		return
	}

	s.mu.RLock()
	r, ok := s.runners[pkt.BTH.DestQPN]
	s.mu.RUnlock()

	if !ok {
		metrics.RecordDiscard("unknown_qpn")
		return
	}

	if r.ep.State() == verbs.QPStateError {
		metrics.RecordDiscard("qp_error")
		return
	}

	select {
	case r.inbox <- pkt:
	default:
		metrics.RecordDiscard("backlog")
	}
}

// runInbox delivers packets for one queue pair in arrival order.
func (s *Scheduler) runInbox(r *runner) {
	defer s.wg.Done()

	for {
		select {
		case pkt := <-r.inbox:
			r.ep.HandlePacket(pkt)
		case <-r.stopCh:
			return
		case <-s.stopCh:
			return
		}
	}
}

// Transmit queues pkts for transmission on behalf of qpn. It never
// blocks: queue pairs call it from inside their critical section.
// Packets queued for a qpn that already has a pending batch are merged
// onto it in FIFO order.
func (s *Scheduler) Transmit(qpn uint32, dest string, pkts []*packet.Packet) {
	if len(pkts) == 0 || s.stopped() {
		return
	}

	s.outMu.Lock()
	if b, ok := s.outQueue[qpn]; ok {
		b.pkts = append(b.pkts, pkts...)
		b.dest = dest
	} else {
		s.outQueue[qpn] = &outBatch{
			dest: dest,
			pkts: append([]*packet.Packet(nil), pkts...),
		}
		s.ring = append(s.ring, qpn)
	}
	s.outMu.Unlock()

	select {
	case s.outReady <- struct{}{}:
	default:
	}
}

// dispatch drains the outbound queues, one batch per queue pair per
// turn.
func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.outReady:
			s.drainOutbound()
		}
	}
}

func (s *Scheduler) drainOutbound() {
	for {
		s.outMu.Lock()

		if len(s.ring) == 0 {
			s.outMu.Unlock()
			return
		}

		qpn := s.ring[0]
		s.ring = s.ring[1:]
		b := s.outQueue[qpn]
		delete(s.outQueue, qpn)

		s.outMu.Unlock()

		if b == nil {
			continue
		}

		if err := s.sender.Send(b.dest, b.pkts); err != nil {
			log.Debug().
				Err(err).
				Uint32("qpn", qpn).
				Str("dest", b.dest).
				Int("packets", len(b.pkts)).
				Msg("outbound send failed")
		}
	}
}

// Arm schedules a retry timer for qpn, replacing any pending one. The
// expiry runs on its own goroutine and serializes against packet
// delivery on the queue pair's lock.
func (s *Scheduler) Arm(qpn uint32, d time.Duration) {
	if s.stopped() {
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if e, ok := s.timers[qpn]; ok {
		e.timer.Stop()
	}

	s.timerGen++
	gen := s.timerGen

	s.timers[qpn] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(d, func() { s.fire(qpn, gen) }),
	}
}

// Cancel drops any pending retry timer for qpn.
func (s *Scheduler) Cancel(qpn uint32) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if e, ok := s.timers[qpn]; ok {
		e.timer.Stop()
		delete(s.timers, qpn)
	}
}

// fire delivers a timer expiry. The generation check discards stale
// callbacks from timers that were replaced after they had already
// fired.
func (s *Scheduler) fire(qpn uint32, gen uint64) {
	s.timerMu.Lock()

	e, ok := s.timers[qpn]
	if !ok || e.gen != gen {
		s.timerMu.Unlock()
		return
	}

	delete(s.timers, qpn)
	s.timerMu.Unlock()

	s.mu.RLock()
	r, ok := s.runners[qpn]
	s.mu.RUnlock()

	if !ok {
		return
	}

	r.ep.OnRetryTimeout()
}
