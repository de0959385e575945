// Package device owns the engine's top-level resources: the shared
// memory region table, the packet scheduler, the UDP agent, and the
// per-process contexts allocated against them. Nothing in here is
// package-level state; a Device is created at startup, handed to its
// users by reference, and torn down once.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/softrdma/internal/cq"
	"github.com/piwi3910/softrdma/internal/metrics"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/internal/qp"
	"github.com/piwi3910/softrdma/internal/region"
	"github.com/piwi3910/softrdma/internal/sched"
	"github.com/piwi3910/softrdma/internal/transport/udp"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// csrAlign is the alignment of control/status register handles handed
// to contexts.
const csrAlign = 4096

// Defaults for unset Config fields.
const (
	defaultMaxContexts = 64
	defaultMaxQPs      = 1024
	defaultRegionSlots = 1024
	defaultCQDepth     = 256
)

// Config holds device configuration.
type Config struct {
	// ListenAddr is the UDP listen address. Port 0 picks a free port.
	ListenAddr string
	// RecvBuffer sizes the agent's datagram buffer.
	RecvBuffer int
	// InboxDepth bounds each queue pair's inbound backlog.
	InboxDepth int
	// MaxContexts caps concurrently allocated device contexts.
	MaxContexts int
	// MaxQPs caps queue pairs across all contexts.
	MaxQPs int
	// RegionSlots caps registered memory regions across all contexts.
	RegionSlots int
	// Limits supplies engine defaults for new queue pairs.
	Limits qp.Limits
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:0",
		MaxContexts: defaultMaxContexts,
		MaxQPs:      defaultMaxQPs,
		RegionSlots: defaultRegionSlots,
		Limits:      qp.DefaultLimits(),
	}
}

func (c *Config) normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}

	if c.MaxContexts <= 0 {
		c.MaxContexts = defaultMaxContexts
	}

	if c.MaxQPs <= 0 {
		c.MaxQPs = defaultMaxQPs
	}

	if c.RegionSlots <= 0 {
		c.RegionSlots = defaultRegionSlots
	}
}

// Device is the explicitly owned registry for one transport engine
// instance.
type Device struct {
	cfg   Config
	table *region.Table
	sched *sched.Scheduler
	agent *udp.Agent

	mu       sync.Mutex
	contexts map[string]*Context
	nextCSR  uint64
	nextQPN  uint32
	qpCount  int
	draining bool
	closed   bool
}

// New builds the device: region table, scheduler, and a bound UDP
// socket. Start launches the packet loops.
func New(cfg Config) (*Device, error) {
	cfg.normalize()

	d := &Device{
		cfg:      cfg,
		table:    region.NewTable(cfg.RegionSlots),
		contexts: make(map[string]*Context),
		nextQPN:  1,
	}

	agent, err := udp.New(udp.Config{
		ListenAddr: cfg.ListenAddr,
		RecvBuffer: cfg.RecvBuffer,
	}, d)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	scheduler, err := sched.New(agent, sched.Config{InboxDepth: cfg.InboxDepth})
	if err != nil {
		_ = agent.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	d.agent = agent
	d.sched = scheduler

	return d, nil
}

// Start launches the scheduler dispatcher and the UDP receive loop.
func (d *Device) Start(ctx context.Context) {
	d.sched.Start(ctx)
	d.agent.Start(ctx)
}

// Deliver hands an inbound packet to the scheduler. It satisfies the
// transport's receiver interface.
func (d *Device) Deliver(pkt *packet.Packet) {
	d.sched.Deliver(pkt)
}

// Addr returns the device's bound UDP address, for exchange with
// peers.
func (d *Device) Addr() string {
	return d.agent.Addr()
}

// Closed reports whether the device has been shut down.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Quiesce stops the device accepting new send work requests. Inbound
// traffic, acknowledgements and retransmits keep flowing so
// outstanding sends can drain ahead of Close.
func (d *Device) Quiesce() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	log.Info().Msg("device quiesced")
}

func (d *Device) isDraining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// InFlightCount reports sends that are posted but not yet completed,
// summed across every queue pair.
func (d *Device) InFlightCount() int64 {
	var n int64
	for _, s := range d.Snapshot().QPs {
		n += int64(s.OutstandingSends + s.UnackedPackets)
	}

	return n
}

// WaitForDrain blocks until every posted send has completed or the
// context expires.
func (d *Device) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.InFlightCount() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close tears everything down: contexts first, then the scheduler and
// the socket.
func (d *Device) Close() error {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return nil
	}

	d.closed = true
	ctxs := make([]*Context, 0, len(d.contexts))

	for _, c := range d.contexts {
		ctxs = append(ctxs, c)
	}

	d.mu.Unlock()

	for _, c := range ctxs {
		c.Close()
	}

	d.sched.Stop()
	err := d.agent.Close()
	d.table.Close()

	log.Info().Msg("device closed")

	return err
}

// AllocContext allocates a device context with a fresh CSR handle.
// Handles are 4096-aligned and monotonically assigned.
func (d *Device) AllocContext() (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: device closed", verbs.ErrDeviceUnavailable)
	}

	if len(d.contexts) >= d.cfg.MaxContexts {
		return nil, fmt.Errorf("%w: context limit %d reached",
			verbs.ErrDeviceUnavailable, d.cfg.MaxContexts)
	}

	d.nextCSR += csrAlign

	c := &Context{
		id:  uuid.New().String(),
		csr: d.nextCSR,
		dev: d,
		qps: make(map[uint32]*qp.QP),
		cqs: make(map[uint32]*cq.CQ),
		mrs: make(map[uint32]*region.Region),
	}
	d.contexts[c.id] = c

	log.Info().
		Str("context_id", c.id).
		Uint64("csr", c.csr).
		Msg("context allocated")

	return c, nil
}

// allocQPN reserves the next queue pair number, respecting the device
// cap.
func (d *Device) allocQPN() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.qpCount >= d.cfg.MaxQPs {
		return 0, fmt.Errorf("%w: qp limit %d reached",
			verbs.ErrTableExhausted, d.cfg.MaxQPs)
	}

	qpn := d.nextQPN
	d.nextQPN++
	d.qpCount++

	return qpn, nil
}

func (d *Device) releaseQPN() {
	d.mu.Lock()
	d.qpCount--
	d.mu.Unlock()
}

func (d *Device) dropContext(id string) {
	d.mu.Lock()
	delete(d.contexts, id)
	d.mu.Unlock()
}

// Stats is a point-in-time device snapshot for diagnostics.
type Stats struct {
	Addr     string     `json:"addr"`
	Contexts int        `json:"contexts"`
	Regions  int        `json:"regions"`
	QPs      []qp.Stats `json:"qps"`
}

// Snapshot collects the device state across all contexts.
func (d *Device) Snapshot() Stats {
	d.mu.Lock()
	ctxs := make([]*Context, 0, len(d.contexts))

	for _, c := range d.contexts {
		ctxs = append(ctxs, c)
	}
	d.mu.Unlock()

	s := Stats{
		Addr:     d.Addr(),
		Contexts: len(ctxs),
		Regions:  d.table.Count(),
	}

	for _, c := range ctxs {
		s.QPs = append(s.QPs, c.qpStats()...)
	}

	sort.Slice(s.QPs, func(i, j int) bool { return s.QPs[i].QPN < s.QPs[j].QPN })

	return s
}

// QPStats returns the snapshot for one queue pair, if it exists.
func (d *Device) QPStats(qpn uint32) (qp.Stats, bool) {
	ep, ok := d.sched.Lookup(qpn)
	if !ok {
		return qp.Stats{}, false
	}

	q, ok := ep.(*qp.QP)
	if !ok {
		return qp.Stats{}, false
	}

	return q.Snapshot(), true
}

// Context is one process-scoped allocation against the device. It owns
// the queue pairs, completion queues, and memory regions created
// through it.
type Context struct {
	id  string
	csr uint64
	dev *Device

	mu     sync.Mutex
	qps    map[uint32]*qp.QP
	cqs    map[uint32]*cq.CQ
	mrs    map[uint32]*region.Region
	nextCQ uint32
	closed bool
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.id }

// CSR returns the context's control/status register handle.
func (c *Context) CSR() uint64 { return c.csr }

func (c *Context) guard() error {
	if c.closed {
		return fmt.Errorf("%w: context closed", verbs.ErrDeviceUnavailable)
	}

	return nil
}

// CreateCQ creates a completion queue and returns its handle. Depth 0
// takes the engine default.
func (c *Context) CreateCQ(depth int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guard(); err != nil {
		return 0, err
	}

	if depth == 0 {
		depth = defaultCQDepth
	}

	queue, err := cq.New(depth)
	if err != nil {
		return 0, err
	}

	c.nextCQ++
	c.cqs[c.nextCQ] = queue

	return c.nextCQ, nil
}

// QPConfig describes one queue pair to create.
type QPConfig struct {
	Type   verbs.QPType
	SendCQ uint32
	RecvCQ uint32
	// MaxSendWR and MaxRecvWR override the engine defaults when
	// nonzero.
	MaxSendWR int
	MaxRecvWR int
}

// CreateQP creates a queue pair in the RESET state and returns its
// QPN.
func (c *Context) CreateQP(cfg QPConfig) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guard(); err != nil {
		return 0, err
	}

	sendCQ, ok := c.cqs[cfg.SendCQ]
	if !ok {
		return 0, fmt.Errorf("%w: send cq %d", verbs.ErrCQNotFound, cfg.SendCQ)
	}

	recvCQ, ok := c.cqs[cfg.RecvCQ]
	if !ok {
		return 0, fmt.Errorf("%w: recv cq %d", verbs.ErrCQNotFound, cfg.RecvCQ)
	}

	limits := c.dev.cfg.Limits
	if cfg.MaxSendWR > 0 {
		limits.MaxSendWR = cfg.MaxSendWR
	}

	if cfg.MaxRecvWR > 0 {
		limits.MaxRecvWR = cfg.MaxRecvWR
	}

	qpn, err := c.dev.allocQPN()
	if err != nil {
		return 0, err
	}

	q, err := qp.New(qp.Config{
		QPN:     qpn,
		Type:    cfg.Type,
		Regions: c.dev.table,
		SendCQ:  sendCQ,
		RecvCQ:  recvCQ,
		Tx:      c.dev.sched,
		Timers:  c.dev.sched,
		Limits:  limits,
	})
	if err != nil {
		c.dev.releaseQPN()
		return 0, err
	}

	if err := c.dev.sched.Register(q); err != nil {
		c.dev.releaseQPN()
		return 0, err
	}

	c.qps[qpn] = q

	log.Debug().
		Str("context_id", c.id).
		Uint32("qpn", qpn).
		Str("type", cfg.Type.String()).
		Msg("qp created")

	return qpn, nil
}

func (c *Context) lookupQP(qpn uint32) (*qp.QP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guard(); err != nil {
		return nil, err
	}

	q, ok := c.qps[qpn]
	if !ok {
		return nil, fmt.Errorf("%w: qpn %d", verbs.ErrQPNotFound, qpn)
	}

	return q, nil
}

// ModifyQP drives a queue pair's state machine.
func (c *Context) ModifyQP(qpn uint32, state verbs.QPState, attr verbs.QPAttr) error {
	q, err := c.lookupQP(qpn)
	if err != nil {
		return err
	}

	return q.Modify(state, attr)
}

// DestroyQP removes a queue pair from the scheduler and flushes its
// outstanding work.
func (c *Context) DestroyQP(qpn uint32) error {
	c.mu.Lock()

	if err := c.guard(); err != nil {
		c.mu.Unlock()
		return err
	}

	q, ok := c.qps[qpn]
	if ok {
		delete(c.qps, qpn)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: qpn %d", verbs.ErrQPNotFound, qpn)
	}

	c.dev.sched.Deregister(qpn)
	q.Destroy()
	c.dev.releaseQPN()

	return nil
}

// RegisterMR registers [base, base+len(buf)) with the shared region
// table.
func (c *Context) RegisterMR(base uint64, buf []byte, rights verbs.AccessFlags) (*region.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guard(); err != nil {
		return nil, err
	}

	r, err := c.dev.table.Register(base, buf, rights)
	if err != nil {
		return nil, err
	}

	c.mrs[r.LKey()] = r
	metrics.RegionRegistered(r.Len())

	return r, nil
}

// DeregisterMR removes a region by local key. Regions with in-flight
// translations are refused busy.
func (c *Context) DeregisterMR(lkey uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guard(); err != nil {
		return err
	}

	r, ok := c.mrs[lkey]
	if !ok {
		return fmt.Errorf("%w: lkey %#x", verbs.ErrUnknownKey, lkey)
	}

	if err := c.dev.table.Deregister(lkey); err != nil {
		return err
	}

	delete(c.mrs, lkey)
	metrics.RegionDeregistered(r.Len())

	return nil
}

// PostSend submits a send work request to a queue pair.
func (c *Context) PostSend(qpn uint32, wr verbs.SendWR) error {
	if c.dev.isDraining() {
		return fmt.Errorf("%w: device draining", verbs.ErrDeviceUnavailable)
	}

	q, err := c.lookupQP(qpn)
	if err != nil {
		return err
	}

	return q.PostSend(wr)
}

// PostRecv submits a receive work request to a queue pair.
func (c *Context) PostRecv(qpn uint32, wr verbs.RecvWR) error {
	q, err := c.lookupQP(qpn)
	if err != nil {
		return err
	}

	return q.PostRecv(wr)
}

// PollCQ drains up to max completions from a completion queue, then
// lets the context's queue pairs move any held completions into the
// freed slots.
func (c *Context) PollCQ(cqID uint32, max int) ([]verbs.WorkCompletion, error) {
	c.mu.Lock()

	if err := c.guard(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	queue, ok := c.cqs[cqID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cq %d", verbs.ErrCQNotFound, cqID)
	}

	qps := make([]*qp.QP, 0, len(c.qps))
	for _, q := range c.qps {
		qps = append(qps, q)
	}
	c.mu.Unlock()

	wcs := queue.Poll(max)

	for _, q := range qps {
		q.Flush()
	}

	return wcs, nil
}

// Close destroys the context's queue pairs, releases its regions, and
// detaches it from the device.
func (c *Context) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	qps := c.qps
	mrs := c.mrs
	c.qps = map[uint32]*qp.QP{}
	c.mrs = map[uint32]*region.Region{}
	c.mu.Unlock()

	for qpn, q := range qps {
		c.dev.sched.Deregister(qpn)
		q.Destroy()
		c.dev.releaseQPN()
	}

	for lkey, r := range mrs {
		if err := c.dev.table.Deregister(lkey); err != nil {
			log.Warn().
				Err(err).
				Str("context_id", c.id).
				Uint32("lkey", lkey).
				Msg("region left registered at context close")

			continue
		}

		metrics.RegionDeregistered(r.Len())
	}

	c.dev.dropContext(c.id)

	log.Info().Str("context_id", c.id).Msg("context closed")
}

func (c *Context) qpStats() []qp.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]qp.Stats, 0, len(c.qps))
	for _, q := range c.qps {
		out = append(out, q.Snapshot())
	}

	return out
}
