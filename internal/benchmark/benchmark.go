// Package benchmark drives a loopback workload over two in-process
// devices connected through localhost UDP and reports throughput and
// latency percentiles. The CLI bench command and the package
// benchmarks both run on top of it.
package benchmark

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/softrdma/internal/device"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// Op selects the verb the benchmark exercises.
type Op string

const (
	OpWrite Op = "write"
	OpRead  Op = "read"
	OpSend  Op = "send"
)

// ParseOp parses the CLI spelling of a benchmark operation.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpWrite, OpRead, OpSend:
		return Op(s), nil
	default:
		return "", fmt.Errorf("unknown benchmark op %q (want write, read or send)", s)
	}
}

const (
	// maxConcurrency matches the engine's default send queue depth.
	maxConcurrency = 128

	// maxMsgSize keeps region registrations and recv slot buffers sane.
	maxMsgSize = 1 << 20

	pollBatch = 64

	initiatorBase uint64 = 0x100000
	targetBase    uint64 = 0x800000
)

// Config parameterizes a benchmark run.
type Config struct {
	// Op is the verb under test.
	Op Op

	// MsgSize is the payload size of each work request in bytes.
	MsgSize int

	// Iterations is the number of timed work requests.
	Iterations int

	// Concurrency is the number of work requests kept outstanding.
	Concurrency int

	// Warmup is the number of untimed work requests run first.
	Warmup int
}

// DefaultConfig returns the defaults used by the CLI bench command.
func DefaultConfig() Config {
	return Config{
		Op:          OpWrite,
		MsgSize:     4096,
		Iterations:  1000,
		Concurrency: 16,
		Warmup:      64,
	}
}

func (c Config) validate() error {
	if _, err := ParseOp(string(c.Op)); err != nil {
		return err
	}

	if c.MsgSize < 1 || c.MsgSize > maxMsgSize {
		return fmt.Errorf("message size must be in [1, %d] (got %d)", maxMsgSize, c.MsgSize)
	}

	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive (got %d)", c.Iterations)
	}

	if c.Concurrency < 1 || c.Concurrency > maxConcurrency {
		return fmt.Errorf("concurrency must be in [1, %d] (got %d)", maxConcurrency, c.Concurrency)
	}

	if c.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative (got %d)", c.Warmup)
	}

	return nil
}

// Latency summarizes the per-request completion latency distribution
// in microseconds.
type Latency struct {
	MinUs float64 `json:"min_us"`
	P50Us float64 `json:"p50_us"`
	P95Us float64 `json:"p95_us"`
	P99Us float64 `json:"p99_us"`
	MaxUs float64 `json:"max_us"`
}

// Result is the outcome of one benchmark run.
type Result struct {
	Op           Op      `json:"op"`
	MsgSize      int     `json:"msg_size_bytes"`
	Iterations   int     `json:"iterations"`
	Concurrency  int     `json:"concurrency"`
	ElapsedSecs  float64 `json:"elapsed_seconds"`
	OpsPerSec    float64 `json:"ops_per_second"`
	ThroughputMB float64 `json:"throughput_mb_per_sec"`
	Latency      Latency `json:"latency"`
}

// peer is one side of the loopback pair.
type peer struct {
	dev *device.Device
	ctx *device.Context
	scq uint32
	rcq uint32
	qpn uint32
}

func newPeer(runCtx context.Context) (*peer, error) {
	dev, err := device.New(device.DefaultConfig())
	if err != nil {
		return nil, err
	}
	dev.Start(runCtx)

	dctx, err := dev.AllocContext()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	p := &peer{dev: dev, ctx: dctx}

	if p.scq, err = dctx.CreateCQ(maxConcurrency * 2); err != nil {
		_ = dev.Close()
		return nil, err
	}

	if p.rcq, err = dctx.CreateCQ(maxConcurrency * 2); err != nil {
		_ = dev.Close()
		return nil, err
	}

	if p.qpn, err = dctx.CreateQP(device.QPConfig{
		Type:   verbs.QPTypeRC,
		SendCQ: p.scq,
		RecvCQ: p.rcq,
	}); err != nil {
		_ = dev.Close()
		return nil, err
	}

	return p, nil
}

func (p *peer) close() {
	_ = p.dev.Close()
}

// connect brings both queue pairs to RTS against each other.
func connect(a, b *peer) error {
	access := verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead

	if err := a.ctx.ModifyQP(a.qpn, verbs.QPStateInit, verbs.QPAttr{AccessFlags: access}); err != nil {
		return err
	}

	if err := b.ctx.ModifyQP(b.qpn, verbs.QPStateInit, verbs.QPAttr{AccessFlags: access}); err != nil {
		return err
	}

	if err := a.ctx.ModifyQP(a.qpn, verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: b.dev.Addr(),
		DestQPN:  b.qpn,
		RecvPSN:  2000,
	}); err != nil {
		return err
	}

	if err := b.ctx.ModifyQP(b.qpn, verbs.QPStateRTR, verbs.QPAttr{
		DestAddr: a.dev.Addr(),
		DestQPN:  a.qpn,
		RecvPSN:  1000,
	}); err != nil {
		return err
	}

	if err := a.ctx.ModifyQP(a.qpn, verbs.QPStateRTS, verbs.QPAttr{SendPSN: 1000}); err != nil {
		return err
	}

	return b.ctx.ModifyQP(b.qpn, verbs.QPStateRTS, verbs.QPAttr{SendPSN: 2000})
}

// Run executes one benchmark over a fresh loopback pair and tears it
// down afterwards.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	initiator, err := newPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("initiator setup: %w", err)
	}
	defer initiator.close()

	target, err := newPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("target setup: %w", err)
	}
	defer target.close()

	if err := connect(initiator, target); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	log.Debug().
		Str("op", string(cfg.Op)).
		Str("initiator", initiator.dev.Addr()).
		Str("target", target.dev.Addr()).
		Msg("benchmark peers connected")

	srcBuf := make([]byte, cfg.MsgSize)
	if _, err := rand.Read(srcBuf); err != nil {
		return nil, err
	}

	srcMR, err := initiator.ctx.RegisterMR(initiatorBase, srcBuf, verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("initiator MR: %w", err)
	}

	total := cfg.Warmup + cfg.Iterations
	recvSlots := min(maxConcurrency, total)

	// The target exposes one region: the RDMA sink for writes and
	// reads, the slot array for sends.
	targetLen := cfg.MsgSize
	if cfg.Op == OpSend {
		targetLen = cfg.MsgSize * recvSlots
	}

	targetMR, err := target.ctx.RegisterMR(targetBase,
		make([]byte, targetLen),
		verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("target MR: %w", err)
	}

	makeWR := func(id uint64) verbs.SendWR {
		wr := verbs.SendWR{
			WRID: id,
			SGList: []verbs.SGE{{
				Addr:   initiatorBase,
				Length: uint32(cfg.MsgSize),
				LKey:   srcMR.LKey(),
			}},
			Signaled: true,
		}

		switch cfg.Op {
		case OpWrite:
			wr.Opcode = verbs.WRWrite
			wr.RemoteAddr = targetBase
			wr.RKey = targetMR.RKey()
		case OpRead:
			wr.Opcode = verbs.WRRead
			wr.RemoteAddr = targetBase
			wr.RKey = targetMR.RKey()
		case OpSend:
			wr.Opcode = verbs.WRSend
		}

		return wr
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Op == OpSend {
		postRecvSlot := func(i int) error {
			slot := i % recvSlots
			return target.ctx.PostRecv(target.qpn, verbs.RecvWR{
				WRID: uint64(i),
				SGList: []verbs.SGE{{
					Addr:   targetBase + uint64(slot*cfg.MsgSize),
					Length: uint32(cfg.MsgSize),
					LKey:   targetMR.LKey(),
				}},
			})
		}

		for i := 0; i < recvSlots; i++ {
			if err := postRecvSlot(i); err != nil {
				return nil, fmt.Errorf("post recv: %w", err)
			}
		}

		// Receiver loop: drain completions and keep the queue deep
		// enough that the sender never sees receiver-not-ready.
		g.Go(func() error {
			received := 0
			reposted := recvSlots
			for received < total {
				if err := gctx.Err(); err != nil {
					return err
				}

				wcs, err := target.ctx.PollCQ(target.rcq, pollBatch)
				if err != nil {
					return err
				}

				if len(wcs) == 0 {
					runtime.Gosched()
					continue
				}

				for _, wc := range wcs {
					if wc.Status != verbs.WCSuccess {
						return fmt.Errorf("receive completion failed: %s", wc.Status)
					}
					received++
				}

				for range wcs {
					if reposted >= total {
						break
					}
					if err := postRecvSlot(reposted); err != nil {
						return err
					}
					reposted++
				}
			}

			return nil
		})
	}

	latencies := make([]time.Duration, 0, cfg.Iterations)

	// runWindow pushes n work requests through the send queue keeping
	// up to cfg.Concurrency outstanding.
	runWindow := func(n int, record bool) error {
		starts := make([]time.Time, n)
		posted, completed, inflight := 0, 0, 0
		for completed < n {
			if err := gctx.Err(); err != nil {
				return err
			}

			for inflight < cfg.Concurrency && posted < n {
				starts[posted] = time.Now()
				if err := initiator.ctx.PostSend(initiator.qpn, makeWR(uint64(posted))); err != nil {
					return fmt.Errorf("post send: %w", err)
				}
				posted++
				inflight++
			}

			wcs, err := initiator.ctx.PollCQ(initiator.scq, pollBatch)
			if err != nil {
				return err
			}

			if len(wcs) == 0 {
				runtime.Gosched()
				continue
			}

			now := time.Now()
			for _, wc := range wcs {
				if wc.Status != verbs.WCSuccess {
					return fmt.Errorf("work request %d failed: %s", wc.WRID, wc.Status)
				}

				if record && int(wc.WRID) < n {
					latencies = append(latencies, now.Sub(starts[wc.WRID]))
				}
				completed++
				inflight--
			}
		}

		return nil
	}

	var elapsed time.Duration
	g.Go(func() error {
		if cfg.Warmup > 0 {
			if err := runWindow(cfg.Warmup, false); err != nil {
				return fmt.Errorf("warmup: %w", err)
			}
		}

		begin := time.Now()
		if err := runWindow(cfg.Iterations, true); err != nil {
			return err
		}
		elapsed = time.Since(begin)

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summarize(cfg, elapsed, latencies), nil
}

func summarize(cfg Config, elapsed time.Duration, latencies []time.Duration) *Result {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	secs := elapsed.Seconds()
	bytes := float64(cfg.Iterations) * float64(cfg.MsgSize)

	res := &Result{
		Op:          cfg.Op,
		MsgSize:     cfg.MsgSize,
		Iterations:  cfg.Iterations,
		Concurrency: cfg.Concurrency,
		ElapsedSecs: secs,
	}
	if secs > 0 {
		res.OpsPerSec = float64(cfg.Iterations) / secs
		res.ThroughputMB = bytes / secs / (1 << 20)
	}

	res.Latency = Latency{
		MinUs: micros(percentile(latencies, 0)),
		P50Us: micros(percentile(latencies, 50)),
		P95Us: micros(percentile(latencies, 95)),
		P99Us: micros(percentile(latencies, 99)),
		MaxUs: micros(percentile(latencies, 100)),
	}

	return res
}

// percentile returns the p-th percentile of a sorted sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	if p <= 0 {
		return sorted[0]
	}

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e3
}
