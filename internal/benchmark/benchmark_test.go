// Package benchmark also provides performance benchmarks for critical
// softrdma operations.
// Run with: go test -bench=. -benchmem ./internal/benchmark/...
package benchmark

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/softrdma/internal/cq"
	"github.com/piwi3910/softrdma/internal/packet"
	"github.com/piwi3910/softrdma/internal/region"
	"github.com/piwi3910/softrdma/pkg/verbs"
)

// Benchmark data sizes
const (
	KB = 1024
	MB = 1024 * KB
)

// generateTestData creates random test data of the specified size.
func generateTestData(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func TestParseOp(t *testing.T) {
	for _, s := range []string{"write", "read", "send"} {
		op, err := ParseOp(s)
		require.NoError(t, err)
		assert.Equal(t, Op(s), op)
	}

	_, err := ParseOp("atomic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown benchmark op")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad op", func(c *Config) { c.Op = "fetchadd" }, "unknown benchmark op"},
		{"zero message size", func(c *Config) { c.MsgSize = 0 }, "message size"},
		{"oversized message", func(c *Config) { c.MsgSize = maxMsgSize + 1 }, "message size"},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }, "iterations"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"concurrency beyond queue depth", func(c *Config) { c.Concurrency = maxConcurrency + 1 }, "concurrency"},
		{"negative warmup", func(c *Config) { c.Warmup = -1 }, "warmup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func testRun(t *testing.T, op Op) *Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := Config{
		Op:          op,
		MsgSize:     1 * KB,
		Iterations:  50,
		Concurrency: 8,
		Warmup:      8,
	}

	res, err := Run(ctx, cfg)
	require.NoError(t, err)

	return res
}

func TestRunWrite(t *testing.T) {
	res := testRun(t, OpWrite)

	assert.Equal(t, OpWrite, res.Op)
	assert.Equal(t, 50, res.Iterations)
	assert.Positive(t, res.ElapsedSecs)
	assert.Positive(t, res.OpsPerSec)
	assert.Positive(t, res.ThroughputMB)
	assert.Positive(t, res.Latency.P50Us)
	assert.GreaterOrEqual(t, res.Latency.P99Us, res.Latency.P50Us)
	assert.GreaterOrEqual(t, res.Latency.MaxUs, res.Latency.P99Us)
	assert.LessOrEqual(t, res.Latency.MinUs, res.Latency.P50Us)
}

func TestRunRead(t *testing.T) {
	res := testRun(t, OpRead)

	assert.Equal(t, OpRead, res.Op)
	assert.Positive(t, res.OpsPerSec)
}

func TestRunSend(t *testing.T) {
	res := testRun(t, OpSend)

	assert.Equal(t, OpSend, res.Op)
	assert.Positive(t, res.OpsPerSec)
}

func TestRunRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 0

	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
}

func TestPercentile(t *testing.T) {
	sample := []time.Duration{
		1 * time.Microsecond,
		2 * time.Microsecond,
		3 * time.Microsecond,
		4 * time.Microsecond,
	}

	assert.Equal(t, 1*time.Microsecond, percentile(sample, 0))
	assert.Equal(t, 2*time.Microsecond, percentile(sample, 50))
	assert.Equal(t, 4*time.Microsecond, percentile(sample, 99))
	assert.Equal(t, 4*time.Microsecond, percentile(sample, 100))
	assert.Equal(t, time.Duration(0), percentile(nil, 50))
}

// writePacket builds a write-only packet with the given payload size.
func writePacket(size int) *packet.Packet {
	return &packet.Packet{
		BTH: packet.BTH{
			TransType: packet.TransTypeRC,
			Opcode:    packet.OpWriteOnly,
			DestQPN:   42,
			PSN:       100,
			AckReq:    true,
		},
		RETH: &packet.RETH{
			VA:   0x1000,
			RKey: 0xDEAD0001,
			DLen: uint32(size),
		},
		Payload: generateTestData(size),
	}
}

// BenchmarkPacketEncode benchmarks wire encoding at packet-sized payloads.
func BenchmarkPacketEncode_256B(b *testing.B) {
	p := writePacket(256)
	b.ResetTimer()
	b.SetBytes(256)
	for i := 0; i < b.N; i++ {
		packet.Encode(p)
	}
}

func BenchmarkPacketEncode_1KB(b *testing.B) {
	p := writePacket(1 * KB)
	b.ResetTimer()
	b.SetBytes(1 * KB)
	for i := 0; i < b.N; i++ {
		packet.Encode(p)
	}
}

func BenchmarkPacketDecode_256B(b *testing.B) {
	buf, err := packet.Encode(writePacket(256))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.SetBytes(256)
	for i := 0; i < b.N; i++ {
		packet.Decode(buf)
	}
}

func BenchmarkPacketDecode_1KB(b *testing.B) {
	buf, err := packet.Encode(writePacket(1 * KB))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.SetBytes(1 * KB)
	for i := 0; i < b.N; i++ {
		packet.Decode(buf)
	}
}

// BenchmarkRegionTranslate benchmarks the read-mostly address
// translation path.
func BenchmarkRegionTranslate(b *testing.B) {
	table := region.NewTable(64)
	r, err := table.Register(0x1000, make([]byte, 1*MB), verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		span, err := table.Translate(r.LKey(), 0x1000, 4*KB, verbs.AccessLocalWrite)
		if err != nil {
			b.Fatal(err)
		}
		span.Release()
	}
}

func BenchmarkRegionTranslate_Parallel(b *testing.B) {
	table := region.NewTable(64)
	r, err := table.Register(0x1000, make([]byte, 1*MB), verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			span, _ := table.Translate(r.LKey(), 0x1000, 4*KB, verbs.AccessLocalWrite)
			span.Release()
		}
	})
}

// BenchmarkCQPostPoll benchmarks one completion round trip through a
// completion queue.
func BenchmarkCQPostPoll(b *testing.B) {
	q, err := cq.New(256)
	if err != nil {
		b.Fatal(err)
	}
	wc := verbs.WorkCompletion{WRID: 1, Status: verbs.WCSuccess, Opcode: verbs.WCOpSend}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := q.Post(wc); err != nil {
			b.Fatal(err)
		}
		q.Poll(1)
	}
}

// Loopback benchmarks run the full data path over localhost UDP.
func benchLoopback(b *testing.B, op Op, msgSize int) {
	cfg := DefaultConfig()
	cfg.Op = op
	cfg.MsgSize = msgSize
	cfg.Iterations = b.N
	cfg.Warmup = 16
	b.SetBytes(int64(msgSize))
	b.ResetTimer()
	if _, err := Run(context.Background(), cfg); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkLoopbackWrite_4KB(b *testing.B) {
	benchLoopback(b, OpWrite, 4*KB)
}

func BenchmarkLoopbackRead_4KB(b *testing.B) {
	benchLoopback(b, OpRead, 4*KB)
}

func BenchmarkLoopbackSend_256B(b *testing.B) {
	benchLoopback(b, OpSend, 256)
}
