package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/buffer"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"github.com/relabs-tech/vibration_monitor/internal/sensors"
)

// scriptedReader fails the first failN calls, then returns 50-sample batches
// 50ms of sensor time apart.
type scriptedReader struct {
	failN   int
	invalid bool
	calls   atomic.Int64
	ts      uint64
	order   *teardownLog
}

func (s *scriptedReader) ReadBatch(ctx context.Context) (Batch, error) {
	n := s.calls.Add(1)
	if int(n) <= s.failN {
		return Batch{}, imu.ErrSensorComm
	}
	s.ts += 50_000
	acc := imu.NewAccelerometer(0, 0, 1)
	acc.Valid = !s.invalid
	return Batch{Snapshot: imu.Snapshot{
		TimestampUS:   s.ts,
		Accelerometer: acc,
		Stats:         imu.Stats{SamplesRead: 50, BatchIntervalUS: 50_000},
	}}, nil
}

func (s *scriptedReader) ConfiguredODR() float64 { return 1000 }

func (s *scriptedReader) Deinit() error {
	s.order.add("reader")
	return nil
}

type teardownLog struct {
	mu    sync.Mutex
	steps []string
}

func (t *teardownLog) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

type countingPublisher struct {
	adds  atomic.Int64
	order *teardownLog
}

func (c *countingPublisher) Add(imu.Snapshot, []imu.RawSample) { c.adds.Add(1) }

func (c *countingPublisher) Deinit(context.Context) error {
	c.order.add("buffer")
	return nil
}

func fastLoopConfig() LoopConfig {
	return LoopConfig{Period: 100 * time.Microsecond, Backoff: time.Millisecond}
}

func TestLoopKeepsTryingAfterFailures(t *testing.T) {
	order := &teardownLog{}
	rd := &scriptedReader{failN: 25, order: order}
	pub := &countingPublisher{order: order}
	l := NewLoop(rd, pub, fastLoopConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.adds.Load() > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(25), l.Failures())
	assert.Equal(t, uint64(pub.adds.Load()), l.Published())
	assert.Equal(t, []string{"reader", "buffer"}, order.steps)
	assert.Equal(t, StateDeinit, l.State())
}

func TestLoopReportsRates(t *testing.T) {
	order := &teardownLog{}
	var reports atomic.Int64
	cfg := fastLoopConfig()
	cfg.OnRates = func(RateReport) { reports.Add(1) }
	l := NewLoop(&scriptedReader{order: order}, &countingPublisher{order: order}, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { _, ok := l.Rates(); return ok }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rep, ok := l.Rates()
	require.True(t, ok)
	assert.InDelta(t, 1000, rep.SamplesPerSecond, 1e-6)
	assert.InDelta(t, 20, rep.MessagesPerSecond, 1e-6)
	assert.Positive(t, reports.Load())
}

func TestLoopSkipsInvalidSnapshots(t *testing.T) {
	order := &teardownLog{}
	rd := &scriptedReader{invalid: true, order: order}
	pub := &countingPublisher{order: order}
	l := NewLoop(rd, pub, fastLoopConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return rd.calls.Load() > 10 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, pub.adds.Load())
}

type failingDeinit struct{ countingPublisher }

func (f *failingDeinit) Deinit(context.Context) error { return errors.New("readers stuck") }

func TestLoopReturnsTeardownErrors(t *testing.T) {
	order := &teardownLog{}
	l := NewLoop(&scriptedReader{order: order}, &failingDeinit{countingPublisher{order: order}}, fastLoopConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.EqualError(t, l.Run(ctx), "readers stuck")
}

func TestLoopWithMockSensor(t *testing.T) {
	src := sensors.NewMockSource(sensors.MockOptions{})
	r, err := NewReader(src, ReaderConfig{ODRHz: 26667, Watermark: 64, FullScale: imu.FullScale2G, ReadTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	buf := buffer.New()
	l := NewLoop(r, buf, LoopConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var last uint64
	require.Eventually(t, func() bool {
		p, err := buf.Latest()
		if err != nil {
			return false
		}
		assert.GreaterOrEqual(t, p.Snapshot.TimestampUS, last)
		last = p.Snapshot.TimestampUS
		return p.Generation > 20
	}, 5*time.Second, 2*time.Millisecond)

	recent := buf.CopyRecent(buffer.Capacity)
	require.NotEmpty(t, recent)
	for i := 1; i < len(recent); i++ {
		assert.Greater(t, recent[i].SequenceID, recent[i-1].SequenceID)
	}

	cancel()
	require.NoError(t, <-done)

	var s imu.Snapshot
	assert.ErrorIs(t, buf.GetLatest(&s), imu.ErrClosed)
	_, err = r.ReadBatch(context.Background())
	assert.ErrorIs(t, err, imu.ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "backoff", StateBackoffWait.String())
	assert.Equal(t, "unknown", State(42).String())
}
