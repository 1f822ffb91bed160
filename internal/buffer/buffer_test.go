package buffer

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

func sampleAt(seq uint32) imu.RawSample {
	return imu.RawSample{
		XG:          float32(seq%1000) / 1000,
		YG:          -float32(seq%1000) / 1000,
		ZG:          1,
		TimestampUS: uint64(seq) * 10,
		FIFOLevel:   uint16(seq % 512),
		SequenceID:  seq,
	}
}

func snapshotFor(s imu.RawSample, n int) imu.Snapshot {
	return imu.Snapshot{
		TimestampUS:   s.TimestampUS,
		Accelerometer: s.Accelerometer(),
		Stats:         imu.Stats{SamplesRead: uint16(n), ODRHz: 26667},
	}
}

func addRange(b *Buffer, from, to uint32) {
	samples := make([]imu.RawSample, 0, to-from)
	for seq := from; seq < to; seq++ {
		samples = append(samples, sampleAt(seq))
	}
	b.Add(snapshotFor(samples[len(samples)-1], len(samples)), samples)
}

func TestEmptyBuffer(t *testing.T) {
	b := New()
	var s imu.Snapshot
	assert.ErrorIs(t, b.GetLatest(&s), imu.ErrEmpty)
	_, err := b.Latest()
	assert.ErrorIs(t, err, imu.ErrEmpty)
	assert.Empty(t, b.CopyRecent(10))
	assert.Nil(t, b.CopyRecent(0))
	assert.Equal(t, Stats{}, b.Stats())
}

func TestPublishScenario(t *testing.T) {
	b := New()
	raw := imu.RawSample{XG: 0.1, YG: 0.2, ZG: 0.98, TimestampUS: 1000, SequenceID: 7}
	b.Add(snapshotFor(raw, 1), []imu.RawSample{raw})

	var got imu.Snapshot
	require.NoError(t, b.GetLatest(&got))
	assert.True(t, got.Accelerometer.Valid)
	assert.InDelta(t, 1.00519, got.Accelerometer.MagnitudeG, 1e-4)
	assert.Equal(t, float32(0.1), got.Accelerometer.XG)
	assert.Equal(t, float32(0.2), got.Accelerometer.YG)
	assert.Equal(t, float32(0.98), got.Accelerometer.ZG)
	assert.Equal(t, uint64(1000), got.TimestampUS)

	p, err := b.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), p.SequenceID)
	assert.Equal(t, uint64(1), p.Generation)

	recent := b.CopyRecent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, uint32(7), recent[0].SequenceID)

	// reads are repeatable until the next Add
	var again imu.Snapshot
	require.NoError(t, b.GetLatest(&again))
	assert.Equal(t, got, again)
}

func TestAddWithoutSamplesKeepsSequence(t *testing.T) {
	b := New()
	addRange(b, 0, 5)
	b.Add(imu.Snapshot{TimestampUS: 99}, nil)

	p, err := b.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), p.SequenceID)
	assert.Equal(t, uint64(2), p.Generation)
	assert.Len(t, b.CopyRecent(10), 5)
}

func TestHistoryWrapsAtCapacity(t *testing.T) {
	b := New()
	for from := uint32(0); from < 200; from += 50 {
		addRange(b, from, from+50)
	}

	recent := b.CopyRecent(500)
	require.Len(t, recent, Capacity)
	assert.Equal(t, uint32(200-Capacity), recent[0].SequenceID)
	assert.Equal(t, uint32(199), recent[len(recent)-1].SequenceID)
	for i := 1; i < len(recent); i++ {
		assert.Equal(t, recent[i-1].SequenceID+1, recent[i].SequenceID)
	}

	last := b.CopyRecent(3)
	want := []imu.RawSample{sampleAt(197), sampleAt(198), sampleAt(199)}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("CopyRecent(3) mismatch (-want +got):\n%s", diff)
	}

	st := b.Stats()
	assert.Equal(t, uint64(4), st.TotalSnapshots)
	assert.Equal(t, uint64(200), st.TotalSamples)
	assert.Equal(t, uint64(200-Capacity), st.Overwritten)
	assert.Equal(t, uint64(1990), st.LastTimestampUS)
}

func TestOversizedBatchKeepsNewest(t *testing.T) {
	b := New()
	addRange(b, 0, 300)
	recent := b.CopyRecent(Capacity)
	require.Len(t, recent, Capacity)
	assert.Equal(t, uint32(300-Capacity), recent[0].SequenceID)
	assert.Equal(t, uint64(300), b.Stats().TotalSamples)
}

func TestDroppedSamplesAreDetectable(t *testing.T) {
	b := New()
	addRange(b, 0, 10)
	addRange(b, 20, 30) // ten samples lost upstream

	recent := b.CopyRecent(Capacity)
	require.Len(t, recent, 20)
	gaps := 0
	for i := 1; i < len(recent); i++ {
		d := recent[i].SequenceID - recent[i-1].SequenceID
		require.GreaterOrEqual(t, d, uint32(1))
		if d > 1 {
			gaps++
			assert.Equal(t, uint32(11), d)
		}
	}
	assert.Equal(t, 1, gaps)
}

func TestSequenceWrapKeepsHistoryOrder(t *testing.T) {
	b := New()
	var samples []imu.RawSample
	for i := uint32(0); i < 6; i++ {
		s := sampleAt(math.MaxUint32 - 2 + i)
		s.TimestampUS = uint64(1000 + i)
		samples = append(samples, s)
	}
	b.Add(snapshotFor(samples[5], 6), samples)

	p, err := b.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), p.SequenceID)
	if diff := cmp.Diff(samples, b.CopyRecent(6)); diff != "" {
		t.Errorf("history across wrap (-want +got):\n%s", diff)
	}
}

func TestChangedIsClosedOnAdd(t *testing.T) {
	b := New()
	ch := b.Changed()
	select {
	case <-ch:
		t.Fatal("changed before any Add")
	default:
	}

	addRange(b, 0, 1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed not signalled")
	}
	assert.NotEqual(t, ch, b.Changed())
}

// consistent checks that every field of a snapshot came from the same Add.
func consistent(s imu.Snapshot) bool {
	seq := uint32(s.TimestampUS / 10)
	want := sampleAt(seq).Accelerometer()
	if s.Accelerometer != want {
		return false
	}
	m := s.Accelerometer
	mag := math.Sqrt(float64(m.XG)*float64(m.XG) + float64(m.YG)*float64(m.YG) + float64(m.ZG)*float64(m.ZG))
	return math.Abs(mag-float64(m.MagnitudeG)) <= 1e-4*mag
}

func TestConcurrentReadersSeeNoTearing(t *testing.T) {
	b := New()
	var stop atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 16)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastTS uint64
			var lastGen uint64
			for !stop.Load() {
				p, err := b.Latest()
				if errors.Is(err, imu.ErrEmpty) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if !consistent(p.Snapshot) {
					errs <- errors.New("torn snapshot")
					return
				}
				if p.Snapshot.TimestampUS < lastTS || p.Generation < lastGen {
					errs <- errors.New("snapshot went backwards")
					return
				}
				lastTS, lastGen = p.Snapshot.TimestampUS, p.Generation

				recent := b.CopyRecent(Capacity)
				for i, s := range recent {
					if s != sampleAt(s.SequenceID) {
						errs <- errors.New("torn ring entry")
						return
					}
					if i > 0 && s.SequenceID != recent[i-1].SequenceID+1 {
						errs <- errors.New("ring copy not contiguous")
						return
					}
				}
			}
		}()
	}

	// paced at 1 kHz first, then flat out
	seq := uint32(0)
	ticker := time.NewTicker(time.Millisecond)
	for i := 0; i < 200; i++ {
		<-ticker.C
		addRange(b, seq, seq+7)
		seq += 7
	}
	ticker.Stop()
	for i := 0; i < 20000; i++ {
		addRange(b, seq, seq+3)
		seq += 3
	}

	stop.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDeinitWaitsForReaders(t *testing.T) {
	b := New()
	addRange(b, 0, 10)

	var wg sync.WaitGroup
	var reads atomic.Int64
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s imu.Snapshot
			for {
				if err := b.GetLatest(&s); errors.Is(err, imu.ErrClosed) {
					return
				}
				b.CopyRecent(16)
				reads.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return reads.Load() > 100 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Deinit(ctx))
	wg.Wait()

	assert.Zero(t, b.active.Load())
	assert.Nil(t, b.ring.Load())

	var s imu.Snapshot
	assert.ErrorIs(t, b.GetLatest(&s), imu.ErrClosed)
	assert.Nil(t, b.CopyRecent(5))

	// writer after deinit is a no-op, repeated deinit too
	addRange(b, 10, 20)
	require.NoError(t, b.Deinit(ctx))
	select {
	case <-b.Changed():
	default:
		t.Fatal("Changed should be closed after Deinit")
	}
}

func TestDeinitHonoursContext(t *testing.T) {
	b := New()
	b.active.Add(1) // a reader that never leaves

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Deinit(ctx), context.DeadlineExceeded)
	assert.NotNil(t, b.ring.Load(), "ring is kept while a reader is inside")
}

func TestDeinitWaitsForInFlightAdd(t *testing.T) {
	b := New()
	addRange(b, 0, 4)
	waiter := b.Changed()

	require.True(t, b.enter(), "writer inside Add")
	done := make(chan error, 1)
	go func() { done <- b.Deinit(context.Background()) }()
	require.Eventually(t, b.closed.Load, time.Second, time.Millisecond)

	select {
	case <-waiter:
		t.Fatal("Changed closed while a writer is still inside")
	case err := <-done:
		t.Fatalf("Deinit returned before the writer left: %v", err)
	default:
	}

	samples := []imu.RawSample{sampleAt(4)}
	assert.NotPanics(t, func() { b.publish(snapshotFor(samples[0], 1), samples) })
	b.exit()

	require.NoError(t, <-done)
	select {
	case <-b.Changed():
	default:
		t.Fatal("Changed should be closed after Deinit")
	}
	select {
	case <-waiter:
	default:
		t.Fatal("waiter from before Deinit should be woken")
	}
	assert.Nil(t, b.ring.Load())
}
