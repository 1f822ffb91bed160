// Package buffer implements the single-writer, multi-reader publish buffer
// between the acquisition loop and its consumers.
//
// The latest snapshot is published by swapping a pointer to an immutable
// record, so a reader sees either the previous or the new snapshot as a
// whole. Raw samples go into a fixed ring whose slots are guarded by a
// per-slot sequence counter; readers validate every slot they copy and never
// take a lock the writer could wait on.
package buffer

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// Capacity is the number of raw samples kept in the history ring.
const Capacity = imu.MaxSamples

// Published is one snapshot together with its publish metadata.
type Published struct {
	Snapshot   imu.Snapshot `json:"snapshot"`
	Generation uint64       `json:"generation"`  // 1 for the first Add
	SequenceID uint32       `json:"sequence_id"` // newest raw sample at publish time
}

// Stats summarizes the buffer since init.
type Stats struct {
	TotalSnapshots  uint64 `json:"total_snapshots"`
	TotalSamples    uint64 `json:"total_samples"`
	Overwritten     uint64 `json:"overwritten"`
	LastTimestampUS uint64 `json:"last_timestamp_us"`
}

type slot struct {
	gen   atomic.Uint64 // odd while the writer is inside the slot
	pos   atomic.Uint64 // absolute position + 1, 0 when never written
	x     atomic.Uint32
	y     atomic.Uint32
	z     atomic.Uint32
	ts    atomic.Uint64
	level atomic.Uint32
	seq   atomic.Uint32
}

type ring [Capacity]slot

// Buffer is safe for one goroutine calling Add and any number calling the
// read methods.
type Buffer struct {
	latest  atomic.Pointer[Published]
	ring    atomic.Pointer[ring]
	cursor  atomic.Uint64 // samples written since init
	changed atomic.Pointer[chan struct{}]

	closed atomic.Bool
	active atomic.Int64
}

// New allocates the ring and an empty snapshot slot.
func New() *Buffer {
	b := &Buffer{}
	b.ring.Store(new(ring))
	ch := make(chan struct{})
	b.changed.Store(&ch)
	return b
}

func (b *Buffer) enter() bool {
	b.active.Add(1)
	if b.closed.Load() {
		b.active.Add(-1)
		return false
	}
	return true
}

func (b *Buffer) exit() {
	b.active.Add(-1)
}

// Add publishes s and appends samples to the history ring. Only the newest
// Capacity samples of a larger batch are kept. Add never blocks and is a
// no-op after Deinit.
func (b *Buffer) Add(s imu.Snapshot, samples []imu.RawSample) {
	if !b.enter() {
		return
	}
	defer b.exit()
	b.publish(s, samples)
}

func (b *Buffer) publish(s imu.Snapshot, samples []imu.RawSample) {
	r := b.ring.Load()
	prev := b.latest.Load()

	seq := uint32(0)
	if prev != nil {
		seq = prev.SequenceID
	}
	if len(samples) > 0 {
		seq = samples[len(samples)-1].SequenceID
		b.appendSamples(r, samples)
	}

	next := &Published{Snapshot: s, Generation: 1, SequenceID: seq}
	if prev != nil {
		next.Generation = prev.Generation + 1
	}
	b.latest.Store(next)

	ch := make(chan struct{})
	close(*b.changed.Swap(&ch))
}

func (b *Buffer) appendSamples(r *ring, samples []imu.RawSample) {
	cursor := b.cursor.Load()
	if skip := len(samples) - Capacity; skip > 0 {
		cursor += uint64(skip)
		samples = samples[skip:]
	}
	for _, s := range samples {
		sl := &r[cursor%Capacity]
		g := sl.gen.Load()
		sl.gen.Store(g + 1)
		sl.x.Store(math.Float32bits(s.XG))
		sl.y.Store(math.Float32bits(s.YG))
		sl.z.Store(math.Float32bits(s.ZG))
		sl.ts.Store(s.TimestampUS)
		sl.level.Store(uint32(s.FIFOLevel))
		sl.seq.Store(s.SequenceID)
		sl.pos.Store(cursor + 1)
		sl.gen.Store(g + 2)
		cursor++
	}
	b.cursor.Store(cursor)
}

// GetLatest copies the latest snapshot into out. It returns imu.ErrEmpty
// before the first Add and imu.ErrClosed after Deinit.
func (b *Buffer) GetLatest(out *imu.Snapshot) error {
	p, err := b.Latest()
	if err != nil {
		return err
	}
	*out = p.Snapshot
	return nil
}

// Latest returns the latest snapshot with its generation and sequence id.
func (b *Buffer) Latest() (Published, error) {
	if !b.enter() {
		return Published{}, imu.ErrClosed
	}
	defer b.exit()

	p := b.latest.Load()
	if p == nil {
		return Published{}, imu.ErrEmpty
	}
	return *p, nil
}

// CopyRecent returns up to max of the newest raw samples, oldest first.
// Every returned entry was read from a slot that did not change while it
// was copied. If the writer overtakes the copy, older entries are dropped
// so the result stays a contiguous run ending at the newest sample seen.
func (b *Buffer) CopyRecent(max int) []imu.RawSample {
	if max <= 0 || !b.enter() {
		return nil
	}
	defer b.exit()

	r := b.ring.Load()
	var best []imu.RawSample
	for attempt := 0; attempt < 3; attempt++ {
		out, want := b.copyOnce(r, max)
		if len(out) == want {
			return out
		}
		if len(out) > len(best) {
			best = out
		}
	}
	return best
}

func (b *Buffer) copyOnce(r *ring, max int) ([]imu.RawSample, int) {
	end := b.cursor.Load()
	n := uint64(min(max, Capacity))
	if end < n {
		n = end
	}
	out := make([]imu.RawSample, 0, n)
	for pos := end - n; pos < end; pos++ {
		s, ok := readSlot(&r[pos%Capacity], pos)
		if !ok {
			out = out[:0]
			continue
		}
		out = append(out, s)
	}
	return out, int(n)
}

func readSlot(sl *slot, pos uint64) (imu.RawSample, bool) {
	g1 := sl.gen.Load()
	if g1&1 == 1 {
		return imu.RawSample{}, false
	}
	s := imu.RawSample{
		XG:          math.Float32frombits(sl.x.Load()),
		YG:          math.Float32frombits(sl.y.Load()),
		ZG:          math.Float32frombits(sl.z.Load()),
		TimestampUS: sl.ts.Load(),
		FIFOLevel:   uint16(sl.level.Load()),
		SequenceID:  sl.seq.Load(),
	}
	p := sl.pos.Load()
	if sl.gen.Load() != g1 || p != pos+1 {
		return imu.RawSample{}, false
	}
	return s, true
}

// Changed returns a channel that is closed on the next Add (or on Deinit).
// Consumers still poll; the channel only shortens their wait.
func (b *Buffer) Changed() <-chan struct{} {
	return *b.changed.Load()
}

// Stats reports publish counters.
func (b *Buffer) Stats() Stats {
	total := b.cursor.Load()
	st := Stats{TotalSamples: total}
	if total > Capacity {
		st.Overwritten = total - Capacity
	}
	if p := b.latest.Load(); p != nil {
		st.TotalSnapshots = p.Generation
		st.LastTimestampUS = p.Snapshot.TimestampUS
	}
	return st
}

// Deinit stops accepting callers, waits for in-flight ones to leave, wakes
// Changed waiters and releases the ring. It returns ctx.Err() if callers do
// not drain in time; the buffer is closed either way but Changed is left
// alone, since an Add still inside owns it. Calling it again is a no-op.
func (b *Buffer) Deinit(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	for b.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	// No Add can run from here on.
	ch := make(chan struct{})
	close(ch)
	close(*b.changed.Swap(&ch))
	b.ring.Store(nil)
	b.latest.Store(nil)
	return nil
}
