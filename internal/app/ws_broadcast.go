// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// PlotCapacity is the number of points queued for the live plot.
const PlotCapacity = 6000

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsFrame is one plot message on /ws/data.
type wsFrame struct {
	T      uint64   `json:"t"`
	Chunks wsChunks `json:"chunks"`
	Mag    float32  `json:"mag"`
	S      wsStats  `json:"s"`
}

type wsChunks struct {
	X []float32 `json:"x"`
	Y []float32 `json:"y"`
	Z []float32 `json:"z"`
}

type wsStats struct {
	FIFO  uint16  `json:"fifo"`
	Batch int     `json:"batch"`
	SPS   float64 `json:"sps"`
	PPS   float64 `json:"pps"` // plot points/s, windowed
	MPS   float64 `json:"mps"` // messages/s, windowed
	Chunk int     `json:"chunk"`
}

type plotPoint struct{ x, y, z float32 }

// plotQueue is a bounded FIFO that drops the oldest point when full.
type plotQueue struct {
	buf  [PlotCapacity]plotPoint
	head int
	size int
}

func (q *plotQueue) push(p plotPoint) {
	idx := (q.head + q.size) % PlotCapacity
	q.buf[idx] = p
	if q.size == PlotCapacity {
		q.head = (q.head + 1) % PlotCapacity
		return
	}
	q.size++
}

func (q *plotQueue) pop(n int, c *wsChunks) {
	if n > q.size {
		n = q.size
	}
	for i := 0; i < n; i++ {
		p := q.buf[(q.head+i)%PlotCapacity]
		c.X = append(c.X, p.x)
		c.Y = append(c.Y, p.y)
		c.Z = append(c.Z, p.z)
	}
	q.head = (q.head + n) % PlotCapacity
	q.size -= n
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster streams the history ring to websocket clients in fixed-size
// chunks, one chunk per tick.
type Broadcaster struct {
	src      SnapshotSource
	interval time.Duration
	chunk    int
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	// owned by the Run goroutine
	queue       plotQueue
	lastSeq     uint32
	haveSeq     bool
	lastFIFO    uint16
	lastBatch   int
	lastTS      uint64
	lastSend    time.Time
	windowStart time.Time
	windowMsgs  int
	windowPts   int
	mps, pps    float64

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewBroadcaster returns a broadcaster ticking every interval and sending
// at most chunk points per message.
func NewBroadcaster(src SnapshotSource, interval time.Duration, chunk int, logger *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if chunk <= 0 {
		chunk = 10
	}
	return &Broadcaster{
		src:      src,
		interval: interval,
		chunk:    chunk,
		logger:   logger,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected websocket clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Sent returns the number of frames produced.
func (b *Broadcaster) Sent() uint64 { return b.sent.Load() }

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("websocket client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", n))

	go b.writePump(c)

	// Incoming messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
	}
	b.remove(c)
}

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("websocket client disconnected", zap.Int("clients", n))
}

func (b *Broadcaster) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.logger.Debug("websocket write error", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
}

// broadcast never blocks; a client whose queue is full misses the frame.
func (b *Broadcaster) broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// Run ticks until ctx is done or the buffer is closed.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			frame, err := b.step(now)
			if errors.Is(err, imu.ErrClosed) {
				return nil
			}
			if frame == nil {
				continue
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				b.logger.Warn("ws frame marshal error", zap.Error(err))
				continue
			}
			b.broadcast(payload)
		}
	}
}

// step pulls new history samples into the plot queue and returns the next
// frame, or nil when nothing is queued.
func (b *Broadcaster) step(now time.Time) (*wsFrame, error) {
	var snap imu.Snapshot
	err := b.src.GetLatest(&snap)
	if errors.Is(err, imu.ErrClosed) {
		return nil, err
	}
	haveStats := err == nil && snap.Accelerometer.Valid

	fresh := 0
	for _, s := range b.src.CopyRecent(imu.MaxSamples) {
		// Sequence ids wrap; compare the signed distance.
		if b.haveSeq && int32(s.SequenceID-b.lastSeq) <= 0 {
			continue
		}
		b.queue.push(plotPoint{s.XG, s.YG, s.ZG})
		b.lastSeq, b.haveSeq = s.SequenceID, true
		b.lastFIFO = s.FIFOLevel
		b.lastTS = s.TimestampUS
		fresh++
	}
	if fresh > 0 {
		b.lastBatch = fresh
	}
	if b.queue.size == 0 {
		return nil, nil
	}

	f := &wsFrame{T: b.lastTS}
	b.queue.pop(b.chunk, &f.Chunks)
	n := len(f.Chunks.X)
	f.Mag = imu.Magnitude(f.Chunks.X[n-1], f.Chunks.Y[n-1], f.Chunks.Z[n-1])

	if b.windowStart.IsZero() || !now.After(b.windowStart) {
		b.windowStart = now
		b.windowMsgs, b.windowPts = 0, 0
	}
	b.windowMsgs++
	b.windowPts += n
	if span := now.Sub(b.windowStart); span >= time.Second {
		b.mps = float64(b.windowMsgs) / span.Seconds()
		b.pps = float64(b.windowPts) / span.Seconds()
		b.windowStart = now
		b.windowMsgs, b.windowPts = 0, 0
		b.logger.Debug("ws metrics", zap.Float64("msg_per_s", b.mps), zap.Float64("points_per_s", b.pps),
			zap.Uint64("dropped", b.dropped.Load()))
	}

	delta := b.interval
	if !b.lastSend.IsZero() && now.After(b.lastSend) {
		delta = now.Sub(b.lastSend)
	}
	b.lastSend = now

	sps := float64(n) / delta.Seconds()
	if haveStats {
		sps = float64(snap.Stats.SamplesPerSecond)
	}
	f.S = wsStats{
		FIFO:  b.lastFIFO,
		Batch: b.lastBatch,
		SPS:   sps,
		PPS:   b.pps,
		MPS:   b.mps,
		Chunk: n,
	}
	b.sent.Add(1)
	return f, nil
}
