package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/acquisition"
	"github.com/relabs-tech/vibration_monitor/internal/buffer"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// BufferView is the read side of the publish buffer plus its counters.
type BufferView interface {
	SnapshotSource
	Stats() buffer.Stats
}

// SensorControl exposes the reader's configuration to the web API.
type SensorControl interface {
	ConfiguredODR() float64
	FIFOWatermark() uint16
	FullScale() imu.FullScale
	SetFullScale(fs imu.FullScale) error
	Overflows() uint64
}

// LoopStatus exposes the acquisition loop counters.
type LoopStatus interface {
	State() acquisition.State
	Rates() (acquisition.RateReport, bool)
	Published() uint64
	Failures() uint64
}

// WebServer serves the JSON API, the history download, the live websocket
// and the static dashboard.
type WebServer struct {
	buf       BufferView
	sensor    SensorControl
	loop      LoopStatus
	analytics *Analytics
	ws        *Broadcaster
	staticDir string
	logger    *zap.Logger
}

// NewWebServer wires the handlers. analytics and ws may be nil.
func NewWebServer(buf BufferView, sensor SensorControl, loop LoopStatus, analytics *Analytics, ws *Broadcaster, staticDir string, logger *zap.Logger) *WebServer {
	return &WebServer{
		buf:       buf,
		sensor:    sensor,
		loop:      loop,
		analytics: analytics,
		ws:        ws,
		staticDir: staticDir,
		logger:    logger,
	}
}

// Handler returns the HTTP routes.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/data", s.handleData)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/download", s.handleDownload)
	if s.ws != nil {
		mux.Handle("/ws/data", s.ws)
	}
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
	return mux
}

// Run listens on addr until ctx is done.
func (s *WebServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

func (s *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("json encode error", zap.Error(err))
	}
}

func bufferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imu.ErrEmpty):
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
	case errors.Is(err, imu.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *WebServer) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var snap imu.Snapshot
	if err := s.buf.GetLatest(&snap); err != nil {
		bufferError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type statsResponse struct {
	Buffer        buffer.Stats            `json:"buffer"`
	State         string                  `json:"state,omitempty"`
	Rates         *acquisition.RateReport `json:"rates,omitempty"`
	Published     uint64                  `json:"published"`
	Failures      uint64                  `json:"failures"`
	FIFOOverflows uint64                  `json:"fifo_overflows"`
	Vibration     *VibrationStats         `json:"vibration,omitempty"`
	WSClients     int                     `json:"ws_clients"`
}

func (s *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Buffer:        s.buf.Stats(),
		FIFOOverflows: s.sensor.Overflows(),
	}
	if s.loop != nil {
		resp.State = s.loop.State().String()
		resp.Published = s.loop.Published()
		resp.Failures = s.loop.Failures()
		if rep, ok := s.loop.Rates(); ok {
			resp.Rates = &rep
		}
	}
	if s.analytics != nil {
		if vs, ok := s.analytics.Latest(); ok {
			resp.Vibration = &vs
		}
	}
	if s.ws != nil {
		resp.WSClients = s.ws.Clients()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type configResponse struct {
	ODRHz         float64 `json:"odr_hz"`
	FIFOWatermark uint16  `json:"fifo_watermark"`
	FullScaleG    int     `json:"full_scale_g"`
	Pending       bool    `json:"pending,omitempty"`
}

type configRequest struct {
	FullScaleG int `json:"full_scale_g"`
}

func (s *WebServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, configResponse{
			ODRHz:         s.sensor.ConfiguredODR(),
			FIFOWatermark: s.sensor.FIFOWatermark(),
			FullScaleG:    int(s.sensor.FullScale()),
		})
	case http.MethodPost:
		var req configRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		fs, err := imu.ParseFullScale(req.FullScaleG)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.sensor.SetFullScale(fs); err != nil {
			bufferError(w, err)
			return
		}
		s.logger.Info("full scale change requested", zap.Stringer("full_scale", fs))
		// Applied by the acquisition goroutine on its next read.
		s.writeJSON(w, http.StatusAccepted, configResponse{
			ODRHz:         s.sensor.ConfiguredODR(),
			FIFOWatermark: s.sensor.FIFOWatermark(),
			FullScaleG:    int(fs),
			Pending:       s.sensor.FullScale() != fs,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *WebServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = FormatCSV
	}
	contentType := ExportContentType(format)
	if contentType == "" {
		http.Error(w, fmt.Sprintf("unknown format %q, use csv, json or xlsx", format), http.StatusBadRequest)
		return
	}

	n := DefaultExportSamples
	if v := q.Get("samples"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > buffer.Capacity {
			http.Error(w, fmt.Sprintf("samples must be 1-%d", buffer.Capacity), http.StatusBadRequest)
			return
		}
		n = parsed
	}

	samples := s.buf.CopyRecent(n)
	if len(samples) == 0 {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}

	var body bytes.Buffer
	if err := WriteExport(&body, format, samples); err != nil {
		s.logger.Warn("export error", zap.String("format", format), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	filename := fmt.Sprintf("vibration_%d.%s", samples[len(samples)-1].TimestampUS, format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.Write(body.Bytes())
}
