package acquisition

// RateWindowUS is the minimum span of sensor time a rate report covers.
const RateWindowUS = 1_000_000

// RateReport is the throughput measured over one completed window.
type RateReport struct {
	WindowUS          uint64  `json:"window_us"`
	Batches           uint64  `json:"batches"`
	Samples           uint64  `json:"samples"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	SamplesPerSecond  float64 `json:"samples_per_second"`
}

// RateWindow counts batches and samples against sensor time, not wall
// time. A zero value opens on its first batch at the time that batch
// started, so the first report covers every batch since acquisition began.
type RateWindow struct {
	startUS uint64
	started bool
	batches uint64
	samples uint64
}

// NewRateWindow starts a window at startUS.
func NewRateWindow(startUS uint64) RateWindow {
	return RateWindow{startUS: startUS, started: true}
}

// Add accounts one batch of samples whose newest sample is at nowUS and
// which spans spanUS of sensor time. spanUS is only used to open the window.
// When at least RateWindowUS has elapsed since the window start it returns
// the report and starts a new window at nowUS.
func (w *RateWindow) Add(nowUS uint64, samples int, spanUS uint32) (RateReport, bool) {
	if !w.started || nowUS < w.startUS {
		// first batch, or the sensor clock went backwards (source restarted)
		*w = NewRateWindow(nowUS - min(uint64(spanUS), nowUS))
	}
	w.batches++
	w.samples += uint64(samples)

	elapsed := nowUS - w.startUS
	if elapsed < RateWindowUS {
		return RateReport{}, false
	}
	secs := float64(elapsed) / 1e6
	rep := RateReport{
		WindowUS:          elapsed,
		Batches:           w.batches,
		Samples:           w.samples,
		MessagesPerSecond: float64(w.batches) / secs,
		SamplesPerSecond:  float64(w.samples) / secs,
	}
	*w = NewRateWindow(nowUS)
	return rep, true
}
