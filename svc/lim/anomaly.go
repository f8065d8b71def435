package lim

import (
	"pastebin/metrics"
	"pastebin/svc/util"
	"sync"
	"time"
)

const (
	anomalyBuckets      = 5
	anomalyBucketWidth  = time.Minute
	anomalyMinRequests  = 10
	anomalyErrorPercent = 5.0
)

// AnomalyDetector keeps a sliding window of request and server-error counts
// and calls onAnomaly when the 5xx rate across the window is too high. The
// limiter reacts by halving every limit for a minute.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(anomalyBucketWidth)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Record counts one finished request; serverError marks a 5xx.
func (d *AnomalyDetector) Record(serverError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.current].requests++
	if serverError {
		d.window[d.current].errors++
	}
}

// AdvanceWindow evaluates the window, rotates to a fresh bucket and reports
// whether an anomaly fired.
func (d *AnomalyDetector) AdvanceWindow() bool {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs <= anomalyMinRequests || rate <= anomalyErrorPercent {
		return false
	}
	util.Warn().
		Float64("error_rate", rate).
		Int64("requests", reqs).
		Int64("errors", errs).
		Msg("high server error rate, tightening rate limits")
	if d.onAnomaly != nil {
		d.onAnomaly()
	}
	return true
}
