package main

import (
	"time"

	"github.com/VictoriaMetrics/metrics"

	log "github.com/golang/glog"
)

// rateLogger logs how many messages a second arrived since its last tick.
type rateLogger struct {
	counter *metrics.Counter
	last    uint64
	lastAt  time.Time
}

func newRateLogger(c *metrics.Counter, now time.Time) *rateLogger {
	return &rateLogger{counter: c, last: c.Get(), lastAt: now}
}

// tick returns the rate since the previous tick.
func (r *rateLogger) tick(now time.Time) float64 {
	cur := r.counter.Get()
	elapsed := now.Sub(r.lastAt)

	var rate float64
	if elapsed > 0 {
		rate = float64(cur-r.last) / elapsed.Seconds()
	}
	r.last, r.lastAt = cur, now
	return rate
}

func (r *rateLogger) run(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			log.Infof("received %.1f messages/sec (%d total)", r.tick(now), r.last)
		}
	}
}
