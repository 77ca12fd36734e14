package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SpeedMeter aggregates bytes received by every fetch and publishes the
// rate once per interval.
type SpeedMeter struct {
	interval time.Duration
	bytes    atomic.Int64
	rate     atomic.Int64

	mu   sync.Mutex
	subs []func(bytesPerSecond int64)
}

func NewSpeedMeter(interval time.Duration) *SpeedMeter {
	if interval <= 0 {
		interval = time.Second
	}

	return &SpeedMeter{interval: interval}
}

// Add records n received bytes. It is safe on a nil meter.
func (m *SpeedMeter) Add(n int64) {
	if m == nil {
		return
	}

	m.bytes.Add(n)
}

// Speed returns the rate published by the last tick, in bytes per second.
func (m *SpeedMeter) Speed() int64 {
	if m == nil {
		return 0
	}

	return m.rate.Load()
}

// Subscribe registers fn to receive every published rate.
func (m *SpeedMeter) Subscribe(fn func(bytesPerSecond int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, fn)
}

// Run publishes rates until ctx is done.
func (m *SpeedMeter) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *SpeedMeter) tick() {
	n := m.bytes.Swap(0)
	rate := int64(float64(n) / m.interval.Seconds())
	m.rate.Store(rate)

	m.mu.Lock()
	subs := append([]func(int64){}, m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(rate)
	}
}
