package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedMeterPublishesRate(t *testing.T) {
	m := NewSpeedMeter(time.Second)

	var got []int64
	m.Subscribe(func(bps int64) { got = append(got, bps) })

	m.Add(1500)
	m.Add(500)
	m.tick()

	assert.Equal(t, int64(2000), m.Speed())

	m.tick()

	assert.Equal(t, int64(0), m.Speed())
	assert.Equal(t, []int64{2000, 0}, got)
}

func TestSpeedMeterNilIsSafe(t *testing.T) {
	var m *SpeedMeter

	m.Add(10)
	assert.Zero(t, m.Speed())
}

func TestSpeedMeterStopsWithContext(t *testing.T) {
	m := NewSpeedMeter(10 * time.Millisecond)
	ticks := make(chan int64, 100)
	m.Subscribe(func(bps int64) { ticks <- bps })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Add(100)

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("meter did not tick")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("meter did not stop")
	}
}
