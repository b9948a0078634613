// Package app runs the cooperative main loop that drives periodic work.
package app

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"

	"rgbw-ctrl/internal/ble"
	"rgbw-ctrl/internal/indicator"
	"rgbw-ctrl/internal/notify"
	"rgbw-ctrl/internal/state"
)

const (
	// DefaultPeriod is the loop tick.
	DefaultPeriod = 20 * time.Millisecond
	// DefaultHeapEvery is how often the free-memory gauge is sampled.
	DefaultHeapEvery = time.Second
)

// Option configures a Loop.
type Option func(*Loop)

// WithBLE lets the loop enforce the GATT idle timeout.
func WithBLE(m *ble.Manager) Option {
	return func(l *Loop) { l.ble = m }
}

// WithIndicator drives the status LED from connectivity.
func WithIndicator(i *indicator.Indicator) Option {
	return func(l *Loop) { l.led = i }
}

// WithPeriod overrides DefaultPeriod.
func WithPeriod(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.period = d
		}
	}
}

// WithHeapSampler replaces the runtime memory gauge.
func WithHeapSampler(every time.Duration, sample func() uint32) Option {
	return func(l *Loop) {
		l.heapEvery = every
		l.sampleHeap = sample
	}
}

// Loop calls every periodic handler from one goroutine.
type Loop struct {
	reg        *state.Registry
	notifier   *notify.Notifier
	ble        *ble.Manager
	led        *indicator.Indicator
	period     time.Duration
	heapEvery  time.Duration
	sampleHeap func() uint32
	lastHeap   time.Time
	logger     *slog.Logger
}

// NewLoop creates a loop around the registry and notifier.
func NewLoop(reg *state.Registry, n *notify.Notifier, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		reg:        reg,
		notifier:   n,
		period:     DefaultPeriod,
		heapEvery:  DefaultHeapEvery,
		sampleHeap: freeHeap,
		logger:     logger.With("component", "loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	l.logger.Debug("main loop started", "period", l.period)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Step(now)
		}
	}
}

// Step runs one iteration at now.
func (l *Loop) Step(now time.Time) {
	if l.ble != nil {
		l.ble.Handle(now)
	}
	if l.sampleHeap != nil && (l.lastHeap.IsZero() || now.Sub(l.lastHeap) >= l.heapEvery) {
		l.reg.SetFreeHeap(l.sampleHeap())
		l.lastHeap = now
	}
	if l.notifier != nil {
		l.notifier.Tick(now)
	}
	if l.led != nil {
		l.led.Handle(now, l.reg.Connectivity(), l.reg.Ota())
	}
}

// freeHeap reports heap memory held by the runtime but not in use.
func freeHeap() uint32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.HeapIdle - ms.HeapReleased
	if free > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(free)
}
