// Package indicator drives the board status LED from connectivity and OTA
// state.
package indicator

import (
	"log/slog"
	"sync"
	"time"

	"rgbw-ctrl/internal/state"
)

// Line is a single output line.
type Line interface {
	SetValue(value int) error
	Close() error
}

// Pattern is a blink pattern. A zero Period means the LED holds Solid.
type Pattern struct {
	Name   string
	Period time.Duration
	Solid  bool
}

var (
	PatternOff         = Pattern{Name: "off"}
	PatternSolid       = Pattern{Name: "solid", Solid: true}
	PatternOta         = Pattern{Name: "ota", Period: 100 * time.Millisecond}
	PatternWiFiBusy    = Pattern{Name: "wifi_busy", Period: 250 * time.Millisecond}
	PatternAdvertising = Pattern{Name: "ble_advertising", Period: 500 * time.Millisecond}
	PatternWiFiFailed  = Pattern{Name: "wifi_failed", Period: time.Second}
)

// PatternFor picks the pattern for the current state. An update in progress
// wins over BLE, and BLE wins over WiFi.
func PatternFor(c state.Connectivity, ota state.OtaState) Pattern {
	switch {
	case ota.Status == state.OtaStarted:
		return PatternOta
	case c.Ble == state.BleConnected:
		return PatternSolid
	case c.Ble == state.BleAdvertising:
		return PatternAdvertising
	case c.Scan == state.Scanning, c.WiFi == state.WiFiConnecting:
		return PatternWiFiBusy
	case c.WiFi == state.WiFiFailed:
		return PatternWiFiFailed
	case c.WiFi == state.WiFiConnected:
		return PatternOff
	}
	return PatternSolid
}

// Indicator renders patterns on a line. Handle is called from the main loop.
type Indicator struct {
	line   Line
	logger *slog.Logger

	mu      sync.Mutex
	pattern Pattern
	value   int
	toggled time.Time
	started bool
}

// New wraps line. The LED starts off.
func New(line Line, logger *slog.Logger) *Indicator {
	return &Indicator{line: line, logger: logger.With("component", "indicator")}
}

// Handle advances the LED for the given state.
func (i *Indicator) Handle(now time.Time, c state.Connectivity, ota state.OtaState) {
	i.mu.Lock()
	defer i.mu.Unlock()

	p := PatternFor(c, ota)
	if !i.started || p != i.pattern {
		i.started = true
		i.pattern = p
		i.toggled = now
		i.logger.Debug("pattern changed", "pattern", p.Name)
		if p.Period > 0 || p.Solid {
			i.set(1)
		} else {
			i.set(0)
		}
		return
	}
	if p.Period > 0 && now.Sub(i.toggled) >= p.Period {
		i.toggled = now
		i.set(1 - i.value)
	}
}

// Pattern returns the pattern currently shown.
func (i *Indicator) Pattern() Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pattern
}

func (i *Indicator) set(v int) {
	if err := i.line.SetValue(v); err != nil {
		i.logger.Warn("set led", "err", err)
		return
	}
	i.value = v
}

// Close turns the LED off and releases the line.
func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_ = i.line.SetValue(0)
	return i.line.Close()
}
