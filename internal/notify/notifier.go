// Package notify pushes registry snapshots to every transport, throttled per
// topic and per sink.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
	"rgbw-ctrl/internal/throttle"
)

// Sink is an outbound transport.
type Sink interface {
	Name() string
	// Accepts reports whether the sink carries messages of type t.
	Accepts(t protocol.MessageType) bool
	// Active reports whether anyone is listening.
	Active() bool
	// Broadcast enqueues msg for every listener and reports whether it was
	// accepted. It must not block.
	Broadcast(msg protocol.Message) bool
}

// ClientSink is a sink whose listeners can be addressed individually.
type ClientSink interface {
	Sink
	SendTo(client string, msg protocol.Message) bool
}

// Intervals are the minimum spacing between pushes of each topic. Zero means
// a value is pushed once per change.
type Intervals struct {
	Output       time.Duration `yaml:"output"`
	Heap         time.Duration `yaml:"heap"`
	Connectivity time.Duration `yaml:"connectivity"`
	Ota          time.Duration `yaml:"ota"`
	DeviceName   time.Duration `yaml:"device_name"`
	Peers        time.Duration `yaml:"peers"`
	Firmware     time.Duration `yaml:"firmware"`
	Integration  time.Duration `yaml:"integration"`
}

// DefaultIntervals returns the stock push rates.
func DefaultIntervals() Intervals {
	return Intervals{
		Output:       100 * time.Millisecond,
		Heap:         500 * time.Millisecond,
		Connectivity: 100 * time.Millisecond,
		Ota:          100 * time.Millisecond,
	}
}

type topic struct {
	typ      protocol.MessageType
	interval time.Duration
	snapshot func(r *state.Registry) protocol.Message
}

// topics lists every pushed entity in push order.
func topics(iv Intervals) []topic {
	return []topic{
		{protocol.TypeHeap, iv.Heap, func(r *state.Registry) protocol.Message {
			return protocol.Heap{Free: r.Identity().FreeHeap}
		}},
		{protocol.TypeColor, iv.Output, func(r *state.Registry) protocol.Message {
			return protocol.Color{Output: r.Output()}
		}},
		{protocol.TypeBleStatus, iv.Connectivity, func(r *state.Registry) protocol.Message {
			return protocol.BleStatus{Status: r.Connectivity().Ble}
		}},
		{protocol.TypeWiFiStatus, iv.Connectivity, func(r *state.Registry) protocol.Message {
			return protocol.WiFiStatus{Status: r.Connectivity().WiFi}
		}},
		{protocol.TypeWiFiScanStatus, iv.Connectivity, func(r *state.Registry) protocol.Message {
			return protocol.WiFiScanStatus{Status: r.Connectivity().Scan}
		}},
		{protocol.TypeWiFiDetails, iv.Connectivity, func(r *state.Registry) protocol.Message {
			return protocol.WiFiDetails{Details: r.Connectivity().Details}
		}},
		{protocol.TypeDeviceName, iv.DeviceName, func(r *state.Registry) protocol.Message {
			return protocol.DeviceName{Name: r.Identity().Name}
		}},
		{protocol.TypeOtaProgress, iv.Ota, func(r *state.Registry) protocol.Message {
			return protocol.OtaProgress{State: r.Ota()}
		}},
		{protocol.TypePeerList, iv.Peers, func(r *state.Registry) protocol.Message {
			return protocol.PeerList{Peers: r.Peers()}
		}},
		{protocol.TypeFirmwareVersion, iv.Firmware, func(r *state.Registry) protocol.Message {
			return protocol.FirmwareVersion{Version: r.Identity().Firmware}
		}},
		{protocol.TypeIntegrationSettings, iv.Integration, func(r *state.Registry) protocol.Message {
			return protocol.IntegrationSettings{Settings: r.Integration()}
		}},
	}
}

type sinkEntry struct {
	sink      Sink
	throttles []*throttle.Throttle[protocol.Message]
}

// Notifier compares registry snapshots with what each sink last received and
// pushes the differences. Tick is driven by the main loop.
type Notifier struct {
	reg    *state.Registry
	topics []topic
	logger *slog.Logger

	mu    sync.Mutex
	sinks []*sinkEntry
}

// New creates a notifier with no sinks.
func New(reg *state.Registry, intervals Intervals, logger *slog.Logger) *Notifier {
	return &Notifier{
		reg:    reg,
		topics: topics(intervals),
		logger: logger.With("component", "notifier"),
	}
}

// AddSink registers s. Each sink gets its own throttles.
func (n *Notifier) AddSink(s Sink) {
	e := &sinkEntry{sink: s, throttles: make([]*throttle.Throttle[protocol.Message], len(n.topics))}
	for i, t := range n.topics {
		e.throttles[i] = throttle.New[protocol.Message](t.interval)
	}
	n.mu.Lock()
	n.sinks = append(n.sinks, e)
	n.mu.Unlock()
	n.logger.Debug("sink added", "sink", s.Name())
}

// Tick pushes every eligible topic to every active sink. A throttle is only
// advanced when the sink accepted the message, so throttled or dropped
// pushes are retried on a later tick with the then-current value.
func (n *Notifier) Tick(now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	sent := 0
	for i, t := range n.topics {
		var msg protocol.Message
		for _, e := range n.sinks {
			if !e.sink.Active() || !e.sink.Accepts(t.typ) {
				continue
			}
			if msg == nil {
				msg = t.snapshot(n.reg)
			}
			th := e.throttles[i]
			if !th.ShouldSend(now, msg) {
				continue
			}
			if !e.sink.Broadcast(msg) {
				n.logger.Debug("push dropped", "sink", e.sink.Name(), "type", t.typ)
				continue
			}
			th.SetLastSent(now, msg)
			sent++
		}
	}
	return sent
}

// NotifyClient sends the full current state to one client of s, bypassing
// throttling. Throttles are kept per sink, not per client: recording this
// snapshot as last sent would make the next Tick treat it as delivered and
// skip the broadcast every other client of s is still waiting for.
func (n *Notifier) NotifyClient(s ClientSink, client string) int {
	sent := 0
	for _, t := range n.topics {
		if !s.Accepts(t.typ) {
			continue
		}
		if s.SendTo(client, t.snapshot(n.reg)) {
			sent++
		}
	}
	return sent
}

// Reset forgets what s last received, forcing a full push to it on the next
// tick. Used when a single-listener sink gains a new listener.
func (n *Notifier) Reset(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.sinks {
		if e.sink == s {
			for _, th := range e.throttles {
				th.Reset()
			}
		}
	}
}
