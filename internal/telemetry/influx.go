// Package telemetry records device state history in InfluxDB.
//
// The sink is registered with the notifier like any transport, so its
// write rate follows the notifier's per-topic throttles.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
)

const connectTimeout = 10 * time.Second

var (
	// ErrConnectionFailed indicates the server did not answer the initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config selects the InfluxDB bucket.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// BatchSize and FlushInterval tune the non-blocking writer.
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Sink writes accepted notifications as points tagged with the device name.
type Sink struct {
	w      pointWriter
	reg    *state.Registry
	logger *slog.Logger
	now    func() time.Time
	close  func()

	mu     sync.Mutex
	closed bool
}

// Connect opens the client, verifies the server and starts draining async
// write errors into the log.
func Connect(cfg Config, reg *state.Registry, logger *slog.Logger) (*Sink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, reg, logger)
	s.close = client.Close
	go func() {
		for err := range writeAPI.Errors() {
			s.logger.Warn("influx write failed", "err", err)
		}
	}()
	s.logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

func newSink(w pointWriter, reg *state.Registry, logger *slog.Logger) *Sink {
	return &Sink{
		w:      w,
		reg:    reg,
		logger: logger.With("component", "telemetry"),
		now:    time.Now,
	}
}

func (s *Sink) Name() string { return "influxdb" }

func (s *Sink) Accepts(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeHeap, protocol.TypeColor, protocol.TypeBleStatus,
		protocol.TypeWiFiStatus, protocol.TypeOtaProgress:
		return true
	}
	return false
}

func (s *Sink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Broadcast queues a point for msg. Unrecorded types are refused.
func (s *Sink) Broadcast(msg protocol.Message) bool {
	if !s.Active() {
		return false
	}
	p := s.point(msg)
	if p == nil {
		return false
	}
	s.w.WritePoint(p)
	return true
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.w.Flush()
	if s.close != nil {
		s.close()
	}
}

func (s *Sink) point(msg protocol.Message) *write.Point {
	tags := map[string]string{"device": s.reg.Identity().Name}
	var (
		measurement string
		fields      map[string]interface{}
	)
	switch m := msg.(type) {
	case protocol.Heap:
		measurement = "heap"
		fields = map[string]interface{}{"free": int64(m.Free)}
	case protocol.Color:
		measurement = "output"
		levels := m.Output.Levels()
		fields = make(map[string]interface{}, state.ChannelCount+1)
		for i, v := range levels {
			fields[state.ChannelName(i)] = int64(v)
		}
		fields["visible"] = m.Output.AnyVisible()
	case protocol.BleStatus:
		measurement = "connectivity"
		tags["link"] = "ble"
		fields = map[string]interface{}{"status": m.Status.String()}
	case protocol.WiFiStatus:
		measurement = "connectivity"
		tags["link"] = "wifi"
		fields = map[string]interface{}{"status": m.Status.String()}
	case protocol.OtaProgress:
		measurement = "ota"
		fields = map[string]interface{}{
			"status":   m.State.Status.String(),
			"expected": int64(m.State.Expected),
			"received": int64(m.State.Received),
		}
	default:
		return nil
	}
	return write.NewPoint(measurement, tags, fields, s.now())
}
