package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rgbw-ctrl/internal/indicator"
	"rgbw-ctrl/internal/notify"
	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type heapSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *heapSink) Name() string                        { return "test" }
func (s *heapSink) Accepts(t protocol.MessageType) bool { return t == protocol.TypeHeap }
func (s *heapSink) Active() bool                        { return true }
func (s *heapSink) Broadcast(m protocol.Message) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return true
}

func (s *heapSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fakeLine struct{ values []int }

func (l *fakeLine) SetValue(v int) error { l.values = append(l.values, v); return nil }
func (l *fakeLine) Close() error         { return nil }

func TestStepSamplesHeapAndPushes(t *testing.T) {
	reg := state.NewRegistry(state.Seed{}, nil, nil)
	n := notify.New(reg, notify.DefaultIntervals(), newTestLogger())
	sink := &heapSink{}
	n.AddSink(sink)

	samples := []uint32{4096, 8192}
	calls := 0
	l := NewLoop(reg, n, newTestLogger(), WithHeapSampler(time.Second, func() uint32 {
		v := samples[calls]
		calls++
		return v
	}))

	now := time.Unix(0, 0)
	l.Step(now)
	if reg.Identity().FreeHeap != 4096 {
		t.Errorf("FreeHeap = %d, want 4096", reg.Identity().FreeHeap)
	}
	if sink.count() != 1 || sink.msgs[0] != (protocol.Heap{Free: 4096}) {
		t.Fatalf("msgs = %v, want one Heap{4096}", sink.msgs)
	}

	l.Step(now.Add(600 * time.Millisecond))
	if calls != 1 {
		t.Errorf("sampler calls = %d before the period, want 1", calls)
	}
	if sink.count() != 1 {
		t.Errorf("unchanged heap pushed again: %v", sink.msgs)
	}

	l.Step(now.Add(time.Second))
	if calls != 2 {
		t.Errorf("sampler calls = %d, want 2", calls)
	}
	if sink.count() != 2 || sink.msgs[1] != (protocol.Heap{Free: 8192}) {
		t.Errorf("msgs = %v, want Heap{8192} appended", sink.msgs)
	}
}

func TestStepDrivesIndicator(t *testing.T) {
	reg := state.NewRegistry(state.Seed{}, nil, nil)
	line := &fakeLine{}
	led := indicator.New(line, newTestLogger())
	l := NewLoop(reg, nil, newTestLogger(), WithIndicator(led), WithHeapSampler(time.Second, nil))

	reg.SetWiFiStatus(state.WiFiConnected)
	l.Step(time.Unix(0, 0))
	if led.Pattern() != indicator.PatternOff {
		t.Errorf("pattern = %s, want off", led.Pattern().Name)
	}
	reg.SetWiFiStatus(state.WiFiFailed)
	l.Step(time.Unix(1, 0))
	if led.Pattern() != indicator.PatternWiFiFailed {
		t.Errorf("pattern = %s, want wifi failed", led.Pattern().Name)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := state.NewRegistry(state.Seed{}, nil, nil)
	var mu sync.Mutex
	steps := 0
	l := NewLoop(reg, nil, newTestLogger(), WithPeriod(time.Millisecond), WithHeapSampler(0, func() uint32 {
		mu.Lock()
		steps++
		mu.Unlock()
		return 1
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if steps == 0 {
		t.Error("loop never stepped")
	}
}
