package router

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeScheduler struct {
	mu      sync.Mutex
	actions []Action
	delays  []time.Duration
	err     error
}

func (f *fakeScheduler) Schedule(a Action, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, a)
	f.delays = append(f.delays, delay)
	return nil
}

type failingPersister struct{}

func (failingPersister) SaveDeviceName(string) error                    { return errors.New("disk full") }
func (failingPersister) SavePeers(state.PeerList) error                 { return errors.New("disk full") }
func (failingPersister) SaveCredentials(state.Credentials) error        { return errors.New("disk full") }
func (failingPersister) SaveIntegration(state.IntegrationSettings) error { return errors.New("disk full") }

func newTestRouter(t *testing.T) (*Router, *fakeScheduler) {
	t.Helper()
	reg := state.NewRegistry(state.Seed{Identity: state.Identity{Name: "lamp"}}, nil, nil)
	sched := &fakeScheduler{}
	return New(reg, sched, WithLogger(newTestLogger())), sched
}

func TestDispatchColorIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	out := state.OutputFromLevels([state.ChannelCount]uint8{10, 20, 30, 0})
	frame := protocol.Encode(protocol.Color{Output: out})

	eff, err := r.Dispatch(OriginWebSocket, frame)
	if err != nil {
		t.Fatal(err)
	}
	if !eff.Changed.Has(state.EntityOutput) {
		t.Errorf("first dispatch changed = %v, want output", eff.Changed)
	}
	if r.Registry().Output() != out {
		t.Errorf("output = %+v, want %+v", r.Registry().Output(), out)
	}

	eff, err = r.Dispatch(OriginWebSocket, frame)
	if err != nil {
		t.Fatal(err)
	}
	if eff.Changed != 0 {
		t.Errorf("second dispatch changed = %v, want none", eff.Changed)
	}
}

func TestDispatchLengthGrid(t *testing.T) {
	r, sched := newTestRouter(t)
	before := r.Registry().Output()

	sizes := map[protocol.MessageType]int{
		protocol.TypeHeap:                  protocol.HeapSize,
		protocol.TypeDeviceName:            protocol.DeviceNameSize,
		protocol.TypeFirmwareVersion:       protocol.FirmwareVersionSize,
		protocol.TypeColor:                 protocol.ColorSize,
		protocol.TypeHTTPCredentials:       protocol.HTTPCredentialsSize,
		protocol.TypeBleStatus:             protocol.BleStatusSize,
		protocol.TypeWiFiStatus:            protocol.WiFiConnectionDetailsSize,
		protocol.TypeWiFiDetails:           protocol.WiFiDetailsSize,
		protocol.TypeWiFiConnectionDetails: protocol.WiFiConnectionDetailsSize,
		protocol.TypeOtaProgress:           protocol.OtaProgressSize,
		protocol.TypeIntegrationSettings:   protocol.IntegrationSettingsSize,
	}
	for typ, size := range sizes {
		for _, n := range []int{size - 1, size + 1} {
			frame := append([]byte{byte(typ)}, make([]byte, n)...)
			if _, err := r.Dispatch(OriginBLE, frame); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("%s with %d bytes: err = %v, want ErrMalformedPayload", typ, n, err)
			}
		}
	}
	// The scan request carries no payload.
	if _, err := r.Dispatch(OriginBLE, []byte{byte(protocol.TypeWiFiScanStatus), 0}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("scan request with payload: err = %v, want ErrMalformedPayload", err)
	}

	if r.Registry().Output() != before {
		t.Error("rejected frames mutated output")
	}
	if len(sched.actions) != 0 {
		t.Errorf("rejected frames scheduled %d actions", len(sched.actions))
	}
}

func TestDispatchUnknownType(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, err := r.Dispatch(OriginWebSocket, []byte{0x42}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
	if _, err := r.Dispatch(OriginWebSocket, nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("empty frame err = %v, want ErrMalformedPayload", err)
	}
}

func TestDispatchReadOnlyIgnored(t *testing.T) {
	r, sched := newTestRouter(t)
	frames := [][]byte{
		protocol.Encode(protocol.Heap{Free: 1}),
		protocol.Encode(protocol.FirmwareVersion{Version: "9.9"}),
		protocol.Encode(protocol.OtaProgress{}),
		protocol.Encode(protocol.WiFiDetails{Details: state.WiFiDetails{SSID: "x"}}),
	}
	for _, f := range frames {
		eff, err := r.Dispatch(OriginWebSocket, f)
		if err != nil {
			t.Errorf("type %d: %v", f[0], err)
		}
		if eff != (Effect{}) {
			t.Errorf("type %d: effect = %+v, want none", f[0], eff)
		}
	}
	if r.Registry().Identity().FreeHeap != 0 {
		t.Error("heap frame changed identity")
	}
	if len(sched.actions) != 0 {
		t.Error("read-only frame scheduled an action")
	}
}

func TestDispatchDeviceName(t *testing.T) {
	r, _ := newTestRouter(t)
	eff, err := r.DispatchPayload(OriginBLE, protocol.TypeDeviceName, protocol.Payload(protocol.DeviceName{Name: "desk"}))
	if err != nil {
		t.Fatal(err)
	}
	if !eff.Changed.Has(state.EntityIdentity) {
		t.Errorf("changed = %v, want identity", eff.Changed)
	}
	if got := r.Registry().Identity().Name; got != "desk" {
		t.Errorf("name = %q, want desk", got)
	}
}

func TestDispatchDefersSideEffects(t *testing.T) {
	r, sched := newTestRouter(t)

	tests := []struct {
		frame []byte
		want  ActionKind
	}{
		{protocol.Encode(protocol.BleStatus{Status: state.BleAdvertising}), ActionStartBLE},
		{protocol.Encode(protocol.BleStatus{Status: state.BleOff}), ActionStopBLE},
		{[]byte{byte(protocol.TypeWiFiScanStatus)}, ActionScanWiFi},
		{protocol.Encode(protocol.WiFiConnect{Via: protocol.TypeWiFiConnectionDetails, Credentials: state.WiFiCredentials{SSID: "home"}}), ActionConnectWiFi},
		{protocol.Encode(protocol.WiFiConnect{Via: protocol.TypeWiFiStatus, Credentials: state.WiFiCredentials{SSID: "home"}}), ActionConnectWiFi},
	}
	for _, tt := range tests {
		eff, err := r.Dispatch(OriginBLE, tt.frame)
		if err != nil {
			t.Fatalf("%s: %v", tt.want, err)
		}
		if eff.Deferred != tt.want {
			t.Errorf("deferred = %s, want %s", eff.Deferred, tt.want)
		}
	}
	if len(sched.actions) != len(tests) {
		t.Fatalf("scheduled %d actions, want %d", len(sched.actions), len(tests))
	}
	if sched.actions[3].WiFi.SSID != "home" {
		t.Errorf("wifi ssid = %q, want home", sched.actions[3].WiFi.SSID)
	}
	for _, d := range sched.delays {
		if d != DefaultActionDelay {
			t.Errorf("delay = %v, want %v", d, DefaultActionDelay)
		}
	}
	if r.Registry().Connectivity() != (state.Connectivity{}) {
		t.Error("connectivity changed synchronously")
	}
}

func TestScheduleFailure(t *testing.T) {
	r, sched := newTestRouter(t)
	sched.err = ErrQueueFull
	if _, err := r.Apply(OriginHTTP, Restart{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	noSched := New(state.NewRegistry(state.Seed{}, nil, nil), nil, WithLogger(newTestLogger()))
	if _, err := noSched.Apply(OriginHTTP, Restart{}); err == nil {
		t.Error("restart without scheduler succeeded")
	}
}

func TestDispatchPersistenceFailure(t *testing.T) {
	reg := state.NewRegistry(state.Seed{Identity: state.Identity{Name: "lamp"}}, failingPersister{}, nil)
	r := New(reg, &fakeScheduler{}, WithLogger(newTestLogger()))

	_, err := r.Dispatch(OriginBLE, protocol.Encode(protocol.DeviceName{Name: "other"}))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if got := reg.Identity().Name; got != "lamp" {
		t.Errorf("name = %q after failed save, want lamp", got)
	}
}

func TestRadioTable(t *testing.T) {
	tests := []struct {
		radio protocol.RadioType
		start [state.ChannelCount]uint8
		want  state.Output
	}{
		{protocol.RadioToggleRed, [state.ChannelCount]uint8{0, 0, 0, 0},
			state.Output{Channels: [state.ChannelCount]state.Channel{{On: true, Value: 255}, {}, {}, {}}}},
		{protocol.RadioToggleWhite, [state.ChannelCount]uint8{0, 0, 0, 40},
			state.Output{Channels: [state.ChannelCount]state.Channel{{}, {}, {}, {On: false, Value: 40}}}},
		{protocol.RadioToggleAll, [state.ChannelCount]uint8{0, 0, 0, 0},
			state.OutputFromLevels([state.ChannelCount]uint8{255, 255, 255, 255})},
		{protocol.RadioTurnOffAll, [state.ChannelCount]uint8{10, 0, 0, 0},
			state.Output{Channels: [state.ChannelCount]state.Channel{{On: false, Value: 10}, {}, {}, {}}}},
		{protocol.RadioIncreaseBrightness, [state.ChannelCount]uint8{250, 0, 100, 0},
			state.Output{Channels: [state.ChannelCount]state.Channel{{On: true, Value: 255}, {Value: 16}, {On: true, Value: 116}, {Value: 16}}}},
		{protocol.RadioDecreaseBrightness, [state.ChannelCount]uint8{10, 0, 100, 0},
			state.Output{Channels: [state.ChannelCount]state.Channel{{On: true, Value: 0}, {}, {On: true, Value: 84}, {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.radio.String(), func(t *testing.T) {
			r, _ := newTestRouter(t)
			r.Registry().SetOutput(state.OutputFromLevels(tt.start))
			if _, err := r.Dispatch(OriginRadio, []byte{byte(tt.radio)}); err != nil {
				t.Fatal(err)
			}
			if got := r.Registry().Output(); got != tt.want {
				t.Errorf("output = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRadioRejects(t *testing.T) {
	r, _ := newTestRouter(t)
	if _, err := r.Dispatch(OriginRadio, []byte{9}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
	if _, err := r.Dispatch(OriginRadio, []byte{0, 1}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestSetColorPartial(t *testing.T) {
	r, _ := newTestRouter(t)
	r.Registry().SetOutput(state.OutputFromLevels([state.ChannelCount]uint8{1, 2, 3, 4}))

	_, err := r.Apply(OriginHTTP, SetColor{
		Values:  [state.ChannelCount]uint8{0, 200, 0, 0},
		Present: [state.ChannelCount]bool{true, true, false, false},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := state.Output{Channels: [state.ChannelCount]state.Channel{
		{On: false, Value: 0}, {On: true, Value: 200}, {On: true, Value: 3}, {On: true, Value: 4},
	}}
	if got := r.Registry().Output(); got != want {
		t.Errorf("output = %+v, want %+v", got, want)
	}
}

func TestChannelIndexValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, cmd := range []Command{ToggleChannel{Index: 4}, SetChannel{Index: -1}} {
		if _, err := r.Apply(OriginMQTT, cmd); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("%T: err = %v, want ErrInvalidValue", cmd, err)
		}
	}
}

func TestMergeOutputIsAtomic(t *testing.T) {
	r, _ := newTestRouter(t)
	bump := MergeOutput{Fn: func(o state.Output) (state.Output, error) {
		o.Channels[state.Red] = state.Channel{On: true, Value: o.Channels[state.Red].Value + 1}
		return o, nil
	}}

	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Apply(OriginMQTT, bump); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := r.Registry().Output().Channels[state.Red].Value; got != 200 {
		t.Errorf("red = %d after 200 merges, want 200", got)
	}
}

func TestMergeOutputErrorLeavesOutput(t *testing.T) {
	r, _ := newTestRouter(t)
	before := state.OutputFromLevels([state.ChannelCount]uint8{1, 2, 3, 4})
	r.Registry().SetOutput(before)

	bad := errors.New("bad brightness")
	eff, err := r.Apply(OriginMQTT, MergeOutput{Fn: func(o state.Output) (state.Output, error) {
		return state.Output{}, bad
	}})
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want %v", err, bad)
	}
	if eff.Changed != 0 {
		t.Errorf("effect = %+v, want none", eff)
	}
	if got := r.Registry().Output(); got != before {
		t.Errorf("output = %+v, want %+v", got, before)
	}
}
