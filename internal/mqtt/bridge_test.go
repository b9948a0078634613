//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	mu           sync.Mutex
	published    []published
	subscribed   map[string]pahomqtt.MessageHandler
	unsubscribed []string
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, payload: p, retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscribed, t)
		c.unsubscribed = append(c.unsubscribed, t)
	}
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// lastPublished returns the last payload sent on topic.
func (c *fakeClient) lastPublished(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload, true
		}
	}
	return nil, false
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	c.published = nil
	c.unsubscribed = nil
	c.mu.Unlock()
}

func newTestBridge(t *testing.T, settings state.IntegrationSettings) (*Bridge, *fakeClient, *state.Registry) {
	t.Helper()
	reg := state.NewRegistry(state.Seed{
		Identity:    state.Identity{Name: "Desk Lamp", Firmware: "1.0.0"},
		Integration: settings,
	}, nil, state.NewEventBus(newTestLogger()))
	rt := router.New(reg, nil, router.WithLogger(newTestLogger()))
	c := newFakeClient()
	b := newBridge(c, rt, Config{}, newTestLogger())
	b.Start()
	t.Cleanup(func() {
		if b.unsub != nil {
			b.unsub()
		}
	})
	return b, c, reg
}

func TestEntitiesForModes(t *testing.T) {
	names := [state.ChannelCount]string{"strip", "green", "blue", "white"}
	tests := []struct {
		mode state.IntegrationMode
		want []string
	}{
		{state.IntegrationOff, nil},
		{state.IntegrationRGBW, []string{"rgbw"}},
		{state.IntegrationRGB, []string{"rgb", "white"}},
		{state.IntegrationMulti, []string{"red", "green", "blue", "white"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			got := entitiesFor(state.IntegrationSettings{Mode: tt.mode, Names: names})
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entities, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ObjectID != tt.want[i] {
					t.Errorf("entity %d = %q, want %q", i, e.ObjectID, tt.want[i])
				}
			}
		})
	}
}

func TestEntitiesSkipEmptyNames(t *testing.T) {
	s := state.IntegrationSettings{Mode: state.IntegrationMulti, Names: [state.ChannelCount]string{"r", "", "b", ""}}
	got := entitiesFor(s)
	if len(got) != 2 || got[0].ObjectID != "red" || got[1].ObjectID != "blue" {
		t.Errorf("entities = %+v, want red and blue", got)
	}
}

func TestDiscoveryPayload(t *testing.T) {
	tp := topics{prefix: "rgbw-ctrl", discovery: "homeassistant", node: "desk_lamp"}
	e := entity{ObjectID: "rgbw", Name: "Desk", Channels: []int{0, 1, 2, 3}, ColorMode: "rgbw"}
	msg := buildDiscovery(tp, e, state.Identity{Name: "Desk Lamp", Firmware: "1.0.0"})

	if msg.Topic != "homeassistant/light/desk_lamp/rgbw/config" {
		t.Errorf("topic = %q", msg.Topic)
	}
	var payload haLight
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.CommandTopic != "rgbw-ctrl/desk_lamp/rgbw/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.StateTopic != "rgbw-ctrl/desk_lamp/rgbw" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "rgbw-ctrl/desk_lamp/availability" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Schema != "json" || !payload.Brightness {
		t.Errorf("schema = %q brightness = %v", payload.Schema, payload.Brightness)
	}
	if len(payload.SupportedColorModes) != 1 || payload.SupportedColorModes[0] != "rgbw" {
		t.Errorf("supported_color_modes = %v", payload.SupportedColorModes)
	}
	if payload.Device.Name != "Desk Lamp" || payload.Device.SWVersion != "1.0.0" {
		t.Errorf("device = %+v", payload.Device)
	}
}

func TestNodeID(t *testing.T) {
	if got := nodeID("Living Room-1"); got != "living_room_1" {
		t.Errorf("nodeID = %q, want %q", got, "living_room_1")
	}
}

func TestStateOf(t *testing.T) {
	o := state.Output{Channels: [state.ChannelCount]state.Channel{
		{On: true, Value: 10}, {On: false, Value: 200}, {On: false, Value: 0}, {On: true, Value: 50},
	}}
	rgb := entity{ObjectID: "rgb", Channels: []int{0, 1, 2}, ColorMode: "rgb"}
	got := stateOf(rgb, o)
	if got.State != "ON" || got.Brightness != 200 {
		t.Errorf("rgb state = %+v, want ON at 200", got)
	}
	if got.Color == nil || got.Color.G != 200 || got.Color.W != nil {
		t.Errorf("rgb color = %+v", got.Color)
	}

	green := entity{ObjectID: "green", Channels: []int{1}, ColorMode: "brightness"}
	if got := stateOf(green, o); got.State != "OFF" || got.Brightness != 200 || got.Color != nil {
		t.Errorf("green state = %+v, want OFF at 200 without color", got)
	}
}

func TestApplyCommand(t *testing.T) {
	rgbw := entity{ObjectID: "rgbw", Channels: []int{0, 1, 2, 3}, ColorMode: "rgbw"}
	white := entity{ObjectID: "white", Channels: []int{3}, ColorMode: "brightness"}
	level := func(v int) *int { return &v }
	base := state.OutputFromLevels([state.ChannelCount]uint8{100, 50, 0, 0})

	tests := []struct {
		name string
		e    entity
		cmd  lightCommand
		in   state.Output
		want [state.ChannelCount]state.Channel
	}{
		{
			name: "off keeps values",
			e:    rgbw,
			cmd:  lightCommand{State: "OFF"},
			in:   base,
			want: [state.ChannelCount]state.Channel{{false, 100}, {false, 50}, {false, 0}, {false, 0}},
		},
		{
			name: "brightness scales color",
			e:    rgbw,
			cmd:  lightCommand{State: "ON", Brightness: level(200)},
			in:   base,
			want: [state.ChannelCount]state.Channel{{true, 200}, {true, 100}, {true, 0}, {true, 0}},
		},
		{
			name: "on from black",
			e:    rgbw,
			cmd:  lightCommand{State: "ON"},
			in:   state.Output{},
			want: [state.ChannelCount]state.Channel{{true, 255}, {true, 255}, {true, 255}, {true, 255}},
		},
		{
			name: "dimmable leaves other channels",
			e:    white,
			cmd:  lightCommand{State: "ON", Brightness: level(300)},
			in:   base,
			want: [state.ChannelCount]state.Channel{{true, 100}, {true, 50}, {false, 0}, {true, 255}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyCommand(tt.e, tt.cmd, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got.Channels != tt.want {
				t.Errorf("channels = %+v, want %+v", got.Channels, tt.want)
			}
		})
	}

	if _, err := applyCommand(rgbw, lightCommand{State: "BLINK"}, base); !errors.Is(err, state.ErrInvalidValue) {
		t.Errorf("bad state err = %v, want ErrInvalidValue", err)
	}
}

func TestApplyCommandColor(t *testing.T) {
	rgb := entity{ObjectID: "rgb", Channels: []int{0, 1, 2}, ColorMode: "rgb"}
	var cmd lightCommand
	if err := json.Unmarshal([]byte(`{"state":"ON","color":{"r":1,"g":2,"b":3,"w":4}}`), &cmd); err != nil {
		t.Fatal(err)
	}
	got, err := applyCommand(rgb, cmd, state.Output{})
	if err != nil {
		t.Fatal(err)
	}
	want := [state.ChannelCount]state.Channel{{true, 1}, {true, 2}, {true, 3}, {false, 0}}
	if got.Channels != want {
		t.Errorf("channels = %+v, want %+v", got.Channels, want)
	}
}

func TestOnlineAnnouncesLights(t *testing.T) {
	b, c, _ := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationRGB, Names: [state.ChannelCount]string{"strip", "", "", "bench"}})
	b.online()

	if p, ok := c.lastPublished("rgbw-ctrl/desk_lamp/availability"); !ok || string(p) != "online" {
		t.Errorf("availability = %q, want online", p)
	}
	for _, obj := range []string{"rgb", "white"} {
		if _, ok := c.lastPublished("homeassistant/light/desk_lamp/" + obj + "/config"); !ok {
			t.Errorf("discovery for %s not published", obj)
		}
		if _, ok := c.subscribed["rgbw-ctrl/desk_lamp/"+obj+"/set"]; !ok {
			t.Errorf("command topic for %s not subscribed", obj)
		}
		if _, ok := c.lastPublished("rgbw-ctrl/desk_lamp/" + obj); !ok {
			t.Errorf("state for %s not published", obj)
		}
	}
}

func TestSettingsChangeTearsDownOldLights(t *testing.T) {
	b, c, reg := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationMulti, Names: [state.ChannelCount]string{"r", "g", "b", "w"}})
	b.online()
	c.reset()

	if _, err := reg.SetIntegration(state.IntegrationSettings{Mode: state.IntegrationRGBW, Names: [state.ChannelCount]string{"all"}}); err != nil {
		t.Fatal(err)
	}

	for _, obj := range []string{"red", "green", "blue", "white"} {
		p, ok := c.lastPublished("homeassistant/light/desk_lamp/" + obj + "/config")
		if !ok || len(p) != 0 {
			t.Errorf("%s discovery = %q (published %v), want empty", obj, p, ok)
		}
		if _, ok := c.subscribed["rgbw-ctrl/desk_lamp/"+obj+"/set"]; ok {
			t.Errorf("%s command topic still subscribed", obj)
		}
	}
	if len(c.unsubscribed) != 4 {
		t.Errorf("unsubscribed %v, want 4 topics", c.unsubscribed)
	}
	if p, ok := c.lastPublished("homeassistant/light/desk_lamp/rgbw/config"); !ok || len(p) == 0 {
		t.Error("rgbw discovery not published")
	}
}

func TestModeOffRemovesEverything(t *testing.T) {
	b, c, reg := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationRGBW, Names: [state.ChannelCount]string{"all"}})
	b.online()
	c.reset()

	if _, err := reg.SetIntegration(state.IntegrationSettings{Mode: state.IntegrationOff}); err != nil {
		t.Fatal(err)
	}
	if p, ok := c.lastPublished("homeassistant/light/desk_lamp/rgbw/config"); !ok || len(p) != 0 {
		t.Errorf("rgbw discovery = %q, want empty", p)
	}
	if len(c.subscribed) != 0 {
		t.Errorf("still subscribed to %d topics", len(c.subscribed))
	}
}

func TestCommandFlowsThroughRouter(t *testing.T) {
	b, c, reg := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationMulti, Names: [state.ChannelCount]string{"r", "g", "b", "w"}})
	b.online()

	if err := b.handleCommand("green", []byte(`{"state":"ON","brightness":128}`)); err != nil {
		t.Fatal(err)
	}
	got := reg.Output().Channels[state.Green]
	if !got.On || got.Value != 128 {
		t.Errorf("green = %+v, want on at 128", got)
	}

	// The output event publishes the new state back.
	p, ok := c.lastPublished("rgbw-ctrl/desk_lamp/green")
	if !ok {
		t.Fatal("green state not published")
	}
	var ls lightState
	if err := json.Unmarshal(p, &ls); err != nil {
		t.Fatal(err)
	}
	if ls.State != "ON" || ls.Brightness != 128 {
		t.Errorf("published state = %+v", ls)
	}
}

func TestConcurrentCommandsKeepOtherLights(t *testing.T) {
	b, _, reg := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationMulti, Names: [state.ChannelCount]string{"r", "g", "b", "w"}})
	b.online()

	for round := range 20 {
		reg.SetOutput(state.Output{})
		var wg sync.WaitGroup
		for i := range state.ChannelCount {
			wg.Add(1)
			go func() {
				defer wg.Done()
				payload := fmt.Sprintf(`{"state":"ON","brightness":%d}`, 10*(i+1))
				if err := b.handleCommand(state.ChannelName(i), []byte(payload)); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		for i, c := range reg.Output().Channels {
			if !c.On || c.Value != uint8(10*(i+1)) {
				t.Fatalf("round %d: %s = %+v, want on at %d", round, state.ChannelName(i), c, 10*(i+1))
			}
		}
	}
}

func TestCommandErrors(t *testing.T) {
	b, _, _ := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationRGBW, Names: [state.ChannelCount]string{"all"}})
	b.online()

	if err := b.handleCommand("red", []byte(`{"state":"ON"}`)); !errors.Is(err, router.ErrUnknownCommand) {
		t.Errorf("unknown light err = %v, want ErrUnknownCommand", err)
	}
	if err := b.handleCommand("rgbw", []byte(`{`)); !errors.Is(err, router.ErrMalformedPayload) {
		t.Errorf("bad json err = %v, want ErrMalformedPayload", err)
	}
}

func TestUnchangedStateNotRepublished(t *testing.T) {
	b, c, reg := newTestBridge(t, state.IntegrationSettings{Mode: state.IntegrationMulti, Names: [state.ChannelCount]string{"r", "g", "b", "w"}})
	b.online()
	c.reset()

	reg.SetChannelValue(state.Red, 40)
	c.mu.Lock()
	n := len(c.published)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("published %d messages, want 1 (red only)", n)
	}
}

func TestStopPublishesOffline(t *testing.T) {
	b, c, _ := newTestBridge(t, state.IntegrationSettings{})
	b.Stop()
	if p, ok := c.lastPublished("rgbw-ctrl/desk_lamp/availability"); !ok || string(p) != "offline" {
		t.Errorf("availability = %q, want offline", p)
	}
	if !c.disconnected {
		t.Error("client not disconnected")
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}
