//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"rgbw-ctrl/internal/state"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/rgbw_ctrl_ab01ff/rgbw/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haLight is a JSON-schema light discovery payload.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	Device              haDevice `json:"device"`
}

// entity is one virtual light exposed to the voice assistant.
type entity struct {
	ObjectID  string
	Name      string
	Channels  []int
	ColorMode string // "rgbw", "rgb" or "brightness"
}

func (e entity) dimmable() bool { return e.ColorMode == "brightness" }

// entitiesFor lists the lights of the selected mode. Slots with an empty
// name are skipped.
func entitiesFor(s state.IntegrationSettings) []entity {
	var all []entity
	switch s.Mode {
	case state.IntegrationRGBW:
		all = []entity{{ObjectID: "rgbw", Name: s.Names[state.Red], Channels: []int{state.Red, state.Green, state.Blue, state.White}, ColorMode: "rgbw"}}
	case state.IntegrationRGB:
		all = []entity{
			{ObjectID: "rgb", Name: s.Names[state.Red], Channels: []int{state.Red, state.Green, state.Blue}, ColorMode: "rgb"},
			singleChannel(s, state.White),
		}
	case state.IntegrationMulti:
		for ch := range state.ChannelCount {
			all = append(all, singleChannel(s, ch))
		}
	}
	out := all[:0]
	for _, e := range all {
		if e.Name != "" {
			out = append(out, e)
		}
	}
	return out
}

func singleChannel(s state.IntegrationSettings, ch int) entity {
	return entity{ObjectID: state.ChannelName(ch), Name: s.Names[ch], Channels: []int{ch}, ColorMode: "brightness"}
}

// nodeID turns a device name into a topic-safe identifier.
func nodeID(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

// topics derives every topic of one bridge from its prefixes and node.
type topics struct {
	prefix    string
	discovery string
	node      string
}

func (t topics) availability() string    { return t.prefix + "/" + t.node + "/availability" }
func (t topics) state(e entity) string   { return t.prefix + "/" + t.node + "/" + e.ObjectID }
func (t topics) command(e entity) string { return t.state(e) + "/set" }
func (t topics) discoveryTopic(e entity) string {
	return fmt.Sprintf("%s/light/%s/%s/config", t.discovery, t.node, e.ObjectID)
}

func buildDiscovery(t topics, e entity, id state.Identity) discoveryMsg {
	payload := haLight{
		Name:                e.Name,
		UniqueID:            t.node + "_" + e.ObjectID,
		Schema:              "json",
		StateTopic:          t.state(e),
		CommandTopic:        t.command(e),
		AvailabilityTopic:   t.availability(),
		Brightness:          true,
		BrightnessScale:     255,
		SupportedColorModes: []string{e.ColorMode},
		Device: haDevice{
			Identifiers:  []string{t.node},
			Manufacturer: "rgbw-ctrl",
			Model:        "RGBW controller",
			SWVersion:    id.Firmware,
			Name:         id.Name,
		},
	}
	return discoveryMsg{Topic: t.discoveryTopic(e), Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove lights from HA.
func buildRemoveDiscovery(t topics, entities []entity) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		msgs = append(msgs, discoveryMsg{Topic: t.discoveryTopic(e)})
	}
	return msgs
}

type colorState struct {
	R uint8  `json:"r"`
	G uint8  `json:"g"`
	B uint8  `json:"b"`
	W *uint8 `json:"w,omitempty"`
}

type lightState struct {
	State      string      `json:"state"`
	Brightness uint8       `json:"brightness"`
	ColorMode  string      `json:"color_mode"`
	Color      *colorState `json:"color,omitempty"`
}

// stateOf reports how the light looks for output o. A color light is on when
// any of its channels is on and its brightness is the highest channel value.
func stateOf(e entity, o state.Output) lightState {
	ls := lightState{State: "OFF", ColorMode: e.ColorMode}
	for _, ch := range e.Channels {
		c := o.Channels[ch]
		if c.On {
			ls.State = "ON"
		}
		ls.Brightness = max(ls.Brightness, c.Value)
	}
	if e.dimmable() {
		return ls
	}
	ls.Color = &colorState{
		R: o.Channels[state.Red].Value,
		G: o.Channels[state.Green].Value,
		B: o.Channels[state.Blue].Value,
	}
	if e.ColorMode == "rgbw" {
		w := o.Channels[state.White].Value
		ls.Color.W = &w
	}
	return ls
}

// lightCommand is a JSON-schema command from HA.
type lightCommand struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness"`
	Color      *struct {
		R *int `json:"r"`
		G *int `json:"g"`
		B *int `json:"b"`
		W *int `json:"w"`
	} `json:"color"`
}

// applyCommand returns o with cmd applied to the channels of e. Brightness on
// a color light scales its channels so the brightest one reaches the
// requested level.
func applyCommand(e entity, cmd lightCommand, o state.Output) (state.Output, error) {
	on := true
	switch strings.ToUpper(cmd.State) {
	case "OFF":
		on = false
	case "ON", "":
	default:
		return o, fmt.Errorf("%w: state %q", state.ErrInvalidValue, cmd.State)
	}

	if cmd.Color != nil && !e.dimmable() {
		for i, v := range []*int{cmd.Color.R, cmd.Color.G, cmd.Color.B, cmd.Color.W} {
			if v != nil && i < len(e.Channels) {
				o.Channels[e.Channels[i]].Value = clampLevel(*v)
			}
		}
	}

	if cmd.Brightness != nil {
		level := clampLevel(*cmd.Brightness)
		var peak uint8
		for _, ch := range e.Channels {
			peak = max(peak, o.Channels[ch].Value)
		}
		for _, ch := range e.Channels {
			c := &o.Channels[ch]
			switch {
			case e.dimmable() || peak == 0:
				c.Value = level
			default:
				c.Value = uint8(int(c.Value) * int(level) / int(peak))
			}
		}
	}

	var peak uint8
	for _, ch := range e.Channels {
		peak = max(peak, o.Channels[ch].Value)
	}
	for _, ch := range e.Channels {
		c := &o.Channels[ch]
		c.On = on
		if on && peak == 0 {
			c.Value = state.DefaultOnValue
		}
	}
	return o, nil
}

func clampLevel(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
