// Package router decodes, validates and applies commands from every transport.
//
// Binary frames are decoded with the protocol package and mapped to typed
// commands; adapters that already hold typed values (REST, MQTT, Lua) call
// Apply directly. State changes are applied to the registry synchronously.
// Side effects that would cut the delivering link (restart, BLE stop, WiFi
// reconfiguration) are only scheduled and run later by a Deferrer.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/state"
)

var (
	ErrUnknownCommand   = protocol.ErrUnknownCommand
	ErrMalformedPayload = protocol.ErrMalformedPayload
	ErrInvalidValue     = state.ErrInvalidValue
	ErrPersistence      = state.ErrPersistence
	// ErrUnauthorizedPeer is returned by the radio adapter for senders outside
	// the allow-list; such packets never reach the router.
	ErrUnauthorizedPeer = errors.New("unauthorized peer")
)

// DefaultActionDelay is the minimum time between accepting a command with a
// side effect and running it.
const DefaultActionDelay = 500 * time.Millisecond

// Origin names the transport a command arrived on.
type Origin uint8

const (
	OriginBLE Origin = iota
	OriginHTTP
	OriginWebSocket
	OriginRadio
	OriginMQTT
	OriginAutomation
)

func (o Origin) String() string {
	switch o {
	case OriginBLE:
		return "ble"
	case OriginHTTP:
		return "http"
	case OriginWebSocket:
		return "websocket"
	case OriginRadio:
		return "radio"
	case OriginMQTT:
		return "mqtt"
	case OriginAutomation:
		return "automation"
	}
	return fmt.Sprintf("Origin(%d)", uint8(o))
}

// Effect describes what a command did.
type Effect struct {
	// Changed is the set of entities whose value changed.
	Changed state.Entity
	// Deferred is the side effect scheduled by the command, if any.
	Deferred ActionKind
}

// Scheduler queues deferred actions.
type Scheduler interface {
	Schedule(a Action, delay time.Duration) error
}

// Router applies commands to the registry.
type Router struct {
	reg    *state.Registry
	sched  Scheduler
	delay  time.Duration
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l.With("component", "router") }
}

// WithActionDelay sets the delay before deferred actions run.
func WithActionDelay(d time.Duration) Option {
	return func(r *Router) { r.delay = d }
}

// New creates a router. sched may be nil, in which case commands with side
// effects fail.
func New(reg *state.Registry, sched Scheduler, opts ...Option) *Router {
	r := &Router{
		reg:    reg,
		sched:  sched,
		delay:  DefaultActionDelay,
		logger: slog.Default().With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry commands are applied to.
func (r *Router) Registry() *state.Registry { return r.reg }

// Dispatch decodes and applies a raw frame. For OriginRadio raw is the
// one-byte radio payload; for every other origin byte 0 is the message type.
func (r *Router) Dispatch(origin Origin, raw []byte) (Effect, error) {
	if origin == OriginRadio {
		t, err := protocol.DecodeRadio(raw)
		if err != nil {
			r.logger.Debug("radio frame rejected", "err", err)
			return Effect{}, err
		}
		return r.Apply(origin, RadioCommand(t))
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Debug("frame rejected", "origin", origin, "err", err)
		return Effect{}, err
	}
	return r.apply(origin, msg)
}

// DispatchPayload applies a payload whose message type is carried out of
// band, as with BLE characteristics.
func (r *Router) DispatchPayload(origin Origin, t protocol.MessageType, payload []byte) (Effect, error) {
	msg, err := protocol.DecodePayload(t, payload)
	if err != nil {
		r.logger.Debug("payload rejected", "origin", origin, "type", t, "err", err)
		return Effect{}, err
	}
	return r.apply(origin, msg)
}

func (r *Router) apply(origin Origin, msg protocol.Message) (Effect, error) {
	cmd := MessageCommand(msg)
	if cmd == nil {
		r.logger.Debug("read-only message ignored", "origin", origin, "type", msg.Type())
		return Effect{}, nil
	}
	return r.Apply(origin, cmd)
}

// Apply runs a typed command. A panic inside the command is recovered and
// returned as an error.
func (r *Router) Apply(origin Origin, cmd Command) (eff Effect, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command panicked", "origin", origin, "command", fmt.Sprintf("%T", cmd), "panic", p)
			eff, err = Effect{}, fmt.Errorf("command %T: panic: %v", cmd, p)
		}
	}()
	eff, err = cmd.apply(r)
	if err != nil {
		r.logger.Warn("command failed", "origin", origin, "command", fmt.Sprintf("%T", cmd), "err", err)
		return Effect{}, err
	}
	if eff.Changed != 0 || eff.Deferred != ActionNone {
		r.logger.Debug("command applied", "origin", origin, "command", fmt.Sprintf("%T", cmd), "deferred", eff.Deferred)
	}
	return eff, nil
}

func (r *Router) schedule(a Action) (Effect, error) {
	if r.sched == nil {
		return Effect{}, fmt.Errorf("schedule %s: no scheduler", a.Kind)
	}
	if err := r.sched.Schedule(a, r.delay); err != nil {
		return Effect{}, fmt.Errorf("schedule %s: %w", a.Kind, err)
	}
	return Effect{Deferred: a.Kind}, nil
}

// MessageCommand maps an inbound message to its command. Read-only types
// (heap, firmware version, WiFi details, OTA progress) map to nil.
func MessageCommand(msg protocol.Message) Command {
	switch m := msg.(type) {
	case protocol.DeviceName:
		return SetDeviceName{Name: m.Name}
	case protocol.Color:
		return SetOutput{Output: m.Output}
	case protocol.HTTPCredentials:
		return SetCredentials{Credentials: m.Credentials}
	case protocol.BleStatus:
		return SetBle{Enabled: m.Status == state.BleAdvertising}
	case protocol.WiFiConnect:
		return ConnectWiFi{Credentials: m.Credentials}
	case protocol.WiFiScanRequest:
		return ScanWiFi{}
	case protocol.IntegrationSettings:
		return SetIntegration{Settings: m.Settings}
	case protocol.PeerList:
		return SetPeers{Peers: m.Peers}
	}
	return nil
}

// RadioCommand maps a radio command to its output command.
func RadioCommand(t protocol.RadioType) Command {
	switch t {
	case protocol.RadioToggleRed:
		return ToggleChannel{Index: state.Red}
	case protocol.RadioToggleGreen:
		return ToggleChannel{Index: state.Green}
	case protocol.RadioToggleBlue:
		return ToggleChannel{Index: state.Blue}
	case protocol.RadioToggleWhite:
		return ToggleChannel{Index: state.White}
	case protocol.RadioToggleAll:
		return ToggleAll{}
	case protocol.RadioTurnOffAll:
		return TurnOffAll{}
	case protocol.RadioTurnOnAll:
		return TurnOnAll{}
	case protocol.RadioIncreaseBrightness:
		return StepBrightness{Delta: BrightnessStep}
	case protocol.RadioDecreaseBrightness:
		return StepBrightness{Delta: -BrightnessStep}
	}
	return nil
}
