package router

import (
	"fmt"

	"rgbw-ctrl/internal/state"
)

// BrightnessStep is the per-press change of a radio brightness command.
const BrightnessStep = 16

// Command is a typed request built by an adapter. The concrete types in this
// file are the only implementations.
type Command interface {
	apply(r *Router) (Effect, error)
}

// SetOutput replaces the whole output.
type SetOutput struct{ Output state.Output }

// SetColor sets the channels marked in Present; the others keep their value.
// Each touched channel is on iff its value is non-zero.
type SetColor struct {
	Values  [state.ChannelCount]uint8
	Present [state.ChannelCount]bool
}

// MergeOutput derives the next output from the current one while the output
// is locked, so a concurrent writer cannot slip in between read and write.
// An error from Fn leaves the output untouched.
type MergeOutput struct {
	Fn func(state.Output) (state.Output, error)
}

// SetChannel replaces a single channel.
type SetChannel struct {
	Index   int
	Channel state.Channel
}

// SetBrightness sets every channel to Value.
type SetBrightness struct{ Value uint8 }

type ToggleChannel struct{ Index int }
type ToggleAll struct{}
type TurnOnAll struct{}
type TurnOffAll struct{}

// StepBrightness adds Delta to every channel value.
type StepBrightness struct{ Delta int }

type SetDeviceName struct{ Name string }
type SetCredentials struct{ Credentials state.Credentials }
type SetIntegration struct{ Settings state.IntegrationSettings }
type SetPeers struct{ Peers state.PeerList }

// SetBle starts or stops the GATT server after the reply is flushed.
type SetBle struct{ Enabled bool }

// ConnectWiFi joins a network after the reply is flushed.
type ConnectWiFi struct{ Credentials state.WiFiCredentials }

type ScanWiFi struct{}
type Restart struct{}

// FactoryReset wipes persisted state and restarts.
type FactoryReset struct{}

func outputEffect(changed bool) Effect {
	if changed {
		return Effect{Changed: state.EntityOutput}
	}
	return Effect{}
}

func persistedEffect(e state.Entity, changed bool, err error) (Effect, error) {
	if err != nil {
		return Effect{}, err
	}
	if changed {
		return Effect{Changed: e}, nil
	}
	return Effect{}, nil
}

func checkIndex(i int) error {
	if i < 0 || i >= state.ChannelCount {
		return fmt.Errorf("%w: channel %d", ErrInvalidValue, i)
	}
	return nil
}

func (c SetOutput) apply(r *Router) (Effect, error) {
	return outputEffect(r.reg.SetOutput(c.Output)), nil
}

func (c SetColor) apply(r *Router) (Effect, error) {
	return outputEffect(r.reg.UpdateOutput(func(o *state.Output) {
		for i, ok := range c.Present {
			if ok {
				o.Channels[i] = state.Channel{On: c.Values[i] > 0, Value: c.Values[i]}
			}
		}
	})), nil
}

func (c MergeOutput) apply(r *Router) (Effect, error) {
	var err error
	changed := r.reg.UpdateOutput(func(o *state.Output) {
		next, ferr := c.Fn(*o)
		if ferr != nil {
			err = ferr
			return
		}
		*o = next
	})
	if err != nil {
		return Effect{}, err
	}
	return outputEffect(changed), nil
}

func (c SetChannel) apply(r *Router) (Effect, error) {
	if err := checkIndex(c.Index); err != nil {
		return Effect{}, err
	}
	return outputEffect(r.reg.SetChannel(c.Index, c.Channel)), nil
}

func (c SetBrightness) apply(r *Router) (Effect, error) {
	return outputEffect(r.reg.SetAll(c.Value)), nil
}

func (c ToggleChannel) apply(r *Router) (Effect, error) {
	if err := checkIndex(c.Index); err != nil {
		return Effect{}, err
	}
	return outputEffect(r.reg.ToggleChannel(c.Index)), nil
}

func (ToggleAll) apply(r *Router) (Effect, error)  { return outputEffect(r.reg.ToggleAll()), nil }
func (TurnOnAll) apply(r *Router) (Effect, error)  { return outputEffect(r.reg.TurnOnAll()), nil }
func (TurnOffAll) apply(r *Router) (Effect, error) { return outputEffect(r.reg.TurnOffAll()), nil }

func (c StepBrightness) apply(r *Router) (Effect, error) {
	return outputEffect(r.reg.StepBrightness(c.Delta)), nil
}

func (c SetDeviceName) apply(r *Router) (Effect, error) {
	changed, err := r.reg.SetDeviceName(c.Name)
	return persistedEffect(state.EntityIdentity, changed, err)
}

func (c SetCredentials) apply(r *Router) (Effect, error) {
	changed, err := r.reg.SetCredentials(c.Credentials)
	return persistedEffect(state.EntityCredentials, changed, err)
}

func (c SetIntegration) apply(r *Router) (Effect, error) {
	changed, err := r.reg.SetIntegration(c.Settings)
	return persistedEffect(state.EntityIntegration, changed, err)
}

func (c SetPeers) apply(r *Router) (Effect, error) {
	changed, err := r.reg.SetPeers(c.Peers)
	return persistedEffect(state.EntityPeers, changed, err)
}

func (c SetBle) apply(r *Router) (Effect, error) {
	if c.Enabled {
		return r.schedule(Action{Kind: ActionStartBLE})
	}
	return r.schedule(Action{Kind: ActionStopBLE})
}

func (c ConnectWiFi) apply(r *Router) (Effect, error) {
	if c.Credentials.SSID == "" {
		return Effect{}, fmt.Errorf("%w: empty ssid", ErrInvalidValue)
	}
	return r.schedule(Action{Kind: ActionConnectWiFi, WiFi: c.Credentials})
}

func (ScanWiFi) apply(r *Router) (Effect, error)     { return r.schedule(Action{Kind: ActionScanWiFi}) }
func (Restart) apply(r *Router) (Effect, error)      { return r.schedule(Action{Kind: ActionRestart}) }
func (FactoryReset) apply(r *Router) (Effect, error) { return r.schedule(Action{Kind: ActionFactoryReset}) }
