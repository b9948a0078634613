package protocol

import "fmt"

// RadioType is the one-byte command sent by a paired remote.
type RadioType uint8

const (
	RadioToggleRed RadioType = iota
	RadioToggleGreen
	RadioToggleBlue
	RadioToggleWhite
	RadioToggleAll
	RadioTurnOffAll
	RadioTurnOnAll
	RadioIncreaseBrightness
	RadioDecreaseBrightness
	radioTypeCount
)

var radioNames = [radioTypeCount]string{
	"TOGGLE_RED",
	"TOGGLE_GREEN",
	"TOGGLE_BLUE",
	"TOGGLE_WHITE",
	"TOGGLE_ALL",
	"TURN_OFF_ALL",
	"TURN_ON_ALL",
	"INCREASE_BRIGHTNESS",
	"DECREASE_BRIGHTNESS",
}

func (t RadioType) String() string {
	if t < radioTypeCount {
		return radioNames[t]
	}
	return fmt.Sprintf("RadioType(%d)", uint8(t))
}

// RadioPayloadSize is the size of every radio command.
const RadioPayloadSize = 1

// DecodeRadio parses a radio payload.
func DecodeRadio(p []byte) (RadioType, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty radio payload", ErrMalformedPayload)
	}
	t := RadioType(p[0])
	if t >= radioTypeCount {
		return 0, fmt.Errorf("%w: radio type %d", ErrUnknownCommand, p[0])
	}
	if len(p) != RadioPayloadSize {
		return 0, fmt.Errorf("%w: radio payload is %d bytes, want %d", ErrMalformedPayload, len(p), RadioPayloadSize)
	}
	return t, nil
}
