package node

import "github.com/mklimuk/sensornode/scheduler"

// Event bits posted to the node scheduler.
const (
	EventTimerComp0        scheduler.Event = 0x001
	EventTimerComp1        scheduler.Event = 0x002
	EventTimerUnderflow    scheduler.Event = 0x004
	EventButtonOdd         scheduler.Event = 0x008
	EventButtonEven        scheduler.Event = 0x010
	EventSi7021Humidity    scheduler.Event = 0x020
	EventSi7021Temperature scheduler.Event = 0x080
	EventSHTC3Read         scheduler.Event = 0x100
)

// Button identifies one of the two push buttons.
type Button int

const (
	// ButtonEven sits on an even pin and moves the user reservation shallower.
	ButtonEven Button = iota
	// ButtonOdd sits on an odd pin and moves the user reservation deeper.
	ButtonOdd
)

func (b Button) event() scheduler.Event {
	if b == ButtonOdd {
		return EventButtonOdd
	}
	return EventButtonEven
}

func (b Button) String() string {
	if b == ButtonOdd {
		return "odd"
	}
	return "even"
}
