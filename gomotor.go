// Package gomotor is a pure golang SDK for driving CAN bus motor actuators.
// It provides the CAN primitives, the hardware transport and the interface
// registry. The protocol codec, the per-motor supervisor and the motor
// registry live in pkg/.
package gomotor

import (
	"fmt"
)

const FrameFlagExtended uint8 = 0x80

// A CAN frame, payload is always 8 bytes on this bus
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// Optional extension of FrameListener. Bus implementations that can detect
// a fatal loss of the underlying channel check whether the subscribed
// listener also implements DetachListener and report the cause.
type DetachListener interface {
	HandleDetach(err error)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Register a new CAN bus interface type
// This should be called inside an init() function of the driver plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, einride, virtual
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
