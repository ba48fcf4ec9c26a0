// Package socketcan is a SocketCAN driver for linux hosts, wrapping
// brutella/can. Adding a custom driver is possible by implementing the
// Bus interface of the root package.
package socketcan

import (
	can "github.com/brutella/can"
	gomotor "github.com/servoworks/gomotor"
	log "github.com/sirupsen/logrus"
)

func init() {
	gomotor.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *can.Bus
	rxCallback gomotor.FrameListener
}

func NewSocketCanBus(name string) (gomotor.Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		// ConnectAndPublish only returns on a fatal loss of the interface
		err := socketcan.bus.ConnectAndPublish()
		if err == nil {
			return
		}
		log.Errorf("[SOCKETCAN] receive loop stopped : %v", err)
		if detachHandler, ok := socketcan.rxCallback.(gomotor.DetachListener); ok {
			detachHandler.HandleDetach(err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame gomotor.Frame) error {
	return socketcan.bus.Publish(
		can.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback gomotor.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame can.Frame) {
	// Convert brutella frame to gomotor frame
	socketcan.rxCallback.Handle(gomotor.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}
