//go:build linux

// Package einride is an alternative SocketCAN driver built on
// go.einride.tech/can. It does not need the interface to be brought up by
// brutella/can and supports extended frames natively.
package einride

import (
	"context"
	"net"
	"sync"

	gomotor "github.com/servoworks/gomotor"
	log "github.com/sirupsen/logrus"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

func init() {
	gomotor.RegisterInterface("einride", NewEinrideBus)
}

type EinrideBus struct {
	channel    string
	conn       net.Conn
	tx         *socketcan.Transmitter
	rx         *socketcan.Receiver
	rxCallback gomotor.FrameListener
	wg         sync.WaitGroup
	closing    bool
	mu         sync.Mutex
}

func NewEinrideBus(channel string) (gomotor.Bus, error) {
	return &EinrideBus{channel: channel}, nil
}

// "Connect" implementation of Bus interface
func (bus *EinrideBus) Connect(...any) error {
	conn, err := socketcan.DialContext(context.Background(), "can", bus.channel)
	if err != nil {
		return err
	}
	bus.conn = conn
	bus.tx = socketcan.NewTransmitter(conn)
	bus.rx = socketcan.NewReceiver(conn)
	bus.wg.Add(1)
	go bus.handleReception()
	return nil
}

// "Disconnect" implementation of Bus interface
func (bus *EinrideBus) Disconnect() error {
	bus.mu.Lock()
	bus.closing = true
	bus.mu.Unlock()
	var err error
	if bus.conn != nil {
		err = bus.conn.Close()
	}
	bus.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (bus *EinrideBus) Send(frame gomotor.Frame) error {
	txFrame := can.Frame{
		ID:         frame.ID,
		Length:     frame.DLC,
		IsExtended: frame.Flags&gomotor.FrameFlagExtended != 0,
	}
	copy(txFrame.Data[:], frame.Data[:])
	return bus.tx.TransmitFrame(context.Background(), txFrame)
}

// "Subscribe" implementation of Bus interface
func (bus *EinrideBus) Subscribe(rxCallback gomotor.FrameListener) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.rxCallback = rxCallback
	return nil
}

func (bus *EinrideBus) handleReception() {
	defer bus.wg.Done()
	for bus.rx.Receive() {
		rxFrame := bus.rx.Frame()
		bus.mu.Lock()
		rxCallback := bus.rxCallback
		bus.mu.Unlock()
		if rxCallback == nil {
			continue
		}
		frame := gomotor.Frame{ID: rxFrame.ID, DLC: rxFrame.Length}
		if rxFrame.IsExtended {
			frame.Flags |= gomotor.FrameFlagExtended
		}
		copy(frame.Data[:], rxFrame.Data[:])
		rxCallback.Handle(frame)
	}
	// Receive returned false, either orderly close or fatal loss
	bus.mu.Lock()
	closing := bus.closing
	rxCallback := bus.rxCallback
	bus.mu.Unlock()
	if closing {
		return
	}
	err := bus.rx.Err()
	log.Errorf("[EINRIDE] receive loop stopped : %v", err)
	if detachHandler, ok := rxCallback.(gomotor.DetachListener); ok {
		detachHandler.HandleDetach(err)
	}
}
