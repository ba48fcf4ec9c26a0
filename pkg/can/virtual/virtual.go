// Package virtual implements an in memory CAN bus used for testing and
// simulation. Endpoints created with the same channel name share one broker,
// a frame sent on one endpoint is delivered to all others.
package virtual

import (
	"errors"
	"sync"

	gomotor "github.com/servoworks/gomotor"
)

func init() {
	gomotor.RegisterInterface("virtual", NewVirtualBus)
	gomotor.RegisterInterface("virtualcan", NewVirtualBus)
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*Broker)
)

// Broker links all endpoints of one virtual channel
type Broker struct {
	mu        sync.Mutex
	endpoints []*Bus
}

func NewBroker() *Broker {
	return &Broker{}
}

// Get or create the shared broker for a channel name
func brokerFor(channel string) *Broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	broker, ok := brokers[channel]
	if !ok {
		broker = NewBroker()
		brokers[channel] = broker
	}
	return broker
}

func (b *Broker) attach(endpoint *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep == endpoint {
			return
		}
	}
	b.endpoints = append(b.endpoints, endpoint)
}

func (b *Broker) detach(endpoint *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ep := range b.endpoints {
		if ep == endpoint {
			b.endpoints = append(b.endpoints[:i], b.endpoints[i+1:]...)
			return
		}
	}
}

func (b *Broker) dispatch(sender *Bus, frame gomotor.Frame) {
	b.mu.Lock()
	targets := make([]*Bus, len(b.endpoints))
	copy(targets, b.endpoints)
	b.mu.Unlock()
	for _, ep := range targets {
		if ep == sender && !ep.receiveOwn {
			continue
		}
		ep.deliver(frame)
	}
}

// Fail simulates a fatal loss of the bus, every endpoint is detached
// and notified
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	targets := make([]*Bus, len(b.endpoints))
	copy(targets, b.endpoints)
	b.endpoints = nil
	b.mu.Unlock()
	for _, ep := range targets {
		ep.Detach(err)
	}
}

// One endpoint on a virtual channel
type Bus struct {
	mu           sync.Mutex
	broker       *Broker
	framehandler gomotor.FrameListener
	receiveOwn   bool
	connected    bool
}

func NewVirtualBus(channel string) (gomotor.Bus, error) {
	return &Bus{broker: brokerFor(channel)}, nil
}

// Create an endpoint on an explicit broker, bypassing the channel registry
func NewBusOnBroker(broker *Broker) *Bus {
	return &Bus{broker: broker}
}

// "Connect" implementation of Bus interface
func (bus *Bus) Connect(...any) error {
	bus.mu.Lock()
	bus.connected = true
	bus.mu.Unlock()
	bus.broker.attach(bus)
	return nil
}

// "Disconnect" implementation of Bus interface
func (bus *Bus) Disconnect() error {
	bus.broker.detach(bus)
	bus.mu.Lock()
	bus.connected = false
	bus.mu.Unlock()
	return nil
}

// "Send" implementation of Bus interface
func (bus *Bus) Send(frame gomotor.Frame) error {
	bus.mu.Lock()
	connected := bus.connected
	bus.mu.Unlock()
	if !connected {
		return errors.New("no active connection, abort send")
	}
	bus.broker.dispatch(bus, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (bus *Bus) Subscribe(framehandler gomotor.FrameListener) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.framehandler = framehandler
	return nil
}

// Deliver own frames back to the subscriber as well
func (bus *Bus) SetReceiveOwn(receiveOwn bool) {
	bus.receiveOwn = receiveOwn
}

// Detach simulates a fatal channel loss for this endpoint only
func (bus *Bus) Detach(err error) {
	bus.broker.detach(bus)
	bus.mu.Lock()
	bus.connected = false
	framehandler := bus.framehandler
	bus.mu.Unlock()
	if detachHandler, ok := framehandler.(gomotor.DetachListener); ok {
		detachHandler.HandleDetach(err)
	}
}

func (bus *Bus) deliver(frame gomotor.Frame) {
	bus.mu.Lock()
	framehandler := bus.framehandler
	connected := bus.connected
	bus.mu.Unlock()
	if connected && framehandler != nil {
		framehandler.Handle(frame)
	}
}
