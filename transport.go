package gomotor

import (
	"fmt"
	"sync"

	"github.com/servoworks/gomotor/internal/fifo"
	log "github.com/sirupsen/logrus"
)

const rxQueueSize = 128

type rxEvent struct {
	frame  Frame
	detach error
}

// Transport is a wrapper around the CAN bus interface.
// It serializes outbound writes so that commands are delivered to the bus in
// call order, and runs exactly one background worker that forwards received
// frames to the registered sink. Decoding is the sink's responsibility.
type Transport struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	bus       Bus
	sink      FrameListener
	connected bool
	rxQueue   *fifo.Fifo[rxEvent]
	rxNotify  chan struct{}
	rxDropped uint32
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewTransport(bus Bus) *Transport {
	return &Transport{
		bus:      bus,
		rxQueue:  fifo.NewFifo[rxEvent](rxQueueSize),
		rxNotify: make(chan struct{}, 1),
	}
}

// Register the sink that receives all inbound frames.
// If the sink also implements DetachListener it is notified of a fatal loss
// of the bus. Should be called before Connect.
func (t *Transport) RegisterFrameSink(sink FrameListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Connects to the CAN bus and starts the receive worker.
// Either a custom Bus was given at creation, or an interface name, channel
// and bitrate are expected, e.g. Connect("socketcan", "can0", 1000000).
func (t *Transport) Connect(args ...any) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	stop := t.stopChan
	t.stopChan = nil
	t.mu.Unlock()
	// A worker left over from a fatal detach is joined before reconnecting
	if stop != nil {
		close(stop)
		t.wg.Wait()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rxQueue.Reset()
	select {
	case <-t.rxNotify:
	default:
	}
	if t.bus == nil {
		if len(args) < 3 {
			return fmt.Errorf("%w : either provide custom backend, or provide interface, channel and bitrate", ErrConnectFailed)
		}
		canInterface, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("%w : expecting string for interface got : %v", ErrConnectFailed, args[0])
		}
		channel, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("%w : expecting string for channel got : %v", ErrConnectFailed, args[1])
		}
		bitrate, ok := args[2].(int)
		if !ok {
			return fmt.Errorf("%w : expecting int for bitrate got : %v", ErrConnectFailed, args[2])
		}
		bus, err := NewBus(canInterface, channel, bitrate)
		if err != nil {
			return fmt.Errorf("%w : %v", ErrConnectFailed, err)
		}
		t.bus = bus
	}
	err := t.bus.Connect(args...)
	if err != nil {
		return fmt.Errorf("%w : %v", ErrConnectFailed, err)
	}
	err = t.bus.Subscribe(t)
	if err != nil {
		t.bus.Disconnect()
		return fmt.Errorf("%w : %v", ErrConnectFailed, err)
	}
	t.stopChan = make(chan struct{})
	t.connected = true
	t.wg.Add(1)
	go t.handleReception(t.stopChan)
	log.Info("[CAN] transport connected")
	return nil
}

// Disconnects from the CAN bus. The receive worker is stopped and joined
// before the bus is released, no sink callback fires after this returns.
// The teardown is keyed on the worker lifecycle, not on the connection flag,
// so it also joins a worker surviving a fatal detach. Calling twice has no
// additional effect.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	stop := t.stopChan
	if stop == nil {
		t.mu.Unlock()
		return nil
	}
	t.stopChan = nil
	t.connected = false
	t.mu.Unlock()
	close(stop)
	t.wg.Wait()
	err := t.bus.Disconnect()
	log.Info("[CAN] transport disconnected")
	return err
}

// Send a frame on the bus. Writes across all callers are serialized so that
// frames for the same motor leave in call order.
func (t *Transport) Send(frame Frame) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	if !t.Connected() {
		return ErrNotConnected
	}
	err := t.bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
	}
	return err
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Number of inbound frames dropped because the receive queue was full
func (t *Transport) Dropped() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rxDropped
}

// Implements the FrameListener interface, called by the bus driver.
// Frames are queued for the receive worker, a full queue drops the frame.
func (t *Transport) Handle(frame Frame) {
	t.push(rxEvent{frame: frame})
}

// Implements the DetachListener interface, called by the bus driver on a
// fatal loss of the channel. The transport transitions to disconnected and
// the detach event is forwarded to the sink from the receive worker.
func (t *Transport) HandleDetach(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	log.Errorf("[CAN] bus detached : %v", err)
	t.push(rxEvent{detach: fmt.Errorf("%w : %v", ErrDetached, err)})
}

func (t *Transport) push(ev rxEvent) {
	t.mu.Lock()
	ok := t.rxQueue.Push(ev)
	if !ok {
		t.rxDropped++
	}
	t.mu.Unlock()
	if ok {
		select {
		case t.rxNotify <- struct{}{}:
		default:
		}
	}
}

func (t *Transport) pop() (rxEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rxQueue.Pop()
}

// Receive worker, the only path that invokes the sink
func (t *Transport) handleReception(stop chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-t.rxNotify:
			for {
				ev, ok := t.pop()
				if !ok {
					break
				}
				select {
				case <-stop:
					return
				default:
				}
				t.dispatch(ev)
			}
		}
	}
}

func (t *Transport) dispatch(ev rxEvent) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return
	}
	if ev.detach != nil {
		if detachSink, ok := sink.(DetachListener); ok {
			detachSink.HandleDetach(ev.detach)
		}
		return
	}
	sink.Handle(ev.frame)
}
