// Package network manages the set of motors attached to one CAN bus.
// A Network owns the transport, routes inbound frames to the owning motor
// controller, performs bus scans and runs the periodic heartbeat
// supervision.
package network

import (
	"sort"
	"sync"
	"time"

	gomotor "github.com/servoworks/gomotor"
	"github.com/servoworks/gomotor/pkg/motor"
	"github.com/servoworks/gomotor/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Supervision tick of the heartbeat evaluation loop. A motor transitions to
// fault no later than its heartbeat timeout plus one tick.
const processPeriod = 50 * time.Millisecond

// A Network is the main object of this package.
// It should be created before doing anything else.
type Network struct {
	*gomotor.Transport
	mu               sync.Mutex
	motors           map[uint8]*motor.Controller
	heartbeatTimeout time.Duration
	freshnessWindow  time.Duration
	scanActive       bool
	scanIds          map[uint8]struct{}
	unknownDropped   uint64
	decodeErrors     uint64
	wgProcess        sync.WaitGroup
	stopProcess      chan struct{}
	running          bool
}

// Create a new Network using the given CAN bus.
// Passing nil expects interface, channel and bitrate on Connect.
func NewNetwork(bus gomotor.Bus) Network {
	return Network{
		Transport:        gomotor.NewTransport(bus),
		motors:           map[uint8]*motor.Controller{},
		heartbeatTimeout: motor.DefaultHeartbeatTimeout,
		freshnessWindow:  motor.DefaultFreshnessWindow,
	}
}

// Heartbeat timeout applied to motors added after this call
func (network *Network) SetHeartbeatTimeout(timeout time.Duration) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.heartbeatTimeout = timeout
}

// Freshness window applied to motors added after this call
func (network *Network) SetFreshnessWindow(window time.Duration) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.freshnessWindow = window
}

// Connects to the CAN bus and starts the supervision loop.
// This should be called before anything else, e.g.
//
//	network.Connect("socketcan", "can0", 1000000)
//	network.Connect("virtual", "bus0", 0)
func (network *Network) Connect(args ...any) error {
	network.RegisterFrameSink(network)
	err := network.Transport.Connect(args...)
	if err != nil {
		return err
	}
	network.mu.Lock()
	defer network.mu.Unlock()
	if network.running {
		return nil
	}
	network.running = true
	network.stopProcess = make(chan struct{})
	network.wgProcess.Add(1)
	go network.process(network.stopProcess)
	return nil
}

// Disconnects from the CAN bus and stops the supervision loop.
// No motor callback fires after this returns.
func (network *Network) Disconnect() {
	network.mu.Lock()
	if network.running {
		network.running = false
		close(network.stopProcess)
	}
	network.mu.Unlock()
	network.wgProcess.Wait()
	network.Transport.Disconnect()
}

// Periodic heartbeat supervision of all registered motors
func (network *Network) process(stop chan struct{}) {
	defer network.wgProcess.Done()
	ticker := time.NewTicker(processPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			network.mu.Lock()
			controllers := make([]*motor.Controller, 0, len(network.motors))
			for _, controller := range network.motors {
				controllers = append(controllers, controller)
			}
			network.mu.Unlock()
			for _, controller := range controllers {
				controller.Process(now)
			}
		}
	}
}

// Add a motor with the default safety limits
func (network *Network) AddMotor(motorId uint8) (*motor.Controller, error) {
	return network.AddMotorWithLimits(motorId, motor.DefaultSafetyLimits())
}

// Add a motor with an explicit safety envelope
func (network *Network) AddMotorWithLimits(motorId uint8, limits motor.SafetyLimits) (*motor.Controller, error) {
	network.mu.Lock()
	defer network.mu.Unlock()
	if _, ok := network.motors[motorId]; ok {
		return nil, gomotor.ErrIdConflict
	}
	controller, err := motor.NewController(motorId, network.Transport, limits)
	if err != nil {
		return nil, err
	}
	controller.SetHeartbeatTimeout(network.heartbeatTimeout)
	controller.SetFreshnessWindow(network.freshnessWindow)
	network.motors[motorId] = controller
	log.Infof("[NETWORK][x%x] added motor", motorId)
	return controller, nil
}

// Remove a motor, all its callbacks are unregistered and heartbeat tracking
// stops
func (network *Network) RemoveMotor(motorId uint8) {
	network.mu.Lock()
	defer network.mu.Unlock()
	controller, ok := network.motors[motorId]
	if !ok {
		return
	}
	controller.RemoveAllCallbacks()
	delete(network.motors, motorId)
	log.Infof("[NETWORK][x%x] removed motor", motorId)
}

// Get the controller of a registered motor
func (network *Network) Motor(motorId uint8) (*motor.Controller, bool) {
	network.mu.Lock()
	defer network.mu.Unlock()
	controller, ok := network.motors[motorId]
	return controller, ok
}

// Ids of all registered motors, sorted
func (network *Network) MotorIds() []uint8 {
	network.mu.Lock()
	defer network.mu.Unlock()
	ids := make([]uint8, 0, len(network.motors))
	for id := range network.motors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast an id query and collect responding motor ids until the timeout
// elapses. A timeout shorter than the devices need returns a subset, not an
// error.
func (network *Network) Scan(timeout time.Duration) ([]uint8, error) {
	network.mu.Lock()
	network.scanIds = map[uint8]struct{}{}
	network.scanActive = true
	network.mu.Unlock()
	defer func() {
		network.mu.Lock()
		network.scanActive = false
		network.mu.Unlock()
	}()
	err := network.Send(protocol.EncodeQueryId())
	if err != nil {
		return nil, err
	}
	time.Sleep(timeout)
	network.mu.Lock()
	ids := make([]uint8, 0, len(network.scanIds))
	for id := range network.scanIds {
		ids = append(ids, id)
	}
	network.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	log.Infof("[SCAN] detected motors : %v", ids)
	return ids, nil
}

// Send a safe stop to every registered motor
func (network *Network) StopAll() {
	network.mu.Lock()
	controllers := make([]*motor.Controller, 0, len(network.motors))
	for _, controller := range network.motors {
		controllers = append(controllers, controller)
	}
	network.mu.Unlock()
	for _, controller := range controllers {
		if err := controller.Stop(); err != nil {
			log.Warnf("[NETWORK][x%x] stop failed : %v", controller.Id(), err)
		}
	}
}

// Point in time snapshot of all cached motor statuses, not cross motor
// synchronized
func (network *Network) AllStatus() map[uint8]motor.Status {
	network.mu.Lock()
	controllers := make([]*motor.Controller, 0, len(network.motors))
	for _, controller := range network.motors {
		controllers = append(controllers, controller)
	}
	network.mu.Unlock()
	statuses := make(map[uint8]motor.Status, len(controllers))
	for _, controller := range controllers {
		statuses[controller.Id()] = controller.Status()
	}
	return statuses
}

// Count of frames dropped because they addressed an unregistered motor
func (network *Network) UnknownDropped() uint64 {
	network.mu.Lock()
	defer network.mu.Unlock()
	return network.unknownDropped
}

// Count of inbound frames that failed to decode
func (network *Network) DecodeErrors() uint64 {
	network.mu.Lock()
	defer network.mu.Unlock()
	return network.decodeErrors
}

// Implements the FrameListener interface, sink of the transport receive
// worker. Feedback frames are decoded and routed to the owning controller,
// broadcast frames feed an active scan. Unknown ids and malformed frames
// are logged and dropped, never fatal.
func (network *Network) Handle(frame gomotor.Frame) {
	switch protocol.Function(frame.ID) {
	case protocol.FuncBroadcast:
		ids := protocol.DecodeIdQueryResponse(frame)
		network.mu.Lock()
		if network.scanActive {
			for _, id := range ids {
				network.scanIds[id] = struct{}{}
			}
		}
		network.mu.Unlock()
	case protocol.FuncFeedback:
		motorId := protocol.MotorId(frame.ID)
		network.mu.Lock()
		controller, ok := network.motors[motorId]
		if !ok {
			network.unknownDropped++
			network.mu.Unlock()
			log.Debugf("[NETWORK][x%x] dropping feedback for unknown motor", motorId)
			return
		}
		network.mu.Unlock()
		fb, err := protocol.DecodeFeedback(frame)
		if err != nil {
			network.mu.Lock()
			network.decodeErrors++
			network.mu.Unlock()
			log.Warnf("[NETWORK][x%x] dropping malformed feedback : %v", motorId, err)
			return
		}
		controller.Update(fb)
	default:
		// Own command echoes and unrelated traffic
	}
}

// Implements the DetachListener interface. A fatal loss of the bus faults
// every registered motor, further sends fail fast until a new Connect.
func (network *Network) HandleDetach(err error) {
	log.Errorf("[NETWORK] bus detached : %v", err)
	network.mu.Lock()
	controllers := make([]*motor.Controller, 0, len(network.motors))
	for _, controller := range network.motors {
		controllers = append(controllers, controller)
	}
	network.mu.Unlock()
	for _, controller := range controllers {
		controller.Fault(protocol.ErrorCommunicationLoss)
	}
}
