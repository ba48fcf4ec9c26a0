// Package motor implements the per motor supervisory state machine.
// A Controller validates commands against the configured safety envelope,
// tracks the command heartbeat and propagates decoded feedback to user
// callbacks. Commands go out through the transport, feedback comes in
// through the registry owning the controller.
package motor

import (
	"fmt"
	"sync"
	"time"

	gomotor "github.com/servoworks/gomotor"
	"github.com/servoworks/gomotor/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Supervisory states of one motor
type State uint8

const (
	StateUninitialized State = iota
	StateIdle
	StateActive
	StateFault
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateFault:
		return "FAULT"
	}
	return "UNKNOWN"
}

// Position control modes
type Mode uint8

const (
	ModeServo Mode = iota // servo position mode
	ModeForce             // force position hybrid mode
)

const (
	// The device needs this interval between two setting class commands
	SettingInterval = 500 * time.Millisecond
	// A motor not commanded within this window is considered faulted
	DefaultHeartbeatTimeout = 500 * time.Millisecond
	// Cached status older than this window is flagged stale
	DefaultFreshnessWindow = 1 * time.Second

	defaultKp = 50.0
	defaultKd = 5.0
)

// Safety envelope of one motor, checked before any command is encoded.
// Immutable after motor creation unless explicitly reconfigured.
type SafetyLimits struct {
	MinPosition float64 // deg
	MaxPosition float64 // deg
	MaxVelocity float64 // RPM
	MaxCurrent  float64 // A
	MaxTorque   float64 // Nm
}

func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MinPosition: -360.0,
		MaxPosition: 360.0,
		MaxVelocity: 1000.0,
		MaxCurrent:  10.0,
		MaxTorque:   5.0,
	}
}

// Snapshot of the cached motor telemetry
type Status struct {
	State       State
	Position    float64 // deg
	Velocity    float64 // RPM
	Current     float64 // A
	Torque      float64 // Nm
	Temperature float64 // degC
	Voltage     float64 // V
	StatusBits  uint16
	ErrorCode   protocol.ErrorCode
	LastUpdate  time.Time
	Stale       bool
}

type StatusCallback func(status Status)
type ErrorCallback func(code protocol.ErrorCode)

// Transmit capability needed by a controller, satisfied by *gomotor.Transport
type Sender interface {
	Send(frame gomotor.Frame) error
}

// Controller supervises a single motor id
type Controller struct {
	id               uint8
	transport        Sender
	mu               sync.Mutex
	state            State
	limits           SafetyLimits
	status           Status
	heartbeatTimeout time.Duration
	freshness        time.Duration
	lastCommand      time.Time
	lastSetting      time.Time
	statusCallbacks  map[string]StatusCallback
	errorCallbacks   map[string]ErrorCallback
}

func NewController(id uint8, transport Sender, limits SafetyLimits) (*Controller, error) {
	if !protocol.ValidMotorId(id) {
		return nil, fmt.Errorf("%w : motor id %v outside [%v,%v]",
			gomotor.ErrIllegalArgument, id, protocol.MotorIdMin, protocol.MotorIdMax)
	}
	if transport == nil {
		return nil, gomotor.ErrIllegalArgument
	}
	return &Controller{
		id:               id,
		transport:        transport,
		state:            StateIdle,
		limits:           limits,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		freshness:        DefaultFreshnessWindow,
		statusCallbacks:  make(map[string]StatusCallback),
		errorCallbacks:   make(map[string]ErrorCallback),
	}, nil
}

func (c *Controller) Id() uint8 {
	return c.id
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkHeartbeat(time.Now())
	return c.state
}

func (c *Controller) Limits() SafetyLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Explicitly reconfigure the safety envelope
func (c *Controller) SetLimits(limits SafetyLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = limits
}

func (c *Controller) SetHeartbeatTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatTimeout = timeout
}

func (c *Controller) SetFreshnessWindow(window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freshness = window
}

// Set the current mechanical position as the zero point.
// Setting class command, rejected if issued within the device processing
// interval of the previous one.
func (c *Controller) SetZero() error {
	c.mu.Lock()
	now := time.Now()
	if !c.lastSetting.IsZero() && now.Sub(c.lastSetting) < SettingInterval {
		c.mu.Unlock()
		return fmt.Errorf("%w : wait %v between setting commands", gomotor.ErrRateLimited, SettingInterval)
	}
	// The slot is reserved under the same lock as the check, a failed send
	// gives it back
	previous := c.lastSetting
	c.lastSetting = now
	c.mu.Unlock()
	frame, err := protocol.EncodeSetZero(c.id)
	if err == nil {
		err = c.transport.Send(frame)
	}
	if err != nil {
		c.mu.Lock()
		c.lastSetting = previous
		c.mu.Unlock()
		return err
	}
	log.Infof("[MOTOR][x%x] zero point set", c.id)
	return nil
}

// Command a target position. In ModeServo the velocity and current limits
// are part of the frame, in ModeForce default stiffness and damping gains
// are used with no feedforward. Parameters outside the safety envelope are
// refused, never clamped.
func (c *Controller) SetPosition(positionDeg float64, velocityLimitRpm float64, currentLimitA float64, mode Mode) error {
	if err := c.precheck(); err != nil {
		return err
	}
	if err := c.checkPosition(positionDeg); err != nil {
		return err
	}
	if err := c.checkVelocity(velocityLimitRpm); err != nil {
		return err
	}
	if err := c.checkCurrent(currentLimitA); err != nil {
		return err
	}
	var frame gomotor.Frame
	var err error
	switch mode {
	case ModeServo:
		frame, err = protocol.EncodeServoPosition(c.id, positionDeg, velocityLimitRpm, currentLimitA)
	case ModeForce:
		frame, err = protocol.EncodeForcePosition(c.id, positionDeg, 0, defaultKp, defaultKd, 0)
	default:
		return fmt.Errorf("%w : unsupported control mode %v", gomotor.ErrIllegalArgument, mode)
	}
	if err != nil {
		return err
	}
	return c.sendCommand(frame)
}

// Command a full force position hybrid target with explicit gains and
// feedforward velocity/torque
func (c *Controller) SetForcePosition(positionDeg float64, velocityRpm float64, kp float64, kd float64, torqueNm float64) error {
	if err := c.precheck(); err != nil {
		return err
	}
	if err := c.checkPosition(positionDeg); err != nil {
		return err
	}
	if err := c.checkVelocity(velocityRpm); err != nil {
		return err
	}
	if err := c.checkTorque(torqueNm); err != nil {
		return err
	}
	frame, err := protocol.EncodeForcePosition(c.id, positionDeg, velocityRpm, kp, kd, torqueNm)
	if err != nil {
		return err
	}
	return c.sendCommand(frame)
}

// Command a target velocity
func (c *Controller) SetVelocity(velocityRpm float64, currentLimitA float64) error {
	if err := c.precheck(); err != nil {
		return err
	}
	if err := c.checkVelocity(velocityRpm); err != nil {
		return err
	}
	if err := c.checkCurrent(currentLimitA); err != nil {
		return err
	}
	frame, err := protocol.EncodeServoVelocity(c.id, velocityRpm, currentLimitA)
	if err != nil {
		return err
	}
	return c.sendCommand(frame)
}

// Send an immediate safe stop command. Allowed in any state, bypasses the
// setting rate limit.
func (c *Controller) Stop() error {
	frame, err := protocol.EncodeServoVelocity(c.id, 0, 0)
	if err != nil {
		return err
	}
	err = c.transport.Send(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateIdle
	}
	c.mu.Unlock()
	log.Infof("[MOTOR][x%x] stop command sent", c.id)
	return nil
}

// Recover from a fault, e.g. after re-zeroing
func (c *Controller) ClearFault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFault {
		return
	}
	c.state = StateIdle
	c.status.ErrorCode = protocol.ErrorNone
	log.Infof("[MOTOR][x%x] fault cleared", c.id)
}

// Return the last cached status immediately, never blocks on hardware I/O.
// The staleness flag is set if no feedback arrived within the freshness
// window.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.checkHeartbeat(now)
	status := c.status
	status.State = c.state
	status.Stale = c.status.LastUpdate.IsZero() || now.Sub(c.status.LastUpdate) > c.freshness
	return status
}

// Solicit one telemetry frame of the given type from the device. The reply
// arrives asynchronously through the feedback path and refreshes the cached
// status, Status itself never waits for it. A query is not a motion command,
// neither the heartbeat nor the setting rate limit is touched.
func (c *Controller) RequestStatus(feedbackType protocol.FeedbackType) error {
	frame, err := protocol.EncodeStatusRequest(c.id, feedbackType)
	if err != nil {
		return err
	}
	return c.transport.Send(frame)
}

// Register a named status callback, an existing name is overwritten
func (c *Controller) AddStatusCallback(name string, callback StatusCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCallbacks[name] = callback
}

func (c *Controller) RemoveStatusCallback(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statusCallbacks, name)
}

// Register a named error callback, an existing name is overwritten
func (c *Controller) AddErrorCallback(name string, callback ErrorCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCallbacks[name] = callback
}

func (c *Controller) RemoveErrorCallback(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errorCallbacks, name)
}

// Remove all registered callbacks, called when the motor leaves the registry
func (c *Controller) RemoveAllCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCallbacks = make(map[string]StatusCallback)
	c.errorCallbacks = make(map[string]ErrorCallback)
}

// Update the cached status from a decoded feedback frame and fire the
// registered callbacks. Called only from the transport receive worker.
func (c *Controller) Update(fb *protocol.Feedback) {
	c.mu.Lock()
	switch fb.Type {
	case protocol.FeedbackType1:
		c.status.Position = fb.Position
		c.status.Velocity = fb.Velocity
		c.status.Torque = fb.Torque
		c.status.Temperature = fb.Temperature
	case protocol.FeedbackType2:
		c.status.Position = fb.Position
		c.status.Velocity = fb.Velocity
		c.status.Current = fb.Current
		c.status.Temperature = fb.Temperature
	case protocol.FeedbackType3:
		c.status.Position = fb.Position
		c.status.Velocity = fb.Velocity
	case protocol.FeedbackType4:
		c.status.Temperature = fb.Temperature
		c.status.Voltage = fb.Voltage
		c.status.StatusBits = fb.StatusBits
	case protocol.FeedbackType5:
		c.status.ErrorCode = fb.ErrorCode
	}
	c.status.LastUpdate = time.Now()
	faulted := false
	if fb.HasError() {
		c.status.ErrorCode = fb.ErrorCode
		if c.state != StateFault {
			c.state = StateFault
			faulted = true
		}
	}
	snapshot := c.status
	snapshot.State = c.state
	statusCallbacks := make([]StatusCallback, 0, len(c.statusCallbacks))
	for _, callback := range c.statusCallbacks {
		statusCallbacks = append(statusCallbacks, callback)
	}
	var errorCallbacks []ErrorCallback
	if faulted {
		log.Warnf("[MOTOR][x%x] device fault : %v", c.id, fb.ErrorCode)
		errorCallbacks = make([]ErrorCallback, 0, len(c.errorCallbacks))
		for _, callback := range c.errorCallbacks {
			errorCallbacks = append(errorCallbacks, callback)
		}
	}
	c.mu.Unlock()

	for _, callback := range statusCallbacks {
		callback(snapshot)
	}
	for _, callback := range errorCallbacks {
		callback(fb.ErrorCode)
	}
}

// Force the fault state from outside the feedback path, e.g. on a fatal
// transport detachment
func (c *Controller) Fault(code protocol.ErrorCode) {
	c.mu.Lock()
	if c.state == StateFault {
		c.mu.Unlock()
		return
	}
	c.state = StateFault
	c.status.ErrorCode = code
	errorCallbacks := make([]ErrorCallback, 0, len(c.errorCallbacks))
	for _, callback := range c.errorCallbacks {
		errorCallbacks = append(errorCallbacks, callback)
	}
	c.mu.Unlock()
	log.Warnf("[MOTOR][x%x] fault : %v", c.id, code)
	for _, callback := range errorCallbacks {
		callback(code)
	}
}

// Evaluate the heartbeat deadline, called periodically by the registry
func (c *Controller) Process(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkHeartbeat(now)
}

// Heartbeat evaluation, must be called with the handle lock held.
// A motor that received no command within the timeout while active goes to
// fault, a best effort stop is attempted and error callbacks fire.
func (c *Controller) checkHeartbeat(now time.Time) {
	if c.state != StateActive {
		return
	}
	if !now.After(c.lastCommand.Add(c.heartbeatTimeout)) {
		return
	}
	c.state = StateFault
	c.status.ErrorCode = protocol.ErrorCommunicationLoss
	errorCallbacks := make([]ErrorCallback, 0, len(c.errorCallbacks))
	for _, callback := range c.errorCallbacks {
		errorCallbacks = append(errorCallbacks, callback)
	}
	log.Warnf("[MOTOR][x%x] heartbeat timeout after %v : %v", c.id, c.heartbeatTimeout, gomotor.ErrHeartbeatTimeout)
	// The stop and the callbacks are dispatched outside the lock, a status
	// read triggering the transition never waits on the bus write
	go func() {
		// Best effort safety stop, errors are logged only
		if frame, err := protocol.EncodeServoVelocity(c.id, 0, 0); err == nil {
			if err := c.transport.Send(frame); err != nil {
				log.Warnf("[MOTOR][x%x] safety stop failed : %v", c.id, err)
			}
		}
		for _, callback := range errorCallbacks {
			callback(protocol.ErrorCommunicationLoss)
		}
	}()
}

func (c *Controller) precheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkHeartbeat(time.Now())
	if c.state == StateFault {
		return fmt.Errorf("%w : %v", gomotor.ErrFaulted, c.status.ErrorCode)
	}
	return nil
}

func (c *Controller) sendCommand(frame gomotor.Frame) error {
	err := c.transport.Send(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateActive
	c.lastCommand = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Controller) checkPosition(positionDeg float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if positionDeg < c.limits.MinPosition || positionDeg > c.limits.MaxPosition {
		return fmt.Errorf("%w : position %v deg outside [%v,%v]",
			gomotor.ErrLimitExceeded, positionDeg, c.limits.MinPosition, c.limits.MaxPosition)
	}
	return nil
}

func (c *Controller) checkVelocity(velocityRpm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if velocityRpm < -c.limits.MaxVelocity || velocityRpm > c.limits.MaxVelocity {
		return fmt.Errorf("%w : velocity %v RPM outside ±%v",
			gomotor.ErrLimitExceeded, velocityRpm, c.limits.MaxVelocity)
	}
	return nil
}

func (c *Controller) checkCurrent(currentA float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if currentA < 0 || currentA > c.limits.MaxCurrent {
		return fmt.Errorf("%w : current %v A outside [0,%v]",
			gomotor.ErrLimitExceeded, currentA, c.limits.MaxCurrent)
	}
	return nil
}

func (c *Controller) checkTorque(torqueNm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if torqueNm < -c.limits.MaxTorque || torqueNm > c.limits.MaxTorque {
		return fmt.Errorf("%w : torque %v Nm outside ±%v",
			gomotor.ErrLimitExceeded, torqueNm, c.limits.MaxTorque)
	}
	return nil
}
