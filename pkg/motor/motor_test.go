package motor

import (
	"sync"
	"testing"
	"time"

	gomotor "github.com/servoworks/gomotor"
	"github.com/servoworks/gomotor/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []gomotor.Frame
	err    error
}

func (s *fakeSender) Send(frame gomotor.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) Frames() []gomotor.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]gomotor.Frame, len(s.frames))
	copy(frames, s.frames)
	return frames
}

func createControllerTest(t *testing.T) (*Controller, *fakeSender) {
	sender := &fakeSender{}
	controller, err := NewController(5, sender, DefaultSafetyLimits())
	if err != nil {
		t.Fatal(err)
	}
	return controller, sender
}

func TestNewController(t *testing.T) {
	sender := &fakeSender{}
	_, err := NewController(0, sender, DefaultSafetyLimits())
	assert.ErrorIs(t, err, gomotor.ErrIllegalArgument)
	_, err = NewController(5, nil, DefaultSafetyLimits())
	assert.ErrorIs(t, err, gomotor.ErrIllegalArgument)
	controller, err := NewController(5, sender, DefaultSafetyLimits())
	assert.Nil(t, err)
	assert.Equal(t, StateIdle, controller.State())
}

func TestSetPositionValidation(t *testing.T) {
	controller, sender := createControllerTest(t)
	controller.SetLimits(SafetyLimits{
		MinPosition: -90, MaxPosition: 90,
		MaxVelocity: 500, MaxCurrent: 5, MaxTorque: 2,
	})
	// Out of envelope parameters are refused, no frame goes on the wire
	assert.ErrorIs(t, controller.SetPosition(120, 100, 2, ModeServo), gomotor.ErrLimitExceeded)
	assert.ErrorIs(t, controller.SetPosition(45, 600, 2, ModeServo), gomotor.ErrLimitExceeded)
	assert.ErrorIs(t, controller.SetPosition(45, 100, 6, ModeServo), gomotor.ErrLimitExceeded)
	assert.Empty(t, sender.Frames())
	assert.Equal(t, StateIdle, controller.State())

	assert.Nil(t, controller.SetPosition(45, 100, 2, ModeServo))
	frames := sender.Frames()
	assert.Len(t, frames, 1)
	assert.Equal(t, protocol.FuncServoPosition, protocol.Function(frames[0].ID))
	assert.Equal(t, uint8(5), protocol.MotorId(frames[0].ID))
	assert.Equal(t, StateActive, controller.State())
}

func TestSetPositionForceMode(t *testing.T) {
	controller, sender := createControllerTest(t)
	assert.Nil(t, controller.SetPosition(45, 100, 2, ModeForce))
	frames := sender.Frames()
	assert.Len(t, frames, 1)
	assert.Equal(t, protocol.FuncForcePosition, protocol.Function(frames[0].ID))
	decoded, err := protocol.DecodeForcePosition(frames[0])
	assert.Nil(t, err)
	assert.InDelta(t, 45, decoded.Position, protocol.FieldHybridPosition.Resolution())
	assert.InDelta(t, defaultKp, decoded.Kp, protocol.FieldHybridKp.Resolution())
	assert.InDelta(t, defaultKd, decoded.Kd, protocol.FieldHybridKd.Resolution())
}

func TestSetVelocity(t *testing.T) {
	controller, sender := createControllerTest(t)
	assert.ErrorIs(t, controller.SetVelocity(1500, 2), gomotor.ErrLimitExceeded)
	assert.Empty(t, sender.Frames())
	assert.Nil(t, controller.SetVelocity(-500, 2))
	frames := sender.Frames()
	assert.Len(t, frames, 1)
	assert.Equal(t, protocol.FuncServoVelocity, protocol.Function(frames[0].ID))
	assert.Equal(t, StateActive, controller.State())
}

func TestSetZeroRateLimit(t *testing.T) {
	controller, sender := createControllerTest(t)
	assert.Nil(t, controller.SetZero())
	// Issued within the device processing interval, no frame on the wire
	assert.ErrorIs(t, controller.SetZero(), gomotor.ErrRateLimited)
	assert.Len(t, sender.Frames(), 1)
}

func TestSetZeroConcurrent(t *testing.T) {
	controller, sender := createControllerTest(t)
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- controller.SetZero()
		}()
	}
	wg.Wait()
	close(errs)
	// Exactly one caller passes the gate, the others are rate limited
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, gomotor.ErrRateLimited)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, sender.Frames(), 1)
}

func TestSetZeroSendFailureReleasesSlot(t *testing.T) {
	controller, sender := createControllerTest(t)
	sender.err = gomotor.ErrNotConnected
	assert.ErrorIs(t, controller.SetZero(), gomotor.ErrNotConnected)
	sender.err = nil
	// A failed attempt does not consume the rate limit slot
	assert.Nil(t, controller.SetZero())
	assert.Len(t, sender.Frames(), 1)
}

func TestStopBypassesRateLimit(t *testing.T) {
	controller, sender := createControllerTest(t)
	assert.Nil(t, controller.SetZero())
	assert.Nil(t, controller.Stop())
	assert.Len(t, sender.Frames(), 2)
}

func TestHeartbeatTimeout(t *testing.T) {
	controller, sender := createControllerTest(t)
	controller.SetHeartbeatTimeout(100 * time.Millisecond)

	var callbackMu sync.Mutex
	var received []protocol.ErrorCode
	controller.AddErrorCallback("test", func(code protocol.ErrorCode) {
		callbackMu.Lock()
		defer callbackMu.Unlock()
		received = append(received, code)
	})

	assert.Nil(t, controller.SetVelocity(100, 2))
	// Strictly not faulted before the timeout has elapsed
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateActive, controller.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateFault, controller.State())

	time.Sleep(20 * time.Millisecond)
	// A best effort safety stop was attempted
	frames := sender.Frames()
	assert.Len(t, frames, 2)
	assert.Equal(t, protocol.FuncServoVelocity, protocol.Function(frames[1].ID))
	stop, err := protocol.DecodeServoVelocity(frames[1])
	assert.Nil(t, err)
	assert.InDelta(t, 0, stop.Velocity, protocol.FieldVelocity.Resolution())

	callbackMu.Lock()
	defer callbackMu.Unlock()
	assert.Equal(t, []protocol.ErrorCode{protocol.ErrorCommunicationLoss}, received)
}

func TestHeartbeatKeptAliveByCommands(t *testing.T) {
	controller, _ := createControllerTest(t)
	controller.SetHeartbeatTimeout(100 * time.Millisecond)
	for i := 0; i < 4; i++ {
		assert.Nil(t, controller.SetVelocity(100, 2))
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, StateActive, controller.State())
}

// Sender that can be switched to block until released, simulating a slow bus
// write
type blockingSender struct {
	mu      sync.Mutex
	frames  []gomotor.Frame
	block   bool
	release chan struct{}
}

func (s *blockingSender) Send(frame gomotor.Frame) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *blockingSender) setBlock(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = block
}

func (s *blockingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestStatusNonBlockingAtFaultTransition(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	controller, err := NewController(5, sender, DefaultSafetyLimits())
	assert.Nil(t, err)
	controller.SetHeartbeatTimeout(50 * time.Millisecond)

	assert.Nil(t, controller.SetVelocity(100, 2))
	sender.setBlock(true)
	time.Sleep(100 * time.Millisecond)

	// The status read triggering the fault transition returns immediately,
	// the safety stop write must not hold it up
	done := make(chan Status, 1)
	go func() { done <- controller.Status() }()
	select {
	case status := <-done:
		assert.Equal(t, StateFault, status.State)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("status read blocked on the bus write")
	}

	close(sender.release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestRequestStatus(t *testing.T) {
	controller, sender := createControllerTest(t)
	assert.Nil(t, controller.RequestStatus(protocol.FeedbackType4))
	// A query is neither a motion command nor a setting class command
	assert.Equal(t, StateIdle, controller.State())
	assert.Nil(t, controller.SetZero())

	frames := sender.Frames()
	assert.Len(t, frames, 2)
	assert.Equal(t, protocol.FuncSetting, protocol.Function(frames[0].ID))
	feedbackType, err := protocol.DecodeStatusRequest(frames[0])
	assert.Nil(t, err)
	assert.Equal(t, protocol.FeedbackType4, feedbackType)

	assert.ErrorIs(t, controller.RequestStatus(protocol.FeedbackType(7)), gomotor.ErrUnknownType)
}

func TestFaultFromFeedback(t *testing.T) {
	controller, _ := createControllerTest(t)
	var callbackMu sync.Mutex
	var received []protocol.ErrorCode
	controller.AddErrorCallback("test", func(code protocol.ErrorCode) {
		callbackMu.Lock()
		defer callbackMu.Unlock()
		received = append(received, code)
	})

	controller.Update(&protocol.Feedback{
		MotorId:   5,
		Type:      protocol.FeedbackType5,
		ErrorCode: protocol.ErrorOverCurrent,
	})
	assert.Equal(t, StateFault, controller.State())
	callbackMu.Lock()
	assert.Equal(t, []protocol.ErrorCode{protocol.ErrorOverCurrent}, received)
	callbackMu.Unlock()

	// Motion commands are refused while faulted
	assert.ErrorIs(t, controller.SetVelocity(100, 2), gomotor.ErrFaulted)
	// The safe stop override still works
	assert.Nil(t, controller.Stop())

	controller.ClearFault()
	assert.Equal(t, StateIdle, controller.State())
	assert.Nil(t, controller.SetVelocity(100, 2))
}

func TestStatusUpdateAndCallbacks(t *testing.T) {
	controller, _ := createControllerTest(t)
	var callbackMu sync.Mutex
	counts := map[string]int{}
	makeCallback := func(name string) StatusCallback {
		return func(status Status) {
			callbackMu.Lock()
			defer callbackMu.Unlock()
			counts[name]++
		}
	}
	controller.AddStatusCallback("a", makeCallback("a"))
	controller.AddStatusCallback("b", makeCallback("b"))
	// Re-registering an existing name overwrites it
	controller.AddStatusCallback("a", makeCallback("a2"))
	controller.RemoveStatusCallback("b")

	controller.Update(&protocol.Feedback{
		MotorId:     5,
		Type:        protocol.FeedbackType1,
		Position:    12.5,
		Velocity:    -30,
		Torque:      1.5,
		Temperature: 38,
	})

	status := controller.Status()
	assert.InDelta(t, 12.5, status.Position, 1e-9)
	assert.InDelta(t, -30, status.Velocity, 1e-9)
	assert.InDelta(t, 1.5, status.Torque, 1e-9)
	assert.False(t, status.Stale)

	callbackMu.Lock()
	defer callbackMu.Unlock()
	assert.Equal(t, 0, counts["a"])
	assert.Equal(t, 1, counts["a2"])
	assert.Equal(t, 0, counts["b"])
}

func TestStatusStaleness(t *testing.T) {
	controller, _ := createControllerTest(t)
	controller.SetFreshnessWindow(50 * time.Millisecond)
	// Nothing received yet
	assert.True(t, controller.Status().Stale)

	controller.Update(&protocol.Feedback{MotorId: 5, Type: protocol.FeedbackType3, Position: 1})
	assert.False(t, controller.Status().Stale)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, controller.Status().Stale)
}

func TestSendFailureDoesNotActivate(t *testing.T) {
	controller, sender := createControllerTest(t)
	sender.err = gomotor.ErrNotConnected
	assert.ErrorIs(t, controller.SetVelocity(100, 2), gomotor.ErrNotConnected)
	assert.Equal(t, StateIdle, controller.State())
}
