package gomotor

import "errors"

var (
	// Protocol errors
	ErrOutOfRange     = errors.New("value is outside the declared physical range")
	ErrMalformedFrame = errors.New("frame payload is not 8 bytes")
	ErrUnknownType    = errors.New("unrecognized feedback type code")

	// Hardware errors
	ErrConnectFailed = errors.New("connection to CAN bus failed")
	ErrNotConnected  = errors.New("not connected to CAN bus")
	ErrDetached      = errors.New("fatal loss of CAN bus mid-session")

	// Validation errors
	ErrLimitExceeded = errors.New("command parameter exceeds configured safety limits")
	ErrRateLimited   = errors.New("setting command issued within the device processing interval")

	// Device errors
	ErrHeartbeatTimeout = errors.New("no command issued within the heartbeat timeout")
	ErrFaulted          = errors.New("motor is in fault state, clear fault first")

	ErrIllegalArgument = errors.New("error in function arguments")
	ErrIdConflict      = errors.New("id already exists on network, this will create conflicts")
)
