// Package protocol implements the binary CAN protocol of the motor actuators.
// It contains pure, stateless transforms between typed command/feedback
// structures and the fixed 8 byte CAN payloads. No I/O happens here.
package protocol

import (
	"fmt"
	"math"

	gomotor "github.com/servoworks/gomotor"
)

// Function codes carried in the CAN identifier, bits 6..10.
// Bits 0..5 carry the motor id, giving 11 bit standard identifiers.
const (
	FuncBroadcast     uint8 = 0x00 // id query / id reset, motor id 0
	FuncSetting       uint8 = 0x01 // setting class commands (zero point)
	FuncServoPosition uint8 = 0x02
	FuncServoVelocity uint8 = 0x03
	FuncForcePosition uint8 = 0x04
	FuncFeedback      uint8 = 0x05
)

const (
	MotorIdMin uint8 = 1
	MotorIdMax uint8 = 32
	// Motor id 0 addresses all motors
	BroadcastId uint8 = 0
)

// Settings class preamble, the device firmware requires it
const (
	preamble0 = 0x55
	preamble1 = 0xAA
)

// Build a CAN identifier from function code and motor id
func CanId(function uint8, motorId uint8) uint32 {
	return uint32(function&0x1F)<<6 | uint32(motorId&0x3F)
}

// Extract the motor id from a CAN identifier
func MotorId(canId uint32) uint8 {
	return uint8(canId & 0x3F)
}

// Extract the function code from a CAN identifier
func Function(canId uint32) uint8 {
	return uint8((canId >> 6) & 0x1F)
}

func ValidMotorId(motorId uint8) bool {
	return motorId >= MotorIdMin && motorId <= MotorIdMax
}

// A Field declares the physical range and bit width of one numeric protocol
// field. Values are mapped linearly onto the unsigned integer range of the
// given width, quantization is lossy by design.
type Field struct {
	Min  float64
	Max  float64
	Bits uint8
}

// Physical value of one least significant bit step
func (f Field) Resolution() float64 {
	return (f.Max - f.Min) / float64(uint64(1)<<f.Bits-1)
}

// Encode a physical value to its fixed point representation.
// Values outside the declared range are refused, never clamped.
func (f Field) Encode(x float64) (uint32, error) {
	if x < f.Min || x > f.Max {
		return 0, fmt.Errorf("%w : %v outside [%v,%v]", gomotor.ErrOutOfRange, x, f.Min, f.Max)
	}
	steps := float64(uint64(1)<<f.Bits - 1)
	return uint32(math.Round((x - f.Min) / (f.Max - f.Min) * steps)), nil
}

// Decode a fixed point representation back to a physical value.
// Exact inverse of Encode up to one resolution step.
func (f Field) Decode(raw uint32) float64 {
	steps := float64(uint64(1)<<f.Bits - 1)
	return f.Min + float64(raw)/steps*(f.Max-f.Min)
}

// Declared field ranges. These widths, offsets and scales are the canonical
// wire contract, a conforming device must use identical values.
var (
	// Force position hybrid command, 16+12+12+12+12 = 64 bits
	FieldHybridPosition = Field{Min: -360, Max: 360, Bits: 16}  // deg
	FieldHybridVelocity = Field{Min: -1000, Max: 1000, Bits: 12} // RPM
	FieldHybridKp       = Field{Min: 0, Max: 500, Bits: 12}
	FieldHybridKd       = Field{Min: 0, Max: 50, Bits: 12}
	FieldHybridTorque   = Field{Min: -50, Max: 50, Bits: 12} // Nm

	// Servo commands
	FieldPosition      = Field{Min: -360, Max: 360, Bits: 16}   // deg
	FieldVelocity      = Field{Min: -3000, Max: 3000, Bits: 16} // RPM
	FieldVelocityLimit = Field{Min: 0, Max: 3000, Bits: 16}     // RPM
	FieldCurrentLimit  = Field{Min: 0, Max: 50, Bits: 16}       // A

	// Feedback telemetry
	FieldTorque        = Field{Min: -50, Max: 50, Bits: 16}     // Nm
	FieldCurrent       = Field{Min: -50, Max: 50, Bits: 16}     // A
	FieldTemperature   = Field{Min: -40, Max: 215, Bits: 8}     // degC
	FieldVoltage       = Field{Min: 0, Max: 60, Bits: 16}       // V
	FieldPositionHiRes = Field{Min: -360, Max: 360, Bits: 32}   // deg
	FieldVelocityHiRes = Field{Min: -3000, Max: 3000, Bits: 24} // RPM
)
