package protocol

import (
	"encoding/binary"
	"fmt"

	gomotor "github.com/servoworks/gomotor"
)

// Hybrid command bit offsets inside the 64 bit payload, position at the most
// significant end. The five widths sum to exactly 64 bits with no overlap.
const (
	hybridPositionShift = 48
	hybridVelocityShift = 36
	hybridKpShift       = 24
	hybridKdShift       = 12
	hybridTorqueShift   = 0
)

// Force position hybrid command target, decoded form
type ForcePosition struct {
	Position float64 // deg
	Velocity float64 // RPM
	Kp       float64
	Kd       float64
	Torque   float64 // Nm
}

// Servo position command target, decoded form
type ServoPosition struct {
	Position      float64 // deg
	VelocityLimit float64 // RPM
	CurrentLimit  float64 // A
}

// Servo velocity command target, decoded form
type ServoVelocity struct {
	Velocity     float64 // RPM
	CurrentLimit float64 // A
}

// Encode the broadcast id query. Every attached motor answers with an id
// query response on the broadcast identifier.
func EncodeQueryId() gomotor.Frame {
	frame := gomotor.NewFrame(CanId(FuncBroadcast, BroadcastId), 0, 8)
	frame.Data = [8]byte{preamble0, preamble1, 0, 0, 0, 0, 0, 0}
	return frame
}

// Encode the zero point setting command for one motor.
// This is a setting class command, the device needs its processing interval
// between two of them.
func EncodeSetZero(motorId uint8) (gomotor.Frame, error) {
	if !ValidMotorId(motorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : motor id %v outside [%v,%v]",
			gomotor.ErrOutOfRange, motorId, MotorIdMin, MotorIdMax)
	}
	frame := gomotor.NewFrame(CanId(FuncSetting, motorId), 0, 8)
	frame.Data = [8]byte{preamble0, preamble1, 0, 0, 0, 0, 0, 0}
	return frame, nil
}

// Encode the broadcast id reassignment command
func EncodeResetId(oldId uint8, newId uint8) (gomotor.Frame, error) {
	if !ValidMotorId(oldId) || !ValidMotorId(newId) {
		return gomotor.Frame{}, fmt.Errorf("%w : motor ids must be inside [%v,%v]",
			gomotor.ErrOutOfRange, MotorIdMin, MotorIdMax)
	}
	frame := gomotor.NewFrame(CanId(FuncBroadcast, BroadcastId), 0, 8)
	frame.Data = [8]byte{preamble0, preamble1, preamble0, preamble1, oldId, newId, 0, 0}
	return frame, nil
}

// Encode a servo position command
func EncodeServoPosition(motorId uint8, positionDeg float64, velocityLimitRpm float64, currentLimitA float64) (gomotor.Frame, error) {
	if !ValidMotorId(motorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : invalid motor id %v", gomotor.ErrOutOfRange, motorId)
	}
	pos, err := FieldPosition.Encode(positionDeg)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("position : %w", err)
	}
	vel, err := FieldVelocityLimit.Encode(velocityLimitRpm)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("velocity limit : %w", err)
	}
	current, err := FieldCurrentLimit.Encode(currentLimitA)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("current limit : %w", err)
	}
	frame := gomotor.NewFrame(CanId(FuncServoPosition, motorId), 0, 8)
	binary.BigEndian.PutUint16(frame.Data[0:2], uint16(pos))
	binary.BigEndian.PutUint16(frame.Data[2:4], uint16(vel))
	binary.BigEndian.PutUint16(frame.Data[4:6], uint16(current))
	return frame, nil
}

// Decode a servo position command frame, inverse of EncodeServoPosition
func DecodeServoPosition(frame gomotor.Frame) (ServoPosition, error) {
	if frame.DLC != 8 {
		return ServoPosition{}, gomotor.ErrMalformedFrame
	}
	return ServoPosition{
		Position:      FieldPosition.Decode(uint32(binary.BigEndian.Uint16(frame.Data[0:2]))),
		VelocityLimit: FieldVelocityLimit.Decode(uint32(binary.BigEndian.Uint16(frame.Data[2:4]))),
		CurrentLimit:  FieldCurrentLimit.Decode(uint32(binary.BigEndian.Uint16(frame.Data[4:6]))),
	}, nil
}

// Encode a servo velocity command
func EncodeServoVelocity(motorId uint8, velocityRpm float64, currentLimitA float64) (gomotor.Frame, error) {
	if !ValidMotorId(motorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : invalid motor id %v", gomotor.ErrOutOfRange, motorId)
	}
	vel, err := FieldVelocity.Encode(velocityRpm)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("velocity : %w", err)
	}
	current, err := FieldCurrentLimit.Encode(currentLimitA)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("current limit : %w", err)
	}
	frame := gomotor.NewFrame(CanId(FuncServoVelocity, motorId), 0, 8)
	binary.BigEndian.PutUint16(frame.Data[0:2], uint16(vel))
	binary.BigEndian.PutUint16(frame.Data[2:4], uint16(current))
	return frame, nil
}

// Decode a servo velocity command frame, inverse of EncodeServoVelocity
func DecodeServoVelocity(frame gomotor.Frame) (ServoVelocity, error) {
	if frame.DLC != 8 {
		return ServoVelocity{}, gomotor.ErrMalformedFrame
	}
	return ServoVelocity{
		Velocity:     FieldVelocity.Decode(uint32(binary.BigEndian.Uint16(frame.Data[0:2]))),
		CurrentLimit: FieldCurrentLimit.Decode(uint32(binary.BigEndian.Uint16(frame.Data[2:4]))),
	}, nil
}

// Encode a force position hybrid command. Five fields are packed into the
// 64 bit payload at fixed non overlapping offsets.
func EncodeForcePosition(motorId uint8, positionDeg float64, velocityRpm float64, kp float64, kd float64, torqueNm float64) (gomotor.Frame, error) {
	if !ValidMotorId(motorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : invalid motor id %v", gomotor.ErrOutOfRange, motorId)
	}
	pos, err := FieldHybridPosition.Encode(positionDeg)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("position : %w", err)
	}
	vel, err := FieldHybridVelocity.Encode(velocityRpm)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("velocity : %w", err)
	}
	kpRaw, err := FieldHybridKp.Encode(kp)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("kp : %w", err)
	}
	kdRaw, err := FieldHybridKd.Encode(kd)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("kd : %w", err)
	}
	torque, err := FieldHybridTorque.Encode(torqueNm)
	if err != nil {
		return gomotor.Frame{}, fmt.Errorf("torque : %w", err)
	}
	var packed uint64
	packed |= uint64(pos&0xFFFF) << hybridPositionShift
	packed |= uint64(vel&0xFFF) << hybridVelocityShift
	packed |= uint64(kpRaw&0xFFF) << hybridKpShift
	packed |= uint64(kdRaw&0xFFF) << hybridKdShift
	packed |= uint64(torque&0xFFF) << hybridTorqueShift
	frame := gomotor.NewFrame(CanId(FuncForcePosition, motorId), 0, 8)
	binary.BigEndian.PutUint64(frame.Data[:], packed)
	return frame, nil
}

// Decode a force position hybrid command frame, inverse of EncodeForcePosition
func DecodeForcePosition(frame gomotor.Frame) (ForcePosition, error) {
	if frame.DLC != 8 {
		return ForcePosition{}, gomotor.ErrMalformedFrame
	}
	packed := binary.BigEndian.Uint64(frame.Data[:])
	return ForcePosition{
		Position: FieldHybridPosition.Decode(uint32(packed >> hybridPositionShift & 0xFFFF)),
		Velocity: FieldHybridVelocity.Decode(uint32(packed >> hybridVelocityShift & 0xFFF)),
		Kp:       FieldHybridKp.Decode(uint32(packed >> hybridKpShift & 0xFFF)),
		Kd:       FieldHybridKd.Decode(uint32(packed >> hybridKdShift & 0xFFF)),
		Torque:   FieldHybridTorque.Decode(uint32(packed >> hybridTorqueShift & 0xFFF)),
	}, nil
}

// Encode a telemetry solicitation, the device answers with one feedback
// frame of the requested type. The reversed preamble distinguishes it from
// the zero point command on the same identifier.
func EncodeStatusRequest(motorId uint8, feedbackType FeedbackType) (gomotor.Frame, error) {
	if !ValidMotorId(motorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : invalid motor id %v", gomotor.ErrOutOfRange, motorId)
	}
	if feedbackType < FeedbackType1 || feedbackType > FeedbackType5 {
		return gomotor.Frame{}, fmt.Errorf("%w : %v", gomotor.ErrUnknownType, feedbackType)
	}
	frame := gomotor.NewFrame(CanId(FuncSetting, motorId), 0, 8)
	frame.Data = [8]byte{preamble1, preamble0, uint8(feedbackType), 0, 0, 0, 0, 0}
	return frame, nil
}

// Decode a status request frame, device side. Inverse of EncodeStatusRequest.
func DecodeStatusRequest(frame gomotor.Frame) (FeedbackType, error) {
	if frame.DLC != 8 {
		return 0, fmt.Errorf("%w : dlc %v", gomotor.ErrMalformedFrame, frame.DLC)
	}
	if frame.Data[0] != preamble1 || frame.Data[1] != preamble0 {
		return 0, fmt.Errorf("%w : not a status request", gomotor.ErrMalformedFrame)
	}
	feedbackType := FeedbackType(frame.Data[2])
	if feedbackType < FeedbackType1 || feedbackType > FeedbackType5 {
		return 0, fmt.Errorf("%w : %v", gomotor.ErrUnknownType, feedbackType)
	}
	return feedbackType, nil
}

// Encode the response to a broadcast id query, device side.
// Up to 8 responding ids fit in one frame.
func EncodeIdQueryResponse(ids []uint8) (gomotor.Frame, error) {
	if len(ids) > 8 {
		return gomotor.Frame{}, gomotor.ErrIllegalArgument
	}
	frame := gomotor.NewFrame(CanId(FuncBroadcast, BroadcastId), 0, 8)
	copy(frame.Data[:], ids)
	return frame, nil
}

// Decode a broadcast id query response. Payload bytes inside the valid motor
// id range are responding ids.
func DecodeIdQueryResponse(frame gomotor.Frame) []uint8 {
	if Function(frame.ID) != FuncBroadcast {
		return nil
	}
	var ids []uint8
	for _, b := range frame.Data {
		if ValidMotorId(b) {
			ids = append(ids, b)
		}
	}
	return ids
}
