package protocol

import (
	"encoding/binary"
	"fmt"

	gomotor "github.com/servoworks/gomotor"
)

// Telemetry frame categories, carried in the upper 3 bits of the header byte
type FeedbackType uint8

const (
	FeedbackType1 FeedbackType = 1 // position, velocity, torque
	FeedbackType2 FeedbackType = 2 // position, velocity, current
	FeedbackType3 FeedbackType = 3 // position, velocity, high resolution
	FeedbackType4 FeedbackType = 4 // temperature, voltage, status bits
	FeedbackType5 FeedbackType = 5 // error code, fault flags
)

// Device fault categories reported in type 5 feedback
type ErrorCode uint8

const (
	ErrorNone              ErrorCode = 0x00
	ErrorOverVoltage       ErrorCode = 0x01
	ErrorUnderVoltage      ErrorCode = 0x02
	ErrorOverCurrent       ErrorCode = 0x04
	ErrorOverTemperature   ErrorCode = 0x08
	ErrorEncoder           ErrorCode = 0x10
	ErrorHall              ErrorCode = 0x20
	ErrorPositionLimit     ErrorCode = 0x40
	ErrorCommunicationLoss ErrorCode = 0x80
	ErrorUnknown           ErrorCode = 0xFF
)

var errorDescriptions = map[ErrorCode]string{
	ErrorNone:              "no error",
	ErrorOverVoltage:       "over voltage protection",
	ErrorUnderVoltage:      "under voltage protection",
	ErrorOverCurrent:       "over current protection",
	ErrorOverTemperature:   "over temperature protection",
	ErrorEncoder:           "encoder fault",
	ErrorHall:              "hall sensor fault",
	ErrorPositionLimit:     "position limit reached",
	ErrorCommunicationLoss: "communication lost",
	ErrorUnknown:           "unknown error",
}

func (e ErrorCode) String() string {
	description, ok := errorDescriptions[e]
	if ok {
		return description
	}
	return "undefined error"
}

// Map the raw error byte to the highest priority fault category
func errorCodeFromByte(raw uint8) ErrorCode {
	for _, code := range []ErrorCode{
		ErrorOverVoltage,
		ErrorUnderVoltage,
		ErrorOverCurrent,
		ErrorOverTemperature,
		ErrorEncoder,
		ErrorHall,
		ErrorPositionLimit,
		ErrorCommunicationLoss,
	} {
		if raw&uint8(code) != 0 {
			return code
		}
	}
	if raw != 0 {
		return ErrorUnknown
	}
	return ErrorNone
}

// Decoded telemetry frame. Which values are meaningful depends on Type.
type Feedback struct {
	MotorId     uint8
	Type        FeedbackType
	Position    float64 // deg
	Velocity    float64 // RPM
	Torque      float64 // Nm
	Current     float64 // A
	Temperature float64 // degC
	Voltage     float64 // V
	StatusBits  uint16
	ErrorCode   ErrorCode
	FaultFlags  uint16
}

func (fb *Feedback) HasError() bool {
	return fb.ErrorCode != ErrorNone
}

// Decode a telemetry frame. The type code is taken from the header byte,
// each field is mapped back through its declared range and resolution.
func DecodeFeedback(frame gomotor.Frame) (*Feedback, error) {
	if frame.DLC != 8 {
		return nil, fmt.Errorf("%w : dlc %v", gomotor.ErrMalformedFrame, frame.DLC)
	}
	fb := &Feedback{
		MotorId: MotorId(frame.ID),
		Type:    FeedbackType((frame.Data[0] >> 5) & 0x07),
	}
	data := frame.Data
	switch fb.Type {
	case FeedbackType1:
		fb.Position = FieldPosition.Decode(uint32(binary.BigEndian.Uint16(data[1:3])))
		fb.Velocity = FieldVelocity.Decode(uint32(binary.BigEndian.Uint16(data[3:5])))
		fb.Torque = FieldTorque.Decode(uint32(binary.BigEndian.Uint16(data[5:7])))
		fb.Temperature = FieldTemperature.Decode(uint32(data[7]))
	case FeedbackType2:
		fb.Position = FieldPosition.Decode(uint32(binary.BigEndian.Uint16(data[1:3])))
		fb.Velocity = FieldVelocity.Decode(uint32(binary.BigEndian.Uint16(data[3:5])))
		fb.Current = FieldCurrent.Decode(uint32(binary.BigEndian.Uint16(data[5:7])))
		fb.Temperature = FieldTemperature.Decode(uint32(data[7]))
	case FeedbackType3:
		fb.Position = FieldPositionHiRes.Decode(binary.BigEndian.Uint32(data[1:5]))
		fb.Velocity = FieldVelocityHiRes.Decode(uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7]))
	case FeedbackType4:
		fb.Temperature = FieldTemperature.Decode(uint32(data[1]))
		fb.Voltage = FieldVoltage.Decode(uint32(binary.BigEndian.Uint16(data[2:4])))
		fb.StatusBits = binary.BigEndian.Uint16(data[4:6])
	case FeedbackType5:
		fb.ErrorCode = errorCodeFromByte(data[1])
		fb.FaultFlags = binary.BigEndian.Uint16(data[2:4])
	default:
		return nil, fmt.Errorf("%w : %v", gomotor.ErrUnknownType, fb.Type)
	}
	return fb, nil
}

// Encode a telemetry frame, device side. Used by simulated motors and for
// protocol conformance testing.
func EncodeFeedback(fb Feedback) (gomotor.Frame, error) {
	if !ValidMotorId(fb.MotorId) {
		return gomotor.Frame{}, fmt.Errorf("%w : invalid motor id %v", gomotor.ErrOutOfRange, fb.MotorId)
	}
	frame := gomotor.NewFrame(CanId(FuncFeedback, fb.MotorId), 0, 8)
	frame.Data[0] = uint8(fb.Type) << 5
	switch fb.Type {
	case FeedbackType1, FeedbackType2:
		pos, err := FieldPosition.Encode(fb.Position)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("position : %w", err)
		}
		vel, err := FieldVelocity.Encode(fb.Velocity)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("velocity : %w", err)
		}
		binary.BigEndian.PutUint16(frame.Data[1:3], uint16(pos))
		binary.BigEndian.PutUint16(frame.Data[3:5], uint16(vel))
		if fb.Type == FeedbackType1 {
			torque, err := FieldTorque.Encode(fb.Torque)
			if err != nil {
				return gomotor.Frame{}, fmt.Errorf("torque : %w", err)
			}
			binary.BigEndian.PutUint16(frame.Data[5:7], uint16(torque))
		} else {
			current, err := FieldCurrent.Encode(fb.Current)
			if err != nil {
				return gomotor.Frame{}, fmt.Errorf("current : %w", err)
			}
			binary.BigEndian.PutUint16(frame.Data[5:7], uint16(current))
		}
		temp, err := FieldTemperature.Encode(fb.Temperature)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("temperature : %w", err)
		}
		frame.Data[7] = uint8(temp)
	case FeedbackType3:
		pos, err := FieldPositionHiRes.Encode(fb.Position)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("position : %w", err)
		}
		vel, err := FieldVelocityHiRes.Encode(fb.Velocity)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("velocity : %w", err)
		}
		binary.BigEndian.PutUint32(frame.Data[1:5], pos)
		frame.Data[5] = uint8(vel >> 16)
		frame.Data[6] = uint8(vel >> 8)
		frame.Data[7] = uint8(vel)
	case FeedbackType4:
		temp, err := FieldTemperature.Encode(fb.Temperature)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("temperature : %w", err)
		}
		voltage, err := FieldVoltage.Encode(fb.Voltage)
		if err != nil {
			return gomotor.Frame{}, fmt.Errorf("voltage : %w", err)
		}
		frame.Data[1] = uint8(temp)
		binary.BigEndian.PutUint16(frame.Data[2:4], uint16(voltage))
		binary.BigEndian.PutUint16(frame.Data[4:6], fb.StatusBits)
	case FeedbackType5:
		frame.Data[1] = uint8(fb.ErrorCode)
		binary.BigEndian.PutUint16(frame.Data[2:4], fb.FaultFlags)
	default:
		return gomotor.Frame{}, fmt.Errorf("%w : %v", gomotor.ErrUnknownType, fb.Type)
	}
	return frame, nil
}
