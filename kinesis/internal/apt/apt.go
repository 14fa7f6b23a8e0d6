package apt

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Protocol docs at
// https://www.thorlabs.com/Software/Motion%20Control/APT_Communications_Protocol.pdf
const (
	HWNoFlashProgramming  uint16 = 0x0018
	HWResponse            uint16 = 0x0080
	HWRichResponse        uint16 = 0x0081
	ModSetChanEnableState uint16 = 0x0210
	MotSetVelParams       uint16 = 0x0413
	MotSetHomeParams      uint16 = 0x0440
	MotMoveHome           uint16 = 0x0443
	MotMoveHomed          uint16 = 0x0444
	MotMoveRelative       uint16 = 0x0448
	MotMoveAbsolute       uint16 = 0x0453
	MotMoveCompleted      uint16 = 0x0464
	MotMoveStop           uint16 = 0x0465
	MotMoveStopped        uint16 = 0x0466
	MotReqStatusUpdate    uint16 = 0x0480
	MotGetStatusUpdate    uint16 = 0x0481
)

const (
	Host        byte = 0x01
	Motherboard byte = 0x11
	// Bay n of a benchtop controller is addressed as 0x20+n.
	bayBase byte = 0x20
	// Set on the destination byte when a data packet follows the header.
	longFlag byte = 0x80

	headerLen = 6
	// Largest data packet we accept.
	maxDataLen = 255

	// Channel ident used inside data packets. Each bay of a benchtop
	// controller has a single channel.
	ChanIdent uint16 = 0x0001

	// Parameter value for MOVE_STOP without a deceleration ramp.
	StopImmediate byte = 0x01

	// Parameter value for MOD_SET_CHANENABLESTATE.
	ChanEnabled byte = 0x01
)

// Status bits reported in MOVE_COMPLETED, MOVE_STOPPED and GET_STATUSUPDATE.
const (
	StatusLimitCW    uint32 = 0x00000001
	StatusLimitCCW   uint32 = 0x00000002
	StatusMovingCW   uint32 = 0x00000010
	StatusMovingCCW  uint32 = 0x00000020
	StatusJoggingCW  uint32 = 0x00000040
	StatusJoggingCCW uint32 = 0x00000080
	StatusHoming     uint32 = 0x00000200
	StatusHomed      uint32 = 0x00000400
)

// Frame is one APT message. Short messages carry two parameter bytes;
// long messages carry a data packet instead.
type Frame struct {
	ID     uint16
	Param1 byte
	Param2 byte
	Dest   byte
	Source byte
	Data   []byte
}

func Bay(channel int) byte {
	return bayBase + byte(channel)
}

// Channel returns the bay number addressed by b, or 0 for non-bay addresses.
func Channel(b byte) int {
	if b <= bayBase || b > bayBase+0x0f {
		return 0
	}
	return int(b - bayBase)
}

func (f Frame) Long() bool {
	return f.Data != nil
}

func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Data) > maxDataLen {
		return nil, errors.Errorf("data packet too long: %d bytes", len(f.Data))
	}
	out := make([]byte, headerLen, headerLen+len(f.Data))
	binary.LittleEndian.PutUint16(out[0:2], f.ID)
	if f.Long() {
		binary.LittleEndian.PutUint16(out[2:4], uint16(len(f.Data)))
		out[4] = f.Dest | longFlag
	} else {
		out[2] = f.Param1
		out[3] = f.Param2
		out[4] = f.Dest
	}
	out[5] = f.Source
	return append(out, f.Data...), nil
}

func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		ID:     binary.LittleEndian.Uint16(header[0:2]),
		Dest:   header[4] &^ longFlag,
		Source: header[5],
	}
	if header[4]&longFlag == 0 {
		f.Param1, f.Param2 = header[2], header[3]
		return f, nil
	}
	n := binary.LittleEndian.Uint16(header[2:4])
	if n > maxDataLen {
		return Frame{}, errors.Errorf("message 0x%04x: data packet too long: %d bytes", f.ID, n)
	}
	f.Data = make([]byte, n)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return Frame{}, errors.Wrapf(err, "message 0x%04x: reading data packet", f.ID)
	}
	return f, nil
}

func WriteFrame(w io.Writer, f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func Short(id uint16, dest, source, param1, param2 byte) Frame {
	return Frame{ID: id, Param1: param1, Param2: param2, Dest: dest, Source: source}
}

// Long builds a data packet of the channel ident followed by 32-bit fields.
func Long(id uint16, dest, source byte, fields ...int32) Frame {
	data := make([]byte, 2+4*len(fields))
	binary.LittleEndian.PutUint16(data[0:2], ChanIdent)
	for i, v := range fields {
		binary.LittleEndian.PutUint32(data[2+4*i:], uint32(v))
	}
	return Frame{ID: id, Dest: dest, Source: source, Data: data}
}

// Fields decodes the 32-bit fields following the channel ident.
func (f Frame) Fields() ([]int32, error) {
	if len(f.Data) < 2 || (len(f.Data)-2)%4 != 0 {
		return nil, errors.Errorf("message 0x%04x: malformed data packet of %d bytes", f.ID, len(f.Data))
	}
	out := make([]int32, (len(f.Data)-2)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(f.Data[2+4*i:]))
	}
	return out, nil
}

// VelParams is SET_VELPARAMS. Field order on the wire is min, accel, max.
func VelParams(channel int, min, max, accel int32) Frame {
	return Long(MotSetVelParams, Bay(channel), Host, min, accel, max)
}

// HomeParams is SET_HOMEPARAMS, homing in reverse onto the reverse limit.
func HomeParams(channel int, velocity, offset int32) Frame {
	// Home direction (2 = reverse) and limit switch (1 = hardware reverse)
	// share the first field as two 16-bit words.
	const dirAndLimit = 2 | 1<<16
	return Long(MotSetHomeParams, Bay(channel), Host, dirAndLimit, velocity, offset)
}

// StatusUpdate is the data packet of GET_STATUSUPDATE, MOVE_COMPLETED and
// MOVE_STOPPED.
type StatusUpdate struct {
	Channel  uint16
	Position int32
	Encoder  int32
	Bits     uint32
}

func ParseStatusUpdate(data []byte) (StatusUpdate, error) {
	if len(data) < 14 {
		return StatusUpdate{}, errors.Errorf("truncated status update: %d bytes", len(data))
	}
	return StatusUpdate{
		Channel:  binary.LittleEndian.Uint16(data[0:2]),
		Position: int32(binary.LittleEndian.Uint32(data[2:6])),
		Encoder:  int32(binary.LittleEndian.Uint32(data[6:10])),
		Bits:     binary.LittleEndian.Uint32(data[10:14]),
	}, nil
}

func (s StatusUpdate) Encode() []byte {
	data := make([]byte, 14)
	binary.LittleEndian.PutUint16(data[0:2], s.Channel)
	binary.LittleEndian.PutUint32(data[2:6], uint32(s.Position))
	binary.LittleEndian.PutUint32(data[6:10], uint32(s.Encoder))
	binary.LittleEndian.PutUint32(data[10:14], s.Bits)
	return data
}

// ErrorCode extracts the error code from HW_RESPONSE or HW_RICHRESPONSE.
func ErrorCode(f Frame) uint32 {
	if !f.Long() {
		return uint32(f.Param1) | uint32(f.Param2)<<8
	}
	if len(f.Data) < 4 {
		return 0
	}
	return uint32(binary.LittleEndian.Uint16(f.Data[2:4]))
}
