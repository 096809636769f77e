package socketcan

import (
	"encoding/binary"

	"github.com/arksine/katapult-flashtool/internal/can"
)

// FrameSize is the fixed length of a classic SocketCAN kernel record.
const FrameSize = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// NOTE: The kernel provides fields in host byte order. On common Linux
// archs (little-endian) this matches binary.LittleEndian. If you ever
// target big-endian, switch to BigEndian here.

// MarshalFrame packs fr into buf, which must be at least FrameSize bytes.
func MarshalFrame(fr can.Frame, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	buf[5], buf[6], buf[7] = 0, 0, 0
	copy(buf[8:16], fr.Data[:])
}

// UnmarshalFrame unpacks a kernel record from buf into fr.
func UnmarshalFrame(buf []byte, fr *can.Frame) {
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	fr.CANID = id
	fr.Len = uint8(dlc)
	copy(fr.Data[:dlc], buf[8:8+dlc])
}
