package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Administrative channel IDs used by Klipper and Katapult for node
// enumeration and control. Requests go out on AdminID, responses arrive
// on AdminRespID.
const (
	AdminID     = 0x3F0
	AdminRespID = 0x3F1
)

// Admin request opcodes (first payload byte on AdminID).
const (
	CmdQueryUnassigned    = 0x00
	CmdRebootToBootloader = 0x02 // handled by the running application, not the bootloader
	CmdSetNodeID          = 0x11
	CmdClearNodeIDs       = 0x12
)

// RespNeedNodeID is the first byte of an 8-byte query response carrying a
// device UUID and an optional application-type byte.
const RespNeedNodeID = 0x20

// Application-type bytes reported in query responses.
const (
	AppTypeKatapult      = 0x01
	AppTypeKlipper       = 0x11
	AppTypeKlipperLegacy = 0x00 // CanBoot-era Klipper firmware
)

// NodeIDOffset is the first node ID the host hands out.
const NodeIDOffset = 128

// DeviceRxID returns the CAN ID a device with the given node ID listens on.
// The host writes to this ID.
func DeviceRxID(node uint8) uint32 { return 2*uint32(node) + 0x100 }

// DeviceTxID returns the CAN ID a device with the given node ID transmits
// on. The host listens on this ID.
func DeviceTxID(node uint8) uint32 { return DeviceRxID(node) + 1 }

// Frame is a classic CAN frame holder used across the flasher.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the payload length (0..8); only the first Len bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
