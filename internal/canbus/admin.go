package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arksine/katapult-flashtool/internal/can"
	"github.com/arksine/katapult-flashtool/internal/stream"
)

// queryWindow is how long the host collects responses to a query-unassigned
// broadcast before giving up on further devices.
const queryWindow = 2 * time.Second

// Application identifies what firmware answered a query-unassigned request.
type Application string

const (
	AppKatapult Application = "Katapult"
	AppKlipper  Application = "Klipper"
	AppUnknown  Application = "Unknown"
)

func applicationFromByte(b byte) Application {
	switch b {
	case can.AppTypeKatapult:
		return AppKatapult
	case can.AppTypeKlipper, can.AppTypeKlipperLegacy:
		return AppKlipper
	default:
		return AppUnknown
	}
}

// Device is one responder to a query-unassigned broadcast.
type Device struct {
	UUID        UUID
	Application Application
}

// JumpToBootloader asks the application owning uuid to reboot into its
// bootloader. Best effort; no reply is expected.
func (s *Socket) JumpToBootloader(uuid UUID) error {
	b := uuid.Bytes()
	payload := append([]byte{can.CmdRebootToBootloader}, b[:]...)
	return s.send(can.AdminID, payload)
}

// ResetNodeIDs broadcasts a clear of any previously assigned node IDs.
func (s *Socket) ResetNodeIDs() error {
	return s.send(can.AdminID, []byte{can.CmdClearNodeIDs})
}

// QueryUnassigned broadcasts a query and collects responses for two
// seconds. Duplicate responders are listed once.
func (s *Socket) QueryUnassigned(ctx context.Context) ([]Device, error) {
	if err := s.admin.Write([]byte{can.CmdQueryUnassigned}); err != nil {
		return nil, err
	}
	var devices []Device
	seen := make(map[UUID]bool)
	deadline := time.Now().Add(queryWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return devices, nil
		}
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		resp, err := s.admin.Read(8, remaining)
		if err != nil {
			if errors.Is(err, stream.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return devices, nil
			}
			return devices, err
		}
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if len(resp) < 7 || resp[0] != can.RespNeedNodeID {
			continue
		}
		app := AppUnknown
		if len(resp) > 7 {
			app = applicationFromByte(resp[7])
		}
		uuid := UUIDFromBytes(resp[1:7])
		if seen[uuid] {
			continue
		}
		seen[uuid] = true
		devices = append(devices, Device{UUID: uuid, Application: app})
	}
}

// AssignNodeID hands uuid the next free node ID and returns the endpoint
// for talking to it. Node IDs start at 128 and are never recycled within a
// socket's lifetime.
func (s *Socket) AssignNodeID(uuid UUID) (*Node, error) {
	s.mu.Lock()
	id := s.nextID
	if id < can.NodeIDOffset { // counter wrapped
		s.mu.Unlock()
		return nil, fmt.Errorf("node ids exhausted")
	}
	s.nextID++
	s.mu.Unlock()

	b := uuid.Bytes()
	payload := append([]byte{can.CmdSetNodeID}, b[:]...)
	payload = append(payload, id)
	if err := s.admin.Write(payload); err != nil {
		return nil, err
	}
	return s.addNode(can.DeviceRxID(id), can.DeviceTxID(id), id), nil
}
