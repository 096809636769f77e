// Package proto implements the Katapult application-layer framing shared by
// the CAN and serial transports:
//
//	01 88 | CMD | WORDCNT | PAYLOAD (WORDCNT*4 bytes) | CRC16 (LE) | 99 03
//
// The CRC is CRC-16/CCITT (init 0xFFFF, poly 0x1021, no final xor) over
// CMD through the end of the payload.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/arksine/katapult-flashtool/internal/metrics"
)

var (
	Header  = []byte{0x01, 0x88}
	Trailer = []byte{0x99, 0x03}
)

const (
	// Overhead is header(2) + cmd + wordcnt + crc(2) + trailer(2).
	Overhead = 8
	// MaxPayload is the largest payload a device will send or accept:
	// a 512-byte block plus its 4-byte address.
	MaxPayload = 516
)

var (
	// ErrNeedMore reports that the buffer does not yet hold a complete frame.
	ErrNeedMore = errors.New("proto: incomplete frame")
	// ErrCRC reports a CRC mismatch on an otherwise complete frame.
	ErrCRC = errors.New("proto: frame crc mismatch")
	// ErrTrailer reports a complete frame whose trailer bytes are wrong.
	ErrTrailer = errors.New("proto: invalid trailer")
)

// Frame is a decoded Katapult frame. On responses Cmd carries the
// acknowledgement code and the first payload word echoes the request.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// CRC16CCITT is the standard crc16 ccitt used by the Klipper message
// protocol: init 0xFFFF, polynomial 0x1021, no reflection, no final xor.
func CRC16CCITT(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		d := b ^ byte(crc)
		d ^= (d & 0x0F) << 4
		crc = (uint16(d)<<8 | crc>>8) ^ uint16(d>>4) ^ uint16(d)<<3
	}
	return crc
}

// Build encodes a command frame. The payload length must be a multiple of
// four; callers pad before encoding.
func Build(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+Overhead)
	frame = append(frame, Header...)
	frame = append(frame, cmd, byte(len(payload)/4))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, CRC16CCITT(frame[2:]))
	frame = append(frame, Trailer...)
	return frame
}

// Scan extracts the first complete frame from buf. It drops leading bytes
// until the header aligns, then waits for WORDCNT*4+8 bytes. The returned
// count is how many bytes of buf were consumed (resync garbage plus the
// frame, if one completed); callers discard that prefix.
//
// A complete frame with a bad trailer or CRC is consumed and reported via
// ErrTrailer / ErrCRC so the command layer can log and retry.
func Scan(buf []byte) (Frame, int, error) {
	consumed := 0
	for {
		rest := buf[consumed:]
		if len(rest) < Overhead {
			return Frame{}, consumed, ErrNeedMore
		}
		if !bytes.HasPrefix(rest, Header) {
			consumed++
			metrics.IncMalformed()
			continue
		}
		total := int(rest[3])*4 + Overhead
		if len(rest) < total {
			return Frame{}, consumed, ErrNeedMore
		}
		raw := rest[:total]
		consumed += total
		if !bytes.Equal(raw[total-2:], Trailer) {
			metrics.IncMalformed()
			return Frame{Cmd: raw[2]}, consumed, fmt.Errorf(
				"%w: 0x%02x%02x", ErrTrailer, raw[total-2], raw[total-1])
		}
		want := binary.LittleEndian.Uint16(raw[total-4 : total-2])
		if got := CRC16CCITT(raw[2 : total-4]); got != want {
			metrics.IncMalformed()
			return Frame{Cmd: raw[2]}, consumed, fmt.Errorf(
				"%w: expected %d, received %d", ErrCRC, got, want)
		}
		payload := make([]byte, total-Overhead)
		copy(payload, raw[4:total-4])
		return Frame{Cmd: raw[2], Payload: payload}, consumed, nil
	}
}
