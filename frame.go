package rosserial

import (
	"encoding/binary"
	"errors"
)

// Version identifies the wire-protocol generation spoken by a device.
// It is unknown until the first recognized sync sequence and fixed for
// the remainder of the connection.
type Version int

// Wire-protocol generations.
const (
	VersionUnknown Version = 0
	VersionV1      Version = 1 // sync 0xFF 0xFF, no length checksum
	VersionV2      Version = 2 // sync 0xFF 0xFE, length checksum in header
)

// String returns the string representation of the version.
func (v Version) String() string {
	switch v {
	case VersionV1:
		return "V1"
	case VersionV2:
		return "V2"
	default:
		return "unknown"
	}
}

// Sync preamble bytes.
const (
	SyncFirst    byte = 0xFF
	SyncSecondV1 byte = 0xFF
	SyncSecondV2 byte = 0xFE
)

// MaxPayloadLength is the largest payload a frame may declare.
const MaxPayloadLength = 0x7FFF

// Header length after the sync preamble: topic id and length, plus the
// length checksum byte on V2.
const (
	headerLenV1 = 4
	headerLenV2 = 5

	frameOverheadV1 = 7
	frameOverheadV2 = 8
)

// Frame encoding errors.
var (
	ErrVersionUnknown  = errors.New("protocol version not negotiated")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame length")
)

// Checksum computes the frame checksum over a topic id and a byte range:
// 255 minus the byte sum of the topic id, the range length, and the range
// itself, modulo 256. A received frame is intact when the checksum over
// its payload including the trailing checksum byte equals 0xFF.
func Checksum(topicID uint16, data []byte) uint8 {
	length := uint16(len(data))
	sum := uint8(topicID>>8) + uint8(topicID) + uint8(length>>8) + uint8(length)
	for _, b := range data {
		sum += b
	}
	return 255 - sum
}

// LengthChecksum computes the V2 header checksum for a declared payload
// length.
func LengthChecksum(length uint16) uint8 {
	return 255 - uint8((length&0xFF)+(length>>8))
}

// EncodeFrame builds a complete wire frame: sync preamble, topic id,
// payload length, payload and trailing checksum. Encoding is refused
// while the version is still unknown, since the device has not been
// heard from yet.
func EncodeFrame(topicID uint16, payload []byte, version Version) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}

	length := uint16(len(payload))

	var buf []byte
	switch version {
	case VersionV1:
		buf = make([]byte, 0, frameOverheadV1+len(payload))
		buf = append(buf, SyncFirst, SyncSecondV1)
	case VersionV2:
		buf = make([]byte, 0, frameOverheadV2+len(payload))
		buf = append(buf, SyncFirst, SyncSecondV2)
	default:
		return nil, ErrVersionUnknown
	}

	buf = binary.LittleEndian.AppendUint16(buf, topicID)
	buf = binary.LittleEndian.AppendUint16(buf, length)
	if version == VersionV2 {
		buf = append(buf, LengthChecksum(length))
	}
	buf = append(buf, payload...)
	buf = append(buf, Checksum(topicID, payload))

	return buf, nil
}
