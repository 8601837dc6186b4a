package rosserial

import (
	"encoding/binary"
	"errors"
	"time"
)

// Reserved topic ids. Ids below ReservedTopicLimit carry protocol
// control messages handled by the session itself; application topics
// start at ReservedTopicLimit.
const (
	TopicIDPublisher  uint16 = 0
	TopicIDSubscriber uint16 = 1
	TopicIDTime       uint16 = 10

	ReservedTopicLimit uint16 = 100
)

// ErrMessageOverrun is returned when a payload is shorter than the
// fields it declares. On a control topic this usually means the firmware
// speaks an older, incompatible descriptor layout.
var ErrMessageOverrun = errors.New("message shorter than declared fields")

// TopicInfo is the descriptor a device sends to announce a topic: the id
// it will use on the wire, the bus topic name, the message type with its
// checksum, and how large a message buffer the device reserves.
type TopicInfo struct {
	TopicID     uint16
	TopicName   string
	MessageType string
	MD5Sum      string
	BufferSize  int32
}

// Marshal serializes the descriptor in the device wire form: topic id as
// u16 LE, the three strings with u32 LE length prefixes, then the buffer
// size as s32 LE.
func (t TopicInfo) Marshal() []byte {
	n := 2 + 4 + len(t.TopicName) + 4 + len(t.MessageType) + 4 + len(t.MD5Sum) + 4
	buf := make([]byte, 0, n)
	buf = binary.LittleEndian.AppendUint16(buf, t.TopicID)
	buf = appendString(buf, t.TopicName)
	buf = appendString(buf, t.MessageType)
	buf = appendString(buf, t.MD5Sum)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.BufferSize))
	return buf
}

// UnmarshalTopicInfo parses a topic descriptor from a frame payload.
func UnmarshalTopicInfo(data []byte) (TopicInfo, error) {
	var info TopicInfo
	if len(data) < 2 {
		return info, ErrMessageOverrun
	}
	info.TopicID = binary.LittleEndian.Uint16(data)
	rest := data[2:]

	var err error
	if info.TopicName, rest, err = readString(rest); err != nil {
		return info, err
	}
	if info.MessageType, rest, err = readString(rest); err != nil {
		return info, err
	}
	if info.MD5Sum, rest, err = readString(rest); err != nil {
		return info, err
	}
	if len(rest) < 4 {
		return info, ErrMessageOverrun
	}
	info.BufferSize = int32(binary.LittleEndian.Uint32(rest))

	return info, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, ErrMessageOverrun
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, ErrMessageOverrun
	}
	return string(data[:n]), data[n:], nil
}

// marshalTime encodes a wall-clock reply: seconds and nanoseconds since
// the Unix epoch, both u32 LE.
func marshalTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(t.Unix()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.Nanosecond()))
	return buf
}
