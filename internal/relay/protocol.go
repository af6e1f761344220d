// Package relay speaks the event-timestamping relay device protocol:
// single-byte command tags over a serial link, fixed little-endian
// reply frames, and unsolicited edge events. The framing is bit-exact
// with the device firmware; nothing here may change width or order.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxChannels is the number of timestamping channels the device
	// exposes, numbered 0 through MaxChannels-1.
	MaxChannels = 13

	// BaudRate of the serial link.
	BaudRate = 9600
)

type Tag byte

const (
	TagConnect    Tag = 'A'
	TagDisconnect Tag = 'Z'
	TagStart      Tag = 'S'
	TagStop       Tag = 'E'
	TagReboot     Tag = 'Y'
	TagEvent      Tag = 'T'
)

// Frame is one reply or event from the device. Connect and disconnect
// acks carry only the tag; start/stop acks and edge events carry the
// full channel/level/elapsed payload.
type Frame struct {
	Tag     Tag
	Channel uint16
	// Level is the state flag on acks (1 after start, 0 after stop) and
	// the line level on edge events.
	Level   uint8
	Elapsed uint32
}

// payloadSize is the fixed body after a payload-bearing tag:
// channel(2) + level(1) + elapsed(4), all little-endian.
const payloadSize = 7

func (f Frame) hasPayload() bool {
	return f.Tag == TagStart || f.Tag == TagStop || f.Tag == TagEvent
}

// Encode renders the frame exactly as the device emits it.
func (f Frame) Encode() []byte {
	if !f.hasPayload() {
		return []byte{byte(f.Tag)}
	}
	out := make([]byte, 1+payloadSize)
	out[0] = byte(f.Tag)
	binary.LittleEndian.PutUint16(out[1:3], f.Channel)
	out[3] = f.Level
	binary.LittleEndian.PutUint32(out[4:8], f.Elapsed)
	return out
}

func (f Frame) String() string {
	if !f.hasPayload() {
		return fmt.Sprintf("%c", f.Tag)
	}
	return fmt.Sprintf("%c,%d,%d,%d", f.Tag, f.Channel, f.Level, f.Elapsed)
}

// ReadFrame reads one device frame. It blocks until a full frame
// arrives or the reader fails.
func ReadFrame(r io.Reader) (Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Frame{}, err
	}

	frame := Frame{Tag: Tag(tag[0])}
	switch frame.Tag {
	case TagConnect, TagDisconnect:
		return frame, nil
	case TagStart, TagStop, TagEvent:
		var body [payloadSize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Frame{}, err
		}
		frame.Channel = binary.LittleEndian.Uint16(body[0:2])
		frame.Level = body[2]
		frame.Elapsed = binary.LittleEndian.Uint32(body[3:7])
		return frame, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame tag 0x%02x", tag[0])
	}
}

// WriteCommand sends one host command. Channel is appended only for the
// start/stop tags; the other commands are the bare tag byte.
func WriteCommand(w io.Writer, tag Tag, channel uint16) error {
	var out []byte
	switch tag {
	case TagStart, TagStop:
		out = make([]byte, 3)
		out[0] = byte(tag)
		binary.LittleEndian.PutUint16(out[1:3], channel)
	case TagConnect, TagDisconnect, TagReboot:
		out = []byte{byte(tag)}
	default:
		return fmt.Errorf("unknown command tag 0x%02x", byte(tag))
	}
	_, err := w.Write(out)
	return err
}
