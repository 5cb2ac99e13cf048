package mcast

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size of the datagram prefix: <session:4><type:4>
const HeaderSize = 8

var ErrShortDatagram = errors.New("datagram shorter than header")

// Datagram is the unit sent to a multicast group.
// Session is the random per-process tag used only to recognize our own broadcasts.
type Datagram struct {
	Session uint32
	Type    uint32
	Payload []byte
}

func (d *Datagram) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(d.Payload))
	binary.BigEndian.PutUint32(buf[0:4], d.Session)
	binary.BigEndian.PutUint32(buf[4:8], d.Type)
	copy(buf[HeaderSize:], d.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a datagram. The payload is copied so the read buffer can be reused.
func (d *Datagram) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortDatagram
	}
	d.Session = binary.BigEndian.Uint32(data[0:4])
	d.Type = binary.BigEndian.Uint32(data[4:8])
	d.Payload = append([]byte(nil), data[HeaderSize:]...)
	return nil
}

// IsFrom reports whether the datagram carries the given session tag
func (d *Datagram) IsFrom(session uint32) bool {
	return d.Session == session
}
