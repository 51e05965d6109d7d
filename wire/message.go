package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot make
// a reader allocate without limit.
const MaxFrameSize = 16 << 20

// headerSize is tag + sender + dest.
const headerSize = 2 + 4 + 4

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrShortFrame is returned when a frame is smaller than its header.
	ErrShortFrame = errors.New("short frame")
)

// Message is a single telegram on the bus.
type Message struct {
	Tag     Tag
	Sender  Handle
	Dest    Handle
	Payload []byte
}

// String summarizes the message for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s from %d to %d (%d bytes)", m.Tag, m.Sender, m.Dest, len(m.Payload))
}

// WriteFrame writes m as a length-prefixed frame:
//
//	uint32 length | uint16 tag | uint32 sender | uint32 dest | payload
//
// All integers are big-endian and length counts every byte after itself.
func WriteFrame(w io.Writer, m Message) error {
	n := headerSize + len(m.Payload)
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint16(buf[4:6], uint16(m.Tag))
	binary.BigEndian.PutUint32(buf[6:10], uint32(m.Sender))
	binary.BigEndian.PutUint32(buf[10:14], uint32(m.Dest))
	copy(buf[14:], m.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	if n < headerSize {
		return Message{}, ErrShortFrame
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}

	m := Message{
		Tag:    Tag(binary.BigEndian.Uint16(body[0:2])),
		Sender: Handle(binary.BigEndian.Uint32(body[2:6])),
		Dest:   Handle(binary.BigEndian.Uint32(body[6:10])),
	}
	if n > headerSize {
		m.Payload = body[headerSize:]
	}
	return m, nil
}
