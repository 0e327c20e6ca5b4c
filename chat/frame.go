package chat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	framePrefixSize = 4

	// DefaultMaxFrameSize bounds the payload of a single frame. Larger
	// announced lengths are treated as protocol errors instead of
	// allocation requests.
	DefaultMaxFrameSize uint32 = 64 << 20
)

// ErrFrameTooLarge is returned when a frame payload exceeds the codec limit,
// on send before any bytes are written and on receive before any allocation.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// FrameCodec reads and writes Messages over a byte stream. Every frame is a
// little endian u32 payload length followed by that many payload bytes. A
// zero length frame is a valid no-op used as a heartbeat.
//
// Writes are serialized internally, so one codec may be shared by the fan-out
// and reply paths of a connection. Reads must stay on a single goroutine.
type FrameCodec struct {
	rw       io.ReadWriter
	maxFrame uint32

	wmu sync.Mutex
}

// FrameCodecOption modifies a FrameCodec during construction.
type FrameCodecOption func(c *FrameCodec)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n uint32) FrameCodecOption {
	return func(c *FrameCodec) {
		c.maxFrame = n
	}
}

// NewFrameCodec wraps rw, normally a net.Conn, in a frame codec.
func NewFrameCodec(rw io.ReadWriter, options ...FrameCodecOption) *FrameCodec {
	c := &FrameCodec{
		rw:       rw,
		maxFrame: DefaultMaxFrameSize,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Send encodes m and writes it as one frame. The prefix and payload go out in
// a single Write call under the codec write lock, so concurrent senders can
// not interleave frame bytes.
func (c *FrameCodec) Send(m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if uint32(len(payload)) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, framePrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[framePrefixSize:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.rw.Write(buf)
	if err != nil {
		return fmt.Errorf("frame write err=%w", err)
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// Heartbeat writes a zero length frame. Receivers skip it; its only effect is
// probing that the stream still accepts writes.
func (c *FrameCodec) Heartbeat() error {
	var prefix [framePrefixSize]byte
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write(prefix[:]); err != nil {
		return fmt.Errorf("heartbeat write err=%w", err)
	}
	return nil
}

// ReadNext reads one frame and decodes its payload.
//
// It returns (nil, nil) when no message was produced but the stream is still
// healthy: a heartbeat frame, or a read deadline that expired before any
// prefix byte arrived. io.EOF reports the peer closing cleanly between
// frames. io.ErrUnexpectedEOF reports a close with a partial frame on the
// wire. Any other error means the stream can no longer be trusted to be
// frame aligned.
func (c *FrameCodec) ReadNext() (Message, error) {
	var prefix [framePrefixSize]byte
	n, err := io.ReadFull(c.rw, prefix[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && n == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("frame prefix read err=%w", err)
	}

	size := binary.LittleEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, nil
	}
	if size > c.maxFrame {
		return nil, fmt.Errorf("%w: announced %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		// EOF past the prefix always leaves a partial frame behind.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame payload read err=%w", err)
	}

	m, err := Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("frame decode err=%w", err)
	}
	return m, nil
}
