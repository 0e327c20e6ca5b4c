package chat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned for a payload whose leading tag names no
	// known variant.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrShortPayload is returned when a payload ends before the fields of
	// its variant are complete.
	ErrShortPayload = errors.New("payload truncated")
	// ErrTrailingBytes is returned when a payload carries bytes past the end
	// of its variant.
	ErrTrailingBytes = errors.New("payload has trailing bytes")
)

const (
	tagSize = 4
	lenSize = 8
)

// Marshal encodes m into its wire payload: a little endian u32 variant tag
// followed by the variant fields in order. Strings and byte vectors carry a
// little endian u64 byte length before their raw bytes.
func Marshal(m Message) ([]byte, error) {
	w := wireWriter{buf: make([]byte, 0, marshalSize(m))}
	w.u32(uint32(m.Kind()))
	switch m := m.(type) {
	case *Text:
		w.str(m.Body)
	case *File:
		w.str(m.Name)
		w.bytes(m.Data)
	case *Image:
		w.bytes(m.Data)
	case *Login:
		w.str(m.Username)
		w.str(m.Password)
	case *Signup:
		w.str(m.Username)
		w.str(m.Password)
	case *Passwd:
		w.str(m.NewPassword)
	case *Quit:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return w.buf, nil
}

// Unmarshal decodes a single wire payload produced by Marshal. The payload
// must hold exactly one message; leftover bytes are an error.
func Unmarshal(data []byte) (Message, error) {
	r := wireReader{buf: data}
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	var m Message
	switch Kind(tag) {
	case KindText:
		t := &Text{}
		t.Body, err = r.str()
		m = t
	case KindFile:
		f := &File{}
		if f.Name, err = r.str(); err == nil {
			f.Data, err = r.bytes()
		}
		m = f
	case KindImage:
		i := &Image{}
		i.Data, err = r.bytes()
		m = i
	case KindLogin:
		l := &Login{}
		if l.Username, err = r.str(); err == nil {
			l.Password, err = r.str()
		}
		m = l
	case KindSignup:
		s := &Signup{}
		if s.Username, err = r.str(); err == nil {
			s.Password, err = r.str()
		}
		m = s
	case KindPasswd:
		p := &Passwd{}
		p.NewPassword, err = r.str()
		m = p
	case KindQuit:
		m = &Quit{}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownKind, tag)
	}
	if err != nil {
		return nil, err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d past end of %s", ErrTrailingBytes, len(r.buf)-r.off, m.Kind())
	}
	return m, nil
}

func marshalSize(m Message) int {
	n := tagSize
	switch m := m.(type) {
	case *Text:
		n += lenSize + len(m.Body)
	case *File:
		n += 2*lenSize + len(m.Name) + len(m.Data)
	case *Image:
		n += lenSize + len(m.Data)
	case *Login:
		n += 2*lenSize + len(m.Username) + len(m.Password)
	case *Signup:
		n += 2*lenSize + len(m.Username) + len(m.Password)
	case *Passwd:
		n += lenSize + len(m.NewPassword)
	}
	return n
}

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *wireWriter) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *wireWriter) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) u32() (uint32, error) {
	if len(r.buf)-r.off < tagSize {
		return 0, fmt.Errorf("%w: at offset %d", ErrShortPayload, r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += tagSize
	return v, nil
}

func (r *wireReader) u64() (uint64, error) {
	if len(r.buf)-r.off < lenSize {
		return 0, fmt.Errorf("%w: at offset %d", ErrShortPayload, r.off)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += lenSize
	return v, nil
}

func (r *wireReader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *wireReader) bytes() ([]byte, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPayload, n, r.off, len(r.buf)-r.off)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:])
	r.off += int(n)
	return b, nil
}
