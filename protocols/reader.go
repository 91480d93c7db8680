package protocols

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var ErrOutOfBounds = errors.New("read past end of buffer")

// Reader is a cursor over a captured payload. Every accessor is bounds
// checked; payloads come from arbitrary traffic.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Len() int      { return len(r.buf) - r.pos }
func (r *Reader) Pos() int      { return r.pos }
func (r *Reader) Bytes() []byte { return r.buf[r.pos:] }

func (r *Reader) Skip(n int) error {
	if n < 0 || r.Len() < n {
		return ErrOutOfBounds
	}
	r.pos += n
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrOutOfBounds
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) PeekByte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrOutOfBounds
	}
	return r.buf[r.pos], nil
}

func (r *Reader) Next(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrOutOfBounds
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Uint16BE() (uint16, error) {
	b, err := r.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint16LE() (uint16, error) {
	b, err := r.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32BE() (uint32, error) {
	b, err := r.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint24LE reads the three byte little endian length used by MySQL framing.
func (r *Reader) Uint24LE() (uint32, error) {
	b, err := r.Next(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

// ReadUntil returns the bytes up to sep and consumes sep as well.
func (r *Reader) ReadUntil(sep byte) ([]byte, error) {
	i := bytes.IndexByte(r.buf[r.pos:], sep)
	if i < 0 {
		return nil, ErrOutOfBounds
	}
	b := r.buf[r.pos : r.pos+i]
	r.pos += i + 1
	return b, nil
}

// ReadLine returns one CRLF terminated line without the terminator.
func (r *Reader) ReadLine() ([]byte, error) {
	i := bytes.Index(r.buf[r.pos:], []byte("\r\n"))
	if i < 0 {
		return nil, ErrOutOfBounds
	}
	b := r.buf[r.pos : r.pos+i]
	r.pos += i + 2
	return b, nil
}
