// Package replay records packet events to a file and plays them back as a
// capture source.
//
// A dump is a sequence of records, each a little endian u32 size followed
// by the event bytes. The file suffix selects the compression: ".lz4" and
// ".zst" compress the whole stream, ".snappy" compresses every event on its
// own and the size is that of the compressed block.
package replay

import (
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// MaxRecordSize bounds a single event when reading a dump.
	MaxRecordSize = 1 << 20
	// DefaultMaxDumpBytes caps the event bytes a Writer accepts.
	DefaultMaxDumpBytes = 1 << 30

	sizeLen = 4
)

var (
	ErrRecordTooLarge = errors.New("replay record too large")
	ErrDumpFull       = errors.New("replay dump size limit reached")
)

type codec uint8

const (
	codecNone codec = iota
	codecLZ4
	codecZstd
	codecSnappy
)

func codecOf(path string) codec {
	switch {
	case strings.HasSuffix(path, ".lz4"):
		return codecLZ4
	case strings.HasSuffix(path, ".zst"):
		return codecZstd
	case strings.HasSuffix(path, ".snappy"):
		return codecSnappy
	}
	return codecNone
}

func (c codec) String() string {
	switch c {
	case codecLZ4:
		return "lz4"
	case codecZstd:
		return "zstd"
	case codecSnappy:
		return "snappy"
	}
	return "none"
}

// streamWriter wraps w with the stream compressor of c. The returned
// closer flushes the compressor but leaves w open.
func (c codec) streamWriter(w io.Writer) (io.Writer, io.Closer, error) {
	switch c {
	case codecLZ4:
		zw := lz4.NewWriter(w)
		return zw, zw, nil
	case codecZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw, nil
	}
	return w, nil, nil
}

func (c codec) streamReader(r io.Reader) (io.Reader, func(), error) {
	switch c {
	case codecLZ4:
		return lz4.NewReader(r), func() {}, nil
	case codecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return r, func() {}, nil
}
