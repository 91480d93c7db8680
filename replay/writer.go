package replay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	snappy "github.com/eapache/go-xerial-snappy"

	"github.com/ddosify/netobserver/log"
)

// Writer appends packet events to a dump file. It is not safe for
// concurrent use; the observer loop is its only caller.
type Writer struct {
	path    string
	f       *os.File
	buf     *bufio.Writer
	w       io.Writer
	zc      io.Closer
	codec   codec
	max     int64
	written int64
	records uint64
	hdr     [sizeLen]byte
}

// Create truncates path and returns a Writer accepting up to maxBytes of
// event bytes; maxBytes <= 0 means DefaultMaxDumpBytes.
func Create(path string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDumpBytes
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump: %w", err)
	}
	w := &Writer{path: path, f: f, buf: bufio.NewWriterSize(f, 64<<10), codec: codecOf(path), max: maxBytes}
	w.w, w.zc, err = w.codec.streamWriter(w.buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dump compressor: %w", err)
	}
	log.Logger.Info().Str("path", path).Str("codec", w.codec.String()).Int64("max", maxBytes).Msg("packet dump started")
	return w, nil
}

// Dump appends one event. Once the size limit is hit every call returns
// ErrDumpFull.
func (w *Writer) Dump(event []byte) error {
	if w.written+int64(len(event)) > w.max {
		return ErrDumpFull
	}
	body := event
	if w.codec == codecSnappy {
		body = snappy.Encode(event)
	}
	binary.LittleEndian.PutUint32(w.hdr[:], uint32(len(body)))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	w.written += int64(len(event))
	w.records++
	return nil
}

func (w *Writer) Records() uint64 { return w.records }

func (w *Writer) Written() int64 { return w.written }

func (w *Writer) Close() error {
	var first error
	if w.zc != nil {
		first = w.zc.Close()
	}
	if err := w.buf.Flush(); err != nil && first == nil {
		first = err
	}
	if err := w.f.Close(); err != nil && first == nil {
		first = err
	}
	log.Logger.Info().Str("path", w.path).Uint64("records", w.records).Int64("bytes", w.written).Msg("packet dump closed")
	return first
}
