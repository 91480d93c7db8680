package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	snappy "github.com/eapache/go-xerial-snappy"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/protocols"
)

// Source plays a dump back through the observer loop.
type Source struct {
	path    string
	f       *os.File
	r       io.Reader
	release func()
	codec   codec
	buf     []byte
	hdr     [sizeLen]byte
	done    bool
	events  uint64

	// rebase shifts event timestamps so that the first one lands on the
	// time the dump is opened.
	rebase bool
	offset int64
	now    func() time.Time
}

// Open reads path with the codec its suffix selects. With rebase set the
// recorded timestamps are moved to the present, so that the loop's
// collection timeouts treat old dumps like live traffic.
func Open(path string, rebase bool) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	s := &Source{path: path, f: f, codec: codecOf(path), rebase: rebase, now: time.Now}
	s.r, s.release, err = s.codec.streamReader(bufio.NewReaderSize(f, 64<<10))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dump decompressor: %w", err)
	}
	return s, nil
}

func (s *Source) Name() string { return "replay:" + s.path }

// Done reports whether the whole dump was delivered.
func (s *Source) Done() bool { return s.done }

func (s *Source) Events() uint64 { return s.events }

func (s *Source) next() ([]byte, error) {
	if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record size: %w", err)
	}
	size := binary.LittleEndian.Uint32(s.hdr[:])
	if size >= MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	if cap(s.buf) < int(size) {
		s.buf = make([]byte, size)
	}
	s.buf = s.buf[:size]
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if s.codec != codecSnappy {
		return s.buf, nil
	}
	event, err := snappy.Decode(s.buf)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if len(event) >= MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(event))
	}
	return event, nil
}

func (s *Source) shift(event []byte) {
	if !s.rebase || len(event) < protocols.PacketEventHeaderSize {
		return
	}
	ts := int64(binary.LittleEndian.Uint64(event))
	if s.events == 0 {
		s.offset = s.now().UnixNano() - ts
	}
	binary.LittleEndian.PutUint64(event, uint64(ts+s.offset))
}

// Poll delivers up to max events. A read error ends the replay; events
// delivered before it still count.
func (s *Source) Poll(max int, maxWait time.Duration, handle func(event []byte)) (int, error) {
	if s.done {
		return 0, nil
	}
	deadline := s.now().Add(maxWait)
	n := 0
	for n < max {
		event, err := s.next()
		if err == io.EOF {
			s.finish()
			return n, nil
		}
		if err != nil {
			s.finish()
			return n, err
		}
		s.shift(event)
		handle(event)
		s.events++
		n++
		if n%16 == 0 && s.now().After(deadline) {
			break
		}
	}
	return n, nil
}

func (s *Source) finish() {
	if s.done {
		return
	}
	s.done = true
	log.Logger.Info().Str("path", s.path).Uint64("events", s.events).Msg("replay finished")
}

func (s *Source) Close() error {
	s.release()
	return s.f.Close()
}
