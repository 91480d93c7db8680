package replay

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"

	"github.com/ddosify/netobserver/protocols"
)

func testEvents(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		h := &protocols.PacketEventHeader{TimeNano: uint64(1000 + i), PID: 42, SockHash: uint32(i), EventType: protocols.EventData}
		h.SetRemote(netaddr.MustParseIP("10.0.0.1"), 6379)
		out = append(out, protocols.EncodePacketEvent(h, &protocols.PacketEventData{PtlType: protocols.ProtocolRedis},
			[]byte("*1\r\n$4\r\nPING\r\n")))
	}
	return out
}

func readAll(t *testing.T, s *Source, batch int) [][]byte {
	t.Helper()
	var got [][]byte
	for !s.Done() {
		n, err := s.Poll(batch, time.Second, func(e []byte) {
			got = append(got, append([]byte(nil), e...))
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, n, batch)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"events.dump", "events.lz4", "events.zst", "events.snappy"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			events := testEvents(250)

			w, err := Create(path, 0)
			require.NoError(t, err)
			for _, e := range events {
				require.NoError(t, w.Dump(e))
			}
			assert.Equal(t, uint64(250), w.Records())
			require.NoError(t, w.Close())

			s, err := Open(path, false)
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, events, readAll(t, s, 100))
			assert.Equal(t, uint64(250), s.Events())

			n, err := s.Poll(100, time.Second, func([]byte) { t.Fatal("no events after the end") })
			assert.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestDumpLimit(t *testing.T) {
	events := testEvents(3)
	w, err := Create(filepath.Join(t.TempDir(), "small.dump"), int64(2*len(events[0])))
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Dump(events[0]))
	require.NoError(t, w.Dump(events[1]))
	assert.ErrorIs(t, w.Dump(events[2]), ErrDumpFull)
	assert.Equal(t, uint64(2), w.Records())
}

func TestRecordTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.dump")
	var hdr [sizeLen]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxRecordSize)
	require.NoError(t, os.WriteFile(path, hdr[:], 0o644))

	s, err := Open(path, false)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Poll(10, time.Second, func([]byte) {})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.True(t, s.Done())
}

func TestTruncatedDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cut.dump")
	events := testEvents(2)
	w, err := Create(path, 0)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, w.Dump(e))
	}
	require.NoError(t, w.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b[:len(b)-3], 0o644))

	s, err := Open(path, false)
	require.NoError(t, err)
	defer s.Close()
	delivered := 0
	_, err = s.Poll(10, time.Second, func([]byte) { delivered++ })
	assert.Error(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRebase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.dump")
	w, err := Create(path, 0)
	require.NoError(t, err)
	for _, e := range testEvents(2) {
		require.NoError(t, w.Dump(e))
	}
	require.NoError(t, w.Close())

	s, err := Open(path, true)
	require.NoError(t, err)
	defer s.Close()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	var ts []uint64
	_, err = s.Poll(10, time.Second, func(e []byte) {
		h, _, _, err := protocols.DecodePacketEvent(e)
		require.NoError(t, err)
		ts = append(ts, h.TimeNano)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{uint64(now.UnixNano()), uint64(now.UnixNano()) + 1}, ts)
}
