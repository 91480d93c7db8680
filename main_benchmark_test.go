package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cilium/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/observer"
	"github.com/ddosify/netobserver/protocols"
)

type FakePod struct {
	Name  string
	IP    netaddr.IP
	Image string
	PID   uint32
}

type SimulatorConfig struct {
	podCount     int
	connsPerPod  int
	exchangeSize int // events per exchange, request and response
}

// Simulator generates HTTP traffic between fake pods and serves it as an
// observer source.
type Simulator struct {
	conf    SimulatorConfig
	pods    []*FakePod
	procDir string

	next   int
	tsNano uint64
	buf    []byte
}

var _ observer.Source = (*Simulator)(nil)

func CreateSimulator(conf SimulatorConfig, procDir string) *Simulator {
	return &Simulator{conf: conf, procDir: procDir, tsNano: uint64(time.Now().UnixNano())}
}

// Setup creates the pods and a procfs entry per pod process.
func (s *Simulator) Setup() error {
	for i := 0; i < s.conf.podCount; i++ {
		ip, err := netaddr.ParseIP(fake.IP())
		if err != nil {
			return err
		}
		p := &FakePod{Name: fake.Name(), IP: ip, Image: fake.Name(), PID: uint32(20000 + i)}
		dir := filepath.Join(s.procDir, fmt.Sprint(p.PID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte("/app/"+p.Image+"\x00serve\x00"), 0o644); err != nil {
			return err
		}
		s.pods = append(s.pods, p)
	}
	return nil
}

func (s *Simulator) Name() string { return "simulator" }

func (s *Simulator) event(pod *FakePod, peer *FakePod, sockHash uint32, pkt protocols.PacketType,
	msg protocols.MessageType, payload []byte) []byte {
	s.tsNano += uint64(time.Millisecond)
	h := &protocols.PacketEventHeader{
		TimeNano:  s.tsNano,
		PID:       pod.PID,
		SockHash:  sockHash,
		EventType: protocols.EventData,
		RoleType:  protocols.RoleClient,
	}
	h.SetLocal(pod.IP, 40000)
	h.SetRemote(peer.IP, 8080)
	s.buf = protocols.AppendPacketEvent(s.buf, h, &protocols.PacketEventData{
		PtlType: protocols.ProtocolHTTP,
		PktType: pkt,
		MsgType: msg,
		RealLen: uint32(len(payload)),
	}, payload)
	return s.buf
}

// Poll emits whole request and response exchanges, round robin over pods
// and their connections.
func (s *Simulator) Poll(max int, _ time.Duration, handle func(event []byte)) (int, error) {
	n := 0
	for n+s.conf.exchangeSize <= max {
		i := s.next
		s.next++
		pod := s.pods[i%len(s.pods)]
		peer := s.pods[(i+1)%len(s.pods)]
		conn := (i / len(s.pods)) % s.conf.connsPerPod
		sockHash := uint32(xxhash.Sum64String(fmt.Sprintf("%s/%d", pod.Name, conn)))

		path := fmt.Sprintf("/items/%d", i%4)
		handle(s.event(pod, peer, sockHash, protocols.PacketOut, protocols.MessageRequest,
			[]byte("GET "+path+" HTTP/1.1\r\nHost: "+peer.Name+"\r\n\r\n")))
		handle(s.event(pod, peer, sockHash, protocols.PacketIn, protocols.MessageResponse,
			[]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")))
		n += s.conf.exchangeSize
	}
	return n, nil
}

func (s *Simulator) Close() error { return nil }

func newSimulation(tb testing.TB) (*observer.NetworkObserver, *Simulator, *datastore.MemorySink) {
	tb.Helper()
	cfg := config.DefaultNetworkConfig()
	cfg.Common.ProcRoot = tb.TempDir()
	cfg.Common.CgroupRoot = tb.TempDir()
	require.NoError(tb, cfg.Compile())

	sim := CreateSimulator(SimulatorConfig{podCount: 30, connsPerPod: 4, exchangeSize: 2}, cfg.Common.ProcRoot)
	require.NoError(tb, sim.Setup())

	sink := datastore.NewMemorySink()
	obs := observer.NewNetworkObserver(cfg, sink, nil, nil)
	obs.SetSources(sim)
	return obs, sim, sink
}

func feedSimulation(tb testing.TB, obs *observer.NetworkObserver, sim *Simulator, events int) {
	tb.Helper()
	for sent := 0; sent < events; {
		n, err := sim.Poll(100, 0, func(event []byte) {
			if err := obs.OnPacketEvent(event); err != nil {
				tb.Fatal(err)
			}
		})
		require.NoError(tb, err)
		sent += n
	}
}

func TestSimulation(t *testing.T) {
	obs, sim, _ := newSimulation(t)
	feedSimulation(t, obs, sim, 2400)

	assert.Equal(t, 30, obs.ProcessCount())
	assert.Equal(t, uint64(2400), obs.Statistics().ProtocolMatched.Load())

	recs := obs.FlushL7()
	require.NotEmpty(t, recs)
	var count int
	for _, r := range recs {
		assert.Equal(t, "http", r["protocol"])
		assert.Equal(t, "200", r["resp_code"])
		var c int
		_, err := fmt.Sscan(r["count"], &c)
		require.NoError(t, err)
		count += c
	}
	assert.Equal(t, 1200, count)
}

func PrintMemUsage() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	// For info on each, see: https://golang.org/pkg/runtime/#MemStats
	log.Logger.Info().
		Uint64("allocMiB", bToMb(m.Alloc)).
		Uint64("totalAllocMiB", bToMb(m.TotalAlloc)).
		Uint64("sysMiB", bToMb(m.Sys)).
		Uint32("numGC", m.NumGC).
		Msg("memory usage")
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

func BenchmarkObserver(b *testing.B) {
	obs, sim, _ := newSimulation(b)
	b.ReportAllocs()
	b.ResetTimer()
	feedSimulation(b, obs, sim, 2*b.N)
	b.StopTimer()

	obs.FlushL7()
	obs.GarbageCollection(uint64(time.Now().UnixNano()))
	PrintMemUsage()
}
