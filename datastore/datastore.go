package datastore

import (
	"context"
	"sync"

	"github.com/ddosify/netobserver/log"
)

// Record is one flushed row. Keys are part of the wire contract with
// downstream consumers.
type Record map[string]string

// Sink receives every batch flushed by the observer loop.
type Sink interface {
	Send(ctx context.Context, records []Record) error
}

// MemorySink keeps every record it was given.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Send(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		m.records = append(m.records, cp)
	}
	return nil
}

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Filter returns the records whose key equals value.
func (m *MemorySink) Filter(key, value string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r[key] == value {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

// LogSink writes records to the debug log, for runs without a backend.
type LogSink struct{}

func (LogSink) Send(_ context.Context, records []Record) error {
	for _, r := range records {
		ev := log.Logger.Debug()
		for k, v := range r {
			ev = ev.Str(k, v)
		}
		ev.Msg("record")
	}
	return nil
}
