package server

import "sync/atomic"

// Stats is a lightweight snapshot of server behavior.
//
// It is intended for observability (tests, debugging) rather than strict
// accounting. Values are monotonically increasing counters except
// ConnsActive, and ConnsMaxActive which is a best-effort max.
type Stats struct {
	ConnsAccepted  uint64
	ConnsActive    int64
	ConnsMaxActive uint64
	ConnErrors     uint64

	FramesRead    uint64
	FramesWritten uint64

	Requests      uint64
	Hits          uint64
	Misses        uint64
	Puts          uint64
	BackendErrors uint64
	StreamResets  uint64
}

type serverMetrics struct {
	connsAccepted  atomic.Uint64
	connsActive    atomic.Int64
	connsMaxActive atomic.Uint64
	connErrors     atomic.Uint64
	framesRead     atomic.Uint64
	framesWritten  atomic.Uint64
	requests       atomic.Uint64
	hits           atomic.Uint64
	misses         atomic.Uint64
	puts           atomic.Uint64
	backendErrors  atomic.Uint64
	streamResets   atomic.Uint64
}

func (m *serverMetrics) observeConnOpen() {
	m.connsAccepted.Add(1)
	active := m.connsActive.Add(1)
	updateMaxU64(&m.connsMaxActive, uint64(active))
}

func (m *serverMetrics) observeConnClose() {
	m.connsActive.Add(-1)
}

func (m *serverMetrics) snapshot() Stats {
	return Stats{
		ConnsAccepted:  m.connsAccepted.Load(),
		ConnsActive:    m.connsActive.Load(),
		ConnsMaxActive: m.connsMaxActive.Load(),
		ConnErrors:     m.connErrors.Load(),
		FramesRead:     m.framesRead.Load(),
		FramesWritten:  m.framesWritten.Load(),
		Requests:       m.requests.Load(),
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		Puts:           m.puts.Load(),
		BackendErrors:  m.backendErrors.Load(),
		StreamResets:   m.streamResets.Load(),
	}
}

func updateMaxU64(dst *atomic.Uint64, v uint64) {
	for {
		cur := dst.Load()
		if v <= cur {
			return
		}
		if dst.CompareAndSwap(cur, v) {
			return
		}
	}
}
