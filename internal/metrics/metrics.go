// Package metrics holds the scheduler's monotonic counters and last-value
// gauges. All writers run on the event-loop thread; values are stored with
// atomics only so the observability HTTP server can read a snapshot from
// another goroutine.
package metrics

import (
	"sync/atomic"

	"github.com/haochend/uma-serve/pkg/types"
)

// Metrics is the single-writer counter record.
type Metrics struct {
	TokensGeneratedTotal atomic.Uint64
	BatchCallsTotal      atomic.Uint64
	LastBatchSize        atomic.Uint32

	DecodeMsLast atomic.Uint32
	// EWMA in fixed point x1000 to avoid a float atomic
	decodeMsEwmaX1000 atomic.Uint32

	DecodeCalls       atomic.Uint64
	DecodeNsTotal     atomic.Uint64
	DecodeTokensTotal atomic.Uint64
	DecodeMsMin       atomic.Uint32
	DecodeMsMax       atomic.Uint32

	DecodePhaseTokensTotal atomic.Uint64
	PrefillTokensTotal     atomic.Uint64
	DecodeNsTotalGen       atomic.Uint64
	PrefillNsTotal         atomic.Uint64

	BMTUnitsLast atomic.Uint64

	// ActiveSessions mirrors the store size so snapshots taken off the
	// loop thread do not touch the session map.
	ActiveSessions atomic.Uint32
}

// New returns a zeroed record with the min gauge primed.
func New() *Metrics {
	m := &Metrics{}
	m.DecodeMsMin.Store(^uint32(0))
	return m
}

// SetDecodeMsEwma stores the EWMA in milliseconds.
func (m *Metrics) SetDecodeMsEwma(ms float64) {
	if ms < 0 {
		ms = 0
	}
	m.decodeMsEwmaX1000.Store(uint32(ms * 1000))
}

// DecodeMsEwma reads the EWMA in milliseconds.
func (m *Metrics) DecodeMsEwma() float64 {
	return float64(m.decodeMsEwmaX1000.Load()) / 1000
}

// ObserveDecode records one batched decode call: wall time, batch size,
// and the generation/prefill split. elapsed is attributed proportionally
// to each phase's token count.
func (m *Metrics) ObserveDecode(elapsedNs uint64, batchTokens, genTokens, prefillTokens int) {
	m.BatchCallsTotal.Add(1)
	m.LastBatchSize.Store(uint32(batchTokens))

	ms := uint32(elapsedNs / 1e6)
	m.DecodeMsLast.Store(ms)
	m.DecodeCalls.Add(1)
	m.DecodeNsTotal.Add(elapsedNs)
	m.DecodeTokensTotal.Add(uint64(batchTokens))
	if ms < m.DecodeMsMin.Load() {
		m.DecodeMsMin.Store(ms)
	}
	if ms > m.DecodeMsMax.Load() {
		m.DecodeMsMax.Store(ms)
	}

	total := genTokens + prefillTokens
	if total > 0 {
		genNs := elapsedNs * uint64(genTokens) / uint64(total)
		m.DecodePhaseTokensTotal.Add(uint64(genTokens))
		m.PrefillTokensTotal.Add(uint64(prefillTokens))
		m.DecodeNsTotalGen.Add(genNs)
		m.PrefillNsTotal.Add(elapsedNs - genNs)
	}

	promBatchCalls.Inc()
	promDecodeSeconds.Observe(float64(elapsedNs) / 1e9)
	promBatchTokens.Observe(float64(batchTokens))
}

// Snapshot materializes the wire metrics object. activeSessions is
// supplied by the caller at snapshot time.
func (m *Metrics) Snapshot(activeSessions uint32) types.MetricsSnapshot {
	s := types.MetricsSnapshot{
		TokensGeneratedTotal: m.TokensGeneratedTotal.Load(),
		BatchCallsTotal:      m.BatchCallsTotal.Load(),
		LastBatchSize:        m.LastBatchSize.Load(),
		DecodeMsLast:         m.DecodeMsLast.Load(),
		DecodeMsEwma:         m.DecodeMsEwma(),
		DecodeCalls:          m.DecodeCalls.Load(),
		DecodeNsTotal:        m.DecodeNsTotal.Load(),
		DecodeTokens:         m.DecodeTokensTotal.Load(),
		DecodeMsMax:          m.DecodeMsMax.Load(),
		DecodePhaseTokens:    m.DecodePhaseTokensTotal.Load(),
		PrefillTokens:        m.PrefillTokensTotal.Load(),
		DecodeNsGen:          m.DecodeNsTotalGen.Load(),
		PrefillNs:            m.PrefillNsTotal.Load(),
		BMTUnitsLast:         m.BMTUnitsLast.Load(),
		ActiveSessions:       activeSessions,
	}
	if min := m.DecodeMsMin.Load(); min != ^uint32(0) {
		s.DecodeMsMin = min
	}
	if s.DecodeCalls > 0 {
		s.DecodeMsMean = float64(s.DecodeNsTotal) / float64(s.DecodeCalls) / 1e6
		s.TokPerCall = float64(s.DecodeTokens) / float64(s.DecodeCalls)
	}
	if s.DecodePhaseTokens > 0 {
		s.GenMsPerTok = float64(s.DecodeNsGen) / float64(s.DecodePhaseTokens) / 1e6
	}
	if s.PrefillTokens > 0 {
		s.PrefillMsPerTok = float64(s.PrefillNs) / float64(s.PrefillTokens) / 1e6
	}
	return s
}

// TokenGenerated counts one emitted token event.
func (m *Metrics) TokenGenerated() {
	m.TokensGeneratedTotal.Add(1)
	promTokensGenerated.Inc()
}
