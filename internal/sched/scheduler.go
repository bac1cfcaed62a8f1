package sched

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/haochend/uma-serve/internal/metrics"
	"github.com/haochend/uma-serve/internal/protocol"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/internal/sampler"
	"github.com/haochend/uma-serve/internal/session"
	"github.com/haochend/uma-serve/pkg/types"
)

// sampleRef ties a logits row back to the session it belongs to.
type sampleRef struct {
	fd          int
	batchIndex  int
	stateBefore session.State
}

// Scheduler fuses ready sessions into one batched decode per tick and
// distributes sampled tokens back to their transmit buffers.
type Scheduler struct {
	rt      rt.Runtime
	policy  Policy
	sampler sampler.Sampler
	metrics *metrics.Metrics
	log     zerolog.Logger

	batchCap int32
	sizer    *Sizer
	rng      *rand.Rand

	rrDecodeIdx  int
	rrPrefillIdx int

	batch *rt.Batch
	refs  []sampleRef
}

// New builds a scheduler over an opened runtime.
func New(r rt.Runtime, pol Policy, smp sampler.Sampler, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	capTok := int32(r.NBatch())
	return &Scheduler{
		rt:       r,
		policy:   pol,
		sampler:  smp,
		metrics:  m,
		log:      log,
		batchCap: capTok,
		sizer:    NewSizer(capTok),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		batch:    rt.NewBatch(int(capTok)),
	}
}

// TargetBatch exposes the adaptive target for status reporting.
func (sc *Scheduler) TargetBatch() int32 { return sc.sizer.Target }

// Tick runs one scheduling pass: plan, assemble, decode, meter, sample,
// dispatch. It returns the descriptors whose transmit buffer went from
// empty to non-empty, so the event loop can arm Write interest.
func (sc *Scheduler) Tick(pool map[int]*session.Session, nowNs uint64) []int {
	plan := sc.policy.ScheduleTick(pool, sc.batchCap, sc.sizer.Target, sc.rrDecodeIdx, sc.rrPrefillIdx)
	sc.rrDecodeIdx = plan.NextRRDecodeIdx
	sc.rrPrefillIdx = plan.NextRRPrefillIdx
	if len(plan.Items) == 0 {
		return nil
	}

	sc.metrics.BMTUnitsLast.Store(EstimateUnits(pool, plan))

	wasEmpty := make(map[int]bool, len(plan.Items))
	markEmpty := func(s *session.Session) {
		if _, seen := wasEmpty[s.FD]; !seen {
			wasEmpty[s.FD] = len(s.Tx) == 0
		}
	}

	// assemble the fused batch
	sc.batch.Reset()
	sc.refs = sc.refs[:0]
	for _, it := range plan.Items {
		s := pool[it.FD]
		if s == nil {
			continue
		}
		markEmpty(s)
		switch it.Phase {
		case PhaseDecode:
			sc.batch.Add(s.PendingTok, s.NPast, s.Seq, true)
			s.HasPendingTok = false
			sc.refs = append(sc.refs, sampleRef{fd: s.FD, batchIndex: sc.batch.Len() - 1, stateBefore: session.StateDecode})
		case PhasePrefill:
			m := int(it.NTokens)
			last := s.PrefillIdx + m
			for i := s.PrefillIdx; i < last; i++ {
				wantLogits := i == last-1 && last == len(s.PromptTokens)
				sc.batch.Add(s.PromptTokens[i], s.NPast, s.Seq, wantLogits)
				s.NPast++
				if wantLogits {
					sc.refs = append(sc.refs, sampleRef{fd: s.FD, batchIndex: sc.batch.Len() - 1, stateBefore: session.StatePrefill})
				}
			}
			s.PrefillIdx = last
		}
	}
	if sc.batch.Len() == 0 {
		return nil
	}
	if err := sc.batch.Check(int(sc.batchCap)); err != nil {
		// lockstep violation is a programming error; fail the tick loudly
		sc.log.Error().Err(err).Msg("batch invariant violated")
		return nil
	}
	if got, want := sc.batch.NumLogits(), len(sc.refs); got != want {
		sc.log.Error().Int("logits", got).Int("refs", want).Msg("sample ref mismatch")
		return nil
	}

	// decode + synchronize so the measurement covers real compute
	start := time.Now()
	decodeErr := sc.rt.Decode(sc.batch)
	if decodeErr == nil {
		sc.rt.Synchronize()
	}
	elapsed := time.Since(start)

	elapsedNs := uint64(elapsed.Nanoseconds())
	sc.metrics.ObserveDecode(elapsedNs, sc.batch.Len(), int(plan.DecodeTokCount), int(plan.PrefillTokCount))
	sc.sizer.Observe(float64(elapsed.Microseconds())/1000, sc.batchCap)
	sc.metrics.SetDecodeMsEwma(sc.sizer.EwmaMs)

	if decodeErr != nil {
		sc.failBatch(pool, plan, decodeErr)
		return changed(pool, wasEmpty)
	}

	// sample and dispatch per logits position
	for _, ref := range sc.refs {
		s := pool[ref.fd]
		if s == nil {
			continue
		}
		logits := sc.rt.Logits(ref.batchIndex)
		if logits == nil {
			continue
		}
		newID := sc.sampler.Sample(logits, sampler.Params{
			Temperature: s.Temperature,
			TopP:        s.TopP,
			TopK:        s.TopK,
		}, sc.rng)

		switch ref.stateBefore {
		case session.StatePrefill:
			sc.emitFirstToken(s, newID, nowNs)
		case session.StateDecode:
			sc.stepDecode(s, newID, nowNs)
		}
	}

	return changed(pool, wasEmpty)
}

// emitFirstToken handles the prefill→decode boundary: the first sampled
// token of a request.
func (sc *Scheduler) emitFirstToken(s *session.Session, id rt.Token, nowNs uint64) {
	s.PendingTok = id
	s.HasPendingTok = true
	s.State = session.StateDecode

	piece := sc.rt.TokenToPiece(id)
	s.Tx = protocol.AppendTokenEvent(s.Tx, s.RequestID, string(piece), int(id))
	if s.FirstEmitNs == 0 {
		s.FirstEmitNs = nowNs
	}
	s.LastEmitNs = nowNs
	sc.metrics.TokenGenerated()
}

// stepDecode handles one generation step: terminate on end-of-generation
// or the token cap, otherwise emit and keep decoding.
func (sc *Scheduler) stepDecode(s *session.Session, id rt.Token, nowNs uint64) {
	hitCap := s.GeneratedCount >= s.MaxTokens
	if sc.rt.IsEOG(id) || hitCap {
		reason := types.ReasonStop
		if hitCap {
			reason = types.ReasonLength
		}
		s.Tx = protocol.AppendEOSEvent(s.Tx, s.RequestID, reason)
		s.State = session.StateStream
		s.HasPendingTok = false
		sc.rt.SeqRemove(s.Seq)
		s.NPast = 0
		s.LastEmitNs = nowNs
		return
	}

	piece := sc.rt.TokenToPiece(id)
	s.Tx = protocol.AppendTokenEvent(s.Tx, s.RequestID, string(piece), int(id))
	s.GeneratedCount++
	// the previously pending token's position is now established
	s.NPast++
	s.PendingTok = id
	s.HasPendingTok = true
	s.LastEmitNs = nowNs
	sc.metrics.TokenGenerated()
}

// failBatch marks every session that participated in a failed decode as
// errored; the loop closes them once the error frame drains.
func (sc *Scheduler) failBatch(pool map[int]*session.Session, plan Plan, err error) {
	sc.log.Error().Err(err).Int("items", len(plan.Items)).Msg("batched decode failed")
	seen := make(map[int]bool, len(plan.Items))
	for _, it := range plan.Items {
		if seen[it.FD] {
			continue
		}
		seen[it.FD] = true
		s := pool[it.FD]
		if s == nil {
			continue
		}
		s.Tx = protocol.AppendErrorEvent(s.Tx, s.RequestID, types.CodeRuntimeDecode, "decode failed")
		s.State = session.StateErrored
		s.HasPendingTok = false
		s.ReadClosed = true
		s.LastError = types.CodeRuntimeDecode
	}
}

// changed lists descriptors whose tx buffer went empty → non-empty.
func changed(pool map[int]*session.Session, wasEmpty map[int]bool) []int {
	var out []int
	for fd, empty := range wasEmpty {
		if !empty {
			continue
		}
		if s := pool[fd]; s != nil && len(s.Tx) > 0 {
			out = append(out, fd)
		}
	}
	return out
}
