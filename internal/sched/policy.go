// Package sched contains the continuous-batching core: the per-tick plan
// policy, the adaptive batch sizer, the KV-traffic estimator, and the
// scheduler tick that fuses work from every ready session into one decode
// call.
package sched

import (
	"sort"

	"github.com/haochend/uma-serve/internal/session"
)

// Phase distinguishes plan items.
type Phase int

const (
	PhaseDecode Phase = iota
	PhasePrefill
)

// BatchItem is one session's share of a tick.
type BatchItem struct {
	FD      int
	Phase   Phase
	NTokens int32 // prefill chunk size; decode is always 1
}

// Plan is the policy's output for one tick.
type Plan struct {
	Items []BatchItem
	// Cursors for the next tick.
	NextRRDecodeIdx  int
	NextRRPrefillIdx int
	// Accounting.
	DecodeTokCount  int32
	PrefillTokCount int32
}

// Policy builds a plan for a single tick given the session pool, the
// physical capacity, the adaptive target, and the round-robin cursors.
type Policy interface {
	ScheduleTick(pool map[int]*session.Session, batchCap, targetBatch int32, rrDecodeIdx, rrPrefillIdx int) Plan
}

// BaselinePolicy is the decode-first, TTFT-first-prefill policy:
// every ready DECODE session gets exactly one token (round-robin), then
// the remaining budget fills prefill chunks, sessions that have never
// emitted a token first, their chunks capped at a small burst so many
// first-token sessions can share a tick.
type BaselinePolicy struct {
	// PrefillBurst caps the chunk of a session that has not produced its
	// first token.
	PrefillBurst int32
}

// DefaultPrefillBurst balances first-token fairness against long-prompt
// amortization.
const DefaultPrefillBurst = 16

func sortedFDs(fds []int) []int {
	sort.Ints(fds)
	return fds
}

// ScheduleTick implements Policy.
func (p BaselinePolicy) ScheduleTick(pool map[int]*session.Session, batchCap, targetBatch int32, rrDecodeIdx, rrPrefillIdx int) Plan {
	plan := Plan{}
	budget := targetBatch
	if batchCap < budget {
		budget = batchCap
	}
	if budget < 1 {
		budget = 1
	}

	burst := p.PrefillBurst
	if burst <= 0 {
		burst = DefaultPrefillBurst
	}

	var decodePool, prefillPool []int
	for fd, s := range pool {
		switch {
		case s.State == session.StateDecode && s.HasPendingTok:
			decodePool = append(decodePool, fd)
		case s.State == session.StatePrefill && s.PrefillRemaining():
			prefillPool = append(prefillPool, fd)
		}
	}
	decodePool = sortedFDs(decodePool)
	prefillPool = sortedFDs(prefillPool)

	// Phase A: one decode token per ready session, starting at the cursor.
	if n := len(decodePool); n > 0 && budget > 0 {
		for i := 0; i < n && budget > 0; i++ {
			fd := decodePool[(rrDecodeIdx+i)%n]
			plan.Items = append(plan.Items, BatchItem{FD: fd, Phase: PhaseDecode, NTokens: 1})
			budget--
			plan.DecodeTokCount++
		}
		plan.NextRRDecodeIdx = (rrDecodeIdx + 1) % n
	}

	// Phase B: prefill fill, TTFT pool first.
	if n := len(prefillPool); n > 0 && budget > 0 {
		var ttft, rest []int
		for i := 0; i < n; i++ {
			fd := prefillPool[(rrPrefillIdx+i)%n]
			if pool[fd].FirstEmitNs == 0 {
				ttft = append(ttft, fd)
			} else {
				rest = append(rest, fd)
			}
		}
		fill := func(fds []int) {
			for _, fd := range fds {
				if budget <= 0 {
					return
				}
				s := pool[fd]
				remain := int32(len(s.PromptTokens) - s.PrefillIdx)
				chunk := remain
				if budget < chunk {
					chunk = budget
				}
				if s.FirstEmitNs == 0 && chunk > burst {
					chunk = burst
				}
				if chunk <= 0 {
					continue
				}
				plan.Items = append(plan.Items, BatchItem{FD: fd, Phase: PhasePrefill, NTokens: chunk})
				budget -= chunk
				plan.PrefillTokCount += chunk
			}
		}
		fill(ttft)
		if budget > 0 {
			fill(rest)
		}
		plan.NextRRPrefillIdx = (rrPrefillIdx + 1) % n
	}

	return plan
}
