package sched

import "github.com/haochend/uma-serve/internal/session"

// KV-traffic estimator: attention at position p touches p+1 cached rows,
// so a prefill chunk of m tokens at base n_past costs the arithmetic sum
// (n_past+1 .. n_past+m) and a decode step costs n_past+1. The estimate is
// published as a gauge; it does not gate the plan (see DESIGN.md).

func sumArith(a0, d, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return n * (2*a0 + (n-1)*d) / 2
}

// EstimateUnits totals the modeled KV traffic of one plan.
func EstimateUnits(pool map[int]*session.Session, plan Plan) uint64 {
	var total uint64
	for _, it := range plan.Items {
		s := pool[it.FD]
		if s == nil {
			continue
		}
		if it.Phase == PhaseDecode {
			total += uint64(s.NPast) + 1
		} else {
			m := uint64(it.NTokens)
			total += sumArith(uint64(s.NPast)+1, 1, m)
		}
	}
	return total
}
