// Package sampler turns a logits row into a token id. The default chain is
// greedy argmax; temperature, top-k, and nucleus (top-p) sampling are
// applied when the request asks for them.
package sampler

import (
	"math"
	"math/rand"
	"sort"

	rt "github.com/haochend/uma-serve/internal/runtime"
)

// Params are the per-request sampling knobs.
type Params struct {
	Temperature float32
	TopP        float32
	TopK        int
}

// Sampler maps logits to a token id. Implementations must be deterministic
// for a fixed rng state.
type Sampler interface {
	Sample(logits []float32, p Params, rng *rand.Rand) rt.Token
}

// TopP is the default sampler: greedy at temperature <= 0, otherwise
// top-k truncation, temperature scaling, stable softmax, nucleus cut,
// renormalize, draw.
type TopP struct{}

func argmax(logits []float32) rt.Token {
	best := 0
	bestV := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestV {
			bestV = logits[i]
			best = i
		}
	}
	return rt.Token(best)
}

// Sample implements Sampler.
func (TopP) Sample(logits []float32, p Params, rng *rand.Rand) rt.Token {
	n := len(logits)
	if n == 0 {
		return 0
	}
	if p.Temperature <= 0 {
		return argmax(logits)
	}

	// order candidate indices by logit desc, optionally truncated to top-k
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	useN := n
	if p.TopK > 0 && p.TopK < n {
		useN = p.TopK
	}

	// temperature scaling + numerically stable softmax on the kept set
	invT := 1 / p.Temperature
	maxLogit := float32(math.Inf(-1))
	for i := 0; i < useN; i++ {
		v := logits[idx[i]] * invT
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float32, useN)
	var sum float32
	for i := 0; i < useN; i++ {
		v := float32(math.Exp(float64(logits[idx[i]]*invT - maxLogit)))
		probs[i] = v
		sum += v
	}
	if sum <= 0 || math.IsNaN(float64(sum)) || math.IsInf(float64(sum), 0) {
		return rt.Token(idx[0])
	}
	for i := range probs {
		probs[i] /= sum
	}

	// nucleus: keep the smallest prefix with cumulative >= top_p, at least one
	topP := p.TopP
	if topP <= 0 {
		topP = 1
	}
	if topP > 1 {
		topP = 1
	}
	cut := useN
	if topP < 0.9999 {
		var c float32
		cut = 0
		for cut < useN {
			c += probs[cut]
			cut++
			if c >= topP {
				break
			}
		}
		if cut == 0 {
			cut = 1
		}
	}

	// renormalize over the kept prefix
	var csum float32
	for i := 0; i < cut; i++ {
		csum += probs[i]
	}
	if csum <= 0 {
		return rt.Token(idx[0])
	}
	r := rng.Float32() * csum
	var acc float32
	for i := 0; i < cut; i++ {
		acc += probs[i]
		if r <= acc || i == cut-1 {
			return rt.Token(idx[i])
		}
	}
	return rt.Token(idx[0])
}
