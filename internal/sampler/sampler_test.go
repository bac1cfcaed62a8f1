package sampler

import (
	"math/rand"
	"testing"
)

func TestGreedyArgmax(t *testing.T) {
	logits := []float32{0.1, 2.5, -1, 2.4, 0}
	rng := rand.New(rand.NewSource(1))
	got := TopP{}.Sample(logits, Params{Temperature: 0}, rng)
	if got != 1 {
		t.Fatalf("greedy = %d, want argmax 1", got)
	}
}

func TestTopK1IsArgmax(t *testing.T) {
	logits := []float32{0.5, 0.2, 3.1, 0.9}
	for _, temp := range []float32{0.1, 0.7, 1.5} {
		for _, topP := range []float32{0.1, 0.9, 1.0} {
			rng := rand.New(rand.NewSource(42))
			got := TopP{}.Sample(logits, Params{Temperature: temp, TopP: topP, TopK: 1}, rng)
			if got != 2 {
				t.Fatalf("top_k=1 temp=%v top_p=%v: got %d, want argmax 2", temp, topP, got)
			}
		}
	}
}

func TestSeededDeterminism(t *testing.T) {
	logits := make([]float32, 100)
	for i := range logits {
		logits[i] = float32(i%13) * 0.3
	}
	p := Params{Temperature: 0.8, TopP: 0.95, TopK: 40}

	a := TopP{}.Sample(logits, p, rand.New(rand.NewSource(7)))
	b := TopP{}.Sample(logits, p, rand.New(rand.NewSource(7)))
	if a != b {
		t.Fatalf("same seed diverged: %d vs %d", a, b)
	}
}

func TestNucleusKeepsAtLeastOne(t *testing.T) {
	// one dominant token; a tiny top_p must still return something valid
	logits := []float32{10, 0, 0, 0}
	rng := rand.New(rand.NewSource(3))
	got := TopP{}.Sample(logits, Params{Temperature: 1, TopP: 0.01}, rng)
	if got != 0 {
		t.Fatalf("nucleus with tiny top_p = %d, want dominant 0", got)
	}
}

func TestSampleStaysInTruncatedSet(t *testing.T) {
	logits := []float32{5, 4, 3, -10, -10, -10}
	p := Params{Temperature: 1, TopP: 1, TopK: 3}
	for seed := int64(0); seed < 50; seed++ {
		got := TopP{}.Sample(logits, p, rand.New(rand.NewSource(seed)))
		if got > 2 {
			t.Fatalf("seed %d: sampled %d outside top-3", seed, got)
		}
	}
}

func TestEmptyLogits(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if got := (TopP{}).Sample(nil, Params{Temperature: 1}, rng); got != 0 {
		t.Fatalf("empty logits = %d, want 0", got)
	}
}
