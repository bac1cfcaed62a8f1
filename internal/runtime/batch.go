package runtime

import "fmt"

// Batch is the struct-of-arrays decode submission: one entry per token
// across all sessions fused into a tick. The parallel slices stay in
// lockstep by construction — Add is the only mutator and pushes one element
// to each.
type Batch struct {
	Tokens    []Token
	Positions []int32
	SeqIDs    []int32
	Logits    []bool
}

// NewBatch pre-sizes a batch for cap tokens.
func NewBatch(capTokens int) *Batch {
	return &Batch{
		Tokens:    make([]Token, 0, capTokens),
		Positions: make([]int32, 0, capTokens),
		SeqIDs:    make([]int32, 0, capTokens),
		Logits:    make([]bool, 0, capTokens),
	}
}

// Add appends one token at pos under seq. logits marks the position for
// logits extraction (sampling).
func (b *Batch) Add(tok Token, pos int32, seq int32, logits bool) {
	b.Tokens = append(b.Tokens, tok)
	b.Positions = append(b.Positions, pos)
	b.SeqIDs = append(b.SeqIDs, seq)
	b.Logits = append(b.Logits, logits)
}

// Len reports the number of tokens in the batch.
func (b *Batch) Len() int { return len(b.Tokens) }

// Reset empties the batch, retaining capacity.
func (b *Batch) Reset() {
	b.Tokens = b.Tokens[:0]
	b.Positions = b.Positions[:0]
	b.SeqIDs = b.SeqIDs[:0]
	b.Logits = b.Logits[:0]
}

// NumLogits counts positions marked for sampling.
func (b *Batch) NumLogits() int {
	n := 0
	for _, l := range b.Logits {
		if l {
			n++
		}
	}
	return n
}

// Check validates the lockstep invariant and the capacity bound. The
// scheduler calls it before every decode.
func (b *Batch) Check(capTokens int) error {
	n := len(b.Tokens)
	if len(b.Positions) != n || len(b.SeqIDs) != n || len(b.Logits) != n {
		return fmt.Errorf("batch arrays out of lockstep: tokens=%d positions=%d seqs=%d logits=%d",
			n, len(b.Positions), len(b.SeqIDs), len(b.Logits))
	}
	if n > capTokens {
		return fmt.Errorf("batch length %d exceeds capacity %d", n, capTokens)
	}
	return nil
}
