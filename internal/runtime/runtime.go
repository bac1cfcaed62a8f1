// Package runtime is the boundary to the native model runtime: tokenization,
// batched decoding over a KV cache keyed by per-sequence identifiers, and
// vocabulary/logits access. The real implementation binds llama.cpp via cgo
// behind the 'llama' build tag; default builds get a stub that fails fast.
package runtime

// Token is a vocabulary token id.
type Token = int32

// Params carries the runtime tuning passed through from configuration.
type Params struct {
	ModelPath  string
	NCtx       int
	NThreads   int
	NBatch     int
	NUbatch    int
	NSeqMax    int
	UseMmap    bool
	UseMlock   bool
	OffloadKQV bool
	KVUnified  bool
	SWAFull    bool
}

// Runtime is the compute engine consumed by the scheduler and the session
// parser. One Runtime wraps one loaded model plus one shared decoding
// context; sessions are multiplexed onto it by sequence id.
type Runtime interface {
	// NBatch reports the physical micro-batch capacity of the context.
	NBatch() int
	// NVocab reports the vocabulary size.
	NVocab() int
	// HasBOS reports whether the vocabulary defines a BOS token to prefix.
	HasBOS() bool
	// Tokenize converts text to token ids, optionally prefixing BOS and
	// allowing special tokens.
	Tokenize(text string, addBOS, special bool) ([]Token, error)
	// TokenToPiece renders one token id to its text bytes.
	TokenToPiece(tok Token) []byte
	// IsEOG reports whether tok ends generation.
	IsEOG(tok Token) bool
	// Decode submits one assembled batch. A non-nil error fails every
	// session that contributed tokens to the batch.
	Decode(b *Batch) error
	// Synchronize blocks until submitted compute has finished, so wall
	// time measured around it reflects real work.
	Synchronize()
	// Logits returns the logits row for batch index i. Valid only for
	// positions that set the logits flag in the last decoded batch.
	Logits(i int) []float32
	// SeqRemove clears all KV-cache contributions of seq.
	SeqRemove(seq int32)
	// Close frees the context, model, and backend.
	Close() error
}

// dependencyError marks runtime unavailability (stub build, load failure).
type dependencyError struct{ msg string }

func (e dependencyError) Error() string { return e.msg }

// ErrDependency constructs a runtime-unavailable error.
func ErrDependency(msg string) error { return dependencyError{msg: msg} }

// IsDependency reports whether err indicates the native runtime is not
// available in this build or failed to initialize.
func IsDependency(err error) bool {
	_, ok := err.(dependencyError)
	return ok
}
