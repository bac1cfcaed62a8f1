//go:build llama

package runtime

// cgo link directives for the in-process llama runtime.
// - An rpath of $ORIGIN lets the loader find libllama.so and libggml*.so
//   next to the built Go binary (./bin).
// - -L${SRCDIR}/../../bin resolves libllama.so at link time for the
//   'llama' build variant.

/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
#include <stdlib.h>
#include "llama.h"
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// llamaRuntime binds one loaded model and one shared decoding context.
type llamaRuntime struct {
	model *C.struct_llama_model
	ctx   *C.struct_llama_context
	vocab *C.struct_llama_vocab

	nBatch int
	nVocab int

	// batch arrays allocated once at context capacity and reused per tick
	cb C.struct_llama_batch
	// per-token single-seq id backing storage for cb.seq_id
	seqBacking []C.llama_seq_id
}

// Open initializes the backend, loads the model, and creates the shared
// context configured for multi-sequence batching.
func Open(p Params) (Runtime, error) {
	if p.ModelPath == "" {
		return nil, ErrDependency("model path is empty")
	}
	C.llama_backend_init()

	mp := C.llama_model_default_params()
	mp.use_mmap = C.bool(p.UseMmap)
	mp.use_mlock = C.bool(p.UseMlock)

	cpath := C.CString(p.ModelPath)
	defer C.free(unsafe.Pointer(cpath))
	model := C.llama_model_load_from_file(cpath, mp)
	if model == nil {
		C.llama_backend_free()
		return nil, ErrDependency(fmt.Sprintf("failed to load model: %s", p.ModelPath))
	}

	cp := C.llama_context_default_params()
	if p.NCtx > 0 {
		cp.n_ctx = C.uint32_t(p.NCtx)
	}
	if p.NThreads > 0 {
		cp.n_threads = C.int32_t(p.NThreads)
		cp.n_threads_batch = C.int32_t(p.NThreads)
	}
	if p.NBatch > 0 {
		cp.n_batch = C.uint32_t(p.NBatch)
	}
	if p.NUbatch > 0 {
		cp.n_ubatch = C.uint32_t(p.NUbatch)
	}
	if p.NSeqMax > 0 {
		cp.n_seq_max = C.uint32_t(p.NSeqMax)
	}
	cp.offload_kqv = C.bool(p.OffloadKQV)
	cp.kv_unified = C.bool(p.KVUnified)
	cp.swa_full = C.bool(p.SWAFull)
	// perf timers stay off in the daemon
	cp.no_perf = C.bool(true)

	ctx := C.llama_init_from_model(model, cp)
	if ctx == nil {
		C.llama_model_free(model)
		C.llama_backend_free()
		return nil, ErrDependency("failed to create llama context")
	}

	r := &llamaRuntime{
		model:  model,
		ctx:    ctx,
		vocab:  C.llama_model_get_vocab(model),
		nBatch: int(C.llama_n_batch(ctx)),
	}
	r.nVocab = int(C.llama_vocab_n_tokens(r.vocab))
	r.cb = C.llama_batch_init(C.int32_t(r.nBatch), 0, 1)
	r.seqBacking = make([]C.llama_seq_id, r.nBatch)
	return r, nil
}

func (r *llamaRuntime) NBatch() int { return r.nBatch }
func (r *llamaRuntime) NVocab() int { return r.nVocab }

func (r *llamaRuntime) HasBOS() bool {
	return C.llama_vocab_bos(r.vocab) != C.LLAMA_TOKEN_NULL
}

func (r *llamaRuntime) Tokenize(text string, addBOS, special bool) ([]Token, error) {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	tlen := C.int32_t(len(text))

	// first call sizes the output
	need := -C.llama_tokenize(r.vocab, ctext, tlen, nil, 0, C.bool(addBOS), C.bool(special))
	if need <= 0 {
		return nil, nil
	}
	out := make([]Token, int(need))
	n := C.llama_tokenize(r.vocab, ctext, tlen,
		(*C.llama_token)(unsafe.Pointer(&out[0])), need, C.bool(addBOS), C.bool(special))
	if n < 0 {
		return nil, fmt.Errorf("tokenize failed: %d", int(n))
	}
	return out[:int(n)], nil
}

func (r *llamaRuntime) TokenToPiece(tok Token) []byte {
	var buf [256]C.char
	n := C.llama_token_to_piece(r.vocab, C.llama_token(tok), &buf[0], C.int32_t(len(buf)), 0, C.bool(true))
	if n <= 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(&buf[0]), n)
}

func (r *llamaRuntime) IsEOG(tok Token) bool {
	return bool(C.llama_vocab_is_eog(r.vocab, C.llama_token(tok)))
}

func (r *llamaRuntime) Decode(b *Batch) error {
	n := b.Len()
	if n == 0 {
		return nil
	}
	if n > r.nBatch {
		return fmt.Errorf("batch length %d exceeds n_batch %d", n, r.nBatch)
	}
	r.cb.n_tokens = C.int32_t(n)
	tokens := unsafe.Slice(r.cb.token, r.nBatch)
	pos := unsafe.Slice(r.cb.pos, r.nBatch)
	nSeq := unsafe.Slice(r.cb.n_seq_id, r.nBatch)
	seqs := unsafe.Slice(r.cb.seq_id, r.nBatch)
	logits := unsafe.Slice(r.cb.logits, r.nBatch)
	for i := 0; i < n; i++ {
		tokens[i] = C.llama_token(b.Tokens[i])
		pos[i] = C.llama_pos(b.Positions[i])
		nSeq[i] = 1
		r.seqBacking[i] = C.llama_seq_id(b.SeqIDs[i])
		seqs[i] = &r.seqBacking[i]
		if b.Logits[i] {
			logits[i] = 1
		} else {
			logits[i] = 0
		}
	}
	if rc := C.llama_decode(r.ctx, r.cb); rc != 0 {
		return fmt.Errorf("llama_decode failed: %d", int(rc))
	}
	return nil
}

func (r *llamaRuntime) Synchronize() {
	C.llama_synchronize(r.ctx)
}

func (r *llamaRuntime) Logits(i int) []float32 {
	p := C.llama_get_logits_ith(r.ctx, C.int32_t(i))
	if p == nil {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(p)), r.nVocab)
}

func (r *llamaRuntime) SeqRemove(seq int32) {
	C.llama_memory_seq_rm(C.llama_get_memory(r.ctx), C.llama_seq_id(seq), -1, -1)
}

func (r *llamaRuntime) Close() error {
	C.llama_batch_free(r.cb)
	if r.ctx != nil {
		C.llama_free(r.ctx)
		r.ctx = nil
	}
	if r.model != nil {
		C.llama_model_free(r.model)
		r.model = nil
	}
	C.llama_backend_free()
	return nil
}
