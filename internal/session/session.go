// Package session owns the per-connection session records: buffers, the
// request state machine, and the framed-request parser that feeds the
// scheduler. Only the event-loop goroutine touches a session.
package session

import (
	rt "github.com/haochend/uma-serve/internal/runtime"
)

// State is the per-request phase of a session.
type State int

const (
	// StateRecvReq waits for one framed request.
	StateRecvReq State = iota
	// StatePrefill submits prompt tokens to the KV cache.
	StatePrefill
	// StateDecode generates one token per tick from the pending token.
	StateDecode
	// StateStream has finished producing; tx drains, then the session
	// either resets for keep-alive or closes.
	StateStream
	// StateErrored carries a terminal error frame; closed after flush.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRecvReq:
		return "recv_req"
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateStream:
		return "stream"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// SLO is the observability-only latency target pair.
type SLO struct {
	TargetTTFTMs uint32
	TargetTBTMs  uint32
}

// Session is one client connection. Created on accept, destroyed on close
// or idle timeout. The seq value -1 means "no KV sub-range assigned".
type Session struct {
	FD int

	Rx []byte
	Tx []byte

	State State
	// Seq is the KV-cache sequence id, exclusive to this session from
	// first request until release. -1 when unassigned.
	Seq int32

	PromptTokens []rt.Token
	PrefillIdx   int
	NPast        int32

	HasPendingTok bool
	PendingTok    rt.Token

	GeneratedCount int
	MaxTokens      int

	RequestID   string
	WantsStream bool
	ReadClosed  bool

	Temperature float32
	TopP        float32
	TopK        int

	LastActivityNs uint64
	ReqStartNs     uint64
	FirstEmitNs    uint64
	LastEmitNs     uint64

	SLO SLO

	LastError string
}

// PrefillRemaining reports whether prompt tokens are still unsubmitted.
func (s *Session) PrefillRemaining() bool {
	return s.PrefillIdx < len(s.PromptTokens)
}

// ReadyWork reports whether the scheduler has anything to do for this
// session right now. The event loop polls non-blocking while any session
// has ready work.
func (s *Session) ReadyWork() bool {
	return (s.State == StatePrefill && s.PrefillRemaining()) ||
		(s.State == StateDecode && s.HasPendingTok)
}

// ResetRequest clears per-request fields for a fresh request on a
// keep-alive connection. Seq is retained: the sub-range was released at
// completion and the id is reused.
func (s *Session) ResetRequest() {
	s.State = StateRecvReq
	s.PromptTokens = nil
	s.PrefillIdx = 0
	s.NPast = 0
	s.HasPendingTok = false
	s.PendingTok = 0
	s.GeneratedCount = 0
	s.ReqStartNs = 0
	s.FirstEmitNs = 0
	s.LastEmitNs = 0
}
