package session

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/haochend/uma-serve/internal/protocol"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/pkg/types"
)

// Limits are the parser-facing slice of the daemon configuration.
type Limits struct {
	MaxFrameBytes  int
	MaxPromptBytes int
	MaxTokens      int
	SLOTTFTMs      uint32
	SLOTBTMs       uint32
}

// ReadResult tells the event loop what to do after a readable event.
type ReadResult struct {
	// WantsWrite is set when tx gained bytes.
	WantsWrite bool
	// RemovedRead asks the caller to drop Read interest (EOF or terminal
	// error on the connection).
	RemovedRead bool
	// AdminRequest is set when the frame was a metrics request; the loop
	// appends the snapshot frame.
	AdminRequest bool
	// CloseNow is set on unrecoverable read errors; the loop closes the
	// session without emitting further frames.
	CloseNow bool
}

// Store owns every live session, keyed by descriptor.
type Store struct {
	sessions map[int]*Session
	nextSeq  int32
	log      zerolog.Logger
}

// NewStore builds an empty store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{sessions: make(map[int]*Session), nextSeq: 1, log: log}
}

// Add creates and registers a session for fd.
func (st *Store) Add(fd int, nowNs uint64) *Session {
	s := &Session{FD: fd, Seq: -1, State: StateRecvReq, WantsStream: true, LastActivityNs: nowNs}
	st.sessions[fd] = s
	st.log.Debug().Int("fd", fd).Int("sessions", len(st.sessions)).Msg("accept")
	return s
}

// Find returns the session for fd, or nil.
func (st *Store) Find(fd int) *Session { return st.sessions[fd] }

// Len reports the number of live sessions.
func (st *Store) Len() int { return len(st.sessions) }

// All exposes the pool for the scheduler and the idle sweep.
func (st *Store) All() map[int]*Session { return st.sessions }

// Close releases the session's KV sub-range, closes the descriptor, and
// removes the record. Safe to call for an unknown fd.
func (st *Store) Close(fd int, r rt.Runtime) {
	s, ok := st.sessions[fd]
	if ok {
		if s.Seq >= 0 && r != nil {
			r.SeqRemove(s.Seq)
		}
		delete(st.sessions, fd)
	}
	_ = unix.Close(fd)
	st.log.Debug().Int("fd", fd).Int("sessions", len(st.sessions)).Msg("close")
}

// failRequest appends a terminal error event and moves the session to
// STREAM with the read half closed, so it is torn down after the flush.
func failRequest(s *Session, id, code, msg string, rr *ReadResult) {
	s.Tx = protocol.AppendErrorEvent(s.Tx, id, code, msg)
	s.State = StateStream
	s.ReadClosed = true
	s.LastError = code
	rr.WantsWrite = true
	rr.RemovedRead = true
}

// OnReadable drains the descriptor into rx and parses at most one framed
// request. Leftover bytes stay buffered; a session mid-request does not
// parse further frames until it returns to RECV_REQ.
func (st *Store) OnReadable(fd int, lim Limits, r rt.Runtime, nowNs uint64) ReadResult {
	var rr ReadResult
	s := st.sessions[fd]
	if s == nil {
		return rr
	}

	var buf [4096]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			s.Rx = append(s.Rx, buf[:n]...)
			s.LastActivityNs = nowNs
			continue
		}
		if n == 0 && err == nil {
			s.ReadClosed = true
			rr.RemovedRead = true
			s.LastActivityNs = nowNs
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		rr.RemovedRead = true
		rr.CloseNow = true
		return rr
	}

	if s.State != StateRecvReq {
		// one in-flight request per session; pipelined bytes wait in rx
		return rr
	}

	payload, rest, err := protocol.TryReadFrame(s.Rx, lim.MaxFrameBytes)
	if err != nil {
		code := types.CodeFrameTooLarge
		if protocol.IsInvalidLen(err) {
			code = types.CodeInvalidLen
		}
		failRequest(s, s.RequestID, code, err.Error(), &rr)
		return rr
	}
	if payload == nil {
		return rr // incomplete
	}
	s.Rx = rest

	return st.parseRequest(s, payload, lim, r, nowNs, rr)
}

func (st *Store) parseRequest(s *Session, js []byte, lim Limits, r rt.Runtime, nowNs uint64, rr ReadResult) ReadResult {
	// admin metrics: {"type":"metrics"} or {"event":"metrics"}
	typ, _, terr := protocol.ExtractString(js, "type")
	evt, _, eerr := protocol.ExtractString(js, "event")
	if (terr == nil && typ == "metrics") || (eerr == nil && evt == "metrics") {
		rr.AdminRequest = true
		s.State = StateStream
		s.ReadClosed = true
		rr.WantsWrite = true
		rr.RemovedRead = true
		return rr
	}

	id, hasID, idErr := protocol.ExtractString(js, "id")
	prompt, hasPrompt, pErr := protocol.ExtractString(js, "prompt")
	if idErr != nil || pErr != nil {
		failRequest(s, id, types.CodeInvalidUTF8, "invalid utf-8", &rr)
		return rr
	}
	if !hasPrompt || prompt == "" {
		failRequest(s, id, types.CodeBadRequest, "missing or invalid prompt", &rr)
		return rr
	}
	if !hasID || id == "" {
		failRequest(s, id, types.CodeBadRequest, "missing or invalid id", &rr)
		return rr
	}
	s.RequestID = id

	if len(prompt) > lim.MaxPromptBytes {
		failRequest(s, id, types.CodePromptTooBig, "prompt too large", &rr)
		return rr
	}

	maxTok := protocol.ExtractInt(js, "max_tokens", 0)
	if maxTok <= 0 || maxTok > lim.MaxTokens {
		maxTok = lim.MaxTokens
	}
	s.MaxTokens = maxTok
	s.Temperature = float32(protocol.ExtractFloat(js, "temperature", 0))
	s.TopP = float32(protocol.ExtractFloat(js, "top_p", 1))
	s.TopK = protocol.ExtractInt(js, "top_k", 0)

	toks, err := r.Tokenize(prompt, r.HasBOS(), true)
	if err != nil || len(toks) == 0 {
		// nothing to generate; complete immediately and keep the
		// connection open for the next request
		s.State = StateStream
		s.Tx = protocol.AppendEOSEvent(s.Tx, s.RequestID, types.ReasonStop)
		rr.WantsWrite = true
		return rr
	}

	s.PromptTokens = toks
	s.PrefillIdx = 0
	s.GeneratedCount = 0
	s.HasPendingTok = false
	s.NPast = 0
	s.ReqStartNs = nowNs
	s.FirstEmitNs = 0
	s.LastEmitNs = 0
	s.SLO = SLO{TargetTTFTMs: lim.SLOTTFTMs, TargetTBTMs: lim.SLOTBTMs}
	if s.Seq < 0 {
		s.Seq = st.nextSeq
		st.nextSeq++
	}
	s.State = StatePrefill
	st.log.Debug().Int("fd", s.FD).Int32("seq", s.Seq).Int("n_prompt", len(toks)).Msg("request")
	return rr
}
