package sched

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/haochend/uma-serve/internal/metrics"
	"github.com/haochend/uma-serve/internal/protocol"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/internal/sampler"
	"github.com/haochend/uma-serve/internal/session"
	"github.com/haochend/uma-serve/pkg/types"
)

func newTestScheduler(f *rt.Fake) *Scheduler {
	return New(f, BaselinePolicy{}, sampler.TopP{}, metrics.New(), zerolog.Nop())
}

// requestSession builds a session mid-request, as the parser leaves it.
func requestSession(fd int, prompt []rt.Token, maxTokens int) *session.Session {
	return &session.Session{
		FD: fd, Seq: int32(fd), State: session.StatePrefill,
		PromptTokens: prompt, MaxTokens: maxTokens,
		RequestID: "r1", WantsStream: true,
	}
}

type wireEvent struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Text    string `json:"text"`
	TokenID int    `json:"token_id"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
}

func drainEvents(t *testing.T, s *session.Session) []wireEvent {
	t.Helper()
	var out []wireEvent
	buf := s.Tx
	for {
		payload, rest, err := protocol.TryReadFrame(buf, protocol.DefaultMaxFrameBytes)
		if err != nil {
			t.Fatalf("bad frame in tx: %v", err)
		}
		if payload == nil {
			break
		}
		var ev wireEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("bad event json: %v", err)
		}
		out = append(out, ev)
		buf = rest
	}
	return out
}

func checkInvariants(t *testing.T, pool map[int]*session.Session) {
	t.Helper()
	for fd, s := range pool {
		if (s.State == session.StateDecode) != s.HasPendingTok {
			t.Fatalf("fd %d: state=%v has_pending=%v", fd, s.State, s.HasPendingTok)
		}
		if s.State == session.StatePrefill && !s.PrefillRemaining() {
			t.Fatalf("fd %d: PREFILL with no remaining prompt", fd)
		}
	}
}

func TestTickPrefillToFirstToken(t *testing.T) {
	f := rt.NewFake()
	sc := newTestScheduler(f)
	s := requestSession(3, []rt.Token{10, 20, 30}, 100)
	pool := map[int]*session.Session{3: s}

	armed := sc.Tick(pool, 1000)

	if s.State != session.StateDecode || !s.HasPendingTok {
		t.Fatalf("state=%v pending=%v after prefill tick", s.State, s.HasPendingTok)
	}
	// fake argmax is prev+1: last prompt token 30 -> first token 31
	if s.PendingTok != 31 {
		t.Fatalf("pending = %d, want 31", s.PendingTok)
	}
	if s.NPast != 3 {
		t.Fatalf("n_past = %d, want 3", s.NPast)
	}
	if s.FirstEmitNs == 0 {
		t.Fatal("first_emit_ns unset after first token")
	}
	evs := drainEvents(t, s)
	if len(evs) != 1 || evs[0].Event != types.EventToken || evs[0].TokenID != 31 {
		t.Fatalf("events = %+v", evs)
	}
	if len(armed) != 1 || armed[0] != 3 {
		t.Fatalf("armed = %v, want [3]", armed)
	}
	checkInvariants(t, pool)
}

func TestTickDecodeToEOS(t *testing.T) {
	f := rt.NewFake()
	sc := newTestScheduler(f)
	// last prompt token 61 -> first token 62 -> next sample 63 == EOG
	s := requestSession(4, []rt.Token{61}, 100)
	pool := map[int]*session.Session{4: s}

	sc.Tick(pool, 1)
	checkInvariants(t, pool)
	sc.Tick(pool, 2)

	if s.State != session.StateStream {
		t.Fatalf("state = %v, want STREAM", s.State)
	}
	if s.NPast != 0 {
		t.Fatalf("n_past = %d after eos, want 0", s.NPast)
	}
	found := false
	for _, seq := range f.Removed {
		if seq == s.Seq {
			found = true
		}
	}
	if !found {
		t.Fatalf("KV sub-range for seq %d not released", s.Seq)
	}
	evs := drainEvents(t, s)
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Event != types.EventToken || evs[1].Event != types.EventEOS || evs[1].Reason != types.ReasonStop {
		t.Fatalf("event order wrong: %+v", evs)
	}
	checkInvariants(t, pool)
}

func TestTickMaxTokensTerminatesWithLength(t *testing.T) {
	f := rt.NewFake()
	sc := newTestScheduler(f)
	s := requestSession(5, []rt.Token{5}, 1)
	pool := map[int]*session.Session{5: s}

	for i := 0; i < 10 && s.State != session.StateStream; i++ {
		sc.Tick(pool, uint64(i+1))
	}
	if s.State != session.StateStream {
		t.Fatalf("session never terminated: state=%v", s.State)
	}
	evs := drainEvents(t, s)
	last := evs[len(evs)-1]
	if last.Event != types.EventEOS || last.Reason != types.ReasonLength {
		t.Fatalf("last event = %+v, want eos/length", last)
	}
	// every token precedes eos
	for _, ev := range evs[:len(evs)-1] {
		if ev.Event != types.EventToken {
			t.Fatalf("unexpected event before eos: %+v", ev)
		}
	}
}

func TestTickDecodeFailureFailsParticipants(t *testing.T) {
	f := rt.NewFake()
	f.FailDecodes = 1
	sc := newTestScheduler(f)
	s1 := requestSession(6, []rt.Token{1, 2}, 100)
	s2 := requestSession(7, []rt.Token{3, 4}, 100)
	pool := map[int]*session.Session{6: s1, 7: s2}

	sc.Tick(pool, 1)

	for _, s := range []*session.Session{s1, s2} {
		if s.State != session.StateErrored {
			t.Fatalf("fd %d state = %v, want ERRORED", s.FD, s.State)
		}
		if !s.ReadClosed {
			t.Fatalf("fd %d read not closed after decode failure", s.FD)
		}
		evs := drainEvents(t, s)
		if len(evs) != 1 || evs[0].Code != types.CodeRuntimeDecode {
			t.Fatalf("fd %d events = %+v", s.FD, evs)
		}
	}
}

func TestTickNeverExceedsBatchCap(t *testing.T) {
	f := rt.NewFake()
	f.NBatchCap = 16
	sc := newTestScheduler(f)
	pool := map[int]*session.Session{}
	for fd := 1; fd <= 10; fd++ {
		pool[fd] = requestSession(fd, make([]rt.Token, 50), 100)
	}

	for i := 0; i < 20; i++ {
		sc.Tick(pool, uint64(i+1))
		checkInvariants(t, pool)
	}
	for i, b := range f.Decoded {
		if len(b.Tokens) > 16 {
			t.Fatalf("batch %d has %d tokens, cap 16", i, len(b.Tokens))
		}
	}
}

func TestTickLogitsMaskMatchesSampleRefs(t *testing.T) {
	f := rt.NewFake()
	sc := newTestScheduler(f)
	pool := map[int]*session.Session{
		1: requestSession(1, make([]rt.Token, 4), 100),
		2: requestSession(2, make([]rt.Token, 40), 100),
	}

	sc.Tick(pool, 1)
	if len(f.Decoded) != 1 {
		t.Fatalf("expected one decode call, got %d", len(f.Decoded))
	}
	b := f.Decoded[0]
	logits := 0
	for _, l := range b.Logits {
		if l {
			logits++
		}
	}
	// only session 1 finishes its prompt this tick (session 2 is burst-capped)
	if logits != 1 {
		t.Fatalf("logits positions = %d, want 1", logits)
	}
}
