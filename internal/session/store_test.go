package session

import (
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/haochend/uma-serve/internal/protocol"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/pkg/types"
)

func testLimits() Limits {
	return Limits{
		MaxFrameBytes:  protocol.DefaultMaxFrameBytes,
		MaxPromptBytes: 64 * 1024,
		MaxTokens:      128,
	}
}

// pair returns a nonblocking server-side fd and the client-side fd of a
// connected socket pair.
func pair(t *testing.T) (server, client int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("nonblock: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func send(t *testing.T, fd int, data []byte) {
	t.Helper()
	if _, err := unix.Write(fd, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func lastErrorCode(t *testing.T, s *Session) string {
	t.Helper()
	payload, _, err := protocol.TryReadFrame(s.Tx, protocol.DefaultMaxFrameBytes)
	if err != nil || payload == nil {
		t.Fatalf("no frame in tx: %v", err)
	}
	code, _, _ := protocol.ExtractString(payload, "code")
	return code
}

func TestValidRequestEntersPrefill(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)
	f := rt.NewFake()

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"r1","prompt":"hi","max_tokens":5,"temperature":0.5}`)))
	rr := st.OnReadable(sfd, testLimits(), f, 2)

	s := st.Find(sfd)
	if s.State != StatePrefill {
		t.Fatalf("state = %v, want PREFILL", s.State)
	}
	if s.Seq < 0 {
		t.Fatal("seq not assigned")
	}
	if len(s.PromptTokens) == 0 || s.PrefillIdx != 0 || s.NPast != 0 {
		t.Fatalf("prompt bookkeeping: tokens=%d idx=%d n_past=%d", len(s.PromptTokens), s.PrefillIdx, s.NPast)
	}
	if s.RequestID != "r1" || s.MaxTokens != 5 {
		t.Fatalf("request fields: id=%q max=%d", s.RequestID, s.MaxTokens)
	}
	if s.Temperature != 0.5 {
		t.Fatalf("temperature = %v", s.Temperature)
	}
	if rr.WantsWrite {
		t.Fatal("no bytes should be pending after a valid request")
	}
}

func TestMissingPromptRejected(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"r2"}`)))
	rr := st.OnReadable(sfd, testLimits(), rt.NewFake(), 2)

	s := st.Find(sfd)
	if !rr.WantsWrite || s.State != StateStream || !s.ReadClosed {
		t.Fatalf("rr=%+v state=%v read_closed=%v", rr, s.State, s.ReadClosed)
	}
	if code := lastErrorCode(t, s); code != types.CodeBadRequest {
		t.Fatalf("code = %s", code)
	}
}

func TestOversizePromptRejected(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)
	lim := testLimits()
	lim.MaxPromptBytes = 8

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"r2","prompt":"aaaaaaaaa"}`)))
	st.OnReadable(sfd, lim, rt.NewFake(), 2)

	if code := lastErrorCode(t, st.Find(sfd)); code != types.CodePromptTooBig {
		t.Fatalf("code = %s", code)
	}
}

func TestZeroLengthFrameRejected(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)

	send(t, cfd, []byte{0, 0, 0, 0})
	rr := st.OnReadable(sfd, testLimits(), rt.NewFake(), 2)

	s := st.Find(sfd)
	if !rr.WantsWrite || !rr.RemovedRead {
		t.Fatalf("rr = %+v", rr)
	}
	if code := lastErrorCode(t, s); code != types.CodeInvalidLen {
		t.Fatalf("code = %s", code)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)
	lim := testLimits()
	lim.MaxFrameBytes = 16

	send(t, cfd, []byte{0xff, 0xff, 0, 0})
	st.OnReadable(sfd, lim, rt.NewFake(), 2)

	if code := lastErrorCode(t, st.Find(sfd)); code != types.CodeFrameTooLarge {
		t.Fatalf("code = %s", code)
	}
}

func TestInvalidEscapeRejected(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"r3","prompt":"bad \x"}`)))
	st.OnReadable(sfd, testLimits(), rt.NewFake(), 2)

	if code := lastErrorCode(t, st.Find(sfd)); code != types.CodeInvalidUTF8 {
		t.Fatalf("code = %s", code)
	}
}

func TestAdminMetricsRequest(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"type":"metrics"}`)))
	rr := st.OnReadable(sfd, testLimits(), rt.NewFake(), 2)

	s := st.Find(sfd)
	if !rr.AdminRequest || s.State != StateStream || !s.ReadClosed {
		t.Fatalf("rr=%+v state=%v", rr, s.State)
	}

	// the {"event":"metrics"} spelling works too
	sfd2, cfd2 := pair(t)
	st.Add(sfd2, 1)
	send(t, cfd2, protocol.WriteFrame(nil, []byte(`{"event":"metrics"}`)))
	if rr := st.OnReadable(sfd2, testLimits(), rt.NewFake(), 2); !rr.AdminRequest {
		t.Fatal("event=metrics not recognized")
	}
}

func TestEOFSetsReadClosed(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)

	_ = unix.Close(cfd)
	rr := st.OnReadable(sfd, testLimits(), rt.NewFake(), 2)

	if !st.Find(sfd).ReadClosed || !rr.RemovedRead {
		t.Fatalf("EOF not observed: rr=%+v", rr)
	}
}

func TestOneRequestInFlight(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)
	f := rt.NewFake()

	// two pipelined requests in one write
	frames := protocol.WriteFrame(nil, []byte(`{"id":"a","prompt":"one"}`))
	frames = protocol.WriteFrame(frames, []byte(`{"id":"b","prompt":"two"}`))
	send(t, cfd, frames)

	st.OnReadable(sfd, testLimits(), f, 2)
	s := st.Find(sfd)
	if s.RequestID != "a" || s.State != StatePrefill {
		t.Fatalf("first parse: id=%q state=%v", s.RequestID, s.State)
	}
	if len(s.Rx) == 0 {
		t.Fatal("second request should stay buffered")
	}

	// mid-request readable events must not consume the buffered frame
	st.OnReadable(sfd, testLimits(), f, 3)
	if s.RequestID != "a" {
		t.Fatalf("second request parsed early: id=%q", s.RequestID)
	}

	// after completion + reset, the buffered request parses
	s.State = StateStream
	s.ResetRequest()
	st.OnReadable(sfd, testLimits(), f, 4)
	if s.RequestID != "b" || s.State != StatePrefill {
		t.Fatalf("keep-alive parse: id=%q state=%v", s.RequestID, s.State)
	}
}

func TestSeqRetainedAcrossRequests(t *testing.T) {
	sfd, cfd := pair(t)
	st := NewStore(zerolog.Nop())
	st.Add(sfd, 1)
	f := rt.NewFake()

	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"a","prompt":"x"}`)))
	st.OnReadable(sfd, testLimits(), f, 2)
	s := st.Find(sfd)
	seq := s.Seq

	s.State = StateStream
	s.ResetRequest()
	send(t, cfd, protocol.WriteFrame(nil, []byte(`{"id":"b","prompt":"y"}`)))
	st.OnReadable(sfd, testLimits(), f, 3)

	if s.Seq != seq {
		t.Fatalf("seq changed across requests: %d -> %d", seq, s.Seq)
	}
	if s.NPast != 0 || s.GeneratedCount != 0 {
		t.Fatalf("per-request fields not reset: n_past=%d generated=%d", s.NPast, s.GeneratedCount)
	}
}

func TestCloseReleasesKV(t *testing.T) {
	sfd, cfd := pair(t)
	_ = cfd
	st := NewStore(zerolog.Nop())
	s := st.Add(sfd, 1)
	s.Seq = 9
	f := rt.NewFake()

	st.Close(sfd, f)
	if len(f.Removed) != 1 || f.Removed[0] != 9 {
		t.Fatalf("seq not removed on close: %v", f.Removed)
	}
	if st.Find(sfd) != nil {
		t.Fatal("session still present after close")
	}
}
