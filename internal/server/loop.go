package server

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/haochend/uma-serve/internal/config"
	"github.com/haochend/uma-serve/internal/metrics"
	"github.com/haochend/uma-serve/internal/poller"
	"github.com/haochend/uma-serve/internal/protocol"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/internal/sched"
	"github.com/haochend/uma-serve/internal/session"
	"github.com/haochend/uma-serve/pkg/types"
)

// idleWaitMs bounds the readiness wait when no session has ready work.
const idleWaitMs = 200

// Loop is the single-threaded cooperative event loop. It owns the poller,
// the listener, the session store, the scheduler, and the metrics writer;
// nothing else touches them while Run is active.
type Loop struct {
	cfg      config.Config
	rt       rt.Runtime
	poll     *poller.Poller
	listener *Listener
	store    *session.Store
	sched    *sched.Scheduler
	metrics  *metrics.Metrics
	log      zerolog.Logger

	limits   session.Limits
	shutdown atomic.Bool
	started  time.Time

	events []poller.Event
}

// NewLoop wires the loop. The listener and runtime are owned by the caller
// for teardown ordering; sessions are owned here.
func NewLoop(cfg config.Config, r rt.Runtime, lst *Listener, sc *sched.Scheduler, m *metrics.Metrics, log zerolog.Logger) (*Loop, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	if err := p.Add(lst.FD(), poller.Read); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &Loop{
		cfg:      cfg,
		rt:       r,
		poll:     p,
		listener: lst,
		store:    session.NewStore(log),
		sched:    sc,
		metrics:  m,
		log:      log,
		limits: session.Limits{
			MaxFrameBytes:  cfg.MaxFrameBytes,
			MaxPromptBytes: cfg.MaxPromptBytes,
			MaxTokens:      cfg.MaxTokens,
			SLOTTFTMs:      uint32(cfg.SLOTTFTMs),
			SLOTBTMs:       uint32(cfg.SLOTBTMs),
		},
		started: time.Now(),
	}, nil
}

// Stop requests a graceful exit after the current iteration.
func (l *Loop) Stop() { l.shutdown.Store(true) }

// Store exposes the session store for status reporting.
func (l *Loop) Store() *session.Store { return l.store }

// Snapshot builds the admin metrics object. All reads are atomic, so the
// observability HTTP server may call this from its own goroutine.
func (l *Loop) Snapshot() types.MetricsSnapshot {
	return l.metrics.Snapshot(l.metrics.ActiveSessions.Load())
}

func (l *Loop) nowNs() uint64 {
	return uint64(time.Since(l.started).Nanoseconds())
}

// Run drives the loop until Stop. On exit every session is closed and the
// poller released; the listener and runtime are left for the caller.
func (l *Loop) Run() error {
	defer l.cleanup()

	for !l.shutdown.Load() {
		timeout := idleWaitMs
		for _, s := range l.store.All() {
			if s.ReadyWork() {
				timeout = 0
				break
			}
		}

		l.events = l.events[:0]
		_, err := l.poll.Wait(timeout, &l.events)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		now := l.nowNs()
		for _, ev := range l.events {
			if ev.FD == l.listener.FD() {
				if ev.Readable() {
					l.acceptAll(now)
				}
				continue
			}
			if ev.Readable() {
				l.onReadable(ev.FD, now)
			}
			if ev.Writable() {
				l.onWritable(ev.FD, now)
			}
		}

		l.idleSweep()

		for _, fd := range l.sched.Tick(l.store.All(), l.nowNs()) {
			if s := l.store.Find(fd); s != nil && len(s.Tx) > 0 {
				_ = l.poll.Add(fd, poller.Write)
			}
		}
		l.metrics.ActiveSessions.Store(uint32(l.store.Len()))
		metrics.SetActiveSessions(l.store.Len())
	}
	l.log.Info().Msg("shutdown requested, draining")
	return nil
}

func (l *Loop) cleanup() {
	for fd := range l.store.All() {
		_ = l.poll.Remove(fd, poller.Read|poller.Write)
		l.store.Close(fd, l.rt)
	}
	_ = l.poll.Close()
}

// acceptAll drains the accept backlog, enforcing the session cap.
func (l *Loop) acceptAll(nowNs uint64) {
	for {
		cfd, err := l.listener.Accept()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			l.log.Warn().Err(err).Msg("accept failed")
			return
		}
		if l.store.Len() >= l.cfg.MaxSessions {
			// at capacity: reject by immediate close
			l.log.Warn().Int("fd", cfd).Int("max", l.cfg.MaxSessions).Msg("session limit, rejecting")
			_ = unix.Close(cfd)
			continue
		}
		l.store.Add(cfd, nowNs)
		if err := l.poll.Add(cfd, poller.Read); err != nil {
			l.store.Close(cfd, l.rt)
		}
	}
}

func (l *Loop) onReadable(fd int, nowNs uint64) {
	rr := l.store.OnReadable(fd, l.limits, l.rt, nowNs)
	s := l.store.Find(fd)
	if s == nil {
		return
	}
	if rr.CloseNow {
		_ = l.poll.Remove(fd, poller.Read|poller.Write)
		l.store.Close(fd, l.rt)
		return
	}
	if rr.AdminRequest {
		s.Tx = protocol.AppendMetricsEvent(s.Tx, l.metrics.Snapshot(uint32(l.store.Len())))
		_ = l.poll.Remove(fd, poller.Read)
		rr.WantsWrite = true
		rr.RemovedRead = false
	}
	if rr.RemovedRead {
		_ = l.poll.Remove(fd, poller.Read)
	}
	if rr.WantsWrite && len(s.Tx) > 0 {
		// best-effort immediate drain before arming Write interest
		l.tryWrite(fd, s)
		if len(s.Tx) > 0 {
			_ = l.poll.Add(fd, poller.Write)
		} else {
			l.afterFlush(fd, s)
		}
	}
}

// tryWrite performs one non-blocking write pass over tx.
func (l *Loop) tryWrite(fd int, s *session.Session) {
	for len(s.Tx) > 0 {
		n, err := unix.Write(fd, s.Tx)
		if n > 0 {
			s.Tx = s.Tx[n:]
			s.LastActivityNs = l.nowNs()
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (l *Loop) onWritable(fd int, nowNs uint64) {
	s := l.store.Find(fd)
	if s == nil {
		return
	}
	for len(s.Tx) > 0 {
		n, err := unix.Write(fd, s.Tx)
		if n > 0 {
			s.Tx = s.Tx[n:]
			s.LastActivityNs = nowNs
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		// broken pipe or peer reset
		_ = l.poll.Remove(fd, poller.Read|poller.Write)
		l.store.Close(fd, l.rt)
		return
	}
	_ = l.poll.Remove(fd, poller.Write)
	l.afterFlush(fd, s)
}

// afterFlush applies end-of-stream policy once tx is empty: errored
// sessions close, finished streams close or reset for keep-alive.
func (l *Loop) afterFlush(fd int, s *session.Session) {
	switch s.State {
	case session.StateErrored:
		_ = l.poll.Remove(fd, poller.Read|poller.Write)
		l.store.Close(fd, l.rt)
	case session.StateStream:
		if s.ReadClosed {
			_ = l.poll.Remove(fd, poller.Read|poller.Write)
			l.store.Close(fd, l.rt)
			return
		}
		s.ResetRequest()
		if len(s.Rx) > 0 {
			// a pipelined request may already be buffered; parse it now
			// rather than waiting for more bytes from the peer
			l.onReadable(fd, l.nowNs())
		}
	}
}

// idleSweep closes sessions idle past the configured threshold.
func (l *Loop) idleSweep() {
	idleNs := uint64(l.cfg.IdleTimeoutSec) * 1e9
	if idleNs == 0 {
		return
	}
	now := l.nowNs()
	var stale []int
	for fd, s := range l.store.All() {
		if now-s.LastActivityNs > idleNs {
			stale = append(stale, fd)
		}
	}
	for _, fd := range stale {
		l.log.Info().Int("fd", fd).Msg("idle timeout")
		_ = l.poll.Remove(fd, poller.Read|poller.Write)
		l.store.Close(fd, l.rt)
	}
}
