//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// Poller wraps an epoll instance. Not safe for concurrent use; the event
// loop is its only caller.
type Poller struct {
	epfd      int
	interests map[int]Interest
	events    []unix.EpollEvent
}

// New creates the poller. The epoll descriptor is close-on-exec.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:      epfd,
		interests: make(map[int]Interest),
		events:    make([]unix.EpollEvent, 64),
	}, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

func epollMask(i Interest) uint32 {
	var m uint32
	if i.Has(Read) {
		m |= unix.EPOLLIN
	}
	if i.Has(Write) {
		m |= unix.EPOLLOUT
	}
	return m
}

// Add registers interest for fd, merging with any existing registration.
// Re-adding an already-registered interest is idempotent.
func (p *Poller) Add(fd int, interest Interest) error {
	cur, known := p.interests[fd]
	next := cur | interest
	if known && next == cur {
		return nil
	}
	ev := unix.EpollEvent{Events: epollMask(next), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if known {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return err
	}
	p.interests[fd] = next
	return nil
}

// Remove drops interest for fd. Removing a non-registered interest is
// benign. When no interest remains the descriptor leaves the epoll set.
func (p *Poller) Remove(fd int, interest Interest) error {
	cur, known := p.interests[fd]
	if !known {
		return nil
	}
	next := cur &^ interest
	if next == cur {
		return nil
	}
	if next == 0 {
		delete(p.interests, fd)
		// The fd may already be closed; EBADF/ENOENT are not failures here.
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
			return err
		}
		return nil
	}
	ev := unix.EpollEvent{Events: epollMask(next), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.interests[fd] = next
	return nil
}

// Wait blocks up to timeoutMs for readiness and appends coalesced events to
// *out. timeoutMs < 0 blocks indefinitely; 0 polls without blocking.
// Returns the number of events appended. An interrupted wait surfaces
// unix.EINTR for the caller to retry.
func (p *Poller) Wait(timeoutMs int, out *[]Event) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		var f Flags
		if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			f |= FlagRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			f |= FlagWrite
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			f |= FlagHup
		}
		if ev.Events&unix.EPOLLERR != 0 {
			f |= FlagErr
		}
		*out = append(*out, Event{FD: int(ev.Fd), Flags: f})
	}
	return n, nil
}
