//go:build darwin || freebsd || netbsd || openbsd

package poller

import (
	"golang.org/x/sys/unix"
)

// Poller wraps a kqueue instance. Read and write are separate kevent
// filters; Wait coalesces them back into one event per descriptor.
type Poller struct {
	kq        int
	interests map[int]Interest
	events    []unix.Kevent_t
}

// New creates the poller.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &Poller{
		kq:        kq,
		interests: make(map[int]Interest),
		events:    make([]unix.Kevent_t, 64),
	}, nil
}

// Close releases the kqueue descriptor.
func (p *Poller) Close() error {
	if p.kq < 0 {
		return nil
	}
	err := unix.Close(p.kq)
	p.kq = -1
	return err
}

func (p *Poller) change(fd int, filter int16, flags uint16) error {
	ev := unix.Kevent_t{Flags: flags, Filter: filter}
	unix.SetKevent(&ev, fd, int(filter), int(flags))
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Add registers interest for fd. Re-adding is idempotent (EV_ADD on an
// existing filter updates in place).
func (p *Poller) Add(fd int, interest Interest) error {
	if interest.Has(Read) {
		if err := p.change(fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
			return err
		}
	}
	if interest.Has(Write) {
		if err := p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD); err != nil {
			return err
		}
	}
	p.interests[fd] |= interest
	return nil
}

// Remove drops interest for fd. Removing a filter that was never added is
// benign (ENOENT is swallowed).
func (p *Poller) Remove(fd int, interest Interest) error {
	if interest.Has(Read) {
		if err := p.change(fd, unix.EVFILT_READ, unix.EV_DELETE); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return err
		}
	}
	if interest.Has(Write) {
		if err := p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return err
		}
	}
	next := p.interests[fd] &^ interest
	if next == 0 {
		delete(p.interests, fd)
	} else {
		p.interests[fd] = next
	}
	return nil
}

// Wait blocks up to timeoutMs and appends coalesced events to *out.
// timeoutMs < 0 blocks indefinitely; 0 polls. Returns the number of
// events appended; EINTR is surfaced for the caller to retry.
func (p *Poller) Wait(timeoutMs int, out *[]Event) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		return 0, err
	}
	// Coalesce: kqueue reports read and write as distinct kevents.
	start := len(*out)
	index := make(map[int]int, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		var f Flags
		switch ev.Filter {
		case unix.EVFILT_READ:
			f |= FlagRead
		case unix.EVFILT_WRITE:
			f |= FlagWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			f |= FlagHup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			f |= FlagErr
		}
		if at, ok := index[fd]; ok {
			(*out)[at].Flags |= f
			continue
		}
		index[fd] = len(*out)
		*out = append(*out, Event{FD: fd, Flags: f})
	}
	return len(*out) - start, nil
}
