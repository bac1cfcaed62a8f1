// Package server ties the daemon together: the Unix-domain listener, the
// readiness-driven event loop, and session teardown policy.
package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Listener owns the Unix-domain stream socket the daemon accepts on.
type Listener struct {
	fd   int
	path string
}

// Listen unlinks a stale socket path, creates a non-blocking close-on-exec
// stream socket, binds, applies mode, and starts listening.
func Listen(path string, mode os.FileMode) (*Listener, error) {
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Chmod(path, uint32(mode.Perm())); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Listener{fd: fd, path: path}, nil
}

// FD exposes the listener descriptor for poller registration.
func (l *Listener) FD() int { return l.fd }

// Accept takes one pending connection, returning the client descriptor
// configured non-blocking and close-on-exec. unix.EAGAIN means the backlog
// is drained.
func (l *Listener) Accept() (int, error) {
	for {
		cfd, _, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		if err := unix.SetNonblock(cfd, true); err != nil {
			_ = unix.Close(cfd)
			return -1, err
		}
		unix.CloseOnExec(cfd)
		return cfd, nil
	}
}

// Close tears the socket down and unlinks the path.
func (l *Listener) Close() error {
	if l.fd >= 0 {
		_ = unix.Close(l.fd)
		l.fd = -1
	}
	return unix.Unlink(l.path)
}
