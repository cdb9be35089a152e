//go:build unix && !linux

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is a poll(2) backend for unix systems without epoll.
type pollPoller struct {
	fds   map[int]Events
	pipe  [2]int
	mu    sync.Mutex
	slice []unix.PollFd
}

func newPoller() (poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("wake pipe nonblock: %w", err)
		}
	}
	return &pollPoller{fds: make(map[int]Events), pipe: fds}, nil
}

func (p *pollPoller) set(fd int, events Events) error {
	p.fds[fd] = events
	return nil
}

func (p *pollPoller) del(fd int) error {
	delete(p.fds, fd)
	return nil
}

func (p *pollPoller) wait(timeout time.Duration, fn func(fd int, ev Events, err error)) error {
	p.slice = p.slice[:0]
	p.slice = append(p.slice, unix.PollFd{Fd: int32(p.pipe[0]), Events: unix.POLLIN})
	for fd, events := range p.fds {
		var ev int16
		if events&Readable != 0 {
			ev |= unix.POLLIN
		}
		if events&Writable != 0 {
			ev |= unix.POLLOUT
		}
		if events&Prioritized != 0 {
			ev |= unix.POLLPRI
		}
		p.slice = append(p.slice, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	n, err := unix.Poll(p.slice, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}

	for _, pfd := range p.slice {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == p.pipe[0] {
			p.drain()
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			fn(int(pfd.Fd), 0, unix.EBADF)
			continue
		}
		var ev Events
		if pfd.Revents&unix.POLLIN != 0 {
			ev |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ev |= Writable
		}
		if pfd.Revents&unix.POLLPRI != 0 {
			ev |= Prioritized
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			ev |= Disconnect
		}
		if pfd.Revents&unix.POLLERR != 0 {
			ev |= Readable | Writable
		}
		fn(int(pfd.Fd), ev, nil)
	}
	return nil
}

func (p *pollPoller) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.pipe[0], buf[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := unix.Write(p.pipe[1], []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *pollPoller) close() error {
	return errors.Join(unix.Close(p.pipe[0]), unix.Close(p.pipe[1]))
}
