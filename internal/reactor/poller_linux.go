//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

type epollPoller struct {
	epfd   int
	wakefd int
	events [maxEpollEvents]unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &epollPoller{epfd: epfd, wakefd: wakefd}, nil
}

func toEpoll(events Events) uint32 {
	var ev uint32
	if events&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if events&Prioritized != 0 {
		ev |= unix.EPOLLPRI
	}
	if events&Disconnect != 0 {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}

func fromEpoll(ev uint32) Events {
	var events Events
	if ev&unix.EPOLLIN != 0 {
		events |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= Writable
	}
	if ev&unix.EPOLLPRI != 0 {
		events |= Prioritized
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= Disconnect
	}
	// Let the owner discover the error through its next read or write.
	if ev&unix.EPOLLERR != 0 {
		events |= Readable | Writable
	}
	return events
}

func (p *epollPoller) set(fd int, events Events) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if errors.Is(err, unix.ENOENT) {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

func (p *epollPoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeout time.Duration, fn func(fd int, ev Events, err error)) error {
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drain()
			continue
		}
		fn(fd, fromEpoll(ev.Events), nil)
	}
	return nil
}

func (p *epollPoller) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

func (p *epollPoller) close() error {
	err1 := unix.Close(p.wakefd)
	err2 := unix.Close(p.epfd)
	return errors.Join(err1, err2)
}
