//go:build linux

// Package reactor implements the single-threaded readiness selector the
// proxy engine runs on. Descriptors are registered with an interest set;
// the Run loop blocks in epoll and dispatches read/write readiness to the
// registered handler. Worker goroutines that finish blocking work off the
// loop signal completion through NotifyBlock, which wakes the loop via a
// self-pipe and delivers a one-shot OnBlock event on the loop thread.
//
// All handler invocations happen on the goroutine that called Run, so
// handlers may mutate shared state without locking. Handlers must not
// block. Descriptors must be set non-blocking before registration.
// Unregister removes a descriptor from the selector but closes neither the
// descriptor nor the handler; the owner remains responsible for both.
package reactor

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the readiness set a handler subscribes to.
type Interest uint8

const (
	// None keeps the descriptor registered but delivers no readiness.
	None Interest = 0
	// Read subscribes to read readiness.
	Read Interest = 1 << iota
	// Write subscribes to write readiness.
	Write
)

// Handler receives readiness events for a registered descriptor. The fd is
// passed back so a single handler instance can serve several descriptors.
type Handler interface {
	OnRead(fd int)
	OnWrite(fd int)
	// OnClose is delivered when the descriptor raises an error or hangup
	// condition with no accompanying readiness.
	OnClose(fd int)
	// OnBlock is delivered once per NotifyBlock call for the descriptor.
	OnBlock(fd int)
}

var (
	// ErrNotRegistered is returned for operations on unknown descriptors.
	ErrNotRegistered = errors.New("reactor: descriptor not registered")
	// ErrAlreadyRegistered is returned when registering a descriptor twice.
	ErrAlreadyRegistered = errors.New("reactor: descriptor already registered")
	// ErrClosed is returned when the selector has been closed.
	ErrClosed = errors.New("reactor: selector closed")
)

type registration struct {
	handler  Handler
	interest Interest
}

// Selector multiplexes readiness over an epoll instance.
type Selector struct {
	epfd  int
	wakeR int
	wakeW int

	// Registrations are touched only on the Run goroutine.
	regs map[int]*registration

	// pending holds fds with queued unblock notifications; the only state
	// shared with worker goroutines.
	mu      sync.Mutex
	pending []int
	closed  bool

	// tick, when set, runs on the loop thread at least every tickEvery.
	tickEvery time.Duration
	tick      func()
}

// NewSelector creates a Selector with its wakeup pipe installed.
func NewSelector() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	s := &Selector{
		epfd:  epfd,
		wakeR: p[0],
		wakeW: p[1],
		regs:  make(map[int]*registration),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeR, &ev); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// SetTick installs a callback invoked on the loop thread at least every d.
// Used for idle-deadline sweeps and shutdown checks. Must be called before
// Run.
func (s *Selector) SetTick(d time.Duration, fn func()) {
	s.tickEvery = d
	s.tick = fn
}

func epollEvents(i Interest) uint32 {
	var ev uint32
	if i&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd with the given handler and initial interest.
func (s *Selector) Register(fd int, h Handler, interest Interest) error {
	if _, ok := s.regs[fd]; ok {
		return ErrAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	s.regs[fd] = &registration{handler: h, interest: interest}
	return nil
}

// SetInterest replaces the interest set for fd.
func (s *Selector) SetInterest(fd int, interest Interest) error {
	reg, ok := s.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	if reg.interest == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

// Interest returns the current interest set for fd.
func (s *Selector) Interest(fd int) (Interest, error) {
	reg, ok := s.regs[fd]
	if !ok {
		return None, ErrNotRegistered
	}
	return reg.interest, nil
}

// Unregister removes fd from the selector. The descriptor stays open.
func (s *Selector) Unregister(fd int) error {
	if _, ok := s.regs[fd]; !ok {
		return ErrNotRegistered
	}
	delete(s.regs, fd)
	// The kernel drops the epoll entry on close anyway; an explicit DEL can
	// fail if the fd was already closed, which is not an error here.
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

// Registered reports whether fd is currently registered.
func (s *Selector) Registered(fd int) bool {
	_, ok := s.regs[fd]
	return ok
}

// NotifyBlock schedules a one-shot OnBlock event for fd on the loop
// thread. Safe to call from any goroutine.
func (s *Selector) NotifyBlock(fd int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, fd)
	s.mu.Unlock()
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(s.wakeW, []byte{1})
}

// Run dispatches readiness events until stop is closed. It must be called
// from exactly one goroutine; that goroutine becomes the loop thread.
func (s *Selector) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 64)
	timeout := -1
	if s.tickEvery > 0 {
		timeout = int(s.tickEvery / time.Millisecond)
		if timeout < 1 {
			timeout = 1
		}
	}
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, err := unix.EpollWait(s.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			s.dispatch(&events[i])
		}
		if s.tick != nil {
			s.tick()
		}
	}
}

// Wake forces the Run loop out of its wait without queueing an unblock
// event, so a concurrent stop is observed promptly.
func (s *Selector) Wake() {
	_, _ = unix.Write(s.wakeW, []byte{1})
}

func (s *Selector) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == s.wakeR {
		s.drainWake()
		return
	}
	// Re-resolve before every callback: an earlier handler in this batch
	// may have unregistered the descriptor.
	if ev.Events&unix.EPOLLIN != 0 {
		if reg, ok := s.regs[fd]; ok {
			reg.handler.OnRead(fd)
		}
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		if reg, ok := s.regs[fd]; ok {
			reg.handler.OnWrite(fd)
		}
	}
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 &&
		ev.Events&(unix.EPOLLIN|unix.EPOLLOUT) == 0 {
		if reg, ok := s.regs[fd]; ok {
			reg.handler.OnClose(fd)
		}
	}
}

func (s *Selector) drainWake() {
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(s.wakeR, buf)
		if n <= 0 || err != nil {
			break
		}
	}
	s.mu.Lock()
	fds := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fd := range fds {
		if reg, ok := s.regs[fd]; ok {
			reg.handler.OnBlock(fd)
		}
	}
}

// Close releases the epoll instance and wakeup pipe. Registered
// descriptors are not closed.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err1 := unix.Close(s.wakeW)
	err2 := unix.Close(s.wakeR)
	err3 := unix.Close(s.epfd)
	return errors.Join(err1, err2, err3)
}
