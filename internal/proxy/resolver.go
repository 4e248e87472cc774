package proxy

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/reactor"
)

// resolveTimeout bounds the blocking lookup so an unresponsive resolver
// cannot pin worker goroutines forever.
const resolveTimeout = 30 * time.Second

// startResolver dispatches the one piece of work the engine delegates off
// the reactor thread: the blocking origin address lookup. Completion is
// signalled through a dedicated per-session wakeup pipe; the worker posts
// an unblock notification keyed on the pipe's read end, which stays
// registered until the notification is handled or the session ends. The
// worker also holds a session reference so a client disconnect during
// resolution cannot recycle the session out from under it.
func (s *Session) startResolver() error {
	// The write end is never written; it only keeps the registered read
	// end from raising a permanent hangup condition.
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	s.resolveFD, s.resolveWFD = p[0], p[1]
	if err := s.srv.selector.Register(s.resolveFD, s, reactor.None); err != nil {
		s.closeResolvePipe()
		return err
	}

	host := s.srv.settings.OriginHost
	wakeFD := s.resolveFD
	s.resolving = true
	s.resolveDone = false
	s.ref()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		// Publish before the wakeup: the notification queue's lock orders
		// these writes before the reactor thread's read.
		s.addrs = addrs
		s.resolveErr = err
		s.resolveDone = true
		s.srv.selector.NotifyBlock(wakeFD)
	}()
	return nil
}

// resolveReady reports whether a block event is this session's own
// resolver completion. A wakeup descriptor number can be recycled onto a
// new session after an unrelated one ends mid-lookup, so the descriptor
// match alone is not enough: the worker's published completion flag must
// agree.
func (s *Session) resolveReady() bool {
	return s.resolving && s.resolveDone && s.eventFD == s.resolveFD
}

// onResolved consumes the worker's published result on the reactor
// thread and releases the wakeup pipe.
func (s *Session) onResolved() error {
	s.resolving = false
	s.closeResolvePipe()
	s.unref()
	if s.resolveErr != nil {
		return s.resolveErr
	}
	if len(s.addrs) == 0 {
		return ErrResolution
	}
	return nil
}

// closeResolvePipe releases both wakeup pipe ends. Safe to call more than
// once.
func (s *Session) closeResolvePipe() {
	if s.resolveFD < 0 {
		return
	}
	if s.srv.selector.Registered(s.resolveFD) {
		_ = s.srv.selector.Unregister(s.resolveFD)
	}
	unix.Close(s.resolveFD)
	unix.Close(s.resolveWFD)
	s.resolveFD = -1
	s.resolveWFD = -1
}
