package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/admin"
	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/reactor"
)

// tickInterval paces the idle sweep and shutdown checks.
const tickInterval = time.Second

// Server owns the reactor, both passive sockets, the session registry and
// pool, and the shared settings record. Everything it touches after Run
// starts is confined to the reactor thread.
type Server struct {
	cfg       *config.Config
	settings  *config.Settings
	collector metrics.Collector
	logger    *slog.Logger

	selector *reactor.Selector
	limiter  *connLimiter

	clientListenFD int
	mgmtListenFD   int

	pool     sessionPool
	sessions map[*Session]struct{}
	admins   map[*admin.Conn]struct{}
	nextID   uint64

	idle time.Duration
	stop chan struct{}
}

// New creates a Server with both listeners bound.
func New(cfg *config.Config, settings *config.Settings, collector metrics.Collector, logger *slog.Logger) (*Server, error) {
	sel, err := reactor.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}

	clientFD, err := listenTCP(cfg.Listen)
	if err != nil {
		sel.Close()
		return nil, err
	}
	mgmtFD, err := listenTCP(cfg.Management.Address)
	if err != nil {
		unix.Close(clientFD)
		sel.Close()
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		settings:       settings,
		collector:      collector,
		logger:         logger,
		selector:       sel,
		limiter:        newConnLimiter(cfg.Limits.MaxConnections),
		clientListenFD: clientFD,
		mgmtListenFD:   mgmtFD,
		sessions:       make(map[*Session]struct{}),
		admins:         make(map[*admin.Conn]struct{}),
		idle:           cfg.Timeouts.IdleTimeout(),
		stop:           make(chan struct{}),
	}
	return s, nil
}

// Selector exposes the reactor for tests and the Stack.
func (s *Server) Selector() *reactor.Selector {
	return s.selector
}

// ListenAddr returns the bound client-side address, useful when the
// configuration asked for an ephemeral port.
func (s *Server) ListenAddr() string {
	return sockname(s.clientListenFD)
}

// ManagementAddr returns the bound management address.
func (s *Server) ManagementAddr() string {
	return sockname(s.mgmtListenFD)
}

// Run registers the listeners and drives the reactor until the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.selector.Register(s.clientListenFD, (*acceptHandler)(s), reactor.Read); err != nil {
		return err
	}
	if err := s.selector.Register(s.mgmtListenFD, (*acceptHandler)(s), reactor.Read); err != nil {
		return err
	}

	s.selector.SetTick(tickInterval, s.tick)

	s.logger.Info("proxy listening",
		slog.String("listen", s.cfg.Listen),
		slog.String("management", s.cfg.Management.Address),
		slog.String("origin", fmt.Sprintf("%s:%d", s.settings.OriginHost, s.settings.OriginPort)),
	)

	go func() {
		<-ctx.Done()
		close(s.stop)
		s.selector.Wake()
	}()

	err := s.selector.Run(s.stop)

	s.shutdown()

	if err != nil {
		return err
	}
	return ctx.Err()
}

// acceptHandler adapts the Server to reactor.Handler for its two passive
// sockets; per-connection descriptors get their own handlers.
type acceptHandler Server

// OnRead accepts every pending connection on the ready listener.
func (h *acceptHandler) OnRead(fd int) {
	s := (*Server)(h)
	for {
		nfd, peer, err := acceptConn(fd)
		if err != nil {
			// EAGAIN means the backlog is drained; anything else is logged
			// and retried on the next readiness event.
			if err != unix.EAGAIN && err != unix.EINTR {
				s.logger.Error("accept failed", slog.String("error", err.Error()))
			}
			return
		}
		if fd == s.mgmtListenFD {
			s.acceptManagement(nfd, peer)
		} else {
			s.acceptClient(nfd, peer)
		}
	}
}

// OnWrite implements reactor.Handler (listeners never arm write).
func (h *acceptHandler) OnWrite(fd int) {}

// OnBlock implements reactor.Handler.
func (h *acceptHandler) OnBlock(fd int) {}

// OnClose implements reactor.Handler.
func (h *acceptHandler) OnClose(fd int) {
	s := (*Server)(h)
	s.logger.Error("listener failed", slog.Int("fd", fd))
}

func (s *Server) acceptClient(fd int, peer string) {
	if !s.limiter.tryAcquire() {
		_, _ = unix.Write(fd, []byte(replyTooManyConns))
		unix.Close(fd)
		s.logger.Info("connection rejected at capacity", slog.String("client", peer))
		return
	}

	s.collector.ConnectionOpened()
	s.nextID++
	sess := s.pool.get()
	sess.reset(s, s.nextID, fd, peer)

	if err := s.selector.Register(fd, sess, reactor.None); err != nil {
		s.logger.Error("client registration failed", slog.String("error", err.Error()))
		unix.Close(fd)
		s.collector.ConnectionClosed()
		s.limiter.release()
		s.pool.put(sess)
		return
	}
	s.sessions[sess] = struct{}{}

	sess.logger.Info("client connected")
	sess.machine.Start(sess)
	// The initial arrival hook can fail straight into a terminal state.
	if isTerminal(sess.machine.Current()) {
		s.finish(sess, true)
	}
}

func (s *Server) acceptManagement(fd int, peer string) {
	conn, err := admin.NewConn(s.selector, fd, peer, s.settings, s.collector, s.logger,
		func(c *admin.Conn) { delete(s.admins, c) })
	if err != nil {
		s.logger.Error("management registration failed", slog.String("error", err.Error()))
		unix.Close(fd)
		return
	}
	s.admins[conn] = struct{}{}
}

// finish tears a session down after it reached a terminal state. Safe to
// call once per session; later calls are no-ops.
func (s *Server) finish(sess *Session, isErr bool) {
	if sess.machine == nil {
		return
	}
	sess.machine = nil

	if sess.et != nil {
		// etCleanup needs the selector; keep srv wired until after.
		sess.etCleanup()
	}
	sess.closeResolvePipe()

	hadOrigin := sess.originFD >= 0
	if hadOrigin {
		if s.selector.Registered(sess.originFD) {
			_ = s.selector.Unregister(sess.originFD)
		}
		unix.Close(sess.originFD)
		sess.originFD = -1
	}
	if sess.clientFD >= 0 {
		if s.selector.Registered(sess.clientFD) {
			_ = s.selector.Unregister(sess.clientFD)
		}
		unix.Close(sess.clientFD)
		sess.clientFD = -1
	}

	s.collector.ConnectionClosed()
	s.limiter.release()
	delete(s.sessions, sess)

	if hadOrigin {
		sess.logger.Info("connection closed",
			slog.Bool("error", isErr),
			slog.String("user", sess.user),
			slog.String("phase", sess.phase.String()),
		)
	} else {
		sess.logger.Info("connection closed before origin contact",
			slog.Bool("error", isErr))
	}

	if sess.unref() == 0 {
		s.pool.put(sess)
	}
}

// tick runs on the reactor thread between waits: idle sessions are
// terminated.
func (s *Server) tick() {
	if s.idle <= 0 {
		return
	}
	deadline := time.Now().Add(-s.idle)
	var victims []*Session
	for sess := range s.sessions {
		if sess.lastActivity.Before(deadline) {
			victims = append(victims, sess)
		}
	}
	for _, sess := range victims {
		sess.logger.Info("closing idle session")
		sess.fatal()
	}
}

// shutdown closes every resource after the reactor loop exits.
func (s *Server) shutdown() {
	s.logger.Info("proxy shutting down")

	for sess := range s.sessions {
		sess.machine.Jump(sess, StateError)
		s.finish(sess, false)
	}
	for conn := range s.admins {
		conn.Close()
	}

	unix.Close(s.clientListenFD)
	unix.Close(s.mgmtListenFD)
	s.pool.drain()
	s.selector.Close()

	s.logger.Info("proxy stopped")
}
