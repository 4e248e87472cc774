package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/fsm"
	"github.com/infodancer/pop3proxy/internal/pop3"
)

// Phase is the POP3 lifecycle stage of the proxied conversation, tracked
// for logging; the proxy itself relays every verb regardless of phase.
type Phase int

const (
	// PhaseAuthorization is the initial phase where the origin expects
	// authentication.
	PhaseAuthorization Phase = iota

	// PhaseTransaction is the phase after successful authentication.
	PhaseTransaction

	// PhaseUpdate is the phase after QUIT from Transaction.
	PhaseUpdate
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseAuthorization:
		return "AUTHORIZATION"
	case PhaseTransaction:
		return "TRANSACTION"
	case PhaseUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Buffer sizes. The client side is line-oriented and small; the origin and
// egress sides carry message bodies. superBuf needs headroom for the CAPA
// rewrite and synthesized lines on top of relay traffic.
const (
	readBufSize   = 1024
	originBufSize = 2048
	writeBufSize  = 4096
	superBufSize  = 8192
	externBufSize = 4096
)

// Session is the per-client record. It owns the client and origin
// descriptors, all I/O buffers, the request queue, and the state machine
// instance. Sessions are created on accept, mutated only by handlers
// running on the reactor thread, and returned to the pool once every
// descriptor is closed and the reference count reaches zero.
type Session struct {
	id  uint64
	srv *Server

	clientFD   int
	originFD   int
	clientAddr string

	machine *fsm.Machine[*Session]

	// eventFD is the descriptor the current readiness event arrived on;
	// state hooks demultiplex on it.
	eventFD int

	readBuf   *buffer.Buffer // raw bytes from the client
	originBuf *buffer.Buffer // staged bytes bound for the origin
	writeBuf  *buffer.Buffer // raw bytes from the origin
	superBuf  *buffer.Buffer // staged bytes bound for the client
	externBuf *buffer.Buffer // raw bytes from the filter child

	reqParser  *pop3.RequestParser
	respParser *pop3.ResponseParser

	// queue holds parsed requests in wire order. queue[:sent] have been
	// marshaled to the origin; responses match positionally from the head.
	queue []pop3.Request
	sent  int

	// current is the request whose response is being parsed.
	current pop3.Request
	haveCur bool

	pipelining   bool
	invalidCount int
	abuse        bool
	user         string
	phase        Phase

	// Origin resolution. The wakeup pipe is the session's dedicated
	// resolver descriptor; addrs/resolveErr/resolveDone are owned by the
	// worker until its notification is consumed.
	addrs       []net.IPAddr
	addrIdx     int
	resolveErr  error
	resolving   bool
	resolveDone bool
	resolveFD   int
	resolveWFD  int

	et *extern

	// refs counts owners: the server registry plus any in-flight resolver
	// worker. Mutated only on the reactor thread.
	refs int

	lastActivity time.Time
	greeted      bool
	logger       *slog.Logger
}

// newSession allocates a blank session. The pool calls this when its
// free-list is empty.
func newSession() *Session {
	return &Session{
		clientFD:   -1,
		originFD:   -1,
		resolveFD:  -1,
		resolveWFD: -1,
		readBuf:    buffer.New(readBufSize),
		originBuf:  buffer.New(originBufSize),
		writeBuf:   buffer.New(writeBufSize),
		superBuf:   buffer.New(superBufSize),
		externBuf:  buffer.New(externBufSize),
		reqParser:  pop3.NewRequestParser(),
		respParser: pop3.NewResponseParser(false, false),
	}
}

// reset rebinds a (new or pooled) session to a fresh client connection.
func (s *Session) reset(srv *Server, id uint64, clientFD int, clientAddr string) {
	s.id = id
	s.srv = srv
	s.clientFD = clientFD
	s.originFD = -1
	s.clientAddr = clientAddr
	s.eventFD = -1
	s.readBuf.Reset()
	s.originBuf.Reset()
	s.writeBuf.Reset()
	s.superBuf.Reset()
	s.externBuf.Reset()
	s.reqParser.Reset()
	s.respParser.Reset(false, false)
	s.queue = s.queue[:0]
	s.sent = 0
	s.current = pop3.Request{}
	s.haveCur = false
	s.pipelining = false
	s.invalidCount = 0
	s.abuse = false
	s.user = ""
	s.phase = PhaseAuthorization
	s.addrs = nil
	s.addrIdx = 0
	s.resolveErr = nil
	s.resolving = false
	s.resolveDone = false
	s.resolveFD = -1
	s.resolveWFD = -1
	s.et = nil
	s.refs = 1
	s.lastActivity = time.Now()
	s.greeted = false
	s.logger = srv.logger.With(
		slog.Uint64("session", id),
		slog.String("client", clientAddr),
	)
	s.machine = newSessionMachine()
}

// ref takes an additional reference. Reactor thread only.
func (s *Session) ref() {
	s.refs++
}

// unref drops a reference and returns the remaining count.
func (s *Session) unref() int {
	s.refs--
	return s.refs
}

// touch records activity for the idle sweep.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// enqueue appends a parsed request to the pipeline queue.
func (s *Session) enqueue(r pop3.Request) {
	s.queue = append(s.queue, r)
}

// dequeue removes and returns the queue head. The head must exist and
// must already have been marshaled.
func (s *Session) dequeue() pop3.Request {
	r := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue = s.queue[:len(s.queue)-1]
	if s.sent > 0 {
		s.sent--
	}
	return r
}

// unsent returns the requests that have not yet been marshaled to the
// origin.
func (s *Session) unsent() []pop3.Request {
	return s.queue[s.sent:]
}

// Terminal states for teardown detection.
func isTerminal(st fsm.StateID) bool {
	return st == StateDone || st == StateError
}
