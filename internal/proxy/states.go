package proxy

import (
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/fsm"
	"github.com/infodancer/pop3proxy/internal/pop3"
	"github.com/infodancer/pop3proxy/internal/reactor"
)

// Session states. ORIGIN_RESOLV is initial; DONE and ERROR are terminal.
const (
	StateOriginResolv fsm.StateID = iota
	StateConnecting
	StateHello
	StateCapa
	StateRequest
	StateResponse
	StateExternalTransformation
	StateDone
	StateError
)

// String names a session state for logging.
func stateName(st fsm.StateID) string {
	switch st {
	case StateOriginResolv:
		return "ORIGIN_RESOLV"
	case StateConnecting:
		return "CONNECTING"
	case StateHello:
		return "HELLO"
	case StateCapa:
		return "CAPA"
	case StateRequest:
		return "REQUEST"
	case StateResponse:
		return "RESPONSE"
	case StateExternalTransformation:
		return "EXTERNAL_TRANSFORMATION"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var sessionStates = []fsm.Handlers[*Session]{
	{
		State:     StateOriginResolv,
		OnArrival: resolvArrival,
		OnBlock:   resolvBlock,
	},
	{
		State:   StateConnecting,
		OnWrite: connectingWrite,
	},
	{
		State:     StateHello,
		OnArrival: helloArrival,
		OnRead:    helloRead,
		OnWrite:   helloWrite,
	},
	{
		State:     StateCapa,
		OnArrival: capaArrival,
		OnRead:    capaRead,
		OnWrite:   capaWrite,
	},
	{
		State:     StateRequest,
		OnArrival: requestArrival,
		OnRead:    requestRead,
		OnWrite:   requestWrite,
	},
	{
		State:     StateResponse,
		OnArrival: responseArrival,
		OnRead:    responseRead,
		OnWrite:   responseWrite,
	},
	{
		State:     StateExternalTransformation,
		OnArrival: etArrival,
		OnRead:    etRead,
		OnWrite:   etWrite,
	},
	{State: StateDone},
	{State: StateError},
}

func newSessionMachine() *fsm.Machine[*Session] {
	m, err := fsm.New(sessionStates, StateOriginResolv)
	if err != nil {
		// The table is static; a mismatch is a programming error.
		panic(err)
	}
	return m
}

// ---- reactor.Handler ----

// OnRead implements reactor.Handler.
func (s *Session) OnRead(fd int) { s.deliver(fd, (*fsm.Machine[*Session]).HandleRead) }

// OnWrite implements reactor.Handler.
func (s *Session) OnWrite(fd int) { s.deliver(fd, (*fsm.Machine[*Session]).HandleWrite) }

// OnBlock implements reactor.Handler.
func (s *Session) OnBlock(fd int) { s.deliver(fd, (*fsm.Machine[*Session]).HandleBlock) }

// OnClose implements reactor.Handler: an error or hangup with no pending
// readiness terminates the session. The filter child's stdout is the
// exception: a bare hangup there is how the pipe reports that the child
// closed its output, so it is delivered as a read and seen as EOF.
func (s *Session) OnClose(fd int) {
	if s.machine == nil {
		return
	}
	if s.et != nil && s.et.stdout != nil && fd == s.et.stdoutFD {
		s.OnRead(fd)
		return
	}
	s.logger.Debug("descriptor error", slog.Int("fd", fd),
		slog.String("state", stateName(s.machine.Current())))
	s.fatal()
}

func (s *Session) deliver(fd int, handle func(*fsm.Machine[*Session], *Session) (fsm.StateID, error)) {
	if s.machine == nil {
		return
	}
	s.eventFD = fd
	s.touch()
	st, err := handle(s.machine, s)
	if err != nil {
		// An event with no handler in this state is spurious; ignore it.
		return
	}
	if isTerminal(st) {
		s.srv.finish(s, st == StateError)
	}
}

// fatal jumps straight to ERROR from outside an event hook.
func (s *Session) fatal() {
	if s.machine == nil {
		return
	}
	s.machine.Jump(s, StateError)
	s.srv.finish(s, true)
}

// ---- I/O helpers ----

// errWouldBlock distinguishes EAGAIN from real failures internally.
var errWouldBlock = unix.EAGAIN

// recvInto reads once from fd into b. Returns io.EOF on orderly shutdown
// and errWouldBlock when the socket has nothing to deliver.
func recvInto(fd int, b *buffer.Buffer) (int, error) {
	if !b.CanWrite() {
		// Reclaim the consumed head first: a partial trailing record must
		// not wedge the buffer while the socket stays readable.
		b.Compact()
	}
	if !b.CanWrite() {
		return 0, errWouldBlock
	}
	n, err := unix.Read(fd, b.WriteView())
	if n > 0 {
		b.AdvanceWrite(n)
		return n, nil
	}
	if err == unix.EINTR || err == unix.EAGAIN {
		return 0, errWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// sendFrom writes as much of b as the socket accepts. Returns the bytes
// sent; a short send leaves the remainder for the next readiness event.
func sendFrom(fd int, b *buffer.Buffer) (int, error) {
	total := 0
	for b.CanRead() {
		n, err := unix.Write(fd, b.ReadView())
		if n > 0 {
			b.AdvanceRead(n)
			total += n
			continue
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		return total, io.ErrUnexpectedEOF
	}
	return total, nil
}

// directClientWrite makes a best-effort synchronous write of a final error
// line; used on paths that terminate immediately afterwards.
func (s *Session) directClientWrite(line string) {
	_, _ = unix.Write(s.clientFD, []byte(line))
}

func (s *Session) armClient(i reactor.Interest) {
	_ = s.srv.selector.SetInterest(s.clientFD, i)
}

func (s *Session) armOrigin(i reactor.Interest) {
	if s.originFD >= 0 {
		_ = s.srv.selector.SetInterest(s.originFD, i)
	}
}

// flushSuper drains the egress staging buffer to the client. countBytes
// adds the sent bytes to the transfer metric (RETR and ET traffic only).
func (s *Session) flushSuper(countBytes bool) error {
	n, err := sendFrom(s.clientFD, s.superBuf)
	if countBytes && n > 0 {
		s.srv.collector.BytesTransferred(int64(n))
	}
	return err
}

// ---- ORIGIN_RESOLV ----

func resolvArrival(s *Session) {
	s.armClient(reactor.None)
	if err := s.startResolver(); err != nil {
		s.logger.Error("resolver setup failed", slog.String("error", err.Error()))
		s.directClientWrite(replyConnectionFail)
		s.machine.Jump(s, StateError)
	}
}

func resolvBlock(s *Session) fsm.StateID {
	if !s.resolveReady() {
		// A stale wakeup: the descriptor number may have been recycled
		// from a session that ended mid-lookup. Wait for our own.
		return StateOriginResolv
	}
	if err := s.onResolved(); err != nil {
		s.logger.Info("origin resolution failed",
			slog.String("origin", s.srv.settings.OriginHost),
			slog.String("error", err.Error()))
		s.directClientWrite(replyConnectionFail)
		return StateError
	}
	return s.beginConnect()
}

// beginConnect starts a non-blocking connect to the next candidate
// address. Exhausting the list is a user-visible failure.
func (s *Session) beginConnect() fsm.StateID {
	port := int(s.srv.settings.OriginPort)
	for s.addrIdx < len(s.addrs) {
		ip := s.addrs[s.addrIdx].IP
		s.addrIdx++
		fd, _, err := startConnect(ip, port)
		if err != nil {
			s.logger.Debug("connect attempt failed",
				slog.String("address", ip.String()),
				slog.String("error", err.Error()))
			continue
		}
		s.originFD = fd
		// Write readiness reports completion for both the in-progress and
		// the synchronous case.
		if err := s.srv.selector.Register(fd, s, reactor.Write); err != nil {
			unix.Close(fd)
			s.originFD = -1
			return StateError
		}
		return StateConnecting
	}
	s.directClientWrite(replyConnectionFail)
	return StateError
}

// ---- CONNECTING ----

func connectingWrite(s *Session) fsm.StateID {
	if s.eventFD != s.originFD {
		return StateConnecting
	}
	if err := soError(s.originFD); err != nil {
		s.logger.Debug("origin connect failed", slog.String("error", err.Error()))
		_ = s.srv.selector.Unregister(s.originFD)
		unix.Close(s.originFD)
		s.originFD = -1
		return s.beginConnect()
	}
	s.logger.Info("origin connection established",
		slog.String("origin", s.srv.settings.OriginHost),
		slog.String("phase", s.phase.String()))
	s.phase = PhaseAuthorization
	s.armOrigin(reactor.Read)
	return StateHello
}

// ---- HELLO ----

func helloArrival(s *Session) {
	// The proxy banner precedes the relayed origin greeting.
	s.superBuf.WriteString(replyProxyGreeting)
	s.respParser.Reset(false, false)
}

func helloRead(s *Session) fsm.StateID {
	if s.eventFD != s.originFD {
		return StateHello
	}
	_, err := recvInto(s.originFD, s.writeBuf)
	if err == errWouldBlock {
		return StateHello
	}
	if err != nil {
		s.logger.Debug("origin closed before greeting", slog.String("error", err.Error()))
		return StateError
	}
	for s.writeBuf.CanRead() && !s.respParser.Done() {
		view := s.writeBuf.ReadView()
		n := s.respParser.Consume(view)
		s.superBuf.Write(view[:n])
		s.writeBuf.AdvanceRead(n)
		if s.respParser.State() == pop3.RespError {
			return StateError
		}
		if n == 0 {
			break
		}
	}
	if s.respParser.Done() {
		s.greeted = true
		s.armOrigin(reactor.None)
		s.armClient(reactor.Write)
	}
	return StateHello
}

func helloWrite(s *Session) fsm.StateID {
	if s.eventFD != s.clientFD {
		return StateHello
	}
	if err := s.flushSuper(false); err != nil {
		return StateError
	}
	if !s.superBuf.CanRead() && s.greeted {
		s.armClient(reactor.None)
		return StateCapa
	}
	return StateHello
}

// ---- CAPA ----

func capaArrival(s *Session) {
	s.originBuf.WriteString("CAPA\r\n")
	s.respParser.Reset(true, true)
	s.armOrigin(reactor.Write)
}

func capaWrite(s *Session) fsm.StateID {
	if s.eventFD != s.originFD {
		return StateCapa
	}
	if _, err := sendFrom(s.originFD, s.originBuf); err != nil {
		return StateError
	}
	if !s.originBuf.CanRead() {
		s.armOrigin(reactor.Read)
	}
	return StateCapa
}

func capaRead(s *Session) fsm.StateID {
	if s.eventFD != s.originFD {
		return StateCapa
	}
	_, err := recvInto(s.originFD, s.writeBuf)
	if err == errWouldBlock {
		return StateCapa
	}
	if err != nil {
		return StateError
	}
	// The capability list is consumed here, not relayed: the client gets a
	// rewritten CAPA body when it asks itself.
	for s.writeBuf.CanRead() && !s.respParser.Done() {
		n := s.respParser.Consume(s.writeBuf.ReadView())
		s.writeBuf.AdvanceRead(n)
		if s.respParser.State() == pop3.RespError {
			return StateError
		}
		if n == 0 {
			break
		}
	}
	if s.respParser.Done() {
		resp := s.respParser.Response()
		s.pipelining = resp.OK &&
			pop3.HasCapability(s.respParser.CapaResponse(), pipeliningCapability)
		s.logger.Debug("origin capabilities received",
			slog.Bool("pipelining", s.pipelining))
		s.armOrigin(reactor.None)
		return StateRequest
	}
	return StateCapa
}

// ---- REQUEST ----

func requestArrival(s *Session) {
	ci := reactor.Read
	if s.superBuf.CanRead() {
		ci |= reactor.Write
	}
	s.armClient(ci)
	if len(s.unsent()) > 0 {
		s.armOrigin(reactor.Write)
	} else {
		s.armOrigin(reactor.None)
	}
}

func requestRead(s *Session) fsm.StateID {
	if s.eventFD != s.clientFD {
		return StateRequest
	}
	_, err := recvInto(s.clientFD, s.readBuf)
	if err == errWouldBlock {
		return StateRequest
	}
	if err == io.EOF {
		if len(s.queue) == 0 && !s.readBuf.CanRead() {
			return StateDone
		}
		return StateError
	}
	if err != nil {
		return StateError
	}
	return s.parseRequests()
}

// parseRequests drains the client buffer through the request parser,
// queueing valid commands and replying to invalid ones.
func (s *Session) parseRequests() fsm.StateID {
	for s.readBuf.CanRead() && !s.abuse {
		view := s.readBuf.ReadView()
		n := s.reqParser.Consume(view)
		s.readBuf.AdvanceRead(n)
		if !s.reqParser.Complete() {
			break
		}
		switch s.reqParser.State() {
		case pop3.ReqDone:
			req := s.reqParser.Request()
			if req.Verb == pop3.VerbUnknown {
				s.stageInvalid(replyUnknownCommand)
			} else {
				s.invalidCount = 0
				s.enqueue(req)
			}
		case pop3.ReqErrorCmdTooLong:
			s.stageInvalid(replyCommandTooLong)
		case pop3.ReqErrorParamTooLong:
			s.stageInvalid(replyParamTooLong)
		default:
			s.stageInvalid(replyUnknownCommand)
		}
		s.reqParser.Reset()
	}

	ci := reactor.Read
	if s.superBuf.CanRead() {
		ci |= reactor.Write
	}
	if s.abuse {
		ci = reactor.Write
	}
	s.armClient(ci)
	if len(s.unsent()) > 0 && !s.abuse {
		s.armOrigin(reactor.Write)
	}
	return StateRequest
}

// stageInvalid replies to one rejected command and applies the abuse cap.
func (s *Session) stageInvalid(reply string) {
	s.superBuf.WriteString(reply)
	s.invalidCount++
	if s.invalidCount >= 3 {
		s.superBuf.WriteString(replyTooManyInvalid)
		s.abuse = true
		s.logger.Info("closing session after repeated invalid commands")
	}
}

func requestWrite(s *Session) fsm.StateID {
	switch s.eventFD {
	case s.clientFD:
		if err := s.flushSuper(false); err != nil {
			return StateError
		}
		if !s.superBuf.CanRead() {
			if s.abuse {
				return StateDone
			}
			s.armClient(reactor.Read)
		}
		return StateRequest
	case s.originFD:
		return s.marshalAndFlush()
	}
	return StateRequest
}

// marshalAndFlush serializes queued requests toward the origin. Under
// pipelining the whole queue goes out; otherwise only the head, and only
// when no request is in flight.
func (s *Session) marshalAndFlush() fsm.StateID {
	for _, r := range s.unsent() {
		if !s.pipelining && (s.sent > 0 || s.haveCur) {
			break
		}
		m := r.Marshal()
		if s.originBuf.Cap()-s.originBuf.Len() < len(m) {
			break
		}
		s.originBuf.WriteString(m)
		s.sent++
	}
	if _, err := sendFrom(s.originFD, s.originBuf); err != nil {
		return StateError
	}
	if s.originBuf.CanRead() || len(s.unsent()) > 0 && (s.pipelining || s.sent == 0 && !s.haveCur) {
		// more to send once the socket drains
		s.armOrigin(reactor.Write)
	} else {
		s.armOrigin(reactor.None)
	}
	if s.sent > 0 && !s.originBuf.CanRead() {
		s.armOrigin(reactor.Read)
		return StateResponse
	}
	return s.machine.Current()
}

// ---- RESPONSE ----

func responseArrival(s *Session) {
	if len(s.queue) == 0 {
		// Nothing awaited; fall back to command collection.
		s.machine.Jump(s, StateRequest)
		return
	}
	s.current = s.dequeue()
	s.haveCur = true
	s.respParser.Reset(s.current.MultiLine(), s.current.Verb == pop3.VerbCapa)
	oi := reactor.Read
	if s.originBuf.CanRead() || s.pipelining && len(s.unsent()) > 0 {
		oi |= reactor.Write
	}
	s.armOrigin(oi)
	if s.superBuf.CanRead() {
		s.armClient(reactor.Write)
	} else {
		s.armClient(reactor.None)
	}
	// Pipelined replies may already sit behind the previous one in the
	// origin buffer; parse them now instead of waiting for more input.
	if s.writeBuf.CanRead() {
		if st := s.pumpResponse(); st != StateResponse {
			s.machine.Jump(s, st)
		}
	}
}

func responseRead(s *Session) fsm.StateID {
	if s.eventFD != s.originFD {
		return StateResponse
	}
	_, err := recvInto(s.originFD, s.writeBuf)
	if err == errWouldBlock {
		return StateResponse
	}
	if err != nil {
		s.logger.Debug("origin closed mid-response", slog.String("error", err.Error()))
		return StateError
	}
	return s.pumpResponse()
}

// pumpResponse advances the response parser over buffered origin bytes,
// relaying into the egress buffer. RETR responses may divert into the
// transformation pipeline after the status line.
func (s *Session) pumpResponse() fsm.StateID {
	isCapa := s.current.Verb == pop3.VerbCapa
	for s.writeBuf.CanRead() && !s.respParser.Done() {
		if !isCapa && s.superBuf.Cap()-s.superBuf.Len() < 64 {
			// Egress is backed up; stop consuming until the client drains.
			s.armOrigin(reactor.None)
			s.armClient(reactor.Write)
			return StateResponse
		}
		firstDone := s.respParser.FirstLineDone()
		view := s.writeBuf.ReadView()
		if !isCapa && firstDone {
			// Never consume more than the egress buffer can relay.
			if room := s.superBuf.Cap() - s.superBuf.Len(); len(view) > room {
				view = view[:room]
			}
		}
		n := s.respParser.Consume(view)
		if s.respParser.State() == pop3.RespError {
			return StateError
		}
		if firstDone && !isCapa {
			// body bytes relay verbatim, stuffing and terminator included
			s.superBuf.Write(view[:n])
		}
		s.writeBuf.AdvanceRead(n)
		if !firstDone && s.respParser.FirstLineDone() {
			if st := s.onFirstLine(); st != StateResponse {
				return st
			}
		}
		if n == 0 {
			break
		}
	}
	if s.respParser.Done() {
		s.onResponseComplete()
	}
	if s.superBuf.CanRead() {
		s.armClient(reactor.Write)
	}
	return StateResponse
}

// onFirstLine handles the completed status line: the ET diversion for
// RETR, and the relay of the line itself for everything else.
func (s *Session) onFirstLine() fsm.StateID {
	resp := s.respParser.Response()
	set := s.srv.settings
	if s.current.Verb == pop3.VerbRetr && resp.OK &&
		set.ETActivated && set.FilterCommand != "" {
		// The origin status line is replaced by the synthesized preface.
		return StateExternalTransformation
	}
	if s.current.Verb != pop3.VerbCapa {
		s.superBuf.WriteString(resp.Line)
		s.superBuf.WriteString("\r\n")
	}
	return StateResponse
}

// onResponseComplete finishes parser-level bookkeeping once the origin's
// reply is fully consumed.
func (s *Session) onResponseComplete() {
	resp := s.respParser.Response()
	if s.current.Verb == pop3.VerbCapa {
		s.superBuf.WriteString(resp.Line)
		s.superBuf.WriteString("\r\n")
		if resp.OK {
			body := pop3.InjectCapability(s.respParser.CapaResponse(), pipeliningCapability)
			s.superBuf.Write(body)
			s.superBuf.WriteString(".\r\n")
		}
	}
	if resp.OK {
		switch s.current.Verb {
		case pop3.VerbUser:
			s.user = s.current.Arg
		case pop3.VerbPass:
			s.phase = PhaseTransaction
			s.logger.Info("session authenticated",
				slog.String("user", s.user),
				slog.String("phase", s.phase.String()))
		case pop3.VerbQuit:
			if s.phase == PhaseTransaction {
				s.phase = PhaseUpdate
			}
		}
	}
	s.armOrigin(reactor.None)
	s.armClient(reactor.Write)
}

func responseWrite(s *Session) fsm.StateID {
	switch s.eventFD {
	case s.originFD:
		// pipelined marshaling continues while responses stream
		for _, r := range s.unsent() {
			if !s.pipelining {
				break
			}
			m := r.Marshal()
			if s.originBuf.Cap()-s.originBuf.Len() < len(m) {
				break
			}
			s.originBuf.WriteString(m)
			s.sent++
		}
		if _, err := sendFrom(s.originFD, s.originBuf); err != nil {
			return StateError
		}
		if !s.originBuf.CanRead() && len(s.unsent()) == 0 {
			s.armOrigin(reactor.Read)
		}
		return StateResponse
	case s.clientFD:
		if err := s.flushSuper(s.current.Verb == pop3.VerbRetr); err != nil {
			return StateError
		}
		if s.superBuf.CanRead() {
			return StateResponse
		}
		if !s.respParser.Done() {
			// mid-body: release backpressure and keep streaming
			s.armClient(reactor.None)
			oi := reactor.Read
			if s.pipelining && (len(s.unsent()) > 0 || s.originBuf.CanRead()) {
				oi |= reactor.Write
			}
			s.armOrigin(oi)
			if s.writeBuf.CanRead() {
				return s.pumpResponse()
			}
			return StateResponse
		}
		return s.advanceQueue()
	}
	return StateResponse
}

// advanceQueue moves on after a fully delivered response.
func (s *Session) advanceQueue() fsm.StateID {
	if s.current.Verb == pop3.VerbRetr && s.respParser.Response().OK {
		s.srv.collector.MessageRetrieved()
	}
	s.haveCur = false
	if len(s.queue) == 0 {
		return StateRequest
	}
	if s.pipelining {
		if s.machine.Current() == StateResponse {
			// Same-state re-entry does not fire arrival hooks; rebind the
			// next response explicitly.
			responseArrival(s)
			return s.machine.Current()
		}
		return StateResponse
	}
	return StateRequest
}
