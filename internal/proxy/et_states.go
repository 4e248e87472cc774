package proxy

import (
	"io"
	"log/slog"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/fsm"
	"github.com/infodancer/pop3proxy/internal/reactor"
)

// EXTERNAL_TRANSFORMATION runs two independent one-way streams around the
// filter child. Upstream consumes the origin body through the terminator
// and feeds the child's stdin; downstream re-stuffs the child's stdout
// toward the client and re-appends the terminator. The state is left only
// when both streams are terminal and the egress buffer has drained.

func etArrival(s *Session) {
	set := s.srv.settings
	view := settingsView{
		filterCommand:  set.FilterCommand,
		filterMedias:   set.Media.Join(","),
		replacementMsg: set.ReplacementMsg,
		version:        set.Version,
		originHost:     set.OriginHost,
		errorFile:      set.ErrorFile,
	}

	e, err := spawnExtern(&view, s.user, s.logger)
	if err != nil {
		s.logger.Error("filter spawn failed",
			slog.String("command", set.FilterCommand),
			slog.String("error", err.Error()))
		// The client still gets a well-formed exchange: the failure reply
		// plus a terminator, while the origin body is drained and dropped.
		e = &extern{
			spawnFailed: true,
			down:        streamDone,
			inBuf:       buffer.New(originBufSize),
			stdinFD:     -1,
			stdoutFD:    -1,
		}
		e.unstuff.Reset()
		s.et = e
		s.superBuf.WriteString(replyFilterFailed)
		s.superBuf.WriteString(multilineTerminator)
		e.terminated = true
		s.armClient(reactor.Write)
		s.etPumpUpstream()
		return
	}

	s.et = e
	s.superBuf.WriteString(replySendingMail)
	e.prefaced = true

	if regErr := s.srv.selector.Register(e.stdinFD, s, reactor.None); regErr != nil {
		s.etAbort(regErr)
		return
	}
	if regErr := s.srv.selector.Register(e.stdoutFD, s, reactor.Read); regErr != nil {
		_ = s.srv.selector.Unregister(e.stdinFD)
		s.etAbort(regErr)
		return
	}

	s.armClient(reactor.Write)
	s.etPumpUpstream()
}

// etAbort tears the pipeline down after a registration failure and takes
// the session to ERROR.
func (s *Session) etAbort(err error) {
	s.logger.Error("transformation setup failed", slog.String("error", err.Error()))
	s.et.closePipes()
	s.et.reap(s.logger)
	s.et = nil
	s.machine.Jump(s, StateError)
}

func etRead(s *Session) fsm.StateID {
	e := s.et
	switch s.eventFD {
	case s.originFD:
		_, err := recvInto(s.originFD, s.writeBuf)
		if err == errWouldBlock {
			return StateExternalTransformation
		}
		if err != nil {
			s.logger.Debug("origin closed mid-transformation", slog.String("error", err.Error()))
			return StateError
		}
		s.etPumpUpstream()
	case e.stdoutFD:
		n, err := recvInto(e.stdoutFD, s.externBuf)
		if err == nil && n > 0 {
			s.etPumpDownstream()
			break
		}
		if err == errWouldBlock {
			break
		}
		// EOF or a mid-stream read failure both end downstream; the
		// terminator keeps the client's view well-formed either way.
		if err != nil && err != io.EOF {
			s.logger.Debug("filter stdout failed", slog.String("error", err.Error()))
		}
		e.stdoutEOF = true
		_ = s.srv.selector.Unregister(e.stdoutFD)
		if e.stdout != nil {
			e.stdout.Close()
			e.stdout = nil
		}
		s.etPumpDownstream()
	}
	return s.etMaybeFinish()
}

func etWrite(s *Session) fsm.StateID {
	e := s.et
	switch s.eventFD {
	case s.clientFD:
		if err := s.flushSuper(true); err != nil {
			return StateError
		}
		if s.externBuf.CanRead() || e.stdoutEOF && !e.terminated {
			s.etPumpDownstream()
		}
	case e.stdinFD:
		if _, err := sendFrom(e.stdinFD, e.inBuf); err != nil {
			s.logger.Debug("filter stdin failed", slog.String("error", err.Error()))
			e.stdinBroken = true
			_ = s.srv.selector.Unregister(e.stdinFD)
			e.closeStdin()
			e.inBuf.Reset()
		}
		s.etPumpUpstream()
	}
	return s.etMaybeFinish()
}

// etPumpUpstream moves origin bytes through the unstuffer into the child
// stdin staging buffer, or discards them when no child is consuming.
func (s *Session) etPumpUpstream() {
	e := s.et
	discard := e.spawnFailed || e.stdinBroken

	if e.up == streamStreaming && s.writeBuf.CanRead() {
		n := e.unstuff.Process(s.writeBuf.ReadView(), e.inBuf)
		s.writeBuf.AdvanceRead(n)
		if discard {
			e.inBuf.Reset()
		}
		if e.unstuff.Done() {
			if discard {
				e.up = streamFailed
			} else {
				e.up = streamTerminating
			}
		}
	}

	if e.up == streamTerminating && !e.inBuf.CanRead() {
		if e.stdin != nil {
			_ = s.srv.selector.Unregister(e.stdinFD)
			e.closeStdin()
		}
		e.up = streamDone
	}

	// Interests: keep reading the origin until the terminator; write the
	// child only while staged bytes exist.
	if e.up == streamStreaming && s.writeBuf.CanWrite() {
		s.armOrigin(reactor.Read)
	} else {
		// terminator seen, or staging is backed up on the child
		s.armOrigin(reactor.None)
	}
	if e.stdin != nil && s.srv.selector.Registered(e.stdinFD) {
		if e.inBuf.CanRead() {
			_ = s.srv.selector.SetInterest(e.stdinFD, reactor.Write)
		} else if e.up == streamStreaming {
			_ = s.srv.selector.SetInterest(e.stdinFD, reactor.None)
		}
	}
}

// etPumpDownstream moves child stdout bytes through the stuffer into the
// egress buffer and appends the terminator after EOF.
func (s *Session) etPumpDownstream() {
	e := s.et
	if s.externBuf.CanRead() {
		n := e.stuff.Process(s.externBuf.ReadView(), s.superBuf)
		s.externBuf.AdvanceRead(n)
	}
	if e.stdoutEOF && !s.externBuf.CanRead() && !e.terminated {
		if s.superBuf.Cap()-s.superBuf.Len() >= len(multilineTerminator) {
			s.superBuf.WriteString(multilineTerminator)
			e.terminated = true
			e.down = streamDone
		}
	}
	if s.superBuf.CanRead() {
		s.armClient(reactor.Write)
	}
	if e.stdout != nil && s.srv.selector.Registered(e.stdoutFD) {
		if s.externBuf.CanWrite() {
			_ = s.srv.selector.SetInterest(e.stdoutFD, reactor.Read)
		} else {
			_ = s.srv.selector.SetInterest(e.stdoutFD, reactor.None)
		}
	}
}

// etMaybeFinish leaves the state once both streams are terminal and the
// client has received everything, advancing the pipeline queue exactly
// like a relayed RETR.
func (s *Session) etMaybeFinish() fsm.StateID {
	e := s.et
	if e == nil {
		return StateExternalTransformation
	}
	if !e.finished() || s.superBuf.CanRead() {
		return StateExternalTransformation
	}
	s.etCleanup()
	return s.advanceQueue()
}

// etCleanup releases every pipeline resource and reaps the child.
func (s *Session) etCleanup() {
	e := s.et
	if e == nil {
		return
	}
	if e.stdin != nil && s.srv.selector.Registered(e.stdinFD) {
		_ = s.srv.selector.Unregister(e.stdinFD)
	}
	if e.stdout != nil && s.srv.selector.Registered(e.stdoutFD) {
		_ = s.srv.selector.Unregister(e.stdoutFD)
	}
	e.closePipes()
	e.reap(s.logger)
	s.externBuf.Reset()
	s.et = nil
}
