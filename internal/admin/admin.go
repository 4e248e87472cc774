// Package admin implements the management channel: a line-oriented
// control protocol on its own listener, driven by the same reactor as the
// proxied sessions. Management handlers mutate the shared settings record;
// because they run on the reactor thread alongside the session handlers
// that read it, no locking is involved.
package admin

import (
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/reactor"
)

// greeting is sent before the first command is read.
const greeting = "POP3 Proxy Management Server.\n"

// State is the per-connection authentication stage.
type State int

const (
	// StateHelo is the initial stage: the greeting has not been flushed.
	StateHelo State = iota
	// StateUser awaits the USER command.
	StateUser
	// StatePass awaits the PASS command.
	StatePass
	// StateConfig accepts configuration commands.
	StateConfig
	// StateClosed marks a finished connection.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateHelo:
		return "HELO"
	case StateUser:
		return "USER"
	case StatePass:
		return "PASS"
	case StateConfig:
		return "CONFIG"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	inBufSize  = 1024
	outBufSize = 4096
	maxLine    = 512
)

// errEmptyCommand is returned by splitCommand for blank input.
var errEmptyCommand = errors.New("empty command")

// splitCommand splits a received line into argv.
func splitCommand(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errEmptyCommand
	}
	return fields, nil
}

// Conn is one management connection.
type Conn struct {
	fd       int
	peer     string
	sel      *reactor.Selector
	settings *config.Settings
	coll     metrics.Collector
	logger   *slog.Logger
	onClose  func(*Conn)

	in  *buffer.Buffer
	out *buffer.Buffer

	state State
	user  string

	// quitting closes the connection once the output drains.
	quitting bool

	// partial accumulates an incomplete trailing line across reads.
	partial []byte
}

// NewConn wraps an accepted management descriptor and registers it with
// the selector. The descriptor must already be non-blocking.
func NewConn(
	sel *reactor.Selector,
	fd int,
	peer string,
	settings *config.Settings,
	coll metrics.Collector,
	logger *slog.Logger,
	onClose func(*Conn),
) (*Conn, error) {
	c := &Conn{
		fd:       fd,
		peer:     peer,
		sel:      sel,
		settings: settings,
		coll:     coll,
		logger:   logger.With(slog.String("mgmt_client", peer)),
		onClose:  onClose,
		in:       buffer.New(inBufSize),
		out:      buffer.New(outBufSize),
		state:    StateHelo,
	}
	c.out.WriteString(greeting)
	if err := sel.Register(fd, c, reactor.Write); err != nil {
		return nil, err
	}
	c.logger.Debug("management connection opened")
	return c, nil
}

// State returns the connection's authentication stage.
func (c *Conn) State() State {
	return c.state
}

// Close unregisters and closes the descriptor.
func (c *Conn) Close() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.sel.Registered(c.fd) {
		_ = c.sel.Unregister(c.fd)
	}
	unix.Close(c.fd)
	c.logger.Debug("management connection closed")
	if c.onClose != nil {
		c.onClose(c)
	}
}

// OnRead implements reactor.Handler.
func (c *Conn) OnRead(fd int) {
	if c.state == StateClosed {
		return
	}
	n, err := unix.Read(c.fd, c.in.WriteView())
	if n > 0 {
		c.in.AdvanceWrite(n)
		c.consumeLines()
		c.updateInterest()
		return
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	// EOF or error
	c.Close()
}

// OnWrite implements reactor.Handler.
func (c *Conn) OnWrite(fd int) {
	if c.state == StateClosed {
		return
	}
	for c.out.CanRead() {
		n, err := unix.Write(c.fd, c.out.ReadView())
		if n > 0 {
			c.out.AdvanceRead(n)
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			break
		}
		c.Close()
		return
	}
	if !c.out.CanRead() {
		if c.quitting {
			c.Close()
			return
		}
		if c.state == StateHelo {
			c.state = StateUser
		}
	}
	c.updateInterest()
}

// OnClose implements reactor.Handler.
func (c *Conn) OnClose(fd int) {
	c.Close()
}

// OnBlock implements reactor.Handler. The management channel delegates no
// work to workers.
func (c *Conn) OnBlock(fd int) {}

func (c *Conn) updateInterest() {
	if c.state == StateClosed {
		return
	}
	var i reactor.Interest
	if c.out.CanRead() {
		i |= reactor.Write
	} else if c.state != StateHelo && !c.quitting {
		i = reactor.Read
	}
	_ = c.sel.SetInterest(c.fd, i)
}

// consumeLines drains complete lines from the input buffer.
func (c *Conn) consumeLines() {
	for c.in.CanRead() {
		view := c.in.ReadView()
		idx := -1
		for i, b := range view {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			c.partial = append(c.partial, view...)
			c.in.AdvanceRead(len(view))
			if len(c.partial) > maxLine {
				c.reply("-ERR Line too long.")
				c.partial = c.partial[:0]
			}
			return
		}
		line := string(c.partial) + string(view[:idx])
		c.partial = c.partial[:0]
		c.in.AdvanceRead(idx + 1)
		c.handleLine(strings.TrimRight(line, "\r"))
		if c.quitting {
			return
		}
	}
}

// reply appends one response line.
func (c *Conn) reply(text string) {
	c.out.WriteString(text)
	c.out.WriteString("\n")
}
