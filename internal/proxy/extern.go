package proxy

import (
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/pop3"
)

// streamState tracks one direction of the transformation pipeline.
type streamState int

const (
	streamStreaming streamState = iota
	streamTerminating
	streamDone
	streamFailed
)

// extern is the per-RETR transformation pipeline: one child process and
// two independent one-way streams. Upstream carries the origin body
// (unstuffed, terminator withheld) into the child's stdin; downstream
// carries the child's stdout (re-stuffed, terminator re-appended) toward
// the client. The pipeline is finished only when both streams are
// terminal; a failed upstream still lets downstream drain so the client
// always sees a well-formed body.
type extern struct {
	cmd *exec.Cmd

	stdin  *os.File // parent's write end of the child stdin pipe
	stdout *os.File // parent's read end of the child stdout pipe

	stdinFD  int
	stdoutFD int

	unstuff pop3.Unstuffer
	stuff   pop3.Stuffer

	// inBuf stages unstuffed origin bytes bound for the child stdin.
	inBuf *buffer.Buffer

	up   streamState
	down streamState

	// prefaced is set once the synthesized status line has been staged.
	prefaced bool
	// terminated is set once the downstream terminator has been staged.
	terminated bool

	// spawnFailed marks a pipeline that never had a child: the origin body
	// is drained and discarded, the client got the failure reply.
	spawnFailed bool
	// stdinBroken is set when the child stopped reading; the origin body
	// is still consumed through the terminator, then discarded.
	stdinBroken bool
	// stdoutEOF is set once the child closed its stdout.
	stdoutEOF bool
}

// spawnExtern launches the filter child for one retrieved message. The
// child runs under the shell with the filter environment; its stderr is
// appended to the configured error file. Both parent-side pipe ends are
// set non-blocking for selector registration.
//
// Pipe ownership mirrors the usual discipline: every descriptor is closed
// on every error path, and the child's ends are closed in the parent once
// the child holds them.
func spawnExtern(set *settingsView, user string, logger *slog.Logger) (*extern, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}

	errFile, err := os.OpenFile(set.errorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", set.filterCommand)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = errFile
	cmd.Env = append(
		[]string{
			"FILTER_MEDIAS=" + set.filterMedias,
			"FILTER_MSG=" + set.replacementMsg,
			"POP3_FILTER_VERSION=" + set.version,
			"POP3_USERNAME=" + user,
			"POP3_SERVER=" + set.originHost,
		},
		inheritEnv("PATH", "HOME", "USER", "TMPDIR", "TMP", "TEMP")...,
	)

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		errFile.Close()
		return nil, err
	}

	// The child owns its ends and the stderr file now.
	stdinR.Close()
	stdoutW.Close()
	errFile.Close()

	e := &extern{
		cmd:      cmd,
		stdin:    stdinW,
		stdout:   stdoutR,
		stdinFD:  int(stdinW.Fd()),
		stdoutFD: int(stdoutR.Fd()),
		inBuf:    buffer.New(originBufSize),
	}
	e.unstuff.Reset()
	e.stuff.Reset()

	if err := unix.SetNonblock(e.stdinFD, true); err != nil {
		e.closePipes()
		e.reap(logger)
		return nil, err
	}
	if err := unix.SetNonblock(e.stdoutFD, true); err != nil {
		e.closePipes()
		e.reap(logger)
		return nil, err
	}

	logger.Debug("spawned filter child",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", set.filterCommand))

	return e, nil
}

// settingsView is the frozen slice of configuration one spawn needs; the
// live record may be mutated by management between messages.
type settingsView struct {
	filterCommand  string
	filterMedias   string
	replacementMsg string
	version        string
	originHost     string
	errorFile      string
}

// finished reports whether both streams are terminal.
func (e *extern) finished() bool {
	return (e.up == streamDone || e.up == streamFailed) &&
		(e.down == streamDone || e.down == streamFailed)
}

// closeStdin hands EOF to the child. Safe to call more than once.
func (e *extern) closeStdin() {
	if e.stdin != nil {
		e.stdin.Close()
		e.stdin = nil
	}
}

// closePipes closes both parent-side pipe ends.
func (e *extern) closePipes() {
	e.closeStdin()
	if e.stdout != nil {
		e.stdout.Close()
		e.stdout = nil
	}
}

// reap waits for the child off the reactor thread. The exit status is not
// inspected; the wait only releases the process table entry.
func (e *extern) reap(logger *slog.Logger) {
	cmd := e.cmd
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("filter child exited", slog.Int("pid", pid), slog.String("error", err.Error()))
		} else {
			logger.Debug("filter child exited", slog.Int("pid", pid))
		}
	}()
}

// inheritEnv returns "KEY=VALUE" strings for the named env vars that are set.
func inheritEnv(keys ...string) []string {
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}
