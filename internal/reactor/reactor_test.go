//go:build linux

package reactor

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// recorder collects delivered events for one or more descriptors.
type recorder struct {
	mu     sync.Mutex
	reads  []int
	writes []int
	blocks []int
	closes []int
}

func (r *recorder) OnRead(fd int)  { r.mu.Lock(); r.reads = append(r.reads, fd); r.mu.Unlock() }
func (r *recorder) OnWrite(fd int) { r.mu.Lock(); r.writes = append(r.writes, fd); r.mu.Unlock() }
func (r *recorder) OnBlock(fd int) { r.mu.Lock(); r.blocks = append(r.blocks, fd); r.mu.Unlock() }
func (r *recorder) OnClose(fd int) { r.mu.Lock(); r.closes = append(r.closes, fd); r.mu.Unlock() }

func (r *recorder) counts() (reads, writes, blocks, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reads), len(r.writes), len(r.blocks), len(r.closes)
}

// pipePair returns non-blocking pipe ends cleaned up with the test.
func pipePair(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

// runSelector drives s in the background until the test ends.
func runSelector(t *testing.T, s *Selector) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(stop)
	}()
	t.Cleanup(func() {
		close(stop)
		s.Wake()
		<-done
		s.Close()
	})
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReadReadiness(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	r, w := pipePair(t)

	rec := &recorder{}
	if err := s.Register(r, rec, Read); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runSelector(t, s)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { n, _, _, _ := rec.counts(); return n > 0 },
		"no read event delivered")
}

func TestInterestNone(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	r, w := pipePair(t)

	rec := &recorder{}
	if err := s.Register(r, rec, None); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runSelector(t, s)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n, _, _, _ := rec.counts(); n != 0 {
		t.Fatalf("read delivered despite None interest")
	}

	// Arming read delivers the buffered readiness.
	if err := s.SetInterest(r, Read); err != nil {
		t.Fatalf("SetInterest: %v", err)
	}
	waitFor(t, func() bool { n, _, _, _ := rec.counts(); return n > 0 },
		"no read event after arming")
}

func TestWriteReadiness(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	_, w := pipePair(t)

	rec := &recorder{}
	if err := s.Register(w, rec, Write); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runSelector(t, s)

	waitFor(t, func() bool { _, n, _, _ := rec.counts(); return n > 0 },
		"no write event for an empty pipe")
}

func TestNotifyBlockFromWorker(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	r, _ := pipePair(t)

	rec := &recorder{}
	if err := s.Register(r, rec, None); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runSelector(t, s)

	go s.NotifyBlock(r)
	waitFor(t, func() bool { _, _, n, _ := rec.counts(); return n > 0 },
		"no block event delivered")
}

func TestNotifyBlockUnregisteredIsDropped(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	r, _ := pipePair(t)

	rec := &recorder{}
	runSelector(t, s)

	s.NotifyBlock(r)
	time.Sleep(50 * time.Millisecond)
	if _, _, n, _ := rec.counts(); n != 0 {
		t.Fatal("block event delivered for unregistered fd")
	}
}

// selfUnregisterHandler drains the pipe and unregisters itself after the
// first read, all on the loop thread as the selector contract requires.
type selfUnregisterHandler struct {
	recorder
	sel *Selector
}

func (h *selfUnregisterHandler) OnRead(fd int) {
	buf := make([]byte, 16)
	_, _ = unix.Read(fd, buf)
	h.recorder.OnRead(fd)
	_ = h.sel.Unregister(fd)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	r, w := pipePair(t)

	h := &selfUnregisterHandler{sel: s}
	if err := s.Register(r, h, Read); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runSelector(t, s)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { n, _, _, _ := h.counts(); return n > 0 },
		"no initial read event")

	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n, _, _, _ := h.counts(); n != 1 {
		t.Fatalf("reads = %d, want exactly 1 after self-unregister", n)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	defer s.Close()
	r, _ := pipePair(t)

	rec := &recorder{}
	if err := s.Register(r, rec, Read); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(r, rec, Read); err != ErrAlreadyRegistered {
		t.Fatalf("second Register err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestTick(t *testing.T) {
	s, err := NewSelector()
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	var mu sync.Mutex
	ticks := 0
	s.SetTick(5*time.Millisecond, func() {
		mu.Lock()
		ticks++
		mu.Unlock()
	})
	runSelector(t, s)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 2
	}, "tick callback not invoked")
}
