package proxy

// poolCap bounds the free-list so an idle process does not pin the memory
// of a past connection burst.
const poolCap = 50

// sessionPool recycles Session allocations. Touched only on the reactor
// thread.
type sessionPool struct {
	free []*Session
}

// get returns a pooled session or allocates a fresh one.
func (p *sessionPool) get() *Session {
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return s
	}
	return newSession()
}

// put returns a session whose refcount reached zero. Over-cap sessions
// are dropped for the collector.
func (p *sessionPool) put(s *Session) {
	if len(p.free) >= poolCap {
		return
	}
	s.srv = nil
	s.logger = nil
	s.machine = nil
	p.free = append(p.free, s)
}

// drain empties the free-list on shutdown.
func (p *sessionPool) drain() {
	p.free = nil
}
