package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// pending returns timers that neither fired nor were stopped.
func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.d)
	}
	return out
}

// fire runs t's callback as the runtime would.
func (s *fakeScheduler) fire(t *fakeTimer) {
	s.mu.Lock()
	if t.stopped || t.fired {
		s.mu.Unlock()
		return
	}
	t.fired = true
	s.mu.Unlock()
	t.f()
}

type fakeConn struct {
	frames chan []byte
	drop   chan struct{}
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), drop: make(chan struct{}), closed: make(chan struct{})}
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case <-c.drop:
		return nil, errors.New("connection reset")
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(s string) { c.frames <- []byte(s) }

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

var (
	_ Dialer = (*fakeDialer)(nil)
	_ Conn   = (*fakeConn)(nil)
)

func staticToken(context.Context) (string, error) { return "tok", nil }
