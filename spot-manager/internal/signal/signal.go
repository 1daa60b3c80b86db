// Package signal provides a single-use, thread safe event.
//
// A Signal goes exactly once. Goroutines can block on it, register callbacks
// that run when it goes, or combine it with other signals:
//
//	stop := signal.New("stop")
//	(signal.Till(clk, 10*time.Second).Or(stop)).Wait()
//
// There is no error state; going is the only terminal event.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"k8s.io/utils/clock"
)

// Handle identifies a callback registered with OnGo.
type Handle struct {
	fn func()
}

// Signal is a single-use event that can be activated once.
type Signal struct {
	name string

	mu   sync.Mutex
	gone bool
	done chan struct{}
	jobs []*Handle
}

// New returns an inactive signal.
func New(name string) *Signal {
	return &Signal{
		name: name,
		done: make(chan struct{}),
	}
}

// Name returns the signal name, used in logs.
func (s *Signal) Name() string {
	if s.name == "" {
		return "anonymous signal"
	}
	return s.name
}

func (s *Signal) String() string {
	return s.Name()
}

// IsGo reports whether the signal has been activated.
func (s *Signal) IsGo() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the signal goes.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Go activates the signal. Calling Go more than once does nothing.
// Registered callbacks run on the calling goroutine.
func (s *Signal) Go() {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return
	}
	s.gone = true
	jobs := s.jobs
	s.jobs = nil
	close(s.done)
	s.mu.Unlock()

	for _, j := range jobs {
		s.run(j.fn)
	}
}

// Wait blocks until the signal goes.
func (s *Signal) Wait() {
	<-s.done
}

// WaitContext blocks until the signal goes or ctx is done.
func (s *Signal) WaitContext(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnGo registers fn to run once when the signal goes. If the signal has
// already gone, fn runs immediately on the calling goroutine.
func (s *Signal) OnGo(fn func()) *Handle {
	if fn == nil {
		panic("signal: OnGo called with nil callback")
	}
	h := &Handle{fn: fn}

	s.mu.Lock()
	if !s.gone {
		s.jobs = append(s.jobs, h)
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()

	s.run(fn)
	return h
}

// RemoveGo deregisters a pending callback. It does nothing once the
// signal has gone or if h is unknown.
func (s *Signal) RemoveGo(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	for i, j := range s.jobs {
		if j == h {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

// Or returns a signal that goes when either s or other goes. Once it fires,
// its listeners are removed from both parents.
func (s *Signal) Or(other *Signal) *Signal {
	if other == nil {
		return s
	}
	out := New(s.Name() + " | " + other.Name())
	hs := s.OnGo(out.Go)
	ho := other.OnGo(out.Go)
	out.OnGo(func() {
		s.RemoveGo(hs)
		other.RemoveGo(ho)
	})
	return out
}

// And returns a signal that goes after both s and other have gone.
func (s *Signal) And(other *Signal) *Signal {
	if other == nil {
		return s
	}
	out := New(s.Name() + " & " + other.Name())
	c := &countdown{signal: out, remaining: 2}
	s.OnGo(c.done)
	other.OnGo(c.done)
	return out
}

func (s *Signal) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Trigger on %s failed: %v", s.Name(), r)
		}
	}()
	fn()
}

// countdown fires its signal after done has been called remaining times
type countdown struct {
	mu        sync.Mutex
	signal    *Signal
	remaining int
}

func (c *countdown) done() {
	c.mu.Lock()
	c.remaining--
	remaining := c.remaining
	c.mu.Unlock()
	if remaining == 0 {
		c.signal.Go()
	}
}

// Till returns a signal that goes after d has elapsed on clk.
func Till(clk clock.WithDelayedExecution, d time.Duration) *Signal {
	s := New("till " + d.String())
	if d <= 0 {
		s.Go()
		return s
	}
	clk.AfterFunc(d, s.Go)
	return s
}

// Context returns a copy of parent that is cancelled when s goes.
func Context(parent context.Context, s *Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	h := s.OnGo(cancel)
	return ctx, func() {
		s.RemoveGo(h)
		cancel()
	}
}
