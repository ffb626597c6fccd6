package lock

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalGuard is a Notifier that holds back termination signals while an
// exclusive section is active. Signals that arrive outside a critical section
// are passed to deliver immediately; those that arrive inside one are passed
// when the outermost section ends.
type SignalGuard struct {
	deliver func(os.Signal)
	ch      chan os.Signal
	done    chan struct{}

	mu      sync.Mutex
	depth   int
	pending []os.Signal
}

// NewSignalGuard starts watching sigs, by default SIGINT and SIGTERM. Call
// Stop when done.
func NewSignalGuard(deliver func(os.Signal), sigs ...os.Signal) *SignalGuard {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	g := &SignalGuard{
		deliver: deliver,
		ch:      make(chan os.Signal, 4),
		done:    make(chan struct{}),
	}
	signal.Notify(g.ch, sigs...)
	go g.run()
	return g
}

func (g *SignalGuard) run() {
	for {
		select {
		case <-g.done:
			return
		case s := <-g.ch:
			g.mu.Lock()
			if g.depth > 0 {
				g.pending = append(g.pending, s)
				g.mu.Unlock()
				continue
			}
			g.mu.Unlock()
			g.deliver(s)
		}
	}
}

// Critical implements Notifier.
func (g *SignalGuard) Critical() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
}

// NonCritical implements Notifier.
func (g *SignalGuard) NonCritical() {
	g.mu.Lock()
	if g.depth > 0 {
		g.depth--
	}
	var pending []os.Signal
	if g.depth == 0 {
		pending, g.pending = g.pending, nil
	}
	g.mu.Unlock()

	for _, s := range pending {
		g.deliver(s)
	}
}

// Stop stops watching signals. Signals still held back are dropped.
func (g *SignalGuard) Stop() {
	signal.Stop(g.ch)
	close(g.done)
}
