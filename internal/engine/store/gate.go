package store

import "sync"

// Gate is a two-state condition: open (run) or closed (block). Fetchers
// call Wait once per read buffer; Close/Open never busy-wait, mirroring
// the pause_events[...].wait()/.set()/.clear() pattern the reference
// Python downloader uses around its chunk loop.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// NewGate returns an open gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Close blocks future Wait calls until Open is called. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Open releases any goroutines blocked in Wait. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	g.closed = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// IsClosed reports the current state without blocking.
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Wait blocks while the gate is closed. It returns immediately if open.
func (g *Gate) Wait() {
	g.mu.Lock()
	for g.closed {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
