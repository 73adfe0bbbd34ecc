package controller

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcher delivers progress updates to the caller's callback on its own
// goroutine, in order. The queue is unbounded: emit never waits on the
// callback and no update is lost.
type dispatcher struct {
	mu      sync.Mutex
	ready   *sync.Cond
	queue   []Progress
	closed  bool
	pending int
	logger  *zap.Logger
}

func newDispatcher(fn ProgressFunc, logger *zap.Logger) *dispatcher {
	if fn == nil {
		return nil
	}
	d := &dispatcher{logger: logger}
	d.ready = sync.NewCond(&d.mu)
	go d.loop(fn)
	return d
}

func (d *dispatcher) loop(fn ProgressFunc) {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.ready.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		p := d.queue[0]
		d.queue[0] = Progress{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(fn, p)
	}
}

func (d *dispatcher) deliver(fn ProgressFunc, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Progress callback panicked", zap.Any("panic", r), zap.Int("iteration", p.Iteration))
		}
	}()
	fn(p)
}

func (d *dispatcher) emit(p Progress) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, p)
	d.ready.Signal()
}

// close stops accepting updates. Queued updates are still delivered, but the
// caller does not wait for them.
func (d *dispatcher) close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if n := len(d.queue); n > 0 {
		d.logger.Debug("Progress updates still queued for a slow callback", zap.Int("queued", n))
	}
	d.ready.Signal()
}
