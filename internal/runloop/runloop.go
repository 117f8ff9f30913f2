// Package runloop provides the single-consumer task loop that owns all
// copilot state. Background workers never touch shared state directly;
// they post closures here, and the loop executes them one at a time on
// the owning goroutine.
package runloop

import "sync"

// Loop executes posted tasks sequentially on the goroutine that calls Run.
type Loop struct {
	tasks chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New returns a loop ready to accept tasks. Run must be called for tasks
// to execute.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Run consumes tasks until Close is called. It must be called from exactly
// one goroutine; that goroutine becomes the owner of everything the tasks
// touch.
func (l *Loop) Run() {
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.done:
			// Drain anything already queued so a worker's final
			// completion callback is not lost on shutdown.
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the loop goroutine. It reports whether the
// task was accepted; tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Close stops the loop after the queue drains. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}
