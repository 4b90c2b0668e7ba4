package task

import (
	"context"
	"sync"
	"time"
)

// NoticeKind classifies a notice.
type NoticeKind string

const (
	NoticeTransition NoticeKind = "transition"
	NoticeStep       NoticeKind = "step"
	NoticeCleanup    NoticeKind = "cleanup"
)

// Notice is a one-way report from a task to observers.
type Notice struct {
	Kind  NoticeKind
	Task  string
	RunID string
	Time  time.Time

	// Transition notices.
	From  State
	To    State
	Event Event

	// Step notices carry the step index and duration; Cursor and Steps are
	// set on every notice.
	Step     int
	Duration time.Duration
	Cursor   int
	Steps    int

	// Cleanup notices carry Forced. Err is the step, startup or cleanup
	// error, if any.
	Forced bool
	Err    error
}

// Observer receives notices in the order they were produced. Observers
// run on a dispatcher goroutine; a slow observer delays later notices but
// never a task.
type Observer interface {
	TaskNotice(n Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notice)

// TaskNotice implements Observer.
func (f ObserverFunc) TaskNotice(n Notice) { f(n) }

// dispatcher delivers notices to observers on one goroutine through an
// unbounded queue, so publishing never blocks.
type dispatcher struct {
	mu        sync.Mutex
	queue     []Notice
	observers []Observer
	wake      chan struct{}
	closed    bool
	done      chan struct{}

	published uint64
	delivered uint64
	flushers  []flusher
}

type flusher struct {
	upto uint64
	ch   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) add(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *dispatcher) publish(n Notice) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, n)
	d.published++
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		observers := d.observers
		closed := d.closed
		d.mu.Unlock()

		for _, n := range batch {
			for _, o := range observers {
				o.TaskNotice(n)
			}
		}
		if len(batch) > 0 {
			d.mu.Lock()
			d.delivered += uint64(len(batch))
			pending := d.flushers[:0]
			for _, f := range d.flushers {
				if f.upto <= d.delivered {
					close(f.ch)
				} else {
					pending = append(pending, f)
				}
			}
			d.flushers = pending
			d.mu.Unlock()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.wake
		}
	}
}

// flush waits until every notice published before the call has been
// delivered to all observers.
func (d *dispatcher) flush(ctx context.Context) error {
	d.mu.Lock()
	if d.delivered >= d.published {
		d.mu.Unlock()
		return nil
	}
	f := flusher{upto: d.published, ch: make(chan struct{})}
	d.flushers = append(d.flushers, f)
	d.mu.Unlock()
	select {
	case <-f.ch:
		return nil
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting notices and waits until queued ones are delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
