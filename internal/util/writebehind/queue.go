package writebehind

import (
	"sync"

	"go.uber.org/zap"
)

type op struct {
	name string
	fn   func() error
	ack  chan struct{}
}

// Queue applies recorded operations one at a time, in recording order, on a
// single writer goroutine. Record never blocks, so callers may record while
// holding their own locks and keep the order of their in-memory mutations.
type Queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	ops     []op
	closing bool

	wake    chan struct{}
	stopped chan struct{}
}

// New starts a queue
func New(logger *zap.Logger) *Queue {
	q := &Queue{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Record schedules fn. Failures are logged under name.
// Returns false if the queue is closed.
func (q *Queue) Record(name string, fn func() error) bool {
	return q.push(op{name: name, fn: fn})
}

// Sync waits until everything recorded so far has been applied
func (q *Queue) Sync() {
	ack := make(chan struct{})
	if !q.push(op{ack: ack}) {
		return
	}
	<-ack
}

// Close applies outstanding operations and stops the writer
func (q *Queue) Close() {
	q.mu.Lock()
	already := q.closing
	q.closing = true
	q.mu.Unlock()

	if !already {
		q.signal()
	}
	<-q.stopped
}

func (q *Queue) push(o op) bool {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		if o.name != "" {
			q.logger.Warn("write dropped after close", zap.String("op", o.name))
		}
		return false
	}
	q.ops = append(q.ops, o)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.stopped)

	for range q.wake {
		for {
			q.mu.Lock()
			ops := q.ops
			q.ops = nil
			closing := q.closing
			q.mu.Unlock()

			if len(ops) == 0 {
				if closing {
					return
				}
				break
			}

			for _, o := range ops {
				if o.ack != nil {
					close(o.ack)
					continue
				}
				if err := o.fn(); err != nil {
					q.logger.Error("write-behind operation failed",
						zap.String("op", o.name),
						zap.Error(err))
				}
			}
		}
	}
}
