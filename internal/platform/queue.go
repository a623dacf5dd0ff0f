package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallnest/chanx"
	"go.uber.org/zap"

	"shellcache/internal/logger"
)

// eventQueue runs callbacks one at a time, in order, on its own goroutine.
// Pushing never blocks on a slow consumer.
type eventQueue struct {
	name string
	log  logger.Logger

	mu     sync.Mutex
	closed bool
	ch     *chanx.UnboundedChan[func()]
}

func newEventQueue(name string, wg *sync.WaitGroup, log logger.Logger) *eventQueue {
	q := &eventQueue{
		name: name,
		log:  log,
		ch:   chanx.NewUnboundedChan[func()](context.Background(), 16),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for fn := range q.ch.Out {
			q.call(fn)
		}
	}()
	return q
}

func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ch.In <- fn
	return true
}

// close stops accepting callbacks. Already queued ones still run.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch.In)
}

func (q *eventQueue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("event callback panicked", zap.String("queue", q.name), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
