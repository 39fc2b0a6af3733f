// worker pool: fixed set of goroutines draining the task queue
package engine

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrInvalidWorkers = errors.New("engine: worker count must be positive")

// Task is anything a worker can run. The pool knows nothing else about it.
type Task interface {
	Process()
}

// Pool runs a fixed number of workers, each popping one task at a time from the queue.
type Pool struct {
	q   *Queue[Task]
	log logrus.FieldLogger
	wg  sync.WaitGroup
}

// NewPool starts workers goroutines over a queue of the given capacity.
func NewPool(workers, capacity int, log logrus.FieldLogger) (*Pool, error) {
	if workers <= 0 {
		return nil, ErrInvalidWorkers
	}
	q, err := NewQueue[Task](capacity)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	p := &Pool{q: q, log: log}
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	log.Debugf("worker pool started: %d workers, queue capacity %d", workers, capacity)
	return p, nil
}

// Submit hands t to a worker. It fails with ErrQueueFull instead of waiting.
func (p *Pool) Submit(t Task) error {
	return p.q.Push(t)
}

// Pending is the number of queued tasks not yet picked up.
func (p *Pool) Pending() int { return p.q.Len() }

// Close stops accepting tasks, lets workers finish what is queued and waits for them.
func (p *Pool) Close() {
	p.q.Close()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		t, ok := p.q.Pop()
		if !ok {
			return
		}
		if t == nil {
			continue
		}
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("worker", id).Errorf("task panicked: %v", r)
		}
	}()
	t.Process()
}
