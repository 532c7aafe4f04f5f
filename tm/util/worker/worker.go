package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// TaskStop makes the worker goroutine return once every task queued before it
// has been handled.
type TaskStop struct{}

type Task interface{}

// Worker runs a TaskHandler on its own goroutine, feeding it tasks in the
// order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

// Starter is implemented by handlers that need setup on the worker goroutine.
type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		log.Debug("worker started", zap.String("name", w.name))
		for t := range w.receiver {
			if _, ok := t.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("name", w.name))
				return
			}
			handler.Handle(t)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

func (w *Worker) Name() string { return w.name }

const defaultWorkerCapacity = 128

// NewWorker creates a stopped worker; capacity bounds the queued tasks and
// falls back to a default when not positive.
func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
