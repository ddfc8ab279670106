package soft

import "sync"

// stream executes queued operations in order on a dedicated goroutine,
// mirroring an asynchronous device work queue.
type stream struct {
	ops      chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newStream() *stream {
	s := &stream{ops: make(chan func(), 16)}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *stream) run() {
	defer s.wg.Done()
	for op := range s.ops {
		op()
	}
}

// enqueue schedules op after all previously queued work.
func (s *stream) enqueue(op func()) {
	s.ops <- op
}

// Synchronize blocks until all work queued so far has completed.
func (s *stream) Synchronize() error {
	done := make(chan struct{})
	s.ops <- func() { close(done) }
	<-done
	return nil
}

func (s *stream) stop() {
	s.stopOnce.Do(func() { close(s.ops) })
	s.wg.Wait()
}
