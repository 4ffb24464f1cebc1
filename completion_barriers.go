package main

import (
	"sync"
	"sync/atomic"
)

// completionBarrier is the global request budget shared by all slots.
type completionBarrier interface {
	completed() float64
	tryGrabWork() bool
	jobDone()
	done() <-chan struct{}
	cancel()
	cancelled() bool
}

type countingCompletionBarrier struct {
	numReqs, reqsGrabbed, reqsDone uint64
	aborted                        uint32
	doneChan                       chan struct{}
	closeOnce                      sync.Once
}

func newCountingCompletionBarrier(numReqs uint64) completionBarrier {
	return &countingCompletionBarrier{
		numReqs:  numReqs,
		doneChan: make(chan struct{}),
	}
}

// tryGrabWork reserves one request. Once the budget is spent (or the
// barrier is cancelled) it keeps returning false and done is closed.
func (c *countingCompletionBarrier) tryGrabWork() bool {
	select {
	case <-c.doneChan:
		return false
	default:
	}
	if atomic.AddUint64(&c.reqsGrabbed, 1) <= c.numReqs {
		return true
	}
	c.close()
	return false
}

func (c *countingCompletionBarrier) jobDone() {
	atomic.AddUint64(&c.reqsDone, 1)
}

func (c *countingCompletionBarrier) done() <-chan struct{} {
	return c.doneChan
}

// cancel stops the run early. Unlike a spent budget, it also tells
// slots holding a reservation to give it back.
func (c *countingCompletionBarrier) cancel() {
	atomic.StoreUint32(&c.aborted, 1)
	c.close()
}

func (c *countingCompletionBarrier) cancelled() bool {
	return atomic.LoadUint32(&c.aborted) == 1
}

func (c *countingCompletionBarrier) close() {
	c.closeOnce.Do(func() {
		close(c.doneChan)
	})
}

// completed is the share of the budget whose requests have finished,
// successfully or not.
func (c *countingCompletionBarrier) completed() float64 {
	if c.numReqs == 0 {
		return 1.0
	}
	done := atomic.LoadUint64(&c.reqsDone)
	if done >= c.numReqs {
		return 1.0
	}
	return float64(done) / float64(c.numReqs)
}
