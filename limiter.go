package main

import (
	"math"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

type token uint64

const (
	brk token = iota
	cont
)

// limiter paces request dispatch. pace returns brk when done is closed
// before the caller is allowed to proceed.
type limiter interface {
	pace(done <-chan struct{}) token
}

type nooplimiter struct{}

func (n *nooplimiter) pace(<-chan struct{}) token {
	return cont
}

type bucketLimiter struct {
	bucket *ratelimit.Bucket
	timers sync.Pool
}

func newLimiter(rate *uint64) limiter {
	if rate == nil {
		return &nooplimiter{}
	}
	return newBucketLimiter(*rate)
}

func newBucketLimiter(rate uint64) limiter {
	interval, quantum := estimate(rate, rateLimitInterval)
	l := &bucketLimiter{
		bucket: ratelimit.NewBucketWithQuantum(
			interval, int64(quantum), int64(quantum),
		),
	}
	l.timers.New = func() interface{} {
		return time.NewTimer(math.MaxInt64)
	}
	return l
}

func (l *bucketLimiter) pace(done <-chan struct{}) token {
	wait := l.bucket.Take(1)
	if wait <= 0 {
		return cont
	}

	timer := l.timers.Get().(*time.Timer)
	defer l.timers.Put(timer)
	timer.Reset(wait)
	select {
	case <-timer.C:
		return cont
	case <-done:
		return brk
	}
}
