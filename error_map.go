package main

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/abannert/plethora/internal"
)

// errorMap counts request failures by message.
type errorMap struct {
	mu sync.RWMutex
	m  map[string]*uint64
}

func newErrorMap() *errorMap {
	return &errorMap{m: make(map[string]*uint64)}
}

func (e *errorMap) counter(msg string) *uint64 {
	e.mu.RLock()
	c, ok := e.m[msg]
	e.mu.RUnlock()
	if ok {
		return c
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok = e.m[msg]; !ok {
		c = new(uint64)
		e.m[msg] = c
	}
	return c
}

func (e *errorMap) add(err error) {
	atomic.AddUint64(e.counter(err.Error()), 1)
}

func (e *errorMap) get(err error) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.m[err.Error()]; ok {
		return atomic.LoadUint64(c)
	}
	return 0
}

func (e *errorMap) sum() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sum := uint64(0)
	for _, c := range e.m {
		sum += atomic.LoadUint64(c)
	}
	return sum
}

// byFrequency lists errors from the most to the least frequent. Ties
// are ordered by message.
func (e *errorMap) byFrequency() []internal.ErrorWithCount {
	e.mu.RLock()
	res := make([]internal.ErrorWithCount, 0, len(e.m))
	for msg, c := range e.m {
		res = append(res, internal.ErrorWithCount{
			Error: msg,
			Count: atomic.LoadUint64(c),
		})
	}
	e.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Error < res[j].Error
	})
	return res
}
