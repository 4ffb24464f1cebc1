package main

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abannert/plethora/internal"
)

// phase identifies one of the lifecycle deltas measured from a
// request's epoch.
type phase int

const (
	phaseConnect phase = iota
	phaseWrite
	phaseFirstByte
	phaseRead
	phaseClose
	numPhases
)

var phaseNames = [numPhases]string{
	"Connect", "Write", "First byte", "Read", "Close",
}

func (p phase) String() string {
	if p < 0 || p >= numPhases {
		return "unknown"
	}
	return phaseNames[p]
}

type mark int

const (
	markEpoch mark = iota
	markConnect
	markWrite
	markFirstByte
	markRead
	markClose
)

// metrics holds the timestamps of a single request. Timestamps past a
// failure point stay zero.
type metrics struct {
	epoch     time.Time
	connect   time.Time
	write     time.Time
	firstByte time.Time
	read      time.Time
	close     time.Time
}

func (m *metrics) measure(k mark, now time.Time) {
	switch k {
	case markEpoch:
		m.epoch = now
	case markConnect:
		m.connect = now
	case markWrite:
		m.write = now
	case markFirstByte:
		m.firstByte = now
	case markRead:
		m.read = now
	case markClose:
		m.close = now
	}
}

func (m *metrics) at(p phase) time.Time {
	switch p {
	case phaseConnect:
		return m.connect
	case phaseWrite:
		return m.write
	case phaseFirstByte:
		return m.firstByte
	case phaseRead:
		return m.read
	case phaseClose:
		return m.close
	}
	return time.Time{}
}

func (m *metrics) delta(p phase) time.Duration {
	ts := m.at(p)
	if ts.IsZero() || m.epoch.IsZero() {
		return 0
	}
	return ts.Sub(m.epoch)
}

func (m *metrics) complete() bool {
	if m.epoch.IsZero() {
		return false
	}
	for p := phase(0); p < numPhases; p++ {
		if m.at(p).IsZero() {
			return false
		}
	}
	return true
}

type phaseAggregate struct {
	total int64
	min   int64
	max   int64
}

// accumulator folds request metrics into running count/sum/min/max per
// phase. It is safe for concurrent use: the aggregates are updated with
// atomics and the wall-clock bounds are guarded by mu.
type accumulator struct {
	count  uint64
	phases [numPhases]phaseAggregate

	mu          sync.Mutex
	begin, stop time.Time
}

func newAccumulator() *accumulator {
	a := new(accumulator)
	for i := range a.phases {
		a.phases[i].min = math.MaxInt64
	}
	return a
}

func (a *accumulator) start(now time.Time) {
	a.mu.Lock()
	a.begin = now
	a.stop = time.Time{}
	a.mu.Unlock()
}

func (a *accumulator) finish(now time.Time) {
	a.mu.Lock()
	a.stop = now
	a.mu.Unlock()
}

func (a *accumulator) fold(m *metrics) {
	for p := phase(0); p < numPhases; p++ {
		v := int64(m.delta(p))
		agg := &a.phases[p]
		atomic.AddInt64(&agg.total, v)
		min := atomic.LoadInt64(&agg.min)
		for ; v < min; min = atomic.LoadInt64(&agg.min) {
			atomic.CompareAndSwapInt64(&agg.min, min, v)
		}
		max := atomic.LoadInt64(&agg.max)
		for ; v > max; max = atomic.LoadInt64(&agg.max) {
			atomic.CompareAndSwapInt64(&agg.max, max, v)
		}
	}
	atomic.AddUint64(&a.count, 1)
}

func (a *accumulator) measurements() uint64 {
	return atomic.LoadUint64(&a.count)
}

func (a *accumulator) min(p phase) time.Duration {
	return time.Duration(atomic.LoadInt64(&a.phases[p].min))
}

func (a *accumulator) max(p phase) time.Duration {
	return time.Duration(atomic.LoadInt64(&a.phases[p].max))
}

func (a *accumulator) total(p phase) time.Duration {
	return time.Duration(atomic.LoadInt64(&a.phases[p].total))
}

func (a *accumulator) mean(p phase) time.Duration {
	c := a.measurements()
	if c == 0 {
		return 0
	}
	return a.total(p) / time.Duration(c)
}

// elapsed is the wall-clock span of the accumulator. A running
// accumulator reports the span up to now.
func (a *accumulator) elapsed(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.begin.IsZero() {
		return 0
	}
	if a.stop.IsZero() {
		return now.Sub(a.begin)
	}
	return a.stop.Sub(a.begin)
}

func (a *accumulator) snapshot(now time.Time) internal.Accumulated {
	res := internal.Accumulated{
		Measurements: a.measurements(),
		Elapsed:      a.elapsed(now),
		Phases:       make([]internal.PhaseStats, 0, numPhases),
	}
	for p := phase(0); p < numPhases; p++ {
		ps := internal.PhaseStats{Name: p.String()}
		if res.Measurements > 0 {
			ps.Min = a.min(p)
			ps.Max = a.max(p)
			ps.Mean = a.mean(p)
			ps.Total = a.total(p)
		}
		res.Phases = append(res.Phases, ps)
	}
	return res
}
