package internal

import (
	"errors"
	"math"
	"sort"
)

var errNotEnoughSamples = errors.New("not enough samples")

// ReadonlyUint64Histogram is a read-only view of a histogram with uint64
// keys, such as the response latency histogram.
type ReadonlyUint64Histogram interface {
	Get(uint64) uint64
	VisitAll(func(uint64, uint64) bool)
	Count() uint64
}

// ReadonlyFloat64Histogram is a read-only view of a histogram with
// float64 keys, such as the requests-per-second histogram.
type ReadonlyFloat64Histogram interface {
	Get(float64) uint64
	VisitAll(func(float64, uint64) bool)
	Count() uint64
}

type uint64Bucket struct {
	key, count uint64
}

type float64Bucket struct {
	key   float64
	count uint64
}

type uint64Summary struct {
	sum, count, max uint64
	buckets         []uint64Bucket
}

func summarizeUint64(h ReadonlyUint64Histogram) (*uint64Summary, error) {
	if h == nil {
		return nil, errNotEnoughSamples
	}
	s := &uint64Summary{buckets: make([]uint64Bucket, 0, h.Count())}
	h.VisitAll(func(k, c uint64) bool {
		if k > s.max {
			s.max = k
		}
		s.sum += k * c
		s.count += c
		s.buckets = append(s.buckets, uint64Bucket{k, c})
		return true
	})
	if s.count == 0 {
		return nil, errNotEnoughSamples
	}
	sort.Slice(s.buckets, func(i, j int) bool {
		return s.buckets[i].key < s.buckets[j].key
	})
	return s, nil
}

func (s *uint64Summary) mean() float64 {
	return float64(s.sum) / float64(s.count)
}

func (s *uint64Summary) stddev() float64 {
	if s.count <= 2 {
		return 0
	}
	mean, squares := s.mean(), 0.0
	for _, b := range s.buckets {
		squares += math.Pow(float64(b.key)-mean, 2) * float64(b.count)
	}
	return math.Sqrt(squares / float64(s.count))
}

// percentiles maps every requested percentile in [0, 1] to the smallest
// key whose cumulative count reaches its rank.
func (s *uint64Summary) percentiles(ps []float64) map[float64]uint64 {
	res := make(map[float64]uint64, len(ps))
	for _, p := range ps {
		if _, ok := res[p]; ok || p < 0 || p > 1 {
			continue
		}
		rank := uint64(p*float64(s.count) + 0.5)
		seen := uint64(0)
		for _, b := range s.buckets {
			seen += b.count
			if seen >= rank {
				res[p] = b.key
				break
			}
		}
	}
	return res
}

type float64Summary struct {
	sum, max float64
	count    uint64
	buckets  []float64Bucket
}

func summarizeFloat64(h ReadonlyFloat64Histogram) (*float64Summary, error) {
	if h == nil {
		return nil, errNotEnoughSamples
	}
	s := &float64Summary{buckets: make([]float64Bucket, 0, h.Count())}
	h.VisitAll(func(k float64, c uint64) bool {
		if math.IsInf(k, 0) || math.IsNaN(k) {
			return true
		}
		if k > s.max {
			s.max = k
		}
		s.sum += k * float64(c)
		s.count += c
		s.buckets = append(s.buckets, float64Bucket{k, c})
		return true
	})
	if s.count == 0 {
		return nil, errNotEnoughSamples
	}
	sort.Slice(s.buckets, func(i, j int) bool {
		return s.buckets[i].key < s.buckets[j].key
	})
	return s, nil
}

func (s *float64Summary) mean() float64 {
	return s.sum / float64(s.count)
}

func (s *float64Summary) stddev() float64 {
	if s.count <= 2 {
		return 0
	}
	mean, squares := s.mean(), 0.0
	for _, b := range s.buckets {
		squares += math.Pow(b.key-mean, 2) * float64(b.count)
	}
	return math.Sqrt(squares / float64(s.count))
}

func (s *float64Summary) percentiles(ps []float64) map[float64]float64 {
	res := make(map[float64]float64, len(ps))
	for _, p := range ps {
		if _, ok := res[p]; ok || p < 0 || p > 1 {
			continue
		}
		rank := uint64(p*float64(s.count) + 0.5)
		seen := uint64(0)
		for _, b := range s.buckets {
			seen += b.count
			if seen >= rank {
				res[p] = b.key
				break
			}
		}
	}
	return res
}
