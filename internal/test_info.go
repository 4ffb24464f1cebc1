package internal

import (
	"time"
)

// TestInfo holds the configuration a run was started with and the
// results it produced.
type TestInfo struct {
	Spec   Spec
	Result Results
}

// Header is a request header. Disabled headers are configured but never
// sent.
type Header struct {
	Key, Value string
	Disabled   bool
}

// Spec contains information about the run performed.
type Spec struct {
	Concurrency      uint64
	NumberOfRequests uint64

	URLs    []string
	Connect string
	Method  string
	Headers []Header

	MaxConnectErrors int64
	HalfClose        bool
	ConnectTimeout   time.Duration

	Rate *uint64
}

// HasConnectOverride tells whether every destination was redirected to a
// single connect target.
func (s Spec) HasConnectOverride() bool {
	return s.Connect != ""
}

// PhaseStats holds the aggregated deltas of one request phase, measured
// from the start of each request.
type PhaseStats struct {
	Name                  string
	Min, Mean, Max, Total time.Duration
}

// Accumulated is a snapshot of a running phase aggregate.
type Accumulated struct {
	Measurements uint64
	Elapsed      time.Duration
	Phases       []PhaseStats
}

// RequestsPerSecond is the number of measurements divided by the
// wall-clock span of the aggregate.
func (a Accumulated) RequestsPerSecond() float64 {
	if a.Elapsed <= 0 {
		return 0
	}
	return float64(a.Measurements) / a.Elapsed.Seconds()
}

// DestinationResult holds the results of a single destination.
type DestinationResult struct {
	URL      string
	Address  string
	Connects int64
	Errors   int64
	Stats    Accumulated
}

// Results holds the results of the run.
type Results struct {
	RunID string

	BytesRead, BytesWritten int64
	TimeTaken               time.Duration

	// BytesReceived counts response bytes of requests that ran to
	// cleanup, failed ones included.
	BytesReceived int64

	Dispatched, Completed, Failed uint64
	ConcurrencyHighWater          int64

	Req1XX, Req2XX, Req3XX, Req4XX, Req5XX uint64
	Others                                 uint64

	Errors []ErrorWithCount

	Global       Accumulated
	Destinations []DestinationResult

	Latencies ReadonlyUint64Histogram
	Requests  ReadonlyFloat64Histogram
}

// Throughput returns total throughput (read + write) in bytes per
// second.
func (r Results) Throughput() float64 {
	if r.TimeTaken <= 0 {
		return 0
	}
	return float64(r.BytesRead+r.BytesWritten) / r.TimeTaken.Seconds()
}

// HasManyDestinations tells whether per-destination results are worth
// showing.
func (r Results) HasManyDestinations() bool {
	return len(r.Destinations) > 1
}

// LatenciesStats contains statistical information about full-read
// latencies.
type LatenciesStats struct {
	// These are in microseconds
	Mean   float64
	Stddev float64
	Max    float64

	// map[0.0 <= p <= 1.0]microseconds
	Percentiles map[float64]uint64
}

// LatenciesStats computes latency statistics, or returns nil when no
// latencies were recorded.
func (r Results) LatenciesStats(percentiles []float64) *LatenciesStats {
	s, err := summarizeUint64(r.Latencies)
	if err != nil {
		return nil
	}
	return &LatenciesStats{
		Mean:        s.mean(),
		Stddev:      s.stddev(),
		Max:         float64(s.max),
		Percentiles: s.percentiles(percentiles),
	}
}

// RequestsStats contains statistical information about the request rate.
type RequestsStats struct {
	// These are in requests per second.
	Mean   float64
	Stddev float64
	Max    float64

	Percentiles map[float64]float64
}

// RequestsStats computes request rate statistics, or returns nil when
// no samples were taken.
func (r Results) RequestsStats(percentiles []float64) *RequestsStats {
	s, err := summarizeFloat64(r.Requests)
	if err != nil {
		return nil
	}
	return &RequestsStats{
		Mean:        s.mean(),
		Stddev:      s.stddev(),
		Max:         s.max,
		Percentiles: s.percentiles(percentiles),
	}
}

// ErrorWithCount contains error description alongside with number of
// times this error occurred.
type ErrorWithCount struct {
	Error string
	Count uint64
}
