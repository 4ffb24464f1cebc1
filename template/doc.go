/*
Package template documents how user-defined report templates are
written for plethora.

A template is selected with --format=path:<file> and is parsed with
Go's text/template package, so its documentation applies. Besides the
builtins of text/template, these helpers are available:
  - WithLatencies() bool
    Tells whether the --latencies flag was given.
  - FormatBinary(numberOfBytes float64) string
    Converts bytes to KB, MB, GB, etc. and appends the suffix.
  - FormatTimeUs(us float64) string
    Converts microseconds to ms, s, m or h and appends the suffix.
  - FormatTimeUsUint64(us uint64) string
    Same as above, for uint64 values.
  - FormatDuration(d time.Duration) string
    Formats a duration the way FormatTimeUs does.
  - Seconds(d time.Duration) float64
    Converts a duration to fractional seconds.
  - Int64ToFloat(n int64) float64
    Type conversions aren't available inside templates.
  - FloatsToArray(ps ...float64) []float64
    Builds a slice, e.g. the percentiles passed to LatenciesStats.
  - Multiply(num, coeff float64) float64
    Arithmetic isn't available inside templates either.
  - StringToBytes(s string) []byte
    Converts a string to []byte.
  - UUIDV1() UUID
    Generates a version 1 UUID (timestamp and MAC address).
  - UUIDV4() UUID
    Generates a version 4 UUID (random).
  - UUIDV5(ns UUID, name string) UUID
    Generates a version 5 UUID (SHA-1 of namespace and name).

The value passed to the template is TestInfo from the package
github.com/abannert/plethora/internal. Its Spec field describes the
run as configured (URLs, connect target, concurrency, request count,
method, headers including disabled ones, connect error ceiling, rate).
Its Result field holds what the run produced: traffic counters, the
number of dispatched, completed and failed requests, status classes,
errors by frequency, the global phase aggregate and one aggregate per
destination. LatenciesStats and RequestsStats compute histogram
summaries for a list of percentiles.

An example that prints the completed requests of every destination:

	{{ range .Result.Destinations -}}
	{{ .URL }} {{ .Stats.Measurements }} {{ printf "%.2f" .Stats.RequestsPerSecond }}
	{{ end -}}
*/
package template
