package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	uhist "github.com/codesenberg/concurrent/uint64/histogram"
	"github.com/sirupsen/logrus/hooks/test"
)

// rawServer hands every connection accepted on a loopback listener to
// handle and returns a URL pointing at it.
func rawServer(t *testing.T, handle func(net.Conn, *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c, bufio.NewReader(c))
			}()
		}
	}()
	return "http://" + ln.Addr().String() + "/"
}

func readRequest(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			return nil
		}
	}
}

func response(status, body string) string {
	return fmt.Sprintf("HTTP/1.1 %v\r\nContent-Length: %v\r\n"+
		"Connection: close\r\n\r\n%v", status, len(body), body)
}

func respondWith(raw string) func(net.Conn, *bufio.Reader) {
	return func(c net.Conn, r *bufio.Reader) {
		if readRequest(r) != nil {
			return
		}
		_, _ = io.WriteString(c, raw)
	}
}

type dispatchTest struct {
	urls      []string
	conns     uint64
	reqs      uint64
	halfClose bool
	maxErrors int64
	dial      dialFunc
	observe   transitionObserver
}

func newTestDispatcher(t *testing.T, dt dispatchTest) *dispatcher {
	t.Helper()
	log, _ := test.NewNullLogger()
	if dt.dial == nil {
		dt.dial = countingDialFunc(new(int64), new(int64), 5*time.Second)
	}
	if dt.maxErrors == 0 {
		dt.maxErrors = defaultMaxConnectErrors
	}
	b := newTestBalancer(t, balancerOpts{
		urls:             dt.urls,
		headers:          defaultHeaders(),
		maxConnectErrors: dt.maxErrors,
		dial:             dt.dial,
		log:              log,
	})
	d, err := newDispatcher(dispatcherOpts{
		concurrency: dt.conns,
		halfClose:   dt.halfClose,
		balancer:    b,
		barrier:     newCountingCompletionBarrier(dt.reqs),
		latencies:   uhist.Default(),
		cooldown:    time.Millisecond,
		log:         log,
		observe:     dt.observe,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func runDispatcher(t *testing.T, d *dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.run(ctx); err != nil {
		t.Fatal(err)
	}
}

type transitionLog struct {
	mu    sync.Mutex
	steps map[int][][2]state
}

func newTransitionLog() *transitionLog {
	return &transitionLog{steps: make(map[int][][2]state)}
}

func (l *transitionLog) observe(slot int, from, to state) {
	l.mu.Lock()
	l.steps[slot] = append(l.steps[slot], [2]state{from, to})
	l.mu.Unlock()
}

func (l *transitionLog) count(from, to state) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, steps := range l.steps {
		for _, s := range steps {
			if s == [2]state{from, to} {
				n++
			}
		}
	}
	return n
}

func TestDispatcherSingleSlot(t *testing.T) {
	raw := response("200 OK", "hello")
	url := rawServer(t, respondWith(raw))
	tl := newTransitionLog()
	d := newTestDispatcher(t, dispatchTest{
		urls:    []string{url},
		conns:   1,
		reqs:    3,
		observe: tl.observe,
	})
	runDispatcher(t, d)

	if n := tl.count(stateCleanup, stateIdle); n != 3 {
		t.Errorf("Expected 3 Cleanup -> Idle transitions, but got %v", n)
	}
	if n := tl.count(stateIdle, stateStopped); n != 1 {
		t.Errorf("Expected the slot to stop once, but got %v", n)
	}
	if m := d.global.measurements(); m != 3 {
		t.Errorf("Expected 3 global measurements, but got %v", m)
	}
	if d.dispatched != 3 || d.completed != 3 || d.failed != 0 {
		t.Errorf("Unexpected counters: %v dispatched, %v completed, %v failed",
			d.dispatched, d.completed, d.failed)
	}
	if d.req2xx != 3 {
		t.Errorf("Expected 3 2xx responses, but got %v", d.req2xx)
	}
	if d.bytesReceived != int64(3*len(raw)) {
		t.Errorf("Expected %v bytes received, but got %v", 3*len(raw), d.bytesReceived)
	}
	if d.highWater != 1 || d.active != 0 {
		t.Errorf("Unexpected in-flight counters: high water %v, active %v",
			d.highWater, d.active)
	}
	if c := d.latencies.Count(); c != 3 {
		t.Errorf("Expected 3 latencies, but got %v", c)
	}
	first := tl.steps[0][:4]
	expected := [][2]state{
		{stateIdle, stateConnecting},
		{stateConnecting, stateConnected},
		{stateConnected, stateWritten},
		{stateWritten, stateReadingHeader},
	}
	if !reflect.DeepEqual(first, expected) {
		t.Errorf("Unexpected opening transitions %v", first)
	}
	for _, c := range d.slots {
		if !reflect.DeepEqual(*c, connection{id: c.id, state: stateStopped}) {
			t.Errorf("Slot %v wasn't left clean: %+v", c.id, *c)
		}
	}
}

func TestDispatcherAgainstHTTPServer(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "plethora/"+version {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer s.Close()
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{s.URL + "/missing"},
		conns: 3,
		reqs:  10,
	})
	runDispatcher(t, d)
	if d.req4xx != 10 || d.completed != 10 {
		t.Errorf("Expected 10 completed 4xx responses, got %v of %v",
			d.req4xx, d.completed)
	}
	if hw := d.highWater; hw < 1 || hw > 3 {
		t.Errorf("High water mark %v out of bounds", hw)
	}
}

func TestDispatcherRoundRobinsAcrossDestinations(t *testing.T) {
	first := rawServer(t, respondWith(response("200 OK", "a")))
	second := rawServer(t, respondWith(response("200 OK", "bb")))
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{first, second},
		conns: 4,
		reqs:  8,
	})
	runDispatcher(t, d)
	for _, dest := range d.balancer.destinations {
		if m := dest.acc.measurements(); m != 4 {
			t.Errorf("%v: expected 4 measurements, but got %v", dest.url, m)
		}
		if c := dest.connectCount(); c != 4 {
			t.Errorf("%v: expected 4 connects, but got %v", dest.url, c)
		}
	}
	if m := d.global.measurements(); m != 8 {
		t.Errorf("Expected 8 global measurements, but got %v", m)
	}
}

func TestDispatcherHeaderTooLarge(t *testing.T) {
	url := rawServer(t, respondWith(strings.Repeat("x", headerBufSize+808)))
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{url},
		conns: 1,
		reqs:  1,
	})
	runDispatcher(t, d)
	if d.failed != 1 || d.completed != 0 {
		t.Errorf("Expected one failed request, got %v failed and %v completed",
			d.failed, d.completed)
	}
	if n := d.errors.get(errHeaderTooLarge); n != 1 {
		t.Errorf("Expected %v once, but got %v", errHeaderTooLarge, d.errors.byFrequency())
	}
	if m := d.global.measurements(); m != 0 {
		t.Errorf("Failed requests shouldn't be measured, got %v", m)
	}
	if e := d.balancer.destinations[0].errorCount(); e != 1 {
		t.Errorf("Expected the destination to record 1 error, but got %v", e)
	}
}

func TestDispatcherResponseFailures(t *testing.T) {
	expectations := []struct {
		name   string
		handle func(net.Conn, *bufio.Reader)
		err    error
	}{
		{
			"bad status line",
			respondWith("SMTP ready\r\n\r\n"),
			errBadStatusLine,
		},
		{
			"premature eof",
			respondWith("HTTP/1.1 200"),
			errPrematureEOF,
		},
		{
			"closed without answer",
			func(c net.Conn, r *bufio.Reader) { _ = readRequest(r) },
			errPrematureEOF,
		},
	}
	for _, e := range expectations {
		t.Run(e.name, func(t *testing.T) {
			d := newTestDispatcher(t, dispatchTest{
				urls:  []string{rawServer(t, e.handle)},
				conns: 1,
				reqs:  2,
			})
			runDispatcher(t, d)
			if n := d.errors.get(e.err); n != 2 {
				t.Errorf("Expected %v twice, but got %v", e.err, d.errors.byFrequency())
			}
			if d.failed != 2 || d.dispatched != 2 {
				t.Errorf("Unexpected counters: %v failed of %v dispatched",
					d.failed, d.dispatched)
			}
		})
	}
}

func TestDispatcherStatusLineAcrossReads(t *testing.T) {
	url := rawServer(t, func(c net.Conn, r *bufio.Reader) {
		if readRequest(r) != nil {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 301 Moved\r")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(c, "\nContent-Length: 0\r\n\r\n")
	})
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{url},
		conns: 1,
		reqs:  1,
	})
	runDispatcher(t, d)
	if d.req3xx != 1 {
		t.Errorf("Expected a 3xx response, got errors %v", d.errors.byFrequency())
	}
}

func TestDispatcherStatusClasses(t *testing.T) {
	statuses := []string{
		"100 Continue", "204 No Content", "302 Found",
		"418 I'm a teapot", "503 Unavailable", "999 Unknown",
	}
	var urls []string
	for _, s := range statuses {
		urls = append(urls, rawServer(t, respondWith(response(s, ""))))
	}
	d := newTestDispatcher(t, dispatchTest{
		urls:  urls,
		conns: 2,
		reqs:  uint64(len(urls)),
	})
	runDispatcher(t, d)
	counts := []uint64{d.req1xx, d.req2xx, d.req3xx, d.req4xx, d.req5xx, d.others}
	for i, c := range counts {
		if c != 1 {
			t.Errorf("%v: expected 1 response, but got %v", statuses[i], c)
		}
	}
}

func TestDispatcherHalfClose(t *testing.T) {
	// The server only answers 200 once it sees the client's FIN.
	url := rawServer(t, func(c net.Conn, r *bufio.Reader) {
		if readRequest(r) != nil {
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		status := "500 No FIN"
		if _, err := r.ReadByte(); errors.Is(err, io.EOF) {
			status = "200 OK"
		}
		_, _ = io.WriteString(c, response(status, ""))
	})
	expectations := []struct {
		halfClose bool
		ok        bool
	}{
		{true, true},
		{false, false},
	}
	for _, e := range expectations {
		d := newTestDispatcher(t, dispatchTest{
			urls:      []string{url},
			conns:     1,
			reqs:      1,
			halfClose: e.halfClose,
		})
		runDispatcher(t, d)
		if ok := d.req2xx == 1; ok != e.ok {
			t.Errorf("half-close %v: expected 2xx = %v, got 2xx %v, 5xx %v",
				e.halfClose, e.ok, d.req2xx, d.req5xx)
		}
	}
}

func failingDial(calls *int64, err error) dialFunc {
	return func(context.Context, string, string) (net.Conn, error) {
		atomic.AddInt64(calls, 1)
		return nil, err
	}
}

func TestDispatcherConnectCeiling(t *testing.T) {
	var calls int64
	d := newTestDispatcher(t, dispatchTest{
		urls:      []string{"http://127.0.0.1:1/"},
		conns:     1,
		reqs:      3,
		maxErrors: 2,
		dial:      failingDial(&calls, refused()),
	})
	runDispatcher(t, d)
	if calls != 2 {
		t.Errorf("Expected exactly 2 connect attempts, but got %v", calls)
	}
	if d.failed != 3 || d.completed != 0 {
		t.Errorf("Expected 3 failures, got %v failed and %v completed",
			d.failed, d.completed)
	}
	if m := d.balancer.destinations[0].acc.measurements(); m != 0 {
		t.Errorf("Expected no successful request, but got %v", m)
	}
	errs := d.errors.byFrequency()
	if len(errs) != 1 || !strings.HasPrefix(errs[0].Error, errCeilingExceeded.Error()) {
		t.Errorf("Unexpected errors %v", errs)
	}
}

func TestDispatcherConnectTimeout(t *testing.T) {
	var calls int64
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{"http://127.0.0.1:1/"},
		conns: 1,
		reqs:  2,
		dial:  failingDial(&calls, &net.OpError{Op: "dial", Err: timeoutError{}}),
	})
	runDispatcher(t, d)
	errs := d.errors.byFrequency()
	if len(errs) != 1 || errs[0].Count != 2 ||
		!strings.HasPrefix(errs[0].Error, errConnectTimeout.Error()) {
		t.Errorf("Unexpected errors %v", errs)
	}
	if d.failed != 2 {
		t.Errorf("Expected 2 failures, but got %v", d.failed)
	}
}

func TestDispatcherBacksOffOnExhaustion(t *testing.T) {
	url := rawServer(t, respondWith(response("200 OK", "")))
	dialer := countingDialFunc(new(int64), new(int64), 5*time.Second)
	var exhausted int64
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if atomic.AddInt64(&exhausted, 1) <= 2 {
			return nil, syscall.EADDRNOTAVAIL
		}
		return dialer(ctx, network, addr)
	}
	tl := newTransitionLog()
	// The idle slot spends the budget while the other one backs off.
	d := newTestDispatcher(t, dispatchTest{
		urls:    []string{url},
		conns:   2,
		reqs:    1,
		dial:    dial,
		observe: tl.observe,
	})
	runDispatcher(t, d)
	if n := tl.count(stateConnecting, stateIdle); n != 2 {
		t.Errorf("Expected 2 backoffs, but got %v", n)
	}
	if d.completed != 1 || d.dispatched != 1 || d.failed != 0 {
		t.Errorf("Unexpected counters: %v dispatched, %v completed, %v failed",
			d.dispatched, d.completed, d.failed)
	}
	if e := d.balancer.destinations[0].errorCount(); e != 0 {
		t.Errorf("Exhaustion shouldn't count as a destination error, got %v", e)
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	var calls int64
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{"http://127.0.0.1:1/"},
		conns: 4,
		reqs:  100,
		dial:  failingDial(&calls, errors.New("unexpected dial")),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.run(ctx); err != nil {
		t.Fatal(err)
	}
	if d.dispatched != 0 || calls != 0 {
		t.Errorf("A cancelled run shouldn't dispatch, got %v", d.dispatched)
	}
}

func TestDispatcherInterruptsRefusalLoop(t *testing.T) {
	expectations := []struct {
		name string
		stop func(d *dispatcher, cancel context.CancelFunc)
	}{
		{"barrier", func(d *dispatcher, _ context.CancelFunc) { d.barrier.cancel() }},
		{"context", func(_ *dispatcher, cancel context.CancelFunc) { cancel() }},
	}
	for _, e := range expectations {
		t.Run(e.name, func(t *testing.T) {
			var calls int64
			d := newTestDispatcher(t, dispatchTest{
				urls:      []string{"http://127.0.0.1:1/"},
				conns:     2,
				reqs:      10,
				maxErrors: -1,
				dial:      failingDial(&calls, refused()),
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errc := make(chan error, 1)
			go func() { errc <- d.run(ctx) }()

			for atomic.LoadInt64(&calls) < 100 {
				time.Sleep(time.Millisecond)
			}
			e.stop(d, cancel)
			select {
			case err := <-errc:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("Still retrying after the stop, %v dials so far",
					atomic.LoadInt64(&calls))
			}
			if d.dispatched != 0 || d.failed != 0 {
				t.Errorf("Interrupted connects aren't requests, got %v dispatched, %v failed",
					d.dispatched, d.failed)
			}
			if c := d.barrier.completed(); c != 0.2 {
				t.Errorf("Both reservations should be given back, got %v", c)
			}
			for _, c := range d.slots {
				if c.state != stateStopped || c.reserved {
					t.Errorf("Slot %v wasn't released: %v, reserved %v",
						c.id, c.state, c.reserved)
				}
			}
		})
	}
}

func TestDispatcherReleasesReservationOnCancel(t *testing.T) {
	var (
		calls int64
		d     *dispatcher
	)
	dial := func(context.Context, string, string) (net.Conn, error) {
		atomic.AddInt64(&calls, 1)
		d.barrier.cancel()
		return nil, syscall.EADDRNOTAVAIL
	}
	tl := newTransitionLog()
	d = newTestDispatcher(t, dispatchTest{
		urls:    []string{"http://127.0.0.1:1/"},
		conns:   1,
		reqs:    2,
		dial:    dial,
		observe: tl.observe,
	})
	runDispatcher(t, d)
	if calls != 1 {
		t.Errorf("Expected a single dial, but got %v", calls)
	}
	if d.dispatched != 0 {
		t.Errorf("A cancelled backoff shouldn't dispatch, got %v", d.dispatched)
	}
	if tl.count(stateConnecting, stateIdle) != 1 || tl.count(stateIdle, stateStopped) != 1 {
		t.Errorf("Unexpected transitions %v", tl.steps)
	}
	if c := d.barrier.completed(); c != 0.5 {
		t.Errorf("Expected the reservation to be given back, got %v", c)
	}
}

func TestDriveFromCleanup(t *testing.T) {
	tl := newTransitionLog()
	d := newTestDispatcher(t, dispatchTest{
		urls:    []string{"http://127.0.0.1:1/"},
		conns:   1,
		reqs:    0,
		dial:    failingDial(new(int64), errors.New("unexpected dial")),
		observe: tl.observe,
	})
	c := &connection{id: 3, state: stateCleanup, received: 12}
	if err := d.drive(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if tl.count(stateCleanup, stateIdle) != 1 || tl.count(stateIdle, stateStopped) != 1 {
		t.Errorf("Unexpected transitions %v", tl.steps)
	}
	if c.state != stateStopped || c.id != 3 {
		t.Errorf("Unexpected slot %+v", *c)
	}
	if d.bytesReceived != 12 {
		t.Errorf("Expected 12 bytes received, but got %v", d.bytesReceived)
	}
}

func TestCalculatingRejectsIncompleteMetrics(t *testing.T) {
	d := newTestDispatcher(t, dispatchTest{
		urls:  []string{"http://127.0.0.1:1/"},
		conns: 1,
		reqs:  1,
	})
	dest := d.balancer.destinations[0]
	c := &connection{state: stateCalculating, dest: dest}
	now := time.Now()
	c.metrics.measure(markEpoch, now)
	c.metrics.measure(markConnect, now)
	if ev := d.process(context.Background(), c); ev != evFailed {
		t.Fatalf("Expected %v, but got %v", evFailed, ev)
	}
	if !errors.Is(c.err, errIncompleteMetrics) {
		t.Errorf("Expected %v, but got %v", errIncompleteMetrics, c.err)
	}
	if d.global.measurements() != 0 || dest.acc.measurements() != 0 || d.completed != 0 {
		t.Error("Incomplete metrics shouldn't be folded")
	}
}

func TestNewDispatcherPoolAllocation(t *testing.T) {
	b := newTestBalancer(t, balancerOpts{urls: []string{"http://127.0.0.1:1/"}})
	for _, n := range []uint64{0, maxConcurrency + 1} {
		_, err := newDispatcher(dispatcherOpts{
			concurrency: n,
			balancer:    b,
			barrier:     newCountingCompletionBarrier(1),
		})
		if !errors.Is(err, errPoolAlloc) {
			t.Errorf("%v slots: expected %v, but got %v", n, errPoolAlloc, err)
		}
		if exitCodeFor(err) != exitPoolAlloc {
			t.Errorf("%v slots: unexpected exit code %v", n, exitCodeFor(err))
		}
	}
	if _, err := newDispatcher(dispatcherOpts{concurrency: 1}); !errors.Is(err, errPoolAlloc) {
		t.Errorf("Expected %v without a balancer, but got %v", errPoolAlloc, err)
	}
	d, err := newDispatcher(dispatcherOpts{
		concurrency: 16,
		balancer:    b,
		barrier:     newCountingCompletionBarrier(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(d.slots) != 16 {
		t.Errorf("Expected 16 slots, but got %v", len(d.slots))
	}
	for i, c := range d.slots {
		if c.id != i || c.state != stateIdle {
			t.Errorf("Slot %v: unexpected initial state %+v", i, *c)
		}
	}
}

func TestConnectionReset(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()
	c := &connection{
		id:       7,
		state:    stateCleanup,
		conn:     client,
		err:      errPrematureEOF,
		written:  42,
		dest:     &destination{url: "http://localhost/"},
		reserved: true,
		header:   new([headerBufSize]byte),
		buffered: 10,
		scanned:  9,
		received: 100,
		status:   statusLine{version: 1.1, code: 200, reason: "OK"},
	}
	c.metrics.measure(markEpoch, time.Now())
	c.metrics.measure(markClose, time.Now())
	c.reset()
	if !reflect.DeepEqual(*c, connection{id: 7}) {
		t.Errorf("Expected a fresh slot, but got %+v", *c)
	}
}

func TestParseStatusLine(t *testing.T) {
	expectations := []struct {
		in  string
		out statusLine
		ok  bool
	}{
		{"HTTP/1.1 200 OK", statusLine{1.1, 200, "OK"}, true},
		{"HTTP/1.0 404 Not Found", statusLine{1.0, 404, "Not Found"}, true},
		{"HTTP/2 204", statusLine{2, 204, ""}, true},
		{"HTTP/1.1  301   Moved", statusLine{1.1, 301, "Moved"}, true},
		{"HTTP/1.1 200", statusLine{1.1, 200, ""}, true},
		{"HTTP/1.1 abc", statusLine{}, false},
		{"HTTP/1.10 200 OK", statusLine{}, false},
		{"HTTP/x.y 200 OK", statusLine{}, false},
		{"HTTP/1.1", statusLine{}, false},
		{"HTTP/ 200 OK", statusLine{}, false},
		{"FTP/1.1 200 OK", statusLine{}, false},
		{"", statusLine{}, false},
	}
	for _, e := range expectations {
		st, err := parseStatusLine([]byte(e.in))
		if e.ok != (err == nil) {
			t.Errorf("%q: unexpected error state %v", e.in, err)
			continue
		}
		if err != nil {
			if err != errBadStatusLine {
				t.Errorf("%q: expected %v, but got %v", e.in, errBadStatusLine, err)
			}
			continue
		}
		if st != e.out {
			t.Errorf("%q: expected %+v, but got %+v", e.in, e.out, st)
		}
	}
}
