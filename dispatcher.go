package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	uhist "github.com/codesenberg/concurrent/uint64/histogram"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxConcurrency = 1 << 20

var (
	errHeaderTooLarge    = errors.New("response header too large")
	errPrematureEOF      = errors.New("connection closed before status line")
	errBadStatusLine     = errors.New("malformed status line")
	errConnectTimeout    = errors.New("connect timed out")
	errRequestAbandoned  = errors.New("request abandoned")
	errIncompleteMetrics = errors.New("request finished with unset timestamps")
)

var crlf = []byte("\r\n")

type statusLine struct {
	version float64
	code    int
	reason  string
}

// connection is one slot of the pool. Everything but id is reset
// between requests.
type connection struct {
	id int

	state    state
	conn     net.Conn
	err      error
	written  int
	dest     *destination
	reserved bool

	header   *[headerBufSize]byte
	buffered int
	scanned  int
	received int64
	status   statusLine

	metrics metrics
}

func (c *connection) reset() {
	*c = connection{id: c.id}
}

func (c *connection) logger(log logrus.FieldLogger) logrus.FieldLogger {
	fields := logrus.Fields{"slot": c.id, "state": c.state.String()}
	if c.dest != nil {
		fields["dest"] = c.dest.url
	}
	return log.WithFields(fields)
}

type transitionObserver func(slot int, from, to state)

type dispatcherOpts struct {
	concurrency uint64
	halfClose   bool

	balancer  *balancer
	barrier   completionBarrier
	limiter   limiter
	global    *accumulator
	latencies *uhist.Histogram
	errors    *errorMap

	cooldown time.Duration
	now      func() time.Time
	log      *logrus.Logger
	observe  transitionObserver
}

// dispatcher drives a fixed pool of slots through the request lifecycle
// until the request budget is spent.
type dispatcher struct {
	dispatched, completed, failed uint64
	bytesReceived                 int64
	active, highWater             int64

	req1xx, req2xx, req3xx, req4xx, req5xx uint64
	others                                 uint64

	slots []*connection

	halfClose bool
	balancer  *balancer
	barrier   completionBarrier
	limiter   limiter
	global    *accumulator
	latencies *uhist.Histogram
	errors    *errorMap
	cooldown  time.Duration
	now       func() time.Time
	log       *logrus.Logger
	observe   transitionObserver

	headers sync.Pool
	scratch sync.Pool
}

func newDispatcher(opts dispatcherOpts) (*dispatcher, error) {
	if opts.concurrency == 0 || opts.concurrency > maxConcurrency {
		return nil, fmt.Errorf("%w: %d slots", errPoolAlloc, opts.concurrency)
	}
	if opts.balancer == nil || opts.barrier == nil {
		return nil, fmt.Errorf("%w: missing balancer or budget", errPoolAlloc)
	}
	if opts.limiter == nil {
		opts.limiter = &nooplimiter{}
	}
	if opts.global == nil {
		opts.global = newAccumulator()
	}
	if opts.errors == nil {
		opts.errors = newErrorMap()
	}
	if opts.cooldown <= 0 {
		opts.cooldown = exhaustionCooldown
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.log == nil {
		opts.log = logrus.StandardLogger()
	}
	d := &dispatcher{
		slots:     make([]*connection, opts.concurrency),
		halfClose: opts.halfClose,
		balancer:  opts.balancer,
		barrier:   opts.barrier,
		limiter:   opts.limiter,
		global:    opts.global,
		latencies: opts.latencies,
		errors:    opts.errors,
		cooldown:  opts.cooldown,
		now:       opts.now,
		log:       opts.log,
		observe:   opts.observe,
	}
	for i := range d.slots {
		d.slots[i] = &connection{id: i}
	}
	d.headers.New = func() interface{} {
		return new([headerBufSize]byte)
	}
	d.scratch.New = func() interface{} {
		return new([bodyBufSize]byte)
	}
	return d, nil
}

// run drives every slot on its own goroutine and returns once all of
// them have stopped. Cancelling the barrier interrupts pending connects.
// An impossible transition in any slot fails the run.
func (d *dispatcher) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.barrier.done():
			if d.barrier.cancelled() {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range d.slots {
		c := c
		g.Go(func() error {
			return d.drive(ctx, c)
		})
	}
	return g.Wait()
}

func (d *dispatcher) drive(ctx context.Context, c *connection) error {
	for c.state != stateStopped {
		// Cleanup resets the slot, so the edge is taken from the state
		// the event was produced in.
		from := c.state
		ev := d.process(ctx, c)
		next, err := transition(from, ev)
		if err != nil {
			d.abandon(c)
			return fmt.Errorf("slot %d: %w", c.id, err)
		}
		if d.log.IsLevelEnabled(logrus.TraceLevel) {
			c.logger(d.log).WithFields(logrus.Fields{
				"from":  from.String(),
				"event": ev.String(),
				"next":  next.String(),
			}).Trace("transition")
		}
		if d.observe != nil {
			d.observe(c.id, from, next)
		}
		c.state = next
	}
	return nil
}

func (d *dispatcher) process(ctx context.Context, c *connection) event {
	switch c.state {
	case stateIdle:
		return d.processIdle(ctx, c)
	case stateConnecting:
		return d.processConnecting(ctx, c)
	case stateConnected, stateWriting:
		return d.processWriting(c)
	case stateWritten:
		return d.processWritten(c)
	case stateReadingHeader:
		return d.processReadingHeader(c)
	case stateReadingBody:
		return d.processReadingBody(c)
	case stateRead, stateClosing:
		return d.processClosing(c)
	case stateClosed:
		c.metrics.measure(markClose, d.now())
		return evMeasured
	case stateCalculating:
		return d.processCalculating(c)
	case stateCleanup:
		return d.processCleanup(c)
	case stateTimeout:
		return d.processTimeout(c)
	case stateError:
		return d.processError(c)
	}
	// Unreachable for known states; the transition table rejects it.
	return evReset
}

func (d *dispatcher) processIdle(ctx context.Context, c *connection) event {
	if ctx.Err() != nil || d.barrier.cancelled() {
		d.release(c)
		return evBudgetSpent
	}
	if !c.reserved {
		if d.limiter.pace(d.barrier.done()) == brk {
			return evBudgetSpent
		}
		if !d.barrier.tryGrabWork() {
			return evBudgetSpent
		}
		c.reserved = true
	}
	c.metrics.measure(markEpoch, d.now())
	c.dest = d.balancer.next()
	return evDispatch
}

func (d *dispatcher) processConnecting(ctx context.Context, c *connection) event {
	conn, outcome, err := d.balancer.connect(ctx, c.dest)
	switch outcome {
	case outcomeExhausted:
		c.logger(d.log).WithError(err).Debug("local resources exhausted, cooling down")
		c.dest = nil
		c.metrics = metrics{}
		sleep(ctx, d.cooldown)
		return evBackoff
	case outcomeCancelled:
		c.dest = nil
		c.metrics = metrics{}
		return evBackoff
	}

	atomic.AddUint64(&d.dispatched, 1)
	atomic.AddInt64(&d.active, 1)
	switch outcome {
	case outcomeConnected:
		c.conn = conn
		c.metrics.measure(markConnect, d.now())
		return evConnected
	case outcomeTimeout:
		c.err = err
		return evTimeout
	}
	c.err = err
	return evFailed
}

func (d *dispatcher) processWriting(c *connection) event {
	req := c.dest.request
	n, err := c.conn.Write(req[c.written:])
	c.written += n
	if err != nil {
		c.err = err
		return evFailed
	}
	if c.written < len(req) {
		return evPartial
	}
	c.metrics.measure(markWrite, d.now())
	return evWritten
}

func (d *dispatcher) processWritten(c *connection) event {
	if !d.halfClose {
		return evHalfClosed
	}
	if cw, ok := c.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			c.err = err
			return evFailed
		}
	}
	return evHalfClosed
}

func (d *dispatcher) processReadingHeader(c *connection) event {
	if c.header == nil {
		c.header = d.headers.Get().(*[headerBufSize]byte)
	}
	buf := c.header[:]
	n, err := c.conn.Read(buf[c.buffered:])
	if n > 0 {
		if c.metrics.firstByte.IsZero() {
			c.metrics.measure(markFirstByte, d.now())
		}
		c.received += int64(n)
		c.buffered += n

		// A terminator may straddle two reads.
		from := c.scanned
		if from > 0 {
			from--
		}
		if i := bytes.Index(buf[from:c.buffered], crlf); i >= 0 {
			st, perr := parseStatusLine(buf[:from+i])
			if perr != nil {
				c.err = perr
				return evFailed
			}
			c.status = st
			return evHeader
		}
		c.scanned = c.buffered
		if c.buffered == len(buf) {
			c.err = errHeaderTooLarge
			return evFailed
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.err = errPrematureEOF
		} else {
			c.err = err
		}
		return evFailed
	}
	return evMore
}

func (d *dispatcher) processReadingBody(c *connection) event {
	scratch := d.scratch.Get().(*[bodyBufSize]byte)
	defer d.scratch.Put(scratch)

	n, err := c.conn.Read(scratch[:])
	c.received += int64(n)
	switch {
	case err == nil:
		return evMore
	case errors.Is(err, io.EOF):
		c.metrics.measure(markRead, d.now())
		return evEOF
	}
	c.err = err
	return evFailed
}

func (d *dispatcher) processClosing(c *connection) event {
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		c.err = err
		return evFailed
	}
	return evClosed
}

func (d *dispatcher) processCalculating(c *connection) event {
	if !c.metrics.complete() {
		c.err = errIncompleteMetrics
		return evFailed
	}
	c.dest.acc.fold(&c.metrics)
	d.global.fold(&c.metrics)
	if d.latencies != nil {
		d.latencies.Increment(uint64(c.metrics.delta(phaseRead) / time.Microsecond))
	}
	d.recordStatus(c.status.code)
	atomic.AddUint64(&d.completed, 1)
	return evFolded
}

func (d *dispatcher) processTimeout(c *connection) event {
	c.logger(d.log).WithError(c.err).Warn("connect timed out")
	c.err = fmt.Errorf("%w: %v", errConnectTimeout, c.err)
	return evFailed
}

func (d *dispatcher) processError(c *connection) event {
	if c.dest != nil {
		c.dest.addError()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.err == nil {
		c.err = errRequestAbandoned
	}
	d.errors.add(c.err)
	atomic.AddUint64(&d.failed, 1)
	c.logger(d.log).WithError(c.err).Debug("request failed")
	return evRecorded
}

func (d *dispatcher) processCleanup(c *connection) event {
	active := atomic.LoadInt64(&d.active)
	for hw := atomic.LoadInt64(&d.highWater); active > hw; hw = atomic.LoadInt64(&d.highWater) {
		if atomic.CompareAndSwapInt64(&d.highWater, hw, active) {
			break
		}
	}
	atomic.AddInt64(&d.active, -1)
	atomic.AddInt64(&d.bytesReceived, c.received)
	if c.header != nil {
		d.headers.Put(c.header)
	}
	if c.reserved {
		d.barrier.jobDone()
	}
	c.reset()
	return evReset
}

// release gives back a reservation that was never dispatched.
func (d *dispatcher) release(c *connection) {
	if c.reserved {
		c.reserved = false
		d.barrier.jobDone()
	}
}

// abandon releases whatever a slot still holds when it stops abnormally.
func (d *dispatcher) abandon(c *connection) {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.header != nil {
		d.headers.Put(c.header)
	}
	c.conn, c.header = nil, nil
}

func (d *dispatcher) recordStatus(code int) {
	var counter *uint64
	switch code / 100 {
	case 1:
		counter = &d.req1xx
	case 2:
		counter = &d.req2xx
	case 3:
		counter = &d.req3xx
	case 4:
		counter = &d.req4xx
	case 5:
		counter = &d.req5xx
	default:
		counter = &d.others
	}
	atomic.AddUint64(counter, 1)
}

// parseStatusLine parses "HTTP/<version> <code> <reason>". The version
// is at most three characters and must be a number.
func parseStatusLine(line []byte) (statusLine, error) {
	const prefix = "HTTP/"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return statusLine{}, errBadStatusLine
	}
	rest := line[len(prefix):]
	sp := bytes.IndexByte(rest, ' ')
	if sp <= 0 || sp > 3 {
		return statusLine{}, errBadStatusLine
	}
	version, err := strconv.ParseFloat(string(rest[:sp]), 64)
	if err != nil {
		return statusLine{}, errBadStatusLine
	}
	rest = bytes.TrimLeft(rest[sp:], " ")
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return statusLine{}, errBadStatusLine
	}
	code, err := strconv.Atoi(string(rest[:digits]))
	if err != nil {
		return statusLine{}, errBadStatusLine
	}
	return statusLine{
		version: version,
		code:    code,
		reason:  string(bytes.TrimLeft(rest[digits:], " ")),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
