package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/cheggaaa/pb"
	fhist "github.com/codesenberg/concurrent/float64/histogram"
	uhist "github.com/codesenberg/concurrent/uint64/histogram"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/abannert/plethora/internal"
)

type plethora struct {
	bytesRead, bytesWritten int64

	conf  config
	runID uuid.UUID
	log   *logrus.Logger

	balancer   *balancer
	dispatcher *dispatcher
	barrier    completionBarrier
	global     *accumulator
	errors     *errorMap

	timeTaken time.Duration
	latencies *uhist.Histogram
	requests  *fhist.Histogram

	// RPS metrics, touched only by the rate meter.
	lastSample time.Time
	lastDone   uint64

	// Progress bar
	bar *pb.ProgressBar

	// Output
	out      io.Writer
	template *template.Template
}

type engineOpts struct {
	out, logOut io.Writer

	resolver resolver
	dial     dialFunc
	observe  transitionObserver
}

func newPlethora(ctx context.Context, c config, opts engineOpts) (*plethora, error) {
	if err := c.checkArgs(); err != nil {
		return nil, err
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	p := &plethora{
		conf:      c,
		runID:     uuid.NewV4(),
		log:       newLogger(opts.logOut, c.verbosity),
		global:    newAccumulator(),
		errors:    newErrorMap(),
		latencies: uhist.Default(),
		requests:  fhist.Default(),
	}
	if opts.dial == nil {
		opts.dial = countingDialFunc(&p.bytesRead, &p.bytesWritten, c.connectTimeout)
	}

	var err error
	p.balancer, err = newBalancer(ctx, balancerOpts{
		urls:             c.urls,
		connectHost:      c.connectHost,
		connectPort:      c.connectPort,
		method:           c.method,
		headers:          c.headers,
		maxConnectErrors: c.maxConnectErrors,
		resolver:         opts.resolver,
		dial:             opts.dial,
		log:              p.log.WithField("run", p.runID.String()),
	})
	if err != nil {
		return nil, err
	}

	p.barrier = newCountingCompletionBarrier(c.numReqs)
	p.dispatcher, err = newDispatcher(dispatcherOpts{
		concurrency: c.numConns,
		halfClose:   c.halfClose,
		balancer:    p.balancer,
		barrier:     p.barrier,
		limiter:     newLimiter(c.rate),
		global:      p.global,
		latencies:   p.latencies,
		errors:      p.errors,
		log:         p.log,
		observe:     opts.observe,
	})
	if err != nil {
		return nil, err
	}

	p.bar = pb.New64(int64(c.numReqs))
	p.bar.ShowSpeed = true
	p.bar.ManualUpdate = true
	p.redirectOutputTo(opts.out)
	switch {
	case !c.printIntro && !c.printProgress && !c.printResult:
		p.disableOutput()
	case !c.printProgress:
		p.bar.Output = io.Discard
		p.bar.NotPrint = true
	}

	p.template, err = newOutputTemplate(c.format, c.printLatencies)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *plethora) barUpdater(stop <-chan struct{}) {
	ticker := time.NewTicker(p.bar.RefreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			p.bar.Set64(p.bar.Total)
			p.bar.Update()
			p.bar.Finish()
			if p.conf.printProgress {
				fmt.Fprintln(p.out, "Done!")
			}
			return
		case <-ticker.C:
			p.bar.Set64(int64(p.barrier.completed() * float64(p.bar.Total)))
			p.bar.Update()
		}
	}
}

func (p *plethora) rateMeter(stop <-chan struct{}) {
	requestsInterval := 10 * time.Millisecond
	if p.conf.rate != nil {
		requestsInterval, _ = estimate(*p.conf.rate, rateLimitInterval)
	}
	requestsInterval += 10 * time.Millisecond
	ticker := time.NewTicker(requestsInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.recordRps(now)
		case <-stop:
			p.recordRps(time.Now())
			return
		}
	}
}

// recordRps samples the rate of finished requests since the previous
// sample.
func (p *plethora) recordRps(now time.Time) {
	done := atomic.LoadUint64(&p.dispatcher.completed) +
		atomic.LoadUint64(&p.dispatcher.failed)
	elapsed := now.Sub(p.lastSample)
	reqs := done - p.lastDone
	p.lastSample, p.lastDone = now, done
	if elapsed <= 0 {
		return
	}
	p.requests.Increment(float64(reqs) / elapsed.Seconds())
}

func (p *plethora) run(ctx context.Context) error {
	if p.conf.printIntro {
		p.printIntro()
	}
	p.bar.Start()

	begin := time.Now()
	p.lastSample = begin
	p.global.start(begin)
	p.balancer.start(begin)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.rateMeter(stop)
	}()
	go func() {
		defer wg.Done()
		p.barUpdater(stop)
	}()

	err := p.dispatcher.run(ctx)

	end := time.Now()
	p.timeTaken = end.Sub(begin)
	p.global.finish(end)
	p.balancer.finish(end)
	close(stop)
	wg.Wait()

	p.log.WithFields(logrus.Fields{
		"dispatched": atomic.LoadUint64(&p.dispatcher.dispatched),
		"completed":  atomic.LoadUint64(&p.dispatcher.completed),
		"failed":     atomic.LoadUint64(&p.dispatcher.failed),
		"elapsed":    p.timeTaken,
	}).Info("run finished")
	return err
}

func (p *plethora) printIntro() {
	fmt.Fprintf(p.out,
		"Sending %v request(s) to %v destination(s) using %v connection(s)\n",
		p.conf.numReqs, len(p.balancer.destinations), p.conf.numConns)
	if p.conf.verbosity < 1 {
		return
	}
	fmt.Fprintln(p.out, "  URLs:")
	for _, d := range p.balancer.destinations {
		fmt.Fprintf(p.out, "    %v -> %v\n", d.url, d.addr)
	}
	if p.conf.connect != "" {
		fmt.Fprintf(p.out, "  Connect: %v\n", p.conf.connect)
	}
	fmt.Fprintln(p.out, "  Headers:")
	for _, h := range *p.conf.headers {
		fmt.Fprintf(p.out, "    %v\n", h)
	}
	fmt.Fprintf(p.out,
		"  Concurrency: %v, requests: %v, max connect errors: %v, half-close: %v\n",
		p.conf.numConns, p.conf.numReqs, p.conf.maxConnectErrors,
		p.conf.halfClose)
}

func (p *plethora) gatherInfo() internal.TestInfo {
	now := time.Now()
	d := p.dispatcher
	info := internal.TestInfo{
		Spec: internal.Spec{
			Concurrency:      p.conf.numConns,
			NumberOfRequests: p.conf.numReqs,

			URLs:    p.conf.urls,
			Connect: p.conf.connect,
			Method:  p.conf.method,

			MaxConnectErrors: p.conf.maxConnectErrors,
			HalfClose:        p.conf.halfClose,
			ConnectTimeout:   p.conf.connectTimeout,

			Rate: p.conf.rate,
		},
		Result: internal.Results{
			RunID: p.runID.String(),

			BytesRead:     atomic.LoadInt64(&p.bytesRead),
			BytesWritten:  atomic.LoadInt64(&p.bytesWritten),
			BytesReceived: atomic.LoadInt64(&d.bytesReceived),
			TimeTaken:     p.timeTaken,

			Dispatched:           atomic.LoadUint64(&d.dispatched),
			Completed:            atomic.LoadUint64(&d.completed),
			Failed:               atomic.LoadUint64(&d.failed),
			ConcurrencyHighWater: atomic.LoadInt64(&d.highWater),

			Req1XX: atomic.LoadUint64(&d.req1xx),
			Req2XX: atomic.LoadUint64(&d.req2xx),
			Req3XX: atomic.LoadUint64(&d.req3xx),
			Req4XX: atomic.LoadUint64(&d.req4xx),
			Req5XX: atomic.LoadUint64(&d.req5xx),
			Others: atomic.LoadUint64(&d.others),

			Errors: p.errors.byFrequency(),

			Global:       p.global.snapshot(now),
			Destinations: p.balancer.results(now),

			Latencies: p.latencies,
			Requests:  p.requests,
		},
	}

	for _, h := range *p.conf.headers {
		info.Spec.Headers = append(info.Spec.Headers, internal.Header{
			Key:      h.key,
			Value:    h.value,
			Disabled: h.disabled,
		})
	}
	return info
}

func (p *plethora) printStats() error {
	return p.template.Execute(p.out, p.gatherInfo())
}

func (p *plethora) redirectOutputTo(out io.Writer) {
	p.bar.Output = out
	p.out = out
}

func (p *plethora) disableOutput() {
	p.redirectOutputTo(io.Discard)
	p.bar.NotPrint = true
}

func main() {
	cfg, err := parser.parse(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := newPlethora(ctx, cfg, engineOpts{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		p.barrier.cancel()
		cancel()
	}()
	if err := p.run(ctx); err != nil {
		p.log.WithError(err).Error("run aborted")
		os.Exit(exitCodeFor(err))
	}
	if p.conf.printResult {
		if err := p.printStats(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
	}
}
