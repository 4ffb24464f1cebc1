package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/abannert/plethora/internal"
)

var (
	errUnsupportedAddressFamily = errors.New("unsupported address family")
	errNoAddresses              = errors.New("no addresses found")
	errResolve                  = errors.New("error resolving host")
	errCeilingExceeded          = errors.New("exceeded maximum connect errors")
)

type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// destination is one configured URL together with its resolved address
// and pre-rendered request. Only the counters and the accumulator change
// after construction.
type destination struct {
	url      string
	endpoint *endpoint
	addr     *net.TCPAddr
	request  []byte

	errors   int64
	connects int64
	reported int32

	acc *accumulator
}

func (d *destination) errorCount() int64 {
	return atomic.LoadInt64(&d.errors)
}

func (d *destination) connectCount() int64 {
	return atomic.LoadInt64(&d.connects)
}

func (d *destination) addError() {
	atomic.AddInt64(&d.errors, 1)
}

type connectOutcome int

const (
	outcomeConnected connectOutcome = iota
	outcomeExhausted
	outcomeTimeout
	outcomeCeiling
	outcomeCancelled
	outcomeFailed
)

type balancerOpts struct {
	urls             []string
	connectHost      string
	connectPort      uint16
	method           string
	headers          *headersList
	maxConnectErrors int64

	resolver resolver
	dial     dialFunc
	log      logrus.FieldLogger
}

type balancer struct {
	destinations []*destination
	cursor       uint64
	maxErrors    int64

	dial dialFunc
	log  logrus.FieldLogger
}

func newBalancer(ctx context.Context, opts balancerOpts) (*balancer, error) {
	if len(opts.urls) == 0 {
		return nil, errNoURLs
	}
	if opts.resolver == nil {
		opts.resolver = net.DefaultResolver
	}
	if opts.headers == nil {
		opts.headers = new(headersList)
	}
	if opts.method == "" {
		opts.method = defaultMethod
	}
	if opts.log == nil {
		opts.log = logrus.StandardLogger()
	}
	b := &balancer{
		destinations: make([]*destination, 0, len(opts.urls)),
		maxErrors:    opts.maxConnectErrors,
		dial:         opts.dial,
		log:          opts.log,
	}
	for _, u := range opts.urls {
		d, err := newDestination(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		b.destinations = append(b.destinations, d)
	}
	return b, nil
}

func newDestination(
	ctx context.Context, rawURL string, opts balancerOpts,
) (*destination, error) {
	ep, err := parseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	host, port := ep.hostname, ep.port
	if opts.connectHost != "" {
		host = opts.connectHost
		if opts.connectPort != 0 {
			port = opts.connectPort
		}
	}
	ip, err := resolveIPv4(ctx, opts.resolver, host)
	if err != nil {
		return nil, err
	}
	d := &destination{
		url:      rawURL,
		endpoint: ep,
		addr:     &net.TCPAddr{IP: ip, Port: int(port)},
		request:  renderRequest(opts.method, ep, *opts.headers),
		acc:      newAccumulator(),
	}
	opts.log.WithFields(logrus.Fields{
		"dest":    rawURL,
		"address": d.addr.String(),
		"bytes":   len(d.request),
	}).Debug("destination ready")
	return d, nil
}

// resolveIPv4 picks exactly one IPv4 address for host. Hosts that only
// have IPv6 addresses are rejected.
func resolveIPv4(ctx context.Context, r resolver, host string) (net.IP, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", errResolve)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%w: %s", errUnsupportedAddressFamily, host)
	}
	ips, err := r.LookupIP(ctx, "ip4", host)
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	if v6, v6err := r.LookupIP(ctx, "ip6", host); v6err == nil && len(v6) > 0 {
		return nil, fmt.Errorf("%w: %s", errUnsupportedAddressFamily, host)
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", errResolve, host, err)
	}
	return nil, fmt.Errorf("%w for %s", errNoAddresses, host)
}

func renderRequest(method string, ep *endpoint, headers headersList) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteString(method)
	bb.WriteByte(' ')
	bb.WriteString(ep.resource())
	bb.WriteString(" HTTP/1.1\r\n")
	for _, h := range headers {
		if h.disabled {
			continue
		}
		bb.WriteString(h.key)
		bb.WriteString(": ")
		bb.WriteString(h.value)
		bb.WriteString("\r\n")
	}
	if _, ok := headers.get("Host"); !ok {
		bb.WriteString("Host: ")
		bb.WriteString(ep.hostname)
		bb.WriteString("\r\n")
	}
	bb.WriteString("\r\n")

	return append([]byte(nil), bb.B...)
}

// next returns destinations in strict round-robin order.
func (b *balancer) next() *destination {
	n := atomic.AddUint64(&b.cursor, 1) - 1
	return b.destinations[n%uint64(len(b.destinations))]
}

// connect dials d, retrying refused, unreachable and interrupted attempts
// until the destination's error ceiling is reached.
func (b *balancer) connect(
	ctx context.Context, d *destination,
) (net.Conn, connectOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, outcomeCancelled, err
		}
		if n := d.errorCount(); b.maxErrors >= 0 && n >= b.maxErrors {
			if atomic.CompareAndSwapInt32(&d.reported, 0, 1) {
				b.log.WithFields(logrus.Fields{
					"dest":   d.url,
					"errors": n,
				}).Error("exceeded maximum connect errors for host")
			}
			return nil, outcomeCeiling, fmt.Errorf("%w for host %s:%d",
				errCeilingExceeded, d.endpoint.hostname, d.endpoint.port)
		}
		conn, err := b.dial(ctx, "tcp4", d.addr.String())
		if err == nil {
			atomic.AddInt64(&d.connects, 1)
			return conn, outcomeConnected, nil
		}
		if ctx.Err() != nil {
			return nil, outcomeCancelled, ctx.Err()
		}
		switch {
		case errors.Is(err, syscall.EINTR),
			errors.Is(err, syscall.ECONNREFUSED),
			errors.Is(err, syscall.ENETUNREACH):
			d.addError()
			b.log.WithFields(logrus.Fields{
				"dest":  d.url,
				"error": err,
			}).Debug("connect failed, retrying")
			continue
		case errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EADDRNOTAVAIL):
			return nil, outcomeExhausted, err
		case isTimeout(err):
			return nil, outcomeTimeout, err
		}
		return nil, outcomeFailed, err
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (b *balancer) start(now time.Time) {
	for _, d := range b.destinations {
		d.acc.start(now)
	}
}

func (b *balancer) finish(now time.Time) {
	for _, d := range b.destinations {
		d.acc.finish(now)
	}
}

func (b *balancer) results(now time.Time) []internal.DestinationResult {
	res := make([]internal.DestinationResult, 0, len(b.destinations))
	for _, d := range b.destinations {
		res = append(res, internal.DestinationResult{
			URL:      d.url,
			Address:  d.addr.String(),
			Connects: d.connectCount(),
			Errors:   d.errorCount(),
			Stats:    d.acc.snapshot(now),
		})
	}
	return res
}
