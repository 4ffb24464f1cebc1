package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

type config struct {
	urls             []string
	connect          string
	numConns         uint64
	numReqs          uint64
	maxConnectErrors int64
	headers          *headersList
	halfClose        bool
	method           string
	rate             *uint64
	connectTimeout   time.Duration

	printLatencies bool
	printIntro     bool
	printProgress  bool
	printResult    bool
	format         format
	verbosity      int
	profilePath    string

	// Set by checkArgs from connect.
	connectHost string
	connectPort uint16
}

type invalidHTTPMethodError struct {
	method string
}

func (i *invalidHTTPMethodError) Error() string {
	return fmt.Sprintf("unknown HTTP method: %v", i.method)
}

func (c *config) checkArgs() error {
	if len(c.urls) == 0 {
		return errNoURLs
	}
	if c.numConns < 1 {
		return errInvalidNumberOfConns
	}
	if c.numReqs < 1 {
		return errInvalidNumberOfRequests
	}
	if !allowedHTTPMethod(c.method) {
		return &invalidHTTPMethodError{method: c.method}
	}
	if c.rate != nil && *c.rate < 1 {
		return errZeroRate
	}
	if c.connectTimeout < 0 {
		return errNegativeTimeout
	}
	if c.format == nil {
		return errUnknownFormat
	}
	if c.connect != "" {
		host, port, err := parseConnectTarget(c.connect)
		if err != nil {
			return err
		}
		c.connectHost, c.connectPort = host, port
	}
	if c.headers == nil {
		c.headers = defaultHeaders()
	}
	return nil
}

// parseConnectTarget splits a "host[:port]" override. A zero port keeps
// each destination's own port.
func parseConnectTarget(target string) (string, uint16, error) {
	host, port := target, ""
	if h, p, err := net.SplitHostPort(target); err == nil {
		host, port = h, p
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q", errInvalidConnectTarget, target)
	}
	if port == "" {
		return host, 0, nil
	}
	n, err := strconv.ParseUint(port, decBase, 16)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("%w: %q", errInvalidConnectTarget, target)
	}
	return host, uint16(n), nil
}

func allowedHTTPMethod(method string) bool {
	i := sort.SearchStrings(httpMethods, method)
	return i < len(httpMethods) && httpMethods[i] == method
}
