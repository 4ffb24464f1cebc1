package main

import (
	"errors"
	"sort"
	"time"
)

const (
	decBase = 10

	rateLimitInterval = 10 * time.Millisecond
	oneSecond         = 1 * time.Second

	// headerBufSize bounds the bytes read while looking for the status
	// line terminator.
	headerBufSize = 8192
	bodyBufSize   = 32 * 1024

	exhaustionCooldown = 50 * time.Millisecond
)

// Exit statuses, one per fatal category.
const (
	exitFailure       = 1
	exitPoolAlloc     = 2
	exitAddressFamily = 3
	exitResolve       = 4
	exitInternal      = 5
)

var (
	version = "unspecified"

	emptyConf = config{}
	parser    = newKingpinParser()

	defaultNumberOfConns    = uint64(1)
	defaultNumberOfReqs     = uint64(1)
	defaultMaxConnectErrors = int64(10)
	defaultMethod           = "GET"

	httpMethods = []string{
		"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS",
		"PATCH",
	}

	errNoURLs               = errors.New("at least one URL required")
	errInvalidNumberOfConns = errors.New(
		"invalid concurrency(must be > 0)")
	errInvalidNumberOfRequests = errors.New(
		"invalid number of requests(must be > 0)")
	errNegativeTimeout = errors.New(
		"connect timeout can't be negative")
	errZeroRate = errors.New(
		"rate can't be less than 1")
	errInvalidConnectTarget = errors.New("invalid connect target")
	errUnknownFormat        = errors.New("unknown output format")

	errInvalidHeaderFormat = errors.New("invalid header format")
	errEmptyPrintSpec      = errors.New(
		"empty print spec is not a valid print spec")

	errPoolAlloc = errors.New("unable to allocate connection pool")
)

func init() {
	sort.Strings(httpMethods)
}

// exitCodeFor maps a fatal startup error to its exit status.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errUnsupportedAddressFamily):
		return exitAddressFamily
	case errors.Is(err, errURIParse),
		errors.Is(err, errNoAddresses),
		errors.Is(err, errResolve):
		return exitResolve
	case errors.Is(err, errPoolAlloc):
		return exitPoolAlloc
	case errors.Is(err, errInvalidTransition):
		return exitInternal
	}
	return exitFailure
}
