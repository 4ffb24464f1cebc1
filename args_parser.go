package main

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin"
)

type argsParser interface {
	parse([]string) (config, error)
}

type kingpinParser struct {
	app *kingpin.Application

	urls    []string
	headers []string

	connect          *nullableString
	numConns         *nullableUint64
	numReqs          *nullableUint64
	maxConnectErrors *nullableInt64
	halfClose        *nullableBool
	method           *nullableString
	rate             *nullableUint64
	connectTimeout   *nullableDuration

	latencies   bool
	printSpec   *nullableString
	noPrint     bool
	formatSpec  string
	verbosity   int
	profilePath string
}

func newKingpinParser() argsParser {
	kparser := &kingpinParser{
		connect:          new(nullableString),
		numConns:         new(nullableUint64),
		numReqs:          new(nullableUint64),
		maxConnectErrors: new(nullableInt64),
		halfClose:        new(nullableBool),
		method:           new(nullableString),
		rate:             new(nullableUint64),
		connectTimeout:   new(nullableDuration),
		printSpec:        new(nullableString),
		formatSpec:       "plain-text",
	}

	app := kingpin.New("", "Connection-per-request HTTP load generator").
		Version("plethora version " + version + " " + runtime.GOOS + "/" +
			runtime.GOARCH)
	app.Flag("connect", "Send every request to host[:port] instead of "+
		"the URL's own host").
		PlaceHolder("host[:port]").
		Short('C').
		SetValue(kparser.connect)
	app.Flag("concurrency", "Number of concurrently open connections").
		PlaceHolder(strconv.FormatUint(defaultNumberOfConns, decBase)).
		Short('c').
		SetValue(kparser.numConns)
	app.Flag("requests", "Total number of requests").
		PlaceHolder(strconv.FormatUint(defaultNumberOfReqs, decBase)).
		Short('n').
		SetValue(kparser.numReqs)
	app.Flag("max-connect-errors", "Connect errors tolerated per "+
		"destination, negative disables the limit").
		PlaceHolder(strconv.FormatInt(defaultMaxConnectErrors, decBase)).
		Short('M').
		SetValue(kparser.maxConnectErrors)
	app.Flag("header", "HTTP header \"Name: value\", a bare \"Name\" "+
		"disables it (can be repeated)").
		PlaceHolder("\"K: V\"").
		Short('H').
		StringsVar(&kparser.headers)
	app.Flag("half-close", "Shut down the writing side after sending "+
		"the request (use --no-half-close to disable)").
		SetValue(kparser.halfClose)
	app.Flag("method", "Request method").
		PlaceHolder(defaultMethod).
		Short('m').
		SetValue(kparser.method)
	app.Flag("rate", "Rate limit in requests per second").
		PlaceHolder("[pos. int.]").
		Short('r').
		SetValue(kparser.rate)
	app.Flag("connect-timeout", "Give up connecting after this long").
		PlaceHolder("[duration]").
		SetValue(kparser.connectTimeout)
	app.Flag("latencies", "Print latency percentiles").
		Short('l').
		BoolVar(&kparser.latencies)
	app.Flag("print", "Specifies what to output. Comma-separated list of "+
		"values 'intro' (short: 'i'), 'progress' (short: 'p'), "+
		"'result' (short: 'r')").
		PlaceHolder("<spec>").
		Short('p').
		SetValue(kparser.printSpec)
	app.Flag("no-print", "Don't output anything").
		Short('q').
		BoolVar(&kparser.noPrint)
	app.Flag("format", "Which format to use to output the result. "+
		"Either 'plain-text' (short: 'pt'), 'json' (short: 'j') or "+
		"'path:<file>' for a user-defined template").
		PlaceHolder("<spec>").
		Short('o').
		StringVar(&kparser.formatSpec)
	app.Flag("verbose", "Increase log verbosity (can be repeated)").
		Short('v').
		CounterVar(&kparser.verbosity)
	app.Flag("config", "YAML profile to read settings from").
		PlaceHolder("<file>").
		Short('f').
		StringVar(&kparser.profilePath)

	app.Arg("url", "Destination URLs").
		StringsVar(&kparser.urls)

	kparser.app = app
	return argsParser(kparser)
}

func (k *kingpinParser) parse(args []string) (config, error) {
	k.app.Name = args[0]
	_, err := k.app.Parse(args[1:])
	if err != nil {
		return emptyConf, err
	}

	prof := new(profile)
	if k.profilePath != "" {
		if prof, err = loadProfile(k.profilePath); err != nil {
			return emptyConf, err
		}
	}

	headers := defaultHeaders()
	for _, raw := range append(append([]string{}, prof.Headers...), k.headers...) {
		if err := headers.Set(raw); err != nil {
			return emptyConf, fmt.Errorf("%w: %q", err, raw)
		}
	}

	pi, pp, pr := true, true, true
	if k.printSpec.val != nil {
		pi, pp, pr, err = parsePrintSpec(*k.printSpec.val)
		if err != nil {
			return emptyConf, err
		}
	}
	if k.noPrint {
		pi, pp, pr = false, false, false
	}

	return config{
		urls:             append(append([]string{}, prof.URLs...), k.urls...),
		connect:          pick(k.connect.val, prof.Connect, ""),
		numConns:         pick(k.numConns.val, prof.Concurrency, defaultNumberOfConns),
		numReqs:          pick(k.numReqs.val, prof.Requests, defaultNumberOfReqs),
		maxConnectErrors: pick(k.maxConnectErrors.val, prof.MaxConnectErrors, defaultMaxConnectErrors),
		headers:          headers,
		halfClose:        pick(k.halfClose.val, prof.HalfClose, true),
		method:           pick(k.method.val, prof.Method, defaultMethod),
		rate:             pickPtr(k.rate.val, prof.Rate),
		connectTimeout:   pick(k.connectTimeout.val, prof.ConnectTimeout, 0),
		printLatencies:   k.latencies,
		printIntro:       pi,
		printProgress:    pp,
		printResult:      pr,
		format:           formatFromString(k.formatSpec),
		verbosity:        k.verbosity,
		profilePath:      k.profilePath,
	}, nil
}

// pick returns the command-line value if set, then the profile value,
// then def.
func pick[T any](cli, prof *T, def T) T {
	if cli != nil {
		return *cli
	}
	if prof != nil {
		return *prof
	}
	return def
}

func pickPtr[T any](cli, prof *T) *T {
	if cli != nil {
		return cli
	}
	return prof
}

func parsePrintSpec(spec string) (bool, bool, bool, error) {
	pi, pp, pr := false, false, false
	if spec == "" {
		return false, false, false, errEmptyPrintSpec
	}
	for _, p := range strings.Split(spec, ",") {
		switch strings.TrimSpace(p) {
		case "i", "intro":
			pi = true
		case "p", "progress":
			pp = true
		case "r", "result":
			pr = true
		default:
			return false, false, false,
				fmt.Errorf("%q is not a valid part of print spec", p)
		}
	}
	return pi, pp, pr, nil
}
