/*
Command line utility plethora is a connection-per-request HTTP load
generator. Every request opens a fresh TCP connection, sends a
pre-rendered HTTP/1.1 request, reads the response until the server
closes the connection and records how long each phase took: connect,
write, first byte, read and close. Requests are spread over the given
URLs in strict round-robin order.

Installation:

	go install github.com/abannert/plethora@latest

Usage:

	plethora [<flags>] [<url>...]

Flags:

	    --help                  Show context-sensitive help (also try --help-long
	                            and --help-man).
	    --version               Show application version.
	-C, --connect=host[:port]   Send every request to host[:port] instead of
	                            the URL's own host
	-c, --concurrency=1         Number of concurrently open connections
	-n, --requests=1            Total number of requests
	-M, --max-connect-errors=10
	                            Connect errors tolerated per destination,
	                            negative disables the limit
	-H, --header="K: V" ...     HTTP header "Name: value", a bare "Name"
	                            disables it (can be repeated)
	    --half-close            Shut down the writing side after sending the
	                            request (use --no-half-close to disable)
	-m, --method=GET            Request method
	-r, --rate=[pos. int.]      Rate limit in requests per second
	    --connect-timeout=[duration]
	                            Give up connecting after this long
	-l, --latencies             Print latency percentiles
	-p, --print=<spec>          Specifies what to output. Comma-separated list of
	                            values 'intro' (short: 'i'), 'progress' (short:
	                            'p'), 'result' (short: 'r')
	-q, --no-print              Don't output anything
	-o, --format=<spec>         Which format to use to output the result.
	                            Either 'plain-text' (short: 'pt'), 'json'
	                            (short: 'j') or 'path:<file>' for a
	                            user-defined template
	-v, --verbose ...           Increase log verbosity (can be repeated)
	-f, --config=<file>         YAML profile to read settings from

Args:

	[<url>]  Destination URLs

Profiles:

A profile given with --config is a YAML document using the long flag
names as keys, plus "urls" and "headers" lists:

	urls:
	  - http://backend-1.example.com/health
	  - http://backend-2.example.com/health
	concurrency: 50
	requests: 10000
	headers:
	  - "Accept"
	  - "X-Probe: plethora"
	connect-timeout: 2s

Profile URLs and headers come before the ones given on the command
line. For every other setting the command line wins over the profile,
and the profile wins over the default.

Exit status:

	0  the run finished
	1  invalid arguments or output failure
	2  the connection pool couldn't be allocated
	3  a destination only resolves to IPv6 addresses
	4  a URL couldn't be parsed or resolved
	5  internal error

For user-defined templates see the documentation of package
github.com/abannert/plethora/template.
*/
package main
