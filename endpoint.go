package main

import (
	"errors"
	"strconv"
	"strings"

	"github.com/goware/urlx"
)

var (
	errURIParse      = errors.New("error parsing URI")
	errMissingScheme = errors.New("missing scheme")
	errInvalidPort   = errors.New("invalid port")
)

// schemePorts maps a scheme to the port used when a URL omits one.
// Schemes missing from the table default to port 0.
var schemePorts = map[string]uint16{
	"http":     80,
	"ftp":      21,
	"https":    443,
	"gopher":   70,
	"ldap":     389,
	"nntp":     119,
	"snews":    563,
	"imap":     143,
	"pop":      110,
	"sip":      5060,
	"rtsp":     554,
	"wais":     210,
	"z39.50r":  210,
	"z39.50s":  210,
	"prospero": 191,
	"nfs":      2049,
	"tip":      3372,
	"acap":     674,
	"telnet":   23,
	"ssh":      22,
}

func portOfScheme(scheme string) uint16 {
	return schemePorts[strings.ToLower(scheme)]
}

type uriParseError struct {
	uri string
	err error
}

func (e *uriParseError) Error() string {
	return "error parsing URI " + e.uri + ": " + e.err.Error()
}

func (e *uriParseError) Is(target error) bool {
	return target == errURIParse
}

func (e *uriParseError) Unwrap() error {
	return e.err
}

// endpoint is a structured view of a destination URL. Bare paths
// leave scheme, credentials and host empty.
type endpoint struct {
	scheme   string
	user     string
	password string
	hostname string
	port     uint16
	path     string
	query    string
	fragment string
}

func parseEndpoint(raw string) (*endpoint, error) {
	if strings.HasPrefix(raw, "/") {
		ep := new(endpoint)
		ep.path, ep.query, ep.fragment = splitResource(raw)
		return ep, nil
	}

	i := strings.Index(raw, "://")
	if i <= 0 || strings.ContainsAny(raw[:i], "/?#") {
		return nil, &uriParseError{raw, errMissingScheme}
	}
	u, err := urlx.Parse(raw)
	if err != nil {
		return nil, &uriParseError{raw, err}
	}
	host, port, err := urlx.SplitHostPort(u)
	if err != nil {
		return nil, &uriParseError{raw, err}
	}

	ep := &endpoint{
		scheme:   u.Scheme,
		hostname: strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"),
		path:     u.EscapedPath(),
		query:    u.RawQuery,
		fragment: u.EscapedFragment(),
	}
	if u.User != nil {
		ep.user = u.User.Username()
		ep.password, _ = u.User.Password()
	}
	if port == "" {
		ep.port = portOfScheme(ep.scheme)
	} else {
		p, perr := strconv.ParseUint(port, decBase, 16)
		if perr != nil {
			return nil, &uriParseError{raw, errInvalidPort}
		}
		ep.port = uint16(p)
	}
	return ep, nil
}

// splitResource breaks a path-only reference into path, query and
// fragment. A '#' seen before any '?' starts the fragment.
func splitResource(s string) (path, query, fragment string) {
	i := strings.IndexAny(s, "?#")
	if i < 0 {
		return s, "", ""
	}
	path = s[:i]
	if s[i] == '#' {
		return path, "", s[i+1:]
	}
	rest := s[i+1:]
	if j := strings.IndexByte(rest, '#'); j >= 0 {
		return path, rest[:j], rest[j+1:]
	}
	return path, rest, ""
}

// resource renders the request target: the path (or "/") followed by the
// optional query and fragment.
func (e *endpoint) resource() string {
	var sb strings.Builder
	if e.path == "" {
		sb.WriteByte('/')
	} else {
		sb.WriteString(e.path)
	}
	if e.query != "" {
		sb.WriteByte('?')
		sb.WriteString(e.query)
	}
	if e.fragment != "" {
		sb.WriteByte('#')
		sb.WriteString(e.fragment)
	}
	return sb.String()
}
