package main

import (
	"strings"
)

type header struct {
	key, value string
	disabled   bool
}

func (h header) String() string {
	if h.disabled {
		return h.key + " (DISABLED)"
	}
	return h.key + ": " + h.value
}

// headersList is an ordered list of request headers. Names are unique
// (case-insensitively); setting a name again replaces it in place.
type headersList []header

func defaultHeaders() *headersList {
	return &headersList{
		{key: "User-Agent", value: "plethora/" + version},
		{key: "Accept", value: "*/*"},
		{key: "Pragma", value: "no-cache"},
		{key: "Connection", value: "close"},
	}
}

func (h *headersList) String() string {
	parts := make([]string, 0, len(*h))
	for _, hdr := range *h {
		parts = append(parts, hdr.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (h *headersList) IsCumulative() bool {
	return true
}

// Set parses "Name: value" into an enabled header and a bare "Name" into
// a disabled one.
func (h *headersList) Set(value string) error {
	name, val, found := strings.Cut(value, ":")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\r\n") ||
		strings.ContainsAny(val, "\r\n") {
		return errInvalidHeaderFormat
	}
	if !found {
		h.put(header{key: name, disabled: true})
		return nil
	}
	h.put(header{key: name, value: strings.Trim(val, " ")})
	return nil
}

func (h *headersList) put(nh header) {
	for i := range *h {
		if strings.EqualFold((*h)[i].key, nh.key) {
			(*h)[i] = nh
			return
		}
	}
	*h = append(*h, nh)
}

func (h headersList) get(name string) (header, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.key, name) {
			return hdr, true
		}
	}
	return header{}, false
}
