// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/creachadair/gdp/name"
)

// ErrBadAddress is reported for a router address that cannot be parsed.
var ErrBadAddress = errors.New("invalid router address")

// An Addr is one parsed router address, host[:port][/routername].
type Addr struct {
	Host   string    // without IPv6 brackets
	Port   int       // defaulted if omitted
	Name   string    // the router name as written, or ""
	Router name.Name // the internal router name, zero if Name == ""
}

// HostPort returns the dialable host:port form of a.
func (a Addr) HostPort() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// String returns a in the syntax accepted by ParseAddr.
func (a Addr) String() string {
	if a.Name == "" {
		return a.HostPort()
	}
	return a.HostPort() + "/" + a.Name
}

// ParseAddr parses a single router address. A literal IPv6 host must be
// enclosed in brackets. If the port is omitted, defaultPort is used.
//
// The optional router name may be a printable internal name or a
// human-oriented name, which is hashed (see [name.Resolve]).
func ParseAddr(s string, defaultPort int) (Addr, error) {
	entry := strings.TrimSpace(s)
	bad := func(msg string) (Addr, error) {
		return Addr{}, fmt.Errorf("%w %q: %s", ErrBadAddress, s, msg)
	}

	var host, rest string
	if strings.HasPrefix(entry, "[") {
		i := strings.IndexByte(entry, ']')
		if i < 0 {
			return bad("missing close bracket")
		}
		host, rest = entry[1:i], entry[i+1:]
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return bad("not an IPv6 literal")
		}
	} else {
		i := strings.IndexAny(entry, ":/")
		if i < 0 {
			i = len(entry)
		}
		host, rest = entry[:i], entry[i:]
	}
	if host == "" {
		return bad("missing host")
	}

	port := defaultPort
	if prest, ok := strings.CutPrefix(rest, ":"); ok {
		ps, _, _ := strings.Cut(prest, "/")
		p, err := strconv.Atoi(ps)
		if err != nil || p <= 0 || p > 65535 {
			return bad("invalid port")
		}
		port = p
		rest = rest[1+len(ps):]
	}

	a := Addr{Host: host, Port: port}
	if rname, ok := strings.CutPrefix(rest, "/"); ok {
		if rname == "" {
			return bad("empty router name")
		}
		a.Name = rname
		a.Router = name.Resolve(rname)
	} else if rest != "" {
		return bad("unexpected " + strconv.Quote(rest))
	}
	return a, nil
}

// ParseAddrList parses a semicolon-separated list of router addresses.
// Empty elements are ignored.
func ParseAddrList(s string, defaultPort int) ([]Addr, error) {
	var out []Addr
	for entry := range strings.SplitSeq(s, ";") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		a, err := ParseAddr(entry, defaultPort)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
