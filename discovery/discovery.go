// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package discovery finds routers on the local network using multicast DNS
// service discovery.
//
// A router advertises the service [DefaultService] in the domain "local.".
// If its TXT record has a field "name=<routername>", that name is attached to
// the discovered address so the channel can verify which router it reached.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

// DefaultService is the DNS-SD service type of routers.
const DefaultService = "_gdp._tcp"

// MDNS discovers routers by multicast DNS. The zero value queries for
// [DefaultService] in the "local." domain with a one second timeout.
type MDNS struct {
	Service   string
	Domain    string
	Timeout   time.Duration
	Interface string // if set, query only this interface
	IPv6      bool   // also query over IPv6

	Logger zerolog.Logger

	// query, if set, replaces mdns.Query. It is used by tests.
	query func(*mdns.QueryParam) error
}

// Discover runs a single query and reports the addresses found, in the
// address syntax accepted by a channel router list.
func (m MDNS) Discover(ctx context.Context) ([]string, error) {
	params := &mdns.QueryParam{
		Service:     valueOr(m.Service, DefaultService),
		Domain:      valueOr(m.Domain, "local"),
		Timeout:     m.Timeout,
		DisableIPv6: !m.IPv6,
	}
	if params.Timeout <= 0 {
		params.Timeout = time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		params.Timeout = min(params.Timeout, time.Until(dl))
	}
	if m.Interface != "" {
		iface, err := net.InterfaceByName(m.Interface)
		if err != nil {
			return nil, fmt.Errorf("discovery interface: %w", err)
		}
		params.Interface = iface
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	params.Entries = entries

	found := make(chan []string, 1)
	go func() {
		var addrs []string
		seen := make(map[string]bool)
		for e := range entries {
			if a := entryAddr(e); a != "" && !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
			}
		}
		found <- addrs
	}()

	query := m.query
	if query == nil {
		query = mdns.Query
	}
	err := query(params)
	close(entries)
	addrs := <-found
	if err != nil {
		m.Logger.Debug().Err(err).Str("service", params.Service).Msg("mdns query failed")
		return addrs, fmt.Errorf("discovery query: %w", err)
	}
	m.Logger.Debug().Strs("routers", addrs).Msg("mdns query complete")
	return addrs, nil
}

// entryAddr renders e as a router address, or "" if e has no usable address.
func entryAddr(e *mdns.ServiceEntry) string {
	if e == nil || e.Port <= 0 {
		return ""
	}
	var host string
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = "[" + e.AddrV6.String() + "]"
	default:
		return ""
	}
	addr := host + ":" + strconv.Itoa(e.Port)
	for _, f := range e.InfoFields {
		if rname, ok := strings.CutPrefix(f, "name="); ok && rname != "" {
			addr += "/" + rname
			break
		}
	}
	return addr
}

func valueOr(s, dflt string) string {
	if s == "" {
		return dflt
	}
	return s
}
