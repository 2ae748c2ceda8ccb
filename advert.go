// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import (
	"context"
	"fmt"
	"net"

	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
)

// DefaultTTL is the hop limit of control PDUs sent by a channel.
const DefaultTTL = 15

// Advertise adds names to the set served by c and announces them to the
// router. Served names are announced again on every reconnection.
//
// If c is not connected, or an announcement fails, Advertise reports an error
// and c records that an advertisement is pending. A later call to Advertise,
// or the next reconnection, retries all served names.
func (c *Channel) Advertise(names ...name.Name) error {
	c.μ.Lock()
	c.served.Add(names...)
	conn, router := c.conn, c.addr.Router
	ok := c.state == StateConnected && conn != nil
	if c.pending {
		names = c.servedLocked()
	}
	c.pending = true
	c.μ.Unlock()

	if !ok {
		return ErrChannelDead
	}
	if err := c.sendControl(conn, pdu.Advertise, router, names); err != nil {
		return err
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn == conn {
		c.pending = false
	}
	return nil
}

// Withdraw removes names from the set served by c and retracts them from the
// router. The names are removed even if c is not connected, in which case
// Withdraw reports ErrChannelDead.
func (c *Channel) Withdraw(names ...name.Name) error {
	c.μ.Lock()
	c.served.Remove(names...)
	conn, router := c.conn, c.addr.Router
	ok := c.state == StateConnected && conn != nil
	c.μ.Unlock()

	if !ok {
		return ErrChannelDead
	}
	return c.sendControl(conn, pdu.Withdraw, router, names)
}

// Served reports the names currently served by c, in no particular order.
func (c *Channel) Served() []name.Name {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.servedLocked()
}

// AdvertisePending reports whether an advertisement by c has not yet been
// delivered to a router.
func (c *Channel) AdvertisePending() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.pending
}

func (c *Channel) servedLocked() []name.Name {
	out := make([]name.Name, 0, len(c.served))
	for n := range c.served {
		out = append(out, n)
	}
	return out
}

// sendControl sends one control PDU of type t for each name. A write failure
// hands conn to the reconnect path.
func (c *Channel) sendControl(conn net.Conn, t pdu.Type, router name.Name, names []name.Name) error {
	for _, n := range names {
		p := &pdu.PDU{Header: pdu.Header{Type: t, TTL: DefaultTTL, Dst: router, Src: n}}
		buf, err := p.Encode()
		if err != nil {
			return err
		}
		if err := c.write(conn, buf); err != nil {
			c.fail(conn, err)
			return fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
	}
	return nil
}

// advertiseAll announces every served name on a new connection, then runs
// the advertisement hook. Errors writing to conn are returned. An error from
// the hook leaves the advertisement pending.
func (c *Channel) advertiseAll(ctx context.Context, conn net.Conn) error {
	c.μ.Lock()
	names, router := c.servedLocked(), c.addr.Router
	c.μ.Unlock()

	for _, n := range names {
		p := &pdu.PDU{Header: pdu.Header{Type: pdu.Advertise, TTL: DefaultTTL, Dst: router, Src: n}}
		buf, err := p.Encode()
		if err != nil {
			return err
		}
		if err := c.write(conn, buf); err != nil {
			return err
		}
	}

	pending := false
	if c.opts.OnAdvertise != nil {
		s := &connSender{c: c, conn: conn}
		err := c.opts.OnAdvertise(ctx, s)
		if s.err != nil {
			return s.err
		} else if err != nil {
			c.log.Warn().Err(err).Msg("advertise hook failed")
			pending = true
		}
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.pending = pending
	return nil
}

// connSender sends PDUs directly to a connection that is not yet admitted
// for application traffic.
type connSender struct {
	c    *Channel
	conn net.Conn
	err  error // the first write error, if any
}

func (s *connSender) Send(p *pdu.PDU) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.c.write(s.conn, buf); err != nil {
		if s.err == nil {
			s.err = err
		}
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}
