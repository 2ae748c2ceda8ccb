// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/gdp/config"
	"github.com/creachadair/gdp/discovery"
	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
	"github.com/creachadair/gdp/transport"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	// ErrChannelDead is reported by an attempt to send on a channel that has
	// no live connection to a router.
	ErrChannelDead = errors.New("channel is not connected")

	// ErrWriteFailed is reported when the transport rejects a write.
	ErrWriteFailed = errors.New("write failed")

	// ErrNoRoute is reported when the router has no route to a destination.
	ErrNoRoute = errors.New("no route to destination")

	// ErrConnect is reported when no candidate router could be reached.
	ErrConnect = errors.New("unable to connect to a router")

	// ErrOpen is reported by Open on a channel that is already open.
	ErrOpen = errors.New("channel is already open")

	// ErrClosed is reported by operations on a closed channel.
	ErrClosed = errors.New("channel is closed")
)

// State is the connection state of a [Channel].
type State byte

const (
	StateUnconnected State = iota // Not yet opened
	StateConnecting               // Resolving and dialing a router
	StateConnected                // A router connection is live
	StateError                    // The connection failed; reconnecting
	StateClosing                  // Closed by the owner; terminal
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("STATE:%d", byte(s))
	}
}

// A Dialer opens transport connections to routers.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// A Discoverer reports router addresses found on the local network, in the
// syntax accepted by [ParseAddr].
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// A Sender sends PDUs on a connection.
type Sender interface {
	Send(*pdu.PDU) error
}

// Options are the settings for a [Channel].
type Options struct {
	// Routers is a semicolon-separated list of router addresses in the syntax
	// accepted by [ParseAddrList].
	Routers string

	// DefaultPort is the port used for addresses that omit one.
	// If zero, config.DefaultPort is used.
	DefaultPort int

	// Dialer opens router connections. If nil, a TCP dialer is used.
	Dialer Dialer

	// NagleDisable disables write batching on the default TCP dialer.
	NagleDisable bool

	// Discoverer, if set, is queried on each connection attempt and its
	// results are tried before Routers.
	Discoverer Discoverer

	// Retry governs reconnection after a transport failure. If Retry.Delay is
	// zero, the delay is config.DefaultReconnectDelay.
	Retry RetryPolicy

	// OnAdvertise, if set, is called after each successful connection, before
	// the channel becomes connected. The sender writes directly to the new
	// connection. An error from OnAdvertise marks an advertisement pending but
	// does not fail the connection.
	OnAdvertise func(ctx context.Context, s Sender) error

	// Logger, if set, receives log output. If nil, logs are discarded.
	Logger *zerolog.Logger
}

// OptionsFromConfig returns channel options for the settings in cfg.
func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		Routers:      cfg.RouterList,
		DefaultPort:  cfg.DefaultPort,
		NagleDisable: cfg.NagleDisable,
		Retry:        ConstantRetry(cfg.ReconnectDelay),
	}
	if cfg.DiscoveryEnabled {
		opts.Discoverer = discovery.MDNS{}
	}
	return opts
}

func (o Options) dialer() Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return transport.TCP{NoDelay: o.NagleDisable}
}

func (o Options) defaultPort() int {
	if o.DefaultPort > 0 {
		return o.DefaultPort
	}
	return config.DefaultPort
}

// A Channel maintains a connection to a router, delivers the PDUs it receives
// as events, and reconnects when the connection fails.
//
// A Channel is safe for concurrent use. It has exactly one owner, who should
// consume its events with Recv or Events and must call Close when the channel
// is no longer needed.
type Channel struct {
	opts   Options
	log    zerolog.Logger
	events *eventQueue
	tasks  *taskgroup.Group
	ctx    context.Context // ends when the channel closes
	cancel context.CancelFunc

	// Must hold the lock to write to the transport.
	out sync.Mutex

	μ       sync.Mutex
	cond    *sync.Cond            // broadcast on state changes
	state   State                 // current state
	conn    net.Conn              // non-nil while connected (and briefly while connecting)
	connID  string                // log identifier for conn
	addr    Addr                  // address of the connected router
	served  mapset.Set[name.Name] // names advertised on this channel
	pending bool                  // an advertisement has not been delivered
	running bool                  // the service goroutine is active
}

// NewChannel constructs a new unconnected channel. Call Open to connect it.
func NewChannel(opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:   opts,
		log:    zerolog.Nop(),
		events: newEventQueue(),
		tasks:  taskgroup.New(nil),
		ctx:    ctx,
		cancel: cancel,
		served: mapset.New[name.Name](),
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "channel").Logger()
	}
	if c.opts.Retry.Delay <= 0 {
		c.opts.Retry.Delay = config.DefaultReconnectDelay
	}
	c.cond = sync.NewCond(&c.μ)
	return c
}

// Dial constructs a new channel with the given options and opens it.
func Dial(ctx context.Context, opts Options) (*Channel, error) {
	c := NewChannel(opts)
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Metrics returns the metrics map shared by all channels.
func (c *Channel) Metrics() *expvar.Map { return channelMetrics.emap }

// Open connects c to the first reachable router and starts the service
// routine that receives PDUs and reconnects on failure. Open is valid in the
// unconnected state, or after reconnection has stopped.
//
// If no router can be reached, or the router list cannot be parsed, Open
// reports an error wrapping ErrConnect and c remains in its previous state.
func (c *Channel) Open(ctx context.Context) error {
	c.μ.Lock()
	running := c.running
	c.μ.Unlock()
	if running {
		return ErrOpen
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	_, err := c.establish(ctx)
	return err
}

// State reports the current state of c.
func (c *Channel) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Addr reports the address of the most recently connected router.
func (c *Channel) Addr() Addr {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.addr
}

// RouterName reports the name of the most recently connected router, or the
// zero name if its address did not include one.
func (c *Channel) RouterName() name.Name { return c.Addr().Router }

// WaitConnected blocks until c is connected, c is closed, or ctx ends.
func (c *Channel) WaitConnected(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.μ.Lock()
	defer c.μ.Unlock()
	for c.state != StateConnected {
		if c.state == StateClosing {
			return ErrClosed
		} else if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Send sends p to the connected router. Send reports ErrChannelDead if c has
// no live connection. If the write fails, the error wraps ErrWriteFailed and
// c begins reconnecting.
func (c *Channel) Send(p *pdu.PDU) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	c.μ.Lock()
	conn := c.conn
	ok := c.state == StateConnected && conn != nil
	c.μ.Unlock()
	if !ok {
		return ErrChannelDead
	}
	if err := c.write(conn, buf); err != nil {
		c.fail(conn, err)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Flush blocks until any writes in progress on c have completed.
func (c *Channel) Flush() { c.out.Lock(); c.out.Unlock() }

// Close closes c. Close waits for any write in progress, releases the
// transport, and stops the service routine. The final event delivered by c
// is EventClosing. After Close, the state of c is StateClosing permanently.
func (c *Channel) Close() error {
	c.μ.Lock()
	if c.state == StateClosing {
		c.μ.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateClosing)
	conn, id := c.conn, c.connID
	c.conn = nil
	c.μ.Unlock()

	c.cancel()
	var err error
	c.out.Lock()
	if conn != nil {
		if cerr := conn.Close(); !isClosedError(cerr) {
			err = cerr
		}
	}
	c.out.Unlock()
	err = multierr.Append(err, c.tasks.Wait())

	c.log.Debug().Str("conn", id).Msg("channel closed")
	c.events.push(Event{Kind: EventClosing})
	c.events.close()
	return err
}

func (c *Channel) write(conn net.Conn, buf []byte) error {
	c.out.Lock()
	defer c.out.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	channelMetrics.pdusSent.Add(1)
	return nil
}

// setStateLocked records a transition to s and wakes waiters.
// The caller must hold c.μ.
func (c *Channel) setStateLocked(s State) {
	if s == c.state {
		return
	}
	c.events.push(Event{Kind: EventState, From: c.state, To: s})
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state change")
	c.state = s
	c.cond.Broadcast()
}

// candidates returns the router addresses to try, in order.
func (c *Channel) candidates(ctx context.Context) ([]Addr, error) {
	port := c.opts.defaultPort()
	addrs, err := ParseAddrList(c.opts.Routers, port)
	if err != nil {
		return nil, err
	}
	if c.opts.Discoverer == nil {
		return addrs, nil
	}
	found, err := c.opts.Discoverer.Discover(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("router discovery failed")
	}
	var disc []Addr
	for _, s := range found {
		a, err := ParseAddr(s, port)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring discovered router")
			continue
		}
		disc = append(disc, a)
	}
	return append(disc, addrs...), nil
}

// dialAny dials each candidate in order and returns the first connection.
func (c *Channel) dialAny(ctx context.Context, addrs []Addr) (net.Conn, Addr, error) {
	if len(addrs) == 0 {
		return nil, Addr{}, fmt.Errorf("%w: no router addresses", ErrConnect)
	}
	d := c.opts.dialer()
	var errs error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "tcp", a.HostPort())
		if err == nil {
			return conn, a, nil
		}
		c.log.Debug().Err(err).Stringer("addr", a).Msg("dial failed")
		errs = multierr.Append(errs, fmt.Errorf("%v: %w", a, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, Addr{}, fmt.Errorf("%w: %w", ErrConnect, errs)
}

// establish resolves, dials, and advertises a new connection for c. On
// success c is connected and the service routine is running. On failure, c
// reverts to the state it had on entry.
func (c *Channel) establish(ctx context.Context) (net.Conn, error) {
	c.μ.Lock()
	prev := c.state
	switch prev {
	case StateClosing:
		c.μ.Unlock()
		return nil, ErrClosed
	case StateConnecting, StateConnected:
		c.μ.Unlock()
		return nil, ErrOpen
	}
	c.setStateLocked(StateConnecting)
	c.μ.Unlock()

	revert := func(err error) (net.Conn, error) {
		channelMetrics.connectFailures.Add(1)
		c.μ.Lock()
		defer c.μ.Unlock()
		if c.state == StateConnecting {
			c.setStateLocked(prev)
		}
		return nil, err
	}

	addrs, err := c.candidates(ctx)
	if err != nil {
		return revert(fmt.Errorf("%w: %w", ErrConnect, err))
	}
	conn, addr, err := c.dialAny(ctx, addrs)
	if err != nil {
		return revert(err)
	}
	id := uuid.NewString()
	log := c.log.With().Str("conn", id).Stringer("router", addr).Logger()

	// Publish the connection so that Close can release it, but do not admit
	// application traffic until advertisements are delivered.
	c.μ.Lock()
	if c.state != StateConnecting {
		c.μ.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.conn, c.connID, c.addr = conn, id, addr
	c.μ.Unlock()

	if err := c.advertiseAll(ctx, conn); err != nil {
		log.Warn().Err(err).Msg("advertisement failed")
		conn.Close()
		c.μ.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.μ.Unlock()
		return revert(fmt.Errorf("%w: %w", ErrConnect, err))
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != StateConnecting || c.conn != conn {
		conn.Close()
		return nil, ErrClosed
	}
	c.setStateLocked(StateConnected)
	c.events.push(Event{Kind: EventConnected, Addr: addr, Router: addr.Router})
	channelMetrics.connects.Add(1)
	if !c.running {
		c.running = true
		c.tasks.Go(func() error { return c.service(conn) })
	}
	log.Info().Msg("connected")
	return conn, nil
}

// service receives from conn until it fails, then reconnects, until the
// channel closes or the retry policy gives up.
func (c *Channel) service(conn net.Conn) error {
	for {
		err := c.receive(conn)
		if !c.fail(conn, err) {
			c.stopService(nil)
			return nil
		}
		if conn = c.reconnect(); conn == nil {
			return nil
		}
	}
}

// stopService records that the service routine is exiting, and delivers ev
// if it is not nil. Both happen under the lock, so that an owner reacting to
// ev may call Open again.
func (c *Channel) stopService(ev *Event) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.running = false
	if ev != nil {
		c.events.push(*ev)
	}
}

// receive reads and dispatches PDUs from conn until the transport fails.
func (c *Channel) receive(conn net.Conn) error {
	r := pdu.NewReader(conn)
	for {
		p, err := r.Next()
		if de := (*pdu.DecodeError)(nil); errors.As(err, &de) {
			channelMetrics.pdusCorrupt.Add(1)
			c.log.Debug().Err(err).Msg("discarded corrupt PDU")
			c.events.push(Event{Kind: EventCorrupt, Err: err})
			continue
		} else if err != nil {
			return err
		}
		c.dispatch(p)
	}
}

func (c *Channel) dispatch(p *pdu.PDU) {
	switch p.Type {
	case pdu.Regular:
		channelMetrics.pdusReceived.Add(1)
		c.events.push(Event{Kind: EventReceived, PDU: p})
	case pdu.NakNoRoute:
		channelMetrics.noRoute.Add(1)
		c.events.push(Event{
			Kind: EventRouterError,
			PDU:  p,
			Err:  fmt.Errorf("%w: %s", ErrNoRoute, p.Src),
		})
	default:
		channelMetrics.pdusCorrupt.Add(1)
		c.events.push(Event{
			Kind: EventCorrupt,
			PDU:  p,
			Err:  fmt.Errorf("%w: unexpected %v PDU", pdu.ErrCorrupt, p.Type),
		})
	}
}

// fail records that conn failed with err. If conn is the current connection,
// c enters the error state and reports the disconnection. It reports whether
// c should reconnect, which is false once c is closing.
func (c *Channel) fail(conn net.Conn, err error) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state == StateClosing {
		return false
	}
	if c.conn == conn {
		c.log.Warn().Err(err).Str("conn", c.connID).Msg("connection lost")
		c.conn = nil
		c.setStateLocked(StateError)
		c.events.push(Event{Kind: EventDisconnected, Err: err})
		channelMetrics.disconnects.Add(1)
		conn.Close()
	}
	return true
}

// reconnect retries the connection until it succeeds, the channel closes, or
// the retry policy gives up. It returns nil if no connection was made, in
// which case the service routine is stopped.
func (c *Channel) reconnect() net.Conn {
	for n := 1; ; n++ {
		if c.opts.Retry.Exhausted(n) {
			c.log.Error().Int("attempts", n-1).Msg("reconnection abandoned")
			c.stopService(&Event{
				Kind: EventGaveUp,
				Err:  fmt.Errorf("%w after %d attempts", ErrConnect, n-1),
			})
			return nil
		}
		if err := c.opts.Retry.Wait(c.ctx, n); err != nil {
			c.stopService(nil)
			return nil
		}
		conn, err := c.establish(c.ctx)
		if err == nil {
			channelMetrics.reconnects.Add(1)
			return conn
		} else if errors.Is(err, ErrClosed) {
			c.stopService(nil)
			return nil
		}
		c.log.Info().Err(err).Int("attempt", n).Msg("reconnect failed")
	}
}

func isClosedError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
