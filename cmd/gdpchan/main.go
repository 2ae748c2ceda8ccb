// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program gdpchan is a command-line utility for exercising GDP router
// channels: it can run a local router, send and receive PDUs, and decode
// PDU headers.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/gdp"
	"github.com/creachadair/gdp/config"
	"github.com/creachadair/gdp/gob"
	"github.com/creachadair/gdp/internal/logging"
	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
	"github.com/creachadair/gdp/router"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"
)

var globalFlags struct {
	Config  string `flag:"config,Configuration file path (TOML)"`
	Routers string `flag:"routers,Router list, overrides the configuration"`
	Debug   bool   `flag:"debug,Enable debug logging"`
	JSON    bool   `flag:"json,Emit logs as JSON"`
}

var routerFlags = struct {
	Listen string `flag:"listen,Address to listen on"`
	Name   string `flag:"name,Router name (human-readable or printable)"`
}{Listen: fmt.Sprintf(":%d", config.DefaultPort)}

var sendFlags = struct {
	Src string `flag:"src,Source name to advertise"`
	Dst string `flag:"dst,Destination name"`
	Seq uint   `flag:"seq,Sequence number"`
	TTL uint   `flag:"ttl,Time to live"`
}{TTL: gdp.DefaultTTL}

var listenFlags struct {
	Count int `flag:"n,Exit after receiving this many PDUs (0 means no limit)"`
}

var digestFlags struct {
	Algorithm string `flag:"alg,Digest algorithm (default from the configuration)"`
	Sign      bool   `flag:"sign,Sign the digest with a fresh secp256k1 key"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for exercising GDP router channels.",

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &globalFlags) },

		Commands: []*command.C{
			{
				Name: "router",
				Help: `Run a minimal router on the listen address.

The router records advertisements from connected channels, forwards
regular PDUs to the channel that advertised their destination, and
answers PDUs with no route with a NAK.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &routerFlags) },
				Run:      runRouter,
			},
			{
				Name:  "send",
				Usage: "<payload>...",
				Help: `Send a regular PDU through a router.

The arguments are joined with spaces to form the payload. The source name
is advertised before sending; if it is empty a random name is used.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &sendFlags) },
				Run:      runSend,
			},
			{
				Name:  "listen",
				Usage: "<name>...",
				Help: `Advertise the given names and print the events of the channel.

Each name may be a printable name or a human-readable name, which is
hashed to form a GDP name.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &listenFlags) },
				Run:      runListen,
			},
			{
				Name:  "header",
				Usage: "<hex>",
				Help:  "Decode and print a hex-encoded PDU header.",
				Run:   runHeader,
			},
			{
				Name:  "digest",
				Usage: "<object-name> <file>",
				Help: `Open an object handle, feed it the contents of a file, and print
the digest of the object.

Supported algorithms: ` + strings.Join(gob.Algorithms(), ", ") + ".",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &digestFlags) },
				Run:      runDigest,
			},
			{
				Name:  "name",
				Usage: "<string>...",
				Help:  "Print the printable GDP name for each argument.",
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("missing name arguments")
					}
					for _, arg := range env.Args {
						fmt.Printf("%s\t%s\n", name.Resolve(arg), arg)
					}
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if globalFlags.Config != "" {
		var err error
		cfg, err = config.Load(globalFlags.Config)
		if err != nil {
			return config.Config{}, err
		}
	}
	if globalFlags.Routers != "" {
		cfg.RouterList = globalFlags.Routers
	}
	return cfg, nil
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if globalFlags.Debug {
		level = zerolog.DebugLevel
	}
	return logging.New(logging.Options{Level: level, JSON: globalFlags.JSON, App: "gdpchan"})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runRouter(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	log := newLogger()
	rname := name.Random()
	if routerFlags.Name != "" {
		rname = name.Resolve(routerFlags.Name)
	}

	lst, err := net.Listen("tcp", routerFlags.Listen)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt := router.New(rname, log)
	log.Info().Str("addr", lst.Addr().String()).Str("router", rname.String()).Msg("router listening")
	if err := rt.Serve(ctx, lst); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	log.Info().Int("routes", len(rt.Routes())).Msg("router stopped")
	return nil
}

func openChannel(ctx context.Context) (*gdp.Channel, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	log := newLogger()
	opts := gdp.OptionsFromConfig(cfg)
	opts.Logger = &log
	ch, err := gdp.Dial(ctx, opts)
	if err != nil {
		return nil, log, err
	}
	log.Debug().Str("router", ch.Addr().String()).Msg("channel open")
	return ch, log, nil
}

func runSend(env *command.Env) error {
	if sendFlags.Dst == "" {
		return env.Usagef("missing --dst name")
	}
	if sendFlags.Seq > 0xffff {
		return fmt.Errorf("sequence number %d out of range", sendFlags.Seq)
	}
	ctx, cancel := signalContext()
	defer cancel()

	ch, _, err := openChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	src := name.Random()
	if sendFlags.Src != "" {
		src = name.Resolve(sendFlags.Src)
	}
	if err := ch.Advertise(src); err != nil {
		return err
	}
	p := &pdu.PDU{
		Header: pdu.Header{
			Type:  pdu.Regular,
			TTL:   byte(sendFlags.TTL),
			SeqNo: uint16(sendFlags.Seq),
			Dst:   name.Resolve(sendFlags.Dst),
			Src:   src,
		},
		Payload: []byte(strings.Join(env.Args, " ")),
	}
	if err := ch.Send(p); err != nil {
		return err
	}
	ch.Flush()
	fmt.Println(p)
	return ch.Close()
}

func runListen(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing names to advertise")
	}
	ctx, cancel := signalContext()
	defer cancel()

	ch, log, err := openChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	var names []name.Name
	for _, arg := range env.Args {
		names = append(names, name.Resolve(arg))
	}
	if err := ch.Advertise(names...); err != nil {
		return err
	}
	log.Info().Int("names", len(names)).Msg("listening")

	var nrecv int
	for ev := range ch.Events(ctx) {
		switch ev.Kind {
		case gdp.EventReceived:
			fmt.Printf("%v\n\t%q\n", ev.PDU, ev.PDU.Payload)
			nrecv++
			if listenFlags.Count > 0 && nrecv >= listenFlags.Count {
				return ch.Close()
			}
		case gdp.EventGaveUp:
			return ev.Err
		default:
			log.Debug().Str("event", ev.String()).Msg("channel event")
		}
	}
	return nil
}

func runHeader(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing header data")
	}
	buf, err := hex.DecodeString(strings.Join(env.Args, ""))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	h, n, err := pdu.Parse(buf)
	if err != nil {
		return err
	}
	fmt.Printf("type:     %v\n", h.Type)
	fmt.Printf("flags:    %#02x\n", byte(h.Flags))
	fmt.Printf("ttl:      %d\n", h.TTL)
	fmt.Printf("seqno:    %d\n", h.SeqNo)
	fmt.Printf("fragment: offset %d, length %d\n", h.FragOffset, h.FragLen)
	fmt.Printf("payload:  %d bytes\n", h.PayloadLen)
	fmt.Printf("dst:      %v\n", h.Dst)
	fmt.Printf("src:      %v\n", h.Src)
	fmt.Printf("header:   %d bytes (%d option bytes)\n", n, len(h.Options))
	if rest := len(buf) - n; rest > 0 {
		fmt.Printf("trailing: %d bytes\n", rest)
	}
	return nil
}

func runDigest(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("want an object name and a file")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(env.Args[1])
	if err != nil {
		return err
	}
	log := newLogger()
	opts := gob.OptionsFromConfig(cfg)
	opts.Logger = &log
	if digestFlags.Algorithm != "" {
		opts.HashAlgorithm = digestFlags.Algorithm
	}
	mgr, err := gob.NewManager(gob.NewPool(true), opts)
	if err != nil {
		return err
	}

	g := mgr.New(name.Resolve(env.Args[0]))
	defer g.Free()
	g.Write(data)
	fmt.Printf("name:   %s\n", g.Printable())
	fmt.Printf("%-7s %x\n", g.Algorithm()+":", g.Sum())
	if !digestFlags.Sign {
		return nil
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return err
	}
	g.SetSigner(key)
	g.SetVerifier(key.PubKey(), false)
	sig, err := g.Sign()
	if err != nil {
		return err
	}
	if err := g.Verify(sig); err != nil {
		return err
	}
	fmt.Printf("pubkey: %x\n", key.PubKey().SerializeCompressed())
	fmt.Printf("sig:    %x\n", sig)
	return nil
}
