// SPDX-License-Identifier: GPL-3.0-or-later

// Command scannerl probes TCP services and prints one result line per
// target.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/15124585561/scannerl"
	"github.com/15124585561/scannerl/modules"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := mainImpl(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "scannerl: %s\n", err.Error())
		}
		os.Exit(1)
	}
}

func mainImpl(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	args, err := parseArgs(argv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	var logger scannerl.SLogger = scannerl.DefaultSLogger()
	if args.verbose {
		logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	module, err := buildModule(args)
	if err != nil {
		return err
	}

	cfg := scannerl.NewConfig()
	if args.resolver != "" {
		cfg.Resolver = &scannerl.DNSResolver{Server: args.resolver}
	}

	results := make(chan scannerl.Result)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for result := range results {
			printResult(stdout, result)
		}
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(args.concurrency)
	for _, target := range args.targets {
		group.Go(func() error {
			probe := scannerl.NewProbe(cfg, target.host, target.port, module, logger)
			probe.Timeout = args.timeout
			probe.RetryBudget = args.retry
			probe.PrivilegedPorts = args.privPorts
			probe.PrivilegedRetryMax = args.privRetries
			probe.Results = results
			probe.Start(gctx)
			// Wait for termination unconditionally: a canceled probe
			// still concludes and delivers, and the results channel
			// must not close before the last delivery.
			probe.Wait(context.Background())
			return nil
		})
	}
	err = group.Wait()
	close(results)
	<-printerDone
	return err
}

// printResult writes one line per probe, appending the outcome data
// when the module collected any.
func printResult(w io.Writer, result scannerl.Result) {
	if len(result.Outcome.Data) > 0 {
		fmt.Fprintf(w, "%s %q\n", result, result.Outcome.Data)
		return
	}
	fmt.Fprintln(w, result)
}

// buildModule constructs the probe module selected by --module.
func buildModule(args *scanArgs) (scannerl.Module, error) {
	switch args.module {
	case "banner":
		return &modules.Banner{
			Payload:    []byte(args.payload),
			MaxPackets: args.expect,
		}, nil
	case "http":
		return &modules.HTTP{
			Host:         args.httpHost,
			Path:         args.httpPath,
			MaxRedirects: args.maxRedirects,
		}, nil
	default:
		return nil, fmt.Errorf("unknown module %q (available: banner, http)", args.module)
	}
}

// target is one host/port pair to probe.
type target struct {
	host string
	port uint16
}

type scanArgs struct {
	module       string
	timeout      time.Duration
	retry        int
	privPorts    bool
	privRetries  int
	resolver     string
	concurrency  int
	verbose      bool
	payload      string
	expect       int
	httpHost     string
	httpPath     string
	maxRedirects int
	targets      []target
}

func parseArgs(argv []string, stderr io.Writer) (*scanArgs, error) {
	cmd := &scanArgs{}

	var port uint16
	flagSet := flag.NewFlagSet("scannerl", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "usage: scannerl [flags] TARGET [TARGET...]\n\n")
		fmt.Fprintf(stderr, "Each TARGET is a host, an IP literal, or host:port.\n\n")
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&cmd.module, "module", "banner", "probe module to run (banner, http)")
	flagSet.Uint16Var(&port, "port", 80, "target port for targets without an explicit one")
	flagSet.DurationVar(&cmd.timeout, "timeout", scannerl.DefaultTimeout, "resolve/connect/send/response timeout")
	flagSet.IntVar(&cmd.retry, "retry", 0, "payload retransmissions when nothing is received in time")
	flagSet.BoolVar(&cmd.privPorts, "privports", false, "bind a random privileged source port (needs privileges)")
	flagSet.IntVar(&cmd.privRetries, "privport-retries", scannerl.DefaultPrivilegedRetryMax, "connect retries on privileged source port contention")
	flagSet.StringVar(&cmd.resolver, "resolver", "", "DNS server to query directly (host[:port]) instead of the system resolver")
	flagSet.IntVar(&cmd.concurrency, "concurrency", 10, "maximum concurrent probes")
	flagSet.BoolVarP(&cmd.verbose, "verbose", "v", false, "log probe events to stderr")
	flagSet.StringVar(&cmd.payload, "payload", "", "banner: trigger payload sent verbatim after connecting")
	flagSet.IntVar(&cmd.expect, "expect", 1, "banner: number of chunks to collect")
	flagSet.StringVar(&cmd.httpHost, "host", "", "http: Host header override")
	flagSet.StringVar(&cmd.httpPath, "path", "/", "http: request path")
	flagSet.IntVar(&cmd.maxRedirects, "max-redirects", 0, "http: follow up to this many plain-http redirects")

	if err := flagSet.Parse(argv); err != nil {
		return nil, err
	}

	if cmd.concurrency < 1 {
		return nil, fmt.Errorf("--concurrency must be at least 1")
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return nil, fmt.Errorf("missing TARGET argument")
	}
	for _, arg := range flagSet.Args() {
		tgt, err := parseTarget(arg, port)
		if err != nil {
			return nil, err
		}
		cmd.targets = append(cmd.targets, tgt)
	}

	if cmd.resolver != "" {
		cmd.resolver = ensureResolverPort(cmd.resolver)
	}
	return cmd, nil
}

// parseTarget splits host:port target syntax, falling back to the
// default port for targets that name none. A bare IPv6 literal is a
// host, not a host:port.
func parseTarget(arg string, defaultPort uint16) (target, error) {
	host, portString, err := net.SplitHostPort(arg)
	if err != nil {
		return target{host: arg, port: defaultPort}, nil
	}
	value, err := strconv.ParseUint(portString, 10, 16)
	if err != nil || value == 0 {
		return target{}, fmt.Errorf("invalid port in target %q", arg)
	}
	return target{host: host, port: uint16(value)}, nil
}

// ensureResolverPort appends the default DNS port to a resolver
// address that names none.
func ensureResolverPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
