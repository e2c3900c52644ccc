// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/splicerelay/bridge"
	"github.com/bureau-foundation/splicerelay/lib/config"
	"github.com/bureau-foundation/splicerelay/lib/eventloop"
	"github.com/bureau-foundation/splicerelay/lib/netutil"
	"github.com/bureau-foundation/splicerelay/lib/process"
	"github.com/bureau-foundation/splicerelay/lib/splice"
	"github.com/bureau-foundation/splicerelay/lib/version"
)

func main() {
	err := run(os.Args[1:], os.Stdout)
	var childExit *exec.ExitError
	if errors.As(err, &childExit) {
		// The child already reported its own failure.
		os.Exit(childExit.ExitCode())
	}
	if err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath      string
	listen          string
	upstream        string
	upstreamNetwork string
	verbose         bool
	showVersion     bool
	help            bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("splicerelay", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&opts.configPath, "config", "", "path to splicerelay.yaml (default: $SPLICERELAY_CONFIG, else built-in defaults)")
	flagSet.StringVarP(&opts.listen, "listen", "l", "", "TCP address to listen on (overrides listen)")
	flagSet.StringVarP(&opts.upstream, "upstream", "u", "", "upstream socket path or host:port (overrides upstream.address)")
	flagSet.StringVar(&opts.upstreamNetwork, "upstream-network", "", "upstream network, unix or tcp (overrides upstream.network)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable per-connection debug logging")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")
	return flagSet
}

func run(args []string, stdout io.Writer) error {
	var opts options
	flagSet := newFlagSet(&opts)
	if err := flagSet.Parse(args); err != nil {
		return process.Usagef("%v", err)
	}

	if opts.help {
		printUsage(stdout, flagSet)
		return nil
	}
	if opts.showVersion {
		if opts.verbose {
			fmt.Fprintln(stdout, version.Full())
		} else {
			fmt.Fprintln(stdout, version.Info())
		}
		return nil
	}

	var command []string
	if remaining := flagSet.Args(); len(remaining) > 0 {
		if flagSet.ArgsLenAtDash() != 0 {
			return process.Usagef("unexpected argument: %s (put the command to run after --)", remaining[0])
		}
		command = remaining
	}

	cfg, err := loadConfig(&opts, flagSet)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := splice.Available(); err != nil {
		return fmt.Errorf("splice relay unavailable on this platform: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop, err := eventloop.New(logger)
	if err != nil {
		return err
	}
	runner := runLoop(ctx, loop)
	defer func() {
		loop.Close()
		<-runner.stopped
	}()

	b := newBridge(cfg, loop, logger)
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	if len(command) > 0 {
		commandCtx, cancelCommand := context.WithCancel(ctx)
		defer cancelCommand()
		go func() {
			select {
			case <-runner.stopped:
				cancelCommand()
			case <-commandCtx.Done():
			}
		}()
		commandErr := runCommand(commandCtx, command)
		if err := runner.failure(); err != nil {
			return err
		}
		return commandErr
	}

	if err := runner.wait(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// eventLoop is the part of the scheduler main drives.
type eventLoop interface {
	Run(ctx context.Context) error
}

// loopRunner runs an event loop in the background and records why it
// stopped.
type loopRunner struct {
	stopped chan struct{}
	err     error
}

func runLoop(ctx context.Context, loop eventLoop) *loopRunner {
	runner := &loopRunner{stopped: make(chan struct{})}
	go func() {
		defer close(runner.stopped)
		runner.err = loop.Run(ctx)
	}()
	return runner
}

// failure returns the loop's error if it has already stopped with one.
func (r *loopRunner) failure() error {
	select {
	case <-r.stopped:
		if r.err != nil {
			return fmt.Errorf("event loop stopped: %w", r.err)
		}
	default:
	}
	return nil
}

// wait blocks until ctx is done or the loop stops on its own. Relays
// cannot make progress without the loop, so its failure ends the
// process.
func (r *loopRunner) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.stopped:
		return r.failure()
	}
}

// loadConfig reads the configuration file (if any) and applies the
// flags that were set explicitly on top of it.
func loadConfig(opts *options, flagSet *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv("SPLICERELAY_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if flagSet.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flagSet.Changed("upstream") {
		cfg.Upstream.Address = opts.upstream
	}
	if flagSet.Changed("upstream-network") {
		cfg.Upstream.Network = opts.upstreamNetwork
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, process.Usagef("invalid configuration: %v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The auto format writes text when
// w is a terminal and JSON when it is piped or redirected.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	format := cfg.Format
	if format == "auto" {
		format = "json"
		if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = "text"
		}
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOptions)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOptions)), nil
}

func newBridge(cfg *config.Config, loop *eventloop.Loop, logger *slog.Logger) *bridge.Bridge {
	flags := splice.DefaultFlags
	if cfg.Relay.MoreHint {
		flags |= splice.FlagMore
	}
	return &bridge.Bridge{
		ListenAddr:      cfg.Listen,
		UpstreamNetwork: cfg.Upstream.Network,
		UpstreamAddress: cfg.Upstream.Address,
		Scheduler:       loop,
		ChunkSize:       int(cfg.Relay.ChunkSize),
		Flags:           flags,
		Dial: netutil.DialPolicy{
			Timeout:     cfg.Dial.Timeout,
			Retries:     cfg.Dial.Retries,
			MinInterval: cfg.Dial.MinInterval,
			MaxInterval: cfg.Dial.MaxInterval,
		},
		Logger: logger,
	}
}

// runCommand runs the child command while the relay serves. A signal
// that stops the relay is passed on to the child as SIGTERM.
func runCommand(ctx context.Context, command []string) error {
	commandPath, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("command not found: %s", command[0])
	}

	cmd := exec.CommandContext(ctx, commandPath, command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return cmd.Run()
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `splicerelay - relay TCP connections to an upstream with splice(2)

USAGE
    splicerelay [flags]
    splicerelay [flags] -- <command> [args...]

FLAGS
%s
CONFIGURATION
    Values come from --config (or $SPLICERELAY_CONFIG) when given, else
    from built-in defaults. Flags set explicitly override the file.

EXAMPLES
    # Relay localhost:8642 to a Unix socket
    splicerelay --listen 127.0.0.1:8642 --upstream /run/app.sock

    # Relay to a TCP upstream and run a client while the relay serves
    splicerelay --upstream-network tcp --upstream 10.0.0.5:9000 -- ./client
`, flagSet.FlagUsages())
}
