package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/mcpserver"
	"github.com/martinemde/codeloop/server"
)

const applicationName = "codeloop"

type options struct {
	configFile string
	prompt     string
	serve      bool
	mcp        bool
	debug      bool
	initConfig bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
	flags.StringVar(&opts.configFile, "config", "", "config file (default ./codeloop.yaml or ~/.config/codeloop/config.yaml)")
	flags.StringVarP(&opts.prompt, "prompt", "p", "", "run a single prompt and exit")
	flags.BoolVar(&opts.serve, "serve", false, "serve the HTTP and WebSocket API")
	flags.BoolVar(&opts.mcp, "mcp", false, "serve the tools over MCP on stdio")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.initConfig, "init-config", false, "write a default config file and exit")

	// Bound into the config by config.Load.
	flags.String("provider", "", "LLM provider (ollama, gemini, openai, anthropic, ...)")
	flags.String("model", "", "model name")
	flags.String("api-key", "", "provider API key")
	flags.String("base-url", "", "provider base URL")
	flags.Int("max-steps", 0, "maximum model calls per turn")
	flags.String("working-dir", "", "directory the agent works in")
	flags.String("host", "", "HTTP listen host")
	flags.Int("port", 0, "HTTP listen port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	return flags
}

func main() {
	opts := &options{}
	flags := newFlagSet(opts)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if err := run(opts, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *options, flags *pflag.FlagSet) error {
	if opts.initConfig {
		return writeDefaultConfig(opts.configFile)
	}
	if opts.serve && opts.mcp {
		return errors.New("--serve and --mcp cannot be combined")
	}

	cfg, err := config.Load(opts.configFile, flags)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	setupZerolog(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close llm client")
		}
	}()

	switch {
	case opts.mcp:
		return mcpserver.New(app.machine, mcpserver.WithLogger(log.Logger)).ServeStdio()
	case opts.serve:
		return serve(ctx, app, cfg)
	case opts.prompt != "":
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		return runPrompt(ctx, app.machine, app.model, opts.prompt, os.Stdout)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	done := make(chan struct{})
	defer close(done)
	return newREPL(app.machine, app.model, os.Stdin, os.Stdout, interrupts, done).run(ctx)
}

// setupZerolog configures the global logger. Logs always go to stderr so
// they never mix with MCP traffic or REPL output on stdout.
func setupZerolog(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = cfg.NewLogger(os.Stderr)
}

func serve(ctx context.Context, app *application, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	log.Info().Str("model", app.model).Str("working_dir", app.workingDir).Msg("starting up " + applicationName)
	return server.New(app.machine, server.WithLogger(log.Logger)).Serve(ctx, listener)
}

func writeDefaultConfig(path string) error {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
