// Command rendezvous runs the NAT-traversal rendezvous and relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/wenpeng8019/rendezvous/pkg/rendezvous"
)

var opt struct {
	Help             bool
	Verbose          int
	MinClientVersion string
	DebugAddr        string
	EnvFile          string
	Language         string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.CountVarP(&opt.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	pflag.StringVar(&opt.MinClientVersion, "min-client-version", "", "Minimum client semver (syntax is validated; clients are not checked against it)")
	pflag.StringVar(&opt.DebugAddr, "debug-addr", "", "Address for the debug/metrics HTTP listener (disabled if empty)")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Read PORT/PROBE_PORT/RELAY overrides from this file instead of positional args")
	pflag.StringVar(&opt.Language, "lang", "en", "Language setting (stored in the config; log messages are always English)")
}

func main() {
	pflag.Parse()

	if opt.Help {
		printUsage()
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) > 3 {
		fmt.Fprintf(os.Stderr, "error: too many arguments\n")
		printUsage()
		os.Exit(1)
	}

	cfg := rendezvous.DefaultConfig()
	cfg.MinClientVersion = opt.MinClientVersion
	cfg.DebugAddr = opt.DebugAddr
	cfg.Language = opt.Language
	cfg.Verbosity = opt.Verbose

	if opt.EnvFile != "" {
		if err := applyEnvFile(&cfg, opt.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		if len(args) >= 1 {
			port, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil || port == 0 {
				fmt.Fprintf(os.Stderr, "error: invalid port %q (must be 1..65535)\n", args[0])
				os.Exit(1)
			}
			cfg.Port = uint16(port)
		}
		if len(args) >= 2 {
			probePort, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: invalid probe_port %q (must be 0..65535)\n", args[1])
				os.Exit(1)
			}
			cfg.ProbePort = uint16(probePort)
		}
		if len(args) >= 3 {
			if args[2] != "relay" {
				fmt.Fprintf(os.Stderr, "error: unrecognized argument %q (expected \"relay\")\n", args[2])
				os.Exit(1)
			}
			cfg.RelaySupport = true
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(opt.Verbose)

	s, err := rendezvous.NewServer(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	if cfg.DebugAddr != "" {
		go serveDebug(cfg.DebugAddr, s, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("usage: %s [options] [port] [probe_port] [relay]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
}

func newLogger(verbose int) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case verbose >= 2:
		level = zerolog.TraceLevel
	case verbose == 1:
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
}

func applyEnvFile(cfg *rendezvous.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return err
	}
	if v, ok := m["PORT"]; ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil || port == 0 {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Port = uint16(port)
	}
	if v, ok := m["PROBE_PORT"]; ok {
		probePort, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("PROBE_PORT: invalid port %q", v)
		}
		cfg.ProbePort = uint16(probePort)
	}
	if v, ok := m["RELAY"]; ok && v != "" && v != "0" {
		cfg.RelaySupport = true
	}
	return nil
}

func serveDebug(addr string, s *rendezvous.Server, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.WritePrometheus(w)
	})
	mux.Handle("/debug/dump", s.DebugHandler())

	log.Warn().Str("addr", addr).Msg("running insecure debug server")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("debug server failed")
	}
}
