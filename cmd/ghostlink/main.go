package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"ghostlink/internal/config"
	"ghostlink/internal/debuglog"
	"ghostlink/internal/metrics"
	"ghostlink/internal/node"
	"ghostlink/internal/pprofutil"
)

type runOptions struct {
	ConfigFile string
	Username   string
	LogLevel   string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdin, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "ghostlink: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "ghostlink",
		Short: "Serverless LAN chat with encrypted point-to-point channels",
		Long: `GhostLink finds peers on the local network with UDP broadcast and talks
to them over encrypted point-to-point channels. There is no server and no
identity verification: encryption protects against passive eavesdroppers
only.`,
		Version:       versioninfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCommand(stdin, stdout, stderr), newConfigCommand(stdout))
	return root
}

func newRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and an interactive shell",
		Example: `  # Start with defaults, announcing as "alice"
  ghostlink run --username alice

  # Start with a configuration file and debug logging
  ghostlink run --config ghostlink.toml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts, stdin, stdout, stderr)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "f", "", "path to the configuration file (TOML format)")
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "display name announced to peers")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level: ERROR, WARNING, NOTICE, INFO or DEBUG")
	return cmd
}

func newConfigCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := config.Default().Encode()
			if err != nil {
				return err
			}
			_, err = stdout.Write(b)
			return err
		},
	}
}

func loadConfig(opts runOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadFile(opts.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if opts.Username != "" {
		cfg.Username = opts.Username
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogBackend(cfg *config.Logging, stderr io.Writer) (*debuglog.Backend, error) {
	if cfg.File != "" || cfg.Disable {
		return debuglog.New(cfg.File, cfg.Level, cfg.Disable)
	}
	lvl, err := debuglog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return debuglog.NewWriter(stderr, lvl), nil
}

func runNode(ctx context.Context, opts runOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logB, err := newLogBackend(cfg.Logging, stderr)
	if err != nil {
		return err
	}
	defer logB.Close()
	log := logB.GetLogger("ghostlink")

	if prof, err := pprofutil.FromEnv(logB.GetLogger("pprof")); err != nil {
		log.Warningf("pprof: %v", err)
	} else if prof != nil {
		defer prof.Close()
	}

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		srv, err := serveMetrics(cfg.Metrics, m)
		if err != nil {
			return err
		}
		log.Noticef("metrics on http://%s/metrics", srv.Addr)
		defer srv.Close()
	}

	n, err := node.New(cfg, node.Options{Log: logB, Metrics: m})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		n.Shutdown()
		return err
	}

	sh := newShell(n, stdout)
	sh.printf("GhostLink as %q, /help for commands", cfg.Username)
	evDone := make(chan struct{})
	go func() {
		defer close(evDone)
		for ev := range n.Events() {
			sh.handleEvent(ev)
		}
	}()

	readErr := sh.readLoop(ctx, stdin)
	n.Shutdown()
	<-evDone

	if err := m.WriteSnapshot(cfg.Metrics.SnapshotFile); err != nil {
		log.Warningf("metrics snapshot: %v", err)
	}
	return readErr
}

func serveMetrics(cfg *config.Metrics, m *metrics.Metrics) (*http.Server, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if cfg.Pprof {
		pprofutil.Register(mux)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv, nil
}
