package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fzft/go-amted/config"
	"github.com/fzft/go-amted/log"
	"github.com/fzft/go-amted/node"
	"github.com/spf13/cobra"
)

type serverFlags struct {
	configFile   string
	workers      int
	queueSize    int
	maxBacklog   int
	maxFileSize  int64
	metricsAddr  string
	logLevel     string
	drainTimeout time.Duration
}

// NewRootCommand builds `amted <ip> <port>` and its subcommands.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	var flags serverFlags

	root := &cobra.Command{
		Use:   "amted <IP Address> <Port>",
		Short: "Event-driven file server",
		Long: "amted accepts TCP connections, reads one newline-terminated path from each,\n" +
			"and answers with the bytes of that file before closing the connection.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				// wrong arity is a usage request, not a failure
				fmt.Fprintln(cmd.OutOrStdout(), "\nMust provide an IP address and port to listen on:")
				return cmd.Usage()
			}
			return runServer(cmd, flags, args[0], args[1])
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	f := root.Flags()
	f.StringVarP(&flags.configFile, "config", "c", "", "path to a YAML config file")
	f.IntVar(&flags.workers, "workers", 0, "disk worker goroutines")
	f.IntVar(&flags.queueSize, "queue-size", 0, "disk jobs queued for the workers")
	f.IntVar(&flags.maxBacklog, "max-backlog", 0, "disk jobs held once the queue is full, 0 rejects at once")
	f.Int64Var(&flags.maxFileSize, "max-file-size", 0, "largest file served in bytes, 0 for no limit")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this host:port")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.DurationVar(&flags.drainTimeout, "drain-timeout", 0, "how long shutdown waits for in-flight sessions")

	root.AddCommand(newCliCommand(), newInitConfigCommand(), newVersionCommand())
	return root
}

func runServer(cmd *cobra.Command, flags serverFlags, ip, portArg string) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}

	port, err := strconv.Atoi(portArg)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portArg, err)
	}
	cfg.Address = ip
	cfg.Port = port
	applyFlags(cmd, flags, cfg)

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	defer log.Logger.Sync()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting AMTED server on: %s:%d\n", cfg.Address, cfg.Port)
	fmt.Fprintf(cmd.OutOrStdout(), "Server pid = %d\n", os.Getpid())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	return node.NewServer(cfg).Run(ctx)
}

func applyFlags(cmd *cobra.Command, flags serverFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("queue-size") {
		cfg.QueueSize = flags.queueSize
	}
	if changed("max-backlog") {
		cfg.MaxBacklog = flags.maxBacklog
	}
	if changed("max-file-size") {
		cfg.MaxFileSize = flags.maxFileSize
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("drain-timeout") {
		cfg.DrainTimeout = flags.drainTimeout
	}
}

// Execute runs the command line and returns the process exit code: 0 on
// success or usage, 1 on any failure.
func Execute() int {
	root := NewRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, node.ErrSetup) {
			fmt.Fprintln(os.Stderr, "fatal setup error:", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}
