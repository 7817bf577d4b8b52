package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"casproxy/server"
	"casproxy/store"
)

const shutdownGrace = 5 * time.Second

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

var (
	storeKind      string
	dbPath         string
	backlog        int
	idleTimeout    time.Duration
	writeTimeout   time.Duration
	backendTimeout time.Duration
	maxFrame       int
	maxMessage     int
	maxStreams     int
	debug          bool
)

func main() {
	command := &cobra.Command{
		Use:   "cas-server [socket]",
		Short: "Serve the CAS GetValue/PutValue API on a Unix domain socket",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := command.Flags()
	flags.StringVar(&storeKind, "store", store.KindMemory, "backend store: memory or bolt")
	flags.StringVar(&dbPath, "db", "cas.db", "database file for the bolt store")
	flags.IntVar(&backlog, "backlog", 0, "listen backlog (0 = default 128)")
	flags.DurationVar(&idleTimeout, "idle-timeout", 0, "close connections idle this long (0 = default 30s)")
	flags.DurationVar(&writeTimeout, "write-timeout", 0, "per-flush write timeout (0 = default 5s)")
	flags.DurationVar(&backendTimeout, "backend-timeout", 0, "per-request store timeout (0 = default 10s)")
	flags.IntVar(&maxFrame, "max-frame", 0, "max inbound frame payload in bytes (0 = default 16KiB)")
	flags.IntVar(&maxMessage, "max-message", 0, "max request message in bytes (0 = default 4MiB)")
	flags.IntVar(&maxStreams, "max-streams", 0, "max concurrent streams per connection (0 = default 100)")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, command.UsageString())
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
}

func run(cmd *cobra.Command, args []string) error {
	socketPath := server.DefaultSocketPath
	if len(args) == 1 {
		socketPath = args[0]
	}
	if storeKind != store.KindMemory && storeKind != store.KindBolt {
		return usageError{fmt.Errorf("--store must be %q or %q, got %q", store.KindMemory, store.KindBolt, storeKind)}
	}
	for name, v := range map[string]int{"backlog": backlog, "max-frame": maxFrame, "max-message": maxMessage, "max-streams": maxStreams} {
		if v < 0 {
			return usageError{fmt.Errorf("--%s must not be negative", name)}
		}
	}

	logger := newLogger(debug).Named("cas-server")
	defer logger.Sync()

	backend, err := store.Open(storeKind, dbPath)
	if err != nil {
		return err
	}
	defer backend.Close()

	s, err := server.NewServer(server.Options{
		SocketPath:           socketPath,
		Backlog:              backlog,
		IdleTimeout:          idleTimeout,
		WriteTimeout:         writeTimeout,
		MaxFrameSize:         maxFrame,
		MaxMessageSize:       maxMessage,
		MaxConcurrentStreams: maxStreams,
		BackendTimeout:       backendTimeout,
		Logger:               logger,
	}, backend)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	logger.Info("serving", zap.String("store", storeKind))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down", zap.Duration("grace", shutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	st := s.Stats()
	logger.Info("bye",
		zap.Uint64("connections", st.ConnsAccepted),
		zap.Uint64("requests", st.Requests),
		zap.Uint64("hits", st.Hits),
		zap.Uint64("misses", st.Misses))
	return nil
}
