package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"casproxy/client"
	"casproxy/server"
)

var errNotFound = errors.New("not found")

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

var (
	socketPath string
	timeout    time.Duration
	debug      bool
)

func main() {
	command := &cobra.Command{
		Use:           "cas-cli",
		Short:         "Talk to a cas-server over its Unix domain socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.PersistentFlags().StringVarP(&socketPath, "socket", "s", server.DefaultSocketPath, "server socket path")
	command.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-command timeout")
	command.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	command.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	command.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  exactArgs(1),
		RunE:  runGet,
	}, &cobra.Command{
		Use:   "put <key> <value|->",
		Short: "Store value under key; \"-\" reads the value from stdin",
		Args:  exactArgs(2),
		RunE:  runPut,
	})

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func connect() (*client.Client, context.Context, context.CancelFunc, error) {
	level := zap.WarnLevel
	if debug {
		level = zap.DebugLevel
	}
	logger := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		level,
	)).Named("cas-cli")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c, err := client.Dial(ctx, socketPath, client.Options{Logger: logger})
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	c, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	value, found, err := c.Get(ctx, []byte(args[0]))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%q: %w", args[0], errNotFound)
	}
	_, err = cmd.OutOrStdout().Write(value)
	return err
}

func runPut(cmd *cobra.Command, args []string) error {
	value := []byte(args[1])
	if args[1] == "-" {
		var err error
		if value, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	c, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	return c.Put(ctx, []byte(args[0]), value)
}
