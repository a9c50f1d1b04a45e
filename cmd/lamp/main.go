package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/client"
	"github.com/rmax-ai/lampchain/pkg/localstate"
)

var version = "dev"

const defaultEndpoint = "http://127.0.0.1:8090"

// options are shared by every subcommand.
type options struct {
	endpoint  string
	stateDir  string
	shareBase string
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}

	rootCmd := &cobra.Command{
		Use:          "lamp",
		Short:        "Light a diya on the Chain of Light and explore the map",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&o.endpoint, "endpoint", envOr("LAMP_ENDPOINT", defaultEndpoint), "lampd base URL (env LAMP_ENDPOINT)")
	rootCmd.PersistentFlags().StringVar(&o.stateDir, "state-dir", envOr("LAMP_STATE_DIR", defaultStateDir()), "local state directory (env LAMP_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&o.shareBase, "share-base", os.Getenv("LAMP_SHARE_BASE"), "base URL for share links, defaults to the endpoint (env LAMP_SHARE_BASE)")
	rootCmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(
		newLightCmd(o),
		newShareCmd(o),
		newCountCmd(o),
		newGraphCmd(o),
		newMCPCmd(o),
	)
	return rootCmd
}

func (o *options) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (o *options) client(logger *zap.Logger) *client.Client {
	return client.NewClient(o.endpoint, client.WithLogger(logger))
}

func (o *options) shareBaseURL() string {
	if o.shareBase != "" {
		return o.shareBase
	}
	return o.endpoint
}

// openState opens the local badger database. The caller closes it.
func (o *options) openState(logger *zap.Logger) (*localstate.BadgerKV, error) {
	if o.stateDir != "" {
		if err := os.MkdirAll(o.stateDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
	}
	return localstate.OpenBadger(o.stateDir, logger)
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lampchain"
	}
	return filepath.Join(home, ".lampchain")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
