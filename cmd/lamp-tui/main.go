package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/client"
	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/localstate"
)

const defaultEndpoint = "http://127.0.0.1:8090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var endpoint, stateDir, inviteLink string

	cmd := &cobra.Command{
		Use:          "lamp-tui",
		Short:        "Watch the Chain of Light map live in your terminal",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), endpoint, stateDir, inviteLink)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", envOr("LAMP_ENDPOINT", defaultEndpoint), "lampd base URL (env LAMP_ENDPOINT)")
	cmd.Flags().StringVar(&stateDir, "state-dir", envOr("LAMP_STATE_DIR", defaultStateDir()), "local state directory used to find your own diya (env LAMP_STATE_DIR)")
	cmd.Flags().StringVar(&inviteLink, "invite", "", "share link; a valid invite opens the map on the inviter")
	return cmd
}

func run(ctx context.Context, endpoint, stateDir, inviteLink string) error {
	// The terminal belongs to bubbletea; keep logs out of it.
	logger := zap.NewNop()
	c := client.NewClient(endpoint, client.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := graph.NewReconciler(c, graph.NewCache(), logger)
	if err := rec.Start(ctx); err != nil {
		return err
	}

	p := tea.NewProgram(
		newModel(rec.Cache().Updates(), rec.Cache().State, ownLampID(stateDir, logger), resolveInviter(ctx, c, inviteLink, logger)),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui failed: %w", err)
	}
	return nil
}

// ownLampID reads the lamp this device lit, if any. The CLI may hold the
// badger lock, in which case the map simply has no marked lamp.
func ownLampID(stateDir string, logger *zap.Logger) string {
	if stateDir == "" {
		return ""
	}
	if _, err := os.Stat(stateDir); err != nil {
		return ""
	}
	kv, err := localstate.OpenBadger(stateDir, logger)
	if err != nil {
		return ""
	}
	defer kv.Close()
	id, _, _ := localstate.NewRecord(kv).Created()
	return id
}

func resolveInviter(ctx context.Context, store invite.Lookup, link string, logger *zap.Logger) *lamp.ParentRef {
	if link == "" {
		return nil
	}
	ref, err := invite.ParseLink(link)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	parent, ok := invite.NewResolver(store, logger).Resolve(ctx, ref.LampID, ref.Token)
	if !ok {
		return nil
	}
	return &parent
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
