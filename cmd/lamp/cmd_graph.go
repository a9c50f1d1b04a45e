package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/lampchain/pkg/graph"
	"github.com/rmax-ai/lampchain/pkg/render"
)

func newCountCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show how many diyas are lit worldwide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := o.client(o.logger()).CountLamps(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to count diyas: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.Header(n))
			return nil
		},
	}
}

func newGraphCmd(o *options) *cobra.Command {
	var (
		asJSON        bool
		width, height int
		noLines       bool
		lat, lng      float64
		zoom          int
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Draw the lamp map once, or dump it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := o.logger()
			rec := graph.NewReconciler(o.client(logger), graph.NewCache(), logger)
			if err := rec.Refresh(cmd.Context()); err != nil {
				return fmt.Errorf("failed to fetch graph: %w", err)
			}
			snap := rec.Cache().Snapshot()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			m := render.NewMap(width, height)
			m.ShowLines = !noLines
			m.Viewport.CenterOn(lat, lng, zoom)
			fmt.Fprintln(out, render.Header(len(snap.Lamps)))
			fmt.Fprintln(out, m.Render(snap))
			fmt.Fprintf(out, "%d lamps, %d connections\n", len(snap.Lamps), len(snap.Edges))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().IntVar(&width, "width", 80, "map width in cells")
	cmd.Flags().IntVar(&height, "height", 24, "map height in cells")
	cmd.Flags().BoolVar(&noLines, "no-lines", false, "hide invitation lines")
	cmd.Flags().Float64Var(&lat, "lat", render.DefaultCenter.Lat, "map center latitude")
	cmd.Flags().Float64Var(&lng, "lng", render.DefaultCenter.Lng, "map center longitude")
	cmd.Flags().IntVar(&zoom, "zoom", render.DefaultZoom, "zoom level (1-19)")
	return cmd
}
