package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/contribute"
	"github.com/rmax-ai/lampchain/pkg/device"
	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/locate"
	"github.com/rmax-ai/lampchain/pkg/localstate"
)

type lightFlags struct {
	lat, lng  float64
	message   string
	invite    string
	origin    string
	locateURL string
	autoLoc   bool
}

func newLightCmd(o *options) *cobra.Command {
	f := &lightFlags{}

	cmd := &cobra.Command{
		Use:   "light",
		Short: "Light your diya, optionally from an invite link",
		Long: `Light a diya at your position with a short message.

Pass --lat and --lng to place it by hand, or --auto to look the position up
from your network address. An --invite link from a friend connects your diya
to theirs. Each network origin may light one diya.`,
		Example: `  lamp light --lat 28.61 --lng 77.21 -m "Happy Diwali"
  lamp light --auto --invite "https://example.org/?lamp=...&token=..."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLight(cmd, o, f)
		},
	}

	cmd.Flags().Float64Var(&f.lat, "lat", 0, "latitude for manual placement")
	cmd.Flags().Float64Var(&f.lng, "lng", 0, "longitude for manual placement")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", fmt.Sprintf("message to leave with your diya (max %d characters)", lamp.MaxMessageLength))
	cmd.Flags().StringVar(&f.invite, "invite", "", "share link you were invited with")
	cmd.Flags().StringVar(&f.origin, "origin", "", "network origin to claim instead of looking up the public IP")
	cmd.Flags().BoolVar(&f.autoLoc, "auto", false, "look up the position from the network address")
	cmd.Flags().StringVar(&f.locateURL, "locate-url", "", "IP geolocation endpoint used by --auto")
	cmd.MarkFlagsRequiredTogether("lat", "lng")
	return cmd
}

func runLight(cmd *cobra.Command, o *options, f *lightFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	logger := o.logger()
	defer logger.Sync()

	kv, err := o.openState(logger)
	if err != nil {
		return err
	}
	defer kv.Close()
	record := localstate.NewRecord(kv)

	// Already lit here: show the share link again without touching the network
	if id, token, ok := record.Created(); ok {
		fmt.Fprintln(out, "You have already lit a diya from this device.")
		printShare(out, invite.BuildLink(o.shareBaseURL(), id, token))
		return contribute.ErrAlreadyContributed
	}

	locator := locate.Chain{}
	if cmd.Flags().Changed("lat") {
		locator = append(locator, &locate.Static{Coordinates: lamp.Coordinates{Lat: f.lat, Lng: f.lng}})
	}
	if f.autoLoc {
		locator = append(locator, locate.NewHTTPLocator(f.locateURL))
	}
	pos, err := locator.CurrentPosition(ctx)
	if err != nil {
		if errors.Is(err, locate.ErrUnsupported) || errors.Is(err, locate.ErrDenied) {
			return fmt.Errorf("no position available (%v): pass --lat and --lng to place your diya", err)
		}
		return err
	}

	var lookup locate.OriginLookup = locate.NewIPify()
	if f.origin != "" {
		lookup = locate.FixedOrigin(f.origin)
	}
	origin, err := lookup.PublicOrigin(ctx)
	if err != nil {
		return err
	}

	deviceID, err := device.NewLocalOracle(kv).Fingerprint(ctx)
	if err != nil {
		logger.Warn("device fingerprint unavailable", zap.Error(err))
	}

	req := contribute.Request{
		Coordinates: pos,
		Message:     f.message,
		Origin:      origin,
		DeviceID:    deviceID,
	}
	if f.invite != "" {
		ref, err := invite.ParseLink(f.invite)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Ignoring invite: %v\n", err)
		} else {
			req.Invite = &ref
		}
	}

	flow := contribute.New(o.client(logger),
		contribute.WithRecord(record),
		contribute.WithShareBase(o.shareBaseURL()),
		contribute.WithLogger(logger),
	)
	res, err := flow.Contribute(ctx, req)
	switch {
	case errors.Is(err, contribute.ErrAlreadyContributed):
		fmt.Fprintln(out, "A diya has already been lit from your network.")
		return err
	case err != nil:
		var verr *lamp.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("cannot light diya: %s %s", verr.Field, verr.Reason)
		}
		return err
	}

	fmt.Fprintf(out, "Your diya is lit! 🪔 (%s)\n", res.Lamp.ID)
	switch {
	case res.Edge != nil:
		fmt.Fprintf(out, "Connected to the diya that invited you (%s).\n", res.Parent.ID)
	case res.EdgeErr != nil:
		fmt.Fprintln(out, "Your diya is lit, but the connection to your inviter could not be saved.")
	case req.Invite != nil:
		fmt.Fprintln(out, "The invite was not valid, so your diya starts a new chain.")
	}
	printShare(out, res.ShareLink)
	return nil
}

func printShare(w io.Writer, link string) {
	fmt.Fprintf(w, "\nShare your light:\n  %s\n", link)
	urls := invite.ShareURLs(link)
	fmt.Fprintf(w, "  WhatsApp: %s\n", urls["whatsapp"])
	fmt.Fprintf(w, "  Telegram: %s\n", urls["telegram"])
}
