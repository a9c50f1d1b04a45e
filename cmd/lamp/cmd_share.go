package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/lampchain/pkg/invite"
	"github.com/rmax-ai/lampchain/pkg/localstate"
)

var errNothingToShare = errors.New("no diya has been lit from this device yet; run `lamp light` first")

func newShareCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "share",
		Short: "Print the share link for the diya lit from this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := o.logger()
			kv, err := o.openState(logger)
			if err != nil {
				return err
			}
			defer kv.Close()

			id, token, ok := localstate.NewRecord(kv).Created()
			if !ok {
				return errNothingToShare
			}
			printShare(cmd.OutOrStdout(), invite.BuildLink(o.shareBaseURL(), id, token))
			return nil
		},
	}
}
