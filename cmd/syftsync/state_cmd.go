package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <tag>",
		Short: "Dump the sync table of one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClientFor(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			state, err := client.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(state, "\n"))
			return err
		},
	}
}
