package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newResolutionsCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "resolutions",
		Short: "Print the configured resolutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			retention := func(secs int64) string {
				if secs <= 0 {
					return "forever"
				}
				return (time.Duration(secs) * time.Second).String()
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBUCKET\tRETENTION")
			for _, r := range state.cfg.Engine.Resolutions {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, time.Duration(r.BucketWidthSecs)*time.Second, retention(r.RetentionSecs))
			}
			fmt.Fprintf(tw, "raw\t-\t%s\n", retention(state.cfg.Engine.RawRetentionSecs))
			return tw.Flush()
		},
	}
}
