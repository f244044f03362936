package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/queue"
	"github.com/fieldcrew/fieldsync/internal/syncengine"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the pending mutation queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			asJSON, _ := cmd.Flags().GetBool("json")

			status := a.engine.Status()
			records := a.queue.Snapshot()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Status  syncengine.Status `json:"status"`
					Records []queue.Record    `json:"records"`
				}{status, records})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "pending\t%d\n", status.Pending)
			_, _ = fmt.Fprintf(w, "auto sync\t%t\n", status.AutoSync)
			if len(records) > 0 {
				_, _ = fmt.Fprintln(w)
				_, _ = fmt.Fprintln(w, "OPERATION\tTYPE\tENTITY\tENQUEUED\tRETRIES")
				for _, r := range records {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
						r.Operation, r.EntityType, r.EntityID, r.EnqueuedAt.Format(time.RFC3339), r.RetryCount)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print status and records as JSON")
	return cmd
}
