package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/syncengine"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending mutations now, then pull the employee's rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			asJSON, _ := cmd.Flags().GetBool("json")

			res := a.engine.ForceSync(cmd.Context(), a.cfg.EmployeeID)
			if err := printSyncResult(cmd.OutOrStdout(), res, a.engine.Unsynced(), asJSON); err != nil {
				return err
			}
			return res.Err
		},
	}
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}

type syncOutput struct {
	Success bool              `json:"success"`
	Partial bool              `json:"partial"`
	Error   string            `json:"error,omitempty"`
	Pushed  int               `json:"pushed"`
	Failed  int               `json:"failed"`
	Dropped []syncengine.Drop `json:"dropped,omitempty"`
	Pulled  int               `json:"pulled"`
}

func printSyncResult(w io.Writer, res syncengine.Result, drops []syncengine.Drop, asJSON bool) error {
	out := syncOutput{
		Success: res.Success,
		Partial: res.Partial,
		Pushed:  res.Pushed,
		Failed:  res.Failed,
		Dropped: drops,
		Pulled:  res.Pulled,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	state := "ok"
	switch {
	case res.Partial:
		state = "partial"
	case !res.Success:
		state = "failed"
	}
	_, _ = fmt.Fprintf(w, "sync %s: pushed=%d failed=%d dropped=%d pulled=%d\n",
		state, res.Pushed, res.Failed, res.Dropped, res.Pulled)
	for _, d := range drops {
		kind := "transient"
		if d.Permanent {
			kind = "permanent"
		}
		_, _ = fmt.Fprintf(w, "  dropped %s %s %s (%s): %s\n",
			d.Record.Operation, d.Record.EntityType, d.Record.EntityID, kind, d.Error)
	}
	return nil
}
