package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/entity"
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <type> [json]",
		Short: "Create or update a row locally and queue it for push",
		Long: "Create or update a row locally and queue it for push.\n\n" +
			"The row is read from the argument or, when omitted, from stdin. A missing id is\n" +
			"generated, a missing employeeId is taken from the configured employee and a\n" +
			"missing updatedAt is set to now.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entity.ParseType(args[0])
			if err != nil {
				return err
			}
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read row: %w", err)
				}
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			payload, err := completeRow(kind, raw, a.cfg.EmployeeID, time.Now().UTC())
			if err != nil {
				return err
			}
			row, err := entity.DecodeRow(kind, payload)
			if err != nil {
				return err
			}
			op, err := a.store.PutRow(row)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", op, kind, row.RowID())
			return a.flushIfRequested(cmd)
		},
	}
	cmd.Flags().Bool("sync", false, "push the queue right away")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a row locally and queue the delete for push",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entity.ParseType(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := strings.TrimSpace(args[1])
			if err := a.store.DeleteRow(kind, id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", entity.OpDelete, kind, id)
			return a.flushIfRequested(cmd)
		},
	}
	cmd.Flags().Bool("sync", false, "push the queue right away")
	return cmd
}

func (a *app) flushIfRequested(cmd *cobra.Command) error {
	if ok, _ := cmd.Flags().GetBool("sync"); !ok {
		return nil
	}
	report, err := a.engine.FlushNow(cmd.Context())
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pushed=%d failed=%d requeued=%d dropped=%d\n",
		report.Pushed, report.Failed, report.Requeued, len(report.Dropped))
	return err
}

// completeRow fills the fields a hand-written row usually leaves out.
func completeRow(kind entity.Type, raw []byte, employeeID string, now time.Time) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrInvalidInput, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: row must be a JSON object", entity.ErrInvalidInput)
	}
	if id, _ := fields["id"].(string); strings.TrimSpace(id) == "" {
		fields["id"] = uuid.NewString()
	}
	if kind != entity.TypeEmployee {
		if owner, _ := fields["employeeId"].(string); strings.TrimSpace(owner) == "" && employeeID != "" {
			fields["employeeId"] = employeeID
		}
	}
	if _, ok := fields["updatedAt"]; !ok {
		fields["updatedAt"] = now.Format(time.RFC3339Nano)
	}
	return json.Marshal(fields)
}
