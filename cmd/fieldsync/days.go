package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/fieldsync/internal/aggregate"
	"github.com/fieldcrew/fieldsync/internal/store"
)

func newDaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "days",
		Short: "Show per-day totals for one month from the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			monthFlag, _ := cmd.Flags().GetString("month")
			year, month, err := parseMonth(monthFlag, time.Now())
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.RequireEmployee(); err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			all, _ := cmd.Flags().GetBool("all")

			days := aggregate.Month(monthInput(a.store, a.cfg.EmployeeID, year, month), year, month)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Days   []aggregate.DayAggregate `json:"days"`
					Totals aggregate.Totals         `json:"totals"`
				}{days, aggregate.Summarize(days)})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "DATE\tHOURS\tWORKING\tMILES\tEXPENSES\tPER DIEM\tNOTE")
			for _, d := range days {
				if d.Empty() && !all {
					continue
				}
				note := d.Description
				if d.DayOff {
					note = strings.TrimSpace("day off " + d.DayOffType + " " + note)
				}
				_, _ = fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%s\t%s\t%s\n",
					d.Date, d.TotalHours, d.WorkingHours(), d.TotalMiles,
					d.TotalReceiptAmount.StringFixed(2), d.PerDiemAmount.StringFixed(2), note)
			}
			totals := aggregate.Summarize(days)
			_, _ = fmt.Fprintf(w, "TOTAL\t%g\t\t%g\t%s\t%s\t%d days off\n",
				totals.Hours, totals.Miles, totals.Expenses.StringFixed(2), totals.PerDiem.StringFixed(2), totals.DaysOff)
			return w.Flush()
		},
	}
	cmd.Flags().String("month", "", "month as YYYY-MM (default: current month)")
	cmd.Flags().Bool("all", false, "include days without entries")
	cmd.Flags().Bool("json", false, "print days and totals as JSON")
	return cmd
}

func monthInput(s *store.Store, employeeID string, year int, month time.Month) aggregate.Input {
	scope := store.MonthScope(year, month)
	return aggregate.Input{
		EmployeeID:   employeeID,
		Mileage:      s.Mileage.List(employeeID, scope),
		TimeEntries:  s.TimeEntries.List(employeeID, scope),
		Receipts:     s.Receipts.List(employeeID, scope),
		Descriptions: s.Descriptions.List(employeeID, scope),
	}
}

func parseMonth(raw string, now time.Time) (int, time.Month, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Year(), now.Month(), nil
	}
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month %q, want YYYY-MM", raw)
	}
	return t.Year(), t.Month(), nil
}
