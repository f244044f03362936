// Package aggregate merges the four per-day entity streams of a month into
// one view per calendar day. It holds no state.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldcrew/fieldsync/internal/entity"
)

type DayAggregate struct {
	Date       entity.Date `json:"date"`
	EmployeeID string      `json:"employeeId"`

	// HoursByCostCenter sums working-hours entries per cost center.
	HoursByCostCenter map[string]float64 `json:"hoursByCostCenter"`
	// HoursByCategory holds the deduplicated named-category sums plus the
	// working-hours total under entity.CategoryWorkingHours.
	HoursByCategory map[string]float64 `json:"hoursByCategory"`
	TotalHours      float64            `json:"totalHours"`

	TotalMiles         float64         `json:"totalMiles"`
	TotalReceiptAmount decimal.Decimal `json:"totalReceiptAmount"`
	PerDiemAmount      decimal.Decimal `json:"perDiemAmount"`

	MileageEntries []entity.MileageEntry `json:"mileageEntries"`
	Receipts       []entity.Receipt      `json:"receipts"`

	Description string `json:"description,omitempty"`
	DayOff      bool   `json:"dayOff"`
	DayOffType  string `json:"dayOffType,omitempty"`
}

// WorkingHours is the sum of the cost center buckets.
func (d DayAggregate) WorkingHours() float64 {
	var total float64
	for _, h := range d.HoursByCostCenter {
		total += h
	}
	return total
}

// NamedHours is the sum of every category other than working hours.
func (d DayAggregate) NamedHours() float64 {
	var total float64
	for category, h := range d.HoursByCategory {
		if category == entity.CategoryWorkingHours {
			continue
		}
		total += h
	}
	return total
}

func (d DayAggregate) Empty() bool {
	return d.TotalHours == 0 &&
		len(d.MileageEntries) == 0 &&
		len(d.Receipts) == 0 &&
		d.Description == "" &&
		!d.DayOff
}

// Input is one month of raw rows. Rows outside the month, or owned by another
// employee when EmployeeID is set, are ignored.
type Input struct {
	EmployeeID   string
	Mileage      []entity.MileageEntry
	TimeEntries  []entity.TimeEntry
	Receipts     []entity.Receipt
	Descriptions []entity.DayDescription
}

// Month returns one aggregate per calendar day of year/month, empty days
// included, in date order.
func Month(in Input, year int, month time.Month) []DayAggregate {
	employeeID := strings.TrimSpace(in.EmployeeID)
	days := make([]DayAggregate, entity.DaysIn(year, month))
	for i := range days {
		days[i] = DayAggregate{
			Date:               entity.NewDate(year, month, i+1),
			EmployeeID:         employeeID,
			HoursByCostCenter:  map[string]float64{},
			HoursByCategory:    map[string]float64{},
			TotalReceiptAmount: decimal.Zero,
			PerDiemAmount:      decimal.Zero,
			MileageEntries:     []entity.MileageEntry{},
			Receipts:           []entity.Receipt{},
		}
	}
	index := func(row entity.Row) (int, bool) {
		if employeeID != "" && row.Owner() != employeeID {
			return 0, false
		}
		d := row.Day()
		if !d.InMonth(year, month) || d.Day < 1 || d.Day > len(days) {
			return 0, false
		}
		return d.Day - 1, true
	}

	times := make([][]entity.TimeEntry, len(days))
	for _, te := range in.TimeEntries {
		if i, ok := index(te); ok {
			times[i] = append(times[i], te)
		}
	}
	for i := range days {
		applyHours(&days[i], times[i])
	}

	for _, m := range in.Mileage {
		if i, ok := index(m); ok {
			days[i].TotalMiles += m.Miles
			days[i].MileageEntries = append(days[i].MileageEntries, m)
		}
	}

	for _, r := range in.Receipts {
		i, ok := index(r)
		if !ok {
			continue
		}
		days[i].Receipts = append(days[i].Receipts, r)
		if isPerDiem(r.Category) {
			days[i].PerDiemAmount = days[i].PerDiemAmount.Add(r.Amount)
			continue
		}
		days[i].TotalReceiptAmount = days[i].TotalReceiptAmount.Add(r.Amount)
	}

	latest := make([]*entity.DayDescription, len(days))
	for n := range in.Descriptions {
		desc := &in.Descriptions[n]
		i, ok := index(*desc)
		if !ok {
			continue
		}
		if latest[i] == nil || !desc.UpdatedAt.Before(latest[i].UpdatedAt) {
			latest[i] = desc
		}
	}
	for i, desc := range latest {
		if desc == nil {
			continue
		}
		days[i].Description = desc.Description
		days[i].DayOff = desc.DayOff
		days[i].DayOffType = desc.DayOffType
	}

	for i := range days {
		sortDay(&days[i])
	}
	return days
}

// applyHours fills the hour buckets of one day. Working-hours entries add up
// per cost center. Named-category entries keep only the latest edit per
// (category, cost center) before summing per category.
func applyHours(day *DayAggregate, entries []entity.TimeEntry) {
	type namedKey struct {
		category   string
		costCenter string
	}
	latest := map[namedKey]entity.TimeEntry{}
	var working float64
	hasWorking := false
	for _, te := range entries {
		if entity.IsWorkingHours(te.Category) {
			day.HoursByCostCenter[strings.TrimSpace(te.CostCenter)] += te.Hours
			working += te.Hours
			hasWorking = true
			continue
		}
		key := namedKey{strings.TrimSpace(te.Category), strings.TrimSpace(te.CostCenter)}
		if prev, ok := latest[key]; ok && te.UpdatedAt.Before(prev.UpdatedAt) {
			continue
		}
		latest[key] = te
	}
	total := working
	for key, te := range latest {
		day.HoursByCategory[key.category] += te.Hours
		total += te.Hours
	}
	if hasWorking {
		day.HoursByCategory[entity.CategoryWorkingHours] = working
	}
	day.TotalHours = total
}

func isPerDiem(category string) bool {
	return strings.EqualFold(strings.TrimSpace(category), entity.ReceiptCategoryPerDiem)
}

func sortDay(day *DayAggregate) {
	sort.SliceStable(day.MileageEntries, func(i, j int) bool {
		return day.MileageEntries[i].ID < day.MileageEntries[j].ID
	})
	sort.SliceStable(day.Receipts, func(i, j int) bool {
		return day.Receipts[i].ID < day.Receipts[j].ID
	})
}

// Totals sums a month of aggregates.
type Totals struct {
	Hours         float64         `json:"hours"`
	Miles         float64         `json:"miles"`
	Expenses      decimal.Decimal `json:"expenses"`
	PerDiem       decimal.Decimal `json:"perDiem"`
	DaysOff       int             `json:"daysOff"`
	DaysWithEntry int             `json:"daysWithEntry"`
}

func Summarize(days []DayAggregate) Totals {
	out := Totals{Expenses: decimal.Zero, PerDiem: decimal.Zero}
	for _, d := range days {
		out.Hours += d.TotalHours
		out.Miles += d.TotalMiles
		out.Expenses = out.Expenses.Add(d.TotalReceiptAmount)
		out.PerDiem = out.PerDiem.Add(d.PerDiemAmount)
		if d.DayOff {
			out.DaysOff++
		}
		if !d.Empty() {
			out.DaysWithEntry++
		}
	}
	return out
}
