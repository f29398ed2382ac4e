package config

import (
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
)

const dateLayout = "2006-01-02"

// Partitions expands the configured indicator groups and time range into one
// partition per group and time slice.
func (c *Config) Partitions() ([]model.Partition, error) {
	slices, err := SliceRange(c.Migration.StartDate, c.Migration.EndDate, c.Migration.Granularity)
	if err != nil {
		return nil, err
	}
	var parts []model.Partition
	for _, group := range c.Migration.IndicatorGroups {
		for _, s := range slices {
			parts = append(parts, model.Partition{Key: group, StartDate: s[0], EndDate: s[1]})
		}
	}
	return parts, nil
}

// SliceRange splits an inclusive date range into slices of the given
// granularity. YEARS and MONTHS cut at calendar boundaries; WEEKS and DAYS
// count from the start date.
func SliceRange(startDate, endDate, granularity string) ([][2]string, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return nil, &FatalConfigError{Field: "startDate", Detail: "expected YYYY-MM-DD"}
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return nil, &FatalConfigError{Field: "endDate", Detail: "expected YYYY-MM-DD"}
	}
	if end.Before(start) {
		return nil, &FatalConfigError{Field: "endDate", Detail: "end date before start date"}
	}

	var slices [][2]string
	cur := start
	for !cur.After(end) {
		var next time.Time
		switch granularity {
		case model.GranularityYears:
			next = time.Date(cur.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC)
		case model.GranularityMonths:
			next = time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		case model.GranularityWeeks:
			next = cur.AddDate(0, 0, 7)
		case model.GranularityDays:
			next = cur.AddDate(0, 0, 1)
		default:
			return nil, &FatalConfigError{Field: "granularity", Detail: "must be YEARS, MONTHS, WEEKS or DAYS"}
		}
		sliceEnd := next.AddDate(0, 0, -1)
		if sliceEnd.After(end) {
			sliceEnd = end
		}
		slices = append(slices, [2]string{cur.Format(dateLayout), sliceEnd.Format(dateLayout)})
		cur = next
	}
	return slices, nil
}
