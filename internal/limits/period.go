package limits

import (
	"time"

	"lv-escrow/internal/types"
)

const anyInstrument = "*"

// PeriodKey buckets t into the calendar window of period, evaluated in loc.
func PeriodKey(period types.Period, t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if period == types.PeriodMonthly {
		return local.Format("2006-01")
	}
	return local.Format("2006-01-02")
}

func instrumentKey(instrument string) string {
	if instrument == "" {
		return anyInstrument
	}
	return instrument
}
