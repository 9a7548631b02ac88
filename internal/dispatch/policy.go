package dispatch

import (
	"time"
	_ "time/tzdata" // embedded zone database for participant timezones

	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// DefaultRetryBackoff spaces priority-channel retries 2h, 4h, ... capped at
// 24h, counted from the new retry_count.
var DefaultRetryBackoff = resilience.Backoff{Base: time.Hour, Max: 24 * time.Hour}

// Location resolves the participant's timezone, falling back to the campaign
// timezone and then UTC.
func Location(participantTZ, campaignTZ string) *time.Location {
	for _, name := range []string{participantTZ, campaignTZ} {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc
		}
		zap.L().Warn("dispatch: unknown timezone", zap.String("timezone", name), zap.Error(err))
	}
	return time.UTC
}

// QuietUntil reports whether at falls inside the daily quiet window in loc
// and, if so, returns the end of that window. Windows with start > end wrap
// past midnight; start == end disables the window.
func QuietUntil(q model.QuietHours, loc *time.Location, at time.Time) (time.Time, bool) {
	if !q.Enabled() {
		return time.Time{}, false
	}
	start, err := model.ParseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := model.ParseClock(q.End)
	if err != nil {
		return time.Time{}, false
	}

	local := at.In(loc)
	now := model.ClockTime(local.Hour()*60 + local.Minute())
	boundary := func(daysAhead int) time.Time {
		y, m, d := local.Date()
		return time.Date(y, m, d+daysAhead, int(end)/60, int(end)%60, 0, 0, loc)
	}

	if start < end {
		if now >= start && now < end {
			return boundary(0), true
		}
		return time.Time{}, false
	}
	switch {
	case now >= start:
		return boundary(1), true
	case now < end:
		return boundary(0), true
	}
	return time.Time{}, false
}

// CadenceGap is the minimum spacing between two sends to a participant of
// the given temperature.
func CadenceGap(p model.Policy, t model.Temperature) time.Duration {
	gap := p.TemperatureGap(t)
	if p.MinInterval > gap {
		gap = p.MinInterval
	}
	if w := p.WeeklyGap(); w > gap {
		gap = w
	}
	return gap
}

// NextContact returns when a participant contacted at last is next due.
func NextContact(p model.Policy, t model.Temperature, last time.Time) time.Time {
	return last.Add(CadenceGap(p, t))
}
