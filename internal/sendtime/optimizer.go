// Package sendtime computes the per-recipient moment a campaign message
// should go out, based on past engagement and the campaign's send window.
package sendtime

import (
	"math"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
)

// typeDefault is the fallback schedule for a campaign type when the
// recipient has no usable engagement history.
type typeDefault struct {
	weekday *time.Weekday // nil means any day
	hour    int
}

// campaignTypeDefaults encode when each campaign type historically
// performs best. Unknown types fall through to the window opening.
var campaignTypeDefaults = map[string]typeDefault{
	"property_update": {weekday: weekdayPtr(time.Tuesday), hour: 9},
	"open_house":      {weekday: weekdayPtr(time.Thursday), hour: 17},
	"newsletter":      {hour: 10},
	"promotional":     {hour: 11},
	"re_engagement":   {weekday: weekdayPtr(time.Saturday), hour: 10},
}

func weekdayPtr(d time.Weekday) *time.Weekday { return &d }

// Optimizer computes send times. Safe for concurrent use.
type Optimizer struct {
	halfLife       time.Duration
	historyWindow  time.Duration
	minEngagements int
}

// New creates an Optimizer from config.
func New(cfg config.SendTimeConfig) *Optimizer {
	return &Optimizer{
		halfLife:       time.Duration(cfg.HalfLifeDays * 24 * float64(time.Hour)),
		historyWindow:  time.Duration(cfg.HistoryDays) * 24 * time.Hour,
		minEngagements: cfg.MinEngagements,
	}
}

// ComputeSendTime returns the UTC instant to dispatch a message for rec.
// The result is always >= now and always inside the window (evaluated in
// the recipient's local time).
//
// Recipients with enough recent opens/clicks get their recency-weighted
// modal engagement hour; everyone else gets the campaign type default, or
// the next window opening when the type is unknown.
func (o *Optimizer) ComputeSendTime(rec *domain.Recipient, campaignType string, window domain.SendWindow, now time.Time) time.Time {
	loc := rec.Location()
	localNow := now.In(loc)

	var candidate time.Time
	if hour, ok := o.preferredHour(rec, now, loc); ok {
		candidate = nextAtHour(localNow, hour, nil)
	} else if def, ok := campaignTypeDefaults[campaignType]; ok {
		candidate = nextAtHour(localNow, def.hour, def.weekday)
	} else {
		candidate = localNow
	}

	return clampIntoWindow(candidate, localNow, window).UTC()
}

// preferredHour computes the recipient's recency-weighted modal local hour
// of engagement. Returns ok=false when history is too thin to trust.
func (o *Optimizer) preferredHour(rec *domain.Recipient, now time.Time, loc *time.Location) (int, bool) {
	cutoff := now.Add(-o.historyWindow)
	var weights [24]float64
	samples := 0

	for _, h := range rec.History {
		if h.Type != domain.EventOpened && h.Type != domain.EventClicked {
			continue
		}
		if h.OccurredAt.Before(cutoff) || h.OccurredAt.After(now) {
			continue
		}
		age := now.Sub(h.OccurredAt)
		weight := math.Pow(0.5, float64(age)/float64(o.halfLife))
		weights[h.OccurredAt.In(loc).Hour()] += weight
		samples++
	}
	if samples == 0 || samples < o.minEngagements {
		return 0, false
	}

	best, bestWeight := 0, 0.0
	for hour, w := range weights {
		if w > bestWeight {
			best, bestWeight = hour, w
		}
	}
	return best, true
}

// nextAtHour returns the next occurrence of hour:00 local, at or after
// from, optionally on a specific weekday.
func nextAtHour(from time.Time, hour int, weekday *time.Weekday) time.Time {
	t := time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, from.Location())
	if t.Before(from) {
		t = t.AddDate(0, 0, 1)
	}
	if weekday != nil {
		for t.Weekday() != *weekday {
			t = t.AddDate(0, 0, 1)
		}
	}
	return t
}

// clampIntoWindow returns the earliest instant >= max(candidate, localNow)
// that falls inside the window. Advances in whole hours, snapping to the
// top of the hour once the original candidate is left behind.
func clampIntoWindow(candidate, localNow time.Time, window domain.SendWindow) time.Time {
	t := candidate
	if t.Before(localNow) {
		t = localNow
	}
	// Bounded scan: a well-formed window recurs at least weekly
	for i := 0; i < 24*8; i++ {
		if window.Contains(t) {
			return t
		}
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
	}
	return t
}
