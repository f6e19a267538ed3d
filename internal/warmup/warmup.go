// Package warmup computes daily send ceilings for young sending domains
package warmup

import (
	"fmt"
	"time"

	"github.com/foxzi/sendgate/internal/health"
)

// Days is the length of the warm-up period
const Days = 42

// nearLimitRatio triggers the spread-sends suggestion
const nearLimitRatio = 0.8

// Step is one row of the ramp: from Day on, send at most Limit per day
type Step struct {
	Day   int `json:"day"`
	Limit int `json:"limit"`
}

// Schedule is the ramp, ordered by day
var Schedule = []Step{
	{0, 20},
	{2, 50},
	{4, 100},
	{7, 200},
	{14, 500},
	{21, 1000},
	{28, 2500},
	{35, 5000},
	{42, 10000},
}

// LimitForDay returns the cap of the highest step whose day is <= days
func LimitForDay(days int) int {
	limit := Schedule[0].Limit
	for _, s := range Schedule {
		if s.Day > days {
			break
		}
		limit = s.Limit
	}
	return limit
}

// Status describes where a domain sits on the ramp
type Status struct {
	InWarmup              bool     `json:"in_warmup"`
	DaysSinceCreation     int      `json:"days_since_creation"`
	RecommendedDailyLimit int      `json:"recommended_daily_limit"`
	CurrentDaySent        int64    `json:"current_day_sent"`
	Suggestions           []string `json:"suggestions"`
}

// Remaining is how many more sends fit under today's limit, never negative
func (s Status) Remaining() int64 {
	r := int64(s.RecommendedDailyLimit) - s.CurrentDaySent
	if r < 0 {
		return 0
	}
	return r
}

// Check evaluates d against the ramp at now. It only informs; it never blocks.
func Check(d *health.Domain, now time.Time) Status {
	days := DaysSince(d.CreatedAt, now)
	sent := d.SentOn(now)
	st := Status{
		InWarmup:              days < Days && !d.WarmupCompleted,
		DaysSinceCreation:     days,
		RecommendedDailyLimit: LimitForDay(days),
		CurrentDaySent:        sent,
		Suggestions:           []string{},
	}
	if !st.InWarmup {
		return st
	}

	st.Suggestions = append(st.Suggestions, fmt.Sprintf(
		"Domain is in warm-up (day %d/%d): recommended daily limit is %d emails",
		days, Days, st.RecommendedDailyLimit))

	if float64(sent) >= nearLimitRatio*float64(st.RecommendedDailyLimit) {
		st.Suggestions = append(st.Suggestions, fmt.Sprintf(
			"%d of %d recommended emails already sent today: spread remaining sends across multiple days",
			sent, st.RecommendedDailyLimit))
	}
	return st
}

// DaysSince returns whole days elapsed from created to now, never negative
func DaysSince(created, now time.Time) int {
	if created.IsZero() || now.Before(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}
