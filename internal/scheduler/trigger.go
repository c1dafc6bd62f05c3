package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseInterval parses a "<N><s|m|h|d>" duration string into a
// time.Duration, rejecting overflow past a safe integer per spec.md
// §4.F. Unlike time.ParseDuration, it accepts a bare day unit.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("interval is required")
	}
	unit := s[len(s)-1]
	var scale time.Duration
	switch unit {
	case 's':
		scale = time.Second
	case 'm':
		scale = time.Minute
	case 'h':
		scale = time.Hour
	case 'd':
		scale = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q: want s, m, h, or d", s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	product := float64(n) * float64(scale)
	if product > float64(math.MaxInt64) {
		return 0, fmt.Errorf("interval %q overflows", s)
	}
	return time.Duration(n) * scale, nil
}

// NewTrigger validates and normalizes a Trigger, parsing IntervalText
// and validating the cron expression up front so buildup failures
// surface at creation time rather than at first tick.
func NewTrigger(t Trigger) (Trigger, error) {
	switch t.Kind {
	case TriggerEvery:
		d, err := ParseInterval(t.IntervalText)
		if err != nil {
			return Trigger{}, err
		}
		t.Interval = d
		return t, nil
	case TriggerAt:
		if t.At.IsZero() {
			return Trigger{}, fmt.Errorf("at trigger requires a timestamp")
		}
		return t, nil
	case TriggerCron:
		if strings.TrimSpace(t.CronExpr) == "" {
			return Trigger{}, fmt.Errorf("cron trigger requires an expression")
		}
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return Trigger{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return t, nil
	default:
		return Trigger{}, fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// Next computes the smallest future instant strictly after base, or
// (zero, false) if the trigger has no further occurrences (a fired
// "at" trigger).
func (t Trigger) Next(base time.Time) (time.Time, bool, error) {
	switch t.Kind {
	case TriggerAt:
		if base.Before(t.At) {
			return t.At, true, nil
		}
		return time.Time{}, false, nil
	case TriggerEvery:
		interval := t.Interval
		if interval <= 0 && t.IntervalText != "" {
			// Interval is not serialized; a trigger reloaded from the
			// store carries only IntervalText.
			d, err := ParseInterval(t.IntervalText)
			if err != nil {
				return time.Time{}, false, err
			}
			interval = d
		}
		if interval <= 0 {
			return time.Time{}, false, fmt.Errorf("every trigger missing interval")
		}
		return base.Add(interval), true, nil
	case TriggerCron:
		if t.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron trigger missing expression")
		}
		loc := time.UTC
		if t.Timezone != "" {
			if tz, err := time.LoadLocation(t.Timezone); err == nil {
				loc = tz
			}
		}
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := sched.Next(base.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}
