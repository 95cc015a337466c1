package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule turns a human schedule into a Schedule. It accepts, in order:
//
//   - "every N seconds/minutes/hours/days", "every minute", "hourly"
//   - "daily [at 9am]", "weekly on monday [at 14:30]"
//   - "in N minutes/hours" and one-shot times (see ParseTime)
//   - raw cron expressions and descriptors ("0 9 * * 1-5", "@daily")
//
// The second result reports whether the schedule is one-shot.
func ParseSchedule(input string, now time.Time) (Schedule, bool, error) {
	normalized := strings.TrimSpace(strings.ToLower(input))
	if normalized == "" {
		return Schedule{}, false, fmt.Errorf("empty schedule")
	}

	if m := reEveryInterval.FindStringSubmatch(normalized); m != nil {
		n, _ := strconv.Atoi(m[1])
		if d := unitDuration(m[2]); n > 0 && d > 0 {
			return Schedule{Kind: KindEvery, EveryMs: (time.Duration(n) * d).Milliseconds()}, false, nil
		}
	}
	if m := reEverySingular.FindStringSubmatch(normalized); m != nil {
		return Schedule{Kind: KindEvery, EveryMs: unitDuration(m[1]).Milliseconds()}, false, nil
	}
	if normalized == "hourly" {
		return Schedule{Kind: KindEvery, EveryMs: time.Hour.Milliseconds()}, false, nil
	}
	if normalized == "daily" {
		return Schedule{Kind: KindCron, Expr: "0 0 * * *"}, false, nil
	}
	if m := reDailyAt.FindStringSubmatch(normalized); m != nil {
		if hour, minute := parseClock(m[1]); hour >= 0 {
			return Schedule{Kind: KindCron, Expr: fmt.Sprintf("%d %d * * *", minute, hour)}, false, nil
		}
	}
	if m := reWeeklyOn.FindStringSubmatch(normalized); m != nil {
		if dow := parseWeekday(m[1]); dow >= 0 {
			hour, minute := 0, 0
			if m[2] != "" {
				if h, mm := parseClock(m[2]); h >= 0 {
					hour, minute = h, mm
				}
			}
			return Schedule{Kind: KindCron, Expr: fmt.Sprintf("%d %d * * %d", minute, hour, dow)}, false, nil
		}
	}
	if m := reInDuration.FindStringSubmatch(normalized); m != nil {
		n, _ := strconv.Atoi(m[1])
		if d := unitDuration(m[2]); n > 0 && d > 0 {
			return Schedule{Kind: KindAt, AtMs: now.Add(time.Duration(n) * d).UnixMilli()}, true, nil
		}
	}

	if strings.HasPrefix(normalized, "@every ") {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(normalized, "@every ")))
		if err != nil || d <= 0 {
			return Schedule{}, false, fmt.Errorf("invalid interval %q", input)
		}
		return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}, false, nil
	}
	if strings.HasPrefix(normalized, "@") || len(strings.Fields(normalized)) == 5 {
		sched := Schedule{Kind: KindCron, Expr: strings.TrimSpace(input)}
		if err := sched.Validate(); err != nil {
			return Schedule{}, false, err
		}
		return sched, false, nil
	}

	at, err := ParseTime(strings.TrimSpace(input), now)
	if err != nil {
		return Schedule{}, false, fmt.Errorf("unrecognized schedule %q", input)
	}
	return Schedule{Kind: KindAt, AtMs: at.UnixMilli()}, true, nil
}

// ParseTime parses a one-shot time: a relative duration ("5m", "1h30m"),
// Unix seconds, RFC3339, "2006-01-02 15:04", or "15:04" (today, or tomorrow
// when already past).
func ParseTime(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(d), nil
	}
	if len(s) >= 10 && strings.Trim(s, "0123456789") == "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(epoch, 0), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse("15:04", s); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !target.After(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

var (
	reEveryInterval = regexp.MustCompile(`^every\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reEverySingular = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	reDailyAt       = regexp.MustCompile(`^daily\s+at\s+(.+)$`)
	reWeeklyOn      = regexp.MustCompile(`^weekly\s+on\s+(\w+)(?:\s+at\s+(.+))?$`)
	reInDuration    = regexp.MustCompile(`^in\s+(\d+)\s+(second|minute|hour|sec|min)s?$`)
)

func unitDuration(unit string) time.Duration {
	switch strings.TrimSuffix(unit, "s") {
	case "second", "sec":
		return time.Second
	case "minute", "min":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	}
	return 0
}

// parseClock parses "9:00", "14:30", "9am", "3:30pm". Returns (-1, 0) on
// failure.
func parseClock(s string) (int, int) {
	s = strings.TrimSpace(s)
	pm := strings.HasSuffix(s, "pm")
	am := strings.HasSuffix(s, "am")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "pm"), "am"))

	parts := strings.SplitN(s, ":", 2)
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return -1, 0
	}
	minute := 0
	if len(parts) == 2 {
		minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minute < 0 || minute > 59 {
			return -1, 0
		}
	}
	if pm && hour < 12 {
		hour += 12
	}
	if am && hour == 12 {
		hour = 0
	}
	return hour, minute
}

// parseWeekday maps a day name to its cron number (0 = Sunday).
func parseWeekday(day string) int {
	switch day {
	case "sunday", "sun":
		return 0
	case "monday", "mon":
		return 1
	case "tuesday", "tue":
		return 2
	case "wednesday", "wed":
		return 3
	case "thursday", "thu":
		return 4
	case "friday", "fri":
		return 5
	case "saturday", "sat":
		return 6
	}
	return -1
}
