// Package scheduler – nlp_schedule.go parses natural language schedule
// expressions into 5-field cron expressions. Falls through when no pattern
// matches (caller should treat the input as a literal cron expression).
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseNaturalSchedule attempts to interpret a natural language schedule
// expression as a 5-field cron expression. Returns false if no pattern
// matches.
//
// Supported patterns:
//   - "every N minutes/hours/days" → */N interval crons
//   - "every minute/hour/day" → * * * * *, 0 * * * *, 0 0 * * *
//   - "daily [at HH:MM]" → MM HH * * *
//   - "weekly on Monday [at HH:MM]" → MM HH * * DOW
//   - "hourly" → 0 * * * *
func ParseNaturalSchedule(input string) (string, bool) {
	normalized := strings.TrimSpace(strings.ToLower(input))
	if normalized == "" {
		return "", false
	}

	// "every N minutes/hours/days"
	if m := reEveryInterval.FindStringSubmatch(normalized); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			switch normalizeTimeUnit(m[2]) {
			case "m":
				if n <= 59 {
					return fmt.Sprintf("*/%d * * * *", n), true
				}
			case "h":
				if n <= 23 {
					return fmt.Sprintf("0 */%d * * *", n), true
				}
			case "d":
				if n <= 28 {
					return fmt.Sprintf("0 0 */%d * *", n), true
				}
			}
		}
	}

	// "every minute", "every hour", "every day"
	if m := reEverySingular.FindStringSubmatch(normalized); m != nil {
		switch normalizeTimeUnit(m[1]) {
		case "m":
			return "* * * * *", true
		case "h":
			return "0 * * * *", true
		case "d":
			return "0 0 * * *", true
		}
	}

	// "daily at HH:MM" or "daily at H AM/PM"
	if m := reDailyAt.FindStringSubmatch(normalized); m != nil {
		hour, minute := parseTimeComponents(m[1])
		if hour >= 0 {
			return fmt.Sprintf("%d %d * * *", minute, hour), true
		}
	}

	// "daily" (no time specified → midnight)
	if normalized == "daily" {
		return "0 0 * * *", true
	}

	// "hourly"
	if normalized == "hourly" {
		return "0 * * * *", true
	}

	// "weekly on Monday [at HH:MM]"
	if m := reWeeklyOn.FindStringSubmatch(normalized); m != nil {
		dow := parseDayOfWeek(m[1])
		if dow >= 0 {
			hour, minute := 0, 0
			if m[2] != "" {
				hour, minute = parseTimeComponents(m[2])
				if hour < 0 {
					hour, minute = 0, 0
				}
			}
			return fmt.Sprintf("%d %d * * %d", minute, hour, dow), true
		}
	}

	// No pattern matched.
	return "", false
}

// ---------- Regex patterns ----------

var (
	reEveryInterval = regexp.MustCompile(`^every\s+(\d+)\s+(minute|hour|day|min)s?$`)
	reEverySingular = regexp.MustCompile(`^every\s+(minute|hour|day)$`)
	reDailyAt       = regexp.MustCompile(`^daily\s+at\s+(.+)$`)
	reWeeklyOn      = regexp.MustCompile(`^weekly\s+on\s+(\w+)(?:\s+at\s+(.+))?$`)
)

// ---------- Helpers ----------

// normalizeTimeUnit converts a time unit word to a single-letter code.
func normalizeTimeUnit(unit string) string {
	unit = strings.TrimSuffix(strings.ToLower(unit), "s")
	switch unit {
	case "minute", "min":
		return "m"
	case "hour":
		return "h"
	case "day":
		return "d"
	default:
		return ""
	}
}

// parseTimeComponents parses a time string like "9:00", "14:30", "9am", "3:30pm".
// Returns hour (0-23) and minute, or (-1, 0) on failure.
func parseTimeComponents(s string) (int, int) {
	s = strings.TrimSpace(strings.ToLower(s))

	isPM := strings.HasSuffix(s, "pm")
	isAM := strings.HasSuffix(s, "am")
	if isPM {
		s = strings.TrimSuffix(s, "pm")
	} else if isAM {
		s = strings.TrimSuffix(s, "am")
	}
	s = strings.TrimSpace(s)

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

	if isPM && hour < 12 {
		hour += 12
	}
	if isAM && hour == 12 {
		hour = 0
	}

	return hour, minute
}

// parseDayOfWeek converts a day name to cron day-of-week number (0=Sunday).
func parseDayOfWeek(day string) int {
	switch strings.ToLower(day) {
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
	default:
		return -1
	}
}
