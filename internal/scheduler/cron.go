package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five-field cron expression: minute, hour, day of
// month, month, day of week (0 is Sunday). Each field is a bitset of the
// values it allows.
type CronExpr struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

var cronAliases = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
}

// ParseCron parses a cron expression. Each field accepts *, N, N-M, with an
// optional /step, and comma-separated lists of those. @hourly, @daily,
// @weekly and @monthly are accepted as shorthands.
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	spec := expr
	if alias, ok := cronAliases[spec]; ok {
		spec = alias
	}
	fields := strings.Fields(spec)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}

	var sets [5]uint64
	for i, f := range cronFields {
		set, err := parseCronField(fields[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, f.name, err)
		}
		sets[i] = set
	}
	return &CronExpr{expr: expr, minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

// String returns the expression as written.
func (c *CronExpr) String() string {
	if c == nil {
		return ""
	}
	return c.expr
}

// Matches reports whether t falls on the schedule, at minute resolution.
func (c *CronExpr) Matches(t time.Time) bool {
	return has(c.minute, t.Minute()) && has(c.hour, t.Hour()) && c.dayMatches(t)
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	return has(c.month, int(t.Month())) && has(c.dom, t.Day()) && has(c.dow, int(t.Weekday()))
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within two years (e.g. 31 February).
func (c *CronExpr) Next(t time.Time) time.Time {
	at := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	loc := at.Location()

	for at.Before(limit) {
		if !c.dayMatches(at) {
			at = time.Date(at.Year(), at.Month(), at.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(c.hour, at.Hour()) {
			at = time.Date(at.Year(), at.Month(), at.Day(), at.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if m, ok := nextBit(c.minute, at.Minute()); ok {
			return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), m, 0, 0, loc)
		}
		at = time.Date(at.Year(), at.Month(), at.Day(), at.Hour()+1, 0, 0, 0, loc)
	}
	return time.Time{}
}

func parseCronField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		span, stepText, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case span == "*":
		case strings.Contains(span, "-"):
			a, b, _ := strings.Cut(span, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("invalid range end %q", b)
			}
		default:
			v, err := strconv.Atoi(span)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", span)
			}
			lo, hi = v, v
			if hasStep {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%q out of bounds [%d,%d]", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// nextBit returns the lowest set value >= from.
func nextBit(set uint64, from int) (int, bool) {
	rest := set >> uint(from)
	if rest == 0 {
		return 0, false
	}
	return from + bits.TrailingZeros64(rest), true
}
