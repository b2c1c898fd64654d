package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval runs a task a fixed duration after the previous run finished.
type Interval time.Duration

// Every creates an interval schedule. A non-positive duration never runs.
func Every(d time.Duration) Interval {
	return Interval(d)
}

// Next returns the next run time.
func (i Interval) Next(after time.Time) time.Time {
	if i <= 0 {
		return time.Time{}
	}
	return after.Add(time.Duration(i))
}

// Cron is a five-field cron schedule: minute, hour, day of month, month and
// day of week (0 is Sunday). Fields accept "*", "n", "n-m", "*/s", "n/s",
// "n-m/s" and comma-separated lists of those.
type Cron struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
	// A field written as a bare "*" does not restrict the day.
	domAny bool
	dowAny bool
}

var cronFields = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a cron expression such as "*/15 * * * *".
func ParseCron(expr string) (*Cron, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}

	var bits [5]uint64
	var wild [5]bool
	for i, f := range cronFields {
		b, star, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		bits[i], wild[i] = b, star
	}

	return &Cron{
		expr:   strings.Join(parts, " "),
		minute: bits[0],
		hour:   bits[1],
		dom:    bits[2],
		month:  bits[3],
		dow:    bits[4],
		domAny: wild[2],
		dowAny: wild[4],
	}, nil
}

// MustParseCron is ParseCron that panics on error.
func MustParseCron(expr string) *Cron {
	c, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Cron) String() string {
	return c.expr
}

// Next returns the first matching minute after after, or the zero time if
// none falls in the next five years.
func (c *Cron) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(5, 0, 0)

	for t.Before(limit) {
		switch {
		case !has(c.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !has(c.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !has(c.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// dayMatches applies the cron day rule: when both day fields are
// restricted, either may match.
func (c *Cron) dayMatches(t time.Time) bool {
	dom := has(c.dom, t.Day())
	dow := has(c.dow, int(t.Weekday()))
	if c.domAny || c.dowAny {
		return dom && dow
	}
	return dom || dow
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}

// parseCronField returns the set of values a field allows and whether it
// was a bare "*".
func parseCronField(field string, min, max int) (uint64, bool, error) {
	var bits uint64
	star := false

	for _, part := range strings.Split(field, ",") {
		rng, stepText, stepped := strings.Cut(part, "/")
		step := 1
		if stepped {
			n, err := strconv.Atoi(stepText)
			if err != nil || n <= 0 {
				return 0, false, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case rng == "*":
			star = star || !stepped
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, false, fmt.Errorf("invalid range start in %q", part)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, false, fmt.Errorf("invalid range end in %q", part)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return 0, false, fmt.Errorf("invalid value %q", part)
			}
			lo = v
			if !stepped {
				hi = v
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, false, fmt.Errorf("%q out of range %d-%d", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			bits |= 1 << uint(v)
		}
	}
	return bits, star, nil
}
