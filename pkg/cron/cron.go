// Package cron parses five-field cron expressions and computes fire times.
//
// Supported grammar per field: "*", single values, comma lists, ranges
// ("a-b"), steps ("a-b/c", "*/c", "a/c"), month and weekday names. The
// day-of-month field additionally accepts "L" (last day of the month).
// Whole-expression aliases (@yearly, @monthly, @weekly, @daily, @hourly)
// expand at parse time. Day-of-month and day-of-week combine with POSIX OR
// semantics: when both are restricted a date qualifies if it matches either.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. The zero value is not usable;
// obtain one from Parse.
type Schedule struct {
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	domStar bool
	dowStar bool
	lastDom bool

	expr string
}

// ParseError describes why an expression was rejected.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
}

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dowNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

type fieldSpec struct {
	name  string
	min   int
	max   int
	names map[string]int
	// wrap allows reversed ranges (fri-mon); only the weekday field does this.
	wrap bool
}

var fieldSpecs = [5]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: monthNames},
	{name: "day-of-week", min: 0, max: 7, names: dowNames, wrap: true},
}

// Parse parses a five-field cron expression or an @-alias.
func Parse(expr string) (*Schedule, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, &ParseError{Expr: expr, Reason: "empty expression"}
	}
	if strings.HasPrefix(raw, "@") {
		expanded, ok := aliases[strings.ToLower(raw)]
		if !ok {
			return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("unknown alias %q", raw)}
		}
		raw = expanded
	}

	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(fields))}
	}

	s := &Schedule{expr: expr}
	var masks [5]uint64
	var stars [5]bool
	for i, field := range fields {
		spec := fieldSpecs[i]
		mask, star, last, err := parseField(field, spec, i == 2)
		if err != nil {
			return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("%s field %q: %v", spec.name, field, err)}
		}
		masks[i], stars[i] = mask, star
		if last {
			s.lastDom = true
		}
	}
	s.minute, s.hour, s.dom, s.month, s.dow = masks[0], masks[1], masks[2], masks[3], masks[4]
	s.domStar, s.dowStar = stars[2], stars[4]

	// Weekday 7 is an alias for Sunday.
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
		s.dow &^= 1 << 7
	}

	if err := s.checkSatisfiable(); err != nil {
		return nil, &ParseError{Expr: expr, Reason: err.Error()}
	}
	return s, nil
}

// MustParse is Parse for expressions known valid at compile time.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the original expression text.
func (s *Schedule) String() string { return s.expr }

// checkSatisfiable rejects day-of-month sets that no admissible month can
// reach, e.g. day 31 with the month field restricted to February. The check
// only applies when day-of-week is unrestricted: with OR semantics a
// restricted weekday can still qualify dates on its own.
func (s *Schedule) checkSatisfiable() error {
	if s.domStar || s.lastDom || !s.dowStar {
		return nil
	}
	maxDay := 0
	for m := 1; m <= 12; m++ {
		if s.month&(1<<uint(m)) == 0 {
			continue
		}
		if d := maxDaysIn(time.Month(m)); d > maxDay {
			maxDay = d
		}
	}
	for d := 1; d <= maxDay; d++ {
		if s.dom&(1<<uint(d)) != 0 {
			return nil
		}
	}
	return fmt.Errorf("day-of-month values are impossible for every allowed month")
}

func parseField(field string, spec fieldSpec, allowLast bool) (mask uint64, star, last bool, err error) {
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, false, false, fmt.Errorf("empty list element")
		}
		if allowLast && strings.EqualFold(part, "L") {
			last = true
			continue
		}
		m, isStar, err := parseRange(part, spec)
		if err != nil {
			return 0, false, false, err
		}
		// A bare "*" only counts as unrestricted when it is the whole field.
		if isStar && !strings.Contains(field, ",") && !strings.Contains(part, "/") {
			star = true
		}
		mask |= m
	}
	if mask == 0 && !last {
		return 0, false, false, fmt.Errorf("no values")
	}
	return mask, star, last, nil
}

// parseRange handles "*", "*/c", "a", "a-b", "a-b/c" and "a/c".
func parseRange(part string, spec fieldSpec) (uint64, bool, error) {
	rangePart := part
	step := 1
	if i := strings.Index(part, "/"); i >= 0 {
		rangePart = part[:i]
		stepPart := part[i+1:]
		if stepPart == "" {
			return 0, false, fmt.Errorf("missing step after '/'")
		}
		n, err := strconv.Atoi(stepPart)
		if err != nil {
			return 0, false, fmt.Errorf("invalid step %q", stepPart)
		}
		if n <= 0 {
			return 0, false, fmt.Errorf("step must be positive, got %d", n)
		}
		step = n
	}

	var lo, hi int
	isStar := false
	switch {
	case rangePart == "*":
		lo, hi = spec.min, spec.max
		isStar = true
	case strings.Contains(rangePart, "-"):
		bounds := strings.Split(rangePart, "-")
		if len(bounds) != 2 || bounds[0] == "" || bounds[1] == "" {
			return 0, false, fmt.Errorf("incomplete range %q", rangePart)
		}
		var err error
		lo, err = parseValue(bounds[0], spec)
		if err != nil {
			return 0, false, err
		}
		hi, err = parseValue(bounds[1], spec)
		if err != nil {
			return 0, false, err
		}
		if lo > hi {
			if !spec.wrap {
				return 0, false, fmt.Errorf("range %q is reversed", rangePart)
			}
			// Weekday ranges wrap: fri-mon covers fri, sat, sun, mon.
			var mask uint64
			for v := lo; v <= spec.max; v += step {
				mask |= 1 << uint(v)
			}
			for v := spec.min; v <= hi; v += step {
				mask |= 1 << uint(v)
			}
			return mask, false, nil
		}
	default:
		v, err := parseValue(rangePart, spec)
		if err != nil {
			return 0, false, err
		}
		lo = v
		if strings.Contains(part, "/") {
			// "a/c" means "from a to max, every c".
			hi = spec.max
		} else {
			hi = v
		}
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, isStar, nil
}

func parseValue(tok string, spec fieldSpec) (int, error) {
	if spec.names != nil {
		if v, ok := spec.names[strings.ToLower(tok)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", tok)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", v, spec.min, spec.max)
	}
	return v, nil
}

// maxDaysIn returns the longest possible length of a month (leap February).
func maxDaysIn(m time.Month) int {
	switch m {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func lastDayOf(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
