package cron

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	require.NoError(t, err)
	return ts
}

func TestParse_Valid(t *testing.T) {
	validExprs := []string{
		"* * * * *",
		"0 0 1 * *",
		"*/5 * * * *",
		"0 12 * * mon-fri",
		"15,45 8-17 * * *",
		"0 0 L * *",
		"0 0 1,15,L * *",
		"30 4 * jan,jul *",
		"0 22 * * 1-5",
		"0 0 * * 7",
		"0 0 * * sun-thu",
		"0 0 * * fri-mon",
		"10-30/5 * * * *",
		"5/10 * * * *",
		"0 0 29 2 *",
		"@hourly",
		"@daily",
		"@midnight",
		"@weekly",
		"@monthly",
		"@yearly",
		"@annually",
	}
	for _, expr := range validExprs {
		_, err := Parse(expr)
		assert.NoError(t, err, "expression %q should parse", expr)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		expr   string
		reason string
	}{
		{"", "empty expression"},
		{"* * * *", "expected 5 fields"},
		{"* * * * * *", "expected 5 fields"},
		{"60 * * * *", "out of range"},
		{"* 24 * * *", "out of range"},
		{"* * 0 * *", "out of range"},
		{"* * 32 * *", "out of range"},
		{"* * * 13 *", "out of range"},
		{"* * * * 8", "out of range"},
		{"-5 * * * *", "incomplete range"},
		{"1- * * * *", "incomplete range"},
		{"30-10 * * * *", "reversed"},
		{"*/0 * * * *", "step must be positive"},
		{"*/ * * * *", "missing step"},
		{"* * * foo *", "invalid value"},
		{"* * * * funday", "invalid value"},
		{"@fortnightly", "unknown alias"},
		{"* * 31 2 *", "impossible"},
		{"* * 30,31 feb *", "impossible"},
		{"* * L * L", "invalid value"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Parse(tc.expr)
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestParse_DomImpossibleButDowRestricted(t *testing.T) {
	// With OR semantics a restricted weekday can still qualify dates even
	// when the day-of-month set is unreachable, so this must parse.
	s, err := Parse("0 0 31 2 mon")
	require.NoError(t, err)
	next := s.Next(mustTime(t, "2024-02-01 00:00"))
	// First Monday in February 2024 is the 5th.
	assert.Equal(t, mustTime(t, "2024-02-05 00:00"), next)
}

func TestNext_Basic(t *testing.T) {
	cases := []struct {
		expr  string
		after string
		want  string
	}{
		{"* * * * *", "2024-06-10 12:30", "2024-06-10 12:31"},
		{"0 * * * *", "2024-06-10 12:30", "2024-06-10 13:00"},
		{"*/15 * * * *", "2024-06-10 12:31", "2024-06-10 12:45"},
		{"30 8 * * *", "2024-06-10 09:00", "2024-06-11 08:30"},
		{"0 0 1 * *", "2024-02-15 00:00", "2024-03-01 00:00"},
		{"0 0 1 1 *", "2024-02-15 00:00", "2025-01-01 00:00"},
		{"0 12 * * mon", "2024-06-07 00:00", "2024-06-10 12:00"}, // Fri 7th -> Mon 10th
		{"0 0 29 2 *", "2023-03-01 00:00", "2024-02-29 00:00"},  // leap-day jump
		{"@hourly", "2024-06-10 12:30", "2024-06-10 13:00"},
		{"@daily", "2024-06-10 12:30", "2024-06-11 00:00"},
		{"@yearly", "2024-06-10 12:30", "2025-01-01 00:00"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s after %s", tc.expr, tc.after), func(t *testing.T) {
			s, err := Parse(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, mustTime(t, tc.want), s.Next(mustTime(t, tc.after)))
		})
	}
}

func TestNext_LastDayOfMonth(t *testing.T) {
	s, err := Parse("0 0 L * *")
	require.NoError(t, err)

	assert.Equal(t, mustTime(t, "2024-02-29 00:00"), s.Next(mustTime(t, "2024-02-01 00:00")), "leap year February")
	assert.Equal(t, mustTime(t, "2023-02-28 00:00"), s.Next(mustTime(t, "2023-02-01 00:00")), "common year February")
	assert.Equal(t, mustTime(t, "2024-04-30 00:00"), s.Next(mustTime(t, "2024-04-01 00:00")))
	assert.Equal(t, mustTime(t, "2024-01-31 00:00"), s.Next(mustTime(t, "2024-01-15 00:00")))
	// Already past this month's last midnight: carries into next month.
	assert.Equal(t, mustTime(t, "2024-03-31 00:00"), s.Next(mustTime(t, "2024-02-29 00:00")))
}

func TestNext_PosixOrSemantics(t *testing.T) {
	// Both fields restricted: the 15th OR any Friday qualifies.
	s, err := Parse("0 0 15 * fri")
	require.NoError(t, err)

	// 2024-03-10 is a Sunday; the next Friday (the 15th, both match) comes
	// before any other candidate.
	assert.Equal(t, mustTime(t, "2024-03-15 00:00"), s.Next(mustTime(t, "2024-03-10 00:00")))
	// From the 15th, the next Friday (22nd) beats next month's 15th.
	assert.Equal(t, mustTime(t, "2024-03-22 00:00"), s.Next(mustTime(t, "2024-03-15 00:00")))

	// Only dom restricted: weekday never constrains.
	s, err = Parse("0 0 15 * *")
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-15 00:00"), s.Next(mustTime(t, "2024-03-10 00:00")))

	// Only dow restricted.
	s, err = Parse("0 0 * * fri")
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-15 00:00"), s.Next(mustTime(t, "2024-03-10 00:00")))
}

func TestNext_WeekdaySevenIsSunday(t *testing.T) {
	a, err := Parse("0 0 * * 0")
	require.NoError(t, err)
	b, err := Parse("0 0 * * 7")
	require.NoError(t, err)

	after := mustTime(t, "2024-06-10 00:00")
	assert.Equal(t, a.Next(after), b.Next(after))
	assert.Equal(t, time.Sunday, a.Next(after).Weekday())
}

func TestNext_WrappingWeekdayRange(t *testing.T) {
	s, err := Parse("0 0 * * fri-mon")
	require.NoError(t, err)

	// 2024-06-11 is a Tuesday; the next qualifying day is Friday the 14th,
	// then Saturday, Sunday, Monday in sequence.
	cur := mustTime(t, "2024-06-11 00:00")
	var days []time.Weekday
	for i := 0; i < 4; i++ {
		cur = s.Next(cur)
		days = append(days, cur.Weekday())
	}
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday, time.Sunday, time.Monday}, days)
}

func TestNext_Monotonic(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/7 3,15 * * *",
		"0 0 L * *",
		"0 0 29 2 *",
		"0 12 1,15 * mon",
		"@weekly",
	}
	for _, expr := range exprs {
		s, err := Parse(expr)
		require.NoError(t, err)
		cur := mustTime(t, "2023-12-30 23:55")
		for i := 0; i < 50; i++ {
			next := s.Next(cur)
			require.False(t, next.IsZero(), "expression %q ran out of candidates at %s", expr, cur)
			require.True(t, next.After(cur), "expression %q: %s not strictly after %s", expr, next, cur)
			cur = next
		}
	}
}

func TestNext_SecondsTruncated(t *testing.T) {
	s, err := Parse("* * * * *")
	require.NoError(t, err)

	after := time.Date(2024, 6, 10, 12, 30, 45, 123, time.UTC)
	next := s.Next(after)
	assert.Equal(t, time.Date(2024, 6, 10, 12, 31, 0, 0, time.UTC), next)
}
