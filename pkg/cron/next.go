package cron

import "time"

// searchYears bounds the field-jumping search in Next. Any satisfiable
// five-field expression fires within this horizon (leap-day schedules need
// at most four years).
const searchYears = 5

// Next returns the first instant strictly after the reference time at which
// every field of the schedule matches. It jumps field by field (month, day,
// hour, minute) with calendar-aware carries rather than scanning minutes
// across date boundaries. The zero time is returned if nothing matches
// within the search horizon.
func (s *Schedule) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Minute).Add(time.Minute)
	yearLimit := after.Year() + searchYears

wrap:
	for t.Year() <= yearLimit {
		for s.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			if t.Year() > yearLimit {
				return time.Time{}
			}
		}
		for !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			if t.Day() == 1 {
				continue wrap
			}
		}
		for s.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			if t.Hour() == 0 {
				continue wrap
			}
		}
		for s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			if t.Minute() == 0 {
				continue wrap
			}
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the POSIX day-of-month / day-of-week combination rule:
// both restricted means either may qualify the date, one restricted means
// only that one constrains, neither restricted matches every day.
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0 ||
		(s.lastDom && t.Day() == lastDayOf(t.Year(), t.Month(), t.Location()))
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0

	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}
