package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date with no time-of-day or location attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or after o.
func (d Date) Compare(o Date) int {
	a, b := d.ordinal(), o.ordinal()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) ordinal() int {
	return d.Year*10000 + int(d.Month)*100 + d.Day
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time expressed in minutes since midnight.
// EndOfDay (24:00) is only meaningful as the exclusive end of a range.
type TimeOfDay int

const EndOfDay TimeOfDay = 24 * 60

// Clock builds a TimeOfDay from hours and minutes.
func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay accepts HH:MM and HH:MM:SS. Seconds must be zero.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 24 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec != 0 {
			return 0, fmt.Errorf("invalid time %q: seconds are not supported", s)
		}
	}
	t := Clock(h, m)
	if t > EndOfDay {
		return 0, fmt.Errorf("invalid time %q: past end of day", s)
	}
	return t, nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) Add(minutes int) TimeOfDay {
	return t + TimeOfDay(minutes)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TimeRange is a half-open [Start, End) interval on a single calendar date.
type TimeRange struct {
	Date  Date      `json:"date"`
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

// NewTimeRange validates and returns a range.
func NewTimeRange(date Date, start, end TimeOfDay) (TimeRange, error) {
	r := TimeRange{Date: date, Start: start, End: end}
	return r, r.Validate()
}

func (r TimeRange) Validate() error {
	if r.Date.IsZero() {
		return &InvalidRangeError{Reason: "date is required"}
	}
	if r.Start < 0 || r.End > EndOfDay {
		return &InvalidRangeError{Reason: "time must be within the day"}
	}
	if r.Start >= r.End {
		return &InvalidRangeError{Reason: fmt.Sprintf("start time %s must be before end time %s", r.Start, r.End)}
	}
	return nil
}

func (r TimeRange) Minutes() int {
	return int(r.End - r.Start)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%s %s-%s", r.Date, r.Start, r.End)
}

// Overlaps reports whether a and b share any instant. Ranges on different
// dates never overlap.
func Overlaps(a, b TimeRange) bool {
	return a.Date == b.Date && a.Start < b.End && b.Start < a.End
}

// Intersect returns the common part of a and b.
func Intersect(a, b TimeRange) (TimeRange, bool) {
	if !Overlaps(a, b) {
		return TimeRange{}, false
	}
	return TimeRange{Date: a.Date, Start: max(a.Start, b.Start), End: min(a.End, b.End)}, true
}

// Window is an inclusive range of dates used for store reads.
type Window struct {
	From Date
	To   Date
}

// DayWindow covers a single date.
func DayWindow(d Date) Window {
	return Window{From: d, To: d}
}

// MonthWindow covers every day of the given month.
func MonthWindow(year int, month time.Month) Window {
	first := Date{Year: year, Month: month, Day: 1}
	return Window{From: first, To: DateOf(first.Time().AddDate(0, 1, -1))}
}

func (w Window) Contains(d Date) bool {
	return !d.Before(w.From) && !d.After(w.To)
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return &InvalidRangeError{Reason: "from and to dates are required"}
	}
	if w.From.After(w.To) {
		return &InvalidRangeError{Reason: fmt.Sprintf("from date %s is after to date %s", w.From, w.To)}
	}
	return nil
}

// DaySpan is a date span with identical time-of-day bounds on every day. It
// yields one TimeRange per day, lazily, and can be walked any number of times.
type DaySpan struct {
	From  Date
	To    Date
	Start TimeOfDay
	End   TimeOfDay
}

// ExpandDateSpan validates the span and returns it as a DaySpan.
func ExpandDateSpan(startDate, endDate Date, startTime, endTime TimeOfDay) (DaySpan, error) {
	if startDate.IsZero() || endDate.IsZero() {
		return DaySpan{}, &InvalidRangeError{Reason: "start and end dates are required"}
	}
	if startDate.After(endDate) {
		return DaySpan{}, &InvalidRangeError{Reason: fmt.Sprintf("start date %s is after end date %s", startDate, endDate)}
	}
	if _, err := NewTimeRange(startDate, startTime, endTime); err != nil {
		return DaySpan{}, err
	}
	return DaySpan{From: startDate, To: endDate, Start: startTime, End: endTime}, nil
}

// Len is the number of days in the span.
func (s DaySpan) Len() int {
	if s.From.After(s.To) {
		return 0
	}
	return int(s.To.Time().Sub(s.From.Time())/(24*time.Hour)) + 1
}

// Each calls fn for every day in order until fn returns false.
func (s DaySpan) Each(fn func(TimeRange) bool) {
	for d := s.From; !d.After(s.To); d = d.AddDays(1) {
		if !fn(TimeRange{Date: d, Start: s.Start, End: s.End}) {
			return
		}
	}
}

func (s DaySpan) Ranges() []TimeRange {
	out := make([]TimeRange, 0, s.Len())
	s.Each(func(r TimeRange) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (s DaySpan) Window() Window {
	return Window{From: s.From, To: s.To}
}
