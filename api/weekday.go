package api

import (
	"fmt"
	"strings"
	"time"
)

// Weekday is a day of the week that can also be left empty.
type Weekday string

// Names of each day of the week.
const (
	NONE      Weekday = ""
	Sunday    Weekday = "Sunday"
	Monday    Weekday = "Monday"
	Tuesday   Weekday = "Tuesday"
	Wednesday Weekday = "Wednesday"
	Thursday  Weekday = "Thursday"
	Friday    Weekday = "Friday"
	Saturday  Weekday = "Saturday"
)

var weekdays = []Weekday{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

// ParseWeekday accepts a day name in any case, or its three letter abbreviation.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NONE, nil
	}

	for _, day := range weekdays {
		if strings.EqualFold(s, string(day)) || strings.EqualFold(s, string(day)[:3]) {
			return day, nil
		}
	}

	return NONE, fmt.Errorf("invalid day of week %q", s)
}

// UnmarshalText normalizes the day name.
func (w *Weekday) UnmarshalText(text []byte) error {
	day, err := ParseWeekday(string(text))
	if err != nil {
		return err
	}

	*w = day

	return nil
}

// ToWeekday returns the matching time.Weekday, or -1 for NONE.
func (w Weekday) ToWeekday() time.Weekday {
	for i, day := range weekdays {
		if day == w {
			return time.Weekday(i)
		}
	}

	return -1
}
