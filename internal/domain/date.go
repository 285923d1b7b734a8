package domain

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// InvalidDateText is the wire value for a date that could not be parsed.
const InvalidDateText = "invalid"

// Date is the result of date normalization: either a parsed calendar date
// or the invalid sentinel. The zero value is invalid.
type Date struct {
	value civil.Date
	valid bool
}

// ParsedDate wraps a calendar date. An impossible date (Feb 30) yields the
// invalid sentinel.
func ParsedDate(d civil.Date) Date {
	if !d.IsValid() {
		return Date{}
	}
	return Date{value: d, valid: true}
}

// InvalidDate returns the invalid sentinel.
func InvalidDate() Date {
	return Date{}
}

// Valid reports whether the date was parsed.
func (d Date) Valid() bool { return d.valid }

// Civil returns the calendar date and whether it is valid.
func (d Date) Civil() (civil.Date, bool) {
	return d.value, d.valid
}

// String renders the date as M/D/YYYY, or "invalid".
func (d Date) String() string {
	if !d.valid {
		return InvalidDateText
	}
	return fmt.Sprintf("%d/%d/%04d", int(d.value.Month), d.value.Day, d.value.Year)
}

// ISO renders YYYY-MM-DD, or the empty string for the invalid sentinel.
func (d Date) ISO() string {
	if !d.valid {
		return ""
	}
	return d.value.String()
}

// Compare orders dates with the invalid sentinel before every valid date.
// It returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case !d.valid && !other.valid:
		return 0
	case !d.valid:
		return -1
	case !other.valid:
		return 1
	}
	switch {
	case d.value.Before(other.value):
		return -1
	case d.value.After(other.value):
		return 1
	}
	return 0
}
