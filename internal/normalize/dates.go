package normalize

import (
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/billscan/internal/domain"
)

// directLayouts are the formats tried before the day-month-year fallback.
// None of them uses "-" between day, month and year, so "12-01-24" always
// reaches the fallback and reads as 12 January 2024.
var directLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/1/2",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02 Jan 2006",
	"Mon, 02 Jan 2006",
	"Mon Jan 2 2006",
}

// ParseDate runs the two-stage date parser. It never fails: text that
// matches neither stage yields the invalid sentinel.
func ParseDate(text string) domain.Date {
	s := strings.TrimSpace(text)
	if s == "" {
		return domain.InvalidDate()
	}

	if d, ok := parseDirect(s); ok {
		return domain.ParsedDate(d)
	}
	if d, ok := parseDayMonthYear(s); ok {
		return domain.ParsedDate(d)
	}
	return domain.InvalidDate()
}

func parseDirect(s string) (civil.Date, bool) {
	for _, layout := range directLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), true
		}
	}
	return civil.Date{}, false
}

// parseDayMonthYear reads "dd-mm-yy" or "dd-mm-yyyy".
func parseDayMonthYear(s string) (civil.Date, bool) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return civil.Date{}, false
	}

	var nums [3]int
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return civil.Date{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return civil.Date{}, false
		}
		nums[i] = n
	}

	day, month, year := nums[0], nums[1], nums[2]
	if len(strings.TrimSpace(parts[2])) <= 2 {
		year = ExpandYear(year)
	}

	d := civil.Date{Year: year, Month: time.Month(month), Day: day}
	if !d.IsValid() {
		return civil.Date{}, false
	}
	return d, true
}

// ExpandYear maps a two-digit year to 1970-2069.
func ExpandYear(yy int) int {
	if yy >= 70 {
		return 1900 + yy
	}
	return 2000 + yy
}
