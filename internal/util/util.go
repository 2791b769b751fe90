package util

import (
	"crypto/rand"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID is sortable (nice for DB indexes and dashboards); each entity keeps
// its own prefix so an id is recognizable in logs.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewBatchID() string { return newID("batch") }
func NewLogID() string   { return newID("log") }
func NewEventID() string { return newID("evt") }
func NewIdemID() string  { return newID("idem") }

func NowUTC() time.Time {
	return time.Now().UTC()
}

var nonDigits = regexp.MustCompile(`\D`)

func DigitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

// FirstName extracts the leading word of a full name for template variables.
func FirstName(fullName string) string {
	fields := strings.Fields(strings.TrimSpace(fullName))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// WaMeLink builds a wa.me deep link, prepending the country code only when
// the number does not already carry it.
func WaMeLink(countryCode, number string) string {
	digits := DigitsOnly(number)
	if strings.HasPrefix(digits, countryCode) {
		return "https://wa.me/" + digits
	}
	return "https://wa.me/" + countryCode + digits
}
