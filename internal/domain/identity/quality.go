package identity

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// DataQualityScore measures format conformance of the populated fields,
// 0..100. Absent fields are skipped, so a sparse but clean record still
// scores high.
func DataQualityScore(d Demographics) float64 {
	var checked, passed float64

	if d.SSN != "" {
		checked++
		if len(digitsOf(d.SSN)) == 9 {
			passed++
		}
	}
	for _, p := range d.Phones {
		checked++
		if n := len(digitsOf(p)); n >= 10 && n <= 15 {
			passed++
		}
	}
	for _, e := range d.Emails {
		checked++
		if emailPattern.MatchString(e) {
			passed++
		}
	}
	if d.DateOfBirth != nil {
		checked++
		if plausibleBirthDate(*d.DateOfBirth) {
			passed++
		}
	}
	if d.Gender != "" {
		checked++
		switch strings.ToLower(d.Gender) {
		case "male", "female", "other", "unknown":
			passed++
		}
	}
	if d.FirstName != "" {
		checked++
		if alphabetic(d.FirstName) {
			passed++
		}
	}
	if d.LastName != "" {
		checked++
		if alphabetic(d.LastName) {
			passed++
		}
	}

	if checked == 0 {
		return 0
	}
	return 100 * passed / checked
}

// CompletenessScore measures how much of the expected demographic set is
// populated, 0..100.
func CompletenessScore(d Demographics) float64 {
	var populated float64
	const expected = 8

	if d.FirstName != "" {
		populated++
	}
	if d.LastName != "" {
		populated++
	}
	if d.DateOfBirth != nil {
		populated++
	}
	if d.Gender != "" {
		populated++
	}
	if d.SSN != "" {
		populated++
	}
	if len(d.Phones) > 0 {
		populated++
	}
	if len(d.Emails) > 0 {
		populated++
	}
	if len(d.Addresses) > 0 {
		populated++
	}
	return 100 * populated / expected
}

func plausibleBirthDate(t time.Time) bool {
	now := time.Now()
	return !t.After(now) && t.After(now.AddDate(-130, 0, 0))
}

func alphabetic(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != ' ' && r != '-' && r != '\'' {
			return false
		}
	}
	return true
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
