package identity

import (
	"testing"
	"time"
)

func datePtr(y, m, d int) *time.Time {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestDataQualityScore_CleanRecord(t *testing.T) {
	d := Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		Gender:      "female",
		SSN:         "123-45-6789",
		Phones:      []string{"(555) 123-4567"},
		Emails:      []string{"maria@example.com"},
	}
	if got := DataQualityScore(d); got != 100 {
		t.Errorf("expected 100 for clean record, got %.1f", got)
	}
}

func TestDataQualityScore_SparseButClean(t *testing.T) {
	d := Demographics{FirstName: "Ana", LastName: "Silva"}
	if got := DataQualityScore(d); got != 100 {
		t.Errorf("sparse clean record should still score 100, got %.1f", got)
	}
}

func TestDataQualityScore_BadFields(t *testing.T) {
	d := Demographics{
		FirstName: "J0hn", // digits in a name
		LastName:  "Smith",
		SSN:       "12345", // too short
		Emails:    []string{"not-an-email"},
	}
	got := DataQualityScore(d)
	if got != 25 { // 1 of 4 checks passes
		t.Errorf("expected 25, got %.1f", got)
	}
}

func TestDataQualityScore_Empty(t *testing.T) {
	if got := DataQualityScore(Demographics{}); got != 0 {
		t.Errorf("expected 0 for empty record, got %.1f", got)
	}
}

func TestCompletenessScore(t *testing.T) {
	if got := CompletenessScore(Demographics{}); got != 0 {
		t.Errorf("expected 0 for empty record, got %.1f", got)
	}

	half := Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		Gender:      "female",
	}
	if got := CompletenessScore(half); got != 50 {
		t.Errorf("expected 50 for half-populated record, got %.1f", got)
	}

	full := Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		Gender:      "female",
		SSN:         "123456789",
		Phones:      []string{"5551234567"},
		Emails:      []string{"maria@example.com"},
		Addresses:   []Address{{Line1: "1 Main St", City: "Springfield"}},
	}
	if got := CompletenessScore(full); got != 100 {
		t.Errorf("expected 100 for full record, got %.1f", got)
	}
}

func TestPlausibleBirthDate(t *testing.T) {
	if plausibleBirthDate(time.Now().AddDate(1, 0, 0)) {
		t.Error("future birth date should be implausible")
	}
	if plausibleBirthDate(time.Now().AddDate(-140, 0, 0)) {
		t.Error("140-year-old birth date should be implausible")
	}
	if !plausibleBirthDate(time.Now().AddDate(-40, 0, 0)) {
		t.Error("40-year-old birth date should be plausible")
	}
}

func TestDigitsOf(t *testing.T) {
	if got := digitsOf("(555) 123-4567"); got != "5551234567" {
		t.Errorf("expected 5551234567, got %s", got)
	}
	if got := digitsOf("abc"); got != "" {
		t.Errorf("expected empty string, got %s", got)
	}
}
