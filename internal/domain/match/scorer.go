package match

import (
	"fmt"
	"strings"

	"github.com/ehr/mpi/internal/domain/identity"
)

// Weights controls the relative strength of each comparison signal.
// SSN must outrank name+DOB, which must outrank contact, which must
// outrank address; Validate refuses any other ordering.
type Weights struct {
	SSN     float64 `mapstructure:"ssn"`
	NameDOB float64 `mapstructure:"name_dob"`
	Contact float64 `mapstructure:"contact"`
	Address float64 `mapstructure:"address"`
}

func DefaultWeights() Weights {
	return Weights{SSN: 40, NameDOB: 30, Contact: 20, Address: 10}
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{"ssn": w.SSN, "name_dob": w.NameDOB, "contact": w.Contact, "address": w.Address} {
		if v <= 0 {
			return fmt.Errorf("match weight %s must be positive, got %v", name, v)
		}
	}
	if !(w.SSN > w.NameDOB && w.NameDOB > w.Contact && w.Contact > w.Address) {
		return fmt.Errorf("match weights must be ordered ssn > name_dob > contact > address")
	}
	return nil
}

// nameOnlyFactor damps the name signal when a birth date is missing on
// either side, so a bare name match never scores like name plus DOB.
const nameOnlyFactor = 0.6

type Scorer struct {
	weights Weights
}

func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Score compares two demographic sets and returns a similarity in
// [0,100]. Only signals present on both sides participate: the result
// is the weighted mean over present signals, so absent fields neither
// help nor hurt. Two records sharing no comparable field score zero.
func (s *Scorer) Score(a, b identity.Demographics) float64 {
	var weightSum, scoreSum float64

	if sim, ok := ssnSimilarity(a, b); ok {
		weightSum += s.weights.SSN
		scoreSum += s.weights.SSN * sim
	}
	if sim, ok := nameDOBSimilarity(a, b); ok {
		weightSum += s.weights.NameDOB
		scoreSum += s.weights.NameDOB * sim
	}
	if sim, ok := contactSimilarity(a, b); ok {
		weightSum += s.weights.Contact
		scoreSum += s.weights.Contact * sim
	}
	if sim, ok := addressSimilarity(a, b); ok {
		weightSum += s.weights.Address
		scoreSum += s.weights.Address * sim
	}

	if weightSum == 0 {
		return 0
	}
	score := 100 * scoreSum / weightSum
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func ssnSimilarity(a, b identity.Demographics) (float64, bool) {
	if a.SSN == "" || b.SSN == "" {
		return 0, false
	}
	if digits(a.SSN) == digits(b.SSN) {
		return 1, true
	}
	return 0, true
}

func nameDOBSimilarity(a, b identity.Demographics) (float64, bool) {
	aName := a.FirstName != "" || a.LastName != ""
	bName := b.FirstName != "" || b.LastName != ""
	if !aName || !bName {
		return 0, false
	}

	var parts, total float64
	if a.FirstName != "" && b.FirstName != "" {
		total += jaroWinkler(normalizeName(a.FirstName), normalizeName(b.FirstName))
		parts++
	}
	if a.LastName != "" && b.LastName != "" {
		total += jaroWinkler(normalizeName(a.LastName), normalizeName(b.LastName))
		parts++
	}
	if parts == 0 {
		return 0, false
	}
	nameSim := total / parts

	if a.DateOfBirth == nil || b.DateOfBirth == nil {
		return nameSim * nameOnlyFactor, true
	}
	return nameSim * dateSimilarity(a.DateOfBirth.Format("20060102"), b.DateOfBirth.Format("20060102")), true
}

// dateSimilarity compares two YYYYMMDD strings: exact 1.0, a single
// adjacent-digit transposition (a common keying error) 0.8, same year
// and month 0.5, anything else 0.
func dateSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if singleTransposition(a, b) {
		return 0.8
	}
	if len(a) >= 6 && len(b) >= 6 && a[:6] == b[:6] {
		return 0.5
	}
	return 0
}

func singleTransposition(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	diff := -1
	for n := 0; n < len(a); n++ {
		if a[n] == b[n] {
			continue
		}
		if diff >= 0 {
			// Already saw one swapped pair; any further mismatch
			// disqualifies.
			if n == diff+1 {
				continue
			}
			return false
		}
		if n+1 < len(a) && a[n] == b[n+1] && a[n+1] == b[n] {
			diff = n
			continue
		}
		return false
	}
	return diff >= 0
}

func contactSimilarity(a, b identity.Demographics) (float64, bool) {
	aHas := len(a.Phones) > 0 || len(a.Emails) > 0
	bHas := len(b.Phones) > 0 || len(b.Emails) > 0
	if !aHas || !bHas {
		return 0, false
	}

	var sim float64
	for _, pa := range a.Phones {
		for _, pb := range b.Phones {
			if phonesEqual(pa, pb) {
				sim = 1
			}
		}
	}
	for _, ea := range a.Emails {
		for _, eb := range b.Emails {
			if strings.EqualFold(strings.TrimSpace(ea), strings.TrimSpace(eb)) {
				sim = 1
			}
		}
	}
	return sim, true
}

// phonesEqual compares on the trailing ten digits so formatting and
// country prefixes do not defeat the match.
func phonesEqual(a, b string) bool {
	da, db := digits(a), digits(b)
	if len(da) < 7 || len(db) < 7 {
		return false
	}
	if len(da) > 10 {
		da = da[len(da)-10:]
	}
	if len(db) > 10 {
		db = db[len(db)-10:]
	}
	return da == db
}

func addressSimilarity(a, b identity.Demographics) (float64, bool) {
	if len(a.Addresses) == 0 || len(b.Addresses) == 0 {
		return 0, false
	}
	best := 0.0
	for _, aa := range a.Addresses {
		for _, ba := range b.Addresses {
			if sim := addressPairSimilarity(aa, ba); sim > best {
				best = sim
			}
		}
	}
	return best, true
}

func addressPairSimilarity(a, b identity.Address) float64 {
	var compared, matched float64
	cmp := func(x, y string) {
		x, y = normalizeAddressPart(x), normalizeAddressPart(y)
		if x == "" || y == "" {
			return
		}
		compared++
		if x == y {
			matched++
		}
	}
	cmp(a.Line1, b.Line1)
	cmp(a.City, b.City)
	cmp(a.State, b.State)
	cmp(a.PostalCode, b.PostalCode)
	if compared == 0 {
		return 0
	}
	return matched / compared
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAddressPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	replacer := strings.NewReplacer(
		" street", " st", " avenue", " ave", " road", " rd",
		" drive", " dr", " lane", " ln", " boulevard", " blvd",
		" apartment", " apt", " suite", " ste",
	)
	return replacer.Replace(s)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// jaroWinkler computes string similarity in [0,1], boosting pairs that
// share a common prefix.
func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0
	}

	matchDistance := len(s1)
	if len(s2) > matchDistance {
		matchDistance = len(s2)
	}
	matchDistance = matchDistance/2 - 1
	if matchDistance < 0 {
		matchDistance = 0
	}

	s1Matches := make([]bool, len(s1))
	s2Matches := make([]bool, len(s2))
	matches := 0

	for i := 0; i < len(s1); i++ {
		start := i - matchDistance
		if start < 0 {
			start = 0
		}
		end := i + matchDistance + 1
		if end > len(s2) {
			end = len(s2)
		}
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len(s1); i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions)/2)/m) / 3

	prefix := 0
	for i := 0; i < len(s1) && i < len(s2) && i < 4; i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1-jaro)
}
