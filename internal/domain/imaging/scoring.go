package imaging

import (
	"math"
	"strings"
)

// Scorer rates how likely a study belongs to a patient. Implementations must
// return a value in [0,1] that does not decrease as more identity fields
// match, 1.0 for an exact identifier match and 0.0 when nothing overlaps.
type Scorer interface {
	Score(identity PatientIdentity, study DicomStudy) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(identity PatientIdentity, study DicomStudy) float64

func (f ScorerFunc) Score(identity PatientIdentity, study DicomStudy) float64 {
	return f(identity, study)
}

// DefaultNameFloor is the Jaro-Winkler similarity below which a name is
// treated as not matching at all.
const DefaultNameFloor = 0.85

// DemographicScorer compares the demographics carried in the study's DICOM
// header with the patient identity. Each field the identity supplies counts
// equally; names are compared with Jaro-Winkler, birth date and sex exactly.
type DemographicScorer struct {
	NameFloor float64
}

// NewDemographicScorer creates a scorer with the default name floor.
func NewDemographicScorer() *DemographicScorer {
	return &DemographicScorer{NameFloor: DefaultNameFloor}
}

func (s *DemographicScorer) Score(identity PatientIdentity, study DicomStudy) float64 {
	if identifierMatch(identity.Identifiers, study.PatientID) {
		return 1.0
	}

	floor := s.NameFloor
	if floor <= 0 {
		floor = DefaultNameFloor
	}

	family, given := splitPatientName(study.PatientName)
	fields := 0
	total := 0.0

	if identity.FamilyName != "" {
		fields++
		total += floored(bestNameSimilarity(identity.FamilyName, family, given), floor)
	}
	if identity.GivenName != "" {
		fields++
		total += floored(bestNameSimilarity(identity.GivenName, given, family), floor)
	}
	if identity.BirthDate != "" {
		fields++
		if d := digitsOnly(identity.BirthDate); d != "" && d == digitsOnly(study.PatientBirthDate) {
			total += 1.0
		}
	}
	if identity.Gender != "" {
		fields++
		if g := normalizeSex(identity.Gender); g != "" && g == normalizeSex(study.Gender) {
			total += 1.0
		}
	}

	if fields == 0 {
		return 0.0
	}
	return roundScore(total / float64(fields))
}

// ServerScoreScorer prefers the registry's own percentage for a study and
// falls back to another scorer when the registry did not rate it.
type ServerScoreScorer struct {
	Scores   map[string]float64
	Fallback Scorer
}

func (s ServerScoreScorer) Score(identity PatientIdentity, study DicomStudy) float64 {
	if identifierMatch(identity.Identifiers, study.PatientID) {
		return 1.0
	}
	if pct, ok := s.Scores[study.StudyInstanceUID]; ok {
		return roundScore(math.Max(0, math.Min(1, pct/100)))
	}
	if s.Fallback != nil {
		return s.Fallback.Score(identity, study)
	}
	return 0.0
}

func identifierMatch(identifiers []string, patientID string) bool {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return false
	}
	for _, id := range identifiers {
		if strings.EqualFold(strings.TrimSpace(id), patientID) {
			return true
		}
	}
	return false
}

// splitPatientName splits a DICOM PN ("Family^Given") or a display name
// ("Given Family") into family and given parts.
func splitPatientName(name string) (family, given string) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "^") {
		parts := strings.Split(name, "^")
		family = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			given = strings.TrimSpace(parts[1])
		}
		return family, given
	}
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[len(fields)-1], strings.Join(fields[:len(fields)-1], " ")
	}
}

// bestNameSimilarity compares want with the part it should match and, for
// headers written in the other order, with the swapped part.
func bestNameSimilarity(want, primary, swapped string) float64 {
	return math.Max(jaroWinkler(want, primary), jaroWinkler(want, swapped))
}

func floored(sim, floor float64) float64 {
	if sim < floor {
		return 0
	}
	return sim
}

func normalizeSex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	switch s[0] {
	case 'M', 'F', 'O':
		return s[:1]
	case 'U':
		return ""
	default:
		return s
	}
}

func roundScore(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// jaroWinkler returns the case-insensitive Jaro-Winkler similarity of a and b.
func jaroWinkler(a, b string) float64 {
	s1 := []rune(strings.ToLower(strings.TrimSpace(a)))
	s2 := []rune(strings.ToLower(strings.TrimSpace(b)))
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	if string(s1) == string(s2) {
		return 1.0
	}

	maxDist := max(len(s1), len(s2))/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	m1 := make([]bool, len(s1))
	m2 := make([]bool, len(s2))
	matches := 0
	for i := range s1 {
		start := max(0, i-maxDist)
		end := min(len(s2), i+maxDist+1)
		for j := start; j < end; j++ {
			if m2[j] || s1[i] != s2[j] {
				continue
			}
			m1[i], m2[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range s1 {
		if !m1[i] {
			continue
		}
		for !m2[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len(s1)) + m/float64(len(s2)) + (m-float64(transpositions)/2)/m) / 3.0

	prefix := 0
	for i := 0; i < min(4, len(s1), len(s2)); i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1.0-jaro)
}
