package imaging

import (
	"math"
	"testing"

	"github.com/google/uuid"
)

func headerStudy() DicomStudy {
	return DicomStudy{
		StudyInstanceUID: "1.2.840.1",
		PatientName:      "Doe^Jane",
		PatientID:        "MRN-100",
		PatientBirthDate: "19800115",
		Gender:           "F",
	}
}

func TestDemographicScorer_IdentifierMatchIsExact(t *testing.T) {
	s := NewDemographicScorer()
	identity := PatientIdentity{UUID: uuid.New(), Identifiers: []string{"other", " mrn-100 "}}
	if got := s.Score(identity, headerStudy()); got != 1.0 {
		t.Errorf("expected 1.0 for identifier match, got %v", got)
	}
}

func TestDemographicScorer_NoOverlapIsZero(t *testing.T) {
	s := NewDemographicScorer()
	identity := PatientIdentity{
		UUID:       uuid.New(),
		GivenName:  "Bob",
		FamilyName: "Smith",
		BirthDate:  "1971-03-02",
		Gender:     "M",
	}
	if got := s.Score(identity, headerStudy()); got != 0.0 {
		t.Errorf("expected 0.0 without overlap, got %v", got)
	}
	if got := s.Score(PatientIdentity{UUID: uuid.New()}, headerStudy()); got != 0.0 {
		t.Errorf("expected 0.0 for an identity without fields, got %v", got)
	}
}

func TestDemographicScorer_MonotonicInMatchingFields(t *testing.T) {
	s := NewDemographicScorer()
	base := PatientIdentity{UUID: uuid.New(), FamilyName: "Doe", GivenName: "Bob", BirthDate: "1971-03-02", Gender: "M"}

	steps := []func(*PatientIdentity){
		func(p *PatientIdentity) { p.GivenName = "Jane" },
		func(p *PatientIdentity) { p.BirthDate = "1980-01-15" },
		func(p *PatientIdentity) { p.Gender = "female" },
	}
	prev := s.Score(base, headerStudy())
	for i, apply := range steps {
		apply(&base)
		got := s.Score(base, headerStudy())
		if got < prev {
			t.Fatalf("step %d: score decreased from %v to %v", i, prev, got)
		}
		prev = got
	}
	if prev != 1.0 {
		t.Errorf("expected a full match to score 1.0, got %v", prev)
	}
}

func TestDemographicScorer_ToleratesSwappedAndMisspelledNames(t *testing.T) {
	s := NewDemographicScorer()
	swapped := headerStudy()
	swapped.PatientName = "Jane^Doe"
	identity := PatientIdentity{UUID: uuid.New(), FamilyName: "Doe", GivenName: "Jane"}
	if got := s.Score(identity, swapped); got != 1.0 {
		t.Errorf("expected swapped name order to match, got %v", got)
	}

	identity.GivenName = "Jayne"
	got := s.Score(identity, headerStudy())
	if got <= 0.5 || got >= 1.0 {
		t.Errorf("expected a partial score for a misspelled name, got %v", got)
	}
}

func TestDemographicScorer_ScoreIsRounded(t *testing.T) {
	s := NewDemographicScorer()
	identity := PatientIdentity{UUID: uuid.New(), FamilyName: "Doe", GivenName: "Jayne", Gender: "M"}
	got := s.Score(identity, headerStudy())
	if math.Round(got*1000)/1000 != got {
		t.Errorf("expected 3 decimal places, got %v", got)
	}
}

func TestServerScoreScorer(t *testing.T) {
	s := ServerScoreScorer{
		Scores:   map[string]float64{"1.2.840.1": 42},
		Fallback: ScorerFunc(func(PatientIdentity, DicomStudy) float64 { return 0.25 }),
	}
	identity := PatientIdentity{UUID: uuid.New()}
	if got := s.Score(identity, headerStudy()); got != 0.42 {
		t.Errorf("expected registry percentage 0.42, got %v", got)
	}

	unrated := headerStudy()
	unrated.StudyInstanceUID = "9.9"
	if got := s.Score(identity, unrated); got != 0.25 {
		t.Errorf("expected fallback 0.25, got %v", got)
	}

	identity.Identifiers = []string{"MRN-100"}
	if got := s.Score(identity, unrated); got != 1.0 {
		t.Errorf("expected identifier match to win, got %v", got)
	}

	over := ServerScoreScorer{Scores: map[string]float64{"1.2.840.1": 250}}
	if got := over.Score(PatientIdentity{}, headerStudy()); got != 1.0 {
		t.Errorf("expected percentage clamped to 1.0, got %v", got)
	}
}

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"MARTHA", "MARHTA", 0.961},
		{"DWAYNE", "DUANE", 0.84},
		{"DIXON", "DICKSONX", 0.813},
		{"same", "SAME", 1.0},
		{"", "abc", 0.0},
		{"abc", "xyz", 0.0},
	}
	for _, tt := range tests {
		got := math.Round(jaroWinkler(tt.a, tt.b)*1000) / 1000
		if got != tt.want {
			t.Errorf("jaroWinkler(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSplitPatientName(t *testing.T) {
	tests := []struct {
		in, family, given string
	}{
		{"Doe^Jane^^^", "Doe", "Jane"},
		{"Doe", "Doe", ""},
		{"Jane Mary Doe", "Doe", "Jane Mary"},
		{"  ", "", ""},
	}
	for _, tt := range tests {
		family, given := splitPatientName(tt.in)
		if family != tt.family || given != tt.given {
			t.Errorf("splitPatientName(%q) = %q, %q; want %q, %q", tt.in, family, given, tt.family, tt.given)
		}
	}
}
