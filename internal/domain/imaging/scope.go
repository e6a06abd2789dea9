package imaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind names one cached collection type.
type Kind int

const (
	KindStudies Kind = iota + 1
	KindSeries
	KindInstances
	KindRequests
	KindSteps
	KindCandidates
)

func (k Kind) String() string {
	switch k {
	case KindStudies:
		return "studies"
	case KindSeries:
		return "series"
	case KindInstances:
		return "instances"
	case KindRequests:
		return "requests"
	case KindSteps:
		return "steps"
	case KindCandidates:
		return "candidates"
	default:
		return "unknown"
	}
}

// ParentID identifies the owner of a collection. Only the fields relevant to
// the scope's Kind are set.
type ParentID struct {
	Patient uuid.UUID
	Study   int64
	Series  string
	Request int64
	Archive int
}

// Scope is a cached collection: a Kind under a parent.
type Scope struct {
	Kind   Kind
	Parent ParentID
}

func StudiesScope(patient uuid.UUID) Scope {
	return Scope{Kind: KindStudies, Parent: ParentID{Patient: patient}}
}

func SeriesScope(studyID int64) Scope {
	return Scope{Kind: KindSeries, Parent: ParentID{Study: studyID}}
}

func InstancesScope(studyID int64, seriesUID string) Scope {
	return Scope{Kind: KindInstances, Parent: ParentID{Study: studyID, Series: seriesUID}}
}

func RequestsScope(patient uuid.UUID) Scope {
	return Scope{Kind: KindRequests, Parent: ParentID{Patient: patient}}
}

func StepsScope(requestID int64) Scope {
	return Scope{Kind: KindSteps, Parent: ParentID{Request: requestID}}
}

func CandidatesScope(patient uuid.UUID, archiveID int) Scope {
	return Scope{Kind: KindCandidates, Parent: ParentID{Patient: patient, Archive: archiveID}}
}

// String renders the scope as a path, e.g. "instances/study/7/series/1.2.3".
// The form is used for websocket topics and round-trips through ParseScope.
func (s Scope) String() string {
	p := s.Parent
	switch s.Kind {
	case KindStudies, KindRequests:
		return fmt.Sprintf("%s/patient/%s", s.Kind, p.Patient)
	case KindSeries:
		return fmt.Sprintf("series/study/%d", p.Study)
	case KindInstances:
		return fmt.Sprintf("instances/study/%d/series/%s", p.Study, p.Series)
	case KindSteps:
		return fmt.Sprintf("steps/request/%d", p.Request)
	case KindCandidates:
		return fmt.Sprintf("candidates/patient/%s/archive/%d", p.Patient, p.Archive)
	default:
		return "unknown"
	}
}

// ParseScope parses the output of Scope.String.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	bad := NewValidationError("scope", "malformed scope %q", s)
	switch {
	case len(parts) == 3 && parts[1] == "patient" && (parts[0] == "studies" || parts[0] == "requests"):
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return Scope{}, bad
		}
		if parts[0] == "studies" {
			return StudiesScope(id), nil
		}
		return RequestsScope(id), nil
	case len(parts) == 3 && parts[0] == "series" && parts[1] == "study":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Scope{}, bad
		}
		return SeriesScope(id), nil
	case len(parts) == 5 && parts[0] == "instances" && parts[1] == "study" && parts[3] == "series":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || parts[4] == "" {
			return Scope{}, bad
		}
		return InstancesScope(id, parts[4]), nil
	case len(parts) == 3 && parts[0] == "steps" && parts[1] == "request":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Scope{}, bad
		}
		return StepsScope(id), nil
	case len(parts) == 5 && parts[0] == "candidates" && parts[1] == "patient" && parts[3] == "archive":
		p, err := uuid.Parse(parts[2])
		if err != nil {
			return Scope{}, bad
		}
		a, err := strconv.Atoi(parts[4])
		if err != nil {
			return Scope{}, bad
		}
		return CandidatesScope(p, a), nil
	default:
		return Scope{}, bad
	}
}

// Order is the sort applied before pagination.
type Order struct {
	Field string
	Desc  bool
}

// ScopeKey addresses one page of a scope under a given order.
type ScopeKey struct {
	Scope    Scope
	Order    Order
	Page     int
	PageSize int
}
