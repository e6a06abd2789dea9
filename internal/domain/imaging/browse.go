package imaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/imaging/pkg/pagination"
)

var studySortKeys = map[string]func(DicomStudy) string{
	"studyDate":        func(s DicomStudy) string { return s.StudyDay() },
	"patientName":      func(s DicomStudy) string { return strings.ToLower(s.PatientName) },
	"studyDescription": func(s DicomStudy) string { return strings.ToLower(s.StudyDescription) },
	"studyInstanceUID": func(s DicomStudy) string { return s.StudyInstanceUID },
}

var seriesSortKeys = map[string]func(Series) string{
	"seriesDate":        func(s Series) string { return digitsOnly(s.SeriesDate) + digitsOnly(s.SeriesTime) },
	"seriesNumber":      func(s Series) string { return numericKey(s.SeriesNumber) },
	"modality":          func(s Series) string { return s.Modality },
	"seriesDescription": func(s Series) string { return strings.ToLower(s.SeriesDescription) },
}

var instanceSortKeys = map[string]func(Instance) string{
	"instanceNumber":       func(i Instance) string { return numericKey(i.InstanceNumber) },
	"imagePositionPatient": func(i Instance) string { return i.ImagePositionPatient },
	"sopInstanceUID":       func(i Instance) string { return i.SOPInstanceUID },
}

var requestSortKeys = map[string]func(RequestProcedure) string{
	"priority":        func(r RequestProcedure) string { return strconv.Itoa(priorityRank(r.Priority)) },
	"status":          func(r RequestProcedure) string { return string(r.Status) },
	"accessionNumber": func(r RequestProcedure) string { return r.AccessionNumber },
	"id":              func(r RequestProcedure) string { return numericKey(strconv.FormatInt(r.ID, 10)) },
}

var stepSortKeys = map[string]func(RequestProcedureStep) string{
	"stepStartDate": func(s RequestProcedureStep) string { return digitsOnly(s.StepStartDate) + digitsOnly(s.StepStartTime) },
	"modality":      func(s RequestProcedureStep) string { return s.Modality },
	"status":        func(s RequestProcedureStep) string { return string(s.PerformedStatus) },
}

func (s *Service) registerLoaders() {
	s.cache.Register(KindStudies, func(ctx context.Context, key ScopeKey) (PageData, error) {
		items, err := s.registry.StudiesByPatient(ctx, key.Scope.Parent.Patient)
		if err != nil {
			return PageData{}, err
		}
		return pageOf(items, studySortKeys, key), nil
	})
	s.cache.Register(KindSeries, func(ctx context.Context, key ScopeKey) (PageData, error) {
		items, err := s.registry.SeriesByStudy(ctx, key.Scope.Parent.Study)
		if err != nil {
			return PageData{}, err
		}
		return pageOf(items, seriesSortKeys, key), nil
	})
	s.cache.Register(KindInstances, func(ctx context.Context, key ScopeKey) (PageData, error) {
		p := key.Scope.Parent
		items, err := s.registry.InstancesBySeries(ctx, p.Study, p.Series)
		if err != nil {
			return PageData{}, err
		}
		return pageOf(items, instanceSortKeys, key), nil
	})
	s.cache.Register(KindRequests, func(ctx context.Context, key ScopeKey) (PageData, error) {
		items, err := s.registry.RequestsByPatient(ctx, key.Scope.Parent.Patient)
		if err != nil {
			return PageData{}, err
		}
		return pageOf(items, requestSortKeys, key), nil
	})
	s.cache.Register(KindSteps, func(ctx context.Context, key ScopeKey) (PageData, error) {
		items, err := s.registry.StepsByRequest(ctx, key.Scope.Parent.Request)
		if err != nil {
			return PageData{}, err
		}
		return pageOf(items, stepSortKeys, key), nil
	})
	// Candidates are cached whole and unscored; scoring depends on the
	// caller's identity and is applied on every read.
	s.cache.Register(KindCandidates, func(ctx context.Context, key ScopeKey) (PageData, error) {
		p := key.Scope.Parent
		res, err := s.registry.StudiesByArchive(ctx, p.Archive, p.Patient)
		if err != nil {
			return PageData{}, err
		}
		return PageData{Items: res, TotalCount: len(res.Studies), PageNumber: 1, TotalPages: 1}, nil
	})
}

// PageKey builds the cache key for one page of scope, validating the sort
// field and applying the per-kind default page size.
func (s *Service) PageKey(scope Scope, p pagination.Params) (ScopeKey, error) {
	if p.SortBy != "" && !validSortField(scope.Kind, p.SortBy) {
		return ScopeKey{}, NewValidationError("sort", "unsupported sort field %q for %s", p.SortBy, scope.Kind)
	}
	size := p.PageSize
	if size <= 0 {
		size = s.pageSizes.forKind(scope.Kind)
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return ScopeKey{
		Scope:    scope,
		Order:    Order{Field: p.SortBy, Desc: p.Desc},
		Page:     page,
		PageSize: size,
	}, nil
}

func (s *Service) fetch(ctx context.Context, scope Scope, p pagination.Params) Result {
	key, err := s.PageKey(scope, p)
	if err != nil {
		return Result{Err: err}
	}
	if p.NoWait {
		return s.cache.Peek(key)
	}
	return s.cache.FetchPage(ctx, key)
}

// StudiesPage returns one page of the studies assigned to patient.
func (s *Service) StudiesPage(ctx context.Context, patient uuid.UUID, p pagination.Params) Result {
	return s.fetch(ctx, StudiesScope(patient), p)
}

// SeriesPage returns one page of a study's series.
func (s *Service) SeriesPage(ctx context.Context, studyID int64, p pagination.Params) Result {
	return s.fetch(ctx, SeriesScope(studyID), p)
}

// InstancesPage returns one page of a series' instances.
func (s *Service) InstancesPage(ctx context.Context, studyID int64, seriesUID string, p pagination.Params) Result {
	if seriesUID == "" {
		return Result{Err: NewValidationError("seriesInstanceUID", "is required")}
	}
	return s.fetch(ctx, InstancesScope(studyID, seriesUID), p)
}

// RequestsPage returns one page of a patient's worklist requests.
func (s *Service) RequestsPage(ctx context.Context, patient uuid.UUID, p pagination.Params) Result {
	return s.fetch(ctx, RequestsScope(patient), p)
}

// StepsPage returns one page of a request's procedure steps.
func (s *Service) StepsPage(ctx context.Context, requestID int64, p pagination.Params) Result {
	return s.fetch(ctx, StepsScope(requestID), p)
}

// GetStudy reads a study straight from the registry.
func (s *Service) GetStudy(ctx context.Context, studyID int64) (DicomStudy, error) {
	return s.registry.GetStudy(ctx, studyID)
}

// Preview returns the rendered preview image of an archive instance.
func (s *Service) Preview(ctx context.Context, studyID int64, archiveInstanceUID string) ([]byte, string, error) {
	if archiveInstanceUID == "" {
		return nil, "", NewValidationError("orthancInstanceUID", "is required")
	}
	return s.registry.PreviewInstance(ctx, studyID, archiveInstanceUID)
}

func pageOf[T any](items []T, keys map[string]func(T) string, key ScopeKey) PageData {
	ordered := items
	if fn, ok := keys[key.Order.Field]; ok {
		ordered = pagination.SortStable(items, fn, key.Order.Desc)
	}
	p := pagination.Paginate(ordered, key.PageSize, key.Page)
	return PageData{
		Items:      p.Items,
		TotalCount: p.TotalCount,
		PageNumber: p.PageNumber,
		TotalPages: p.TotalPages,
	}
}

func validSortField(k Kind, field string) bool {
	var ok bool
	switch k {
	case KindStudies, KindCandidates:
		_, ok = studySortKeys[field]
	case KindSeries:
		_, ok = seriesSortKeys[field]
	case KindInstances:
		_, ok = instanceSortKeys[field]
	case KindRequests:
		_, ok = requestSortKeys[field]
	case KindSteps:
		_, ok = stepSortKeys[field]
	}
	return ok
}

// numericKey zero-pads integer strings so they order numerically. Anything
// that is not an integer sorts after every number.
func numericKey(s string) string {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return "~" + s
	}
	return fmt.Sprintf("%019d", n)
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}
