package imaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Modalities lists the DICOM modality codes a procedure step may use.
var Modalities = []string{
	"CR", "CT", "MR", "US", "XA", "DX", "MG", "NM", "PT",
	"RF", "SC", "XC", "OP", "PR", "SR", "RT",
}

// requestTransitions defines valid status transitions for a RequestProcedure.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestScheduled, RequestCancelled},
	RequestScheduled:  {RequestInProgress, RequestCancelled},
	RequestInProgress: {RequestCompleted, RequestCancelled},
	RequestCompleted:  {},
	RequestCancelled:  {},
}

// stepTransitions defines valid status transitions for a RequestProcedureStep.
var stepTransitions = map[StepStatus][]StepStatus{
	StepScheduled:  {StepInProgress, StepCancelled},
	StepInProgress: {StepCompleted, StepCancelled},
	StepCompleted:  {},
	StepCancelled:  {},
}

// ValidateRequestTransition checks if a request may move from one status to
// another.
func ValidateRequestTransition(from, to RequestStatus) error {
	allowed, ok := requestTransitions[from]
	if !ok {
		return NewValidationError("status", "unknown from-status: %s", from)
	}
	if _, known := requestTransitions[to]; !known {
		return NewValidationError("status", "unknown status: %s", to)
	}
	if !slices.Contains(allowed, to) {
		return NewValidationError("status", "invalid transition from %s to %s", from, to)
	}
	return nil
}

// ValidateStepTransition checks if a procedure step may move from one status
// to another.
func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := stepTransitions[from]
	if !ok {
		return NewValidationError("status", "unknown from-status: %s", from)
	}
	if _, known := stepTransitions[to]; !known {
		return NewValidationError("status", "unknown status: %s", to)
	}
	if !slices.Contains(allowed, to) {
		return NewValidationError("status", "invalid transition from %s to %s", from, to)
	}
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// CreateRequestInput is a new worklist request. An empty AccessionNumber
// asks for a generated one.
type CreateRequestInput struct {
	ArchiveID           int       `json:"archiveId"`
	Patient             uuid.UUID `json:"patientUuid"`
	AccessionNumber     string    `json:"accessionNumber"`
	RequestingPhysician string    `json:"requestingPhysician"`
	RequestDescription  string    `json:"requestDescription"`
	Priority            Priority  `json:"priority"`
}

// Validate checks the payload shape. Accession numbers are checked separately
// because that needs the registry.
func (in CreateRequestInput) Validate() error {
	return validationFailure(validation.ValidateStruct(&in,
		validation.Field(&in.ArchiveID, validation.Required),
		validation.Field(&in.Patient, validation.Required, validation.By(notNilUUID)),
		validation.Field(&in.RequestingPhysician, validation.Required, validation.Length(1, 255)),
		validation.Field(&in.RequestDescription, validation.Required, validation.Length(1, 1024)),
		validation.Field(&in.Priority, validation.Required, validation.In(PriorityLow, PriorityMedium, PriorityHigh)),
	))
}

// CreateStepInput is a new procedure step for an existing request.
type CreateStepInput struct {
	Modality                      string `json:"modality"`
	AETitle                       string `json:"aetTitle"`
	ScheduledReferringPhysician   string `json:"scheduledReferringPhysician"`
	RequestedProcedureDescription string `json:"requestedProcedureDescription"`
	StepStartDate                 string `json:"stepStartDate"`
	StepStartTime                 string `json:"stepStartTime"`
	StationName                   string `json:"stationName,omitempty"`
	ProcedureStepLocation         string `json:"procedureStepLocation,omitempty"`
}

func (in CreateStepInput) Validate() error {
	modalities := make([]interface{}, len(Modalities))
	for i, m := range Modalities {
		modalities[i] = m
	}
	return validationFailure(validation.ValidateStruct(&in,
		validation.Field(&in.Modality, validation.Required, validation.In(modalities...)),
		// DICOM AE titles are at most 16 characters.
		validation.Field(&in.AETitle, validation.Required, validation.Length(1, 16)),
		validation.Field(&in.ScheduledReferringPhysician, validation.Required, validation.Length(1, 255)),
		validation.Field(&in.RequestedProcedureDescription, validation.Required, validation.Length(1, 1024)),
		validation.Field(&in.StepStartDate, validation.Required),
		validation.Field(&in.StepStartTime, validation.Required),
	))
}

// CreateRequest validates and stores a new pending request.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (RequestProcedure, error) {
	if err := in.Validate(); err != nil {
		return RequestProcedure{}, err
	}
	archive, err := s.archives.Get(in.ArchiveID)
	if err != nil {
		return RequestProcedure{}, err
	}

	number := in.AccessionNumber
	if number == "" {
		if number, err = s.GenerateAccessionNumber(ctx, in.ArchiveID); err != nil {
			return RequestProcedure{}, err
		}
	} else if err := s.checkManualAccession(ctx, in.ArchiveID, number); err != nil {
		return RequestProcedure{}, err
	}
	if err := s.claimAccession(ctx, in.ArchiveID, number); err != nil {
		return RequestProcedure{}, err
	}

	req := RequestProcedure{
		Status:              RequestPending,
		ArchiveConfig:       archive,
		PatientUUID:         in.Patient,
		AccessionNumber:     number,
		RequestingPhysician: in.RequestingPhysician,
		RequestDescription:  in.RequestDescription,
		Priority:            in.Priority,
	}
	if err := s.registry.SaveRequest(ctx, in.Patient, req); err != nil {
		s.releaseAccession(ctx, in.ArchiveID, number)
		return RequestProcedure{}, err
	}

	s.cache.Invalidate(RequestsScope(in.Patient))
	s.logger.Info().
		Str("patient", in.Patient.String()).
		Int("archive", in.ArchiveID).
		Str("accession", number).
		Msg("worklist request created")
	s.audit(ctx, "request.create", 0, &in.Patient, number)
	return req, nil
}

// UpdateRequestStatus moves a patient's request to status to. Moving to the
// current status is a no-op.
func (s *Service) UpdateRequestStatus(ctx context.Context, patient uuid.UUID, requestID int64, to RequestStatus) (RequestProcedure, error) {
	req, err := s.findRequest(ctx, patient, requestID)
	if err != nil {
		return RequestProcedure{}, err
	}
	if req.Status == to {
		return req, nil
	}
	if err := ValidateRequestTransition(req.Status, to); err != nil {
		return RequestProcedure{}, err
	}

	from := req.Status
	req.Status = to
	if err := s.registry.SaveRequest(ctx, patient, req); err != nil {
		return RequestProcedure{}, err
	}

	s.cache.Invalidate(RequestsScope(patient))
	s.logger.Info().Int64("request", requestID).Str("from", string(from)).Str("to", string(to)).Msg("worklist request status changed")
	s.audit(ctx, "request.status", 0, &patient, fmt.Sprintf("%d:%s->%s", requestID, from, to))
	return req, nil
}

// CreateStep adds a scheduled step to a request that is still open. The
// request's own status is left untouched.
func (s *Service) CreateStep(ctx context.Context, patient uuid.UUID, requestID int64, in CreateStepInput) (RequestProcedureStep, error) {
	if err := in.Validate(); err != nil {
		return RequestProcedureStep{}, err
	}
	date, err := NormalizeDicomDate(in.StepStartDate)
	if err != nil {
		return RequestProcedureStep{}, err
	}
	clock, err := NormalizeDicomTime(in.StepStartTime)
	if err != nil {
		return RequestProcedureStep{}, err
	}

	req, err := s.findRequest(ctx, patient, requestID)
	if err != nil {
		return RequestProcedureStep{}, err
	}
	if req.Status.Terminal() {
		return RequestProcedureStep{}, NewValidationError("requestId", "request %d is %s and accepts no new steps", requestID, req.Status)
	}

	step := RequestProcedureStep{
		RequestID:                     requestID,
		Modality:                      in.Modality,
		AETitle:                       in.AETitle,
		ScheduledReferringPhysician:   in.ScheduledReferringPhysician,
		RequestedProcedureDescription: in.RequestedProcedureDescription,
		StepStartDate:                 date,
		StepStartTime:                 clock,
		PerformedStatus:               StepScheduled,
		StationName:                   in.StationName,
		ProcedureStepLocation:         in.ProcedureStepLocation,
	}
	if err := s.registry.SaveStep(ctx, requestID, step); err != nil {
		return RequestProcedureStep{}, err
	}

	s.cache.Invalidate(StepsScope(requestID))
	s.logger.Info().Int64("request", requestID).Str("modality", step.Modality).Msg("procedure step created")
	s.audit(ctx, "step.create", 0, &patient, strconv.FormatInt(requestID, 10))
	return step, nil
}

// UpdateStepStatus moves a step to status to.
func (s *Service) UpdateStepStatus(ctx context.Context, requestID, stepID int64, to StepStatus) (RequestProcedureStep, error) {
	steps, err := s.registry.StepsByRequest(ctx, requestID)
	if err != nil {
		return RequestProcedureStep{}, err
	}
	idx := slices.IndexFunc(steps, func(st RequestProcedureStep) bool { return st.ID == stepID })
	if idx < 0 {
		return RequestProcedureStep{}, &NotFoundError{Entity: "procedure step", ID: strconv.FormatInt(stepID, 10)}
	}
	step := steps[idx]
	if step.PerformedStatus == to {
		return step, nil
	}
	if err := ValidateStepTransition(step.PerformedStatus, to); err != nil {
		return RequestProcedureStep{}, err
	}

	from := step.PerformedStatus
	step.PerformedStatus = to
	if err := s.registry.SaveStep(ctx, requestID, step); err != nil {
		return RequestProcedureStep{}, err
	}

	s.cache.Invalidate(StepsScope(requestID))
	s.logger.Info().Int64("step", stepID).Str("from", string(from)).Str("to", string(to)).Msg("procedure step status changed")
	s.audit(ctx, "step.status", 0, nil, fmt.Sprintf("%d:%s->%s", stepID, from, to))
	return step, nil
}

func (s *Service) findRequest(ctx context.Context, patient uuid.UUID, requestID int64) (RequestProcedure, error) {
	reqs, err := s.registry.RequestsByPatient(ctx, patient)
	if err != nil {
		return RequestProcedure{}, err
	}
	for _, r := range reqs {
		if r.ID == requestID {
			return r, nil
		}
	}
	return RequestProcedure{}, &NotFoundError{Entity: "request", ID: strconv.FormatInt(requestID, 10)}
}

func notNilUUID(value interface{}) error {
	if id, ok := value.(uuid.UUID); ok && id == uuid.Nil {
		return errors.New("must not be the nil UUID")
	}
	return nil
}

// validationFailure converts ozzo validation errors into a ValidationError
// naming the first offending field.
func validationFailure(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if errors.As(err, &errs) {
		fields := make([]string, 0, len(errs))
		for f := range errs {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		return &ValidationError{Field: fields[0], Msg: errs.Error()}
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return err
	}
	return &ValidationError{Msg: err.Error()}
}
