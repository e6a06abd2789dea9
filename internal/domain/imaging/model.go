package imaging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OrthancConfiguration identifies one configured archive endpoint. Values are
// treated as immutable; re-indexing produces a copy with a larger
// LastChangedIndex.
type OrthancConfiguration struct {
	ID               int    `json:"id"`
	BaseURL          string `json:"orthancBaseUrl"`
	ProxyURL         string `json:"orthancProxyUrl,omitempty"`
	LastChangedIndex int64  `json:"lastChangedIndex"`
}

// Endpoint returns the URL requests to the archive should be sent to.
func (oc OrthancConfiguration) Endpoint() string {
	if oc.ProxyURL != "" {
		return oc.ProxyURL
	}
	return oc.BaseURL
}

// DicomStudy is the registry's record of an imaging study held by an archive.
// PatientUUID is nil while the study is unassigned.
type DicomStudy struct {
	ID               int64                `json:"id"`
	StudyInstanceUID string               `json:"studyInstanceUID"`
	ArchiveStudyUID  string               `json:"orthancStudyUID"`
	ArchiveConfig    OrthancConfiguration `json:"orthancConfiguration"`
	PatientUUID      *uuid.UUID           `json:"mrsPatientUuid,omitempty"`
	PatientName      string               `json:"patientName"`
	PatientID        string               `json:"patientId,omitempty"`
	PatientBirthDate string               `json:"patientBirthDate,omitempty"`
	Gender           string               `json:"gender,omitempty"`
	StudyDate        string               `json:"studyDate"`
	StudyDescription string               `json:"studyDescription"`
}

// UnmarshalJSON accepts an empty or null mrsPatientUuid as unassigned.
func (s *DicomStudy) UnmarshalJSON(data []byte) error {
	type plain DicomStudy
	var aux struct {
		plain
		PatientUUID string `json:"mrsPatientUuid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = DicomStudy(aux.plain)
	s.PatientUUID = nil
	if aux.PatientUUID == "" {
		return nil
	}
	id, err := uuid.Parse(aux.PatientUUID)
	if err != nil {
		return fmt.Errorf("study %d: mrsPatientUuid: %w", s.ID, err)
	}
	s.PatientUUID = &id
	return nil
}

// AssignedTo reports whether the study is linked to patient.
func (s DicomStudy) AssignedTo(patient uuid.UUID) bool {
	return s.PatientUUID != nil && *s.PatientUUID == patient
}

// StudyDay returns the study date reduced to its YYYYMMDD digits so that DICOM
// (20240131) and ISO (2024-01-31) spellings order the same way.
func (s DicomStudy) StudyDay() string {
	return digitsOnly(s.StudyDate)
}

// Series is a child of exactly one DicomStudy, resolved by querying with the
// study id.
type Series struct {
	SeriesInstanceUID string               `json:"seriesInstanceUID"`
	ArchiveSeriesUID  string               `json:"orthancSeriesUID"`
	ArchiveConfig     OrthancConfiguration `json:"orthancConfiguration"`
	SeriesDescription string               `json:"seriesDescription"`
	SeriesNumber      string               `json:"seriesNumber"`
	SeriesDate        string               `json:"seriesDate"`
	SeriesTime        string               `json:"seriesTime"`
	Modality          string               `json:"modality"`
}

// Instance is a child of exactly one Series.
type Instance struct {
	SOPInstanceUID       string               `json:"sopInstanceUID"`
	ArchiveInstanceUID   string               `json:"orthancInstanceUID"`
	InstanceNumber       string               `json:"instanceNumber"`
	ImagePositionPatient string               `json:"imagePositionPatient"`
	NumberOfFrames       string               `json:"numberOfFrames"`
	ArchiveConfig        OrthancConfiguration `json:"orthancConfiguration"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestScheduled  RequestStatus = "scheduled"
	RequestInProgress RequestStatus = "in-progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

type StepStatus string

const (
	StepScheduled  StepStatus = "scheduled"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepCancelled  StepStatus = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// RequestProcedure is a worklist entry. StudyInstanceUID is filled in once a
// study is acquired against the request.
type RequestProcedure struct {
	ID                  int64                `json:"id"`
	Status              RequestStatus        `json:"status"`
	ArchiveConfig       OrthancConfiguration `json:"orthancConfiguration"`
	PatientUUID         uuid.UUID            `json:"patientUuid"`
	AccessionNumber     string               `json:"accessionNumber"`
	StudyInstanceUID    string               `json:"studyInstanceUID,omitempty"`
	RequestingPhysician string               `json:"requestingPhysician"`
	RequestDescription  string               `json:"requestDescription"`
	Priority            Priority             `json:"priority"`
}

// RequestProcedureStep is a scheduled step of exactly one RequestProcedure.
type RequestProcedureStep struct {
	ID                            int64      `json:"id"`
	RequestID                     int64      `json:"requestProcedureId"`
	Modality                      string     `json:"modality"`
	AETitle                       string     `json:"aetTitle"`
	ScheduledReferringPhysician   string     `json:"scheduledReferringPhysician"`
	RequestedProcedureDescription string     `json:"requestedProcedureDescription"`
	StepStartDate                 string     `json:"stepStartDate"`
	StepStartTime                 string     `json:"stepStartTime"`
	PerformedStatus               StepStatus `json:"performedProcedureStepStatus"`
	StationName                   string     `json:"stationName,omitempty"`
	ProcedureStepLocation         string     `json:"procedureStepLocation,omitempty"`
}

// PatientIdentity is the demographic identity candidate studies are scored
// against.
type PatientIdentity struct {
	UUID        uuid.UUID `json:"uuid"`
	GivenName   string    `json:"givenName,omitempty"`
	FamilyName  string    `json:"familyName,omitempty"`
	BirthDate   string    `json:"birthDate,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	Identifiers []string  `json:"identifiers,omitempty"`
}

// ScoredStudy pairs a candidate study with its match score in [0,1]. It is
// never persisted.
type ScoredStudy struct {
	Study DicomStudy `json:"study"`
	Score float64    `json:"score"`
}

// DeleteScope selects which backends a study deletion reaches.
type DeleteScope int

const (
	RegistryOnly DeleteScope = iota
	RegistryAndArchive
)

func (s DeleteScope) String() string {
	switch s {
	case RegistryOnly:
		return "registry"
	case RegistryAndArchive:
		return "registry-and-archive"
	default:
		return "unknown"
	}
}

// ParseDeleteScope accepts the spellings used by the UI ("openmrs"/"both") as
// well as the canonical names.
func ParseDeleteScope(s string) (DeleteScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "registry", "openmrs":
		return RegistryOnly, nil
	case "both", "all", "registry-and-archive":
		return RegistryAndArchive, nil
	default:
		return RegistryOnly, NewValidationError("scope", "unknown delete scope %q", s)
	}
}

// FetchOption selects which archive studies a synchronization links.
type FetchOption string

const (
	FetchAll    FetchOption = "all"
	FetchNewest FetchOption = "newest"
)

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
