package imaging

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// StudiesWithScores is the archive-proxy answer for one archive: the studies
// it holds plus the registry's own match percentages keyed by
// StudyInstanceUID.
type StudiesWithScores struct {
	Studies []DicomStudy       `json:"studies"`
	Scores  map[string]float64 `json:"scores"`
}

// UploadFile is one DICOM file forwarded to an archive through the registry.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Registry is the clinical-record backend. Every method performs exactly one
// network request and never retries.
type Registry interface {
	ListConfigurations(ctx context.Context) ([]OrthancConfiguration, error)

	StudiesByPatient(ctx context.Context, patient uuid.UUID) ([]DicomStudy, error)
	GetStudy(ctx context.Context, studyID int64) (DicomStudy, error)
	StudiesByArchive(ctx context.Context, archiveID int, patient uuid.UUID) (StudiesWithScores, error)
	SeriesByStudy(ctx context.Context, studyID int64) ([]Series, error)
	InstancesBySeries(ctx context.Context, studyID int64, seriesUID string) ([]Instance, error)
	PreviewInstance(ctx context.Context, studyID int64, archiveInstanceUID string) ([]byte, string, error)

	AssignStudy(ctx context.Context, studyID int64, patient uuid.UUID, assign bool) error
	LinkStudies(ctx context.Context, archiveID int, option FetchOption) error
	UploadInstance(ctx context.Context, archiveID int, file UploadFile) error
	DeleteStudy(ctx context.Context, studyID int64) error
	DeleteSeries(ctx context.Context, seriesUID string) error

	RequestsByPatient(ctx context.Context, patient uuid.UUID) ([]RequestProcedure, error)
	RequestsByArchive(ctx context.Context, archiveID int) ([]RequestProcedure, error)
	SaveRequest(ctx context.Context, patient uuid.UUID, req RequestProcedure) error
	StepsByRequest(ctx context.Context, requestID int64) ([]RequestProcedureStep, error)
	SaveStep(ctx context.Context, requestID int64, step RequestProcedureStep) error
	DeleteRequest(ctx context.Context, requestID int64) error
	DeleteStep(ctx context.Context, stepID int64) error
}

// ArchiveChange is one entry of an archive's change feed.
type ArchiveChange struct {
	ChangeType   string `json:"ChangeType"`
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	ResourceType string `json:"ResourceType"`
	Seq          int64  `json:"Seq"`
	Date         string `json:"Date"`
}

// ChangeFeed is one page of an archive's change feed.
type ChangeFeed struct {
	Changes []ArchiveChange `json:"Changes"`
	Done    bool            `json:"Done"`
	Last    int64           `json:"Last"`
}

// Archive is a single picture archive reached directly rather than through
// the registry.
type Archive interface {
	DeleteStudy(ctx context.Context, archiveStudyUID string) error
	Changes(ctx context.Context, since int64, limit int) (ChangeFeed, error)
	Ping(ctx context.Context) error
}

// ArchiveDialer opens an Archive client for a configuration.
type ArchiveDialer func(cfg OrthancConfiguration) Archive

// AuditEntry records one successful mutation.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Action    string    `json:"action"`
	StudyID   int64     `json:"studyId,omitempty"`
	Patient   string    `json:"patient,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Orphan is an archive study whose registry record is gone.
type Orphan struct {
	ID              uuid.UUID  `json:"id"`
	ArchiveID       int        `json:"archiveId"`
	ArchiveStudyUID string     `json:"archiveStudyUid"`
	StudyID         int64      `json:"studyId"`
	Reason          string     `json:"reason"`
	CreatedAt       time.Time  `json:"createdAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// LedgerRepository persists the audit trail and the orphan list.
type LedgerRepository interface {
	RecordAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, studyID int64, limit int) ([]*AuditEntry, error)
	RecordOrphan(ctx context.Context, o *Orphan) error
	ListOrphans(ctx context.Context, includeResolved bool) ([]*Orphan, error)
	ResolveOrphan(ctx context.Context, id uuid.UUID) error
}

// AccessionReserver tracks accession numbers per archive. Reserve keeps the
// generator from handing a number out twice. Claim marks a number as taken
// by a request being saved and reports false when another request holds it.
// Release undoes a Claim whose request was never saved.
type AccessionReserver interface {
	Reserve(ctx context.Context, archiveID int, number string) (bool, error)
	Claim(ctx context.Context, archiveID int, number string) (bool, error)
	Release(ctx context.Context, archiveID int, number string) error
}
