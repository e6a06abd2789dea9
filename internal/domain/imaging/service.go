package imaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PageSizes holds the default page size per collection.
type PageSizes struct {
	Studies    int
	Series     int
	Instances  int
	Requests   int
	Steps      int
	Candidates int
}

// DefaultPageSizes returns the page sizes the imaging UI was designed around.
func DefaultPageSizes() PageSizes {
	return PageSizes{Studies: 5, Series: 5, Instances: 10, Requests: 5, Steps: 5, Candidates: 5}
}

func (p PageSizes) forKind(k Kind) int {
	var n int
	switch k {
	case KindStudies:
		n = p.Studies
	case KindSeries:
		n = p.Series
	case KindInstances:
		n = p.Instances
	case KindRequests:
		n = p.Requests
	case KindSteps:
		n = p.Steps
	case KindCandidates:
		n = p.Candidates
	}
	if n <= 0 {
		return DefaultPageSizes().forKind(k)
	}
	return n
}

// Options wires a Service. Registry and Archives are required.
type Options struct {
	Registry        Registry
	Archives        *ArchiveRegistry
	Dial            ArchiveDialer
	Ledger          LedgerRepository
	Reserver        AccessionReserver
	Scorer          Scorer
	PageSizes       PageSizes
	RevalidateAfter time.Duration
	MinMatchScore   float64
	Logger          zerolog.Logger
	Now             func() time.Time

	// PreferServerScores scores candidates with the registry's percentages
	// when it supplies them, using Scorer for the rest.
	PreferServerScores bool
}

// Service implements browsing, reconciliation, assignment, the worklist and
// deletion on top of the registry and the archives. Besides the entity cache
// it remembers the identity each patient was last matched with.
type Service struct {
	registry  Registry
	archives  *ArchiveRegistry
	dial      ArchiveDialer
	ledger    LedgerRepository
	reserver  AccessionReserver
	scorer    Scorer
	cache     *Cache
	pageSizes PageSizes
	minScore  float64
	logger    zerolog.Logger
	now       func() time.Time

	preferServerScores bool

	idMu       sync.Mutex
	identities map[uuid.UUID]PatientIdentity
}

func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = NewDemographicScorer()
	}
	reserver := opts.Reserver
	if reserver == nil {
		reserver = NewMemoryReserver()
	}
	archives := opts.Archives
	if archives == nil {
		archives = NewArchiveRegistry()
	}

	s := &Service{
		registry:           opts.Registry,
		archives:           archives,
		dial:               opts.Dial,
		ledger:             opts.Ledger,
		reserver:           reserver,
		scorer:             scorer,
		pageSizes:          opts.PageSizes,
		minScore:           opts.MinMatchScore,
		logger:             opts.Logger,
		now:                now,
		preferServerScores: opts.PreferServerScores,
		identities:         make(map[uuid.UUID]PatientIdentity),
	}
	s.cache = NewCache(CacheOptions{
		RevalidateAfter: opts.RevalidateAfter,
		Logger:          opts.Logger,
		Now:             now,
	})
	s.registerLoaders()
	return s
}

// Cache exposes the entity cache so transports can watch scopes.
func (s *Service) Cache() *Cache { return s.cache }

// Archives exposes the archive configuration registry.
func (s *Service) Archives() *ArchiveRegistry { return s.archives }

// Close stops background fetches.
func (s *Service) Close() { s.cache.Close() }

func (s *Service) audit(ctx context.Context, action string, studyID int64, patient *uuid.UUID, detail string) {
	if s.ledger == nil {
		return
	}
	e := &AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		StudyID:   studyID,
		Detail:    detail,
		Actor:     ActorFromContext(ctx),
		CreatedAt: s.now().UTC(),
	}
	if patient != nil {
		e.Patient = patient.String()
	}
	// The mutation already happened; record failures are only logged.
	if err := s.ledger.RecordAudit(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error().Err(err).Str("action", action).Int64("study", studyID).Msg("failed to record audit entry")
	}
}

type actorKey struct{}

// WithActor attaches the acting user's id to ctx for the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the id set by WithActor, if any.
func ActorFromContext(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

// AuditTrail returns the newest audit entries, optionally limited to one
// study.
func (s *Service) AuditTrail(ctx context.Context, studyID int64, limit int) ([]*AuditEntry, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.ListAudit(ctx, studyID, limit)
}
