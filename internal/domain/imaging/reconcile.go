package imaging

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/imaging/pkg/pagination"
)

// CandidateSet is the merged outcome of scoring several archives. Failures
// holds the error of every archive that could not be queried.
type CandidateSet struct {
	Studies  []ScoredStudy
	Failures map[int]error
}

func candidatesKey(patient uuid.UUID, archiveID int) ScopeKey {
	return ScopeKey{Scope: CandidatesScope(patient, archiveID)}
}

// FindCandidateStudies scores the studies of one archive against identity,
// dropping studies already assigned to another patient. When a refresh fails
// but earlier results are cached, both the stale results and the error are
// returned.
func (s *Service) FindCandidateStudies(ctx context.Context, archiveID int, identity PatientIdentity) ([]ScoredStudy, error) {
	if identity.UUID == uuid.Nil {
		return nil, NewValidationError("patient", "is required")
	}
	if _, err := s.archives.Get(archiveID); err != nil {
		return nil, err
	}
	s.rememberIdentity(identity)

	r := s.cache.FetchPage(ctx, candidatesKey(identity.UUID, archiveID))
	raw, ok := r.Items.(StudiesWithScores)
	if !ok {
		if r.Err == nil {
			return []ScoredStudy{}, nil
		}
		return nil, archiveError(archiveID, r.Err)
	}
	scored := s.scoreCandidates(identity, raw)
	if r.Err != nil {
		return scored, archiveError(archiveID, r.Err)
	}
	return scored, nil
}

// CandidatesPage returns one page of scored candidates. The ordering is
// always score first, so sort parameters are ignored.
func (s *Service) CandidatesPage(ctx context.Context, archiveID int, identity PatientIdentity, p pagination.Params) Result {
	scored, err := s.FindCandidateStudies(ctx, archiveID, identity)
	if scored == nil && err != nil {
		return Result{Err: err}
	}
	size := p.PageSize
	if size <= 0 {
		size = s.pageSizes.forKind(KindCandidates)
	}
	page := pagination.Paginate(scored, size, p.Page)

	res, _ := s.cache.Cached(candidatesKey(identity.UUID, archiveID))
	res.PageData = PageData{
		Items:      page.Items,
		TotalCount: page.TotalCount,
		PageNumber: page.PageNumber,
		TotalPages: page.TotalPages,
	}
	res.Err = err
	res.IsStale = res.IsStale || err != nil
	return res
}

// FanOutCandidates queries several archives concurrently and merges their
// scored candidates. An archive that fails is reported in Failures and does
// not stop the others. An empty archiveIDs means every configured archive.
func (s *Service) FanOutCandidates(ctx context.Context, archiveIDs []int, identity PatientIdentity) (CandidateSet, error) {
	if len(archiveIDs) == 0 {
		for _, a := range s.archives.List() {
			archiveIDs = append(archiveIDs, a.ID)
		}
	}

	var (
		mu  sync.Mutex
		set = CandidateSet{Studies: []ScoredStudy{}, Failures: make(map[int]error)}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range archiveIDs {
		g.Go(func() error {
			scored, err := s.FindCandidateStudies(gctx, id, identity)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			set.Studies = append(set.Studies, scored...)
			if err != nil {
				set.Failures[id] = err
				s.logger.Warn().Err(err).Int("archive", id).Msg("candidate lookup failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CandidateSet{}, err
	}
	SortCandidates(set.Studies)
	return set, nil
}

func (s *Service) scorerFor(raw StudiesWithScores) Scorer {
	if s.preferServerScores && len(raw.Scores) > 0 {
		return ServerScoreScorer{Scores: raw.Scores, Fallback: s.scorer}
	}
	return s.scorer
}

func (s *Service) scoreCandidates(identity PatientIdentity, raw StudiesWithScores) []ScoredStudy {
	scorer := s.scorerFor(raw)
	out := make([]ScoredStudy, 0, len(raw.Studies))
	for _, st := range raw.Studies {
		if st.PatientUUID != nil && *st.PatientUUID != identity.UUID {
			continue
		}
		score := scorer.Score(identity, st)
		out = append(out, ScoredStudy{Study: st, Score: max(0, min(1, score))})
	}
	SortCandidates(out)
	return out
}

// SortCandidates orders by score descending, then study date ascending, then
// StudyInstanceUID ascending.
func SortCandidates(c []ScoredStudy) {
	slices.SortStableFunc(c, func(a, b ScoredStudy) int {
		if n := cmp.Compare(b.Score, a.Score); n != 0 {
			return n
		}
		if n := cmp.Compare(a.Study.StudyDay(), b.Study.StudyDay()); n != 0 {
			return n
		}
		return cmp.Compare(a.Study.StudyInstanceUID, b.Study.StudyInstanceUID)
	})
}

func (s *Service) rememberIdentity(identity PatientIdentity) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.identities[identity.UUID] = identity
}

// knownScore scores study against the identity patient was last matched
// with, the same way the candidate list ranked it. The score is unknown
// until candidates were looked up for patient.
func (s *Service) knownScore(study DicomStudy, patient uuid.UUID) (float64, bool) {
	s.idMu.Lock()
	identity, ok := s.identities[patient]
	s.idMu.Unlock()
	if !ok {
		return 0, false
	}
	var raw StudiesWithScores
	if r, ok := s.cache.Cached(candidatesKey(patient, study.ArchiveConfig.ID)); ok {
		raw, _ = r.Items.(StudiesWithScores)
	}
	return max(0, min(1, s.scorerFor(raw).Score(identity, study))), true
}

// archiveError reports a failed archive query as ArchiveUnavailable unless it
// already carries a more specific kind.
func archiveError(archiveID int, err error) error {
	var au *ArchiveUnavailableError
	switch {
	case errors.As(err, &au):
		return err
	case errors.Is(err, ErrNetworkUnavailable):
		return &ArchiveUnavailableError{ArchiveID: archiveID, Err: err}
	default:
		return err
	}
}
