package imaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// DeleteStudy removes a study from the registry and, with RegistryAndArchive,
// from its archive. The registry delete is never undone: an archive failure
// afterwards is reported as a PartialFailureError and recorded as an orphan.
// Cancellation is honored up to the registry call; once the registry has
// deleted the record the archive step is skipped if ctx is done, and the
// outcome is still a partial failure.
func (s *Service) DeleteStudy(ctx context.Context, studyID int64, scope DeleteScope) error {
	study, err := s.registry.GetStudy(ctx, studyID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.DeleteStudy(ctx, studyID); err != nil {
		return err
	}

	// The registry changed, so every outcome below invalidates.
	defer s.invalidateStudy(study)

	if scope == RegistryOnly {
		s.logger.Info().Int64("study", studyID).Str("scope", scope.String()).Msg("study deleted")
		s.audit(ctx, "study.delete", studyID, study.PatientUUID, scope.String())
		return nil
	}

	archiveErr := ctx.Err()
	if archiveErr == nil {
		archiveErr = s.deleteFromArchive(ctx, study)
	}
	if archiveErr != nil {
		partialFailures.WithLabelValues("delete_study").Inc()
		s.logger.Error().Err(archiveErr).
			Int64("study", studyID).
			Int("archive", study.ArchiveConfig.ID).
			Str("archive_study", study.ArchiveStudyUID).
			Msg("study deleted from registry but not from archive")
		s.recordOrphan(ctx, study, archiveErr)
		s.audit(ctx, "study.delete.partial", studyID, study.PatientUUID, archiveErr.Error())
		return &PartialFailureError{
			Op:        "delete study",
			Succeeded: []string{"registry"},
			Failed:    []string{"archive " + strconv.Itoa(study.ArchiveConfig.ID)},
			Err:       archiveErr,
		}
	}

	s.logger.Info().Int64("study", studyID).Str("scope", scope.String()).Msg("study deleted")
	s.audit(ctx, "study.delete", studyID, study.PatientUUID, scope.String())
	return nil
}

func (s *Service) deleteFromArchive(ctx context.Context, study DicomStudy) error {
	if s.dial == nil {
		return errors.New("no archive client configured")
	}
	cfg, err := s.archives.Get(study.ArchiveConfig.ID)
	if err != nil {
		// The registry's embedded copy still tells us where the study lives.
		cfg = study.ArchiveConfig
	}
	return s.dial(cfg).DeleteStudy(ctx, study.ArchiveStudyUID)
}

func (s *Service) invalidateStudy(study DicomStudy) {
	s.cache.InvalidateStudy(study.ID)
	if study.PatientUUID != nil {
		s.cache.Invalidate(
			StudiesScope(*study.PatientUUID),
			CandidatesScope(*study.PatientUUID, study.ArchiveConfig.ID))
	}
	// Unassigned studies show up as candidates for any patient.
	s.cache.InvalidateWhere(ArchiveCandidates(study.ArchiveConfig.ID))
}

func (s *Service) recordOrphan(ctx context.Context, study DicomStudy, cause error) {
	if s.ledger == nil {
		return
	}
	o := &Orphan{
		ID:              uuid.New(),
		ArchiveID:       study.ArchiveConfig.ID,
		ArchiveStudyUID: study.ArchiveStudyUID,
		StudyID:         study.ID,
		Reason:          cause.Error(),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.ledger.RecordOrphan(context.WithoutCancel(ctx), o); err != nil {
		s.logger.Error().Err(err).Int64("study", study.ID).Msg("failed to record orphaned archive study")
	}
}

// DeleteSeries removes a series from the registry only.
func (s *Service) DeleteSeries(ctx context.Context, studyID int64, seriesUID string) error {
	if seriesUID == "" {
		return NewValidationError("seriesInstanceUID", "is required")
	}
	if err := s.registry.DeleteSeries(ctx, seriesUID); err != nil {
		return err
	}
	s.cache.InvalidateStudy(studyID)
	s.logger.Info().Int64("study", studyID).Str("series", seriesUID).Msg("series deleted")
	s.audit(ctx, "series.delete", studyID, nil, seriesUID)
	return nil
}

// DeleteRequest removes a worklist request from the registry.
func (s *Service) DeleteRequest(ctx context.Context, patient uuid.UUID, requestID int64) error {
	if err := s.registry.DeleteRequest(ctx, requestID); err != nil {
		return err
	}
	s.cache.Invalidate(RequestsScope(patient), StepsScope(requestID))
	s.logger.Info().Int64("request", requestID).Msg("worklist request deleted")
	s.audit(ctx, "request.delete", 0, &patient, strconv.FormatInt(requestID, 10))
	return nil
}

// DeleteStep removes a procedure step from the registry.
func (s *Service) DeleteStep(ctx context.Context, requestID, stepID int64) error {
	if err := s.registry.DeleteStep(ctx, stepID); err != nil {
		return err
	}
	s.cache.Invalidate(StepsScope(requestID))
	s.logger.Info().Int64("request", requestID).Int64("step", stepID).Msg("procedure step deleted")
	s.audit(ctx, "step.delete", 0, nil, strconv.FormatInt(stepID, 10))
	return nil
}

// PurgeOrphans retries the archive delete of every unresolved orphan. It is
// only run on operator request.
func (s *Service) PurgeOrphans(ctx context.Context) (purged int, err error) {
	if s.ledger == nil {
		return 0, errors.New("orphan ledger is not configured")
	}
	orphans, err := s.ledger.ListOrphans(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}
	var errs []error
	for _, o := range orphans {
		study := DicomStudy{ID: o.StudyID, ArchiveStudyUID: o.ArchiveStudyUID, ArchiveConfig: OrthancConfiguration{ID: o.ArchiveID}}
		if cfg, cerr := s.archives.Get(o.ArchiveID); cerr == nil {
			study.ArchiveConfig = cfg
		}
		if derr := s.deleteFromArchive(ctx, study); derr != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", o.ID, derr))
			continue
		}
		if rerr := s.ledger.ResolveOrphan(ctx, o.ID); rerr != nil {
			errs = append(errs, fmt.Errorf("resolve orphan %s: %w", o.ID, rerr))
			continue
		}
		purged++
		s.logger.Info().Str("orphan", o.ID.String()).Int("archive", o.ArchiveID).Msg("orphaned archive study purged")
	}
	return purged, errors.Join(errs...)
}

// Orphans lists the unresolved orphans, or all of them with includeResolved.
func (s *Service) Orphans(ctx context.Context, includeResolved bool) ([]*Orphan, error) {
	if s.ledger == nil {
		return nil, errors.New("orphan ledger is not configured")
	}
	return s.ledger.ListOrphans(ctx, includeResolved)
}
