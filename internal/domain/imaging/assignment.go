package imaging

import (
	"context"

	"github.com/google/uuid"
)

// SetAssignment links a study to patient (assign) or removes the link. The
// transition is computed from the study as the registry currently has it:
//
//	unassigned  + assign(p)   -> assigned to p
//	assigned(p) + assign(p)   -> no change
//	assigned(p) + assign(q)   -> assigned to q
//	assigned(p) + unassign(p) -> unassigned
//	unassigned  + unassign(p) -> no change
//	assigned(q) + unassign(p) -> ValidationError
//
// Only a change that the registry accepted invalidates the cache.
func (s *Service) SetAssignment(ctx context.Context, studyID int64, patient uuid.UUID, assign bool) error {
	if patient == uuid.Nil {
		return NewValidationError("patient", "is required")
	}

	study, err := s.registry.GetStudy(ctx, studyID)
	if err != nil {
		return err
	}
	prev := study.PatientUUID

	switch {
	case assign && study.AssignedTo(patient):
		return nil
	case !assign && prev == nil:
		return nil
	case !assign && *prev != patient:
		return NewValidationError("patient", "study %d is assigned to a different patient", studyID)
	}

	if assign && s.minScore > 0 {
		if score, ok := s.knownScore(study, patient); ok && score < s.minScore {
			return NewValidationError("score", "match score %.3f is below the minimum %.3f", score, s.minScore)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.AssignStudy(ctx, studyID, patient, assign); err != nil {
		return err
	}

	archiveID := study.ArchiveConfig.ID
	scopes := []Scope{StudiesScope(patient), CandidatesScope(patient, archiveID)}
	if prev != nil && *prev != patient {
		scopes = append(scopes, StudiesScope(*prev), CandidatesScope(*prev, archiveID))
	}
	s.cache.Invalidate(scopes...)

	action := "study.assign"
	if !assign {
		action = "study.unassign"
	}
	evt := s.logger.Info().Int64("study", studyID).Str("patient", patient.String()).Bool("assign", assign)
	if prev != nil && *prev != patient {
		evt = evt.Str("previous_patient", prev.String())
	}
	evt.Msg("study assignment changed")
	s.audit(ctx, action, studyID, &patient, study.StudyInstanceUID)
	return nil
}
