package imaging

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// MaxUploadSize is the largest DICOM file accepted for upload.
	MaxUploadSize int64 = 200_000_000

	changeFeedLimit = 1000
	// maxChangePages bounds a single synchronization run.
	maxChangePages = 100
)

var allowedUploadTypes = map[string]bool{
	"application/dicom":        true,
	"application/octet-stream": true,
}

// SyncReport summarizes one archive synchronization.
type SyncReport struct {
	ArchiveID int         `json:"archiveId"`
	Option    FetchOption `json:"fetchOption"`
	FromIndex int64       `json:"fromIndex"`
	ToIndex   int64       `json:"toIndex"`
	Changes   int         `json:"changes"`
	NewStudy  int         `json:"newStudies"`
}

// Synchronize reads the archive's change feed from the last indexed position,
// asks the registry to link the archive's studies and invalidates every
// candidate list of the archive.
func (s *Service) Synchronize(ctx context.Context, archiveID int, option FetchOption) (SyncReport, error) {
	if option == "" {
		option = FetchNewest
	}
	if option != FetchAll && option != FetchNewest {
		return SyncReport{}, NewValidationError("fetchOption", "must be %q or %q", FetchAll, FetchNewest)
	}
	cfg, err := s.archives.Get(archiveID)
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{ArchiveID: archiveID, Option: option, FromIndex: cfg.LastChangedIndex, ToIndex: cfg.LastChangedIndex}
	if s.dial != nil {
		archive := s.dial(cfg)
		since := cfg.LastChangedIndex
		for page := 0; page < maxChangePages; page++ {
			feed, err := archive.Changes(ctx, since, changeFeedLimit)
			if err != nil {
				syncRuns.WithLabelValues("failed").Inc()
				return report, fmt.Errorf("read change feed of archive %d: %w", archiveID, err)
			}
			report.Changes += len(feed.Changes)
			for _, ch := range feed.Changes {
				if ch.ChangeType == "NewStudy" || ch.ChangeType == "StableStudy" {
					report.NewStudy++
				}
			}
			if feed.Last > since {
				since = feed.Last
			}
			if feed.Done || len(feed.Changes) == 0 {
				break
			}
		}
		report.ToIndex = since
	}

	if err := s.registry.LinkStudies(ctx, archiveID, option); err != nil {
		syncRuns.WithLabelValues("failed").Inc()
		return report, archiveError(archiveID, err)
	}
	// Only advance the index once the registry has linked what the feed
	// reported.
	s.archives.Reindex(archiveID, report.ToIndex)
	s.cache.InvalidateWhere(ArchiveCandidates(archiveID))

	syncRuns.WithLabelValues("ok").Inc()
	s.logger.Info().
		Int("archive", archiveID).
		Str("option", string(option)).
		Int64("from", report.FromIndex).
		Int64("to", report.ToIndex).
		Int("changes", report.Changes).
		Msg("archive synchronized")
	return report, nil
}

// SynchronizeAll synchronizes every configured archive concurrently. Archives
// that fail do not stop the others; their errors are joined.
func (s *Service) SynchronizeAll(ctx context.Context, option FetchOption) ([]SyncReport, error) {
	var (
		mu      sync.Mutex
		reports []SyncReport
		errs    []error
	)
	var g errgroup.Group
	for _, cfg := range s.archives.List() {
		g.Go(func() error {
			r, err := s.Synchronize(ctx, cfg.ID, option)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			reports = append(reports, r)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// Upload forwards DICOM files to an archive through the registry, one request
// per file. It stops at the first failure.
func (s *Service) Upload(ctx context.Context, archiveID int, files []UploadFile) (int, error) {
	if _, err := s.archives.Get(archiveID); err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, NewValidationError("file", "at least one file is required")
	}
	for _, f := range files {
		if err := validateUpload(f); err != nil {
			return 0, err
		}
	}

	for i, f := range files {
		err := ctx.Err()
		if err == nil {
			if err = s.registry.UploadInstance(ctx, archiveID, f); err != nil {
				err = fmt.Errorf("upload %s: %w", f.Name, err)
			}
		}
		if err != nil {
			// Files stored before the failure are in the archive already.
			if i > 0 {
				s.cache.InvalidateWhere(ArchiveCandidates(archiveID))
				s.logger.Warn().Err(err).Int("archive", archiveID).Int("files", i).Msg("studies partially uploaded")
			}
			return i, err
		}
	}
	s.cache.InvalidateWhere(ArchiveCandidates(archiveID))
	s.logger.Info().Int("archive", archiveID).Int("files", len(files)).Msg("studies uploaded")
	s.audit(ctx, "archive.upload", 0, nil, fmt.Sprintf("archive %d: %d files", archiveID, len(files)))
	return len(files), nil
}

func validateUpload(f UploadFile) error {
	if f.Body == nil {
		return NewValidationError("file", "%s has no content", f.Name)
	}
	if f.Size > MaxUploadSize {
		return NewValidationError("file", "%s is %d bytes, the limit is %d", f.Name, f.Size, MaxUploadSize)
	}
	ct := f.ContentType
	if ct == "" {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ct = mime.TypeByExtension(ext); ct == "" && ext == ".dcm" {
			ct = "application/dicom"
		}
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if !allowedUploadTypes[ct] {
		return NewValidationError("file", "%s has unsupported content type %q", f.Name, f.ContentType)
	}
	return nil
}

// PingArchives checks every configured archive and returns the failures by
// archive id.
func (s *Service) PingArchives(ctx context.Context) map[int]error {
	failures := make(map[int]error)
	if s.dial == nil {
		return failures
	}
	var mu sync.Mutex
	var g errgroup.Group
	for _, cfg := range s.archives.List() {
		g.Go(func() error {
			if err := s.dial(cfg).Ping(ctx); err != nil {
				mu.Lock()
				failures[cfg.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}
