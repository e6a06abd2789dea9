package imaging

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ArchiveClient manages communication with one Orthanc archive.
type ArchiveClient struct {
	id     int
	http   *resty.Client
	logger zerolog.Logger
}

// NewArchiveClient creates a client for cfg, sending requests to its proxy URL
// when one is configured.
func NewArchiveClient(cfg OrthancConfiguration, logger zerolog.Logger) *ArchiveClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint(), "/")).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &ArchiveClient{
		id:     cfg.ID,
		http:   c,
		logger: logger.With().Int("archive", cfg.ID).Logger(),
	}
}

// NewArchiveDialer returns an ArchiveDialer producing resty-backed clients.
func NewArchiveDialer(logger zerolog.Logger) ArchiveDialer {
	return func(cfg OrthancConfiguration) Archive {
		return NewArchiveClient(cfg, logger)
	}
}

// DeleteStudy removes a study by its archive-internal identifier. A study that
// is already gone counts as deleted.
func (ac *ArchiveClient) DeleteStudy(ctx context.Context, archiveStudyUID string) error {
	if archiveStudyUID == "" {
		return NewValidationError("orthancStudyUID", "must not be empty")
	}
	resp, err := ac.http.R().SetContext(ctx).
		Delete("/studies/" + archiveStudyUID)
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		ac.logger.Info().Str("study", archiveStudyUID).Msg("archive study already absent")
		return nil
	}
	return ac.check(ctx, "delete archive study", resp, err)
}

// Changes reads one page of the change feed after since.
func (ac *ArchiveClient) Changes(ctx context.Context, since int64, limit int) (ChangeFeed, error) {
	var out ChangeFeed
	req := ac.http.R().SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/changes")
	if err := ac.check(ctx, "read change feed", resp, err); err != nil {
		return ChangeFeed{}, err
	}
	return out, nil
}

// Ping checks the archive answers its system endpoint.
func (ac *ArchiveClient) Ping(ctx context.Context) error {
	resp, err := ac.http.R().SetContext(ctx).Get("/system")
	return ac.check(ctx, "ping archive", resp, err)
}

func (ac *ArchiveClient) check(ctx context.Context, op string, resp *resty.Response, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		ac.logger.Warn().Err(err).Str("op", op).Msg("archive request failed")
		return &ArchiveUnavailableError{ArchiveID: ac.id, Err: err}
	}
	status := resp.StatusCode()
	if status < http.StatusBadRequest {
		return nil
	}
	msg := errorMessage(resp.Body())
	ac.logger.Warn().Str("op", op).Int("status", status).Str("message", msg).Msg("archive returned error status")
	switch {
	case status == http.StatusNotFound:
		return &NotFoundError{Entity: "archive resource", ID: msg}
	case status < http.StatusInternalServerError:
		return &ValidationError{Msg: msg}
	default:
		return &ArchiveUnavailableError{ArchiveID: ac.id, Err: fmt.Errorf("status %d: %s", status, msg)}
	}
}
