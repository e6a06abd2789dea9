package imaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	imagingPath  = "imaging"
	worklistPath = "worklist"
)

// noArchive marks a registry call that does not proxy to an archive.
const noArchive = -1

// RegistryClient talks to the registry's imaging and worklist REST resources.
type RegistryClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewRegistryClient creates a registry client. Retries are disabled; callers
// own timeouts through their contexts.
func NewRegistryClient(baseURL, username, password string, logger zerolog.Logger) *RegistryClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if username != "" {
		c.SetBasicAuth(username, password)
	}
	return &RegistryClient{http: c, logger: logger}
}

func (rc *RegistryClient) ListConfigurations(ctx context.Context) ([]OrthancConfiguration, error) {
	var out []OrthancConfiguration
	resp, err := rc.http.R().SetContext(ctx).SetResult(&out).
		Get(imagingPath + "/configurations")
	if err := rc.check(ctx, "list configurations", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) StudiesByPatient(ctx context.Context, patient uuid.UUID) ([]DicomStudy, error) {
	var out []DicomStudy
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("patient", patient.String()).
		SetResult(&out).
		Get(imagingPath + "/studies")
	if err := rc.check(ctx, "list studies", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) GetStudy(ctx context.Context, studyID int64) (DicomStudy, error) {
	var out DicomStudy
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("studyId", strconv.FormatInt(studyID, 10)).
		SetResult(&out).
		Get(imagingPath + "/study")
	if err := rc.check(ctx, "get study", noArchive, resp, err); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			nf.Entity, nf.ID = "study", strconv.FormatInt(studyID, 10)
		}
		return DicomStudy{}, err
	}
	return out, nil
}

func (rc *RegistryClient) StudiesByArchive(ctx context.Context, archiveID int, patient uuid.UUID) (StudiesWithScores, error) {
	var out StudiesWithScores
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"configurationId": strconv.Itoa(archiveID),
			"patient":         patient.String(),
		}).
		SetResult(&out).
		Get(imagingPath + "/studiesbyconfig")
	if err := rc.check(ctx, "list archive studies", archiveID, resp, err); err != nil {
		return StudiesWithScores{}, err
	}
	return out, nil
}

func (rc *RegistryClient) SeriesByStudy(ctx context.Context, studyID int64) ([]Series, error) {
	var out []Series
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("studyId", strconv.FormatInt(studyID, 10)).
		SetResult(&out).
		Get(imagingPath + "/studyseries")
	if err := rc.check(ctx, "list series", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) InstancesBySeries(ctx context.Context, studyID int64, seriesUID string) ([]Instance, error) {
	var out []Instance
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"studyId":           strconv.FormatInt(studyID, 10),
			"seriesInstanceUID": seriesUID,
		}).
		SetResult(&out).
		Get(imagingPath + "/studyinstances")
	if err := rc.check(ctx, "list instances", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// PreviewInstance returns the rendered preview bytes and their content type.
// The registry proxies the call, so archive failures surface as
// ArchiveUnavailableError with an ArchiveID of 0.
func (rc *RegistryClient) PreviewInstance(ctx context.Context, studyID int64, archiveInstanceUID string) ([]byte, string, error) {
	resp, err := rc.http.R().SetContext(ctx).
		SetHeader("Accept", "image/*").
		SetQueryParams(map[string]string{
			"studyId":            strconv.FormatInt(studyID, 10),
			"orthancInstanceUID": archiveInstanceUID,
		}).
		Get(imagingPath + "/previewinstance")
	if err := rc.check(ctx, "preview instance", 0, resp, err); err != nil {
		return nil, "", err
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return resp.Body(), ct, nil
}

func (rc *RegistryClient) AssignStudy(ctx context.Context, studyID int64, patient uuid.UUID, assign bool) error {
	// The registry exposes this resource under the misspelled path.
	resp, err := rc.http.R().SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"studyId":  strconv.FormatInt(studyID, 10),
			"patient":  patient.String(),
			"isAssign": strconv.FormatBool(assign),
		}).
		Post(imagingPath + "/assingstudy")
	return rc.check(ctx, "assign study", noArchive, resp, err)
}

func (rc *RegistryClient) LinkStudies(ctx context.Context, archiveID int, option FetchOption) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"configurationId": strconv.Itoa(archiveID),
			"fetchOption":     string(option),
		}).
		Post(imagingPath + "/linkstudies")
	return rc.check(ctx, "link studies", archiveID, resp, err)
}

func (rc *RegistryClient) UploadInstance(ctx context.Context, archiveID int, file UploadFile) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"configurationId": strconv.Itoa(archiveID),
		}).
		SetMultipartField("file", file.Name, file.ContentType, file.Body).
		Post(imagingPath + "/instances")
	return rc.check(ctx, "upload instance", archiveID, resp, err)
}

func (rc *RegistryClient) DeleteStudy(ctx context.Context, studyID int64) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("studyId", strconv.FormatInt(studyID, 10)).
		Delete(imagingPath + "/study")
	return rc.check(ctx, "delete study", noArchive, resp, err)
}

func (rc *RegistryClient) DeleteSeries(ctx context.Context, seriesUID string) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("seriesInstanceUID", seriesUID).
		Delete(imagingPath + "/series")
	return rc.check(ctx, "delete series", noArchive, resp, err)
}

func (rc *RegistryClient) RequestsByPatient(ctx context.Context, patient uuid.UUID) ([]RequestProcedure, error) {
	var out []RequestProcedure
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("patient", patient.String()).
		SetResult(&out).
		Get(worklistPath + "/patientrequests")
	if err := rc.check(ctx, "list patient requests", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) RequestsByArchive(ctx context.Context, archiveID int) ([]RequestProcedure, error) {
	var out []RequestProcedure
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("configurationId", strconv.Itoa(archiveID)).
		SetResult(&out).
		Get(worklistPath + "/requests")
	if err := rc.check(ctx, "list archive requests", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) SaveRequest(ctx context.Context, patient uuid.UUID, req RequestProcedure) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request procedure: %w", err)
	}
	resp, err := rc.http.R().SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"patient":          patient.String(),
			"requestProcedure": string(body),
		}).
		Post(worklistPath + "/saverequest")
	return rc.check(ctx, "save request", noArchive, resp, err)
}

func (rc *RegistryClient) StepsByRequest(ctx context.Context, requestID int64) ([]RequestProcedureStep, error) {
	var out []RequestProcedureStep
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("requestId", strconv.FormatInt(requestID, 10)).
		SetResult(&out).
		Get(worklistPath + "/requeststep")
	if err := rc.check(ctx, "list steps", noArchive, resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *RegistryClient) SaveStep(ctx context.Context, requestID int64, step RequestProcedureStep) error {
	body, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode procedure step: %w", err)
	}
	resp, err := rc.http.R().SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"requestId": strconv.FormatInt(requestID, 10),
			"step":      string(body),
		}).
		Post(worklistPath + "/savestep")
	return rc.check(ctx, "save step", noArchive, resp, err)
}

func (rc *RegistryClient) DeleteRequest(ctx context.Context, requestID int64) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("requestId", strconv.FormatInt(requestID, 10)).
		Delete(worklistPath + "/request")
	return rc.check(ctx, "delete request", noArchive, resp, err)
}

func (rc *RegistryClient) DeleteStep(ctx context.Context, stepID int64) error {
	resp, err := rc.http.R().SetContext(ctx).
		SetQueryParam("stepId", strconv.FormatInt(stepID, 10)).
		Delete(worklistPath + "/procedureStep")
	return rc.check(ctx, "delete step", noArchive, resp, err)
}

// check maps a resty outcome onto the error taxonomy. archiveID is
// noArchive for calls that do not proxy to an archive.
func (rc *RegistryClient) check(ctx context.Context, op string, archiveID int, resp *resty.Response, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		// resty reports a body it could not unmarshal as err next to a
		// response that did arrive.
		if resp != nil && resp.RawResponse != nil && resp.IsSuccess() {
			rc.logger.Error().Err(err).Str("op", op).Int("status", resp.StatusCode()).Msg("registry response could not be decoded")
			return &ResponseError{Op: op, Status: resp.StatusCode(), Err: err}
		}
		rc.logger.Warn().Err(err).Str("op", op).Msg("registry request failed")
		return &NetworkError{Op: op, Err: err}
	}
	status := resp.StatusCode()
	if status < http.StatusBadRequest {
		return nil
	}

	msg := errorMessage(resp.Body())
	rc.logger.Warn().
		Str("op", op).
		Int("status", status).
		Dur("elapsed", resp.Time()).
		Str("message", msg).
		Msg("registry returned error status")

	return statusError(op, archiveID, status, msg)
}

func statusError(op string, archiveID, status int, msg string) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return &ValidationError{Msg: msg}
	case status == http.StatusNotFound:
		return &NotFoundError{Entity: op, ID: msg}
	case archiveID != noArchive && (status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout):
		return &ArchiveUnavailableError{ArchiveID: archiveID, Err: fmt.Errorf("status %d: %s", status, msg)}
	default:
		return &NetworkError{Op: op, Err: fmt.Errorf("status %d: %s", status, msg)}
	}
}

// errorMessage extracts a human readable message from an error body, which is
// either plain text or {"error":{"message":...}}.
func errorMessage(body []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = "no details"
	}
	return msg
}
