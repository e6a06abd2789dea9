package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/imaging/internal/platform/auth"
	"github.com/ehr/imaging/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/imaging", withActor)

	// Read endpoints – admin, physician, nurse, radiologist, radiology_tech
	readGroup := g.Group("", auth.RequireRole("admin", "physician", "nurse", "radiologist", "radiology_tech"))
	readGroup.GET("/archives", h.ListArchives)
	readGroup.GET("/patients/:patient/studies", h.ListStudies)
	readGroup.GET("/patients/:patient/candidates", h.ListCandidates)
	readGroup.GET("/patients/:patient/requests", h.ListRequests)
	readGroup.GET("/studies/:study", h.GetStudy)
	readGroup.GET("/studies/:study/series", h.ListSeries)
	readGroup.GET("/studies/:study/series/:series/instances", h.ListInstances)
	readGroup.GET("/studies/:study/instances/:instance/preview", h.PreviewInstance)
	readGroup.GET("/requests/:request/steps", h.ListSteps)
	readGroup.GET("/audit", h.ListAudit)

	// Write endpoints – admin, radiologist, radiology_tech
	writeGroup := g.Group("", auth.RequireRole("admin", "radiologist", "radiology_tech"))
	writeGroup.POST("/archives/:archive/sync", h.SyncArchive)
	writeGroup.POST("/archives/:archive/upload", h.UploadStudies)
	writeGroup.POST("/archives/:archive/accession-numbers", h.GenerateAccessionNumber)
	writeGroup.PUT("/studies/:study/assignment", h.AssignStudy)
	writeGroup.DELETE("/studies/:study", h.DeleteStudy)
	writeGroup.DELETE("/studies/:study/series/:series", h.DeleteSeries)
	writeGroup.POST("/patients/:patient/requests", h.CreateRequest)
	writeGroup.PATCH("/patients/:patient/requests/:request/status", h.UpdateRequestStatus)
	writeGroup.DELETE("/patients/:patient/requests/:request", h.DeleteRequest)
	writeGroup.POST("/patients/:patient/requests/:request/steps", h.CreateStep)
	writeGroup.PATCH("/requests/:request/steps/:step/status", h.UpdateStepStatus)
	writeGroup.DELETE("/requests/:request/steps/:step", h.DeleteStep)

	// Orphan maintenance – admin only
	adminGroup := g.Group("/orphans", auth.RequireRole("admin"))
	adminGroup.GET("", h.ListOrphans)
	adminGroup.POST("/purge", h.PurgeOrphans)
}

func withActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := auth.UserIDFromContext(ctx); uid != "" {
			c.SetRequest(c.Request().WithContext(WithActor(ctx, uid)))
		}
		return next(c)
	}
}

// -- Archives --

func (h *Handler) ListArchives(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Archives().List())
}

type syncRequest struct {
	FetchOption FetchOption `json:"fetchOption"`
}

func (h *Handler) SyncArchive(c echo.Context) error {
	archiveID, err := intParam(c, "archive")
	if err != nil {
		return err
	}
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := h.svc.Synchronize(c.Request().Context(), archiveID, req.FetchOption)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) UploadStudies(c echo.Context) error {
	archiveID, err := intParam(c, "archive")
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form: "+err.Error())
	}

	var files []UploadFile
	var closers []io.Closer
	defer func() {
		for _, cl := range closers {
			cl.Close()
		}
	}()
	for _, fh := range form.File["file"] {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		closers = append(closers, f)
		files = append(files, UploadFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}

	n, err := h.svc.Upload(c.Request().Context(), archiveID, files)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int{"uploaded": n})
}

func (h *Handler) GenerateAccessionNumber(c echo.Context) error {
	archiveID, err := intParam(c, "archive")
	if err != nil {
		return err
	}
	number, err := h.svc.GenerateAccessionNumber(c.Request().Context(), archiveID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"accessionNumber": number})
}

// -- Studies --

func (h *Handler) ListStudies(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Studies)
	return page(c, h.svc.StudiesPage(c.Request().Context(), patient, p))
}

func (h *Handler) GetStudy(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	study, err := h.svc.GetStudy(c.Request().Context(), studyID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, study)
}

func (h *Handler) ListSeries(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Series)
	return page(c, h.svc.SeriesPage(c.Request().Context(), studyID, p))
}

func (h *Handler) ListInstances(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Instances)
	return page(c, h.svc.InstancesPage(c.Request().Context(), studyID, c.Param("series"), p))
}

func (h *Handler) PreviewInstance(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	data, contentType, err := h.svc.Preview(c.Request().Context(), studyID, c.Param("instance"))
	if err != nil {
		return httpError(c, err)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

type assignmentRequest struct {
	Patient uuid.UUID `json:"patient"`
	Assign  bool      `json:"assign"`
}

func (h *Handler) AssignStudy(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	var req assignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetAssignment(c.Request().Context(), studyID, req.Patient, req.Assign); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteStudy(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	scope, err := ParseDeleteScope(c.QueryParam("scope"))
	if err != nil {
		return httpError(c, err)
	}
	if err := h.svc.DeleteStudy(c.Request().Context(), studyID, scope); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteSeries(c echo.Context) error {
	studyID, err := int64Param(c, "study")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSeries(c.Request().Context(), studyID, c.Param("series")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Candidates --

// ListCandidates scores studies against the patient identity given in the
// query. With an archive parameter it pages that archive's candidates through
// the cache; without one it merges every archive.
func (h *Handler) ListCandidates(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	identity := PatientIdentity{
		UUID:        patient,
		GivenName:   c.QueryParam("givenName"),
		FamilyName:  c.QueryParam("familyName"),
		BirthDate:   c.QueryParam("birthDate"),
		Gender:      c.QueryParam("gender"),
		Identifiers: c.QueryParams()["identifier"],
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Candidates)
	ctx := c.Request().Context()

	if raw := c.QueryParam("archive"); raw != "" {
		archiveID, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid archive")
		}
		return page(c, h.svc.CandidatesPage(ctx, archiveID, identity, p))
	}

	set, err := h.svc.FanOutCandidates(ctx, nil, identity)
	if err != nil {
		return httpError(c, err)
	}
	pg := pagination.Paginate(set.Studies, p.PageSize, p.Page)
	resp := &pagination.Response{
		Data:       pg.Items,
		Page:       pg.PageNumber,
		TotalPages: pg.TotalPages,
		Total:      pg.TotalCount,
	}
	if len(set.Failures) > 0 {
		ids := make([]int, 0, len(set.Failures))
		for id := range set.Failures {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		msgs := make([]string, 0, len(ids))
		for _, id := range ids {
			msgs = append(msgs, fmt.Sprintf("archive %d: %v", id, set.Failures[id]))
		}
		resp.Error = strings.Join(msgs, "; ")
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Worklist --

func (h *Handler) ListRequests(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Requests)
	return page(c, h.svc.RequestsPage(c.Request().Context(), patient, p))
}

func (h *Handler) CreateRequest(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	var in CreateRequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Patient = patient
	req, err := h.svc.CreateRequest(c.Request().Context(), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

type requestStatusUpdate struct {
	Status RequestStatus `json:"status"`
}

func (h *Handler) UpdateRequestStatus(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	var body requestStatusUpdate
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.UpdateRequestStatus(c.Request().Context(), patient, requestID, body.Status)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) DeleteRequest(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRequest(c.Request().Context(), patient, requestID); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListSteps(c echo.Context) error {
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c, h.svc.pageSizes.Steps)
	return page(c, h.svc.StepsPage(c.Request().Context(), requestID, p))
}

func (h *Handler) CreateStep(c echo.Context) error {
	patient, err := uuidParam(c, "patient")
	if err != nil {
		return err
	}
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	var in CreateStepInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	step, err := h.svc.CreateStep(c.Request().Context(), patient, requestID, in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, step)
}

type stepStatusUpdate struct {
	Status StepStatus `json:"status"`
}

func (h *Handler) UpdateStepStatus(c echo.Context) error {
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	stepID, err := int64Param(c, "step")
	if err != nil {
		return err
	}
	var body stepStatusUpdate
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	step, err := h.svc.UpdateStepStatus(c.Request().Context(), requestID, stepID, body.Status)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, step)
}

func (h *Handler) DeleteStep(c echo.Context) error {
	requestID, err := int64Param(c, "request")
	if err != nil {
		return err
	}
	stepID, err := int64Param(c, "step")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteStep(c.Request().Context(), requestID, stepID); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Ledger --

func (h *Handler) ListAudit(c echo.Context) error {
	var studyID int64
	if raw := c.QueryParam("study"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid study")
		}
		studyID = id
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	entries, err := h.svc.AuditTrail(c.Request().Context(), studyID, limit)
	if err != nil {
		return httpError(c, err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ListOrphans(c echo.Context) error {
	orphans, err := h.svc.Orphans(c.Request().Context(), c.QueryParam("all") == "true")
	if err != nil {
		return httpError(c, err)
	}
	if orphans == nil {
		orphans = []*Orphan{}
	}
	return c.JSON(http.StatusOK, orphans)
}

func (h *Handler) PurgeOrphans(c echo.Context) error {
	purged, err := h.svc.PurgeOrphans(c.Request().Context())
	body := map[string]interface{}{"purged": purged}
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(http.StatusMultiStatus, body)
	}
	return c.JSON(http.StatusOK, body)
}

// -- helpers --

// page writes a cached page in the envelope the UI renders from. A failed
// refresh with cached data still answers 200 with the error attached.
func page(c echo.Context, r Result) error {
	if r.Err != nil && r.Items == nil {
		return httpError(c, r.Err)
	}
	resp := &pagination.Response{
		Data:         r.Items,
		Page:         r.PageNumber,
		TotalPages:   r.TotalPages,
		Total:        r.TotalCount,
		IsLoading:    r.IsLoading,
		IsValidating: r.IsValidating,
		IsStale:      r.IsStale,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

type partialFailureBody struct {
	Error     string   `json:"error"`
	Operation string   `json:"operation"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// httpError maps domain errors onto HTTP statuses. Partial failures are not
// errors to echo: the response describes both halves.
func httpError(c echo.Context, err error) error {
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return c.JSON(http.StatusMultiStatus, partialFailureBody{
			Error:     partial.Error(),
			Operation: partial.Op,
			Succeeded: partial.Succeeded,
			Failed:    partial.Failed,
		})
	}
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrArchiveUnavailable), errors.Is(err, ErrNetworkUnavailable), errors.Is(err, ErrMalformedResponse):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func intParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}
