package imaging

import (
	"cmp"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/imaging/pkg/pagination"
)

// fakeRegistry is an in-memory Registry. The exported-looking fields are
// seeded by tests; every method counts its calls.
type fakeRegistry struct {
	mu sync.Mutex

	configs   []OrthancConfiguration
	studies   map[int64]DicomStudy
	series    map[int64][]Series
	instances map[string][]Instance
	scores    map[int]map[string]float64
	requests  map[uuid.UUID][]RequestProcedure
	steps     map[int64][]RequestProcedureStep
	preview   []byte

	// errs makes the named method fail with the given error.
	errs map[string]error
	// block makes the named method wait until the channel is closed or the
	// context is done.
	block map[string]chan struct{}

	calls     map[string]int
	assigned  []assignCall
	linked    []FetchOption
	uploads   []string
	saved     []RequestProcedure
	savedStep []RequestProcedureStep
	deleted   []int64
}

type assignCall struct {
	study   int64
	patient uuid.UUID
	assign  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		studies:   make(map[int64]DicomStudy),
		series:    make(map[int64][]Series),
		instances: make(map[string][]Instance),
		scores:    make(map[int]map[string]float64),
		requests:  make(map[uuid.UUID][]RequestProcedure),
		steps:     make(map[int64][]RequestProcedureStep),
		errs:      make(map[string]error),
		block:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
	}
}

func (f *fakeRegistry) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.errs[op]
	ch := f.block[op]
	f.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRegistry) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRegistry) setErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *fakeRegistry) blockOn(op string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[op] = ch
	return ch
}

func (f *fakeRegistry) addStudy(s DicomStudy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studies[s.ID] = s
}

func (f *fakeRegistry) ListConfigurations(ctx context.Context) ([]OrthancConfiguration, error) {
	if err := f.enter(ctx, "ListConfigurations"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OrthancConfiguration(nil), f.configs...), nil
}

func (f *fakeRegistry) StudiesByPatient(ctx context.Context, patient uuid.UUID) ([]DicomStudy, error) {
	if err := f.enter(ctx, "StudiesByPatient"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []DicomStudy{}
	for _, s := range f.studies {
		if s.AssignedTo(patient) {
			out = append(out, s)
		}
	}
	sortStudiesByID(out)
	return out, nil
}

func (f *fakeRegistry) GetStudy(ctx context.Context, studyID int64) (DicomStudy, error) {
	if err := f.enter(ctx, "GetStudy"); err != nil {
		return DicomStudy{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.studies[studyID]
	if !ok {
		return DicomStudy{}, &NotFoundError{Entity: "study", ID: "x"}
	}
	return s, nil
}

func (f *fakeRegistry) StudiesByArchive(ctx context.Context, archiveID int, patient uuid.UUID) (StudiesWithScores, error) {
	if err := f.enter(ctx, "StudiesByArchive"); err != nil {
		return StudiesWithScores{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := StudiesWithScores{Studies: []DicomStudy{}, Scores: f.scores[archiveID]}
	for _, s := range f.studies {
		if s.ArchiveConfig.ID == archiveID {
			out.Studies = append(out.Studies, s)
		}
	}
	sortStudiesByID(out.Studies)
	return out, nil
}

func (f *fakeRegistry) SeriesByStudy(ctx context.Context, studyID int64) ([]Series, error) {
	if err := f.enter(ctx, "SeriesByStudy"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Series(nil), f.series[studyID]...), nil
}

func (f *fakeRegistry) InstancesBySeries(ctx context.Context, studyID int64, seriesUID string) ([]Instance, error) {
	if err := f.enter(ctx, "InstancesBySeries"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Instance(nil), f.instances[seriesUID]...), nil
}

func (f *fakeRegistry) PreviewInstance(ctx context.Context, studyID int64, archiveInstanceUID string) ([]byte, string, error) {
	if err := f.enter(ctx, "PreviewInstance"); err != nil {
		return nil, "", err
	}
	return f.preview, "image/png", nil
}

func (f *fakeRegistry) AssignStudy(ctx context.Context, studyID int64, patient uuid.UUID, assign bool) error {
	if err := f.enter(ctx, "AssignStudy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, assignCall{study: studyID, patient: patient, assign: assign})
	s := f.studies[studyID]
	if assign {
		p := patient
		s.PatientUUID = &p
	} else {
		s.PatientUUID = nil
	}
	f.studies[studyID] = s
	return nil
}

func (f *fakeRegistry) LinkStudies(ctx context.Context, archiveID int, option FetchOption) error {
	if err := f.enter(ctx, "LinkStudies"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked = append(f.linked, option)
	return nil
}

func (f *fakeRegistry) UploadInstance(ctx context.Context, archiveID int, file UploadFile) error {
	if err := f.enter(ctx, "UploadInstance"); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, file.Body); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, file.Name)
	return nil
}

func (f *fakeRegistry) DeleteStudy(ctx context.Context, studyID int64) error {
	if err := f.enter(ctx, "DeleteStudy"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.studies, studyID)
	f.deleted = append(f.deleted, studyID)
	return nil
}

func (f *fakeRegistry) DeleteSeries(ctx context.Context, seriesUID string) error {
	return f.enter(ctx, "DeleteSeries")
}

func (f *fakeRegistry) RequestsByPatient(ctx context.Context, patient uuid.UUID) ([]RequestProcedure, error) {
	if err := f.enter(ctx, "RequestsByPatient"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestProcedure(nil), f.requests[patient]...), nil
}

func (f *fakeRegistry) RequestsByArchive(ctx context.Context, archiveID int) ([]RequestProcedure, error) {
	if err := f.enter(ctx, "RequestsByArchive"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RequestProcedure
	for _, reqs := range f.requests {
		for _, r := range reqs {
			if r.ArchiveConfig.ID == archiveID {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeRegistry) SaveRequest(ctx context.Context, patient uuid.UUID, req RequestProcedure) error {
	if err := f.enter(ctx, "SaveRequest"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, req)
	reqs := f.requests[patient]
	for i := range reqs {
		if req.ID != 0 && reqs[i].ID == req.ID {
			reqs[i] = req
			return nil
		}
	}
	if req.ID == 0 {
		req.ID = int64(len(reqs) + 100)
	}
	f.requests[patient] = append(reqs, req)
	return nil
}

func (f *fakeRegistry) StepsByRequest(ctx context.Context, requestID int64) ([]RequestProcedureStep, error) {
	if err := f.enter(ctx, "StepsByRequest"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestProcedureStep(nil), f.steps[requestID]...), nil
}

func (f *fakeRegistry) SaveStep(ctx context.Context, requestID int64, step RequestProcedureStep) error {
	if err := f.enter(ctx, "SaveStep"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedStep = append(f.savedStep, step)
	steps := f.steps[requestID]
	for i := range steps {
		if step.ID != 0 && steps[i].ID == step.ID {
			steps[i] = step
			return nil
		}
	}
	f.steps[requestID] = append(steps, step)
	return nil
}

func (f *fakeRegistry) DeleteRequest(ctx context.Context, requestID int64) error {
	return f.enter(ctx, "DeleteRequest")
}

func (f *fakeRegistry) DeleteStep(ctx context.Context, stepID int64) error {
	return f.enter(ctx, "DeleteStep")
}

func sortStudiesByID(s []DicomStudy) {
	slices.SortFunc(s, func(a, b DicomStudy) int { return cmp.Compare(a.ID, b.ID) })
}

// fakeArchive records deletes and serves a canned change feed.
type fakeArchive struct {
	mu        sync.Mutex
	deleteErr error
	pingErr   error
	feeds     []ChangeFeed
	feedErr   error
	deleted   []string
	since     []int64
}

func (a *fakeArchive) DeleteStudy(ctx context.Context, archiveStudyUID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, archiveStudyUID)
	return nil
}

func (a *fakeArchive) Changes(ctx context.Context, since int64, limit int) (ChangeFeed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = append(a.since, since)
	if a.feedErr != nil {
		return ChangeFeed{}, a.feedErr
	}
	if len(a.feeds) == 0 {
		return ChangeFeed{Done: true, Last: since}, nil
	}
	feed := a.feeds[0]
	a.feeds = a.feeds[1:]
	return feed, nil
}

func (a *fakeArchive) Ping(ctx context.Context) error {
	return a.pingErr
}

var (
	archive1 = OrthancConfiguration{ID: 1, BaseURL: "http://orthanc-1:8042"}
	archive2 = OrthancConfiguration{ID: 2, BaseURL: "http://orthanc-2:8042", ProxyURL: "http://proxy-2"}

	errBoom = errors.New("boom")
)

type testEnv struct {
	svc     *Service
	reg     *fakeRegistry
	archive *fakeArchive
	ledger  *MemoryLedger
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		reg:     newFakeRegistry(),
		archive: &fakeArchive{},
		ledger:  NewMemoryLedger(),
	}
	opts := Options{
		Registry: env.reg,
		Archives: NewArchiveRegistry(archive1, archive2),
		Dial:     func(OrthancConfiguration) Archive { return env.archive },
		Ledger:   env.ledger,
		Logger:   zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	env.svc = NewService(opts)
	t.Cleanup(env.svc.Close)
	return env
}

func pageParams(page int) pagination.Params {
	return pagination.Params{Page: page}
}

// cachedStale reports whether key has a cached entry that is stale.
func cachedStale(env *testEnv, key ScopeKey) bool {
	r, ok := env.svc.Cache().Cached(key)
	return ok && r.IsStale
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
