package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/upstream"
)

// mockCatalogRepo is an in-memory CatalogRepository.
type mockCatalogRepo struct {
	mu    sync.Mutex
	items map[string]*models.CatalogItem

	creates   int
	updates   int
	languages [][]string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration

	findErr   func(sourceID string) error
	createErr func(ctx context.Context, rec *models.CanonicalRecord) error
	updateErr func(rec *models.CanonicalRecord) error
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{items: make(map[string]*models.CatalogItem)}
}

var _ repositories.CatalogRepository = (*mockCatalogRepo)(nil)

func catalogKey(origin, sourceID string) string {
	return origin + "/" + sourceID
}

func (m *mockCatalogRepo) track() func() {
	n := m.inFlight.Add(1)
	for {
		prev := m.maxInFlight.Load()
		if n <= prev || m.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *mockCatalogRepo) FindProjection(ctx context.Context, origin, sourceID string) (*models.LocalProjection, error) {
	if m.findErr != nil {
		if err := m.findErr(sourceID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[catalogKey(origin, sourceID)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	proj := item.LocalProjection
	return &proj, nil
}

func (m *mockCatalogRepo) Create(ctx context.Context, origin string, rec *models.CanonicalRecord, languages []string) (*models.LocalProjection, error) {
	defer m.track()()
	if m.createErr != nil {
		if err := m.createErr(ctx, rec); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := catalogKey(origin, rec.SourceID)
	if _, exists := m.items[key]; exists {
		return nil, apperrors.ErrConflict
	}
	m.creates++
	m.languages = append(m.languages, languages)
	item := itemFromRecord(origin, rec)
	item.ID = uuid.New()
	item.VersionStamp = "" // stamp is only written on update
	m.items[key] = item
	proj := item.LocalProjection
	return &proj, nil
}

func (m *mockCatalogRepo) Update(ctx context.Context, proj *models.LocalProjection, rec *models.CanonicalRecord, languages []string) error {
	defer m.track()()
	if m.updateErr != nil {
		if err := m.updateErr(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := catalogKey(proj.OriginRef, proj.SourceID)
	existing, ok := m.items[key]
	if !ok {
		return apperrors.ErrNotFound
	}
	m.updates++
	m.languages = append(m.languages, languages)
	item := itemFromRecord(proj.OriginRef, rec)
	item.ID = existing.ID
	m.items[key] = item
	return nil
}

func (m *mockCatalogRepo) Get(ctx context.Context, origin, sourceID string) (*models.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[catalogKey(origin, sourceID)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *mockCatalogRepo) get(origin, sourceID string) *models.CatalogItem {
	item, _ := m.Get(context.Background(), origin, sourceID)
	return item
}

func (m *mockCatalogRepo) counts() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}

func itemFromRecord(origin string, rec *models.CanonicalRecord) *models.CatalogItem {
	return &models.CatalogItem{
		LocalProjection: models.LocalProjection{
			OriginRef:    origin,
			SourceID:     rec.SourceID,
			VersionStamp: rec.VersionStamp,
		},
		Name:        rec.Name,
		Description: rec.Description,
		Category:    rec.Category,
		Purposes:    rec.Purposes,
		Countries:   rec.Countries,
		Tags:        rec.Tags,
		Documents:   rec.Documents,
		Icon:        rec.Icon,
		Bundle:      rec.Translations,
		UpdatedAt:   time.Now(),
	}
}

// recordingSink captures outcomes in memory.
type recordingSink struct {
	mu       sync.Mutex
	outcomes []*models.ReconciliationOutcome
}

func (s *recordingSink) Record(ctx context.Context, outcome *models.ReconciliationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *recordingSink) byStatus(status models.OutcomeStatus) []*models.ReconciliationOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ReconciliationOutcome
	for _, o := range s.outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// mockOutcomeRepo is an in-memory OutcomeRepository.
type mockOutcomeRepo struct {
	mu        sync.Mutex
	outcomes  []*models.ReconciliationOutcome
	createErr error
}

var _ repositories.OutcomeRepository = (*mockOutcomeRepo)(nil)

func (m *mockOutcomeRepo) Create(ctx context.Context, outcome *models.ReconciliationOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *mockOutcomeRepo) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]*models.ReconciliationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationOutcome
	for _, o := range m.outcomes {
		if o.RunID != nil && *o.RunID == runID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOutcomeRepo) ListFailures(ctx context.Context, origin string, limit int) ([]*models.ReconciliationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationOutcome
	for _, o := range m.outcomes {
		if o.OriginRef == origin && o.Status == models.OutcomeFailed {
			out = append(out, o)
		}
	}
	return out, nil
}

// mockRunRepo is an in-memory RunRepository.
type mockRunRepo struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*models.RunSummary
	finished int
}

func newMockRunRepo() *mockRunRepo {
	return &mockRunRepo{runs: make(map[uuid.UUID]*models.RunSummary)}
}

var _ repositories.RunRepository = (*mockRunRepo)(nil)

func (m *mockRunRepo) Start(ctx context.Context, run *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.RunID] = &cp
	return nil
}

func (m *mockRunRepo) Finish(ctx context.Context, run *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *run
	m.runs[run.RunID] = &cp
	m.finished++
	return nil
}

func (m *mockRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return run, nil
}

func (m *mockRunRepo) ListRecent(ctx context.Context, job string, limit int) ([]*models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RunSummary
	for _, r := range m.runs {
		if job == "" || r.Job == job {
			out = append(out, r)
		}
	}
	return out, nil
}

// mockProfileRepo is an in-memory ProfileRepository.
type mockProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*models.DirectoryProfile
	upserts  int
	failOn   string
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{profiles: make(map[string]*models.DirectoryProfile)}
}

var _ repositories.ProfileRepository = (*mockProfileRepo)(nil)

func (m *mockProfileRepo) Find(ctx context.Context, origin, login string) (*models.DirectoryProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[origin+"/"+login]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockProfileRepo) Upsert(ctx context.Context, origin string, entry *models.DirectoryEntry) (bool, error) {
	if m.failOn != "" && entry.SourceID == m.failOn {
		return false, errBoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	key := origin + "/" + entry.SourceID
	_, existed := m.profiles[key]
	m.profiles[key] = &models.DirectoryProfile{ID: uuid.New(), OriginRef: origin, DirectoryEntry: *entry}
	return !existed, nil
}

// fakeFetcher serves canned pages keyed by URL.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*upstream.Page
	errs    map[string]error
	items   map[string]json.RawMessage
	fetched []string
	onFetch func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]*upstream.Page),
		errs:  make(map[string]error),
		items: make(map[string]json.RawMessage),
	}
}

func (f *fakeFetcher) DrainOne(ctx context.Context, url string) (*upstream.Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	page, ok := f.pages[url]
	err := f.errs[url]
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(url)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &upstream.Page{}, nil
	}
	return page, nil
}

func (f *fakeFetcher) DrainAll(ctx context.Context, url string, itemLimit int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for next := url; next != ""; {
		page, err := f.DrainOne(ctx, next)
		if err != nil {
			return items, err
		}
		items = append(items, page.Items...)
		next = page.NextLink
	}
	if itemLimit > 0 && len(items) > itemLimit {
		items = items[:itemLimit]
	}
	return items, nil
}

func (f *fakeFetcher) GetItem(ctx context.Context, url string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	raw, ok := f.items[url]
	if !ok {
		return nil, &upstream.RequestError{Method: "GET", URL: url, StatusCode: 404, Err: &upstream.StatusError{StatusCode: 404}}
	}
	return raw, nil
}
