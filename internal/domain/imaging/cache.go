package imaging

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PageData is one page produced by a Loader. Items holds a typed slice such
// as []DicomStudy.
type PageData struct {
	Items      any
	TotalCount int
	PageNumber int
	TotalPages int
}

// Result is what FetchPage hands to callers. Data and Err can both be set: a
// failed refresh returns the last known good page marked stale.
type Result struct {
	PageData
	IsStale      bool
	IsLoading    bool
	IsValidating bool
	FetchedAt    time.Time
	Err          error
}

// Items returns the page items of r as []T, or nil when r carries no data.
func Items[T any](r Result) []T {
	items, _ := r.Items.([]T)
	return items
}

// Loader fetches one page of a scope from the network.
type Loader func(ctx context.Context, key ScopeKey) (PageData, error)

// EventType distinguishes cache notifications.
type EventType int

const (
	EventUpdated EventType = iota + 1
	EventInvalidated
)

func (t EventType) String() string {
	if t == EventUpdated {
		return "updated"
	}
	return "invalidated"
}

// Event is delivered to OnUpdate listeners. Key is only set for updates.
type Event struct {
	Type  EventType
	Scope Scope
	Key   ScopeKey
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// RevalidateAfter is the age after which a fresh entry is served while a
	// background re-fetch runs. Zero disables background revalidation.
	RevalidateAfter time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time
}

type entry struct {
	data      PageData
	fetchedAt time.Time
	gen       uint64
	stale     bool
	err       error
}

func (e *entry) fresh(gen uint64) bool {
	return !e.stale && e.gen == gen
}

type flight struct {
	done       chan struct{}
	cancel     context.CancelFunc
	gen        uint64
	waiters    int
	background bool
	aborted    bool
	finished   bool
	result     Result
}

// Cache is the hierarchical entity cache. Every page lives under a typed
// ScopeKey; invalidation works on whole scopes and cascades to descendants.
// At most one fetch per key runs at a time.
type Cache struct {
	mu        sync.Mutex
	loaders   map[Kind]Loader
	entries   map[ScopeKey]*entry
	flights   map[ScopeKey]*flight
	watchers  map[Scope]int
	gens      map[Scope]uint64
	listeners []func(Event)

	revalidateAfter time.Duration
	now             func() time.Time
	logger          zerolog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewCache creates an empty cache.
func NewCache(opts CacheOptions) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Cache{
		loaders:         make(map[Kind]Loader),
		entries:         make(map[ScopeKey]*entry),
		flights:         make(map[ScopeKey]*flight),
		watchers:        make(map[Scope]int),
		gens:            make(map[Scope]uint64),
		revalidateAfter: opts.RevalidateAfter,
		now:             now,
		logger:          opts.Logger,
		base:            base,
		cancelBase:      cancel,
	}
}

// Register installs the loader used for every scope of kind.
func (c *Cache) Register(kind Kind, l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[kind] = l
}

// OnUpdate adds a listener called after every completed write and every
// invalidation. Listeners run on the goroutine that caused the event and
// must not block.
func (c *Cache) OnUpdate(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// FetchPage returns the page addressed by key. A fresh entry is returned
// immediately. A missing or stale entry blocks until the network answers or
// ctx is done.
func (c *Cache) FetchPage(ctx context.Context, key ScopeKey) Result {
	kind := key.Scope.Kind.String()
	for {
		c.mu.Lock()
		loader, ok := c.loaders[key.Scope.Kind]
		if !ok {
			c.mu.Unlock()
			return Result{Err: fmt.Errorf("cache: no loader for %s", kind)}
		}
		gen := c.gens[key.Scope]
		e := c.entries[key]
		f := c.flights[key]

		if e != nil && e.fresh(gen) {
			res := c.resultLocked(e, gen, f)
			if f == nil && c.revalidateAfter > 0 && c.now().Sub(e.fetchedAt) >= c.revalidateAfter {
				c.startLocked(key, gen, loader, true)
				res.IsValidating = true
			}
			c.mu.Unlock()
			cacheHits.WithLabelValues(kind).Inc()
			return res
		}

		// A flight started before the last invalidation cannot satisfy this
		// caller. Wait for it to drain, then try again.
		if f != nil && f.gen != gen {
			done := f.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return c.cancelled(key, ctx.Err())
			}
		}

		if f == nil {
			f = c.startLocked(key, gen, loader, false)
			cacheMisses.WithLabelValues(kind).Inc()
		} else {
			cacheCoalesced.WithLabelValues(kind).Inc()
		}
		f.waiters++
		c.mu.Unlock()

		select {
		case <-f.done:
			return f.result
		case <-ctx.Done():
			c.leave(key, f)
			return c.cancelled(key, ctx.Err())
		}
	}
}

// Peek returns whatever is cached for key without blocking. When the entry is
// missing or stale a background fetch is started and IsLoading or
// IsValidating reports it.
func (c *Cache) Peek(key ScopeKey) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gens[key.Scope]
	e := c.entries[key]
	f := c.flights[key]
	if (e == nil || !e.fresh(gen)) && f == nil {
		if loader, ok := c.loaders[key.Scope.Kind]; ok {
			f = c.startLocked(key, gen, loader, true)
		}
	}
	if e == nil {
		return Result{IsLoading: f != nil}
	}
	return c.resultLocked(e, gen, f)
}

// Cached returns the entry for key without fetching. The boolean reports
// whether any data is cached.
func (c *Cache) Cached(key ScopeKey) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	f := c.flights[key]
	if e == nil {
		return Result{IsLoading: f != nil}, false
	}
	return c.resultLocked(e, c.gens[key.Scope], f), true
}

// Watch marks every page of scope as observed, including pages cached after
// the call: invalidating the scope triggers an immediate background re-fetch
// of each cached page. The returned function ends the observation.
func (c *Cache) Watch(scope Scope) (unwatch func()) {
	c.mu.Lock()
	c.watchers[scope]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.watchers[scope]--; c.watchers[scope] <= 0 {
				delete(c.watchers, scope)
			}
		})
	}
}

// Invalidate marks every page of the given scopes and of their descendants
// stale, and re-fetches the pages being watched. The entries are stale by
// the time Invalidate returns.
func (c *Cache) Invalidate(scopes ...Scope) {
	c.mu.Lock()
	targets := c.expandLocked(scopes)
	for s := range targets {
		c.gens[s]++
		cacheInvalidations.WithLabelValues(s.Kind.String()).Inc()
	}
	for key, e := range c.entries {
		if !targets[key.Scope] {
			continue
		}
		e.stale = true
		// A running flight is now superseded and re-fetches on completion.
		if c.watchers[key.Scope] <= 0 || c.flights[key] != nil {
			continue
		}
		if loader, ok := c.loaders[key.Scope.Kind]; ok {
			c.startLocked(key, c.gens[key.Scope], loader, true)
		}
	}
	listeners := c.listeners
	c.mu.Unlock()

	for s := range targets {
		emit(listeners, Event{Type: EventInvalidated, Scope: s})
	}
}

// InvalidateWhere invalidates every known scope for which match returns true.
func (c *Cache) InvalidateWhere(match func(Scope) bool) {
	c.mu.Lock()
	var scopes []Scope
	for s := range c.knownLocked() {
		if match(s) {
			scopes = append(scopes, s)
		}
	}
	c.mu.Unlock()
	if len(scopes) > 0 {
		c.Invalidate(scopes...)
	}
}

// ArchiveCandidates matches every Candidates scope of one archive.
func ArchiveCandidates(archiveID int) func(Scope) bool {
	return func(s Scope) bool {
		return s.Kind == KindCandidates && s.Parent.Archive == archiveID
	}
}

// InvalidateStudy invalidates a study's series and all of their instances.
// The study itself stays listed until its patient's scope is invalidated.
func (c *Cache) InvalidateStudy(studyID int64) {
	c.Invalidate(SeriesScope(studyID))
}

// Wait blocks until no background fetch is running. It must not race with
// calls that start new fetches.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close aborts running fetches and waits for them to return.
func (c *Cache) Close() {
	c.cancelBase()
	c.wg.Wait()
}

// knownLocked returns every scope with a cached page, a running fetch or an
// observer.
func (c *Cache) knownLocked() map[Scope]bool {
	known := make(map[Scope]bool, len(c.entries))
	for key := range c.entries {
		known[key.Scope] = true
	}
	for key := range c.flights {
		known[key.Scope] = true
	}
	for s := range c.watchers {
		known[s] = true
	}
	return known
}

// expandLocked adds every known descendant of scopes, walking down the
// hierarchy until no new scope turns up.
func (c *Cache) expandLocked(scopes []Scope) map[Scope]bool {
	known := c.knownLocked()
	targets := make(map[Scope]bool, len(scopes))
	queue := slices.Clone(scopes)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if targets[s] {
			continue
		}
		targets[s] = true
		for _, child := range c.childrenLocked(s, known) {
			if !targets[child] {
				queue = append(queue, child)
			}
		}
	}
	return targets
}

// childrenLocked returns the known scopes directly below s. A patient's
// studies and requests own the series and steps of the rows cached under
// them; a study's series own every instance scope of that study.
func (c *Cache) childrenLocked(s Scope, known map[Scope]bool) []Scope {
	var out []Scope
	add := func(child Scope) {
		if known[child] {
			out = append(out, child)
		}
	}
	switch s.Kind {
	case KindStudies:
		for key, e := range c.entries {
			if key.Scope != s {
				continue
			}
			studies, _ := e.data.Items.([]DicomStudy)
			for _, st := range studies {
				add(SeriesScope(st.ID))
			}
		}
	case KindSeries:
		for k := range known {
			if k.Kind == KindInstances && k.Parent.Study == s.Parent.Study {
				out = append(out, k)
			}
		}
	case KindRequests:
		for key, e := range c.entries {
			if key.Scope != s {
				continue
			}
			requests, _ := e.data.Items.([]RequestProcedure)
			for _, r := range requests {
				add(StepsScope(r.ID))
			}
		}
	case KindInstances, KindSteps, KindCandidates:
		// Leaves.
	}
	return out
}

func (c *Cache) startLocked(key ScopeKey, gen uint64, loader Loader, background bool) *flight {
	ctx, cancel := context.WithCancel(c.base)
	f := &flight{
		done:       make(chan struct{}),
		cancel:     cancel,
		gen:        gen,
		background: background,
	}
	c.flights[key] = f
	c.wg.Add(1)
	go c.run(ctx, key, f, loader)
	return f
}

func (c *Cache) run(ctx context.Context, key ScopeKey, f *flight, loader Loader) {
	defer c.wg.Done()
	defer f.cancel()

	data, err := loader(ctx, key)

	c.mu.Lock()
	f.finished = true
	if f.aborted {
		c.mu.Unlock()
		close(f.done)
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
	}

	gen := c.gens[key.Scope]
	superseded := f.gen != gen
	e := c.entries[key]
	if err != nil {
		cacheFetchErrors.WithLabelValues(key.Scope.Kind.String()).Inc()
		if e != nil {
			e.stale = true
			e.err = err
		}
	} else {
		e = &entry{data: data, fetchedAt: c.now(), gen: f.gen, stale: superseded}
		c.entries[key] = e
	}

	res := Result{Err: err}
	if e != nil {
		res = c.resultLocked(e, gen, nil)
		res.Err = err
	}
	f.result = res

	if superseded && c.watchers[key.Scope] > 0 {
		if next, ok := c.loaders[key.Scope.Kind]; ok {
			c.startLocked(key, gen, next, true)
		}
	}
	listeners := c.listeners
	c.mu.Unlock()

	close(f.done)

	if err != nil {
		c.logger.Warn().Err(err).Str("scope", key.Scope.String()).Int("page", key.Page).Msg("cache fetch failed")
		return
	}
	emit(listeners, Event{Type: EventUpdated, Scope: key.Scope, Key: key})
}

func (c *Cache) leave(key ScopeKey, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.background || f.finished {
		return
	}
	f.aborted = true
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

func (c *Cache) cancelled(key ScopeKey, err error) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	f := c.flights[key]
	if e == nil {
		return Result{IsLoading: f != nil, Err: err}
	}
	res := c.resultLocked(e, c.gens[key.Scope], f)
	res.Err = err
	return res
}

func (c *Cache) resultLocked(e *entry, gen uint64, f *flight) Result {
	res := Result{
		PageData:     e.data,
		IsStale:      !e.fresh(gen),
		IsValidating: f != nil,
		FetchedAt:    e.fetchedAt,
	}
	if res.IsStale {
		res.Err = e.err
	}
	return res
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
